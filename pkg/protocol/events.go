package protocol

// ProtocolVersion is bumped when the WebSocket frame contract changes.
const ProtocolVersion = 1

// WebSocket event types pushed from server to client.
const (
	EventConnected       = "connected"
	EventTaskUpdate      = "task_update"
	EventAgentStatus     = "agent_status"
	EventNewMessage      = "new_message"
	EventAnnouncement    = "announcement"
	EventSubtaskUpdate   = "subtask_update"
	EventCliOutput       = "cli_output"
	EventCliUsageUpdate  = "cli_usage_update"
	EventCrossDept       = "cross_dept_delivery"
	EventCeoOfficeCall   = "ceo_office_call"
	EventMessagesCleared = "messages_cleared"
)

// ceo_office_call actions (payload.action).
const (
	OfficeCallArrive = "arrive"
	OfficeCallSpeak  = "speak"
)

// cli_output stream labels (payload.stream).
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)
