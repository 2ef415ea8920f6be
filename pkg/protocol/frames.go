package protocol

// Frame is the envelope for every WebSocket broadcast.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	TS      int64  `json:"ts"` // unix milliseconds
}

// ConnectedPayload is sent once per connection, immediately after upgrade.
type ConnectedPayload struct {
	Version string `json:"version"`
	App     string `json:"app"`
}

// CliOutputPayload carries a raw chunk of a child process stream.
type CliOutputPayload struct {
	TaskID string `json:"task_id"`
	Stream string `json:"stream"` // StreamStdout or StreamStderr
	Data   string `json:"data"`
}

// OfficeCallPayload animates a leader arriving at or speaking in the CEO office.
type OfficeCallPayload struct {
	FromAgentID string `json:"from_agent_id"`
	SeatIndex   int    `json:"seat_index"`
	Phase       string `json:"phase"` // "planned" or "review"
	TaskID      string `json:"task_id"`
	Action      string `json:"action"` // OfficeCallArrive or OfficeCallSpeak
	Line        string `json:"line,omitempty"`
}

// CrossDeptPayload cues the delivery animation between two departments.
type CrossDeptPayload struct {
	FromDepartmentID string `json:"from_department_id"`
	ToDepartmentID   string `json:"to_department_id"`
	TaskID           string `json:"task_id"`
}
