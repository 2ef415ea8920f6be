// Package store defines the persistent entities of the orchestration
// server and the interfaces the rest of the system talks to. The only
// implementation is the embedded SQLite store in store/sqlite.
package store

import "time"

// Department workflow order is defined by SortOrder:
// Planning → Development → Design → QA → DevSecOps → Operations.
type Department struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	NameKo    string `json:"name_ko"`
	Icon      string `json:"icon"`
	Color     string `json:"color"`
	SortOrder int    `json:"sort_order"`

	// AgentCount is joined on list queries, not persisted.
	AgentCount int `json:"agent_count,omitempty"`
}

// Agent roles.
const (
	RoleTeamLeader = "team_leader"
	RoleSenior     = "senior"
	RoleJunior     = "junior"
	RoleIntern     = "intern"
)

// Agent statuses.
const (
	AgentIdle    = "idle"
	AgentWorking = "working"
	AgentBreak   = "break"
	AgentOffline = "offline"
)

// CLI providers. Copilot and Antigravity run over HTTP, the rest spawn a CLI.
const (
	ProviderClaude      = "claude"
	ProviderCodex       = "codex"
	ProviderGemini      = "gemini"
	ProviderOpencode    = "opencode"
	ProviderCopilot     = "copilot"
	ProviderAntigravity = "antigravity"
)

type Agent struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	NameKo       string  `json:"name_ko"`
	DepartmentID *string `json:"department_id"`
	Role         string  `json:"role"`
	CliProvider  *string `json:"cli_provider"`
	AvatarEmoji  string  `json:"avatar_emoji"`
	Personality  string  `json:"personality"`
	Status       string  `json:"status"`
	// CurrentTaskID is an index back-reference; every status transition
	// keeps it consistent with Status (working ⇔ set).
	CurrentTaskID  *string   `json:"current_task_id"`
	StatsTasksDone int       `json:"stats_tasks_done"`
	StatsXP        int       `json:"stats_xp"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// DepartmentName is joined on list queries.
	DepartmentName string `json:"department_name,omitempty"`
}

// Task statuses.
const (
	TaskInbox      = "inbox"
	TaskPlanned    = "planned"
	TaskInProgress = "in_progress"
	TaskReview     = "review"
	TaskDone       = "done"
	TaskCancelled  = "cancelled"
	TaskPending    = "pending"
)

type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	DepartmentID    *string    `json:"department_id"`
	AssignedAgentID *string    `json:"assigned_agent_id"`
	Status          string     `json:"status"`
	Priority        int        `json:"priority"`
	TaskType        string     `json:"task_type"`
	ProjectPath     string     `json:"project_path"`
	Result          string     `json:"result"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	// Joined on list queries.
	SubtaskCount     int `json:"subtask_count,omitempty"`
	SubtaskDoneCount int `json:"subtask_done_count,omitempty"`
}

// Subtask statuses.
const (
	SubtaskPending    = "pending"
	SubtaskInProgress = "in_progress"
	SubtaskDone       = "done"
	SubtaskBlocked    = "blocked"
)

type Subtask struct {
	ID              string  `json:"id"`
	TaskID          string  `json:"task_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Status          string  `json:"status"`
	AssignedAgentID *string `json:"assigned_agent_id"`
	BlockedReason   string  `json:"blocked_reason"`
	// CliToolUseID correlates start/end markers from a provider stream.
	CliToolUseID string `json:"cli_tool_use_id"`
	// TargetDepartmentID non-nil marks the subtask foreign: it belongs to
	// another department and is dispatched as its own child task.
	TargetDepartmentID *string   `json:"target_department_id"`
	DelegatedTaskID    *string   `json:"delegated_task_id"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Message sender/receiver kinds and types.
const (
	SenderCEO    = "ceo"
	SenderAgent  = "agent"
	SenderSystem = "system"

	ReceiverAgent      = "agent"
	ReceiverDepartment = "department"
	ReceiverAll        = "all"
	// ReceiverCEO marks agent → CEO replies; ListConversation keys on the
	// sender side for these, so the receiver id stays empty.
	ReceiverCEO = "ceo"

	MsgChat         = "chat"
	MsgTaskAssign   = "task_assign"
	MsgAnnouncement = "announcement"
	MsgReport       = "report"
	MsgStatusUpdate = "status_update"
)

type Message struct {
	ID           string    `json:"id"`
	SenderType   string    `json:"sender_type"`
	SenderID     string    `json:"sender_id"`
	ReceiverType string    `json:"receiver_type"`
	ReceiverID   string    `json:"receiver_id"`
	Content      string    `json:"content"`
	MessageType  string    `json:"message_type"`
	TaskID       *string   `json:"task_id"`
	CreatedAt    time.Time `json:"created_at"`
}

type TaskLog struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Meeting types and statuses.
const (
	MeetingPlanned = "planned"
	MeetingReview  = "review"

	MeetingInProgress        = "in_progress"
	MeetingCompleted         = "completed"
	MeetingRevisionRequested = "revision_requested"
	MeetingFailed            = "failed"
)

type MeetingMinutes struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	MeetingType string     `json:"meeting_type"`
	Round       int        `json:"round"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	Entries []MeetingEntry `json:"entries,omitempty"`
}

type MeetingEntry struct {
	ID             int64     `json:"id"`
	MeetingID      string    `json:"meeting_id"`
	Seq            int       `json:"seq"`
	SpeakerAgentID string    `json:"speaker_agent_id"`
	SpeakerName    string    `json:"speaker_name"`
	DepartmentName string    `json:"department_name"`
	RoleLabel      string    `json:"role_label"`
	MessageType    string    `json:"message_type"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// OAuth credential sources.
const (
	OAuthSourceWeb  = "web-oauth"
	OAuthSourceFile = "file-detected"
)

type OAuthCredential struct {
	Provider  string     `json:"provider"`
	Source    string     `json:"source"`
	Email     string     `json:"email"`
	Scope     string     `json:"scope"`
	ExpiresAt *time.Time `json:"expires_at"`
	// EncryptedData is an opaque vault payload (provider-specific JSON).
	EncryptedData string `json:"-"`
	// AccessToken and RefreshToken are vault payloads, never raw tokens.
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OAuthState is a one-time-use row per in-flight OAuth handshake.
// CodeVerifier holds an encrypted PKCE verifier, or "none" for GitHub.
type OAuthState struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	CodeVerifier string    `json:"-"`
	RedirectTo   string    `json:"redirect_to"`
	CreatedAt    time.Time `json:"created_at"`
}

// CliUsage is one cached quota snapshot per provider. Payload is the JSON
// blob {windows: [{label, utilization, resetsAt}], error}.
type CliUsage struct {
	Provider    string    `json:"provider"`
	Payload     string    `json:"payload"`
	RefreshedAt time.Time `json:"refreshed_at"`
}
