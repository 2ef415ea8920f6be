package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get* operations when no row matches.
var ErrNotFound = errors.New("store: not found")

// TaskFilter narrows ListTasks. Zero values mean "no filter".
type TaskFilter struct {
	Status       string
	DepartmentID string
	AgentID      string
}

// MessageFilter narrows ListMessages. Limit 0 means the store default.
type MessageFilter struct {
	ReceiverType string
	ReceiverID   string
	Limit        int
}

type DepartmentStore interface {
	ListDepartments(ctx context.Context) ([]Department, error)
	GetDepartment(ctx context.Context, id string) (*Department, error)
}

type AgentStore interface {
	ListAgents(ctx context.Context) ([]Agent, error)
	ListAgentsByDepartment(ctx context.Context, departmentID string) ([]Agent, error)
	// ListTeamLeaders returns every team leader that is not offline.
	ListTeamLeaders(ctx context.Context) ([]Agent, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByName(ctx context.Context, name string) (*Agent, error)
	GetTeamLeader(ctx context.Context, departmentID string) (*Agent, error)
	UpdateAgent(ctx context.Context, id string, updates map[string]any) error
	// SetAgentStatus transitions status and the current_task back-reference
	// in one statement so the working ⇔ current_task_id invariant holds.
	SetAgentStatus(ctx context.Context, id, status string, currentTaskID *string) error
	AddAgentStats(ctx context.Context, id string, tasksDone, xp int) error
}

type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	UpdateTask(ctx context.Context, id string, updates map[string]any) error
	DeleteTask(ctx context.Context, id string) error
}

type SubtaskStore interface {
	CreateSubtask(ctx context.Context, s *Subtask) error
	GetSubtask(ctx context.Context, id string) (*Subtask, error)
	GetSubtaskByToolUseID(ctx context.Context, taskID, toolUseID string) (*Subtask, error)
	ListSubtasks(ctx context.Context, taskID string) ([]Subtask, error)
	UpdateSubtask(ctx context.Context, id string, updates map[string]any) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, f MessageFilter) ([]Message, error)
	// ListConversation returns the most recent messages exchanged between
	// the CEO and the given agent, plus broadcasts, oldest first.
	ListConversation(ctx context.Context, agentID string, limit int) ([]Message, error)
	DeleteMessages(ctx context.Context, agentID, scope string) (int64, error)
	DeleteMessagesByTask(ctx context.Context, taskID string) error
}

type TaskLogStore interface {
	AppendTaskLog(ctx context.Context, taskID, kind, message string) error
	ListTaskLogs(ctx context.Context, taskID string) ([]TaskLog, error)
	DeleteTaskLogs(ctx context.Context, taskID string) error
}

type MeetingStore interface {
	CreateMeeting(ctx context.Context, m *MeetingMinutes) error
	UpdateMeeting(ctx context.Context, id string, updates map[string]any) error
	AppendMeetingEntry(ctx context.Context, e *MeetingEntry) error
	// ListMeetings returns minutes for a task with entries ordered by seq.
	ListMeetings(ctx context.Context, taskID string) ([]MeetingMinutes, error)
	// LatestMeetingRound returns 0 when the task has no meeting of that type.
	LatestMeetingRound(ctx context.Context, taskID, meetingType string) (int, error)
}

type OAuthStore interface {
	UpsertOAuthCredential(ctx context.Context, c *OAuthCredential) error
	GetOAuthCredential(ctx context.Context, provider string) (*OAuthCredential, error)
	ListOAuthCredentials(ctx context.Context) ([]OAuthCredential, error)
	DeleteOAuthCredential(ctx context.Context, provider string) error

	CreateOAuthState(ctx context.Context, s *OAuthState) error
	// ConsumeOAuthState deletes and returns the state row. Rows older than
	// ttl, or bound to a different provider, are deleted and reported as
	// ErrNotFound.
	ConsumeOAuthState(ctx context.Context, id, provider string, ttl time.Duration) (*OAuthState, error)
}

type UsageStore interface {
	UpsertCliUsage(ctx context.Context, provider, payload string) error
	ListCliUsage(ctx context.Context) ([]CliUsage, error)
}

type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)
}

// Store is the full persistence surface owned by the orchestration server.
type Store interface {
	DepartmentStore
	AgentStore
	TaskStore
	SubtaskStore
	MessageStore
	TaskLogStore
	MeetingStore
	OAuthStore
	UsageStore
	SettingsStore

	Close() error
}
