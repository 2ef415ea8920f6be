package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

func (s *Store) CreateMeeting(ctx context.Context, m *store.MeetingMinutes) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = store.MeetingInProgress
	}
	if m.StartedAt.IsZero() {
		m.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meeting_minutes (id, task_id, meeting_type, round, title, status, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TaskID, m.MeetingType, m.Round, m.Title, m.Status,
		fmtTime(m.StartedAt), fmtTimePtr(m.CompletedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create meeting: %w", err)
	}
	return nil
}

func (s *Store) UpdateMeeting(ctx context.Context, id string, updates map[string]any) error {
	return s.execMapUpdate("meeting_minutes", id, updates)
}

func (s *Store) AppendMeetingEntry(ctx context.Context, e *store.MeetingEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meeting_minute_entries
		 (meeting_id, seq, speaker_agent_id, speaker_name, department_name, role_label, message_type, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MeetingID, e.Seq, e.SpeakerAgentID, e.SpeakerName, e.DepartmentName,
		e.RoleLabel, e.MessageType, e.Content, fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: append meeting entry: %w", err)
	}
	return nil
}

func (s *Store) ListMeetings(ctx context.Context, taskID string) ([]store.MeetingMinutes, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, meeting_type, round, title, status, started_at, completed_at
		 FROM meeting_minutes WHERE task_id = ? ORDER BY started_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list meetings: %w", err)
	}
	defer rows.Close()

	var out []store.MeetingMinutes
	for rows.Next() {
		var (
			m           store.MeetingMinutes
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.TaskID, &m.MeetingType, &m.Round, &m.Title, &m.Status,
			&startedAt, &completedAt); err != nil {
			return nil, err
		}
		m.StartedAt = parseTime(startedAt)
		m.CompletedAt = parseTimePtr(completedAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		entries, err := s.listMeetingEntries(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Entries = entries
	}
	return out, nil
}

func (s *Store) listMeetingEntries(ctx context.Context, meetingID string) ([]store.MeetingEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, meeting_id, seq, speaker_agent_id, speaker_name, department_name,
		        role_label, message_type, content, created_at
		 FROM meeting_minute_entries WHERE meeting_id = ? ORDER BY seq`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list meeting entries: %w", err)
	}
	defer rows.Close()

	var out []store.MeetingEntry
	for rows.Next() {
		var (
			e         store.MeetingEntry
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.MeetingID, &e.Seq, &e.SpeakerAgentID, &e.SpeakerName,
			&e.DepartmentName, &e.RoleLabel, &e.MessageType, &e.Content, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) LatestMeetingRound(ctx context.Context, taskID, meetingType string) (int, error) {
	var round int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(round), 0) FROM meeting_minutes WHERE task_id = ? AND meeting_type = ?`,
		taskID, meetingType).Scan(&round)
	if err != nil {
		return 0, fmt.Errorf("sqlite: latest meeting round: %w", err)
	}
	return round, nil
}
