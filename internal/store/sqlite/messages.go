package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/climpire/internal/store"
)

const messageCols = `id, sender_type, sender_id, receiver_type, receiver_id,
	content, message_type, task_id, created_at`

func scanMessage(sc interface{ Scan(...any) error }) (store.Message, error) {
	var (
		m         store.Message
		taskID    sql.NullString
		createdAt string
	)
	err := sc.Scan(&m.ID, &m.SenderType, &m.SenderID, &m.ReceiverType, &m.ReceiverID,
		&m.Content, &m.MessageType, &taskID, &createdAt)
	if err != nil {
		return m, err
	}
	m.TaskID = strPtr(taskID)
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}

func (s *Store) CreateMessage(ctx context.Context, m *store.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.MessageType == "" {
		m.MessageType = store.MsgChat
	}
	m.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_type, sender_id, receiver_type, receiver_id,
		                       content, message_type, task_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SenderType, m.SenderID, m.ReceiverType, m.ReceiverID,
		m.Content, m.MessageType, nullable(m.TaskID), fmtTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, f store.MessageFilter) ([]store.Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + messageCols + ` FROM messages WHERE 1=1`
	var args []any
	if f.ReceiverType != "" {
		q += ` AND receiver_type = ?`
		args = append(args, f.ReceiverType)
	}
	if f.ReceiverID != "" {
		q += ` AND receiver_id = ?`
		args = append(args, f.ReceiverID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	// Reverse to oldest-first for display.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *Store) ListConversation(ctx context.Context, agentID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE (sender_type = 'ceo' AND receiver_type = 'agent' AND receiver_id = ?)
		    OR (sender_type = 'agent' AND sender_id = ?)
		    OR receiver_type = 'all'
		 ORDER BY created_at DESC LIMIT ?`,
		agentID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list conversation: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// DeleteMessages removes chat history. scope "agent" clears one agent's
// conversation with the CEO; anything else clears everything.
func (s *Store) DeleteMessages(ctx context.Context, agentID, scope string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if scope == "agent" && agentID != "" {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM messages
			 WHERE (sender_type = 'ceo' AND receiver_type = 'agent' AND receiver_id = ?)
			    OR (sender_type = 'agent' AND sender_id = ?)`,
			agentID, agentID)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM messages`)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete messages: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteMessagesByTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("sqlite: delete task messages: %w", err)
	}
	return nil
}
