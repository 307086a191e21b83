package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/dockhand/dockhand/internal/session/models"
)

const messageColumns = `message_id, session_id, seq, type, content, created_at`

// CreateMessage appends a message to a session's history. A replayed message
// id yields ErrDuplicateMessage; a sequence number claimed by a concurrent
// writer yields ErrDuplicateSeq so the caller can re-read the max and retry.
func (r *Repository) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if m.Type == "" {
		m.Type = "system"
	}
	if len(m.Content) == 0 {
		m.Content = json.RawMessage("{}")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO session_messages (message_id, session_id, seq, type, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), m.ID, m.SessionID, m.Seq, m.Type, string(m.Content), m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, messagePKConstraint, sqlite3.ErrConstraintPrimaryKey) {
			return fmt.Errorf("%w: %s", ErrDuplicateMessage, m.ID)
		}
		if isUniqueViolation(err, messageSeqConstraint, sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("%w: %d", ErrDuplicateSeq, m.Seq)
		}
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// GetMessage retrieves a single message by its session-scoped id.
func (r *Repository) GetMessage(ctx context.Context, sessionID, messageID string) (*models.Message, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT `+messageColumns+` FROM session_messages WHERE session_id = ? AND message_id = ?`),
		sessionID, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// ListMessages returns a session's messages with seq greater than afterSeq
// in ascending order. Pass afterSeq -1 for the full history; limit <= 0
// disables the limit.
func (r *Repository) ListMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM session_messages WHERE session_id = ? AND seq > ? ORDER BY seq ASC`
	args := []interface{}{sessionID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// CountMessages returns the number of persisted messages for a session.
func (r *Repository) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT COUNT(*) FROM session_messages WHERE session_id = ?`), sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// MaxSeq returns the highest sequence number recorded for a session, or -1
// when the session has no messages yet.
func (r *Repository) MaxSeq(ctx context.Context, sessionID string) (int64, error) {
	var max int64
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT COALESCE(MAX(seq), -1) FROM session_messages WHERE session_id = ?`), sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max seq: %w", err)
	}
	return max, nil
}

// LatestNonUserMessage returns the most recent message that did not
// originate from the user, used when marking an interrupted turn.
func (r *Repository) LatestNonUserMessage(ctx context.Context, sessionID string) (*models.Message, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT `+messageColumns+` FROM session_messages WHERE session_id = ? AND type != 'user' ORDER BY seq DESC LIMIT 1`),
		sessionID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no non-user message in session %s", ErrMessageNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest message: %w", err)
	}
	return m, nil
}

// UpdateMessageContent replaces a message's stored content.
func (r *Repository) UpdateMessageContent(ctx context.Context, sessionID, messageID string, content json.RawMessage) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE session_messages SET content = ? WHERE session_id = ? AND message_id = ?`),
		string(content), sessionID, messageID)
	if err != nil {
		return fmt.Errorf("failed to update message content: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	return nil
}

func scanMessage(rs rowScanner) (*models.Message, error) {
	var (
		m       models.Message
		content string
	)
	err := rs.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Type, &content, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Content = json.RawMessage(content)
	return &m, nil
}
