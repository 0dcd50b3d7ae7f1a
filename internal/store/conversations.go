// ABOUTME: Conversation and message persistence for SQLStore
// ABOUTME: State changes are conditional updates and message appends are sequenced per conversation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateConversation inserts a new conversation in the ACTIVE state.
func (s *SQLStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.State == "" {
		c.State = StateActive
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastActivityAt.IsZero() {
		c.LastActivityAt = c.CreatedAt
	}
	c.UpdatedAt = c.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, tenant_id, customer_id, title, state, live_mode, is_favorite,
			last_seq, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, c.ID, c.TenantID, c.CustomerID, c.Title, string(c.State), boolInt(c.LiveMode), boolInt(c.IsFavorite),
		formatTime(c.LastActivityAt), formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

const conversationColumns = `id, tenant_id, customer_id, title, state, live_mode, is_favorite,
	last_seq, last_activity_at, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	var state, lastActivity, createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.TenantID, &c.CustomerID, &c.Title, &state, &c.LiveMode, &c.IsFavorite,
		&c.LastSeq, &lastActivity, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.State = ConversationState(state)
	c.LastActivityAt = parseTime(lastActivity)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns a tenant's conversations, most recently active first.
func (s *SQLStore) ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE tenant_id = ?`
	args := []any{f.TenantID}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	if f.FavoritesOnly {
		query += ` AND is_favorite = 1`
	}
	query += ` ORDER BY last_activity_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// TouchConversation sets last_activity_at. Expired conversations are read-only.
func (s *SQLStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET last_activity_at = ?, updated_at = ?
		WHERE id = ? AND state <> ?
	`, formatTime(at), formatTime(at), id, string(StateExpired))
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrEnded(ctx, id)
	}
	return nil
}

// TransitionConversation applies t as a single conditional update and returns
// the resulting row. changed reports whether this call moved the state.
func (s *SQLStore) TransitionConversation(ctx context.Context, id string, t Transition) (conv *Conversation, changed bool, err error) {
	if len(t.From) == 0 {
		return nil, false, fmt.Errorf("transition to %s has no source states", t.To)
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(t.From)), ",")
	query := `UPDATE conversations SET state = ?, live_mode = ?, updated_at = ?
		WHERE id = ? AND state IN (` + placeholders + `)`
	args := []any{string(t.To), boolInt(t.LiveMode), formatTime(t.At), id}
	for _, st := range t.From {
		args = append(args, string(st))
	}
	if t.IdleBefore != nil {
		query += ` AND last_activity_at < ?`
		args = append(args, formatTime(*t.IdleBefore))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("updating conversation state: %w", err)
	}
	n, _ := res.RowsAffected()

	conv, err = s.GetConversation(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return conv, n > 0, nil
}

// SetFavorite flags or unflags a conversation.
func (s *SQLStore) SetFavorite(ctx context.Context, id string, favorite bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET is_favorite = ?, updated_at = ? WHERE id = ?
	`, boolInt(favorite), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating favorite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage persists a message at the next sequence number of its
// conversation. Concurrent appends to one conversation are serialized by the
// last_seq row update; appends to an expired conversation fail with
// ErrConversationEnded.
func (s *SQLStore) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET last_seq = last_seq + 1, updated_at = ?
			WHERE id = ? AND state <> ?
		`, formatTime(m.CreatedAt), m.ConversationID, string(StateExpired))
		if err != nil {
			return fmt.Errorf("advancing sequence: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var state string
			err := tx.QueryRowContext(ctx, `SELECT state FROM conversations WHERE id = ?`, m.ConversationID).Scan(&state)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("querying conversation state: %w", err)
			}
			return ErrConversationEnded
		}

		if err := tx.QueryRowContext(ctx, `SELECT last_seq FROM conversations WHERE id = ?`, m.ConversationID).Scan(&m.Seq); err != nil {
			return fmt.Errorf("reading sequence: %w", err)
		}

		var latency sql.NullInt64
		if m.LatencyMS != nil {
			latency = sql.NullInt64{Int64: *m.LatencyMS, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, seq, role, sender, body, media_ref, seen, latency_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, m.ConversationID, m.Seq, string(m.Role), m.Sender, m.Body, nullString(m.MediaRef),
			boolInt(m.Seen), latency, formatTime(m.CreatedAt))
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		return nil
	})
	return err
}

const messageColumns = `id, conversation_id, seq, role, sender, body, media_ref, seen, latency_ms, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var role, createdAt string
	var mediaRef sql.NullString
	var latency sql.NullInt64
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &role, &m.Sender, &m.Body, &mediaRef,
		&m.Seen, &latency, &createdAt); err != nil {
		return nil, err
	}
	m.Role = Role(role)
	m.MediaRef = mediaRef.String
	if latency.Valid {
		v := latency.Int64
		m.LatencyMS = &v
	}
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

// GetMessage loads one message by id.
func (s *SQLStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

// ListMessages returns up to limit of the most recent messages of a
// conversation in sequence order. limit <= 0 returns all.
func (s *SQLStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY seq DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into ascending order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkMessagesSeen flags every unseen message of the given role as seen and
// returns how many changed.
func (s *SQLStore) MarkMessagesSeen(ctx context.Context, conversationID string, role Role) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET seen = 1 WHERE conversation_id = ? AND role = ? AND seen = 0
	`, conversationID, string(role))
	if err != nil {
		return 0, fmt.Errorf("marking messages seen: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) missingOrEnded(ctx context.Context, id string) error {
	c, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if c.State == StateExpired {
		return ErrConversationEnded
	}
	return nil
}
