package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/chatrelay/chatrelay/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	text            TEXT NOT NULL,
	stream_id       TEXT NOT NULL DEFAULT '',
	complete        INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	updated_at      TEXT,
	FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, seq);
`

// SQLite is a Store engine backed by an embedded SQLite database.
// Messages carry an explicit per-conversation sequence so append order
// survives timestamp collisions.
type SQLite struct {
	db *sql.DB

	// SQLite allows one writer at a time; serializing appends here also
	// keeps the seq allocation race-free.
	mu sync.Mutex
}

// NewSQLite opens (and if needed initializes) the database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps :memory: databases from vanishing between
	// pool checkouts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// CreateConversation implements Store.
func (s *SQLite) CreateConversation(ctx context.Context, title string) (*model.Conversation, error) {
	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.Title, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return conv, nil
}

// ListConversations implements Store.
func (s *SQLite) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		var conv model.Conversation
		var created, updated string
		if err := rows.Scan(&conv.ID, &conv.Title, &created, &updated); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		conv.CreatedAt = parseTime(created)
		conv.UpdatedAt = parseTime(updated)
		convs = append(convs, conv)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return convs, rows.Err()
}

// GetConversation implements Store.
func (s *SQLite) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	conv.CreatedAt = parseTime(created)
	conv.UpdatedAt = parseTime(updated)
	return &conv, nil
}

// DeleteConversation implements Store.
func (s *SQLite) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// AppendMessage implements Store.
func (s *SQLite) AppendMessage(ctx context.Context, conversationID string, role model.Role, text, streamID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !now.After(conv.UpdatedAt) {
		now = conv.UpdatedAt.Add(time.Nanosecond)
	}

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
		StreamID:       streamID,
		CreatedAt:      now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, role, text, stream_id, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?, ?, ?, ?)`,
		msg.ID, conversationID, conversationID, string(role), text, streamID, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, formatTime(now), conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return msg, nil
}

// GetMessage implements Store.
func (s *SQLite) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	msg, err := s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, text, stream_id, complete, error, created_at, updated_at
		 FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return msg, nil
}

// UpdateMessage implements Store.
func (s *SQLite) UpdateMessage(ctx context.Context, id string, patch model.MessagePatch) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	if !applyPatch(msg, patch) {
		return msg, nil
	}
	now := time.Now().UTC()
	msg.UpdatedAt = &now

	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET text = ?, complete = ?, error = ?, updated_at = ? WHERE id = ?`,
		msg.Text, boolToInt(msg.Complete), msg.Error, formatTime(now), id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return msg, nil
}

// ListMessages implements Store.
func (s *SQLite) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, text, stream_id, complete, error, created_at, updated_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) scanMessage(row rowScanner) (*model.Message, error) {
	var msg model.Message
	var role, created string
	var updated sql.NullString
	var complete int
	if err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Text, &msg.StreamID,
		&complete, &msg.Error, &created, &updated); err != nil {
		return nil, err
	}
	msg.Role = model.Role(role)
	msg.Complete = complete != 0
	msg.CreatedAt = parseTime(created)
	if updated.Valid && updated.String != "" {
		t := parseTime(updated.String)
		msg.UpdatedAt = &t
	}
	return &msg, nil
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
