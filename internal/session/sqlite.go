package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/igolaizola/citychat/pkg/memory"
	_ "github.com/mattn/go-sqlite3"
)

type sqliteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a sqlite database at path to store sessions.
func NewSQLite(path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("session: couldn't create db directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("session: couldn't open db at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: couldn't ping db at %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id, id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: couldn't init schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

// Memory loads the session history. Messages added to the returned memory
// are written to the database before being kept.
func (s *sqliteStore) Memory(ctx context.Context, id string) (memory.Memory, error) {
	if id == "" {
		return nil, fmt.Errorf("session: empty id")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM messages WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("session: couldn't query messages: %w", err)
	}
	defer rows.Close()

	conv := memory.NewConversation()
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("session: couldn't scan message: %w", err)
		}
		r, err := memory.ParseRole(role)
		if err != nil {
			return nil, fmt.Errorf("session: %s: %w", id, err)
		}
		if err := conv.Add(memory.Message{Role: r, Content: content}); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: couldn't read messages: %w", err)
	}
	return &sqliteMemory{db: s.db, id: id, conv: conv}, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM messages GROUP BY session_id ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("session: couldn't list sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("session: couldn't scan session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type sqliteMemory struct {
	db   *sql.DB
	id   string
	conv *memory.Conversation
}

func (m *sqliteMemory) Add(msg memory.Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("session: invalid role %q", msg.Role)
	}
	if _, err := m.db.Exec(`INSERT INTO messages (session_id, role, content) VALUES (?, ?, ?)`,
		m.id, string(msg.Role), msg.Content); err != nil {
		return fmt.Errorf("session: couldn't insert message: %w", err)
	}
	return m.conv.Add(msg)
}

func (m *sqliteMemory) Messages() []memory.Message {
	return m.conv.Messages()
}
