// Package convlog provides the durable conversation log.
//
// Unlike the checkpoint store, which snapshots the full reasoning state
// (tool call rounds included), the log keeps only what users said and what
// the agent answered, in replay order. It also owns thread metadata.
package convlog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrThreadNotFound is returned by thread operations targeting an unknown id.
var ErrThreadNotFound = errors.New("convlog: thread not found")

// Thread is a named conversation.
type Thread struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry is one logged message within a thread.
type Entry struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a SQLite-backed conversation log.
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation log using the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_thread_seq
			ON messages(thread_id, seq);
	`)
	return err
}

// CreateThread registers a new thread. If id is empty a UUIDv7 is generated.
func (s *Store) CreateThread(id, name string) (*Thread, error) {
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate id: %w", err)
		}
		id = u.String()
	}
	if name == "" {
		name = "New conversation"
	}

	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO threads (id, name, created_at) VALUES (?, ?, ?)
	`, id, name, now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}

	return &Thread{ID: id, Name: name, CreatedAt: now}, nil
}

// ensureThread creates the thread row if it does not exist yet. Append uses
// it so a caller can log against a conversation id that was never explicitly
// created through the thread API.
func (s *Store) ensureThread(tx *sql.Tx, id string) error {
	now := time.Now().UTC()
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO threads (id, name, created_at) VALUES (?, ?, ?)
	`, id, "New conversation", now.Format(time.RFC3339))
	return err
}

// ListThreads returns all threads, newest first.
func (s *Store) ListThreads() ([]*Thread, error) {
	rows, err := s.db.Query(`
		SELECT id, name, created_at FROM threads ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		var t Thread
		var createdStr string
		if err := rows.Scan(&t.ID, &t.Name, &createdStr); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		threads = append(threads, &t)
	}
	return threads, rows.Err()
}

// RenameThread changes a thread's display name.
func (s *Store) RenameThread(id, name string) error {
	result, err := s.db.Exec(`UPDATE threads SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("rename thread: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// DeleteThread removes a thread and its logged messages.
func (s *Store) DeleteThread(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrThreadNotFound
	}
	return tx.Commit()
}

// Append logs a message at the end of a thread, creating the thread row on
// first use.
func (s *Store) Append(threadID, role, content string) error {
	msgID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureThread(tx, threadID); err != nil {
		return fmt.Errorf("ensure thread: %w", err)
	}

	var seq int64
	err = tx.QueryRow(`
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE thread_id = ?
	`, threadID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO messages (id, thread_id, seq, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msgID.String(), threadID, seq, role, content, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return tx.Commit()
}

// List returns a thread's messages in replay order.
func (s *Store) List(threadID string) ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, seq, role, content, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY seq ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var createdStr string
		if err := rows.Scan(&e.ID, &e.ThreadID, &e.Seq, &e.Role, &e.Content, &createdStr); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
