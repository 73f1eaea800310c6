// Package checkpoint persists conversation state between agent runs.
//
// Each conversation owns exactly one row; saving a checkpoint replaces the
// previous snapshot for that conversation. A monotonically increasing step
// counter guards against a stale writer clobbering newer state.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"quill/internal/llm"
)

// ErrStaleWrite is returned by Save when the stored checkpoint has advanced
// past the step the caller is trying to write.
var ErrStaleWrite = errors.New("checkpoint: stale write rejected")

// Checkpoint is a full snapshot of one conversation's reasoning state.
type Checkpoint struct {
	ConversationID string        `json:"conversation_id"`
	Step           int64         `json:"step"`
	History        []llm.Message `json:"history"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Store handles checkpoint persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a checkpoint store using the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			conversation_id TEXT PRIMARY KEY,
			step INTEGER NOT NULL,
			state_gz BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// Load returns the checkpoint for a conversation, or nil if none exists.
func (s *Store) Load(conversationID string) (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT conversation_id, step, state_gz, updated_at
		FROM checkpoints WHERE conversation_id = ?
	`, conversationID)

	var cp Checkpoint
	var stateGz []byte
	var updatedStr string

	err := row.Scan(&cp.ConversationID, &cp.Step, &stateGz, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	cp.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)

	gr, err := gzip.NewReader(bytes.NewReader(stateGz))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	if err := json.Unmarshal(stateJSON, &cp.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}

	return &cp, nil
}

// Save writes a checkpoint. The step must be strictly greater than the stored
// step for the same conversation; otherwise Save fails with ErrStaleWrite and
// leaves the stored snapshot untouched.
func (s *Store) Save(cp *Checkpoint) error {
	if cp.ConversationID == "" {
		return fmt.Errorf("save: empty conversation id")
	}

	stateJSON, err := json.Marshal(cp.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}

	now := time.Now().UTC()

	result, err := s.db.Exec(`
		INSERT INTO checkpoints (conversation_id, step, state_gz, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			step = excluded.step,
			state_gz = excluded.state_gz,
			updated_at = excluded.updated_at
		WHERE excluded.step > checkpoints.step
	`, cp.ConversationID, cp.Step, buf.Bytes(), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrStaleWrite
	}

	cp.UpdatedAt = now
	return nil
}

// Delete removes a conversation's checkpoint. Deleting an absent conversation
// is not an error.
func (s *Store) Delete(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}
