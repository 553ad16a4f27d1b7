// Package checkpoint persists conversation state per thread so that
// multi-turn dialogues survive process restarts.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tkwest/switchboard/internal/conversation"
)

// ErrNotFound is returned by Load when no checkpoint exists for a thread.
var ErrNotFound = errors.New("checkpoint: thread not found")

// Store handles checkpoint persistence. One row per thread holds the
// full serialized conversation state plus queryable metadata.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the checkpoint database at path and runs
// migrations. The caller owns the returned store and must Close it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
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
		CREATE TABLE IF NOT EXISTS threads (
			thread_id     TEXT PRIMARY KEY,
			title         TEXT,
			state_gz      BLOB NOT NULL,
			byte_size     INTEGER NOT NULL,
			message_count INTEGER NOT NULL,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_threads_updated
			ON threads(updated_at DESC);
	`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection so auxiliary stores can share
// the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Load retrieves the persisted state for a thread. Returns ErrNotFound
// when no checkpoint exists. Callers treat any load failure as "fresh
// conversation" — a corrupt checkpoint must not wedge the thread.
func (s *Store) Load(ctx context.Context, threadID string) (*conversation.State, error) {
	var stateGz []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state_gz FROM threads WHERE thread_id = ?
	`, threadID).Scan(&stateGz)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	gr, err := gzip.NewReader(bytes.NewReader(stateGz))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	var st conversation.State
	if err := json.Unmarshal(stateJSON, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &st, nil
}

// Save persists the full state for a thread, inserting or replacing
// the existing checkpoint. A save failure is fatal to the turn: the
// caller must surface it so the external caller knows the turn may
// not persist.
func (s *Store) Save(ctx context.Context, threadID string, st *conversation.State) error {
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}

	compressed := buf.Bytes()
	now := time.Now().UTC().Format(time.RFC3339)
	created := st.CreatedAt.UTC().Format(time.RFC3339)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (thread_id, state_gz, byte_size, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			state_gz = excluded.state_gz,
			byte_size = excluded.byte_size,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at
	`, threadID, compressed, len(compressed), len(st.Messages), created, now)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// ThreadMeta is the auxiliary per-thread metadata record, independent
// of the message payload.
type ThreadMeta struct {
	ThreadID     string    `json:"thread_id"`
	Title        string    `json:"title,omitempty"`
	ByteSize     int64     `json:"byte_size"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListThreads returns thread metadata ordered by last update (newest
// first). State payloads are not included.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]ThreadMeta, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, title, byte_size, message_count, created_at, updated_at
		FROM threads
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var threads []ThreadMeta
	for rows.Next() {
		tm, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, tm)
	}
	return threads, rows.Err()
}

// GetMeta returns the metadata record for one thread.
func (s *Store) GetMeta(ctx context.Context, threadID string) (ThreadMeta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, title, byte_size, message_count, created_at, updated_at
		FROM threads WHERE thread_id = ?
	`, threadID)

	tm, err := scanMeta(row)
	if err == sql.ErrNoRows {
		return ThreadMeta{}, ErrNotFound
	}
	return tm, err
}

// SetTitle stores a human-readable title for a thread.
func (s *Store) SetTitle(ctx context.Context, threadID, title string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE threads SET title = ? WHERE thread_id = ?`, title, threadID)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteThread removes a thread's checkpoint and metadata.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM threads WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Prune removes threads untouched for longer than olderThan, keeping
// at least minKeep of the most recently updated. Returns the number
// of threads removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration, minKeep int) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if total <= minKeep {
		return 0, nil
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM threads
		WHERE thread_id IN (
			SELECT thread_id FROM threads
			WHERE updated_at < ?
			ORDER BY updated_at ASC
			LIMIT ?
		)
	`, cutoff.Format(time.RFC3339), total-minKeep)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(row rowScanner) (ThreadMeta, error) {
	var tm ThreadMeta
	var title sql.NullString
	var createdStr, updatedStr string

	err := row.Scan(&tm.ThreadID, &title, &tm.ByteSize, &tm.MessageCount, &createdStr, &updatedStr)
	if err != nil {
		return ThreadMeta{}, err
	}

	if title.Valid {
		tm.Title = title.String
	}
	tm.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	tm.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	return tm, nil
}
