package specialist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no profile exists with the given name.
var ErrNotFound = errors.New("specialist: profile not found")

// Store persists specialist profiles. It shares a database connection
// with the checkpoint store and creates its own table on
// initialization.
type Store struct {
	db *sql.DB
}

// NewStore creates a profile store on the given connection, creating
// the specialists table if it does not already exist.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("specialist store migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS specialists (
			name          TEXT PRIMARY KEY,
			description   TEXT NOT NULL,
			keywords      TEXT NOT NULL,
			system_prompt TEXT NOT NULL,
			model         TEXT,
			max_history   INTEGER NOT NULL DEFAULT 0,
			disabled      BOOLEAN NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);
	`)
	return err
}

// Seed inserts the builtin profiles that are not already present.
// Existing rows are never overwritten, so operator edits survive
// restarts.
func (s *Store) Seed(ctx context.Context) (int, error) {
	added := 0
	for _, p := range builtinProfiles() {
		_, err := s.Get(ctx, p.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return added, err
		}
		if err := s.Put(ctx, p); err != nil {
			return added, fmt.Errorf("seed %s: %w", p.Name, err)
		}
		added++
	}
	return added, nil
}

// Put inserts or replaces a profile by name.
func (s *Store) Put(ctx context.Context, p *Profile) error {
	if p.Name == "" {
		return errors.New("specialist: profile name is required")
	}
	kw, err := json.Marshal(p.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO specialists (
			name, description, keywords, system_prompt, model,
			max_history, disabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description   = excluded.description,
			keywords      = excluded.keywords,
			system_prompt = excluded.system_prompt,
			model         = excluded.model,
			max_history   = excluded.max_history,
			disabled      = excluded.disabled,
			updated_at    = excluded.updated_at`,
		p.Name, p.Description, string(kw), p.SystemPrompt, p.Model,
		p.MaxHistory, p.Disabled, now, now,
	)
	return err
}

// Get retrieves a single profile by name.
func (s *Store) Get(ctx context.Context, name string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, description, keywords, system_prompt, model,
			max_history, disabled, created_at, updated_at
		FROM specialists WHERE name = ?`, name)

	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, err
}

// List returns all profiles ordered by name, including disabled ones.
func (s *Store) List(ctx context.Context) ([]*Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, keywords, system_prompt, model,
			max_history, disabled, created_at, updated_at
		FROM specialists ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// Delete removes a profile by name.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM specialists WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*Profile, error) {
	var p Profile
	var kwJSON string
	var model sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&p.Name, &p.Description, &kwJSON, &p.SystemPrompt, &model,
		&p.MaxHistory, &p.Disabled, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Model = model.String
	if kwJSON != "" {
		if err := json.Unmarshal([]byte(kwJSON), &p.Keywords); err != nil {
			return nil, fmt.Errorf("unmarshal keywords for %s: %w", p.Name, err)
		}
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &p, nil
}
