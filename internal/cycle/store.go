package cycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/civicbot/governor/internal/storage"
)

// #region schema
const cycleSchema = `
CREATE TABLE IF NOT EXISTS cycles (
	id         TEXT PRIMARY KEY,
	stage      TEXT NOT NULL,
	trigger    TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cycles_stage ON cycles(stage);
`

// #endregion schema

// #region store

// Store keeps cycle history in SQLite. The full cycle is stored as JSON; the
// stage column is kept for recovery queries.
type Store struct {
	db *sql.DB
}

// NewStore migrates the cycles table on db.
func NewStore(db *sql.DB) (*Store, error) {
	if err := storage.Migrate(db, cycleSchema); err != nil {
		return nil, fmt.Errorf("cycle schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save upserts c.
func (s *Store) Save(ctx context.Context, c Cycle) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cycle: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cycles (id, stage, trigger, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET stage = excluded.stage, data = excluded.data, updated_at = excluded.updated_at`,
		c.ID, string(c.Stage), string(c.Trigger), string(data),
		storage.FormatTime(c.CreatedAt), storage.FormatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save cycle: %w", err)
	}
	return nil
}

// Get loads one cycle.
func (s *Store) Get(ctx context.Context, id string) (Cycle, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM cycles WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Cycle{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Cycle{}, fmt.Errorf("get cycle: %w", err)
	}
	return decodeCycle(data)
}

// List returns cycles newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Cycle, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `SELECT data FROM cycles ORDER BY created_at DESC LIMIT ?`, limit)
}

// Unfinished returns cycles in a non-terminal stage, oldest first.
func (s *Store) Unfinished(ctx context.Context) ([]Cycle, error) {
	return s.query(ctx,
		`SELECT data FROM cycles WHERE stage NOT IN (?, ?, ?) ORDER BY created_at`,
		string(StageLogged), string(StageRejected), string(StageFailed))
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Cycle, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	out := []Cycle{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		c, err := decodeCycle(data)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func decodeCycle(data string) (Cycle, error) {
	var c Cycle
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return Cycle{}, fmt.Errorf("decode cycle: %w", err)
	}
	return c, nil
}

// #endregion store
