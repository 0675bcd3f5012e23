package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/civicbot/governor/internal/storage"
)

// #region schema
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_blocks (
	idx            INTEGER PRIMARY KEY,
	timestamp      TEXT NOT NULL,
	previous_hash  TEXT NOT NULL,
	current_hash   TEXT NOT NULL UNIQUE,
	event_type     TEXT NOT NULL,
	data           TEXT NOT NULL,
	signatures     TEXT
);
`

// #endregion schema

// #region sqlite-backend

// SQLiteBackend stores one row per block in ledger_blocks.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend migrates ledger_blocks on db. The caller owns db.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	if err := storage.Migrate(db, sqliteSchema); err != nil {
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Write inserts b. The primary key on idx rejects a second block at the same index.
func (s *SQLiteBackend) Write(ctx context.Context, b Block) error {
	var sigs interface{}
	if len(b.Signatures) > 0 {
		raw, err := json.Marshal(b.Signatures)
		if err != nil {
			return fmt.Errorf("marshal signatures: %w", err)
		}
		sigs = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_blocks (idx, timestamp, previous_hash, current_hash, event_type, data, signatures)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.Index, storage.FormatTime(b.Timestamp), b.PreviousHash, b.CurrentHash,
		string(b.EventType), string(b.Data), sigs,
	)
	if err != nil {
		return fmt.Errorf("insert block %d: %w", b.Index, err)
	}
	return nil
}

// Last returns the highest-index block.
func (s *SQLiteBackend) Last(ctx context.Context) (Block, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT idx, timestamp, previous_hash, current_hash, event_type, data, signatures
		 FROM ledger_blocks ORDER BY idx DESC LIMIT 1`)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Block{}, false, nil
	}
	if err != nil {
		return Block{}, false, err
	}
	return b, true, nil
}

// Get returns the block at index.
func (s *SQLiteBackend) Get(ctx context.Context, index int64) (Block, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT idx, timestamp, previous_hash, current_hash, event_type, data, signatures
		 FROM ledger_blocks WHERE idx = ?`, index)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Block{}, fmt.Errorf("block %d: %w", index, ErrBlockNotFound)
	}
	return b, err
}

// Scan loads every block, then calls fn in index order. Rows are closed
// before fn runs, so fn may use the database.
func (s *SQLiteBackend) Scan(ctx context.Context, fn func(Block) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, timestamp, previous_hash, current_hash, event_type, data, signatures
		 FROM ledger_blocks ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("scan blocks: %w", err)
	}
	var blocks []Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			rows.Close()
			return err
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, b := range blocks {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the shared *sql.DB is closed by its owner.
func (s *SQLiteBackend) Close() error { return nil }

// #endregion sqlite-backend

// #region scan-helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (Block, error) {
	var (
		b         Block
		ts        string
		eventType string
		data      string
		sigs      sql.NullString
	)
	if err := row.Scan(&b.Index, &ts, &b.PreviousHash, &b.CurrentHash, &eventType, &data, &sigs); err != nil {
		return Block{}, err
	}
	b.Timestamp = storage.ParseTime(ts)
	b.EventType = EventType(eventType)
	b.Data = json.RawMessage(data)
	if sigs.Valid && sigs.String != "" {
		if err := json.Unmarshal([]byte(sigs.String), &b.Signatures); err != nil {
			return Block{}, fmt.Errorf("unmarshal signatures for block %d: %w", b.Index, err)
		}
	}
	return b, nil
}

// #endregion scan-helpers
