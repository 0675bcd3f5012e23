package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/civicbot/governor/internal/storage"
)

// #region schema
const registrySchema = `
CREATE TABLE IF NOT EXISTS checkpoint_keys (
	public_key    TEXT PRIMARY KEY,
	label         TEXT,
	registered_at TEXT NOT NULL,
	revoked_at    TEXT
);
`

// #endregion schema

// #region registry

// RegisteredKey is an administrator public key allowed to sign checkpoints.
type RegisteredKey struct {
	PublicKey    string     `json:"publicKeyHex"`
	Label        string     `json:"label,omitempty"`
	RegisteredAt time.Time  `json:"registeredAt"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
}

// Registry stores registered public keys in SQLite.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// NewRegistry migrates checkpoint_keys on db.
func NewRegistry(db *sql.DB) (*Registry, error) {
	if err := storage.Migrate(db, registrySchema); err != nil {
		return nil, fmt.Errorf("registry schema: %w", err)
	}
	return &Registry{db: db, now: time.Now}, nil
}

// Register adds or re-activates pubHex.
func (r *Registry) Register(ctx context.Context, pubHex, label string) (RegisteredKey, error) {
	pub, err := NormalizePublicKey(pubHex)
	if err != nil {
		return RegisteredKey{}, err
	}
	now := r.now().UTC()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO checkpoint_keys (public_key, label, registered_at) VALUES (?, ?, ?)
		 ON CONFLICT(public_key) DO UPDATE SET label = excluded.label, revoked_at = NULL`,
		pub, storage.NullIfEmpty(label), storage.FormatTime(now))
	if err != nil {
		return RegisteredKey{}, fmt.Errorf("register key: %w", err)
	}
	return r.get(ctx, pub)
}

// Revoke marks pubHex as no longer allowed to sign.
func (r *Registry) Revoke(ctx context.Context, pubHex string) error {
	pub, err := NormalizePublicKey(pubHex)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE checkpoint_keys SET revoked_at = ? WHERE public_key = ? AND revoked_at IS NULL`,
		storage.FormatTime(r.now()), pub)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("revoke %s: %w", pub, ErrUnregisteredKey)
	}
	return nil
}

// IsRegistered reports whether pubHex is registered and not revoked.
func (r *Registry) IsRegistered(ctx context.Context, pubHex string) (bool, error) {
	pub, err := NormalizePublicKey(pubHex)
	if err != nil {
		return false, nil
	}
	k, err := r.get(ctx, pub)
	if errors.Is(err, ErrUnregisteredKey) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return k.RevokedAt == nil, nil
}

// List returns every key, newest first.
func (r *Registry) List(ctx context.Context) ([]RegisteredKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT public_key, label, registered_at, revoked_at FROM checkpoint_keys ORDER BY registered_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []RegisteredKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *Registry) get(ctx context.Context, pub string) (RegisteredKey, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT public_key, label, registered_at, revoked_at FROM checkpoint_keys WHERE public_key = ?`, pub)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RegisteredKey{}, fmt.Errorf("%s: %w", pub, ErrUnregisteredKey)
	}
	return k, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (RegisteredKey, error) {
	var (
		k       RegisteredKey
		label   sql.NullString
		regAt   string
		revoked sql.NullString
	)
	if err := row.Scan(&k.PublicKey, &label, &regAt, &revoked); err != nil {
		return RegisteredKey{}, err
	}
	k.Label = label.String
	k.RegisteredAt = storage.ParseTime(regAt)
	if revoked.Valid {
		t := storage.ParseTime(revoked.String)
		k.RevokedAt = &t
	}
	return k, nil
}

// #endregion registry

// #region verify-checkpoint

// VerifyCheckpoint checks that pubHex is registered and that sigHex signs the
// UTF-8 bytes of cycleID. It returns ErrUnregisteredKey or ErrInvalidSignature.
func (r *Registry) VerifyCheckpoint(ctx context.Context, cycleID, sigHex, pubHex string) error {
	ok, err := r.IsRegistered(ctx, pubHex)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnregisteredKey
	}
	if !VerifyHex([]byte(cycleID), sigHex, pubHex) {
		return ErrInvalidSignature
	}
	return nil
}

// #endregion verify-checkpoint
