package pow

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/civicbot/governor/internal/apperr"
	"github.com/civicbot/governor/internal/observability"
	"github.com/civicbot/governor/internal/storage"
)

// InvalidProofMessage is the client-facing message for every rejected proof.
const InvalidProofMessage = "Invalid Proof-of-Work"

// ErrInvalidProof is returned for every rejected proof, joined with one of
// the causes below.
var ErrInvalidProof = apperr.New(apperr.KindRejected, InvalidProofMessage)

// Rejection causes.
var (
	ErrUnknownChallenge = errors.New("challenge was not issued by this server")
	ErrChallengeUsed    = errors.New("challenge already used")
	ErrChallengeExpired = errors.New("challenge expired")
	ErrHashMismatch     = errors.New("hash does not match challenge and nonce")
	ErrDifficulty       = errors.New("hash does not meet difficulty")
)

func rejected(cause error) error {
	return fmt.Errorf("%w: %w", ErrInvalidProof, cause)
}

// #region schema
const admissionSchema = `
CREATE TABLE IF NOT EXISTS pow_challenges (
	challenge   TEXT PRIMARY KEY,
	difficulty  INTEGER NOT NULL,
	issued_at   TEXT NOT NULL,
	expires_at  TEXT NOT NULL,
	consumed_at TEXT,
	nonce       TEXT
);
CREATE INDEX IF NOT EXISTS idx_pow_expires ON pow_challenges(expires_at);
`

// #endregion schema

// #region config

// Config controls challenge issuance.
type Config struct {
	Difficulty   int           `yaml:"difficulty" validate:"gte=1,lte=16"`
	ChallengeTTL time.Duration `yaml:"challenge_ttl" validate:"gt=0"`
}

// DefaultConfig uses difficulty 4 and a ten minute TTL.
func DefaultConfig() Config {
	return Config{Difficulty: DefaultDifficulty, ChallengeTTL: 10 * time.Minute}
}

// #endregion config

// #region admission

// Challenge is an issued puzzle.
type Challenge struct {
	Challenge  string    `json:"challenge"`
	Difficulty int       `json:"difficulty"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Admission issues challenges and admits proofs. Consumption is recorded in
// SQLite so a challenge stays spent across restarts.
type Admission struct {
	db      *sql.DB
	config  Config
	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// Option configures an Admission.
type Option func(*Admission)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(a *Admission) { a.now = now } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Admission) { a.logger = l.With().Str("component", "pow").Logger() }
}

// WithMetrics records admission results.
func WithMetrics(m *observability.Metrics) Option { return func(a *Admission) { a.metrics = m } }

// NewAdmission migrates pow_challenges on db.
func NewAdmission(db *sql.DB, config Config, opts ...Option) (*Admission, error) {
	if err := storage.Migrate(db, admissionSchema); err != nil {
		return nil, fmt.Errorf("pow schema: %w", err)
	}
	a := &Admission{db: db, config: config, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Difficulty returns the configured difficulty.
func (a *Admission) Difficulty() int { return a.config.Difficulty }

// IssueChallenge records and returns a fresh challenge.
func (a *Admission) IssueChallenge(ctx context.Context) (Challenge, error) {
	var rnd [16]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return Challenge{}, fmt.Errorf("challenge entropy: %w", err)
	}
	now := a.now().UTC()
	c := Challenge{
		Challenge:  xid.New().String() + "-" + hex.EncodeToString(rnd[:]),
		Difficulty: a.config.Difficulty,
		IssuedAt:   now,
		ExpiresAt:  now.Add(a.config.ChallengeTTL),
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO pow_challenges (challenge, difficulty, issued_at, expires_at) VALUES (?, ?, ?, ?)`,
		c.Challenge, c.Difficulty, storage.FormatTime(c.IssuedAt), storage.FormatTime(c.ExpiresAt))
	if err != nil {
		return Challenge{}, fmt.Errorf("store challenge: %w", err)
	}
	return c, nil
}

// Admit checks p and consumes its challenge. Checks run in order: the
// challenge must be known, unconsumed and unexpired, then the hash must be
// valid at the difficulty the challenge was issued with. A failed hash does
// not consume the challenge.
func (a *Admission) Admit(ctx context.Context, p Proof) error {
	err := a.admit(ctx, p)
	result := "admitted"
	if err != nil {
		result = "rejected"
		if !errors.Is(err, ErrInvalidProof) {
			result = "error"
		}
		a.logger.Info().Err(err).Str("result", result).Msg("proof not admitted")
	}
	a.metrics.ObserveVote(result)
	return err
}

func (a *Admission) admit(ctx context.Context, p Proof) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var (
		difficulty int
		expiresAt  string
		consumedAt sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT difficulty, expires_at, consumed_at FROM pow_challenges WHERE challenge = ?`, p.Challenge,
	).Scan(&difficulty, &expiresAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rejected(ErrUnknownChallenge)
	}
	if err != nil {
		return fmt.Errorf("load challenge: %w", err)
	}
	if consumedAt.Valid {
		return rejected(ErrChallengeUsed)
	}
	if !a.now().UTC().Before(storage.ParseTime(expiresAt)) {
		return rejected(ErrChallengeExpired)
	}
	if p.Hash != Hash(p.Challenge, p.Nonce) {
		return rejected(ErrHashMismatch)
	}
	if !Verify(p.Challenge, p.Nonce, p.Hash, difficulty) {
		return rejected(ErrDifficulty)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE pow_challenges SET consumed_at = ?, nonce = ? WHERE challenge = ? AND consumed_at IS NULL`,
		storage.FormatTime(a.now()), p.Nonce, p.Challenge)
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return rejected(ErrChallengeUsed)
	}
	return tx.Commit()
}

// PurgeExpired deletes expired challenges that were never used. Consumed
// challenges are kept so replays stay detectable.
func (a *Admission) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM pow_challenges WHERE consumed_at IS NULL AND expires_at <= ?`,
		storage.FormatTime(a.now()))
	if err != nil {
		return 0, fmt.Errorf("purge challenges: %w", err)
	}
	return res.RowsAffected()
}

// #endregion admission
