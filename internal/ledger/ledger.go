// Package ledger implements the append-only, hash-chained governance log.
//
// Every block commits to its predecessor through previous_hash, so editing any
// persisted field of block i is reported by VerifyChain as a break at i.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/civicbot/governor/internal/observability"
)

// #region backend

// Backend persists blocks. Implementations only ever insert; there is no
// update or delete path.
type Backend interface {
	// Write durably stores b. It must fail if b.Index already exists.
	Write(ctx context.Context, b Block) error
	// Last returns the block with the highest index.
	Last(ctx context.Context) (Block, bool, error)
	// Get returns the block at index or ErrBlockNotFound.
	Get(ctx context.Context, index int64) (Block, error)
	// Scan calls fn for every block in ascending index order.
	Scan(ctx context.Context, fn func(Block) error) error
	Close() error
}

// Mirror receives a copy of each committed block. Mirror failures never
// affect the commit.
type Mirror interface {
	MirrorBlock(ctx context.Context, b Block) error
}

// #endregion backend

// #region ledger-struct

// Ledger owns the chain tail. Appends are serialized by mu so previous_hash
// is never computed from a stale tail.
type Ledger struct {
	mu      sync.Mutex
	backend Backend
	tail    Block
	now     func() time.Time

	mirror  Mirror
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMirror attaches a best-effort block mirror.
func WithMirror(m Mirror) Option { return func(l *Ledger) { l.mirror = m } }

// WithLogger sets the ledger logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger.With().Str("component", "ledger").Logger() }
}

// WithMetrics records append outcomes.
func WithMetrics(m *observability.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// #endregion ledger-struct

// #region open

// Open loads the tail from backend and writes the genesis block when the
// chain is empty.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		backend: backend,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	last, ok, err := backend.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tail: %w", err)
	}
	if ok {
		l.tail = last
		l.logger.Info().Int64("tail", last.Index).Str("hash", last.CurrentHash).Msg("ledger opened")
		return l, nil
	}

	genesis, err := l.append(ctx, EventGenesis, map[string]any{
		"message": "governance ledger initialized",
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("write genesis: %w", err)
	}
	l.logger.Info().Str("hash", genesis.CurrentHash).Msg("genesis block written")
	return l, nil
}

// Close releases the backend.
func (l *Ledger) Close() error {
	return l.backend.Close()
}

// #endregion open

// #region append

// Append commits a new block. The returned error is a *WriteError when the
// block could not be persisted; in that case the tail is unchanged.
func (l *Ledger) Append(ctx context.Context, eventType EventType, payload any, sigs ...Signature) (Block, error) {
	if !eventType.Valid() || eventType == EventGenesis {
		return Block{}, fmt.Errorf("append %q: %w", eventType, ErrUnknownEventType)
	}
	return l.append(ctx, eventType, payload, sigs)
}

func (l *Ledger) append(ctx context.Context, eventType EventType, payload any, sigs []Signature) (Block, error) {
	data, err := canonicalPayload(payload)
	if err != nil {
		return Block{}, fmt.Errorf("append %s: %w", eventType, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := Block{
		Index:        0,
		Timestamp:    l.now().UTC(),
		PreviousHash: GenesisHash,
		EventType:    eventType,
		Data:         data,
		Signatures:   sigs,
	}
	if l.tail.CurrentHash != "" {
		b.Index = l.tail.Index + 1
		b.PreviousHash = l.tail.CurrentHash
	}
	if b.CurrentHash, err = ComputeHash(b); err != nil {
		return Block{}, fmt.Errorf("hash block %d: %w", b.Index, err)
	}

	if err := l.backend.Write(ctx, b); err != nil {
		l.metrics.ObserveLedgerAppend(string(eventType), err)
		l.logger.Error().Err(err).Int64("index", b.Index).Str("event_type", string(eventType)).Msg("append failed")
		return Block{}, &WriteError{Index: b.Index, Err: err}
	}
	l.tail = b
	l.metrics.ObserveLedgerAppend(string(eventType), nil)
	l.logger.Debug().Int64("index", b.Index).Str("event_type", string(eventType)).Str("hash", b.CurrentHash).Msg("block appended")

	if l.mirror != nil {
		if err := l.mirror.MirrorBlock(ctx, b); err != nil {
			l.logger.Warn().Err(err).Int64("index", b.Index).Msg("mirror failed")
		}
	}
	return b, nil
}

// #endregion append

// #region read

// Tail returns the last committed block.
func (l *Ledger) Tail() Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail
}

// Block returns the block at index.
func (l *Ledger) Block(ctx context.Context, index int64) (Block, error) {
	return l.backend.Get(ctx, index)
}

// Export returns the full ordered chain.
func (l *Ledger) Export(ctx context.Context) ([]Block, error) {
	var blocks []Block
	err := l.backend.Scan(ctx, func(b Block) error {
		blocks = append(blocks, b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	return blocks, nil
}

// WriteJSONL streams the chain as one JSON object per line.
func (l *Ledger) WriteJSONL(ctx context.Context, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	err := l.backend.Scan(ctx, func(b Block) error {
		if err := enc.Encode(b); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("write jsonl: %w", err)
	}
	return n, nil
}

// #endregion read

// #region verify

var errStopScan = errors.New("stop scan")

// VerifyChain recomputes every block hash in order and checks index
// continuity and previous_hash linkage. It stops at the first break.
func (l *Ledger) VerifyChain(ctx context.Context) (VerifyResult, error) {
	var (
		res      = VerifyResult{Valid: true}
		expected int64
		prevHash = GenesisHash
	)
	broken := func(idx int64, reason string) error {
		res.Valid = false
		res.BrokenAt = &idx
		res.Reason = reason
		return errStopScan
	}

	err := l.backend.Scan(ctx, func(b Block) error {
		res.Blocks++
		if b.Index != expected {
			return broken(expected, fmt.Sprintf("expected index %d, found %d", expected, b.Index))
		}
		if b.PreviousHash != prevHash {
			return broken(b.Index, "previous_hash does not match predecessor")
		}
		sum, err := ComputeHash(b)
		if err != nil {
			return broken(b.Index, fmt.Sprintf("unhashable block: %v", err))
		}
		if sum != b.CurrentHash {
			return broken(b.Index, "current_hash does not match block contents")
		}
		prevHash = b.CurrentHash
		expected++
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return VerifyResult{}, fmt.Errorf("verify chain: %w", err)
	}
	if res.Valid {
		l.logger.Debug().Int64("blocks", res.Blocks).Msg("chain verified")
	} else {
		l.logger.Error().Int64("broken_at", *res.BrokenAt).Str("reason", res.Reason).Msg("chain verification failed")
	}
	return res, nil
}

// #endregion verify
