package debate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/civicbot/governor/internal/ledger"
)

// DefaultArgumentTimeout bounds a single debater call.
const DefaultArgumentTimeout = 60 * time.Second

// #region service

// Service owns debates and their votes.
type Service struct {
	mu       sync.Mutex
	store    *store
	admitter Admitter
	ledger   Appender
	debaters []Debater
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDebaters sets the debaters used by ConductRound.
func WithDebaters(d ...Debater) Option { return func(s *Service) { s.debaters = d } }

// WithArgumentTimeout bounds each debater call.
func WithArgumentTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l.With().Str("component", "debate").Logger() }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService migrates the debate tables on db.
func NewService(db *sql.DB, admitter Admitter, ledger Appender, opts ...Option) (*Service, error) {
	st, err := newStore(db)
	if err != nil {
		return nil, err
	}
	s := &Service{
		store:    st,
		admitter: admitter,
		ledger:   ledger,
		timeout:  DefaultArgumentTimeout,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create opens a debate. Options must be distinct and there must be at least two.
func (s *Service) Create(ctx context.Context, question string, options []string) (Debate, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Debate{}, fmt.Errorf("%w: question is required", ErrInvalidInput)
	}
	clean := make([]string, 0, len(options))
	for _, o := range options {
		o = strings.TrimSpace(o)
		if o == "" || slices.Contains(clean, o) {
			return Debate{}, fmt.Errorf("%w: options must be non-empty and distinct", ErrInvalidInput)
		}
		clean = append(clean, o)
	}
	if len(clean) < 2 {
		return Debate{}, fmt.Errorf("%w: at least two options are required", ErrInvalidInput)
	}

	d := Debate{
		ID:        uuid.New().String(),
		Question:  question,
		Options:   clean,
		Status:    StatusOpen,
		Rounds:    []Round{},
		Tally:     map[string]int{},
		CreatedAt: s.now().UTC(),
	}
	for _, o := range clean {
		d.Tally[o] = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.insert(ctx, d); err != nil {
		return Debate{}, err
	}
	s.logger.Info().Str("debate_id", d.ID).Int("options", len(clean)).Msg("debate created")
	return d, nil
}

// Get returns a debate with its rounds and current tally.
func (s *Service) Get(ctx context.Context, id string) (Debate, error) {
	return s.store.get(ctx, id)
}

// List returns every debate without rounds, newest first.
func (s *Service) List(ctx context.Context) ([]Debate, error) {
	return s.store.list(ctx)
}

// ConductRound collects one argument from every debater concurrently and
// appends the round. It is rejected once the debate is closed.
func (s *Service) ConductRound(ctx context.Context, id string) (Debate, error) {
	d, err := s.store.get(ctx, id)
	if err != nil {
		return Debate{}, err
	}
	if d.Status != StatusOpen {
		return Debate{}, fmt.Errorf("%w: %s", ErrClosed, id)
	}
	if len(s.debaters) == 0 {
		return Debate{}, ErrNoDebaters
	}

	var transcript []Argument
	for _, r := range d.Rounds {
		transcript = append(transcript, r.Arguments...)
	}
	args := make([]Argument, len(s.debaters))
	var g errgroup.Group
	for i, deb := range s.debaters {
		i, deb := i, deb
		g.Go(func() error {
			args[i] = s.argue(ctx, deb, Prompt{
				Question:   d.Question,
				Options:    d.Options,
				Position:   deb.Position(),
				Transcript: transcript,
			})
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-read under the lock: the debate may have closed or gained a round
	// while debaters were thinking.
	current, err := s.store.get(ctx, id)
	if err != nil {
		return Debate{}, err
	}
	if current.Status != StatusOpen {
		return Debate{}, fmt.Errorf("%w: %s", ErrClosed, id)
	}
	round := Round{Number: len(current.Rounds) + 1, Arguments: args, CreatedAt: s.now().UTC()}
	if err := s.store.insertRound(ctx, id, round); err != nil {
		return Debate{}, err
	}
	current.Rounds = append(current.Rounds, round)
	s.logger.Info().Str("debate_id", id).Int("round", round.Number).Msg("round conducted")
	return current, nil
}

func (s *Service) argue(ctx context.Context, deb Debater, p Prompt) (arg Argument) {
	arg = Argument{DebaterID: deb.ID(), Position: p.Position}
	actx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			arg.Failed, arg.Error = true, fmt.Sprintf("debater panic: %v", r)
		}
	}()
	text, err := deb.Argue(actx, p)
	if err != nil {
		s.logger.Warn().Err(err).Str("debater", deb.ID()).Msg("debater failed")
		arg.Failed, arg.Error = true, err.Error()
		return arg
	}
	arg.Text = strings.TrimSpace(text)
	return arg
}

// Close tallies the votes, records an audit block and closes the debate. If
// the ledger append fails the debate stays open.
func (s *Service) Close(ctx context.Context, id string) (Debate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.store.get(ctx, id)
	if err != nil {
		return Debate{}, err
	}
	if d.Status != StatusOpen {
		return Debate{}, fmt.Errorf("%w: %s", ErrClosed, id)
	}

	total := 0
	for _, n := range d.Tally {
		total += n
	}
	block, err := s.ledger.Append(ctx, ledger.EventAudit, map[string]any{
		"action":   "debate_closed",
		"debateId": d.ID,
		"question": d.Question,
		"tally":    d.Tally,
		"votes":    total,
		"rounds":   len(d.Rounds),
	})
	if err != nil {
		return Debate{}, fmt.Errorf("record debate close: %w", err)
	}

	closedAt := s.now().UTC()
	d.Status = StatusClosed
	d.ClosedAt = &closedAt
	d.LedgerIndex = &block.Index
	if err := s.store.close(ctx, d); err != nil {
		return Debate{}, err
	}
	s.logger.Info().Str("debate_id", id).Int("votes", total).Int64("ledger_index", block.Index).Msg("debate closed")
	return d, nil
}

// SubmitVote admits a ballot. The debate must be open and the choice one of
// its options; the proof must be admitted; each voter votes once per question.
func (s *Service) SubmitVote(ctx context.Context, req VoteRequest) (Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.store.get(ctx, req.QuestionID)
	if err != nil {
		return Vote{}, err
	}
	if d.Status != StatusOpen {
		return Vote{}, fmt.Errorf("%w: %s", ErrClosed, d.ID)
	}
	if !slices.Contains(d.Options, req.Choice) {
		return Vote{}, fmt.Errorf("%w: %q", ErrInvalidChoice, req.Choice)
	}

	voterID := VoterID(req.VoterIdentity, req.Proof.Challenge)
	if req.VoterIdentity != "" {
		dup, err := s.store.hasVote(ctx, d.ID, voterID)
		if err != nil {
			return Vote{}, err
		}
		if dup {
			return Vote{}, ErrDuplicateVote
		}
	}
	if err := s.admitter.Admit(ctx, req.Proof); err != nil {
		return Vote{}, err
	}

	v := Vote{
		VoterID:    voterID,
		QuestionID: d.ID,
		Choice:     req.Choice,
		Proof:      req.Proof,
		CreatedAt:  s.now().UTC(),
	}
	ok, err := s.store.insertVote(ctx, v)
	if err != nil {
		return Vote{}, err
	}
	if !ok {
		return Vote{}, ErrDuplicateVote
	}
	return v, nil
}

// VoterID derives the ephemeral voter key: SHA-256 of the submitted identity,
// or of the challenge for anonymous ballots.
func VoterID(identity, challenge string) string {
	src := "anon:" + challenge
	if identity = strings.TrimSpace(identity); identity != "" {
		src = "id:" + identity
	}
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])
}

// #endregion service
