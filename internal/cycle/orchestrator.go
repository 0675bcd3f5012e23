package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/civicbot/governor/internal/analysis"
	"github.com/civicbot/governor/internal/apperr"
	"github.com/civicbot/governor/internal/eval"
	"github.com/civicbot/governor/internal/gate"
	"github.com/civicbot/governor/internal/ledger"
	"github.com/civicbot/governor/internal/observability"
	"github.com/civicbot/governor/internal/review"
	"github.com/civicbot/governor/internal/training"
)

// ErrStopped is returned by Trigger after Shutdown.
var ErrStopped = apperr.New(apperr.KindUnavailable, "cycle orchestrator is stopped")

// #region config

// Config tunes the pipeline.
type Config struct {
	ReviewTimeout    time.Duration `yaml:"review_timeout" validate:"gt=0"`
	SampleChars      int           `yaml:"sample_chars" validate:"gte=0"`
	ScheduleInterval time.Duration `yaml:"schedule_interval" validate:"gte=0"`
}

// DefaultConfig gives each reviewer 30s and disables the scheduler.
func DefaultConfig() Config {
	return Config{ReviewTimeout: 30 * time.Second, SampleChars: 2000}
}

// Deps are the collaborators a cycle calls.
type Deps struct {
	Generator training.Generator
	Analyzer  analysis.Analyzer
	Trainer   training.Trainer
	Eval      *eval.EvalHarness
	Reviews   *review.Orchestrator
	Reviewers []review.Reviewer
	Gate      *gate.Gate
	Keys      KeyVerifier
	Ledger    Appender
	Store     *Store
}

func (d Deps) validate() error {
	var missing []string
	check := func(name string, ok bool) {
		if !ok {
			missing = append(missing, name)
		}
	}
	check("generator", d.Generator != nil)
	check("analyzer", d.Analyzer != nil)
	check("trainer", d.Trainer != nil)
	check("eval", d.Eval != nil)
	check("reviews", d.Reviews != nil)
	check("gate", d.Gate != nil)
	check("keys", d.Keys != nil)
	check("ledger", d.Ledger != nil)
	check("store", d.Store != nil)
	if len(missing) > 0 {
		return fmt.Errorf("cycle deps missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// #endregion config

// #region orchestrator

// orchestratorState is the single mutable handle of the orchestrator. active
// is the one non-terminal cycle, nil when idle. Every cycle mutation happens
// with mu held.
type orchestratorState struct {
	mu     sync.Mutex
	active *Cycle
}

// Orchestrator runs at most one cycle at a time. The pipeline runs in its own
// goroutine and exits when the cycle reaches awaiting_checkpoint or a
// terminal stage; the checkpoint is completed by ApproveCheckpoint or
// RejectCheckpoint.
type Orchestrator struct {
	config  Config
	deps    Deps
	state   orchestratorState
	events  *Broadcaster
	logger  zerolog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l.With().Str("component", "cycle").Logger() }
}

// WithMetrics records transitions and outcomes.
func WithMetrics(m *observability.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithEvents publishes stage changes on b.
func WithEvents(b *Broadcaster) Option { return func(o *Orchestrator) { o.events = b } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// NewOrchestrator checks deps and returns an idle orchestrator.
func NewOrchestrator(config Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		config: config,
		deps:   deps,
		logger: zerolog.Nop(),
		tracer: observability.Tracer(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Events returns the broadcaster, or nil.
func (o *Orchestrator) Events() *Broadcaster { return o.events }

// Trigger starts a cycle. It fails with ErrCycleActive while another cycle
// has not reached a terminal stage.
func (o *Orchestrator) Trigger(ctx context.Context, trigger Trigger) (Cycle, error) {
	if trigger == "" {
		trigger = TriggerManual
	}
	o.state.mu.Lock()
	if o.state.active != nil {
		id := o.state.active.ID
		o.state.mu.Unlock()
		return Cycle{}, fmt.Errorf("%w: %s", ErrCycleActive, id)
	}
	if o.ctx.Err() != nil {
		o.state.mu.Unlock()
		return Cycle{}, ErrStopped
	}

	now := o.now().UTC()
	c := &Cycle{
		ID:         uuid.New().String(),
		Stage:      StageIdle,
		Trigger:    trigger,
		LedgerRefs: []LedgerRef{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	o.state.active = c
	ev, err := o.applyLocked(ctx, c, StageGeneratingDataset, "")
	if err != nil {
		o.state.active = nil
		o.state.mu.Unlock()
		return Cycle{}, err
	}
	snap := clone(c)
	o.wg.Add(1)
	o.state.mu.Unlock()

	o.metrics.SetActive(true)
	o.events.Publish(ev)
	o.logger.Info().Str("cycle_id", c.ID).Str("trigger", string(trigger)).Msg("cycle triggered")

	go o.run(c)
	return snap, nil
}

// Get returns a cycle by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (Cycle, error) {
	o.state.mu.Lock()
	if a := o.state.active; a != nil && a.ID == id {
		c := clone(a)
		o.state.mu.Unlock()
		return c, nil
	}
	o.state.mu.Unlock()
	return o.deps.Store.Get(ctx, id)
}

// List returns recent cycles, newest first.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]Cycle, error) {
	return o.deps.Store.List(ctx, limit)
}

// Active returns the non-terminal cycle, if any.
func (o *Orchestrator) Active() (Cycle, bool) {
	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	if o.state.active == nil {
		return Cycle{}, false
	}
	return clone(o.state.active), true
}

// Shutdown stops accepting cycles, cancels running pipelines and waits for
// them to record their outcome.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// #endregion orchestrator

// #region transitions

// applyLocked moves c to stage to and persists it. The caller holds
// state.mu and publishes the returned event after unlocking.
func (o *Orchestrator) applyLocked(ctx context.Context, c *Cycle, to Stage, reason string) (Event, error) {
	if err := ValidateTransition(c.Stage, to); err != nil {
		return Event{}, err
	}
	from := c.Stage
	now := o.now().UTC()
	c.Stage = to
	c.UpdatedAt = now
	switch to {
	case StageFailed:
		c.FailureReason = reason
	case StageRejected:
		c.RejectionReason = reason
	}
	if to.Terminal() {
		c.CompletedAt = &now
		if o.state.active == c {
			o.state.active = nil
		}
	}

	// History is best effort; the in-memory cycle stays authoritative while active.
	if err := o.deps.Store.Save(context.WithoutCancel(ctx), *c); err != nil {
		o.logger.Error().Err(err).Str("cycle_id", c.ID).Msg("cycle history not saved")
	}

	o.metrics.ObserveTransition(string(to))
	if to.Terminal() {
		o.metrics.ObserveOutcome(string(to))
	}
	o.logger.Info().
		Str("cycle_id", c.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("stage transition")
	return Event{CycleID: c.ID, Stage: to, From: from, Reason: reason, At: now}, nil
}

// advance applies fn and the transition under the lock.
func (o *Orchestrator) advance(ctx context.Context, c *Cycle, to Stage, reason string, fn func(*Cycle)) error {
	o.state.mu.Lock()
	if fn != nil {
		fn(c)
	}
	ev, err := o.applyLocked(ctx, c, to, reason)
	o.state.mu.Unlock()
	if err != nil {
		return err
	}
	o.events.Publish(ev)
	return nil
}

// fail records a best-effort audit block and moves c to failed.
func (o *Orchestrator) fail(ctx context.Context, c *Cycle, cause error) {
	ctx = context.WithoutCancel(ctx)
	reason := cause.Error()
	o.state.mu.Lock()
	stage := c.Stage
	o.state.mu.Unlock()

	block, err := o.deps.Ledger.Append(ctx, ledger.EventAudit, map[string]any{
		"action":  "cycle_failed",
		"cycleId": c.ID,
		"stage":   stage,
		"reason":  reason,
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("cycle_id", c.ID).Msg("audit block for failed cycle not written")
	}
	err = o.advance(ctx, c, StageFailed, reason, func(c *Cycle) {
		if block.CurrentHash != "" {
			c.addRef(block)
		}
	})
	if err != nil {
		o.logger.Error().Err(err).Str("cycle_id", c.ID).Msg("cycle could not be marked failed")
	}
}

func clone(c *Cycle) Cycle {
	out := *c
	out.Reviews = append([]review.Result(nil), c.Reviews...)
	out.LedgerRefs = append([]LedgerRef{}, c.LedgerRefs...)
	return out
}

// #endregion transitions

// #region pipeline

func (o *Orchestrator) run(c *Cycle) {
	defer o.wg.Done()
	ctx, span := o.tracer.Start(o.ctx, "cycle.run", trace.WithAttributes(attribute.String("cycle.id", c.ID)))
	defer span.End()

	if err := o.pipeline(ctx, c); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error().Err(err).Str("cycle_id", c.ID).Msg("cycle failed")
		o.fail(ctx, c, err)
	}
	if _, active := o.Active(); !active {
		o.metrics.SetActive(false)
	}
}

func (o *Orchestrator) pipeline(ctx context.Context, c *Cycle) error {
	var (
		ds      training.Dataset
		metrics analysis.Metrics
		vetoes  []gate.Veto
		result  training.Result
		verify  eval.EvalResult
		reviews []review.Result
	)

	err := o.stage(ctx, c, StageGeneratingDataset, func(ctx context.Context) error {
		var err error
		if ds, err = o.deps.Generator.Generate(ctx); err != nil {
			return fmt.Errorf("generate dataset: %w", err)
		}
		block, err := o.deps.Ledger.Append(ctx, ledger.EventDataCollection, map[string]any{
			"cycleId": c.ID,
			"dataset": ds,
		})
		if err != nil {
			return fmt.Errorf("record data collection: %w", err)
		}
		return o.advance(ctx, c, StageInternalAnalysis, "", func(c *Cycle) {
			c.DatasetMeta = &ds
			c.addRef(block)
		})
	})
	if err != nil {
		return err
	}

	err = o.stage(ctx, c, StageInternalAnalysis, func(ctx context.Context) error {
		m, err := o.deps.Analyzer.Analyze(ctx, ds.Text)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("analyze dataset: %w", err)
			}
			o.logger.Warn().Err(err).Str("cycle_id", c.ID).Msg("internal analysis unavailable")
			vetoes = append(vetoes, gate.Veto{Type: gate.VetoAnalysis, Reason: err.Error()})
			return o.advance(ctx, c, StageTraining, "", nil)
		}
		metrics = m
		return o.advance(ctx, c, StageTraining, "", func(c *Cycle) { c.InternalMetrics = &m })
	})
	if err != nil {
		return err
	}

	err = o.stage(ctx, c, StageTraining, func(ctx context.Context) error {
		var err error
		if result, err = o.deps.Trainer.Train(ctx, ds); err != nil {
			return fmt.Errorf("train: %w", err)
		}
		block, err := o.deps.Ledger.Append(ctx, ledger.EventTraining, map[string]any{
			"cycleId":   c.ID,
			"datasetId": ds.ID,
			"training":  result,
		})
		if err != nil {
			return fmt.Errorf("record training: %w", err)
		}
		return o.advance(ctx, c, StageSelfVerification, "", func(c *Cycle) {
			c.Training = &result
			c.addRef(block)
		})
	})
	if err != nil {
		return err
	}

	err = o.stage(ctx, c, StageSelfVerification, func(ctx context.Context) error {
		verify = o.deps.Eval.Run(result, ds)
		if !verify.Passed {
			vetoes = append(vetoes, gate.Veto{Type: gate.VetoSelfVerification, Reason: verify.Reason})
		}
		return o.advance(ctx, c, StageExternalReview, "", func(c *Cycle) { c.Verification = &verify })
	})
	if err != nil {
		return err
	}

	err = o.stage(ctx, c, StageExternalReview, func(ctx context.Context) error {
		snap := review.Snapshot{
			CycleID:      c.ID,
			Dataset:      ds,
			Metrics:      metrics,
			Training:     result,
			Verification: verify,
			Sample:       truncate(ds.Text, o.config.SampleChars),
		}
		reviews = o.deps.Reviews.RequestReviews(ctx, snap, o.deps.Reviewers, o.config.ReviewTimeout)
		if ctx.Err() != nil {
			return fmt.Errorf("external review: %w", ctx.Err())
		}
		consensus := review.ComputeConsensus(reviews)
		return o.advance(ctx, c, StageApprovalDecision, "", func(c *Cycle) {
			c.Reviews = reviews
			c.Consensus = &consensus
		})
	})
	if err != nil {
		return err
	}

	return o.stage(ctx, c, StageApprovalDecision, func(ctx context.Context) error {
		cfg := o.deps.Gate.Config()
		decision := gate.Evaluate(cfg, metrics, reviews, vetoes...)
		o.metrics.ObserveGateDecision(decision.Approved)

		block, err := o.deps.Ledger.Append(ctx, ledger.EventApproval, ApprovalRecord{
			CycleID:      c.ID,
			Approved:     decision.Approved,
			ModelVersion: result.ModelVersion,
			Metrics:      metrics,
			Reviews:      reviews,
			Vetoes:       vetoes,
			Decision:     decision,
			GateConfig:   cfg,
		})
		if err != nil {
			return fmt.Errorf("record approval: %w", err)
		}
		set := func(c *Cycle) {
			c.Approval = &decision
			c.addRef(block)
		}
		if !decision.Approved {
			return o.advance(ctx, c, StageRejected, strings.Join(decision.Reasons, "; "), set)
		}
		return o.advance(ctx, c, StageAwaitingCheckpoint, "", set)
	})
}

// stage wraps one pipeline step in a span.
func (o *Orchestrator) stage(ctx context.Context, c *Cycle, s Stage, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "cycle."+string(s), trace.WithAttributes(attribute.String("cycle.id", c.ID)))
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.logger.Debug().Str("cycle_id", c.ID).Str("stage", string(s)).Dur("elapsed", time.Since(start)).Msg("stage finished")
	return err
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

// ApprovalRecord is the payload of an approval block. Replay decodes it to
// re-run the decision under other thresholds.
type ApprovalRecord struct {
	CycleID      string           `json:"cycleId"`
	Approved     bool             `json:"approved"`
	ModelVersion string           `json:"modelVersion,omitempty"`
	Metrics      analysis.Metrics `json:"metrics"`
	Reviews      []review.Result  `json:"reviews"`
	Vetoes       []gate.Veto      `json:"vetoes,omitempty"`
	Decision     gate.Decision    `json:"decision"`
	GateConfig   gate.GateConfig  `json:"gateConfig"`
}

// #endregion pipeline

// #region checkpoint

// awaitingLocked returns the active cycle if it is id and awaits a checkpoint. The
// caller holds state.mu.
func (o *Orchestrator) awaitingLocked(ctx context.Context, id string) (*Cycle, error) {
	if a := o.state.active; a != nil && a.ID == id {
		if a.Stage != StageAwaitingCheckpoint {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotAwaiting, id, a.Stage)
		}
		return a, nil
	}
	stored, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrNotAwaiting, id, stored.Stage)
}

// ApproveCheckpoint verifies an administrator signature over the cycle id
// and seals the cycle. A bad signature or unregistered key leaves the cycle
// awaiting; a ledger failure fails it.
func (o *Orchestrator) ApproveCheckpoint(ctx context.Context, id, sigHex, pubHex string) (Cycle, error) {
	pubHex = strings.ToLower(strings.TrimSpace(pubHex))
	sigHex = strings.ToLower(strings.TrimSpace(sigHex))

	o.state.mu.Lock()
	c, err := o.awaitingLocked(ctx, id)
	if err != nil {
		o.state.mu.Unlock()
		return Cycle{}, err
	}
	if err := o.deps.Keys.VerifyCheckpoint(ctx, id, sigHex, pubHex); err != nil {
		o.state.mu.Unlock()
		o.metrics.ObserveCheckpoint("rejected")
		o.logger.Warn().Err(err).Str("cycle_id", id).Msg("checkpoint signature rejected")
		return Cycle{}, err
	}

	approvalIndex := int64(-1)
	for _, r := range c.LedgerRefs {
		if r.EventType == ledger.EventApproval {
			approvalIndex = r.Index
		}
	}
	payload := map[string]any{
		"cycleId":       id,
		"approvalIndex": approvalIndex,
	}
	if c.Training != nil {
		payload["modelVersion"] = c.Training.ModelVersion
	}
	block, err := o.deps.Ledger.Append(ctx, ledger.EventCheckpoint, payload,
		ledger.Signature{PublicKey: pubHex, Signature: sigHex})

	var ev Event
	if err != nil {
		cause := fmt.Errorf("record checkpoint: %w", err)
		ev, _ = o.applyLocked(ctx, c, StageFailed, cause.Error())
		o.state.mu.Unlock()
		o.events.Publish(ev)
		o.metrics.SetActive(false)
		o.metrics.ObserveCheckpoint("error")
		return Cycle{}, cause
	}

	c.Checkpoint = &Checkpoint{
		PublicKey:   pubHex,
		Signature:   sigHex,
		ApprovedAt:  block.Timestamp,
		LedgerIndex: block.Index,
	}
	c.addRef(block)
	c.Sealed = true
	ev, err = o.applyLocked(ctx, c, StageLogged, "")
	snap := clone(c)
	o.state.mu.Unlock()
	if err != nil {
		return Cycle{}, err
	}

	o.events.Publish(ev)
	o.metrics.SetActive(false)
	o.metrics.ObserveCheckpoint("approved")
	return snap, nil
}

// RejectCheckpoint records an administrator rejection. The audit block is
// best effort.
func (o *Orchestrator) RejectCheckpoint(ctx context.Context, id, reason string) (Cycle, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "rejected by administrator"
	}

	o.state.mu.Lock()
	c, err := o.awaitingLocked(ctx, id)
	if err != nil {
		o.state.mu.Unlock()
		return Cycle{}, err
	}
	block, err := o.deps.Ledger.Append(ctx, ledger.EventAudit, map[string]any{
		"action":  "checkpoint_rejected",
		"cycleId": id,
		"reason":  reason,
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("cycle_id", id).Msg("audit block for rejection not written")
	} else {
		c.addRef(block)
	}
	ev, err := o.applyLocked(ctx, c, StageRejected, reason)
	snap := clone(c)
	o.state.mu.Unlock()
	if err != nil {
		return Cycle{}, err
	}

	o.events.Publish(ev)
	o.metrics.SetActive(false)
	o.metrics.ObserveCheckpoint("admin_rejected")
	return snap, nil
}

// #endregion checkpoint

// #region recovery

// Recover restores state after a restart. A cycle awaiting its checkpoint
// becomes active again; cycles interrupted mid-pipeline are failed.
func (o *Orchestrator) Recover(ctx context.Context) error {
	cycles, err := o.deps.Store.Unfinished(ctx)
	if err != nil {
		return fmt.Errorf("recover cycles: %w", err)
	}
	for i := range cycles {
		c := &cycles[i]
		o.state.mu.Lock()
		restore := c.Stage == StageAwaitingCheckpoint && o.state.active == nil
		if restore {
			o.state.active = c
		}
		o.state.mu.Unlock()

		if restore {
			o.metrics.SetActive(true)
			o.logger.Info().Str("cycle_id", c.ID).Msg("restored cycle awaiting checkpoint")
			continue
		}
		o.fail(ctx, c, errors.New("interrupted by restart in stage "+string(c.Stage)))
	}
	return nil
}

// #endregion recovery
