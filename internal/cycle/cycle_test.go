package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicbot/governor/internal/analysis"
	"github.com/civicbot/governor/internal/apperr"
	"github.com/civicbot/governor/internal/checkpoint"
	"github.com/civicbot/governor/internal/eval"
	"github.com/civicbot/governor/internal/gate"
	"github.com/civicbot/governor/internal/ledger"
	"github.com/civicbot/governor/internal/review"
	"github.com/civicbot/governor/internal/storage"
	"github.com/civicbot/governor/internal/training"
)

// #region fakes

type stubGenerator struct{ err error }

func (g stubGenerator) Generate(context.Context) (training.Dataset, error) {
	if g.err != nil {
		return training.Dataset{}, g.err
	}
	return training.Dataset{
		ID:        "ds-1",
		Source:    "test",
		Records:   3,
		Checksum:  "abc123",
		CreatedAt: time.Now().UTC(),
		Text:      "How do I register to vote?\nVisit the county clerk.",
	}, nil
}

type stubAnalyzer struct {
	metrics analysis.Metrics
	err     error
}

func (a stubAnalyzer) Analyze(context.Context, string) (analysis.Metrics, error) {
	return a.metrics, a.err
}

type stubTrainer struct{ block chan struct{} }

func (t stubTrainer) Train(ctx context.Context, ds training.Dataset) (training.Result, error) {
	if t.block != nil {
		select {
		case <-t.block:
		case <-ctx.Done():
			return training.Result{}, ctx.Err()
		}
	}
	return training.Result{ModelVersion: "m-" + ds.ID, Accuracy: 0.91, Loss: 0.2, BaselineAccuracy: 0.9, Epochs: 3}, nil
}

type stubReviewer struct {
	id      string
	verdict review.Verdict
	score   float64
	err     error
}

func (r stubReviewer) ID() string { return r.id }
func (r stubReviewer) Review(context.Context, review.Snapshot) (review.Opinion, error) {
	if r.err != nil {
		return review.Opinion{}, r.err
	}
	return review.Opinion{Verdict: r.verdict, Score: r.score, Rationale: "ok"}, nil
}

// switchableLedger fails appends of the event types passed to breakOn.
type switchableLedger struct {
	*ledger.Ledger
	mu     sync.Mutex
	failOn map[ledger.EventType]bool
}

func (s *switchableLedger) breakOn(types ...ledger.EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range types {
		s.failOn[t] = true
	}
}

func (s *switchableLedger) Append(ctx context.Context, t ledger.EventType, payload any, sigs ...ledger.Signature) (ledger.Block, error) {
	s.mu.Lock()
	fail := s.failOn[t]
	s.mu.Unlock()
	if fail {
		return ledger.Block{}, &ledger.WriteError{Index: -1, Err: errors.New("disk full")}
	}
	return s.Ledger.Append(ctx, t, payload, sigs...)
}

// #endregion fakes

// #region harness

type harness struct {
	orch     *Orchestrator
	ledger   *switchableLedger
	registry *checkpoint.Registry
	store    *Store
	key      checkpoint.KeyPair
}

type harnessOpts struct {
	metrics   analysis.Metrics
	analyzer  analysis.Analyzer
	generator training.Generator
	trainer   training.Trainer
	reviewers []review.Reviewer
}

var goodMetrics = analysis.Metrics{Bias: 0.05, Toxicity: 0.02, Fairness: 0.91}

func approvingReviewers() []review.Reviewer {
	return []review.Reviewer{
		stubReviewer{id: "mistral", verdict: review.VerdictApprove, score: 0.9},
		stubReviewer{id: "llama", verdict: review.VerdictApprove, score: 0.85},
		stubReviewer{id: "openai", err: errors.New("connection refused")},
	}
}

func newHarness(t *testing.T, ho harnessOpts) *harness {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "cycle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	backend, err := ledger.NewSQLiteBackend(db)
	require.NoError(t, err)
	l, err := ledger.Open(context.Background(), backend)
	require.NoError(t, err)
	sl := &switchableLedger{Ledger: l, failOn: map[ledger.EventType]bool{}}

	reg, err := checkpoint.NewRegistry(db)
	require.NoError(t, err)
	kp, err := checkpoint.GenerateKeyPair()
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), kp.PublicKeyHex(), "admin")
	require.NoError(t, err)

	store, err := NewStore(db)
	require.NoError(t, err)

	if ho.analyzer == nil {
		ho.analyzer = stubAnalyzer{metrics: ho.metrics}
	}
	if ho.generator == nil {
		ho.generator = stubGenerator{}
	}
	if ho.trainer == nil {
		ho.trainer = stubTrainer{}
	}
	if ho.reviewers == nil {
		ho.reviewers = approvingReviewers()
	}

	orch, err := NewOrchestrator(Config{ReviewTimeout: time.Second, SampleChars: 100}, Deps{
		Generator: ho.generator,
		Analyzer:  ho.analyzer,
		Trainer:   ho.trainer,
		Eval:      eval.NewEvalHarness(eval.DefaultEvalConfig()),
		Reviews:   review.NewOrchestrator(zerolog.Nop(), nil),
		Reviewers: ho.reviewers,
		Gate:      gate.NewGate(gate.DefaultGateConfig()),
		Keys:      reg,
		Ledger:    sl,
		Store:     store,
	}, WithEvents(NewBroadcaster()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	return &harness{orch: orch, ledger: sl, registry: reg, store: store, key: kp}
}

func (h *harness) waitFor(t *testing.T, id string, stage Stage) Cycle {
	t.Helper()
	var c Cycle
	require.Eventually(t, func() bool {
		var err error
		c, err = h.orch.Get(context.Background(), id)
		return err == nil && c.Stage == stage
	}, 5*time.Second, 5*time.Millisecond, "cycle never reached %s", stage)
	return c
}

func (h *harness) sign(t *testing.T, id string) string {
	t.Helper()
	sig, err := checkpoint.SignHex([]byte(id), h.key.SecretKeyHex())
	require.NoError(t, err)
	return sig
}

func (h *harness) blocks(t *testing.T) []ledger.Block {
	t.Helper()
	blocks, err := h.ledger.Export(context.Background())
	require.NoError(t, err)
	return blocks
}

func eventTypes(blocks []ledger.Block) []ledger.EventType {
	var out []ledger.EventType
	for _, b := range blocks {
		out = append(out, b.EventType)
	}
	return out
}

// #endregion harness

// #region transitions

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StageIdle, StageGeneratingDataset))
	assert.NoError(t, ValidateTransition(StageApprovalDecision, StageRejected))
	assert.NoError(t, ValidateTransition(StageAwaitingCheckpoint, StageLogged))
	assert.NoError(t, ValidateTransition(StageTraining, StageFailed))

	assert.ErrorIs(t, ValidateTransition(StageTraining, StageLogged), ErrInvalidTransition)
	assert.ErrorIs(t, ValidateTransition(StageLogged, StageFailed), ErrInvalidTransition)
	assert.ErrorIs(t, ValidateTransition(StageRejected, StageAwaitingCheckpoint), ErrInvalidTransition)
	assert.Error(t, ValidateTransition("bogus", StageFailed))

	for _, s := range []Stage{StageLogged, StageRejected, StageFailed} {
		assert.True(t, s.Terminal(), s)
	}
	for s := range allowedTransitions {
		if !s.Terminal() {
			assert.NoError(t, ValidateTransition(s, StageFailed), "every non-terminal stage can fail: %s", s)
		}
	}
}

// #endregion transitions

// #region scenarios

func TestFullApproval(t *testing.T) {
	h := newHarness(t, harnessOpts{metrics: goodMetrics})
	ctx := context.Background()
	events, unsubscribe := h.orch.Events().Subscribe(32)
	defer unsubscribe()

	c, err := h.orch.Trigger(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, StageGeneratingDataset, c.Stage)

	c = h.waitFor(t, c.ID, StageAwaitingCheckpoint)
	require.NotNil(t, c.Approval)
	assert.True(t, c.Approval.Approved)
	assert.Equal(t, 2, c.Consensus.Approvals)
	assert.Equal(t, 1, c.Consensus.Failed)
	require.Len(t, c.Reviews, 3)
	assert.True(t, c.Reviews[2].Failed)
	assert.True(t, c.Verification.Passed)
	assert.False(t, c.Sealed)

	_, err = h.orch.Trigger(ctx, TriggerManual)
	assert.ErrorIs(t, err, ErrCycleActive)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))

	c, err = h.orch.ApproveCheckpoint(ctx, c.ID, h.sign(t, c.ID), h.key.PublicKeyHex())
	require.NoError(t, err)
	assert.Equal(t, StageLogged, c.Stage)
	assert.True(t, c.Sealed)
	require.NotNil(t, c.Checkpoint)
	require.NotNil(t, c.CompletedAt)

	blocks := h.blocks(t)
	assert.Equal(t, []ledger.EventType{
		ledger.EventGenesis, ledger.EventDataCollection, ledger.EventTraining, ledger.EventApproval, ledger.EventCheckpoint,
	}, eventTypes(blocks))
	last := blocks[len(blocks)-1]
	require.Len(t, last.Signatures, 1)
	assert.Equal(t, h.key.PublicKeyHex(), last.Signatures[0].PublicKey)
	assert.Equal(t, c.Checkpoint.LedgerIndex, last.Index)
	assert.Len(t, c.LedgerRefs, 4)

	res, err := h.ledger.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	_, active := h.orch.Active()
	assert.False(t, active)

	stored, err := h.store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StageLogged, stored.Stage)

	var stages []Stage
	for len(events) > 0 {
		stages = append(stages, (<-events).Stage)
	}
	assert.ElementsMatch(t, []Stage{
		StageGeneratingDataset, StageInternalAnalysis, StageTraining, StageSelfVerification,
		StageExternalReview, StageApprovalDecision, StageAwaitingCheckpoint, StageLogged,
	}, stages)

	next, err := h.orch.Trigger(ctx, TriggerManual)
	require.NoError(t, err)
	h.waitFor(t, next.ID, StageAwaitingCheckpoint)
}

func TestRejectionOnBias(t *testing.T) {
	h := newHarness(t, harnessOpts{metrics: analysis.Metrics{Bias: 0.30, Toxicity: 0.02, Fairness: 0.91}})
	ctx := context.Background()

	c, err := h.orch.Trigger(ctx, TriggerManual)
	require.NoError(t, err)
	c = h.waitFor(t, c.ID, StageRejected)
	require.NotNil(t, c.Approval)
	assert.False(t, c.Approval.Approved)
	assert.Contains(t, c.RejectionReason, "bias")

	blocks := h.blocks(t)
	last := blocks[len(blocks)-1]
	assert.Equal(t, ledger.EventApproval, last.EventType)
	var rec ApprovalRecord
	require.NoError(t, json.Unmarshal(last.Data, &rec))
	assert.False(t, rec.Approved)
	assert.Equal(t, c.ID, rec.CycleID)
	assert.InDelta(t, 0.30, rec.Metrics.Bias, 1e-9)
	assert.Len(t, rec.Reviews, 3)

	_, active := h.orch.Active()
	assert.False(t, active)
}

func TestAnalysisUnavailableVetoes(t *testing.T) {
	h := newHarness(t, harnessOpts{analyzer: stubAnalyzer{err: analysis.ErrAnalysisUnavailable}})
	c, err := h.orch.Trigger(context.Background(), TriggerManual)
	require.NoError(t, err)
	c = h.waitFor(t, c.ID, StageRejected)
	assert.Nil(t, c.InternalMetrics)
	require.Len(t, c.Approval.Vetoes, 1)
	assert.Equal(t, gate.VetoAnalysis, c.Approval.Vetoes[0].Type)
}

func TestGeneratorFailureFailsCycle(t *testing.T) {
	h := newHarness(t, harnessOpts{metrics: goodMetrics, generator: stubGenerator{err: errors.New("no source data")}})
	c, err := h.orch.Trigger(context.Background(), TriggerManual)
	require.NoError(t, err)
	c = h.waitFor(t, c.ID, StageFailed)
	assert.Contains(t, c.FailureReason, "no source data")

	blocks := h.blocks(t)
	assert.Equal(t, ledger.EventAudit, blocks[len(blocks)-1].EventType)
}

// #endregion scenarios

// #region checkpoint

func TestApproveOutsideAwaitingIsStateError(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, harnessOpts{metrics: goodMetrics, trainer: stubTrainer{block: release}})
	ctx := context.Background()

	c, err := h.orch.Trigger(ctx, TriggerManual)
	require.NoError(t, err)
	h.waitFor(t, c.ID, StageTraining)
	before := len(h.blocks(t))

	_, err = h.orch.ApproveCheckpoint(ctx, c.ID, h.sign(t, c.ID), h.key.PublicKeyHex())
	assert.ErrorIs(t, err, ErrNotAwaiting)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))
	assert.Len(t, h.blocks(t), before)

	got, _ := h.orch.Get(ctx, c.ID)
	assert.Equal(t, StageTraining, got.Stage)
	close(release)
	h.waitFor(t, c.ID, StageAwaitingCheckpoint)

	_, err = h.orch.ApproveCheckpoint(ctx, "missing", "00", h.key.PublicKeyHex())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveTwiceIsStateError(t *testing.T) {
	h := newHarness(t, harnessOpts{metrics: goodMetrics})
	ctx := context.Background()
	c, _ := h.orch.Trigger(ctx, TriggerManual)
	h.waitFor(t, c.ID, StageAwaitingCheckpoint)

	sig := h.sign(t, c.ID)
	_, err := h.orch.ApproveCheckpoint(ctx, c.ID, sig, h.key.PublicKeyHex())
	require.NoError(t, err)
	_, err = h.orch.ApproveCheckpoint(ctx, c.ID, sig, h.key.PublicKeyHex())
	assert.ErrorIs(t, err, ErrNotAwaiting)
}

func TestInvalidSignatureLeavesCycleAwaiting(t *testing.T) {
	h := newHarness(t, harnessOpts{metrics: goodMetrics})
	ctx := context.Background()
	c, _ := h.orch.Trigger(ctx, TriggerManual)
	h.waitFor(t, c.ID, StageAwaitingCheckpoint)
	before := len(h.blocks(t))

	wrongMsg := h.sign(t, "another-cycle")
	_, err := h.orch.ApproveCheckpoint(ctx, c.ID, wrongMsg, h.key.PublicKeyHex())
	assert.ErrorIs(t, err, checkpoint.ErrInvalidSignature)

	stranger, _ := checkpoint.GenerateKeyPair()
	strangerSig, _ := checkpoint.SignHex([]byte(c.ID), stranger.SecretKeyHex())
	_, err = h.orch.ApproveCheckpoint(ctx, c.ID, strangerSig, stranger.PublicKeyHex())
	assert.ErrorIs(t, err, checkpoint.ErrUnregisteredKey)

	got, err := h.orch.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StageAwaitingCheckpoint, got.Stage)
	assert.False(t, got.Sealed)
	assert.Len(t, h.blocks(t), before)

	got, err = h.orch.ApproveCheckpoint(ctx, c.ID, h.sign(t, c.ID), h.key.PublicKeyHex())
	require.NoError(t, err)
	assert.Equal(t, StageLogged, got.Stage)
}

func TestRejectCheckpoint(t *testing.T) {
	h := newHarness(t, harnessOpts{metrics: goodMetrics})
	ctx := context.Background()
	c, _ := h.orch.Trigger(ctx, TriggerManual)
	h.waitFor(t, c.ID, StageAwaitingCheckpoint)

	c, err := h.orch.RejectCheckpoint(ctx, c.ID, "release freeze")
	require.NoError(t, err)
	assert.Equal(t, StageRejected, c.Stage)
	assert.Equal(t, "release freeze", c.RejectionReason)

	blocks := h.blocks(t)
	last := blocks[len(blocks)-1]
	assert.Equal(t, ledger.EventAudit, last.EventType)
	assert.Contains(t, string(last.Data), "checkpoint_rejected")

	_, active := h.orch.Active()
	assert.False(t, active)
	_, err = h.orch.RejectCheckpoint(ctx, c.ID, "")
	assert.ErrorIs(t, err, ErrNotAwaiting)
}

// #endregion checkpoint

// #region ledger-failure

func TestLedgerFailureFailsCycle(t *testing.T) {
	h := newHarness(t, harnessOpts{metrics: goodMetrics})
	h.ledger.breakOn(ledger.EventTraining)

	c, err := h.orch.Trigger(context.Background(), TriggerManual)
	require.NoError(t, err)
	c = h.waitFor(t, c.ID, StageFailed)
	assert.Contains(t, c.FailureReason, "record training")
	assert.Nil(t, c.Training)

	for _, b := range h.blocks(t) {
		assert.NotEqual(t, ledger.EventTraining, b.EventType)
	}
	_, active := h.orch.Active()
	assert.False(t, active)
}

func TestLedgerFailureOnCheckpointFailsCycle(t *testing.T) {
	h := newHarness(t, harnessOpts{metrics: goodMetrics})
	ctx := context.Background()
	c, _ := h.orch.Trigger(ctx, TriggerManual)
	h.waitFor(t, c.ID, StageAwaitingCheckpoint)

	h.ledger.breakOn(ledger.EventCheckpoint)
	_, err := h.orch.ApproveCheckpoint(ctx, c.ID, h.sign(t, c.ID), h.key.PublicKeyHex())
	var we *ledger.WriteError
	assert.True(t, errors.As(err, &we))

	got, _ := h.orch.Get(ctx, c.ID)
	assert.Equal(t, StageFailed, got.Stage)
	assert.False(t, got.Sealed)
}

// #endregion ledger-failure

// #region recovery

func TestRecoverRestoresAwaitingAndFailsInterrupted(t *testing.T) {
	h := newHarness(t, harnessOpts{metrics: goodMetrics})
	ctx := context.Background()
	now := time.Now().UTC()

	awaiting := Cycle{ID: "c-await", Stage: StageAwaitingCheckpoint, Trigger: TriggerManual, CreatedAt: now, UpdatedAt: now}
	interrupted := Cycle{ID: "c-train", Stage: StageTraining, Trigger: TriggerSchedule, CreatedAt: now.Add(time.Second), UpdatedAt: now}
	require.NoError(t, h.store.Save(ctx, awaiting))
	require.NoError(t, h.store.Save(ctx, interrupted))

	require.NoError(t, h.orch.Recover(ctx))

	active, ok := h.orch.Active()
	require.True(t, ok)
	assert.Equal(t, "c-await", active.ID)

	got, err := h.orch.Get(ctx, "c-train")
	require.NoError(t, err)
	assert.Equal(t, StageFailed, got.Stage)
	assert.Contains(t, got.FailureReason, "interrupted")

	_, err = h.orch.Trigger(ctx, TriggerManual)
	assert.ErrorIs(t, err, ErrCycleActive)

	_, err = h.orch.ApproveCheckpoint(ctx, "c-await", h.sign(t, "c-await"), h.key.PublicKeyHex())
	require.NoError(t, err)
}

// #endregion recovery

// #region scheduler

type countingTrigger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingTrigger) Trigger(context.Context, Trigger) (Cycle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return Cycle{ID: "x"}, c.err
}

func (c *countingTrigger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestSchedulerTicks(t *testing.T) {
	ct := &countingTrigger{err: ErrCycleActive}
	s := &Scheduler{orch: ct, interval: 5 * time.Millisecond, logger: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return ct.count() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestSchedulerDisabled(t *testing.T) {
	s := &Scheduler{orch: &countingTrigger{}, interval: 0, logger: zerolog.Nop()}
	s.Run(context.Background())
}

// #endregion scheduler

// #region events

func TestBroadcasterDropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.Subscribe(1)
	b.Publish(Event{CycleID: "a"})
	b.Publish(Event{CycleID: "b"})
	assert.Equal(t, "a", (<-ch).CycleID)
	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
	b.Publish(Event{CycleID: "c"})
}

// #endregion events
