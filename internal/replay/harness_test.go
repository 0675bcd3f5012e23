package replay

import (
	"encoding/json"
	"testing"

	"github.com/civicbot/governor/internal/analysis"
	"github.com/civicbot/governor/internal/cycle"
	"github.com/civicbot/governor/internal/gate"
	"github.com/civicbot/governor/internal/ledger"
	"github.com/civicbot/governor/internal/review"
	"github.com/civicbot/governor/internal/training"
)

// #region helpers

func goodMetrics() analysis.Metrics {
	return analysis.Metrics{Bias: 0.05, Toxicity: 0.02, Fairness: 0.9}
}

func approvals(n int) []review.Result {
	out := make([]review.Result, n)
	for i := range out {
		out[i] = review.Result{ReviewerID: string(rune('a' + i)), Verdict: review.VerdictApprove, Score: 0.9}
	}
	return out
}

func approvalBlock(t *testing.T, index int64, rec cycle.ApprovalRecord) ledger.Block {
	t.Helper()
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ledger.Block{Index: index, EventType: ledger.EventApproval, Data: data}
}

// #endregion helpers

// #region harness-tests

func TestReplay_Empty(t *testing.T) {
	results := Replay(nil, DefaultReplayConfig())
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
	if s := Summarize(results); s.Total != 0 {
		t.Errorf("summary: got %+v", s)
	}
}

func TestReplay_TrainingOverridesRecordedVeto(t *testing.T) {
	c := Case{
		CycleID: "c1",
		Metrics: goodMetrics(),
		Reviews: approvals(3),
		Vetoes:  []gate.Veto{{Type: gate.VetoSelfVerification, Reason: "stale"}},
		Training: &training.Result{
			Accuracy: 0.9, Loss: 0.1, BaselineAccuracy: 0.9,
		},
		Dataset: training.Dataset{ID: "c1", Records: 10},
	}
	res := Replay([]Case{c}, DefaultReplayConfig())[0]
	if res.Action != "approve" {
		t.Fatalf("expected approve after re-verification, got %s (%s)", res.Action, res.Reason)
	}
	if res.EvalResult == nil || !res.EvalResult.Passed {
		t.Fatalf("expected passing eval result, got %+v", res.EvalResult)
	}
}

func TestReplay_RecordedVetoKeptWithoutTraining(t *testing.T) {
	c := Case{
		CycleID: "c1",
		Metrics: goodMetrics(),
		Reviews: approvals(3),
		Vetoes:  []gate.Veto{{Type: gate.VetoOperator, Reason: "hold"}},
	}
	res := Replay([]Case{c}, DefaultReplayConfig())[0]
	if res.Action != "reject" {
		t.Fatalf("expected reject, got %s", res.Action)
	}
	if res.Reason != "hard veto operator_veto: hold" {
		t.Errorf("reason: got %q", res.Reason)
	}
	if res.EvalResult != nil {
		t.Error("no eval expected without training")
	}
}

func TestCasesFromLedger(t *testing.T) {
	blocks := []ledger.Block{
		{Index: 0, EventType: ledger.EventGenesis, Data: json.RawMessage(`{}`)},
		approvalBlock(t, 3, cycle.ApprovalRecord{
			CycleID: "c1", Approved: true, Metrics: goodMetrics(), Reviews: approvals(2),
		}),
		{Index: 4, EventType: ledger.EventCheckpoint, Data: json.RawMessage(`{"cycleId":"c1"}`)},
		approvalBlock(t, 7, cycle.ApprovalRecord{
			CycleID: "c2", Approved: false,
			Metrics: analysis.Metrics{Bias: 0.3, Toxicity: 0.02, Fairness: 0.9},
			Reviews: approvals(3),
		}),
	}

	cases, err := CasesFromLedger(blocks)
	if err != nil {
		t.Fatalf("CasesFromLedger: %v", err)
	}
	if len(cases) != 2 {
		t.Fatalf("expected 2 cases, got %d", len(cases))
	}
	if cases[0].CycleID != "c1" || cases[1].CycleID != "c2" {
		t.Errorf("order: got %s, %s", cases[0].CycleID, cases[1].CycleID)
	}
	if cases[0].Recorded == nil || !*cases[0].Recorded {
		t.Error("c1 should be recorded as approved")
	}

	// Loosening the bias ceiling flips c2 only.
	cfg := DefaultReplayConfig()
	cfg.GateConfig.MaxBias = 0.5
	results := Replay(cases, cfg)
	if results[0].Flipped {
		t.Error("c1 should not flip")
	}
	if !results[1].Flipped || results[1].Action != "approve" {
		t.Errorf("c2 should flip to approve, got %+v", results[1])
	}
	if s := Summarize(results); s.Flipped != 1 || s.Approved != 2 {
		t.Errorf("summary: got %+v", s)
	}
}

func TestCasesFromLedger_CorruptPayload(t *testing.T) {
	blocks := []ledger.Block{{Index: 2, EventType: ledger.EventApproval, Data: json.RawMessage(`[1,2]`)}}
	if _, err := CasesFromLedger(blocks); err == nil {
		t.Fatal("expected decode error")
	}
}

// #endregion harness-tests
