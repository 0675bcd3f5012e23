package review

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/civicbot/governor/internal/analysis"
	"github.com/civicbot/governor/internal/observability"
)

// #region fakes

type fakeReviewer struct {
	id      string
	opinion Opinion
	err     error
	delay   time.Duration
	ignore  bool // ignore ctx cancellation while delaying
	panics  bool
}

func (f *fakeReviewer) ID() string { return f.id }

func (f *fakeReviewer) Review(ctx context.Context, _ Snapshot) (Opinion, error) {
	if f.panics {
		panic("reviewer exploded")
	}
	if f.delay > 0 {
		if f.ignore {
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return Opinion{}, ctx.Err()
			}
		}
	}
	return f.opinion, f.err
}

func approve(id string, score float64) *fakeReviewer {
	return &fakeReviewer{id: id, opinion: Opinion{Verdict: VerdictApprove, Score: score, Rationale: "ok"}}
}

func reject(id string) *fakeReviewer {
	return &fakeReviewer{id: id, opinion: Opinion{Verdict: VerdictReject, Score: 0.7, Rationale: "no"}}
}

func newOrchestrator() *Orchestrator {
	return NewOrchestrator(zerolog.Nop(), observability.NewMetrics(prometheus.NewRegistry()))
}

// #endregion fakes

// #region request-reviews

func TestRequestReviews_AllRespond(t *testing.T) {
	o := newOrchestrator()
	results := o.RequestReviews(context.Background(), Snapshot{CycleID: "c1"},
		[]Reviewer{approve("a", 0.9), approve("b", 0.85), reject("c")}, time.Second)

	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ReviewerID)
	assert.Equal(t, VerdictApprove, results[0].Verdict)
	assert.Equal(t, VerdictReject, results[2].Verdict)
	for _, r := range results {
		assert.False(t, r.Failed)
	}
}

func TestRequestReviews_TimeoutDoesNotBlock(t *testing.T) {
	o := newOrchestrator()
	slow := &fakeReviewer{id: "slow", delay: 5 * time.Second, ignore: true,
		opinion: Opinion{Verdict: VerdictApprove, Score: 1}}

	start := time.Now()
	results := o.RequestReviews(context.Background(), Snapshot{},
		[]Reviewer{approve("a", 0.9), slow, approve("b", 0.8)}, 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second, "orchestrator waited on a stuck reviewer")
	assert.True(t, results[1].Failed)
	assert.Contains(t, results[1].Error, "timeout")
	assert.False(t, results[0].Failed)
	assert.False(t, results[2].Failed)
}

func TestRequestReviews_FailureModes(t *testing.T) {
	o := newOrchestrator()
	results := o.RequestReviews(context.Background(), Snapshot{}, []Reviewer{
		&fakeReviewer{id: "err", err: errors.New("connection refused")},
		&fakeReviewer{id: "panic", panics: true},
		&fakeReviewer{id: "bad-verdict", opinion: Opinion{Verdict: "maybe", Score: 0.5}},
		&fakeReviewer{id: "bad-score", opinion: Opinion{Verdict: VerdictApprove, Score: 3}},
	}, time.Second)

	for _, r := range results {
		assert.True(t, r.Failed, r.ReviewerID)
		assert.NotEmpty(t, r.Error, r.ReviewerID)
		assert.Empty(t, r.Verdict, r.ReviewerID)
	}
	assert.Contains(t, results[1].Error, "panic")
}

func TestRequestReviews_NoReviewers(t *testing.T) {
	results := newOrchestrator().RequestReviews(context.Background(), Snapshot{}, nil, time.Second)
	assert.Empty(t, results)
	assert.Equal(t, VerdictNone, ComputeConsensus(results).Verdict)
}

// #endregion request-reviews

// #region consensus

func TestComputeConsensus(t *testing.T) {
	A := Result{Verdict: VerdictApprove}
	R := Result{Verdict: VerdictReject}
	F := Result{Failed: true}

	cases := []struct {
		name    string
		results []Result
		want    Verdict
		resp    int
	}{
		{"AAR", []Result{A, A, R}, VerdictApprove, 3},
		{"ARF tie", []Result{A, R, F}, VerdictNone, 2},
		{"AFF", []Result{A, F, F}, VerdictApprove, 1},
		{"RRA", []Result{R, R, A}, VerdictReject, 3},
		{"FFF", []Result{F, F, F}, VerdictNone, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := ComputeConsensus(tc.results)
			assert.Equal(t, tc.want, c.Verdict)
			assert.Equal(t, tc.resp, c.Responsive)
			assert.Equal(t, len(tc.results)-tc.resp, c.Failed)
		})
	}
}

// #endregion consensus

// #region llm-reviewer

type stubCompleter struct {
	reply string
	err   error
}

func (s stubCompleter) Complete(context.Context, string, string) (string, error) {
	return s.reply, s.err
}

func TestLLMReviewer_ParsesReply(t *testing.T) {
	r := NewLLMReviewer("mistral", stubCompleter{reply: "Here you go:\n```json\n{\"verdict\": \"APPROVE\", \"score\": 0.82, \"rationale\": \"balanced\"}\n```"})
	op, err := r.Review(context.Background(), Snapshot{Metrics: analysis.Metrics{Fairness: 0.9}})
	require.NoError(t, err)
	assert.Equal(t, VerdictApprove, op.Verdict)
	assert.InDelta(t, 0.82, op.Score, 1e-9)
	assert.Equal(t, "mistral", r.ID())
}

func TestParseOpinion_Malformed(t *testing.T) {
	for _, in := range []string{"", "I approve", `{"verdict":"perhaps","score":0.5}`, `{"verdict":`} {
		_, err := ParseOpinion(in)
		assert.ErrorIs(t, err, ErrMalformedOpinion, in)
	}
}

func TestLLMReviewer_MalformedIsFailedResult(t *testing.T) {
	o := newOrchestrator()
	results := o.RequestReviews(context.Background(), Snapshot{},
		[]Reviewer{NewLLMReviewer("llama", stubCompleter{reply: "sure!"})}, time.Second)
	assert.True(t, results[0].Failed)
}

// #endregion llm-reviewer

// #region simulated-chain

func TestSimulatedReviewer(t *testing.T) {
	r := NewSimulatedReviewer("sim")
	good := Snapshot{Metrics: analysis.Metrics{Bias: 0.05, Toxicity: 0.02, Fairness: 0.91}}
	op, err := r.Review(context.Background(), good)
	require.NoError(t, err)
	assert.Equal(t, VerdictApprove, op.Verdict)

	biased := Snapshot{Metrics: analysis.Metrics{Bias: 0.30, Toxicity: 0.02, Fairness: 0.91}}
	op, err = r.Review(context.Background(), biased)
	require.NoError(t, err)
	assert.Equal(t, VerdictReject, op.Verdict)
	assert.Contains(t, op.Rationale, "bias")
}

func TestChain_FallsBack(t *testing.T) {
	c := NewChain("primary", &fakeReviewer{id: "mistral", err: errors.New("503")}, NewSimulatedReviewer("sim"))
	op, err := c.Review(context.Background(), Snapshot{Metrics: analysis.Metrics{Fairness: 0.95}})
	require.NoError(t, err)
	assert.Equal(t, VerdictApprove, op.Verdict)
	assert.Equal(t, "primary", c.ID())
}

func TestChain_AllFail(t *testing.T) {
	c := NewChain("x", &fakeReviewer{id: "a", err: errors.New("down")}, &fakeReviewer{id: "b", err: errors.New("down too")})
	_, err := c.Review(context.Background(), Snapshot{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a: down")
	assert.Contains(t, err.Error(), "b: down too")
}

// #endregion simulated-chain

// #region grpc

func dialBufconn(t *testing.T, srv ReviewServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterReviewServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCReviewer_RoundTrip(t *testing.T) {
	conn := dialBufconn(t, NewReviewerServer(NewSimulatedReviewer("remote-sim")))
	r := NewGRPCReviewerWithConn("remote", conn)

	snap := Snapshot{CycleID: "c1", Metrics: analysis.Metrics{Bias: 0.05, Toxicity: 0.02, Fairness: 0.91}}
	op, err := r.Review(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, VerdictApprove, op.Verdict)
	assert.Greater(t, op.Score, 0.0)
}

func TestGRPCReviewer_ServerError(t *testing.T) {
	conn := dialBufconn(t, NewReviewerServer(&fakeReviewer{id: "x", err: errors.New("model offline")}))
	r := NewGRPCReviewerWithConn("remote", conn)

	results := newOrchestrator().RequestReviews(context.Background(), Snapshot{}, []Reviewer{r}, 2*time.Second)
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed)
	assert.Contains(t, results[0].Error, "model offline")
}

// #endregion grpc
