// Package api exposes the governance pipeline over HTTP with gin.
package api

import (
	"context"
	"net/http"
	"time"

	"firebase.google.com/go/auth"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/civicbot/governor/internal/checkpoint"
	"github.com/civicbot/governor/internal/cycle"
	"github.com/civicbot/governor/internal/debate"
	"github.com/civicbot/governor/internal/ledger"
	"github.com/civicbot/governor/internal/pow"
)

// #region interfaces

// CycleService is the cycle orchestrator as the API sees it.
type CycleService interface {
	Trigger(ctx context.Context, trigger cycle.Trigger) (cycle.Cycle, error)
	Get(ctx context.Context, id string) (cycle.Cycle, error)
	List(ctx context.Context, limit int) ([]cycle.Cycle, error)
	ApproveCheckpoint(ctx context.Context, id, sigHex, pubHex string) (cycle.Cycle, error)
	RejectCheckpoint(ctx context.Context, id, reason string) (cycle.Cycle, error)
}

// LedgerReader exports and verifies the chain.
type LedgerReader interface {
	Export(ctx context.Context) ([]ledger.Block, error)
	VerifyChain(ctx context.Context) (ledger.VerifyResult, error)
}

// KeyRegistry records generated public keys.
type KeyRegistry interface {
	Register(ctx context.Context, pubHex, label string) (checkpoint.RegisteredKey, error)
}

// ChallengeIssuer hands out proof-of-work challenges.
type ChallengeIssuer interface {
	IssueChallenge(ctx context.Context) (pow.Challenge, error)
}

// DebateService runs debates and collects votes.
type DebateService interface {
	Create(ctx context.Context, question string, options []string) (debate.Debate, error)
	Get(ctx context.Context, id string) (debate.Debate, error)
	List(ctx context.Context) ([]debate.Debate, error)
	ConductRound(ctx context.Context, id string) (debate.Debate, error)
	Close(ctx context.Context, id string) (debate.Debate, error)
	SubmitVote(ctx context.Context, req debate.VoteRequest) (debate.Vote, error)
}

// TokenVerifier checks Firebase ID tokens. *auth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// #endregion interfaces

// #region config

// Config tunes the HTTP layer.
type Config struct {
	ServiceName string
	// RateLimit is requests per second per client on the challenge and vote
	// routes. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// DefaultConfig allows five challenge or vote requests per second per client.
func DefaultConfig() Config {
	return Config{ServiceName: "governor", RateLimit: 5, RateBurst: 10}
}

// Deps are the services behind the routes. Auth is optional; without it the
// admin routes are open.
type Deps struct {
	Cycles     CycleService
	Ledger     LedgerReader
	Keys       KeyRegistry
	Challenges ChallengeIssuer
	Debates    DebateService
	Events     *cycle.Broadcaster
	Auth       TokenVerifier
	Gatherer   prometheus.Gatherer
	Logger     zerolog.Logger
}

// #endregion config

// #region router

// NewRouter builds the engine with every route registered.
func NewRouter(cfg Config, deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(cfg.ServiceName), requestLogger(deps.Logger))

	h := &handlers{deps: deps, logger: deps.Logger.With().Str("component", "api").Logger()}
	limit := newClientLimiter(cfg.RateLimit, cfg.RateBurst)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	{
		admin := v1.Group("/autonomy", requireAdmin(deps.Auth))
		{
			admin.POST("/cycles", h.triggerCycle)
			admin.GET("/cycles", h.listCycles)
			admin.GET("/cycles/:id", h.getCycle)
			admin.POST("/checkpoint/keys", h.generateKeys)
			admin.POST("/checkpoint/sign", h.signCheckpoint)
			admin.POST("/checkpoint/approve", h.approveCheckpoint)
			admin.POST("/checkpoint/reject", h.rejectCheckpoint)
		}

		v1.GET("/pow/challenge", limit.middleware(), h.issueChallenge)
		v1.POST("/votes", limit.middleware(), h.submitVote)

		v1.GET("/ledger", h.exportLedger)
		v1.GET("/ledger/verify", h.verifyLedger)

		debates := v1.Group("/debates")
		{
			debates.GET("", h.listDebates)
			debates.GET("/:id", h.getDebate)
			debates.POST("", requireAdmin(deps.Auth), h.createDebate)
			debates.POST("/:id/rounds", requireAdmin(deps.Auth), h.conductRound)
			debates.POST("/:id/close", requireAdmin(deps.Auth), h.closeDebate)
		}

		v1.GET("/events", h.streamEvents)
	}
	return r
}

type handlers struct {
	deps   Deps
	logger zerolog.Logger
}

// #endregion router
