package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/civicbot/governor/internal/api"
	"github.com/civicbot/governor/internal/checkpoint"
	"github.com/civicbot/governor/internal/config"
	"github.com/civicbot/governor/internal/cycle"
	"github.com/civicbot/governor/internal/debate"
	"github.com/civicbot/governor/internal/eval"
	"github.com/civicbot/governor/internal/gate"
	"github.com/civicbot/governor/internal/ledger"
	"github.com/civicbot/governor/internal/logging"
	"github.com/civicbot/governor/internal/observability"
	"github.com/civicbot/governor/internal/pow"
	"github.com/civicbot/governor/internal/review"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the cycle scheduler and the config watcher",
	RunE:  runServe,
}

// #region serve

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checkpoint.InitSecureMemory()
	defer checkpoint.PurgeSecureMemory()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	var (
		ledgerOpts = []ledger.Option{ledger.WithLogger(logger), ledger.WithMetrics(metrics)}
		verifier   api.TokenVerifier
	)
	if cfg.Firebase.Enabled() {
		app, err := newFirebaseApp(ctx, cfg.Firebase)
		if err != nil {
			return err
		}
		if cfg.Firebase.MirrorCollection != "" {
			fs, err := app.Firestore(ctx)
			if err != nil {
				return fmt.Errorf("init firestore: %w", err)
			}
			defer fs.Close()
			ledgerOpts = append(ledgerOpts, ledger.WithMirror(ledger.NewFirestoreMirror(fs, cfg.Firebase.MirrorCollection)))
		}
		if cfg.Firebase.AuthEnabled {
			client, err := app.Auth(ctx)
			if err != nil {
				return fmt.Errorf("init firebase auth: %w", err)
			}
			verifier = client
		}
	}

	db, l, cl, err := openStorage(ctx, cfg, ledgerOpts...)
	if err != nil {
		return err
	}
	defer func() { _ = cl.close() }()

	registry, err := checkpoint.NewRegistry(db)
	if err != nil {
		return err
	}
	admission, err := pow.NewAdmission(db, cfg.PoW,
		pow.WithLogger(logging.Component(logger, "pow")), pow.WithMetrics(metrics))
	if err != nil {
		return err
	}
	debates, err := debate.NewService(db, admission, l,
		debate.WithDebaters(buildDebaters(cfg.Debate.Debaters)...),
		debate.WithArgumentTimeout(cfg.Debate.ArgumentTimeout),
		debate.WithLogger(logger))
	if err != nil {
		return err
	}

	reviewers, reviewerClosers, err := buildReviewers(cfg.Reviewers)
	if err != nil {
		return err
	}
	defer func() { _ = reviewerClosers.close() }()

	store, err := cycle.NewStore(db)
	if err != nil {
		return err
	}
	approvalGate := gate.NewGate(cfg.Gate)
	events := cycle.NewBroadcaster()
	orch, err := cycle.NewOrchestrator(cfg.Cycle, cycle.Deps{
		Generator: buildGenerator(cfg.Training),
		Analyzer:  buildAnalyzer(cfg.Analysis),
		Trainer:   buildTrainer(cfg.Training),
		Eval:      eval.NewEvalHarness(cfg.Eval),
		Reviews:   review.NewOrchestrator(logging.Component(logger, "review"), metrics),
		Reviewers: reviewers,
		Gate:      approvalGate,
		Keys:      registry,
		Ledger:    l,
		Store:     store,
	}, cycle.WithLogger(logger), cycle.WithMetrics(metrics), cycle.WithEvents(events))
	if err != nil {
		return err
	}
	if err := orch.Recover(ctx); err != nil {
		return err
	}

	router := api.NewRouter(api.Config{
		ServiceName: cfg.Tracing.ServiceName,
		RateLimit:   cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
	}, api.Deps{
		Cycles:     orch,
		Ledger:     l,
		Keys:       registry,
		Challenges: admission,
		Debates:    debates,
		Events:     events,
		Auth:       verifier,
		Gatherer:   reg,
		Logger:     logger,
	})
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Server.Addr).Str("ledger", cfg.Storage.LedgerBackend).Msg("governor listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		cycle.NewScheduler(orch, cfg.Cycle.ScheduleInterval, logger).Run(gctx)
		return nil
	})
	g.Go(func() error {
		purgeChallenges(gctx, admission, cfg.PoW.ChallengeTTL)
		return nil
	})
	if _, err := os.Stat(configPath); err == nil {
		g.Go(func() error {
			return config.Watch(gctx, configPath, logging.Component(logger, "config"), approvalGate.SetConfig)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		httpErr := srv.Shutdown(sctx)
		return errors.Join(httpErr, orch.Shutdown(sctx))
	})
	return g.Wait()
}

// purgeChallenges drops expired, unused PoW challenges every ttl.
func purgeChallenges(ctx context.Context, a *pow.Admission, ttl time.Duration) {
	t := time.NewTicker(ttl)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.PurgeExpired(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("purge challenges")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("purged", n).Msg("expired challenges removed")
			}
		}
	}
}

// #endregion serve
