package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	firebase "firebase.google.com/go"
	"google.golang.org/api/option"

	"github.com/civicbot/governor/internal/analysis"
	"github.com/civicbot/governor/internal/config"
	"github.com/civicbot/governor/internal/debate"
	"github.com/civicbot/governor/internal/ledger"
	"github.com/civicbot/governor/internal/llm"
	"github.com/civicbot/governor/internal/review"
	"github.com/civicbot/governor/internal/storage"
	"github.com/civicbot/governor/internal/training"
)

// closers runs cleanup funcs in reverse order.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// #region storage

// openStorage opens the SQLite database and the configured ledger backend.
func openStorage(ctx context.Context, c config.Config, opts ...ledger.Option) (*sql.DB, *ledger.Ledger, closers, error) {
	var cl closers
	db, err := storage.Open(c.Storage.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}
	cl.add(db.Close)

	var backend ledger.Backend
	switch c.Storage.LedgerBackend {
	case "badger":
		backend, err = ledger.OpenBadgerBackend(c.Storage.BadgerDir)
	default:
		backend, err = ledger.NewSQLiteBackend(db)
	}
	if err != nil {
		_ = cl.close()
		return nil, nil, nil, err
	}

	l, err := ledger.Open(ctx, backend, opts...)
	if err != nil {
		_ = backend.Close()
		_ = cl.close()
		return nil, nil, nil, err
	}
	cl.add(l.Close)
	return db, l, cl, nil
}

// #endregion storage

// #region firebase

func newFirebaseApp(ctx context.Context, c config.FirebaseConfig) (*firebase.App, error) {
	var opts []option.ClientOption
	if c.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}
	var fc *firebase.Config
	if c.ProjectID != "" {
		fc = &firebase.Config{ProjectID: c.ProjectID}
	}
	app, err := firebase.NewApp(ctx, fc, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase: %w", err)
	}
	return app, nil
}

// #endregion firebase

// #region collaborators

func buildReviewers(rcs []config.ReviewerConfig) ([]review.Reviewer, closers, error) {
	var (
		out []review.Reviewer
		cl  closers
	)
	for _, rc := range rcs {
		switch rc.Kind {
		case "llm":
			out = append(out, review.NewLLMReviewer(rc.ID, llm.NewClient(*rc.LLM)))
		case "grpc":
			r, err := review.NewGRPCReviewer(rc.ID, rc.Addr)
			if err != nil {
				_ = cl.close()
				return nil, nil, fmt.Errorf("reviewer %s: %w", rc.ID, err)
			}
			cl.add(r.Close)
			out = append(out, r)
		default:
			out = append(out, review.NewSimulatedReviewer(rc.ID))
		}
	}
	return out, cl, nil
}

func buildAnalyzer(ac config.AnalysisConfig) analysis.Analyzer {
	heuristic := analysis.NewHeuristicAnalyzer(analysis.DefaultHeuristicConfig())
	if ac.Command == "" {
		return heuristic
	}
	cmd := analysis.NewCommandAnalyzer(ac.Command, ac.Args...)
	if ac.Fallback {
		return analysis.Fallback{Primary: cmd, Secondary: heuristic}
	}
	return cmd
}

func buildGenerator(tc config.TrainingConfig) training.Generator {
	if tc.Generator == "llm" {
		return training.NewLLMGenerator(llm.NewClient(*tc.LLM), tc.Topics, tc.PerTopic, tc.OutDir)
	}
	return training.NewDirGenerator(tc.DatasetDir)
}

func buildTrainer(tc config.TrainingConfig) training.Trainer {
	if tc.TrainerCommand == "" {
		return training.NewSimulatedTrainer()
	}
	t := training.NewCommandTrainer(tc.TrainerCommand, tc.TrainerArgs...)
	if tc.TrainerTimeout > 0 {
		t.Timeout = tc.TrainerTimeout
	}
	return t
}

func buildDebaters(dcs []config.DebaterConfig) []debate.Debater {
	out := make([]debate.Debater, 0, len(dcs))
	for _, dc := range dcs {
		if dc.LLM != nil {
			out = append(out, debate.NewLLMDebater(dc.ID, dc.Position, llm.NewClient(*dc.LLM)))
			continue
		}
		out = append(out, debate.NewTemplateDebater(dc.ID, dc.Position))
	}
	return out
}

// #endregion collaborators
