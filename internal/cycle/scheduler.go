package cycle

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

type triggerer interface {
	Trigger(ctx context.Context, trigger Trigger) (Cycle, error)
}

// Scheduler triggers a cycle every interval. Ticks that land while a cycle
// is active are skipped.
type Scheduler struct {
	orch     triggerer
	interval time.Duration
	logger   zerolog.Logger
}

// NewScheduler creates a scheduler for o.
func NewScheduler(o *Orchestrator, interval time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{orch: o, interval: interval, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks until ctx is done. A non-positive interval returns immediately.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	c, err := s.orch.Trigger(ctx, TriggerSchedule)
	switch {
	case errors.Is(err, ErrCycleActive):
		s.logger.Debug().Msg("cycle active, tick skipped")
	case err != nil:
		s.logger.Warn().Err(err).Msg("scheduled trigger failed")
	default:
		s.logger.Info().Str("cycle_id", c.ID).Msg("scheduled cycle started")
	}
}
