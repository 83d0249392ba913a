// Package scheduler periodically re-dispatches active tunnels for cores
// with auto-reset enabled.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/panel/store"

	"github.com/jonboulle/clockwork"
)

const pollInterval = 60 * time.Second

// Resetter re-applies every active tunnel of one core.
type Resetter interface {
	ResetCore(ctx context.Context, core smite.Core)
}

type Scheduler struct {
	store    *store.Store
	resetter Resetter
	clock    clockwork.Clock
	log      *slog.Logger
}

func New(s *store.Store, resetter Resetter, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		store:    s,
		resetter: resetter,
		clock:    clock,
		log:      slog.With("component", "scheduler"),
	}
}

// Run polls every minute until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

// tick fires resets for every due config. The schedule is committed
// before dispatching, so a crash mid-reset does not double-fire.
func (s *Scheduler) tick(ctx context.Context) {
	configs, err := s.store.ListResetConfigs()
	if err != nil {
		s.log.Error("list reset configs", "err", err)
		return
	}

	now := s.clock.Now().UTC()
	for _, cfg := range configs {
		if !cfg.Enabled || cfg.IntervalMinutes <= 0 {
			continue
		}
		if cfg.NextReset != nil && cfg.NextReset.After(now) {
			continue
		}

		last := now
		next := now.Add(time.Duration(cfg.IntervalMinutes) * time.Minute)
		cfg.LastReset = &last
		cfg.NextReset = &next
		if err := s.store.SaveResetConfig(cfg); err != nil {
			s.log.Error("commit reset schedule", "core", cfg.Core, "err", err)
			continue
		}

		s.log.Info("auto-reset firing", "core", cfg.Core, "next", next)
		s.resetter.ResetCore(ctx, cfg.Core)
	}
}
