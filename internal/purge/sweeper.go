package purge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically runs retention purging and failed/abandoned cleanup.
type Sweeper struct {
	purger   *Purger
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

func NewSweeper(purger *Purger, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		purger:   purger,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in purge sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	if res, err := s.purger.PurgeExpired(ctx, false, false); err != nil {
		if err != ErrRetentionDisabled {
			s.logger.Warn("retention purge failed", "error", err)
		}
	} else if res.Succeeded+res.Failed > 0 {
		s.logger.Info("retention purge complete", "purged", res.Succeeded, "failed", res.Failed)
	}

	if res, err := s.purger.CleanupFailed(ctx, false); err != nil {
		s.logger.Warn("failed-tenant cleanup failed", "error", err)
	} else if res.Succeeded+res.Failed > 0 {
		s.logger.Info("failed-tenant cleanup complete", "purged", res.Succeeded, "failed", res.Failed)
	}

	if res, err := s.purger.CleanupAbandoned(ctx, false); err != nil {
		s.logger.Warn("abandoned-registration cleanup failed", "error", err)
	} else if res.Succeeded+res.Failed > 0 {
		s.logger.Info("abandoned-registration cleanup complete", "purged", res.Succeeded, "failed", res.Failed)
	}
}
