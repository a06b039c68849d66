package store

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper calls SweepExpired every interval until ctx is cancelled.
func (s *LocalStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Debug("sweeper started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sweeper stopped")
			return
		case <-ticker.C:
			s.SweepExpired(ctx)
		}
	}
}
