package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// IdleCloser closes sessions whose heartbeats stopped, e.g. sessions.Manager.
type IdleCloser interface {
	SweepIdle(ctx context.Context) (int64, error)
}

// IdleSweeper periodically closes abandoned sessions so analytics see an end time
// even when the client never comes back.
type IdleSweeper struct {
	closer   IdleCloser
	interval time.Duration
	logger   *zap.Logger
}

// NewIdleSweeper creates a sweeper running every interval.
func NewIdleSweeper(closer IdleCloser, interval time.Duration, logger *zap.Logger) *IdleSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &IdleSweeper{closer: closer, interval: interval, logger: logger}
}

// SweepOnce runs a single pass.
func (s *IdleSweeper) SweepOnce(ctx context.Context) {
	n, err := s.closer.SweepIdle(ctx)
	if err != nil {
		s.logger.Warn("idle sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("idle sessions closed", zap.Int64("count", n))
	}
}

// Run sweeps until ctx is done.
func (s *IdleSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("idle sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}
