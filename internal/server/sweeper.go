package server

import (
	"context"
	"log/slog"
	"time"

	"tripgate/internal/engine"
)

const defaultSweepInterval = time.Minute

type approvalSweeper struct {
	engine   engine.Engine
	interval time.Duration
	logger   *slog.Logger
}

// RunApprovalSweeper expires overdue PENDING approvals every interval until
// ctx is done.
func RunApprovalSweeper(ctx context.Context, e engine.Engine, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &approvalSweeper{engine: e, interval: interval, logger: logger}
	s.run(ctx)
}

func (s *approvalSweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *approvalSweeper) sweep(ctx context.Context) {
	n, err := s.engine.SweepExpiredApprovals(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WarnContext(ctx, "approval sweep failed", "err", err)
		}
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired stale approvals", "count", n)
	}
}
