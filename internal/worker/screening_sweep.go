package worker

import (
	"context"
	"log/slog"
	"time"
)

type ScreeningRefresher interface {
	RefreshDue(ctx context.Context, limit int) (int, error)
}

// ScreeningSweep re-screens parties before their results lapse so the
// compliance gate does not start denying them for stale coverage.
type ScreeningSweep struct {
	compliance ScreeningRefresher
	interval   time.Duration
	batchSize  int
	logger     *slog.Logger
}

func NewScreeningSweep(compliance ScreeningRefresher, interval time.Duration, batchSize int, logger *slog.Logger) *ScreeningSweep {
	return &ScreeningSweep{
		compliance: compliance,
		interval:   interval,
		batchSize:  batchSize,
		logger:     logger,
	}
}

func (s *ScreeningSweep) Start(ctx context.Context) error {
	return runEvery(ctx, "screening sweep", s.interval, s.logger, s.RunOnce)
}

func (s *ScreeningSweep) RunOnce(ctx context.Context) error {
	n, err := s.compliance.RefreshDue(ctx, s.batchSize)
	if n > 0 {
		s.logger.Info("re-screened parties", "count", n)
	}
	return err
}
