package worker

import (
	"context"
	"log/slog"
	"time"
)

type TransferSettler interface {
	SettleInFlight(ctx context.Context, staleAfter time.Duration, limit int) (int, error)
}

// RailReconciler settles transfers whose caller went away before the rail
// answered, e.g. after a crash or a cancelled request.
type RailReconciler struct {
	escrow     TransferSettler
	staleAfter time.Duration
	interval   time.Duration
	batchSize  int
	logger     *slog.Logger
}

func NewRailReconciler(escrow TransferSettler, staleAfter, interval time.Duration, batchSize int, logger *slog.Logger) *RailReconciler {
	return &RailReconciler{
		escrow:     escrow,
		staleAfter: staleAfter,
		interval:   interval,
		batchSize:  batchSize,
		logger:     logger,
	}
}

func (r *RailReconciler) Start(ctx context.Context) error {
	return runEvery(ctx, "rail reconciler", r.interval, r.logger, r.RunOnce)
}

// RunOnce executes a single reconciliation cycle.
func (r *RailReconciler) RunOnce(ctx context.Context) error {
	n, err := r.escrow.SettleInFlight(ctx, r.staleAfter, r.batchSize)
	if n > 0 {
		r.logger.Info("settled in-flight transfers", "count", n)
	}
	return err
}
