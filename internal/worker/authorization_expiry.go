package worker

import (
	"context"
	"log/slog"
	"time"
)

type AuthorizationExpirer interface {
	ExpireAuthorizations(ctx context.Context, limit int) (int, error)
}

// AuthorizationExpiryWorker drops first-half release authorizations that
// were never matched by a second authorizer.
type AuthorizationExpiryWorker struct {
	escrow    AuthorizationExpirer
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewAuthorizationExpiryWorker(escrow AuthorizationExpirer, interval time.Duration, batchSize int, logger *slog.Logger) *AuthorizationExpiryWorker {
	return &AuthorizationExpiryWorker{
		escrow:    escrow,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

func (w *AuthorizationExpiryWorker) Start(ctx context.Context) error {
	return runEvery(ctx, "authorization expiry worker", w.interval, w.logger, w.RunOnce)
}

func (w *AuthorizationExpiryWorker) RunOnce(ctx context.Context) error {
	n, err := w.escrow.ExpireAuthorizations(ctx, w.batchSize)
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Info("expired pending authorizations", "count", n)
	}
	return nil
}
