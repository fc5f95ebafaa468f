package rail

import (
	"context"
	"log/slog"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/config"
	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"github.com/cenkalti/backoff/v4"
)

// RetryClient retries transient rail failures with exponential backoff and
// jitter. Every attempt reuses the caller's idempotency key.
type RetryClient struct {
	inner      ports.PaymentRail
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries int
	logger     *slog.Logger
}

var _ ports.PaymentRail = (*RetryClient)(nil)

func NewRetryClient(inner ports.PaymentRail, cfg config.RetryConfig, logger *slog.Logger) *RetryClient {
	return &RetryClient{
		inner:      inner,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		maxRetries: cfg.MaxRetries,
		logger:     logger,
	}
}

func (r *RetryClient) Transfer(ctx context.Context, req domain.RailTransferRequest, idempotencyKey string) (*domain.RailResult, error) {
	return retry(r, ctx, "transfer", idempotencyKey, func(ctx context.Context) (*domain.RailResult, error) {
		return r.inner.Transfer(ctx, req, idempotencyKey)
	})
}

func (r *RetryClient) Refund(ctx context.Context, req domain.RailRefundRequest, idempotencyKey string) (*domain.RailResult, error) {
	return retry(r, ctx, "refund", idempotencyKey, func(ctx context.Context) (*domain.RailResult, error) {
		return r.inner.Refund(ctx, req, idempotencyKey)
	})
}

func (r *RetryClient) Status(ctx context.Context, idempotencyKey string) (*domain.RailResult, error) {
	return retry(r, ctx, "status", idempotencyKey, func(ctx context.Context) (*domain.RailResult, error) {
		return r.inner.Status(ctx, idempotencyKey)
	})
}

func (r *RetryClient) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.baseDelay
	b.MaxInterval = r.maxDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.maxRetries)), ctx)
}

func retry[T any](r *RetryClient, ctx context.Context, operation, key string, call func(ctx context.Context) (*T, error)) (*T, error) {
	var resp *T
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		var err error
		resp, err = call(ctx)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.policy(ctx), func(err error, wait time.Duration) {
		r.logger.Warn("rail call failed, retrying",
			"operation", operation,
			"idempotency_key", key,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
