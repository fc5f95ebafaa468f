// Package worker runs the periodic background jobs of the marketplace:
// authorization expiry, rail reconciliation, screening refresh and the
// outbox relay.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// runEvery calls fn once immediately and then on every tick until ctx is
// done. A failing cycle is logged and the loop keeps going.
func runEvery(ctx context.Context, name string, interval time.Duration, logger *slog.Logger, fn func(context.Context) error) error {
	logger.Info(name+" started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Error(name+" cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Info(name + " stopping")
			return nil
		case <-ticker.C:
		}
	}
}
