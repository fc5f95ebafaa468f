// Package redis caches compliance records in front of the primary store.
package redis

import (
	"context"
	"fmt"

	"github.com/DanielPopoola/charterdesk/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewClient connects and pings. It returns nil when Redis is not configured.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
