package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"github.com/redis/go-redis/v9"
)

const complianceKeyPrefix = "charterdesk:compliance:"

// CachedComplianceRepository serves FindComplianceRecord from Redis and
// drops the cached record on every write. Cache errors never fail a call;
// the inner repository stays the source of truth.
type CachedComplianceRepository struct {
	inner  ports.ComplianceRepository
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

var _ ports.ComplianceRepository = (*CachedComplianceRepository)(nil)

func NewCachedComplianceRepository(inner ports.ComplianceRepository, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedComplianceRepository {
	return &CachedComplianceRepository{inner: inner, client: client, ttl: ttl, logger: logger}
}

func complianceKey(partyID string) string {
	return complianceKeyPrefix + partyID
}

func (c *CachedComplianceRepository) FindComplianceRecord(ctx context.Context, partyID string) (*domain.ComplianceRecord, error) {
	raw, err := c.client.Get(ctx, complianceKey(partyID)).Bytes()
	switch {
	case err == nil:
		var rec domain.ComplianceRecord
		if err := json.Unmarshal(raw, &rec); err == nil {
			return &rec, nil
		}
		c.logger.Warn("discarding undecodable cached compliance record", "party_id", partyID)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("compliance cache read failed", "party_id", partyID, "error", err)
	}

	rec, err := c.inner.FindComplianceRecord(ctx, partyID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(rec); err == nil {
		if err := c.client.Set(ctx, complianceKey(partyID), raw, c.ttl).Err(); err != nil {
			c.logger.Warn("compliance cache write failed", "party_id", partyID, "error", err)
		}
	}
	return rec, nil
}

func (c *CachedComplianceRepository) CreateParty(ctx context.Context, rec *domain.ComplianceRecord) error {
	return c.invalidating(ctx, rec.Party.ID, func() error { return c.inner.CreateParty(ctx, rec) })
}

func (c *CachedComplianceRepository) UpdateKYC(ctx context.Context, partyID string, kyc domain.KYC) error {
	return c.invalidating(ctx, partyID, func() error { return c.inner.UpdateKYC(ctx, partyID, kyc) })
}

func (c *CachedComplianceRepository) ReplaceScreenings(ctx context.Context, partyID string, results []domain.ScreeningResult) error {
	return c.invalidating(ctx, partyID, func() error { return c.inner.ReplaceScreenings(ctx, partyID, results) })
}

func (c *CachedComplianceRepository) UpdateScreening(ctx context.Context, partyID string, result domain.ScreeningResult) error {
	return c.invalidating(ctx, partyID, func() error { return c.inner.UpdateScreening(ctx, partyID, result) })
}

func (c *CachedComplianceRepository) FindPartiesDueForScreening(ctx context.Context, dueBefore time.Time, limit int) ([]string, error) {
	return c.inner.FindPartiesDueForScreening(ctx, dueBefore, limit)
}

// invalidating deletes the key before and after write so a reader racing
// the write cannot leave the old record cached.
func (c *CachedComplianceRepository) invalidating(ctx context.Context, partyID string, write func() error) error {
	c.del(ctx, partyID)
	if err := write(); err != nil {
		return err
	}
	c.del(ctx, partyID)
	return nil
}

func (c *CachedComplianceRepository) del(ctx context.Context, partyID string) {
	if err := c.client.Del(ctx, complianceKey(partyID)).Err(); err != nil {
		c.logger.Error("compliance cache invalidation failed", "party_id", partyID, "error", err)
	}
}
