package config

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHARTERDESK_DATABASE__HOST", "localhost")
	t.Setenv("CHARTERDESK_DATABASE__PORT", "5432")
	t.Setenv("CHARTERDESK_DATABASE__USER", "charter")
	t.Setenv("CHARTERDESK_DATABASE__PASSWORD", "s3cret")
	t.Setenv("CHARTERDESK_DATABASE__NAME", "charterdesk")
	t.Setenv("CHARTERDESK_RAIL__BASE_URL", "http://rail.local")
	t.Setenv("CHARTERDESK_AUTH__JWT_SECRET", "0123456789abcdef0123")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 24*time.Hour, cfg.Escrow.AuthorizationTTL)
	assert.Equal(t, int64(10_000_000), cfg.Escrow.DualControlThreshold)
	assert.Equal(t, 720*time.Hour, cfg.Compliance.ScreeningTTL)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.False(t, cfg.Kafka.Enabled())
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHARTERDESK_ESCROW__DUAL_CONTROL_THRESHOLD", "5000000")
	t.Setenv("CHARTERDESK_ESCROW__DISPUTE_WINDOW", "48h")
	t.Setenv("CHARTERDESK_KAFKA__BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("CHARTERDESK_REDIS__ADDR", "localhost:6379")
	t.Setenv("CHARTERDESK_LOGGER__FORMAT", "json")
	t.Setenv("CHARTERDESK_DIRECTORY__OPERATORS", "op-1,op-2")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, int64(5_000_000), cfg.Escrow.DualControlThreshold)
	assert.Equal(t, 48*time.Hour, cfg.Escrow.DisputeWindow)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, []string{"op-1", "op-2"}, cfg.Directory.Operators)
}

func TestLoadConfig_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"short jwt secret", "CHARTERDESK_AUTH__JWT_SECRET", "short"},
		{"rail url not a url", "CHARTERDESK_RAIL__BASE_URL", "not a url"},
		{"unknown log level", "CHARTERDESK_LOGGER__LEVEL", "verbose"},
		{"negative threshold", "CHARTERDESK_ESCROW__DUAL_CONTROL_THRESHOLD", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestDatabaseConfig_PgxConfig(t *testing.T) {
	c := &DatabaseConfig{
		Host: "db", Port: 5432, User: "charter", Password: "p@ss word", Name: "charterdesk",
		SSLMode: "disable", MaxOpenConns: 8, MaxIdleConns: 2,
		ConnMaxLifetime: time.Hour, ConnMaxIdleTime: time.Minute,
	}

	pgxCfg, err := c.PgxConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(8), pgxCfg.MaxConns)
	assert.Equal(t, int32(2), pgxCfg.MinConns)
	assert.Equal(t, "p@ss word", pgxCfg.ConnConfig.Password)
	assert.Equal(t, "db", pgxCfg.ConnConfig.Host)
}

func TestLoggerConfig_Format(t *testing.T) {
	var buf bytes.Buffer
	LoggerConfig{Level: "warn", Format: "json"}.newLogger(&buf).Info("hidden")
	assert.Empty(t, buf.String())

	LoggerConfig{Level: "warn", Format: "json"}.newLogger(&buf).Warn("shown", "hold_id", "h-1")
	assert.Contains(t, buf.String(), `"hold_id":"h-1"`)
}
