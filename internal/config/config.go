package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
)

const envPrefix = "CHARTERDESK_"

type Config struct {
	Primary    Primary          `koanf:"primary"`
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Rail       RailConfig       `koanf:"rail"`
	Retry      RetryConfig      `koanf:"retry"`
	Logger     LoggerConfig     `koanf:"logger"`
	Worker     WorkerConfig     `koanf:"worker"`
	Escrow     EscrowConfig     `koanf:"escrow"`
	Compliance ComplianceConfig `koanf:"compliance"`
	Kafka      KafkaConfig      `koanf:"kafka"`
	Redis      RedisConfig      `koanf:"redis"`
	Auth       AuthConfig       `koanf:"auth"`
	Directory  DirectoryConfig  `koanf:"directory"`
}

type WorkerConfig struct {
	Interval      time.Duration `koanf:"interval" validate:"required"`
	RelayInterval time.Duration `koanf:"relay_interval" validate:"required"`
	BatchSize     int           `koanf:"batch_size" validate:"required"`
}

type Primary struct {
	Env string `koanf:"env" validate:"required"`
}

type ServerConfig struct {
	Port         string        `koanf:"port" validate:"required"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"required"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"required"`
	IdleTimeout  time.Duration `koanf:"idle_timeout" validate:"required"`
	// HandlerTimeout bounds one API call, rail retries included.
	HandlerTimeout time.Duration `koanf:"handler_timeout" validate:"required"`
}

type DatabaseConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"required"`
	User            string        `koanf:"user" validate:"required"`
	Password        string        `koanf:"password" validate:"required"`
	Name            string        `koanf:"name" validate:"required"`
	SSLMode         string        `koanf:"ssl_mode" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"required"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"required"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" validate:"required"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time" validate:"required"`
}

// RailConfig points at the payment rail that moves escrowed funds.
type RailConfig struct {
	BaseURL     string        `koanf:"base_url" validate:"required,url"`
	ConnTimeout time.Duration `koanf:"conn_timeout" validate:"required"`
	APIKey      string        `koanf:"api_key"`
}

type RetryConfig struct {
	BaseDelay  time.Duration `koanf:"base_delay" validate:"required"`
	MaxDelay   time.Duration `koanf:"max_delay" validate:"required"`
	MaxRetries int           `koanf:"max_retries" validate:"gte=0"`
}

type LoggerConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// EscrowConfig holds custody policy. DualControlThreshold is in minor
// units; a hold strictly above it needs two distinct authorizers. Zero
// disables dual control.
type EscrowConfig struct {
	DualControlThreshold int64         `koanf:"dual_control_threshold" validate:"gte=0"`
	AuthorizationTTL     time.Duration `koanf:"authorization_ttl" validate:"required"`
	DisputeWindow        time.Duration `koanf:"dispute_window" validate:"gte=0"`
	TransferStaleAfter   time.Duration `koanf:"transfer_stale_after" validate:"required"`
	AdminRecipient       string        `koanf:"admin_recipient" validate:"required"`
}

type ComplianceConfig struct {
	ScreeningTTL  time.Duration `koanf:"screening_ttl" validate:"required"`
	RescreenAhead time.Duration `koanf:"rescreen_ahead" validate:"gte=0"`
}

// KafkaConfig enables the Kafka event publisher when Brokers is set.
type KafkaConfig struct {
	Brokers  []string `koanf:"brokers"`
	Topic    string   `koanf:"topic" validate:"required"`
	ClientID string   `koanf:"client_id" validate:"required"`
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// RedisConfig enables the compliance read cache when Addr is set.
type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db" validate:"gte=0"`
	TTL      time.Duration `koanf:"ttl" validate:"required"`
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret" validate:"required,min=16"`
	Issuer    string `koanf:"issuer"`
}

// DirectoryConfig lists the operators a published request is fanned out to.
type DirectoryConfig struct {
	Operators []string `koanf:"operators"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"primary.env": "development",

		"server.port":            "8080",
		"server.read_timeout":    "10s",
		"server.write_timeout":   "30s",
		"server.idle_timeout":    "60s",
		"server.handler_timeout": "25s",

		"database.ssl_mode":           "disable",
		"database.max_open_conns":     10,
		"database.max_idle_conns":     2,
		"database.conn_max_lifetime":  "1h",
		"database.conn_max_idle_time": "15m",

		"rail.conn_timeout": "10s",

		"retry.base_delay":  "200ms",
		"retry.max_delay":   "5s",
		"retry.max_retries": 3,

		"logger.level":  "info",
		"logger.format": "text",

		"worker.interval":       "1m",
		"worker.relay_interval": "2s",
		"worker.batch_size":     100,

		"escrow.dual_control_threshold": 10_000_000,
		"escrow.authorization_ttl":      "24h",
		"escrow.dispute_window":         "72h",
		"escrow.transfer_stale_after":   "5m",
		"escrow.admin_recipient":        "escrow-admin",

		"compliance.screening_ttl":  "720h",
		"compliance.rescreen_ahead": "24h",

		"kafka.topic":     "charterdesk.events",
		"kafka.client_id": "charterdesk",

		"redis.ttl": "5m",
	}
}

// LoadConfig reads defaults, then CHARTERDESK_ environment variables, where
// a double underscore separates sections: CHARTERDESK_ESCROW__DISPUTE_WINDOW.
func LoadConfig() (*Config, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		logger.Error("failed to load defaults", "error", err)
		return nil, err
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, envPrefix)),
			"__",
			".",
		)
	}), nil)
	if err != nil {
		logger.Error("failed to load environment variables", "error", err)
		return nil, err
	}

	mainConfig := &Config{}

	err = k.Unmarshal("", mainConfig)
	if err != nil {
		logger.Error("could not unmarshal main config", "error", err)
		return nil, err
	}

	validate := validator.New()

	err = validate.Struct(mainConfig)
	if err != nil {
		logger.Error("config validation failed", "error", err)
		return nil, err
	}

	return mainConfig, nil
}

// NewLogger builds the process logger writing to stdout.
func (c LoggerConfig) NewLogger() *slog.Logger {
	return c.newLogger(os.Stdout)
}

func (c LoggerConfig) newLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
