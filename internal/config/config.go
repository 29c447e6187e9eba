// Package config defines the top-level configuration for the meridian
// decision engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/meridian/internal/fixedpoint"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MERIDIAN_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Chain    ChainConfig    `toml:"chain"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds the protocol parameters applied to new decisions.
type EngineConfig struct {
	FeeBps       uint64 `toml:"fee_bps"`
	MaxProposals int    `toml:"max_proposals"`
	// MinVirtualLiquidity is a decimal credit amount, e.g. "100" or "0.5".
	MinVirtualLiquidity  string `toml:"min_virtual_liquidity"`
	MaxChangePerBlock    uint64 `toml:"max_change_per_block"`
	StaleThresholdBlocks uint64 `toml:"stale_threshold_blocks"`
}

// ChainConfig selects the block clock and oracle transport. With an empty
// rpc_url the engine runs on a local clock ticking every block_time and only
// in-process oracles are available.
type ChainConfig struct {
	RPCURL    string   `toml:"rpc_url"`
	ChainID   int64    `toml:"chain_id"`
	BlockTime duration `toml:"block_time"`
	// GenesisTime anchors the local clock: block n starts at
	// GenesisTime + n*BlockTime. It must stay fixed across restarts.
	GenesisTime time.Time `toml:"genesis_time"`
	// MemoryOracles lists addresses served by operator-set in-process oracles.
	MemoryOracles []string `toml:"memory_oracles"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is the number of requests per client per minute; 0 disables.
	RateLimit         int      `toml:"rate_limit"`
	RequireSignatures bool     `toml:"require_signatures"`
	SignatureTTL      duration `toml:"signature_ttl"`
}

// KeeperConfig controls the lifecycle keeper.
type KeeperConfig struct {
	Interval duration `toml:"interval"`
}

// ArchiveConfig controls the settled-decision archiver.
type ArchiveConfig struct {
	Interval duration `toml:"interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	WebhookURL        string   `toml:"webhook_url"`
	WebhookSecret     string   `toml:"webhook_secret"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultGenesisTime is the local chain's genesis when none is configured.
var DefaultGenesisTime = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			FeeBps:              30,
			MaxProposals:        20,
			MinVirtualLiquidity: "1",
		},
		Chain: ChainConfig{
			ChainID:     31337,
			BlockTime:   duration{2 * time.Second},
			GenesisTime: DefaultGenesisTime,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "meridian",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "meridian-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			CORSOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:    120,
			SignatureTTL: duration{5 * time.Minute},
		},
		Keeper:  KeeperConfig{Interval: duration{15 * time.Second}},
		Archive: ArchiveConfig{Interval: duration{10 * time.Minute}},
		Notify: NotifyConfig{
			Events: []string{"collapsed", "measurement_started", "resolved", "dispute_resolved"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"keeper":  true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.FeeBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("engine: fee_bps must be below 10000, got %d", c.Engine.FeeBps))
	}
	if c.Engine.MaxProposals < 1 {
		errs = append(errs, "engine: max_proposals must be >= 1")
	}
	if vl, err := fixedpoint.ParseUnits(c.Engine.MinVirtualLiquidity, fixedpoint.CreditDecimals); err != nil {
		errs = append(errs, fmt.Sprintf("engine: min_virtual_liquidity %q: %v", c.Engine.MinVirtualLiquidity, err))
	} else if vl.IsZero() {
		errs = append(errs, "engine: min_virtual_liquidity must be > 0")
	}

	// Chain
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.RPCURL == "" {
		if c.Chain.BlockTime.Duration <= 0 {
			errs = append(errs, "chain: block_time must be > 0 when rpc_url is empty")
		}
		if c.Chain.GenesisTime.IsZero() {
			errs = append(errs, "chain: genesis_time must be set when rpc_url is empty")
		} else if c.Chain.GenesisTime.After(time.Now()) {
			errs = append(errs, fmt.Sprintf("chain: genesis_time %s is in the future", c.Chain.GenesisTime.Format(time.RFC3339)))
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only needed by the archiver.
	if c.runsArchiver() {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	// Server
	if c.runsServer() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RequireSignatures && c.Server.SignatureTTL.Duration <= 0 {
			errs = append(errs, "server: signature_ttl must be > 0 when require_signatures is set")
		}
	}
	if c.Mode != "archive" && c.Keeper.Interval.Duration <= 0 {
		errs = append(errs, "keeper: interval must be > 0")
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	if c.Notify.WebhookURL != "" && c.Notify.WebhookSecret == "" {
		errs = append(errs, "notify: webhook_secret is required when webhook_url is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) runsServer() bool {
	return c.Mode == "server" || c.Mode == "full"
}

func (c *Config) runsArchiver() bool {
	return c.Mode == "archive" || c.Mode == "full"
}
