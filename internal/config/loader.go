package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MERIDIAN_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MERIDIAN_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setUint64(&cfg.Engine.FeeBps, "MERIDIAN_ENGINE_FEE_BPS")
	setInt(&cfg.Engine.MaxProposals, "MERIDIAN_ENGINE_MAX_PROPOSALS")
	setStr(&cfg.Engine.MinVirtualLiquidity, "MERIDIAN_ENGINE_MIN_VIRTUAL_LIQUIDITY")
	setUint64(&cfg.Engine.MaxChangePerBlock, "MERIDIAN_ENGINE_MAX_CHANGE_PER_BLOCK")
	setUint64(&cfg.Engine.StaleThresholdBlocks, "MERIDIAN_ENGINE_STALE_THRESHOLD_BLOCKS")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "MERIDIAN_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "MERIDIAN_CHAIN_ID")
	setDuration(&cfg.Chain.BlockTime, "MERIDIAN_CHAIN_BLOCK_TIME")
	setTime(&cfg.Chain.GenesisTime, "MERIDIAN_CHAIN_GENESIS_TIME")
	setStringSlice(&cfg.Chain.MemoryOracles, "MERIDIAN_CHAIN_MEMORY_ORACLES")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MERIDIAN_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "MERIDIAN_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MERIDIAN_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MERIDIAN_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MERIDIAN_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MERIDIAN_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MERIDIAN_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MERIDIAN_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MERIDIAN_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MERIDIAN_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MERIDIAN_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MERIDIAN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MERIDIAN_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MERIDIAN_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MERIDIAN_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MERIDIAN_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MERIDIAN_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MERIDIAN_S3_REGION")
	setStr(&cfg.S3.Bucket, "MERIDIAN_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MERIDIAN_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MERIDIAN_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MERIDIAN_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MERIDIAN_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setStr(&cfg.Server.Host, "MERIDIAN_SERVER_HOST")
	setInt(&cfg.Server.Port, "MERIDIAN_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "MERIDIAN_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "MERIDIAN_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "MERIDIAN_SERVER_RATE_LIMIT")
	setBool(&cfg.Server.RequireSignatures, "MERIDIAN_SERVER_REQUIRE_SIGNATURES")
	setDuration(&cfg.Server.SignatureTTL, "MERIDIAN_SERVER_SIGNATURE_TTL")

	// ── Workers ──
	setDuration(&cfg.Keeper.Interval, "MERIDIAN_KEEPER_INTERVAL")
	setDuration(&cfg.Archive.Interval, "MERIDIAN_ARCHIVE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MERIDIAN_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MERIDIAN_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MERIDIAN_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookURL, "MERIDIAN_NOTIFY_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookSecret, "MERIDIAN_NOTIFY_WEBHOOK_SECRET")
	setStringSlice(&cfg.Notify.Events, "MERIDIAN_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MERIDIAN_MODE")
	setStr(&cfg.LogLevel, "MERIDIAN_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setTime(dst *time.Time, key string) {
	if v := os.Getenv(key); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			*dst = t
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
