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
// built-in defaults, applies POLYPROXY_* environment variable overrides, and
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

// applyEnvOverrides reads well-known POLYPROXY_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "POLYPROXY_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYPROXY_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "POLYPROXY_SERVER_API_KEY")
	setStr(&cfg.Server.APIKey, "POLYPROXY_API_KEY") // compatibility alias
	setInt(&cfg.Server.RateLimitPerMin, "POLYPROXY_SERVER_RATE_LIMIT_PER_MIN")
	setDuration(&cfg.Server.RateLimitWindow, "POLYPROXY_SERVER_RATE_LIMIT_WINDOW")

	// ── Upstream ──
	setStr(&cfg.Upstream.GammaHost, "POLYPROXY_UPSTREAM_GAMMA_HOST")
	setDuration(&cfg.Upstream.Timeout, "POLYPROXY_UPSTREAM_TIMEOUT")
	setFloat64(&cfg.Upstream.MaxRPS, "POLYPROXY_UPSTREAM_MAX_RPS")
	setInt(&cfg.Upstream.Burst, "POLYPROXY_UPSTREAM_BURST")
	setInt(&cfg.Upstream.BreakerFailures, "POLYPROXY_UPSTREAM_BREAKER_FAILURES")
	setDuration(&cfg.Upstream.BreakerCooldown, "POLYPROXY_UPSTREAM_BREAKER_COOLDOWN")

	// ── Cache ──
	setStr(&cfg.Cache.Backend, "POLYPROXY_CACHE_BACKEND")
	setDuration(&cfg.Cache.TTL, "POLYPROXY_CACHE_TTL")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYPROXY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYPROXY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYPROXY_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYPROXY_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYPROXY_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYPROXY_REDIS_TLS_ENABLED")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POLYPROXY_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POLYPROXY_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POLYPROXY_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYPROXY_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYPROXY_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYPROXY_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYPROXY_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYPROXY_POSTGRES_SSLMODE")
	setStr(&cfg.Postgres.SSLMode, "POLYPROXY_POSTGRES_SSL_MODE") // compatibility alias
	setInt(&cfg.Postgres.PoolMaxConns, "POLYPROXY_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYPROXY_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYPROXY_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYPROXY_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYPROXY_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYPROXY_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYPROXY_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYPROXY_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYPROXY_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYPROXY_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYPROXY_S3_FORCE_PATH_STYLE")

	// ── Snapshot ──
	setBool(&cfg.Snapshot.Enabled, "POLYPROXY_SNAPSHOT_ENABLED")
	setDuration(&cfg.Snapshot.Interval, "POLYPROXY_SNAPSHOT_INTERVAL")
	setInt(&cfg.Snapshot.Limit, "POLYPROXY_SNAPSHOT_LIMIT")
	setInt(&cfg.Snapshot.TopN, "POLYPROXY_SNAPSHOT_TOP_N")
	setInt(&cfg.Snapshot.RetentionDays, "POLYPROXY_SNAPSHOT_RETENTION_DAYS")

	// ── Metering ──
	setInt(&cfg.Metering.QueueDepth, "POLYPROXY_METERING_QUEUE_DEPTH")
	setStr(&cfg.Metering.ExportCron, "POLYPROXY_METERING_EXPORT_CRON")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYPROXY_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYPROXY_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYPROXY_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYPROXY_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "POLYPROXY_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
