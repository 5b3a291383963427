package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/yichenwong/polyproxy/internal/blob/s3"
	"github.com/yichenwong/polyproxy/internal/cache/memory"
	"github.com/yichenwong/polyproxy/internal/cache/redis"
	"github.com/yichenwong/polyproxy/internal/config"
	"github.com/yichenwong/polyproxy/internal/domain"
	"github.com/yichenwong/polyproxy/internal/notify"
	"github.com/yichenwong/polyproxy/internal/platform/gamma"
	"github.com/yichenwong/polyproxy/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the proxy needs to
// operate. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Upstream
	Gamma *gamma.Client

	// Query cache. CacheBackend names the backend actually in use
	// ("memory" or "redis") for the status endpoint; it can differ from
	// the configured backend when Redis was unreachable at startup.
	Cache        domain.QueryCache
	CacheBackend string

	// Redis extras, nil when Redis is not connected.
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager

	// Usage metering, nil when Postgres is disabled.
	UsageStore domain.UsageStore

	// Blob storage, nil when S3 is disabled.
	BlobWriter  domain.BlobWriter
	BlobReader  domain.BlobReader
	BlobDeleter domain.BlobDeleter

	// UsageExporter is set when both Postgres and S3 are enabled.
	UsageExporter *s3blob.UsageExporter

	// Notifications
	Notifier *notify.Notifier
	Alerter  *notify.BreakerAlerter
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Notifications (built first: the upstream client's breaker hook
	// needs the alerter at construction time) ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Alerter = notify.NewBreakerAlerter(deps.Notifier)

	// --- Upstream Gamma client ---
	deps.Gamma = gamma.New(gamma.Config{
		BaseURL:         cfg.Upstream.GammaHost,
		Timeout:         cfg.Upstream.Timeout.Duration,
		MaxRPS:          cfg.Upstream.MaxRPS,
		Burst:           cfg.Upstream.Burst,
		BreakerFailures: uint32(cfg.Upstream.BreakerFailures),
		BreakerCooldown: cfg.Upstream.BreakerCooldown.Duration,
		OnBreakerChange: deps.Alerter.OnStateChange,
	}, logger)

	// --- Query cache ---
	ttl := cfg.Cache.TTL.Duration
	if ttl <= 0 {
		ttl = time.Minute
	}

	if strings.ToLower(cfg.Cache.Backend) == "redis" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			// A cache outage should not keep the proxy down; serve
			// from process memory until the next restart.
			logger.Warn("wire: redis unreachable, falling back to in-memory cache",
				slog.String("addr", cfg.Redis.Addr),
				slog.String("error", err.Error()),
			)
			deps.Cache = memory.New(ttl)
			deps.CacheBackend = "memory"
		} else {
			closers = append(closers, func() { _ = redisClient.Close() })
			deps.Cache = redis.NewQueryCache(redisClient, ttl)
			deps.CacheBackend = "redis"
			deps.RateLimiter = redis.NewRateLimiter(redisClient)
			deps.Locks = redis.NewLockManager(redisClient)
		}
	} else {
		deps.Cache = memory.New(ttl)
		deps.CacheBackend = "memory"
	}

	// --- PostgreSQL usage log (optional) ---
	var usageStore *postgres.UsageStore
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		usageStore = postgres.NewUsageStore(pgClient.Pool())
		deps.UsageStore = usageStore
	}

	// --- S3 blob storage (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		deps.BlobDeleter = reader // same type implements BlobDeleter

		// Monthly usage export needs both the usage log and blob storage.
		if usageStore != nil {
			deps.UsageExporter = s3blob.NewUsageExporter(deps.BlobWriter, reader, usageStore)
		}
	}

	return deps, cleanup, nil
}
