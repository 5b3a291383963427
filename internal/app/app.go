// Package app provides the top-level application lifecycle management for the
// market data proxy. It wires together all dependencies (upstream client,
// cache, usage store, blob storage, pipelines, and notifications) and starts
// the serving goroutines.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yichenwong/polyproxy/internal/config"
	"github.com/yichenwong/polyproxy/internal/pipeline"
	"github.com/yichenwong/polyproxy/internal/server"
	"github.com/yichenwong/polyproxy/internal/server/handler"
	"github.com/yichenwong/polyproxy/internal/server/middleware"
	"github.com/yichenwong/polyproxy/internal/server/ws"
	"github.com/yichenwong/polyproxy/internal/service"
)

const (
	// shutdownTimeout bounds how long in-flight requests may finish after
	// the context is cancelled.
	shutdownTimeout = 5 * time.Second

	// pruneInterval is how often the snapshot retention sweep runs.
	pruneInterval = 24 * time.Hour
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, starts the serving
// goroutines, and blocks until the context is cancelled or a subsystem fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("log_level", a.cfg.LogLevel),
		slog.String("cache_backend", a.cfg.Cache.Backend),
		slog.Int("port", a.cfg.Server.Port),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	g, ctx := errgroup.WithContext(ctx)

	// Query service over the upstream client and the cache.
	queries := service.NewQueryService(deps.Gamma, deps.Cache, a.logger)

	// WebSocket hub for push subscribers.
	hub := ws.NewHub(a.logger)
	g.Go(func() error {
		err := hub.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	// Usage metering: the middleware hands records to an async writer so
	// request latency never depends on Postgres.
	var usage middleware.UsageRecorder
	if deps.UsageStore != nil {
		writer := service.NewUsageWriter(deps.UsageStore, a.logger, a.cfg.Metering.QueueDepth)
		g.Go(func() error {
			err := writer.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
		usage = writer
	}

	// Snapshot pipeline: periodic active-market fetch, archive, and
	// trending broadcast. Each leg is optional; the snapshotter skips
	// whatever is not wired.
	if a.cfg.Snapshot.Enabled {
		snap := pipeline.NewSnapshotter(deps.Gamma, deps.BlobWriter, deps.Locks, hub, pipeline.SnapshotConfig{
			Limit: a.cfg.Snapshot.Limit,
			TopN:  a.cfg.Snapshot.TopN,
		}, a.logger)
		snap.OnFailure = deps.Alerter.SnapshotFailed

		interval := a.cfg.Snapshot.Interval.Duration
		g.Go(func() error {
			err := snap.RunLoop(ctx, interval)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})

		if deps.BlobReader != nil && deps.BlobDeleter != nil && a.cfg.Snapshot.RetentionDays > 0 {
			retention := time.Duration(a.cfg.Snapshot.RetentionDays) * 24 * time.Hour
			pruner := pipeline.NewSnapshotPruner(deps.BlobReader, deps.BlobDeleter, retention, a.logger)
			g.Go(func() error {
				err := pruner.RunLoop(ctx, pruneInterval)
				if ctx.Err() != nil {
					return nil
				}
				return err
			})
		}
	}

	// Monthly usage export for billing reconciliation.
	if deps.UsageExporter != nil && a.cfg.Metering.ExportCron != "" {
		sched := pipeline.NewExportScheduler(deps.UsageExporter, a.logger)
		cronExpr := a.cfg.Metering.ExportCron
		g.Go(func() error {
			err := sched.RunCron(ctx, cronExpr)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	// HTTP server.
	statusH := &handler.StatusHandler{
		StartedAt:    time.Now().UTC(),
		CacheBackend: deps.CacheBackend,
		Stats:        queries.Stats,
		BreakerState: func() string { return deps.Gamma.BreakerState().String() },
		Usage:        deps.UsageStore,
		Logger:       a.logger,
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(a.logger),
		Status:  statusH,
		Queries: handler.NewQueryHandler(queries, a.logger),
	}, server.Deps{
		Limiter: deps.RateLimiter,
		Usage:   usage,
		Hub:     hub,
	}, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
