package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yichenwong/polyproxy/internal/domain"
)

// snapshotPrefix is the object-store prefix the snapshotter writes under.
const snapshotPrefix = "snapshots/"

// SnapshotPruner deletes archived snapshots older than the retention
// window. Monthly usage exports live under a different prefix and are never
// touched.
type SnapshotPruner struct {
	reader    domain.BlobReader
	deleter   domain.BlobDeleter
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewSnapshotPruner creates a SnapshotPruner keeping snapshots for the given
// retention window.
func NewSnapshotPruner(reader domain.BlobReader, deleter domain.BlobDeleter, retention time.Duration, logger *slog.Logger) *SnapshotPruner {
	return &SnapshotPruner{
		reader:    reader,
		deleter:   deleter,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes a single retention sweep. Objects that fail to delete are
// logged and retried on the next sweep; one stuck object must not stall the
// rest.
func (p *SnapshotPruner) Run(ctx context.Context) error {
	cutoff := p.now().UTC().Add(-p.retention)

	infos, err := p.reader.List(ctx, snapshotPrefix)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}

	var deleted, failed int
	for _, info := range infos {
		if !strings.HasPrefix(info.Path, snapshotPrefix) {
			continue
		}
		if !info.LastModified.Before(cutoff) {
			continue
		}

		if err := p.deleter.Delete(ctx, info.Path); err != nil {
			failed++
			p.logger.Warn("retention: delete failed",
				slog.String("path", info.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
	}

	if deleted > 0 || failed > 0 {
		p.logger.Info("retention sweep complete",
			slog.Int("deleted", deleted),
			slog.Int("failed", failed),
			slog.Time("cutoff", cutoff),
		)
	}
	return nil
}

// RunLoop runs the pruner on a repeating interval until the context is
// cancelled.
func (p *SnapshotPruner) RunLoop(ctx context.Context, interval time.Duration) error {
	// Run immediately on start.
	if err := p.Run(ctx); err != nil {
		p.logger.Error("retention sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("retention loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := p.Run(ctx); err != nil {
				p.logger.Error("retention sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
