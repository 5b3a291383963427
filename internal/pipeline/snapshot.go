package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/yichenwong/polyproxy/internal/domain"
	"github.com/yichenwong/polyproxy/internal/platform/gamma"
)

// MarketFetcher retrieves raw market records from the upstream API.
type MarketFetcher interface {
	FetchMarkets(ctx context.Context, filters gamma.Filters) ([]gamma.RawMarket, error)
}

// Broadcaster pushes an event to connected WebSocket clients.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// snapshotLockTTL bounds how long a crashed replica can hold the snapshot
// lock.
const snapshotLockTTL = time.Minute

// multipartThreshold is the payload size above which snapshots are uploaded
// as multipart; partSize is the chunk size for those uploads.
const (
	multipartThreshold = 8 << 20
	multipartPartSize  = 5 << 20
)

// SnapshotConfig tunes the snapshot pipeline.
type SnapshotConfig struct {
	Limit int // markets fetched per snapshot (default 200)
	TopN  int // trending entries broadcast per snapshot (default 10)
}

// Snapshotter periodically captures the active-market list. Each run fetches
// the top markets by 24-hour volume, archives the payload to object storage,
// and broadcasts a compact trending summary to WebSocket subscribers. The
// writer, lock manager, and broadcaster are all optional; a nil value
// disables that leg of the run.
type Snapshotter struct {
	fetcher MarketFetcher
	writer  domain.BlobWriter
	locks   domain.LockManager
	hub     Broadcaster
	limit   int
	topN    int
	logger  *slog.Logger
	now     func() time.Time

	// OnFailure, when set, is invoked with the error of each failed run.
	// Used to page operators; the loop itself only logs and keeps going.
	OnFailure func(error)
}

// NewSnapshotter creates a Snapshotter.
func NewSnapshotter(fetcher MarketFetcher, writer domain.BlobWriter, locks domain.LockManager, hub Broadcaster, cfg SnapshotConfig, logger *slog.Logger) *Snapshotter {
	limit := cfg.Limit
	if limit <= 0 {
		limit = 200
	}
	topN := cfg.TopN
	if topN <= 0 {
		topN = 10
	}
	return &Snapshotter{
		fetcher: fetcher,
		writer:  writer,
		locks:   locks,
		hub:     hub,
		limit:   limit,
		topN:    topN,
		logger:  logger,
		now:     time.Now,
	}
}

// snapshotPayload is the archived document: the raw upstream records plus
// enough metadata to replay them later.
type snapshotPayload struct {
	FetchedAt time.Time         `json:"fetchedAt"`
	Count     int               `json:"count"`
	Markets   []gamma.RawMarket `json:"markets"`
}

// trendingEntry is one line of the summary broadcast to WebSocket clients.
type trendingEntry struct {
	ID        string  `json:"id"`
	Slug      string  `json:"slug"`
	Question  string  `json:"question"`
	Volume24h float64 `json:"volume24h"`
}

// Run executes a single snapshot. When a lock manager is configured, only
// one replica per interval performs the archive; the others skip quietly.
func (s *Snapshotter) Run(ctx context.Context) error {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "snapshot", snapshotLockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			s.logger.Info("snapshot: another replica holds the lock, skipping")
			return nil
		case err != nil:
			// Lock infrastructure trouble should not stop snapshots; a
			// duplicate archive is harmless.
			s.logger.Warn("snapshot: lock unavailable, proceeding without it",
				slog.String("error", err.Error()),
			)
		default:
			defer unlock()
		}
	}

	fetchedAt := s.now().UTC()

	raws, err := s.fetcher.FetchMarkets(ctx, gamma.Filters{
		Active:    boolPtr(true),
		Closed:    boolPtr(false),
		Limit:     s.limit,
		Order:     "volume24hr",
		Ascending: boolPtr(false),
	})
	if err != nil {
		return fmt.Errorf("fetching snapshot markets: %w", err)
	}

	if s.writer != nil {
		if err := s.archive(ctx, fetchedAt, raws); err != nil {
			return err
		}
	}

	if s.hub != nil {
		s.broadcastTrending(fetchedAt, raws)
	}

	s.logger.Info("snapshot complete",
		slog.Int("markets", len(raws)),
		slog.Time("fetched_at", fetchedAt),
	)
	return nil
}

// archive uploads the snapshot document to object storage, keyed by capture
// time so successive snapshots never collide.
func (s *Snapshotter) archive(ctx context.Context, fetchedAt time.Time, raws []gamma.RawMarket) error {
	data, err := json.Marshal(snapshotPayload{
		FetchedAt: fetchedAt,
		Count:     len(raws),
		Markets:   raws,
	})
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	path := fmt.Sprintf("snapshots/%s/markets-%s.json",
		fetchedAt.Format("2006/01/02"),
		fetchedAt.Format("150405"),
	)

	if len(data) > multipartThreshold {
		err = s.writer.PutMultipart(ctx, path, bytes.NewReader(data), multipartPartSize)
	} else {
		err = s.writer.Put(ctx, path, bytes.NewReader(data), "application/json")
	}
	if err != nil {
		return fmt.Errorf("uploading snapshot to %s: %w", path, err)
	}

	s.logger.Info("snapshot archived",
		slog.String("path", path),
		slog.Int("bytes", len(data)),
	)
	return nil
}

// broadcastTrending pushes the top markets by 24-hour volume to WebSocket
// subscribers. Upstream already orders by volume but malformed records decode
// with zero volume, so the slice is re-sorted locally before truncation.
func (s *Snapshotter) broadcastTrending(fetchedAt time.Time, raws []gamma.RawMarket) {
	markets := make([]domain.Market, 0, len(raws))
	for _, raw := range raws {
		markets = append(markets, gamma.Normalize(raw, fetchedAt))
	}

	sort.SliceStable(markets, func(i, j int) bool {
		return markets[i].Volume24h > markets[j].Volume24h
	})

	n := s.topN
	if n > len(markets) {
		n = len(markets)
	}

	entries := make([]trendingEntry, 0, n)
	for _, m := range markets[:n] {
		entries = append(entries, trendingEntry{
			ID:        m.ID,
			Slug:      m.Slug,
			Question:  m.Question,
			Volume24h: m.Volume24h,
		})
	}

	s.hub.Broadcast("trending", map[string]any{
		"generatedAt": fetchedAt,
		"count":       len(entries),
		"markets":     entries,
	})
}

// RunLoop runs the snapshotter on a repeating interval until the context is
// cancelled.
func (s *Snapshotter) RunLoop(ctx context.Context, interval time.Duration) error {
	// Run immediately on start.
	s.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("snapshot loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Snapshotter) runOnce(ctx context.Context) {
	err := s.Run(ctx)
	if err == nil {
		return
	}
	s.logger.Error("snapshot failed", slog.String("error", err.Error()))
	if s.OnFailure != nil && ctx.Err() == nil {
		s.OnFailure(err)
	}
}

func boolPtr(b bool) *bool { return &b }
