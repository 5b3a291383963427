package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/yichenwong/polyproxy/internal/domain"
)

// UsageWriter decouples request handling from usage persistence. Record
// enqueues without blocking; Run drains the queue into the store on its own
// goroutine. When the queue is full the record is dropped, never the request.
type UsageWriter struct {
	store  domain.UsageStore
	queue  chan domain.UsageRecord
	logger *slog.Logger
}

// NewUsageWriter creates a UsageWriter with the given queue depth. A depth
// of zero or less falls back to 1024.
func NewUsageWriter(store domain.UsageStore, logger *slog.Logger, depth int) *UsageWriter {
	if depth <= 0 {
		depth = 1024
	}
	return &UsageWriter{
		store:  store,
		queue:  make(chan domain.UsageRecord, depth),
		logger: logger,
	}
}

// Record enqueues a usage record. Safe to call from any goroutine; never
// blocks.
func (w *UsageWriter) Record(rec domain.UsageRecord) {
	select {
	case w.queue <- rec:
	default:
		w.logger.Warn("usage: queue full, dropping record",
			slog.String("endpoint", rec.Endpoint),
		)
	}
}

// Run consumes the queue until the context is cancelled, then flushes
// whatever is still queued before returning.
func (w *UsageWriter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return ctx.Err()
		case rec := <-w.queue:
			w.insert(ctx, rec)
		}
	}
}

// flush drains queued records with a short deadline so shutdown does not
// lose the tail of the log.
func (w *UsageWriter) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case rec := <-w.queue:
			w.insert(ctx, rec)
		default:
			return
		}
	}
}

func (w *UsageWriter) insert(ctx context.Context, rec domain.UsageRecord) {
	if err := w.store.Insert(ctx, rec); err != nil {
		w.logger.Error("usage: insert failed",
			slog.String("endpoint", rec.Endpoint),
			slog.String("error", err.Error()),
		)
	}
}
