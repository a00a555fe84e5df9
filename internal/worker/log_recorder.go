package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/sigil-ai/sigil/internal"
)

const (
	logChanSize   = 1000
	logBatchSize  = 100
	logFlushEvery = 5 * time.Second
	logDrainTime  = 30 * time.Second
)

// LogStore is the persistence interface consumed by LogRecorder.
type LogStore interface {
	InsertQueryLogs(ctx context.Context, logs []gateway.QueryLog) error
}

// LogRecorder buffers query logs and batch-flushes them to the store.
// Records are dropped if the channel is full (back-pressure on slow DB).
type LogRecorder struct {
	ch    chan gateway.QueryLog
	store LogStore
}

// NewLogRecorder creates a LogRecorder backed by store.
func NewLogRecorder(store LogStore) *LogRecorder {
	return &LogRecorder{
		ch:    make(chan gateway.QueryLog, logChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (l *LogRecorder) Name() string { return "log_recorder" }

// Record enqueues a query log. It never blocks; drops on full channel.
func (l *LogRecorder) Record(q gateway.QueryLog) {
	select {
	case l.ch <- q:
	default:
		slog.Warn("query log dropped, channel full")
	}
}

// Run processes records until ctx is cancelled, then drains what remains.
func (l *LogRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(logFlushEvery)
	defer ticker.Stop()

	buf := make([]gateway.QueryLog, 0, logBatchSize)

	for {
		select {
		case q := <-l.ch:
			buf = append(buf, q)
			if len(buf) >= logBatchSize {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			l.drain(buf)
			return nil
		}
	}
}

func (l *LogRecorder) drain(buf []gateway.QueryLog) {
	ctx, cancel := context.WithTimeout(context.Background(), logDrainTime)
	defer cancel()

	for {
		select {
		case q := <-l.ch:
			buf = append(buf, q)
			if len(buf) >= logBatchSize {
				l.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			// Channel empty, flush remaining.
			if len(buf) > 0 {
				l.flush(ctx, buf)
			}
			return
		}
	}
}

func (l *LogRecorder) flush(ctx context.Context, buf []gateway.QueryLog) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]gateway.QueryLog, len(buf))
	copy(batch, buf)

	for i := range batch {
		if batch[i].Timestamp.IsZero() {
			batch[i].Timestamp = time.Now().UTC()
		}
	}

	if err := l.store.InsertQueryLogs(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "query log flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
