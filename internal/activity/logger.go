// Package activity provides the asynchronous per-decision activity log.
//
// Submit never blocks the decision hot path: records go into a bounded queue
// that drops its oldest entry on overflow, and a background consumer drains
// the queue in batches to the store. Persistence failures are logged and
// counted, never propagated to the decision path.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/telemetry"
)

// Sink persists batches of activity records.
type Sink interface {
	InsertActivity(ctx context.Context, records []model.ActivityRecord) (int, error)
}

// Logger is the bounded asynchronous activity sink.
type Logger struct {
	sink          Sink
	logger        *slog.Logger
	capacity      int
	batchSize     int
	flushInterval time.Duration

	mu    sync.Mutex
	queue []model.ActivityRecord

	dropped atomic.Int64 // records lost to overflow or persistent sink failure

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// New creates an activity Logger. Records beyond capacity displace the oldest
// queued record; batchSize bounds each write to the sink.
func New(sink Sink, logger *slog.Logger, capacity, batchSize int, flushInterval time.Duration) *Logger {
	return &Logger{
		sink:          sink,
		logger:        logger,
		capacity:      capacity,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background drain loop and registers OTEL metrics.
// Call Drain to stop.
func (l *Logger) Start(ctx context.Context) {
	l.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	go l.drainLoop(loopCtx)
}

// Submit enqueues one record, truncating oversized fields first. On overflow
// the oldest queued record is dropped and counted; Submit itself never blocks
// beyond the queue mutex.
func (l *Logger) Submit(rec model.ActivityRecord) {
	rec.ClientID = truncate(rec.ClientID, model.MaxActivityClientIDLen)
	rec.Username = truncate(rec.Username, model.MaxActivityUsernameLen)
	rec.PeerAddr = truncate(rec.PeerAddr, model.MaxActivityPeerAddrLen)
	rec.Topic = truncate(rec.Topic, model.MaxActivityTopicLen)
	rec.Detail = truncate(rec.Detail, model.MaxActivityDetailLen)
	rec.ErrorMessage = truncate(rec.ErrorMessage, model.MaxActivityErrorLen)

	l.mu.Lock()
	if len(l.queue) >= l.capacity {
		l.queue = l.queue[1:]
		l.dropped.Add(1)
	}
	l.queue = append(l.queue, rec)
	kick := len(l.queue) >= l.batchSize
	l.mu.Unlock()

	if kick {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
}

func (l *Logger) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain(); ctx
			// itself is already done.
			if l.drainCtx != nil {
				l.flush(l.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				l.flush(fallbackCtx)
				cancel()
			}
			close(l.done)
			return
		case <-ticker.C:
			l.flush(ctx)
		case <-l.flushCh:
			l.flush(ctx)
		}
	}
}

// flush writes queued records to the sink in batches of batchSize until the
// queue is empty or a write fails.
func (l *Logger) flush(ctx context.Context) {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		n := min(len(l.queue), l.batchSize)
		batch := l.queue[:n:n]
		l.queue = l.queue[n:]
		l.mu.Unlock()

		start := time.Now()
		count, err := l.sink.InsertActivity(ctx, batch)
		if err != nil {
			l.logger.Error("activity: flush failed", "error", err, "batch_size", len(batch))
			// Requeue at the front for retry, respecting capacity.
			l.mu.Lock()
			if len(l.queue)+len(batch) <= l.capacity {
				l.queue = append(batch, l.queue...)
			} else {
				l.dropped.Add(int64(len(batch)))
				l.logger.Error("activity: dropping records, queue at capacity after flush failure", "dropped", len(batch))
			}
			l.mu.Unlock()
			return
		}

		l.logger.Debug("activity: batch flushed",
			"batch_size", count,
			"flush_duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// Drain signals the drain loop to stop, waits for its final flush, and
// returns. ctx bounds both the wait and the final flush.
func (l *Logger) Drain(ctx context.Context) {
	l.drainCtx = ctx
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	select {
	case <-l.done:
	case <-ctx.Done():
		l.logger.Warn("activity: drain timed out waiting for flush loop")
	}
}

// Len returns the current number of queued records.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Capacity returns the queue capacity.
func (l *Logger) Capacity() int {
	return l.capacity
}

// Dropped returns the total number of records lost to overflow or persistent
// sink failure. A non-zero value indicates data loss.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// registerMetrics registers observable OTEL gauges for queue health.
func (l *Logger) registerMetrics() {
	meter := telemetry.Meter("torii/activity")

	_, _ = meter.Int64ObservableGauge("torii.activity.queue_depth",
		metric.WithDescription("Current number of queued activity records"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(l.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("torii.activity.dropped_total",
		metric.WithDescription("Total activity records dropped due to queue overflow"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(l.Dropped())
			return nil
		}),
	)
}

// truncate cuts s to at most limit bytes without splitting a multi-byte rune:
// the store rejects invalid UTF-8, and one bad record would poison its whole
// batch.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
