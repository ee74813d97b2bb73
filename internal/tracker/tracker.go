// Package tracker counts live MQTT sessions per username for quota admission
// control.
//
// Counts are not persisted: on restart the tracker starts empty and quotas
// become re-enforceable as new CONNECTs arrive. The broker remains the source
// of truth for who is actually connected.
package tracker

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/torii/internal/telemetry"
)

// Tracker maintains an in-memory live-session count per username.
// Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]int
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{sessions: make(map[string]int)}
}

// TryAcquire atomically checks the quota and increments the count for
// username. Returns false when max > 0 and the count is already at max;
// max = 0 means unlimited.
func (t *Tracker) TryAcquire(username string, max int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if max > 0 && t.sessions[username] >= max {
		return false
	}
	t.sessions[username]++
	return true
}

// Release decrements the count for username, floored at zero. The floor
// guards against spurious DISCONNECT callbacks.
func (t *Tracker) Release(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := t.sessions[username]; n > 1 {
		t.sessions[username] = n - 1
	} else {
		delete(t.sessions, username)
	}
}

// Current returns the live-session count for username.
func (t *Tracker) Current(username string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[username]
}

// Total returns the live-session count across all usernames.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0
	for _, n := range t.sessions {
		total += n
	}
	return total
}

// RegisterMetrics registers an observable OTEL gauge for the live-session
// total. Call after the global meter provider has been initialized.
func (t *Tracker) RegisterMetrics() {
	meter := telemetry.Meter("torii/tracker")

	_, _ = meter.Int64ObservableGauge("torii.sessions.live",
		metric.WithDescription("Current number of live MQTT sessions across all identities"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(t.Total()))
			return nil
		}),
	)
}
