package verdict

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/telemetry"
)

type entry struct {
	fp        string
	username  string
	verdict   model.Verdict
	expiresAt time.Time
}

// Cache is a bounded TTL cache of decision verdicts with single-flight
// evaluation. Eviction on capacity is LRU; admin writes invalidate all
// entries for the affected username.
type Cache struct {
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element // fingerprint -> element holding *entry
	lru     *list.List               // front = most recently used
	byUser  map[string]map[string]struct{}
	gens    map[string]uint64 // bumped by InvalidateUser; stale evaluations compare against it

	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Cache bounded to capacity entries.
// Call Close to stop the background eviction goroutine.
func New(capacity int) *Cache {
	c := &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		byUser:   make(map[string]map[string]struct{}),
		gens:     make(map[string]uint64),
		done:     make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached verdict for fp if a fresh entry exists.
func (c *Cache) Get(fp string) (model.Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fp]
	if !ok {
		return model.Verdict{}, false
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.removeLocked(el)
		return model.Verdict{}, false
	}
	c.lru.MoveToFront(el)
	return e.verdict, true
}

// Do returns the verdict for fp, evaluating at most once across concurrent
// callers. The returned bool reports a cache hit. Waiters honour ctx's
// deadline; the in-flight evaluation runs detached under evalTimeout, so a
// late result still populates the cache for subsequent requests. ttlFor maps
// a verdict to its cache TTL; non-positive means do not cache.
func (c *Cache) Do(
	ctx context.Context,
	fp, username string,
	evalTimeout time.Duration,
	ttlFor func(model.Verdict) time.Duration,
	eval func(context.Context) model.Verdict,
) (model.Verdict, bool, error) {
	if v, ok := c.Get(fp); ok {
		c.hits.Add(1)
		return v, true, nil
	}
	c.misses.Add(1)

	if err := ctx.Err(); err != nil {
		return model.Verdict{}, false, err
	}

	// Snapshot the user's invalidation generation before evaluating, so a
	// verdict computed from pre-mutation state is discarded if InvalidateUser
	// runs while the evaluation is in flight.
	gen := c.generation(username)

	// Detach the evaluation from the caller's context: singleflight reuses
	// the first caller's context, and a cancelled caller would otherwise
	// poison the shared result for every waiter.
	ch := c.group.DoChan(fp, func() (any, error) {
		evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), evalTimeout)
		defer cancel()

		v := eval(evalCtx)
		if ttl := ttlFor(v); ttl > 0 {
			c.put(fp, username, v, ttl, gen)
		}
		return v, nil
	})

	select {
	case res := <-ch:
		return res.Val.(model.Verdict), false, nil
	case <-ctx.Done():
		return model.Verdict{}, false, ctx.Err()
	}
}

// generation returns the current invalidation generation for username.
func (c *Cache) generation(username string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[username]
}

// put stores a verdict, evicting the LRU entry if the cache is full. The
// verdict is dropped when the user's generation moved past gen: an
// invalidation happened after the evaluation started, so the verdict may
// reflect pre-mutation state.
func (c *Cache) put(fp, username string, v model.Verdict, ttl time.Duration, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[username] != gen {
		return
	}

	if el, ok := c.entries[fp]; ok {
		e := el.Value.(*entry)
		e.verdict = v
		e.expiresAt = time.Now().Add(ttl)
		c.lru.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}

	e := &entry{fp: fp, username: username, verdict: v, expiresAt: time.Now().Add(ttl)}
	c.entries[fp] = c.lru.PushFront(e)
	fps, ok := c.byUser[username]
	if !ok {
		fps = make(map[string]struct{})
		c.byUser[username] = fps
	}
	fps[fp] = struct{}{}
}

// InvalidateUser drops every entry whose fingerprint was computed for
// username and bumps the user's generation so in-flight evaluations discard
// their result. Called by the admin surface after any identity mutation.
func (c *Cache) InvalidateUser(username string) {
	c.mu.Lock()
	c.gens[username]++
	fps := make([]string, 0, len(c.byUser[username]))
	for fp := range c.byUser[username] {
		fps = append(fps, fp)
		if el, ok := c.entries[fp]; ok {
			c.removeLocked(el)
		}
	}
	c.mu.Unlock()

	// Forget the single-flight keys so the next request for any affected
	// fingerprint starts a fresh evaluation instead of joining a stale one.
	for _, fp := range fps {
		c.group.Forget(fp)
	}
}

// removeLocked unlinks an element from all three indexes. Caller holds c.mu.
func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.entries, e.fp)
	if fps, ok := c.byUser[e.username]; ok {
		delete(fps, e.fp)
		if len(fps) == 0 {
			delete(c.byUser, e.username)
		}
	}
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Hits returns the total number of cache hits.
func (c *Cache) Hits() int64 { return c.hits.Load() }

// Misses returns the total number of cache misses.
func (c *Cache) Misses() int64 { return c.misses.Load() }

// Close stops the background eviction goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// evictLoop removes expired entries every minute.
func (c *Cache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*list.Element
	for _, el := range c.entries {
		if now.After(el.Value.(*entry).expiresAt) {
			expired = append(expired, el)
		}
	}
	for _, el := range expired {
		c.removeLocked(el)
	}
}

// RegisterMetrics registers observable OTEL instruments for cache health.
// Call after the global meter provider has been initialized.
func (c *Cache) RegisterMetrics() {
	meter := telemetry.Meter("torii/verdict")

	_, _ = meter.Int64ObservableGauge("torii.verdict_cache.entries",
		metric.WithDescription("Current number of cached verdicts"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("torii.verdict_cache.hits_total",
		metric.WithDescription("Total verdict cache hits"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.Hits())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("torii.verdict_cache.misses_total",
		metric.WithDescription("Total verdict cache misses"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.Misses())
			return nil
		}),
	)
}
