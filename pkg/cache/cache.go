package cache

import (
	"container/list"
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gcforged/pylot/pkg/types"
)

// Cache is a bounded LRU with per-entry TTL plus a single-flight map that
// coalesces concurrent identical requests. All state is guarded by one mutex;
// waiters block on per-flight done channels outside of it.
//
// Streaming responses never go through the body cache; the gateway only calls
// DoOrWait for non-streaming requests.
type Cache struct {
	mu       chan struct{} // 1-slot semaphore so waits can honour ctx
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	inflight map[string]*flight

	capacity int
	ttl      time.Duration
	now      func() time.Time

	hits   uint64
	misses uint64
}

type entry struct {
	fingerprint string
	body        []byte
	insertedAt  time.Time
}

// flight is one in-flight producer plus its waiters. body/err are written
// exactly once before done is closed. cancelled marks a producer that died to
// its own context: waiters do not inherit that failure, one of them promotes
// to producer and retries.
type flight struct {
	done      chan struct{}
	body      []byte
	err       error
	cancelled bool
	waiters   int
}

func New(capacity int, ttl time.Duration) *Cache {
	c := &Cache{
		mu:       make(chan struct{}, 1),
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		inflight: make(map[string]*flight),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
	return c
}

func (c *Cache) lock() {
	c.mu <- struct{}{}
}

func (c *Cache) unlock() {
	<-c.mu
}

// Get returns the cached body for fp if it is still fresh at now. Expired
// entries are removed on access.
func (c *Cache) Get(fp string, now time.Time) ([]byte, bool) {
	c.lock()
	defer c.unlock()
	return c.getLocked(fp, now)
}

func (c *Cache) getLocked(fp string, now time.Time) ([]byte, bool) {
	elem, ok := c.entries[fp]
	if !ok {
		c.misses++
		return nil, false
	}
	ent := elem.Value.(*entry)
	if now.Sub(ent.insertedAt) > c.ttl {
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return ent.body, true
}

// Set stores body under fp, evicting the least-recently-used entry when the
// cache is at capacity. A capacity of zero disables storage entirely.
func (c *Cache) Set(fp string, body []byte, now time.Time) {
	if c.capacity == 0 {
		return
	}
	c.lock()
	defer c.unlock()
	c.setLocked(fp, body, now)
}

func (c *Cache) setLocked(fp string, body []byte, now time.Time) {
	if c.capacity == 0 {
		return
	}
	if elem, ok := c.entries[fp]; ok {
		ent := elem.Value.(*entry)
		ent.body = body
		ent.insertedAt = now
		c.order.MoveToFront(elem)
		return
	}
	for len(c.entries) >= c.capacity {
		c.evictLocked()
	}
	elem := c.order.PushFront(&entry{fingerprint: fp, body: body, insertedAt: now})
	c.entries[fp] = elem
}

// evictLocked drops the least-recently-used entry. Among equally-recent
// entries the list preserves insertion order, so the oldest insertion goes
// first.
func (c *Cache) evictLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.removeLocked(back)
}

func (c *Cache) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.entries, ent.fingerprint)
}

// DoOrWait is the single-flight path. A fresh cached entry is returned
// immediately. Otherwise, if a producer for fp is already running, the caller
// suspends until it publishes and shares its result. Otherwise the caller
// becomes the producer: on success the body is cached and handed to every
// waiter, on failure the error is shared and nothing is cached.
//
// If the producing caller's own context is cancelled mid-production, its
// waiters are not failed: the next live waiter promotes to producer and
// re-invokes its own producer func. The returned bool reports whether the
// body came from the cache or another flight rather than this caller's
// producer.
func (c *Cache) DoOrWait(ctx context.Context, fp string, producer func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	for {
		select {
		case c.mu <- struct{}{}:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}

		if body, ok := c.getLocked(fp, c.now()); ok {
			c.unlock()
			return body, true, nil
		}

		f, running := c.inflight[fp]
		if !running {
			f = &flight{done: make(chan struct{})}
			c.inflight[fp] = f
			c.unlock()
			body, err := c.produce(ctx, fp, f, producer)
			return body, false, err
		}

		f.waiters++
		c.unlock()

		select {
		case <-f.done:
			if f.cancelled {
				// producer died to its own cancellation; loop to either find
				// a newer flight or become the producer ourselves
				continue
			}
			return f.body, true, f.err
		case <-ctx.Done():
			c.lock()
			f.waiters--
			c.unlock()
			return nil, false, ctx.Err()
		}
	}
}

func (c *Cache) produce(ctx context.Context, fp string, f *flight, producer func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	body, err := producer(ctx)

	c.lock()
	delete(c.inflight, fp)
	if err == nil {
		c.setLocked(fp, body, c.now())
		f.body = body
	} else if ctx.Err() != nil && f.waiters > 0 {
		// our caller went away but others still want this result; let one of
		// them take over instead of failing the whole group
		f.cancelled = true
		log.Debug().Str("fingerprint", fp).Int("waiters", f.waiters).Msg("cache producer cancelled, promoting waiter")
	} else {
		f.err = err
	}
	c.unlock()

	close(f.done)
	return body, err
}

// Stats returns a point-in-time snapshot of the cache counters.
func (c *Cache) Stats() types.CacheStats {
	c.lock()
	defer c.unlock()
	stats := types.CacheStats{
		Hits:       c.hits,
		Misses:     c.misses,
		Size:       len(c.entries),
		Capacity:   c.capacity,
		TTLSeconds: int(c.ttl / time.Second),
		InFlight:   len(c.inflight),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}
