package poolcache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantry/internal/telemetry"
)

var (
	ErrTimeout        = errors.New("timed out waiting for tenant pool")
	ErrClosed         = errors.New("pool cache closed")
	ErrSourceClosed   = errors.New("tenant pool closed")
	ErrSchemaMismatch = errors.New("connection not scoped to tenant schema")
)

// maxCheckoutAttempts bounds retries when a source is evicted between Acquire and Checkout.
const maxCheckoutAttempts = 3

// Source is a pooled session source scoped to exactly one schema.
type Source interface {
	// Schema returns the schema every session from this source is bound to.
	Schema() string

	// Checkout returns a session whose connection has been scoped to Schema()
	// during this call. Returns ErrSourceClosed once Close has started.
	Checkout(ctx context.Context) (*Session, error)

	// Close rejects new checkouts, waits for outstanding sessions to be
	// released and then closes the underlying connections.
	Close()
}

// Factory constructs the source for a schema.
type Factory func(ctx context.Context, schema string) (Source, error)

// Config holds the operator policy for the cache.
type Config struct {
	// Capacity is the maximum number of warm tenant pools.
	// Default: 100
	Capacity int

	// ConstructTimeout bounds building a pool for a cold tenant, including
	// waiting for a free slot and for evicted pools to drain.
	// Default: 10s
	ConstructTimeout time.Duration

	// CheckoutTimeout bounds waiting for a free connection in a warm pool.
	// Default: 5s
	CheckoutTimeout time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Capacity == 0 {
		c.Capacity = 100
	}
	if c.ConstructTimeout == 0 {
		c.ConstructTimeout = 10 * time.Second
	}
	if c.CheckoutTimeout == 0 {
		c.CheckoutTimeout = 5 * time.Second
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %d", c.Capacity)
	}
	if c.ConstructTimeout < 0 || c.CheckoutTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

type entry struct {
	schema string
	source Source
}

// construction is an in-flight pool build shared by every caller that missed on the same key.
// done is closed once source/err are set.
type construction struct {
	done   chan struct{}
	source Source
	err    error
}

// Cache maps schema names to warm pooled sources. It is bounded and evicts the
// least recently used pool, draining and closing it outside the lock. Concurrent
// misses for one schema share a single construction.
//
// Every construction holds a slot from the moment it starts building, so warm
// pools plus pools being built never exceed Capacity.
type Cache struct {
	cfg     Config
	factory Factory
	metrics *telemetry.Metrics

	mu        sync.Mutex
	lru       *list.List               // front is most recently used, values are *entry
	entries   map[string]*list.Element // schema -> element in lru
	pending   map[string]*construction // schema -> in-flight construction
	closing   map[string]chan struct{} // schema -> closed when its evicted pool finished draining
	building  int                      // constructions holding a slot
	slotFreed chan struct{}            // closed and replaced whenever a slot may have opened up
	closed    bool
}

// New creates a cache that builds sources with factory.
func New(cfg Config, factory Factory) (*Cache, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool cache config: %w", err)
	}
	if factory == nil {
		return nil, errors.New("pool factory is required")
	}

	return &Cache{
		cfg:     cfg,
		factory: factory,
		metrics: telemetry.GetMetrics(),
		lru:     list.New(),
		entries: make(map[string]*list.Element),
		pending: make(map[string]*construction),
		closing:   make(map[string]chan struct{}),
		slotFreed: make(chan struct{}),
	}, nil
}

// Acquire returns the warm source for schema, constructing it on a miss.
//
// Concurrent misses for the same schema coalesce into one construction and all
// receive its result, success or failure. A failed construction is not cached.
// Cancelling ctx only stops this caller waiting; the construction carries on for
// the remaining waiters.
func (c *Cache) Acquire(ctx context.Context, schema string) (Source, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	if el, ok := c.entries[schema]; ok {
		c.lru.MoveToFront(el)
		src := el.Value.(*entry).source
		c.mu.Unlock()
		c.metrics.PoolCacheHitsTotal.Add(ctx, 1)
		return src, nil
	}

	c.metrics.PoolCacheMissesTotal.Add(ctx, 1)

	if p, ok := c.pending[schema]; ok {
		c.mu.Unlock()
		return c.wait(ctx, p)
	}

	p := &construction{done: make(chan struct{})}
	c.pending[schema] = p
	c.mu.Unlock()

	go c.construct(context.WithoutCancel(ctx), schema, p)

	return c.wait(ctx, p)
}

// Checkout acquires the source for schema and checks out a session from it, each
// step bounded by the configured timeouts.
func (c *Cache) Checkout(ctx context.Context, schema string) (*Session, error) {
	started := time.Now()

	for attempt := 1; ; attempt++ {
		src, err := c.Acquire(ctx, schema)
		if err != nil {
			return nil, err
		}

		checkoutCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckoutTimeout)
		sess, err := src.Checkout(checkoutCtx)
		cancel()

		switch {
		case err == nil:
			c.metrics.SessionCheckoutDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
			return sess, nil
		case errors.Is(err, ErrSourceClosed) && attempt < maxCheckoutAttempts:
			// evicted between Acquire and Checkout, the next Acquire builds a fresh pool
			continue
		case errors.Is(err, ErrSchemaMismatch):
			c.metrics.SchemaMismatchTotal.Add(ctx, 1)
			return nil, err
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, fmt.Errorf("%w: no free connection within %s", ErrTimeout, c.cfg.CheckoutTimeout)
		default:
			return nil, timeoutFromContext(ctx, err)
		}
	}
}

// Evict removes the pool for schema and blocks until it has been drained and closed.
// An in-flight construction for schema is waited for and then evicted as well.
// It returns nil if no pool exists.
func (c *Cache) Evict(ctx context.Context, schema string) error {
	for {
		c.mu.Lock()

		if p, ok := c.pending[schema]; ok {
			c.mu.Unlock()
			select {
			case <-p.done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var drained chan struct{}
		if el, ok := c.entries[schema]; ok {
			drained = c.evictLocked(el)
		} else if ch, ok := c.closing[schema]; ok {
			drained = ch
		}
		c.mu.Unlock()

		if drained == nil {
			return nil
		}

		select {
		case <-drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len returns the number of warm pools.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Contains reports whether schema has a warm pool, without touching its recency.
func (c *Cache) Contains(schema string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[schema]
	return ok
}

// Close evicts every pool and waits for all of them, and any in-flight
// constructions, to finish. Acquire fails with ErrClosed afterwards.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.notifySlotLocked()

	var waits []chan struct{}
	for el := c.lru.Back(); el != nil; el = c.lru.Back() {
		waits = append(waits, c.evictLocked(el))
	}
	for _, p := range c.pending {
		waits = append(waits, p.done)
	}
	for _, ch := range c.closing {
		waits = append(waits, ch)
	}
	c.mu.Unlock()

	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// constructions that completed after closed was set close their own source
	return nil
}

// evictLocked removes el from the cache and starts draining its source in the
// background. The returned channel is closed once the source is closed.
func (c *Cache) evictLocked(el *list.Element) chan struct{} {
	e := c.lru.Remove(el).(*entry)
	delete(c.entries, e.schema)

	drained := make(chan struct{})
	c.closing[e.schema] = drained

	c.metrics.PoolEvictionsTotal.Add(context.Background(), 1)
	c.metrics.PoolsActive.Add(context.Background(), -1)
	c.notifySlotLocked()

	go func() {
		started := time.Now()
		e.source.Close()

		c.mu.Lock()
		if c.closing[e.schema] == drained {
			delete(c.closing, e.schema)
		}
		c.mu.Unlock()
		close(drained)

		c.metrics.PoolDrainDuration.Record(context.Background(), float64(time.Since(started).Milliseconds()))
		log.Debug().
			Str("schema", e.schema).
			Dur("duration", time.Since(started)).
			Msg("Closed tenant pool")
	}()

	return drained
}

// notifySlotLocked wakes constructions waiting for a slot.
func (c *Cache) notifySlotLocked() {
	close(c.slotFreed)
	c.slotFreed = make(chan struct{})
}

// reserve takes a slot for a construction of schema. When the cache is full it
// evicts the least recently used warm pool, and when every slot belongs to a
// pool still being built it waits for one to finish. The returned channels are
// closed once the pools evicted to make room, and any earlier pool for schema,
// have drained.
func (c *Cache) reserve(ctx context.Context, schema string) ([]chan struct{}, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}

		var drains []chan struct{}
		for c.lru.Len() > 0 && c.lru.Len()+c.building >= c.cfg.Capacity {
			drains = append(drains, c.evictLocked(c.lru.Back()))
		}

		if c.lru.Len()+c.building < c.cfg.Capacity {
			c.building++
			if ch, ok := c.closing[schema]; ok {
				drains = append(drains, ch)
			}
			c.mu.Unlock()
			return drains, nil
		}

		freed := c.slotFreed
		c.mu.Unlock()

		select {
		case <-freed:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no free pool slot within %s", ErrTimeout, c.cfg.ConstructTimeout)
		}
	}
}

// construct reserves a slot, builds the source for schema once drains have
// completed and publishes the outcome to every waiter on p.
func (c *Cache) construct(ctx context.Context, schema string, p *construction) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConstructTimeout)
	defer cancel()

	c.metrics.PoolConstructionsTotal.Add(ctx, 1)

	var src Source

	drains, err := c.reserve(ctx, schema)
	reserved := err == nil

	for _, ch := range drains {
		select {
		case <-ch:
		case <-ctx.Done():
			err = fmt.Errorf("%w: evicted pool still draining after %s", ErrTimeout, c.cfg.ConstructTimeout)
		}
		if err != nil {
			break
		}
	}

	if err == nil {
		src, err = c.factory(ctx, schema)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: pool construction exceeded %s: %w", ErrTimeout, c.cfg.ConstructTimeout, err)
		}
	}

	c.mu.Lock()
	delete(c.pending, schema)
	if reserved {
		c.building--
		c.notifySlotLocked()
	}
	if err == nil && c.closed {
		err = ErrClosed
	}
	if err == nil {
		c.entries[schema] = c.lru.PushFront(&entry{schema: schema, source: src})
		c.metrics.PoolsActive.Add(ctx, 1)
		p.source = src
	}
	p.err = err
	close(p.done)
	c.mu.Unlock()

	if err != nil {
		c.metrics.PoolConstructionErrorsTotal.Add(ctx, 1)
		if src != nil {
			src.Close()
		}
		log.Warn().Err(err).Str("schema", schema).Msg("Tenant pool construction failed")
		return
	}

	log.Debug().Str("schema", schema).Msg("Constructed tenant pool")
}

// wait blocks until p completes or ctx is done.
func (c *Cache) wait(ctx context.Context, p *construction) (Source, error) {
	select {
	case <-p.done:
		if p.err != nil {
			return nil, p.err
		}
		return p.source, nil
	case <-ctx.Done():
		return nil, timeoutFromContext(ctx, ctx.Err())
	}
}

// timeoutFromContext classifies a caller deadline as ErrTimeout.
func timeoutFromContext(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
