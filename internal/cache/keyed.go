package cache

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Keyed caches lists of V per key. The loader returns every key at once
// and a refresh replaces the whole map, so all keys share one timestamp.
type Keyed[K comparable, V any] struct {
	name string
	load func(ctx context.Context) (map[K][]V, error)
	now  func() time.Time

	mu        sync.RWMutex
	entries   map[K][]V
	fetchedAt time.Time
	loaded    bool

	group    singleflight.Group
	observer Observer
	logger   *slog.Logger
}

// NewKeyed creates a keyed cache named name around load.
func NewKeyed[K comparable, V any](name string, load func(ctx context.Context) (map[K][]V, error), opts ...Option) *Keyed[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Keyed[K, V]{
		name:     name,
		load:     load,
		now:      o.now,
		entries:  make(map[K][]V),
		observer: o.observer,
		logger:   slog.Default().With("module", "cache", "cache", name),
	}
}

// Get returns the values for key, refreshing the cache first if it is
// older than maxAge. A maxAge of zero always refreshes.
func (c *Keyed[K, V]) Get(ctx context.Context, key K, maxAge time.Duration) ([]V, error) {
	all, err := c.GetAll(ctx, maxAge)
	if err != nil {
		return nil, err
	}
	return all[key], nil
}

// GetAll returns a copy of the whole mapping under the same rules as Get.
// When a refresh fails the previous snapshot is returned, unless there is
// none.
func (c *Keyed[K, V]) GetAll(ctx context.Context, maxAge time.Duration) (map[K][]V, error) {
	c.mu.RLock()
	entries, fetchedAt, loaded := c.entries, c.fetchedAt, c.loaded
	c.mu.RUnlock()

	if loaded && maxAge > 0 && c.now().Sub(fetchedAt) <= maxAge {
		c.observe(true)
		return maps.Clone(entries), nil
	}
	c.observe(false)

	fresh, err := c.refresh(ctx)
	if err != nil {
		if loaded {
			c.logger.Warn("Refresh failed, serving stale entries", slog.Any("error", err))
			return maps.Clone(entries), nil
		}
		return nil, err
	}
	return maps.Clone(fresh), nil
}

// Invalidate marks the cache stale; the next read refreshes it. The old
// snapshot is kept as a fallback for a failing refresh.
func (c *Keyed[K, V]) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// refresh shares one detached load between concurrent callers.
func (c *Keyed[K, V]) refresh(ctx context.Context) (map[K][]V, error) {
	ch := c.group.DoChan(c.name, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundRefreshTimeout)
		defer cancel()
		fresh, err := c.load(loadCtx)
		if c.observer != nil {
			c.observer.ObserveRefresh(c.name, err)
		}
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			fresh = make(map[K][]V)
		}
		c.mu.Lock()
		c.entries = fresh
		c.fetchedAt = c.now()
		c.loaded = true
		c.mu.Unlock()
		return fresh, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[K][]V), nil
	}
}

func (c *Keyed[K, V]) observe(hit bool) {
	if c.observer != nil {
		c.observer.ObserveCache(c.name, hit)
	}
}
