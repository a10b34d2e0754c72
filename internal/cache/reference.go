package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const backgroundRefreshTimeout = 30 * time.Second

// Observer is notified of cache hits, misses and refresh outcomes.
type Observer interface {
	ObserveCache(name string, hit bool)
	ObserveRefresh(name string, err error)
}

// Reference holds a single time-stamped value refreshed on two thresholds.
// Past the soft TTL (half the hard TTL) a refresh is started in the
// background and the current value is returned; past the hard TTL the
// caller waits for the refresh.
type Reference[T any] struct {
	name    string
	fetch   func(ctx context.Context) (T, error)
	hardTTL time.Duration
	softTTL time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	value     T
	fetchedAt time.Time
	loaded    bool

	group    singleflight.Group
	observer Observer
	logger   *slog.Logger
}

// Option configures a cache.
type Option func(*options)

type options struct {
	now      func() time.Time
	observer Observer
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithObserver reports hits and refreshes to o.
func WithObserver(o Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// NewReference creates a reference cache named name around fetch.
func NewReference[T any](name string, hardTTL time.Duration, fetch func(ctx context.Context) (T, error), opts ...Option) *Reference[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Reference[T]{
		name:     name,
		fetch:    fetch,
		hardTTL:  hardTTL,
		softTTL:  hardTTL / 2,
		now:      o.now,
		observer: o.observer,
		logger:   slog.Default().With("module", "cache", "cache", name),
	}
}

// Get returns the cached value, refreshing it according to its age.
func (r *Reference[T]) Get(ctx context.Context) (T, error) {
	r.mu.RLock()
	value, fetchedAt, loaded := r.value, r.fetchedAt, r.loaded
	r.mu.RUnlock()

	age := r.now().Sub(fetchedAt)
	switch {
	case !loaded || age > r.hardTTL:
		r.observe(false)
		fresh, err := r.refresh(ctx)
		if err != nil {
			if loaded {
				r.logger.Warn("Refresh failed, serving expired value", slog.Duration("age", age), slog.Any("error", err))
				return value, nil
			}
			var zero T
			return zero, err
		}
		return fresh, nil
	case age > r.softTTL:
		r.observe(true)
		r.RefreshAsync()
	default:
		r.observe(true)
	}
	return value, nil
}

// RefreshAsync starts a background refresh. Failures are only logged.
func (r *Reference[T]) RefreshAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
		defer cancel()
		if _, err := r.refresh(ctx); err != nil {
			r.logger.Warn("Background refresh failed", slog.Any("error", err))
		}
	}()
}

// refresh fetches a new value; concurrent callers share one fetch. The
// fetch runs detached from ctx so one caller giving up does not fail the
// others; ctx only bounds how long this caller waits.
func (r *Reference[T]) refresh(ctx context.Context) (T, error) {
	ch := r.group.DoChan(r.name, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundRefreshTimeout)
		defer cancel()
		fresh, err := r.fetch(fetchCtx)
		if r.observer != nil {
			r.observer.ObserveRefresh(r.name, err)
		}
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.value = fresh
		r.fetchedAt = r.now()
		r.loaded = true
		r.mu.Unlock()
		return fresh, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func (r *Reference[T]) observe(hit bool) {
	if r.observer != nil {
		r.observer.ObserveCache(r.name, hit)
	}
}
