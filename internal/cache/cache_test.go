package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestReference_Thresholds(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int32
	ref := NewReference("blockhash", 60*time.Second, func(ctx context.Context) (int32, error) {
		return calls.Add(1), nil
	}, WithClock(clock.Now))
	ctx := context.Background()

	v, err := ref.Get(ctx)
	if err != nil || v != 1 {
		t.Fatalf("first Get = %d, %v; want 1, nil", v, err)
	}

	t.Run("fresh at 20s", func(t *testing.T) {
		clock.Advance(20 * time.Second)
		v, _ := ref.Get(ctx)
		if v != 1 {
			t.Errorf("expected cached value 1, got %d", v)
		}
		time.Sleep(20 * time.Millisecond)
		if calls.Load() != 1 {
			t.Errorf("expected no refresh, got %d fetches", calls.Load())
		}
	})

	t.Run("background refresh at 40s", func(t *testing.T) {
		clock.Advance(20 * time.Second)
		v, _ := ref.Get(ctx)
		if v != 1 {
			t.Errorf("expected stale value 1 returned, got %d", v)
		}
		waitFor(t, func() bool { return calls.Load() == 2 })
		v, _ = ref.Get(ctx)
		if v != 2 {
			t.Errorf("expected refreshed value 2, got %d", v)
		}
	})

	t.Run("blocking refresh at 70s", func(t *testing.T) {
		clock.Advance(70 * time.Second)
		v, _ := ref.Get(ctx)
		if v != 3 {
			t.Errorf("expected synchronous refresh to return 3, got %d", v)
		}
	})
}

func TestReference_FailedRefresh(t *testing.T) {
	clock := newFakeClock()
	fail := atomic.Bool{}
	var calls atomic.Int32
	ref := NewReference("blockhash", 60*time.Second, func(ctx context.Context) (string, error) {
		calls.Add(1)
		if fail.Load() {
			return "", errors.New("node down")
		}
		return "hash-a", nil
	}, WithClock(clock.Now))
	ctx := context.Background()

	if _, err := ref.Get(ctx); err != nil {
		t.Fatalf("initial Get failed: %v", err)
	}
	fail.Store(true)

	// Background failure is swallowed.
	clock.Advance(40 * time.Second)
	if v, err := ref.Get(ctx); err != nil || v != "hash-a" {
		t.Fatalf("Get = %q, %v; want hash-a, nil", v, err)
	}
	waitFor(t, func() bool { return calls.Load() == 2 })

	// Past the hard TTL the last value survives a failed refresh.
	clock.Advance(40 * time.Second)
	if v, err := ref.Get(ctx); err != nil || v != "hash-a" {
		t.Fatalf("Get = %q, %v; want hash-a, nil", v, err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected a synchronous attempt, got %d fetches", calls.Load())
	}

	empty := NewReference("empty", time.Minute, func(ctx context.Context) (string, error) {
		return "", errors.New("node down")
	})
	if _, err := empty.Get(ctx); err == nil {
		t.Error("expected error from an empty cache")
	}
}

func TestReference_SingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	ref := NewReference("blockhash", time.Minute, func(ctx context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, err := ref.Get(context.Background()); err != nil || v != 7 {
				t.Errorf("Get = %d, %v", v, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("expected one shared fetch, got %d", calls.Load())
	}
}

func TestKeyed_MaxAge(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int32
	c := NewKeyed("open_orders", func(ctx context.Context) (map[string][]int, error) {
		n := int(calls.Add(1))
		return map[string][]int{"SOL/USDC": {n}, "RAY/USDC": {n * 10}}, nil
	}, WithClock(clock.Now))
	ctx := context.Background()

	tests := []struct {
		name    string
		advance time.Duration
		maxAge  time.Duration
		want    int
		fetches int32
	}{
		{"first read loads", 0, time.Minute, 1, 1},
		{"within max age", 30 * time.Second, time.Minute, 1, 1},
		{"exactly max age", 30 * time.Second, time.Minute, 1, 1},
		{"older than max age", time.Second, time.Minute, 2, 2},
		{"zero max age always refetches", 0, 0, 3, 3},
		{"zero max age again", 0, 0, 4, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.Advance(tt.advance)
			got, err := c.Get(ctx, "SOL/USDC", tt.maxAge)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("expected [%d], got %v", tt.want, got)
			}
			if calls.Load() != tt.fetches {
				t.Errorf("expected %d fetches, got %d", tt.fetches, calls.Load())
			}
		})
	}
}

func TestKeyed_WholeCacheReplace(t *testing.T) {
	round := atomic.Int32{}
	c := NewKeyed("tokens", func(ctx context.Context) (map[string][]string, error) {
		if round.Add(1) == 1 {
			return map[string][]string{"SOL": {"a"}, "USDC": {"b"}}, nil
		}
		return map[string][]string{"USDC": {"c"}}, nil
	})
	ctx := context.Background()

	if _, err := c.Get(ctx, "SOL", time.Minute); err != nil {
		t.Fatal(err)
	}
	all, err := c.GetAll(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := all["SOL"]; ok {
		t.Error("expected SOL to be dropped by the full refresh")
	}
	if got := all["USDC"]; len(got) != 1 || got[0] != "c" {
		t.Errorf("expected USDC [c], got %v", got)
	}

	// Missing keys in a fresh snapshot do not trigger another load.
	if got, _ := c.Get(ctx, "SOL", time.Minute); got != nil {
		t.Errorf("expected nil for missing key, got %v", got)
	}
	if round.Load() != 2 {
		t.Errorf("expected 2 loads, got %d", round.Load())
	}
}

func TestKeyed_StaleOnFailure(t *testing.T) {
	fail := atomic.Bool{}
	c := NewKeyed("tokens", func(ctx context.Context) (map[string][]int, error) {
		if fail.Load() {
			return nil, errors.New("rpc down")
		}
		return map[string][]int{"SOL": {1}}, nil
	})
	ctx := context.Background()

	fail.Store(true)
	if _, err := c.Get(ctx, "SOL", time.Minute); err == nil {
		t.Fatal("expected error while the cache is empty")
	}

	fail.Store(false)
	if _, err := c.Get(ctx, "SOL", time.Minute); err != nil {
		t.Fatal(err)
	}

	fail.Store(true)
	got, err := c.Get(ctx, "SOL", 0)
	if err != nil {
		t.Fatalf("expected stale read, got error %v", err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("expected stale [1], got %v", got)
	}
}

func TestKeyed_Invalidate(t *testing.T) {
	var calls atomic.Int32
	c := NewKeyed("own", func(ctx context.Context) (map[int][]int, error) {
		calls.Add(1)
		return map[int][]int{1: {1}}, nil
	})
	ctx := context.Background()

	c.Get(ctx, 1, time.Hour)
	c.Get(ctx, 1, time.Hour)
	c.Invalidate()
	c.Get(ctx, 1, time.Hour)

	if calls.Load() != 2 {
		t.Errorf("expected reload after Invalidate, got %d loads", calls.Load())
	}
}

type countingObserver struct {
	hits, misses, failures atomic.Int32
}

func (o *countingObserver) ObserveCache(_ string, hit bool) {
	if hit {
		o.hits.Add(1)
	} else {
		o.misses.Add(1)
	}
}

func (o *countingObserver) ObserveRefresh(_ string, err error) {
	if err != nil {
		o.failures.Add(1)
	}
}

func TestKeyed_Observer(t *testing.T) {
	obs := &countingObserver{}
	c := NewKeyed("tokens", func(ctx context.Context) (map[string][]int, error) {
		return map[string][]int{}, nil
	}, WithObserver(obs))
	ctx := context.Background()

	c.Get(ctx, "x", time.Minute)
	c.Get(ctx, "x", time.Minute)
	if obs.misses.Load() != 1 || obs.hits.Load() != 1 {
		t.Errorf("expected 1 miss and 1 hit, got %d and %d", obs.misses.Load(), obs.hits.Load())
	}
}

func TestReference_CancelledWaiterLeavesFetchRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ref := NewReference("blockhash", time.Minute, func(ctx context.Context) (int, error) {
		close(started)
		select {
		case <-release:
			return 9, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := ref.Get(first)
		firstErr <- err
	}()
	<-started

	type result struct {
		v   int
		err error
	}
	second := make(chan result, 1)
	go func() {
		v, err := ref.Get(context.Background())
		second <- result{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v, want context.Canceled", err)
	}
	close(release)
	res := <-second
	if res.err != nil || res.v != 9 {
		t.Fatalf("joined caller got %d, %v", res.v, res.err)
	}
}

func TestKeyed_CancelledWaiterLeavesLoadRunning(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	c := NewKeyed("token_accounts", func(ctx context.Context) (map[string][]int, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return map[string][]int{"SOL": {1}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetAll(first, time.Minute)
		firstErr <- err
	}()
	<-started

	type result struct {
		entries map[string][]int
		err     error
	}
	second := make(chan result, 1)
	go func() {
		entries, err := c.GetAll(context.Background(), time.Minute)
		second <- result{entries, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v, want context.Canceled", err)
	}
	close(release)
	res := <-second
	if res.err != nil {
		t.Fatalf("joined caller got %v", res.err)
	}
	if len(res.entries["SOL"]) != 1 {
		t.Errorf("entries = %v", res.entries)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one shared load, got %d", calls.Load())
	}
}
