package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"serum_rest/internal/domain"
)

const asyncRefreshTimeout = 30 * time.Second

// AccountLister returns our open orders accounts of a market, read from a
// cache no older than maxAge. A maxAge of zero forces a network read.
type AccountLister interface {
	Get(ctx context.Context, pair domain.Pair, maxAge time.Duration) ([]domain.OpenOrdersAccount, error)
}

// OrderLoader reads the resting orders held by accounts from the book.
type OrderLoader interface {
	Pairs() []domain.Pair
	LoadOwnOrders(ctx context.Context, pair domain.Pair, accounts []domain.OpenOrdersAccount) ([]domain.OwnOrder, error)
}

type ownSnapshot struct {
	orders    []domain.OwnOrder
	byID      map[domain.OrderID]int
	fetchedAt time.Time
}

// OwnOrderIndex keeps the last read of our resting orders per market.
// Freshness is up to the caller: nothing expires on its own.
type OwnOrderIndex struct {
	loader         OrderLoader
	accounts       AccountLister
	accountsMaxAge time.Duration

	mu      sync.RWMutex
	markets map[domain.Pair]*ownSnapshot

	group  singleflight.Group
	logger *slog.Logger
}

// NewOwnOrderIndex creates an empty index. Refreshes list accounts with
// accountsMaxAge.
func NewOwnOrderIndex(loader OrderLoader, accounts AccountLister, accountsMaxAge time.Duration) *OwnOrderIndex {
	return &OwnOrderIndex{
		loader:         loader,
		accounts:       accounts,
		accountsMaxAge: accountsMaxAge,
		markets:        make(map[domain.Pair]*ownSnapshot),
		logger:         slog.Default().With("module", "own_orders"),
	}
}

// Refresh reads the resting orders of pair and replaces its snapshot.
// Concurrent callers share one read that outlives any single caller.
func (x *OwnOrderIndex) Refresh(ctx context.Context, pair domain.Pair) ([]domain.OwnOrder, error) {
	ch := x.group.DoChan(pair.String(), func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), asyncRefreshTimeout)
		defer cancel()
		accounts, err := x.accounts.Get(readCtx, pair, x.accountsMaxAge)
		if err != nil {
			return nil, fmt.Errorf("own orders %s: %w", pair, err)
		}
		orders, err := x.loader.LoadOwnOrders(readCtx, pair, accounts)
		if err != nil {
			return nil, fmt.Errorf("own orders %s: %w", pair, err)
		}
		x.replace(pair, orders)
		x.logger.Debug("Own orders refreshed", "market", pair.String(), "orders", len(orders))
		return orders, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return append([]domain.OwnOrder(nil), res.Val.([]domain.OwnOrder)...), nil
	}
}

// RefreshAll refreshes every market concurrently and returns the union.
func (x *OwnOrderIndex) RefreshAll(ctx context.Context) ([]domain.OwnOrder, error) {
	pairs := x.loader.Pairs()
	results := make([][]domain.OwnOrder, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	for i, pair := range pairs {
		g.Go(func() error {
			orders, err := x.Refresh(gctx, pair)
			results[i] = orders
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []domain.OwnOrder
	for _, orders := range results {
		all = append(all, orders...)
	}
	return all, nil
}

// RefreshAsync refreshes pair in the background. Failures are logged.
func (x *OwnOrderIndex) RefreshAsync(pair domain.Pair) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncRefreshTimeout)
		defer cancel()
		if _, err := x.Refresh(ctx, pair); err != nil {
			x.logger.Warn("Background own orders refresh failed", "market", pair.String(), slog.Any("error", err))
		}
	}()
}

// Lookup finds an order of pair by its order id, then by client id.
func (x *OwnOrderIndex) Lookup(pair domain.Pair, ref string) (domain.OwnOrder, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	snap, ok := x.markets[pair]
	if !ok {
		return domain.OwnOrder{}, false
	}

	if id, err := domain.ParseOrderID(ref); err == nil {
		if i, ok := snap.byID[id]; ok {
			return snap.orders[i], true
		}
	}
	if cid, err := strconv.ParseUint(ref, 10, 64); err == nil && cid != 0 {
		for _, o := range snap.orders {
			if o.ClientOrderID == cid {
				return o, true
			}
		}
	}
	return domain.OwnOrder{}, false
}

// Orders returns the current snapshot of pair and when it was read.
func (x *OwnOrderIndex) Orders(pair domain.Pair) ([]domain.OwnOrder, time.Time, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	snap, ok := x.markets[pair]
	if !ok {
		return nil, time.Time{}, false
	}
	return append([]domain.OwnOrder(nil), snap.orders...), snap.fetchedAt, true
}

// Invalidate drops the snapshot of pair.
func (x *OwnOrderIndex) Invalidate(pair domain.Pair) {
	x.mu.Lock()
	delete(x.markets, pair)
	x.mu.Unlock()
}

func (x *OwnOrderIndex) replace(pair domain.Pair, orders []domain.OwnOrder) {
	snap := &ownSnapshot{
		orders:    orders,
		byID:      make(map[domain.OrderID]int, len(orders)),
		fetchedAt: time.Now(),
	}
	for i, o := range orders {
		snap.byID[o.OrderID] = i
	}
	x.mu.Lock()
	x.markets[pair] = snap
	x.mu.Unlock()
}
