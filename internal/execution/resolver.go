package execution

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"serum_rest/internal/domain"
	"serum_rest/internal/solana"
)

// Target is the open orders account a cancel is sent against. Order is
// nil when the index did not know the order and Account is a guess.
type Target struct {
	Account solana.PublicKey
	Order   *domain.OwnOrder
}

// Fallback reports whether the account was picked without a known order.
func (t Target) Fallback() bool { return t.Order == nil }

// Resolver maps order references to the accounts holding them.
type Resolver struct {
	accounts AccountLister
	index    *OwnOrderIndex
	maxAge   time.Duration
	logger   *slog.Logger
}

// NewResolver resolves cancel targets against the own order index, reading
// the wallet's open orders accounts no older than maxAge.
func NewResolver(accounts AccountLister, index *OwnOrderIndex, maxAge time.Duration) *Resolver {
	return &Resolver{
		accounts: accounts,
		index:    index,
		maxAge:   maxAge,
		logger:   slog.Default().With("module", "resolver"),
	}
}

// Candidates lists our open orders accounts of pair sorted by address.
// An empty cached list is re-read once without the cache, since an
// account may have been created moments ago.
func (r *Resolver) Candidates(ctx context.Context, pair domain.Pair) ([]domain.OpenOrdersAccount, error) {
	accounts, err := r.accounts.Get(ctx, pair, r.maxAge)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		accounts, err = r.accounts.Get(ctx, pair, 0)
		if err != nil {
			return nil, err
		}
	}
	sorted := slices.Clone(accounts)
	slices.SortFunc(sorted, func(a, b domain.OpenOrdersAccount) int {
		return strings.Compare(a.Address.String(), b.Address.String())
	})
	return sorted, nil
}

// ResolveCancelTarget picks the account to cancel ref against. When the
// index does not know ref, a background index refresh is started and the
// first account by address is used.
func (r *Resolver) ResolveCancelTarget(ctx context.Context, pair domain.Pair, ref string) (Target, error) {
	candidates, err := r.Candidates(ctx, pair)
	if err != nil {
		return Target{}, err
	}
	if len(candidates) == 0 {
		return Target{}, fmt.Errorf("%w: market %s", domain.ErrNoTargetAccount, pair)
	}

	if order, ok := r.index.Lookup(pair, ref); ok {
		for _, acc := range candidates {
			if acc.Address == order.OpenOrdersAddress {
				return Target{Account: acc.Address, Order: &order}, nil
			}
		}
	}

	r.index.RefreshAsync(pair)
	account := candidates[0].Address
	r.logger.Debug("Order not in index, using first account",
		"market", pair.String(), "ref", ref, "account", account.String())
	return Target{Account: account}, nil
}

// ResolveOrder returns the resting order with id. On a miss the index is
// refreshed synchronously once before giving up.
func (r *Resolver) ResolveOrder(ctx context.Context, pair domain.Pair, id domain.OrderID) (domain.OwnOrder, error) {
	ref := id.String()
	if order, ok := r.index.Lookup(pair, ref); ok {
		return order, nil
	}
	if _, err := r.index.Refresh(ctx, pair); err != nil {
		return domain.OwnOrder{}, err
	}
	if order, ok := r.index.Lookup(pair, ref); ok {
		return order, nil
	}
	return domain.OwnOrder{}, fmt.Errorf("%w: %s on %s", domain.ErrOrderNotFound, ref, pair)
}

// PlacementAccount returns the account new orders of pair go to, or nil
// when we have none yet.
func (r *Resolver) PlacementAccount(ctx context.Context, pair domain.Pair) (*domain.OpenOrdersAccount, error) {
	candidates, err := r.Candidates(ctx, pair)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return &candidates[0], nil
}
