package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"serum_rest/internal/domain"
	"serum_rest/internal/serum"
)

// BookSource loads markets and full order books.
type BookSource interface {
	LoadMarket(ctx context.Context, pair domain.Pair) (*serum.Market, error)
	LoadOrderBook(ctx context.Context, pair domain.Pair, depth int) (*domain.OrderBook, error)
}

type sideUpdate struct {
	pair   domain.Pair
	isBids bool
	data   []byte
}

// BookService keeps live order books of watched markets. Each book is
// loaded once and then patched from bids/asks account notifications.
type BookService struct {
	source     BookSource
	subscriber domain.AccountSubscriber
	depth      int

	mu      sync.RWMutex
	books   map[domain.Pair]*domain.OrderBook
	markets map[domain.Pair]*serum.Market
	cancels []func()

	updates chan sideUpdate
	logger  *slog.Logger
}

// NewBookService creates a BookService keeping depth levels per side.
func NewBookService(source BookSource, subscriber domain.AccountSubscriber, depth int) *BookService {
	if depth <= 0 {
		depth = serum.DefaultBookDepth
	}
	return &BookService{
		source:     source,
		subscriber: subscriber,
		depth:      depth,
		books:      make(map[domain.Pair]*domain.OrderBook),
		markets:    make(map[domain.Pair]*serum.Market),
		updates:    make(chan sideUpdate, 1000), // absorbs bursts while a slab decodes
		logger:     slog.Default().With("module", "books"),
	}
}

// Watch loads the book of pair and subscribes to both of its sides.
func (s *BookService) Watch(ctx context.Context, pair domain.Pair) error {
	market, err := s.source.LoadMarket(ctx, pair)
	if err != nil {
		return err
	}
	book, err := s.source.LoadOrderBook(ctx, pair, s.depth)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.markets[pair] = market
	s.books[pair] = book
	s.mu.Unlock()

	// Both sides subscribe or neither does.
	cancels := make([]func(), 0, 2)
	for _, isBids := range []bool{true, false} {
		addr := market.State.Asks
		if isBids {
			addr = market.State.Bids
		}
		cancel, err := s.subscriber.SubscribeAccount(ctx, addr, func(data []byte) {
			select {
			case s.updates <- sideUpdate{pair: pair, isBids: isBids, data: data}:
			default:
				s.logger.Warn("Book update dropped", "market", pair.String())
			}
		})
		if err != nil {
			for _, c := range cancels {
				c()
			}
			return fmt.Errorf("watch %s %s: %w", pair, addr, err)
		}
		cancels = append(cancels, cancel)
	}
	s.mu.Lock()
	s.cancels = append(s.cancels, cancels...)
	s.mu.Unlock()
	s.logger.Info("Watching order book", "market", pair.String())
	return nil
}

// Start processes account notifications until ctx is done.
func (s *BookService) Start(ctx context.Context) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Book processor panic recovered", slog.Any("panic", r))
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-s.updates:
				s.ProcessUpdate(u.pair, u.isBids, u.data)
			}
		}
	}()
}

// ProcessUpdate replaces one side of the book of pair with the decoded slab.
func (s *BookService) ProcessUpdate(pair domain.Pair, isBids bool, data []byte) {
	s.mu.RLock()
	market := s.markets[pair]
	s.mu.RUnlock()
	if market == nil {
		return
	}
	levels, err := market.DecodeOrderBookSide(data, s.depth)
	if err != nil {
		s.logger.Warn("Undecodable book side", "market", pair.String(), slog.Any("error", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	book, ok := s.books[pair]
	if !ok {
		return
	}
	next := *book
	if isBids {
		next.Bids = levels
	} else {
		next.Asks = levels
	}
	next.UpdatedAt = time.Now()
	s.books[pair] = &next
}

// Get returns the current book of pair.
func (s *BookService) Get(pair domain.Pair) (*domain.OrderBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	book, ok := s.books[pair]
	return book, ok
}

// GetAll returns every watched book sorted by market.
func (s *BookService) GetAll() []*domain.OrderBook {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.OrderBook, 0, len(s.books))
	for _, book := range s.books {
		result = append(result, book)
	}
	slices.SortFunc(result, func(a, b *domain.OrderBook) int {
		return strings.Compare(a.Market.String(), b.Market.String())
	})
	return result
}

// Stop releases every account subscription.
func (s *BookService) Stop() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
