package serum

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"serum_rest/internal/domain"
	"serum_rest/internal/solana"
)

// DefaultBookDepth is the number of price levels returned per side.
const DefaultBookDepth = 100

// AccountReader is the subset of the RPC client the SDK reads through.
type AccountReader interface {
	GetAccountInfo(ctx context.Context, address solana.PublicKey) ([]byte, error)
	GetMultipleAccounts(ctx context.Context, addresses []solana.PublicKey) ([][]byte, error)
	GetProgramAccounts(ctx context.Context, programID solana.PublicKey, filters ...solana.AccountFilter) ([]solana.KeyedAccount, error)
	GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey) ([]solana.KeyedAccount, error)
	GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error)
}

// Client loads markets and decodes DEX accounts. Loaded markets and mint
// decimals never change, so they are kept for the life of the process.
type Client struct {
	reader  AccountReader
	configs map[domain.Pair]MarketConfig
	pairs   []domain.Pair
	mints   map[string]solana.PublicKey
	coins   map[solana.PublicKey]string
	loaded  *gocache.Cache
	log     *slog.Logger
}

// NewClient creates a new SDK client for the configured markets
func NewClient(reader AccountReader, markets []MarketConfig, mints map[string]solana.PublicKey) (*Client, error) {
	c := &Client{
		reader:  reader,
		configs: make(map[domain.Pair]MarketConfig, len(markets)),
		mints:   make(map[string]solana.PublicKey, len(mints)),
		coins:   make(map[solana.PublicKey]string, len(mints)),
		loaded:  gocache.New(gocache.NoExpiration, 0),
		log:     slog.Default().With("module", "serum"),
	}
	for _, m := range markets {
		pair, err := domain.ParsePair(m.Name)
		if err != nil {
			return nil, err
		}
		c.configs[pair] = m
		c.pairs = append(c.pairs, pair)
	}
	sort.Slice(c.pairs, func(i, j int) bool { return c.pairs[i].String() < c.pairs[j].String() })
	for coin, mint := range mints {
		c.mints[coin] = mint
		c.coins[mint] = coin
	}
	return c, nil
}

// Pairs returns the configured markets in name order.
func (c *Client) Pairs() []domain.Pair {
	return c.pairs
}

func (c *Client) Config(pair domain.Pair) (MarketConfig, error) {
	cfg, ok := c.configs[pair]
	if !ok {
		return MarketConfig{}, fmt.Errorf("%w: %s", domain.ErrUnknownMarket, pair)
	}
	return cfg, nil
}

// Mint returns the configured mint of coin.
func (c *Client) Mint(coin string) (solana.PublicKey, bool) {
	m, ok := c.mints[coin]
	return m, ok
}

// Coin names mint, falling back to its address when unconfigured.
func (c *Client) Coin(mint solana.PublicKey) string {
	if coin, ok := c.coins[mint]; ok {
		return coin
	}
	return mint.String()
}

// LoadMarket returns the market for pair, reading it on first use.
func (c *Client) LoadMarket(ctx context.Context, pair domain.Pair) (*Market, error) {
	if v, ok := c.loaded.Get(pair.String()); ok {
		return v.(*Market), nil
	}
	cfg, err := c.Config(pair)
	if err != nil {
		return nil, err
	}

	data, err := c.reader.GetAccountInfo(ctx, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", pair, err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: market account %s not found", domain.ErrUnknownMarket, cfg.Address)
	}
	state, err := DecodeMarketState(data)
	if err != nil {
		return nil, fmt.Errorf("decode market %s: %w", pair, err)
	}
	if want, ok := c.mints[pair.Base]; ok && want != state.BaseMint {
		return nil, fmt.Errorf("market %s: base mint %s does not match %s", pair, state.BaseMint, want)
	}
	if want, ok := c.mints[pair.Quote]; ok && want != state.QuoteMint {
		return nil, fmt.Errorf("market %s: quote mint %s does not match %s", pair, state.QuoteMint, want)
	}

	baseDecimals, err := c.MintDecimals(ctx, state.BaseMint)
	if err != nil {
		return nil, err
	}
	quoteDecimals, err := c.MintDecimals(ctx, state.QuoteMint)
	if err != nil {
		return nil, err
	}

	m := &Market{
		Name:          cfg.Name,
		Pair:          pair,
		Address:       cfg.Address,
		ProgramID:     cfg.ProgramID,
		State:         *state,
		BaseDecimals:  baseDecimals,
		QuoteDecimals: quoteDecimals,
	}
	c.loaded.Set(pair.String(), m, gocache.NoExpiration)
	c.log.Info("Market loaded", "market", pair.String(), "address", cfg.Address.String())
	return m, nil
}

// MintDecimals reads and remembers the decimals of a mint.
func (c *Client) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	key := "decimals:" + mint.String()
	if v, ok := c.loaded.Get(key); ok {
		return v.(uint8), nil
	}
	if mint == solana.WrappedSOLMint {
		c.loaded.Set(key, uint8(9), gocache.NoExpiration)
		return 9, nil
	}
	data, err := c.reader.GetAccountInfo(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("load mint %s: %w", mint, err)
	}
	decimals, err := DecodeMintDecimals(data)
	if err != nil {
		return 0, fmt.Errorf("decode mint %s: %w", mint, err)
	}
	c.loaded.Set(key, decimals, gocache.NoExpiration)
	return decimals, nil
}

// LoadOpenOrdersAccounts scans every configured program for open orders
// accounts owned by owner and groups them by market. Accounts of markets
// that are not configured are dropped.
func (c *Client) LoadOpenOrdersAccounts(ctx context.Context, owner solana.PublicKey) (map[domain.Pair][]domain.OpenOrdersAccount, error) {
	byAddress := make(map[solana.PublicKey]domain.Pair, len(c.configs))
	programs := make(map[solana.PublicKey]struct{})
	for pair, cfg := range c.configs {
		byAddress[cfg.Address] = pair
		programs[cfg.ProgramID] = struct{}{}
	}

	result := make(map[domain.Pair][]domain.OpenOrdersAccount)
	for program := range programs {
		accounts, err := c.reader.GetProgramAccounts(ctx, program,
			solana.DataSizeFilter(OpenOrdersSize),
			solana.MemcmpFilter(OpenOrdersOwner, owner),
		)
		if err != nil {
			return nil, fmt.Errorf("load open orders accounts: %w", err)
		}
		for _, ka := range accounts {
			acc, err := DecodeOpenOrders(ka.PublicKey, ka.Data)
			if err != nil {
				c.log.Warn("Skipping undecodable open orders account", "address", ka.PublicKey.String(), "error", err)
				continue
			}
			pair, ok := byAddress[acc.Market]
			if !ok {
				continue
			}
			result[pair] = append(result[pair], *acc)
		}
	}
	return result, nil
}

// LoadTokenAccounts returns the wallet's token accounts grouped by coin.
func (c *Client) LoadTokenAccounts(ctx context.Context, owner solana.PublicKey) (map[string][]domain.TokenAccount, error) {
	accounts, err := c.reader.GetTokenAccountsByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load token accounts: %w", err)
	}
	result := make(map[string][]domain.TokenAccount)
	for _, ka := range accounts {
		acc, err := DecodeTokenAccount(ka.PublicKey, ka.Data)
		if err != nil {
			c.log.Warn("Skipping undecodable token account", "address", ka.PublicKey.String(), "error", err)
			continue
		}
		coin := c.Coin(acc.Mint)
		result[coin] = append(result[coin], *acc)
	}
	return result, nil
}

func (c *Client) loadSlabs(ctx context.Context, m *Market) (bids, asks []byte, err error) {
	data, err := c.reader.GetMultipleAccounts(ctx, []solana.PublicKey{m.State.Bids, m.State.Asks})
	if err != nil {
		return nil, nil, fmt.Errorf("load order book %s: %w", m.Pair, err)
	}
	if len(data) != 2 || data[0] == nil || data[1] == nil {
		return nil, nil, fmt.Errorf("load order book %s: missing bids or asks account", m.Pair)
	}
	return data[0], data[1], nil
}

// LoadOrderBook reads both sides of the book.
func (c *Client) LoadOrderBook(ctx context.Context, pair domain.Pair, depth int) (*domain.OrderBook, error) {
	m, err := c.LoadMarket(ctx, pair)
	if err != nil {
		return nil, err
	}
	bidsData, asksData, err := c.loadSlabs(ctx, m)
	if err != nil {
		return nil, err
	}
	bids, err := m.DecodeOrderBookSide(bidsData, depth)
	if err != nil {
		return nil, err
	}
	asks, err := m.DecodeOrderBookSide(asksData, depth)
	if err != nil {
		return nil, err
	}
	return &domain.OrderBook{Market: pair, Bids: bids, Asks: asks, UpdatedAt: time.Now()}, nil
}

// LoadOwnOrders returns the resting orders of pair held by accounts.
func (c *Client) LoadOwnOrders(ctx context.Context, pair domain.Pair, accounts []domain.OpenOrdersAccount) ([]domain.OwnOrder, error) {
	m, err := c.LoadMarket(ctx, pair)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	bidsData, asksData, err := c.loadSlabs(ctx, m)
	if err != nil {
		return nil, err
	}
	var orders []domain.OwnOrder
	for _, data := range [][]byte{bidsData, asksData} {
		slab, err := DecodeSlab(data)
		if err != nil {
			return nil, fmt.Errorf("decode order book %s: %w", pair, err)
		}
		orders = append(orders, m.OwnOrders(slab, accounts)...)
	}
	return orders, nil
}

// LoadFills returns up to limit recent fills from the event queue, newest first.
func (c *Client) LoadFills(ctx context.Context, pair domain.Pair, limit int) ([]domain.Fill, error) {
	m, err := c.LoadMarket(ctx, pair)
	if err != nil {
		return nil, err
	}
	data, err := c.reader.GetAccountInfo(ctx, m.State.EventQueue)
	if err != nil {
		return nil, fmt.Errorf("load event queue %s: %w", pair, err)
	}
	events, err := DecodeRecentEvents(data, limit)
	if err != nil {
		return nil, fmt.Errorf("decode event queue %s: %w", pair, err)
	}
	fills := make([]domain.Fill, 0, len(events))
	for _, ev := range events {
		if fill, ok := m.ParseFill(ev); ok {
			fills = append(fills, fill)
		}
	}
	return fills, nil
}

// OpenOrdersRent is the rent-exempt balance of a new open orders account.
func (c *Client) OpenOrdersRent(ctx context.Context) (uint64, error) {
	if v, ok := c.loaded.Get("rent:open_orders"); ok {
		return v.(uint64), nil
	}
	lamports, err := c.reader.GetMinimumBalanceForRentExemption(ctx, OpenOrdersSize)
	if err != nil {
		return 0, fmt.Errorf("rent exemption: %w", err)
	}
	c.loaded.Set("rent:open_orders", lamports, gocache.NoExpiration)
	return lamports, nil
}

// NativeBalance returns the lamports held by address.
func (c *Client) NativeBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	return c.reader.GetBalance(ctx, address)
}
