package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"serum_rest/internal/cache"
	"serum_rest/internal/domain"
	"serum_rest/internal/engine"
	"serum_rest/internal/execution"
	"serum_rest/internal/serum"
	"serum_rest/internal/solana"
)

// Exchange is the DEX SDK surface the facade works through.
type Exchange interface {
	Pairs() []domain.Pair
	Mint(coin string) (solana.PublicKey, bool)
	Coin(mint solana.PublicKey) string
	LoadMarket(ctx context.Context, pair domain.Pair) (*serum.Market, error)
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
	LoadOpenOrdersAccounts(ctx context.Context, owner solana.PublicKey) (map[domain.Pair][]domain.OpenOrdersAccount, error)
	LoadTokenAccounts(ctx context.Context, owner solana.PublicKey) (map[string][]domain.TokenAccount, error)
	LoadOwnOrders(ctx context.Context, pair domain.Pair, accounts []domain.OpenOrdersAccount) ([]domain.OwnOrder, error)
	LoadOrderBook(ctx context.Context, pair domain.Pair, depth int) (*domain.OrderBook, error)
	LoadFills(ctx context.Context, pair domain.Pair, limit int) ([]domain.Fill, error)
	OpenOrdersRent(ctx context.Context) (uint64, error)
	NativeBalance(ctx context.Context, address solana.PublicKey) (uint64, error)
}

// Sender submits transactions and waits for their confirmation.
type Sender interface {
	Send(ctx context.Context, feePayer solana.PublicKey, instructions []solana.Instruction,
		signers []solana.Keypair, opts ...engine.SendOption) (solana.Signature, error)
}

// Config holds the cache ages and timeouts of the facade.
type Config struct {
	OpenOrdersMaxAge    time.Duration
	TokenAccountsMaxAge time.Duration
	PayerAccountsMaxAge time.Duration
	PlaceOrderTimeout   time.Duration
	FillsLimit          int
	CacheObserver       cache.Observer
}

// DefaultConfig mirrors the defaults of the configuration file.
func DefaultConfig() Config {
	return Config{
		OpenOrdersMaxAge:    60 * time.Second,
		TokenAccountsMaxAge: 60 * time.Second,
		PayerAccountsMaxAge: 600 * time.Second,
		PlaceOrderTimeout:   5 * time.Second,
		FillsLimit:          100,
	}
}

// ExchangeService implements the trading operations on top of the SDK,
// the caches and the transaction engine.
type ExchangeService struct {
	sdk    Exchange
	sender Sender
	owner  solana.Keypair
	cfg    Config

	openOrders *cache.Keyed[domain.Pair, domain.OpenOrdersAccount]
	tokens     *cache.Keyed[string, domain.TokenAccount]
	index      *execution.OwnOrderIndex
	resolver   *execution.Resolver
	books      *BookService

	logger *slog.Logger
}

// NewExchangeService wires the caches, the own order index and the
// resolver for owner. books may be nil.
func NewExchangeService(sdk Exchange, sender Sender, owner solana.Keypair, books *BookService, cfg Config) *ExchangeService {
	def := DefaultConfig()
	if cfg.FillsLimit <= 0 {
		cfg.FillsLimit = def.FillsLimit
	}
	var opts []cache.Option
	if cfg.CacheObserver != nil {
		opts = append(opts, cache.WithObserver(cfg.CacheObserver))
	}
	ownerKey := owner.PublicKey()

	s := &ExchangeService{
		sdk:    sdk,
		sender: sender,
		owner:  owner,
		cfg:    cfg,
		books:  books,
		logger: slog.Default().With("module", "exchange"),
	}
	s.openOrders = cache.NewKeyed("open_orders", func(ctx context.Context) (map[domain.Pair][]domain.OpenOrdersAccount, error) {
		return sdk.LoadOpenOrdersAccounts(ctx, ownerKey)
	}, opts...)
	s.tokens = cache.NewKeyed("token_accounts", func(ctx context.Context) (map[string][]domain.TokenAccount, error) {
		return sdk.LoadTokenAccounts(ctx, ownerKey)
	}, opts...)
	s.index = execution.NewOwnOrderIndex(sdk, s.openOrders, cfg.OpenOrdersMaxAge)
	s.resolver = execution.NewResolver(s.openOrders, s.index, cfg.OpenOrdersMaxAge)
	return s
}

// Owner is the wallet the service trades for.
func (s *ExchangeService) Owner() solana.PublicKey {
	return s.owner.PublicKey()
}

// NewClientOrderID returns a random 64-bit id with the top bit set.
func NewClientOrderID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:]) // crypto/rand.Read never fails
	return binary.LittleEndian.Uint64(b[:]) | 1<<63
}

// PlaceOrder submits a new order and returns its client order id. A new
// open orders account is created in the same transaction when the wallet
// has none for the market.
func (s *ExchangeService) PlaceOrder(ctx context.Context, req domain.OrderRequest) (uint64, error) {
	if req.Type == "" {
		req.Type = domain.OrderTypeLimit
	}
	if err := req.Validate(); err != nil {
		return 0, err
	}
	market, err := s.sdk.LoadMarket(ctx, req.Pair)
	if err != nil {
		return 0, err
	}
	priceLots := market.PriceNumberToLots(req.Price)
	sizeLots := market.BaseSizeNumberToLots(req.Size)
	if priceLots == 0 || sizeLots == 0 {
		return 0, fmt.Errorf("%w: size %s at price %s is below one lot (min size %s, tick %s)",
			domain.ErrInvalidRequest, req.Size, req.Price, market.MinOrderSize(), market.TickSize())
	}

	clientID := req.ClientID
	if clientID == 0 {
		clientID = NewClientOrderID()
	}

	payCoin := req.Pair.Quote
	if req.Side == domain.SideSell {
		payCoin = req.Pair.Base
	}
	payer, err := s.firstTokenAccount(ctx, payCoin, s.cfg.PayerAccountsMaxAge)
	if err != nil {
		return 0, err
	}

	signers := []solana.Keypair{s.owner}
	var instructions []solana.Instruction
	account, err := s.resolver.PlacementAccount(ctx, req.Pair)
	if err != nil {
		return 0, err
	}
	var openOrders solana.PublicKey
	if account != nil {
		openOrders = account.Address
	} else {
		created, ix, err := s.createOpenOrdersAccount(ctx, market)
		if err != nil {
			return 0, err
		}
		openOrders = created.PublicKey()
		signers = append(signers, created)
		instructions = append(instructions, ix)
	}

	instructions = append(instructions,
		market.MatchOrdersInstruction(serum.PlaceMatchLimit),
		market.NewOrderInstruction(serum.NewOrderParams{
			Owner:      s.owner.PublicKey(),
			Payer:      payer,
			OpenOrders: openOrders,
			Side:       req.Side,
			PriceLots:  priceLots,
			SizeLots:   sizeLots,
			Type:       req.Type,
			ClientID:   clientID,
		}),
		market.MatchOrdersInstruction(serum.PlaceMatchLimit),
	)

	s.logger.Info("Placing order", "market", req.Pair.String(), "side", req.Side, "size", req.Size.String(),
		"price", req.Price.String(), "type", req.Type, "client_id", clientID, "open_orders", openOrders.String())

	opts := []engine.SendOption{
		engine.WithLabel("place " + req.Pair.String()),
		engine.WithErrorCallback(func(err error) {
			s.logger.Info("Place order failed", "client_id", clientID, slog.Any("error", err))
		}),
	}
	if s.cfg.PlaceOrderTimeout > 0 {
		opts = append(opts, engine.WithTimeout(s.cfg.PlaceOrderTimeout))
	}
	sig, err := s.sender.Send(ctx, s.owner.PublicKey(), instructions, signers, opts...)
	if account == nil {
		s.openOrders.Invalidate()
	}
	if err != nil {
		return 0, err
	}
	s.logger.Info("Order placed", "client_id", clientID, "signature", sig.String())
	return clientID, nil
}

func (s *ExchangeService) createOpenOrdersAccount(ctx context.Context, market *serum.Market) (solana.Keypair, solana.Instruction, error) {
	kp, err := solana.NewKeypair()
	if err != nil {
		return solana.Keypair{}, solana.Instruction{}, err
	}
	rent, err := s.sdk.OpenOrdersRent(ctx)
	if err != nil {
		return solana.Keypair{}, solana.Instruction{}, err
	}
	s.logger.Info("Creating open orders account", "market", market.Pair.String(), "address", kp.PublicKey().String())
	ix := solana.CreateAccount(s.owner.PublicKey(), kp.PublicKey(), market.ProgramID, rent, serum.OpenOrdersSize)
	return kp, ix, nil
}

func (s *ExchangeService) firstTokenAccount(ctx context.Context, coin string, maxAge time.Duration) (solana.PublicKey, error) {
	accounts, err := s.tokens.Get(ctx, coin, maxAge)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if len(accounts) == 0 {
		return solana.PublicKey{}, fmt.Errorf("%w: %s", domain.ErrNoPayerAccount, coin)
	}
	return accounts[0].Address, nil
}

// CancelOrder cancels by client id when one is given, else by order id.
func (s *ExchangeService) CancelOrder(ctx context.Context, req domain.CancelRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	market, err := s.sdk.LoadMarket(ctx, req.Pair)
	if err != nil {
		return err
	}
	owner := s.owner.PublicKey()

	var cancel solana.Instruction
	var label string
	if req.ClientID != 0 {
		target, err := s.resolver.ResolveCancelTarget(ctx, req.Pair, strconv.FormatUint(req.ClientID, 10))
		if err != nil {
			return err
		}
		cancel = market.CancelOrderByClientIDInstruction(owner, target.Account, req.ClientID)
		label = "cancel " + req.Pair.String()
		s.logger.Info("Cancelling order", "client_id", req.ClientID, "account", target.Account.String(), "guessed", target.Fallback())
	} else {
		order, err := s.resolver.ResolveOrder(ctx, req.Pair, req.OrderID)
		if err != nil {
			return err
		}
		cancel = market.CancelOrderInstruction(owner, order.OpenOrdersAddress, order.Side, order.OrderID)
		label = "cancel " + req.Pair.String()
		s.logger.Info("Cancelling order", "order_id", order.OrderID.String(), "account", order.OpenOrdersAddress.String())
	}

	instructions := []solana.Instruction{cancel, market.MatchOrdersInstruction(serum.CancelMatchLimit)}
	_, err = s.sender.Send(ctx, owner, instructions, []solana.Keypair{s.owner}, engine.WithLabel(label))
	s.index.Invalidate(req.Pair)
	return err
}

// GetOwnOrders refreshes and returns our resting orders of pair, or of
// every market when pair is zero.
func (s *ExchangeService) GetOwnOrders(ctx context.Context, pair domain.Pair) ([]domain.OwnOrder, error) {
	if pair.IsZero() {
		return s.index.RefreshAll(ctx)
	}
	if _, err := s.sdk.LoadMarket(ctx, pair); err != nil {
		return nil, err
	}
	return s.index.Refresh(ctx, pair)
}

// GetBalances sums token accounts, open orders funds and native SOL per coin.
func (s *ExchangeService) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	var (
		tokens     map[string][]domain.TokenAccount
		openOrders map[domain.Pair][]domain.OpenOrdersAccount
		lamports   uint64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		tokens, err = s.tokens.GetAll(gctx, s.cfg.TokenAccountsMaxAge)
		return err
	})
	g.Go(func() (err error) {
		openOrders, err = s.openOrders.GetAll(gctx, s.cfg.OpenOrdersMaxAge)
		return err
	})
	g.Go(func() (err error) {
		lamports, err = s.sdk.NativeBalance(gctx, s.owner.PublicKey())
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	book := domain.NewBalanceBook()
	book.Credit("SOL", solana.WrappedSOLMint.String(), native(lamports, 9))

	coins := make([]string, 0, len(tokens))
	for coin := range tokens {
		coins = append(coins, coin)
	}
	slices.Sort(coins)
	for _, coin := range coins {
		for _, acc := range tokens[coin] {
			decimals, err := s.sdk.MintDecimals(ctx, acc.Mint)
			if err != nil {
				return nil, err
			}
			book.Credit(coin, acc.Mint.String(), native(acc.Amount, decimals))
		}
	}

	pairs := make([]domain.Pair, 0, len(openOrders))
	for pair := range openOrders {
		pairs = append(pairs, pair)
	}
	slices.SortFunc(pairs, func(a, b domain.Pair) int {
		return strings.Compare(a.String(), b.String())
	})
	for _, pair := range pairs {
		market, err := s.sdk.LoadMarket(ctx, pair)
		if err != nil {
			return nil, err
		}
		baseMint, quoteMint := market.State.BaseMint.String(), market.State.QuoteMint.String()
		for _, acc := range openOrders[pair] {
			book.Lock(pair.Base, baseMint,
				native(acc.BaseTotal, market.BaseDecimals),
				native(acc.BaseFree, market.BaseDecimals))
			book.Lock(pair.Quote, quoteMint,
				native(acc.QuoteTotal, market.QuoteDecimals),
				native(acc.QuoteFree, market.QuoteDecimals))
		}
	}
	return book.Snapshot(), nil
}

// native converts an integer token amount into units of the coin.
func native(amount uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(decimals))
}

// SettleFunds moves the free funds of every open orders account of pair
// back to the wallet's token accounts, one transaction per account.
func (s *ExchangeService) SettleFunds(ctx context.Context, pair domain.Pair) error {
	market, err := s.sdk.LoadMarket(ctx, pair)
	if err != nil {
		return err
	}
	accounts, err := s.openOrders.Get(ctx, pair, s.cfg.OpenOrdersMaxAge)
	if err != nil {
		return err
	}
	var unsettled []domain.OpenOrdersAccount
	for _, acc := range accounts {
		if acc.HasUnsettled() {
			unsettled = append(unsettled, acc)
		}
	}
	if len(unsettled) == 0 {
		s.logger.Debug("Nothing to settle", "market", pair.String())
		return nil
	}

	baseWallet, err := s.firstTokenAccount(ctx, pair.Base, s.cfg.TokenAccountsMaxAge)
	if err != nil {
		return err
	}
	quoteWallet, err := s.firstTokenAccount(ctx, pair.Quote, s.cfg.TokenAccountsMaxAge)
	if err != nil {
		return err
	}

	owner := s.owner.PublicKey()
	g, gctx := errgroup.WithContext(ctx)
	for _, acc := range unsettled {
		g.Go(func() error {
			ix := market.SettleFundsInstruction(owner, acc.Address, baseWallet, quoteWallet)
			_, err := s.sender.Send(gctx, owner, []solana.Instruction{ix}, []solana.Keypair{s.owner},
				engine.WithLabel("settle "+pair.String()))
			return err
		})
	}
	err = g.Wait()
	s.index.Invalidate(pair)
	s.openOrders.Invalidate()
	s.tokens.Invalidate()
	return err
}

// Markets returns the static parameters of every configured market.
func (s *ExchangeService) Markets(ctx context.Context) ([]domain.MarketInfo, error) {
	pairs := s.sdk.Pairs()
	infos := make([]domain.MarketInfo, 0, len(pairs))
	for _, pair := range pairs {
		market, err := s.sdk.LoadMarket(ctx, pair)
		if err != nil {
			return nil, err
		}
		infos = append(infos, market.Info())
	}
	return infos, nil
}

// MarketInfo returns the parameters of one market.
func (s *ExchangeService) MarketInfo(ctx context.Context, pair domain.Pair) (domain.MarketInfo, error) {
	market, err := s.sdk.LoadMarket(ctx, pair)
	if err != nil {
		return domain.MarketInfo{}, err
	}
	return market.Info(), nil
}

// OrderBook returns the live book of pair when it is watched, else reads it.
func (s *ExchangeService) OrderBook(ctx context.Context, pair domain.Pair) (*domain.OrderBook, error) {
	if s.books != nil {
		if book, ok := s.books.Get(pair); ok {
			return book, nil
		}
	}
	return s.sdk.LoadOrderBook(ctx, pair, serum.DefaultBookDepth)
}

// Trades returns the recent taker fills of pair, or of every market when
// pair is zero.
func (s *ExchangeService) Trades(ctx context.Context, pair domain.Pair) ([]domain.Fill, error) {
	return s.collectFills(ctx, pair, func(_ context.Context, _ domain.Pair, f domain.Fill) (bool, error) {
		return !f.Maker, nil
	})
}

// Fills returns the recent fills of our own open orders accounts.
func (s *ExchangeService) Fills(ctx context.Context, pair domain.Pair) ([]domain.Fill, error) {
	return s.collectFills(ctx, pair, func(ctx context.Context, p domain.Pair, f domain.Fill) (bool, error) {
		accounts, err := s.openOrders.Get(ctx, p, s.cfg.OpenOrdersMaxAge)
		if err != nil {
			return false, err
		}
		return slices.ContainsFunc(accounts, func(a domain.OpenOrdersAccount) bool {
			return a.Address == f.OpenOrdersAddress
		}), nil
	})
}

func (s *ExchangeService) collectFills(ctx context.Context, pair domain.Pair,
	keep func(context.Context, domain.Pair, domain.Fill) (bool, error)) ([]domain.Fill, error) {
	pairs := []domain.Pair{pair}
	if pair.IsZero() {
		pairs = s.sdk.Pairs()
	}
	var out []domain.Fill
	for _, p := range pairs {
		fills, err := s.sdk.LoadFills(ctx, p, s.cfg.FillsLimit)
		if err != nil {
			return nil, err
		}
		for _, f := range fills {
			ok, err := keep(ctx, p, f)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, f)
			}
		}
	}
	return out, nil
}

// IsNotFound reports errors that map to a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrUnknownMarket) || errors.Is(err, domain.ErrOrderNotFound)
}
