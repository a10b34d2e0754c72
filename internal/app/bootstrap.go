package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"serum_rest/internal/api"
	"serum_rest/internal/cache"
	"serum_rest/internal/domain"
	"serum_rest/internal/engine"
	"serum_rest/internal/infra"
	"serum_rest/internal/infra/rpc"
	"serum_rest/internal/infra/storage"
	"serum_rest/internal/serum"
	"serum_rest/internal/service"
	"serum_rest/internal/solana"
)

const (
	journalRetention   = 7 * 24 * time.Hour
	journalPruneEvery  = time.Hour
	wsGaugeInterval    = 5 * time.Second
	marketSyncParallel = 4
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config   *infra.Config
	Storage  *storage.Storage
	Metrics  *infra.Metrics
	RPC      *rpc.Client
	WS       *rpc.WSClient
	SDK      *serum.Client
	Engine   *engine.Engine
	Books    *service.BookService
	Exchange *service.ExchangeService
	Router   http.Handler
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the configuration and wires every component. Nothing
// touches the network except the websocket dial.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)
	slog.Info("🚀 Bootstrapping Serum REST server...", slog.String("version", cfg.App.Version))

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", slog.String("path", cfg.Storage.Path))

	// 4. Node clients
	b.Metrics = infra.NewMetrics()
	b.RPC = rpc.NewClient(rpc.Config{
		URLs:         cfg.Solana.RPCURLs,
		Commitment:   cfg.Solana.Commitment,
		RateLimitRPS: cfg.Solana.RPCRateLimitRPS,
	}, b.Metrics)
	b.WS = rpc.NewWSClient(cfg.Solana.WSURL, cfg.Solana.Commitment)
	if err := startStream(ctx, "solana websocket", b.WS); err != nil {
		return err
	}

	// 5. DEX SDK
	markets, mints, err := sdkConfig(cfg)
	if err != nil {
		return err
	}
	b.SDK, err = serum.NewClient(b.RPC, markets, mints)
	if err != nil {
		return err
	}

	// 6. Transaction engine
	blockhash := cache.NewReference("blockhash", cfg.Cache.BlockhashTTL, b.RPC.GetLatestBlockhash,
		cache.WithObserver(b.Metrics))
	b.Engine = engine.NewEngine(b.RPC, b.WS, blockhash, engine.Options{
		PollInterval:   cfg.Engine.PollInterval,
		ResendInterval: cfg.Engine.ResendInterval,
		MaxResends:     cfg.Engine.MaxResends,
		Timeout:        cfg.Engine.ConfirmTimeout,
	}, b.Storage, b.Metrics)

	// 7. Wallet
	owner, err := solana.LoadKeypairFromSecrets(cfg.Solana.SecretsFile, cfg.Solana.PrivateKeyName)
	if err != nil {
		return &domain.ConfigError{Field: "solana.secrets_file", Err: err}
	}
	slog.Info("✅ Wallet loaded", slog.String("owner", owner.PublicKey().String()))

	// 8. Exchange facade
	b.Books = service.NewBookService(b.SDK, b.WS, serum.DefaultBookDepth)
	b.Exchange = service.NewExchangeService(b.SDK, b.Engine, owner, b.Books, service.Config{
		OpenOrdersMaxAge:    cfg.Cache.OpenOrdersMaxAge,
		TokenAccountsMaxAge: cfg.Cache.TokenAccountsMaxAge,
		PayerAccountsMaxAge: cfg.Cache.PayerAccountsMaxAge,
		PlaceOrderTimeout:   cfg.Engine.PlaceOrderTimeout,
		CacheObserver:       b.Metrics,
	})

	// 9. REST router
	b.Router = api.NewRouter(api.Options{
		Trading:        b.Exchange,
		Journal:        b.Storage,
		Health:         b.RPC.GetHealth,
		Metrics:        b.Metrics,
		MetricsHandler: b.Metrics.Handler(),
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		Logger:         logger,
	})
	return nil
}

func startStream(ctx context.Context, name string, w domain.StreamWorker) error {
	if err := w.Connect(ctx); err != nil {
		return fmt.Errorf("%s connect: %w", name, err)
	}
	slog.Info("✅ Stream started", slog.String("stream", name))
	return nil
}

func sdkConfig(cfg *infra.Config) ([]serum.MarketConfig, map[string]solana.PublicKey, error) {
	markets := make([]serum.MarketConfig, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		address, err := solana.PublicKeyFromBase58(m.Address)
		if err != nil {
			return nil, nil, &domain.ConfigError{Field: "markets." + m.Name + ".address", Err: err}
		}
		program, err := solana.PublicKeyFromBase58(m.ProgramID)
		if err != nil {
			return nil, nil, &domain.ConfigError{Field: "markets." + m.Name + ".program_id", Err: err}
		}
		markets = append(markets, serum.MarketConfig{Name: m.Name, Address: address, ProgramID: program})
	}
	mints := make(map[string]solana.PublicKey, len(cfg.Mints))
	for coin, s := range cfg.Mints {
		mint, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return nil, nil, &domain.ConfigError{Field: "mints." + coin, Err: err}
		}
		mints[coin] = mint
	}
	return markets, mints, nil
}

// SyncMarkets loads every configured market, records it in the catalog and
// starts watching its order book. Failures are logged per market.
func (b *Bootstrap) SyncMarkets(ctx context.Context) {
	slog.Info("🔄 Starting market synchronization...")
	b.Books.Start(ctx)

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, marketSyncParallel)

	for _, pair := range b.SDK.Pairs() {
		wg.Add(1)
		go func(pair domain.Pair) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}: // Acquire
			}
			defer func() { <-semaphore }() // Release

			if err := syncMarket(ctx, b.SDK, b.Storage, pair); err != nil {
				slog.Error("Failed to sync market", slog.String("market", pair.String()), slog.Any("error", err))
				return
			}
			if err := b.Books.Watch(ctx, pair); err != nil {
				slog.Warn("Failed to watch order book", slog.String("market", pair.String()), slog.Any("error", err))
			}
		}(pair)
	}

	wg.Wait()
	if records, err := b.Storage.FindAllMarkets(); err == nil {
		slog.Info("✨ Market synchronization completed", slog.Int("catalog", len(records)))
	}
}

// MarketLoader is the part of the SDK the catalog sync needs.
type MarketLoader interface {
	LoadMarket(ctx context.Context, pair domain.Pair) (*serum.Market, error)
}

func syncMarket(ctx context.Context, sdk MarketLoader, repo domain.MarketRepository, pair domain.Pair) error {
	market, err := sdk.LoadMarket(ctx, pair)
	if err != nil {
		return err
	}
	return repo.SaveMarket(marketRecord(market.Info(), time.Now()))
}

func marketRecord(info domain.MarketInfo, now time.Time) *domain.MarketRecord {
	return &domain.MarketRecord{
		Name:          info.Name,
		Address:       info.Address.String(),
		ProgramID:     info.ProgramID.String(),
		BaseMint:      info.BaseMint.String(),
		QuoteMint:     info.QuoteMint.String(),
		BaseDecimals:  info.BaseDecimals,
		QuoteDecimals: info.QuoteDecimals,
		MinOrderSize:  info.MinOrderSize.String(),
		TickSize:      info.TickSize.String(),
		LastSyncedAt:  now,
	}
}

// RunMaintenance keeps the websocket gauge current and prunes the
// submission journal until ctx is done.
func (b *Bootstrap) RunMaintenance(ctx context.Context) {
	gauge := time.NewTicker(wsGaugeInterval)
	defer gauge.Stop()
	prune := time.NewTicker(journalPruneEvery)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gauge.C:
			b.Metrics.SetWSConnected(b.WS.IsConnected())
		case <-prune.C:
			n, err := b.Storage.PruneSubmissions(time.Now().Add(-journalRetention))
			if err != nil {
				slog.Warn("Failed to prune submission journal", slog.Any("error", err))
			} else if n > 0 {
				slog.Info("Pruned submission journal", slog.Int64("entries", n))
			}
		}
	}
}

// Close releases the node connections and the database.
func (b *Bootstrap) Close() {
	if b.Books != nil {
		b.Books.Stop()
	}
	if b.WS != nil {
		b.WS.Disconnect()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Failed to close database", slog.Any("error", err))
		}
	}
}
