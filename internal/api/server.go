package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// pairRoute matches the coin-quote path segment, e.g. SOL-USDC.
const pairRoute = "/{coin:[A-Za-z0-9]+}-{quote:[A-Za-z0-9]+}"

// Options configures the router.
type Options struct {
	Trading        Trading
	Journal        JournalReader
	Health         HealthFunc
	Metrics        HTTPMetrics
	MetricsHandler http.Handler
	RateLimitRPS   float64
	RateLimitBurst int
	Logger         *slog.Logger
}

// NewRouter builds the REST router with request ids, panic recovery,
// per-client rate limiting and access logging.
func NewRouter(opts Options) *mux.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("module", "api")
	h := &handlers{trading: opts.Trading, journal: opts.Journal, health: opts.Health, logger: logger}

	router := mux.NewRouter()
	router.Use(requestID, recovery(logger), accessLog(logger, opts.Metrics))

	router.HandleFunc("/", h.root).Methods(http.MethodGet)
	router.HandleFunc("/health", h.healthz).Methods(http.MethodGet)
	if opts.MetricsHandler != nil {
		router.Handle("/metrics", opts.MetricsHandler).Methods(http.MethodGet)
	}

	apiRoutes := router.NewRoute().Subrouter()
	apiRoutes.Use(rateLimit(newClientLimiter(opts.RateLimitRPS, opts.RateLimitBurst)))

	apiRoutes.HandleFunc("/market_info", h.marketInfo).Methods(http.MethodGet)
	apiRoutes.HandleFunc("/orderbook"+pairRoute, h.orderBook).Methods(http.MethodGet)
	scoped := []struct {
		prefix  string
		handler http.HandlerFunc
	}{
		{"/trades", h.trades},
		{"/fills", h.fills},
		{"/own_orders", h.ownOrders},
	}
	for _, route := range scoped {
		apiRoutes.HandleFunc(route.prefix+pairRoute, route.handler).Methods(http.MethodGet)
		apiRoutes.HandleFunc(route.prefix, route.handler).Methods(http.MethodGet)
	}
	apiRoutes.HandleFunc("/balances", h.balances).Methods(http.MethodGet)
	apiRoutes.HandleFunc("/place_order", h.placeOrder).Methods(http.MethodPost)
	apiRoutes.HandleFunc("/cancel", h.cancel).Methods(http.MethodPost)
	apiRoutes.HandleFunc("/settle", h.settle).Methods(http.MethodPost)
	if opts.Journal != nil {
		apiRoutes.HandleFunc("/submissions", h.submissions).Methods(http.MethodGet)
		apiRoutes.HandleFunc("/submissions/{signature:[1-9A-HJ-NP-Za-km-z]+}", h.submission).Methods(http.MethodGet)
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return router
}
