package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"serum_rest/internal/domain"
)

// Trading is the exchange surface the handlers call.
type Trading interface {
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (uint64, error)
	CancelOrder(ctx context.Context, req domain.CancelRequest) error
	GetOwnOrders(ctx context.Context, pair domain.Pair) ([]domain.OwnOrder, error)
	GetBalances(ctx context.Context) ([]domain.Balance, error)
	SettleFunds(ctx context.Context, pair domain.Pair) error
	Markets(ctx context.Context) ([]domain.MarketInfo, error)
	OrderBook(ctx context.Context, pair domain.Pair) (*domain.OrderBook, error)
	Trades(ctx context.Context, pair domain.Pair) ([]domain.Fill, error)
	Fills(ctx context.Context, pair domain.Pair) ([]domain.Fill, error)
}

// JournalReader reads the transaction submission journal.
type JournalReader interface {
	RecentSubmissions(limit int) ([]domain.SubmissionRecord, error)
	GetSubmission(signature string) (*domain.SubmissionRecord, error)
}

// HealthFunc reports whether the upstream node is usable.
type HealthFunc func(ctx context.Context) error

const greeting = "Hello from the Serum rest server!"

const maxBodyBytes = 1 << 16

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

type handlers struct {
	trading Trading
	journal JournalReader
	health  HealthFunc
	logger  *slog.Logger
}

func (h *handlers) root(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(greeting))
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeOK(w, map[string]string{"health": "ok"})
}

func (h *handlers) marketInfo(w http.ResponseWriter, r *http.Request) {
	infos, err := h.trading.Markets(r.Context())
	if err != nil {
		h.fail(w, r, "market_info", err)
		return
	}
	writeOK(w, infos)
}

func (h *handlers) orderBook(w http.ResponseWriter, r *http.Request) {
	pair := pathPair(r)
	book, err := h.trading.OrderBook(r.Context(), pair)
	if err != nil {
		h.fail(w, r, "orderbook", err)
		return
	}
	writeOK(w, book)
}

func (h *handlers) trades(w http.ResponseWriter, r *http.Request) {
	pair := pathPair(r)
	h.logger.Info("Received trades request", "market", pair.String())
	fills, err := h.trading.Trades(r.Context(), pair)
	if err != nil {
		h.fail(w, r, "trades", err)
		return
	}
	writeOK(w, nonNil(fills))
}

func (h *handlers) fills(w http.ResponseWriter, r *http.Request) {
	fills, err := h.trading.Fills(r.Context(), pathPair(r))
	if err != nil {
		h.fail(w, r, "fills", err)
		return
	}
	writeOK(w, nonNil(fills))
}

func (h *handlers) ownOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.trading.GetOwnOrders(r.Context(), pathPair(r))
	if err != nil {
		h.fail(w, r, "own_orders", err)
		return
	}
	writeOK(w, map[string]any{"orders": nonNil(orders)})
}

func (h *handlers) balances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.trading.GetBalances(r.Context())
	if err != nil {
		h.fail(w, r, "balances", err)
		return
	}
	writeOK(w, nonNil(balances))
}

type placeOrderBody struct {
	Side          string          `json:"side"`
	Coin          string          `json:"coin"`
	PriceCurrency string          `json:"priceCurrency"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	OrderType     string          `json:"orderType"`
	ClientID      flexUint        `json:"clientId"`
}

func (h *handlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	var body placeOrderBody
	if err := decodeBody(w, r, &body); err != nil {
		writeFailure(w, err)
		return
	}
	h.logger.Info("Received place order request",
		"side", body.Side, "coin", body.Coin, "price_currency", body.PriceCurrency,
		"quantity", body.Quantity.String(), "price", body.Price.String(), "order_type", body.OrderType)

	side, err := domain.ParseSide(body.Side)
	if err != nil {
		writeFailure(w, err)
		return
	}
	orderType, err := domain.ParseOrderType(body.OrderType)
	if err != nil {
		writeFailure(w, err)
		return
	}
	req := domain.OrderRequest{
		Pair:     domain.NewPair(body.Coin, body.PriceCurrency),
		Side:     side,
		Size:     body.Quantity,
		Price:    body.Price,
		Type:     orderType,
		ClientID: uint64(body.ClientID),
	}
	if err := req.Validate(); err != nil {
		writeFailure(w, err)
		return
	}

	id, err := h.trading.PlaceOrder(r.Context(), req)
	if err != nil {
		h.fail(w, r, "place_order", err)
		return
	}
	writeOK(w, map[string]string{"id": strconv.FormatUint(id, 10)})
}

type cancelBody struct {
	Coin          string   `json:"coin"`
	PriceCurrency string   `json:"priceCurrency"`
	OrderID       string   `json:"orderId"`
	ClientOrderID flexUint `json:"clientOrderId"`
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := decodeBody(w, r, &body); err != nil {
		writeFailure(w, err)
		return
	}
	switch {
	case body.Coin == "":
		writeError(w, http.StatusBadRequest, "Coin parameter missing from cancel request")
		return
	case body.PriceCurrency == "":
		writeError(w, http.StatusBadRequest, "Price currency parameter missing from cancel request")
		return
	case body.OrderID == "" && body.ClientOrderID == 0:
		writeError(w, http.StatusBadRequest, "Order id and client order id missing from cancel request")
		return
	}

	req := domain.CancelRequest{
		Pair:     domain.NewPair(body.Coin, body.PriceCurrency),
		ClientID: uint64(body.ClientOrderID),
	}
	if req.ClientID == 0 {
		id, err := domain.ParseOrderID(body.OrderID)
		if err != nil {
			writeFailure(w, err)
			return
		}
		req.OrderID = id
	}
	if err := h.trading.CancelOrder(r.Context(), req); err != nil {
		h.fail(w, r, "cancel", err)
		return
	}
	writeOK(w, nil)
}

type settleBody struct {
	Coin          string `json:"coin"`
	PriceCurrency string `json:"priceCurrency"`
}

func (h *handlers) settle(w http.ResponseWriter, r *http.Request) {
	var body settleBody
	if err := decodeBody(w, r, &body); err != nil {
		writeFailure(w, err)
		return
	}
	if body.Coin == "" || body.PriceCurrency == "" {
		writeError(w, http.StatusBadRequest, "Coin and price currency are required")
		return
	}
	if err := h.trading.SettleFunds(r.Context(), domain.NewPair(body.Coin, body.PriceCurrency)); err != nil {
		h.fail(w, r, "settle", err)
		return
	}
	writeOK(w, nil)
}

func (h *handlers) submissions(w http.ResponseWriter, r *http.Request) {
	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxJournalLimit)
	}
	records, err := h.journal.RecentSubmissions(limit)
	if err != nil {
		h.fail(w, r, "submissions", err)
		return
	}
	writeOK(w, nonNil(records))
}

func (h *handlers) submission(w http.ResponseWriter, r *http.Request) {
	record, err := h.journal.GetSubmission(mux.Vars(r)["signature"])
	if err != nil {
		h.fail(w, r, "submission", err)
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	writeOK(w, record)
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error("request failed", "op", op, "error", err,
		"request_id", RequestIDFromContext(r.Context()))
	writeFailure(w, err)
}

// pathPair reads the {coin}-{quote} route variables. It is zero on the
// unscoped routes.
func pathPair(r *http.Request) domain.Pair {
	vars := mux.Vars(r)
	if vars["coin"] == "" {
		return domain.Pair{}
	}
	return domain.NewPair(vars["coin"], vars["quote"])
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// flexUint accepts a client id written as a JSON number or a string.
type flexUint uint64

func (f *flexUint) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) {
			err = numErr.Err
		}
		return fmt.Errorf("client id %q: %w", s, err)
	}
	*f = flexUint(n)
	return nil
}
