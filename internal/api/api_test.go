package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serum_rest/internal/domain"
)

type fakeTrading struct {
	mu        sync.Mutex
	placed    []domain.OrderRequest
	cancelled []domain.CancelRequest
	settled   []domain.Pair
	pairs     []domain.Pair
	err       error
	panicOn   string
}

func (f *fakeTrading) record(op string, pair domain.Pair) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op == f.panicOn {
		panic("boom")
	}
	f.pairs = append(f.pairs, pair)
	return f.err
}

func (f *fakeTrading) PlaceOrder(_ context.Context, req domain.OrderRequest) (uint64, error) {
	if err := f.record("place", req.Pair); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.placed = append(f.placed, req)
	f.mu.Unlock()
	if req.ClientID == 0 {
		return 9223372036854775809, nil
	}
	return req.ClientID, nil
}

func (f *fakeTrading) CancelOrder(_ context.Context, req domain.CancelRequest) error {
	if err := f.record("cancel", req.Pair); err != nil {
		return err
	}
	f.mu.Lock()
	f.cancelled = append(f.cancelled, req)
	f.mu.Unlock()
	return nil
}

func (f *fakeTrading) GetOwnOrders(_ context.Context, pair domain.Pair) ([]domain.OwnOrder, error) {
	if err := f.record("own", pair); err != nil {
		return nil, err
	}
	if pair.IsZero() {
		return nil, nil
	}
	return []domain.OwnOrder{{Market: pair, ClientOrderID: 7, Side: domain.SideBuy}}, nil
}

func (f *fakeTrading) GetBalances(context.Context) ([]domain.Balance, error) {
	return nil, f.record("balances", domain.Pair{})
}

func (f *fakeTrading) SettleFunds(_ context.Context, pair domain.Pair) error {
	if err := f.record("settle", pair); err != nil {
		return err
	}
	f.mu.Lock()
	f.settled = append(f.settled, pair)
	f.mu.Unlock()
	return nil
}

func (f *fakeTrading) Markets(context.Context) ([]domain.MarketInfo, error) {
	if err := f.record("markets", domain.Pair{}); err != nil {
		return nil, err
	}
	return []domain.MarketInfo{{Name: "SOL/USDC", BaseDecimals: 9, QuoteDecimals: 6}}, nil
}

func (f *fakeTrading) OrderBook(_ context.Context, pair domain.Pair) (*domain.OrderBook, error) {
	if err := f.record("book", pair); err != nil {
		return nil, err
	}
	return &domain.OrderBook{}, nil
}

func (f *fakeTrading) Trades(_ context.Context, pair domain.Pair) ([]domain.Fill, error) {
	return nil, f.record("trades", pair)
}

func (f *fakeTrading) Fills(_ context.Context, pair domain.Pair) ([]domain.Fill, error) {
	return nil, f.record("fills", pair)
}

type routeMetrics struct {
	mu     sync.Mutex
	routes []string
}

func (m *routeMetrics) ObserveHTTP(route, method string, status int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, fmt.Sprintf("%s %s %d", method, route, status))
}

func newTestRouter(trading Trading) http.Handler {
	return NewRouter(Options{Trading: trading})
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env Envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestRootGreeting(t *testing.T) {
	rec, _ := do(t, newTestRouter(&fakeTrading{}), http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello from the Serum rest server!", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestHealth(t *testing.T) {
	healthy := NewRouter(Options{Trading: &fakeTrading{}, Health: func(context.Context) error { return nil }})
	rec, env := do(t, healthy, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", env.Status)

	down := NewRouter(Options{Trading: &fakeTrading{}, Health: func(context.Context) error {
		return domain.NewNetworkError("getHealth", errors.New("node is behind"))
	}})
	rec, env = do(t, down, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "error", env.Status)
	assert.Contains(t, env.Message, "node is behind")
}

func TestMarketInfo(t *testing.T) {
	rec, env := do(t, newTestRouter(&fakeTrading{}), http.MethodGet, "/market_info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", env.Status)
	assert.Contains(t, rec.Body.String(), `"name":"SOL/USDC"`)
}

func TestScopedAndUnscopedRoutes(t *testing.T) {
	trading := &fakeTrading{}
	router := newTestRouter(trading)

	rec, _ := do(t, router, http.MethodGet, "/own_orders/sol-usdc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"orders":[{`)
	assert.Contains(t, rec.Body.String(), `"clientId":"7"`)

	rec, _ = do(t, router, http.MethodGet, "/own_orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"orders":[]`)

	do(t, router, http.MethodGet, "/trades/SOL-USDC", "")
	do(t, router, http.MethodGet, "/fills", "")
	do(t, router, http.MethodGet, "/orderbook/RAY-USDC", "")

	assert.Equal(t, []domain.Pair{
		domain.NewPair("SOL", "USDC"),
		{},
		domain.NewPair("SOL", "USDC"),
		{},
		domain.NewPair("RAY", "USDC"),
	}, trading.pairs)
}

func TestPlaceOrder(t *testing.T) {
	trading := &fakeTrading{}
	router := newTestRouter(trading)

	rec, env := do(t, router, http.MethodPost, "/place_order",
		`{"side":"buy","coin":"SOL","priceCurrency":"USDC","quantity":10,"price":"1.5","orderType":"limit","clientId":"123"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ok", env.Status)
	assert.Equal(t, map[string]any{"id": "123"}, env.Data)

	require.Len(t, trading.placed, 1)
	req := trading.placed[0]
	assert.Equal(t, domain.NewPair("SOL", "USDC"), req.Pair)
	assert.Equal(t, domain.SideBuy, req.Side)
	assert.Equal(t, "10", req.Size.String())
	assert.Equal(t, "1.5", req.Price.String())
	assert.Equal(t, uint64(123), req.ClientID)

	// numeric client id
	rec, env = do(t, router, http.MethodPost, "/place_order",
		`{"side":"sell","coin":"SOL","priceCurrency":"USDC","quantity":"1","price":2,"orderType":"ioc","clientId":456}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(456), trading.placed[1].ClientID)
	assert.Equal(t, domain.OrderTypeIOC, trading.placed[1].Type)

	rec, env = do(t, router, http.MethodPost, "/place_order",
		`{"side":"buy","coin":"SOL","priceCurrency":"USDC","quantity":1,"price":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"id": "9223372036854775809"}, env.Data)
}

func TestPlaceOrder_BadRequests(t *testing.T) {
	trading := &fakeTrading{}
	router := newTestRouter(trading)

	cases := map[string]string{
		"malformed":  `{"side":`,
		"bad side":   `{"side":"hold","coin":"SOL","priceCurrency":"USDC","quantity":1,"price":1}`,
		"bad type":   `{"side":"buy","coin":"SOL","priceCurrency":"USDC","quantity":1,"price":1,"orderType":"fok"}`,
		"zero size":  `{"side":"buy","coin":"SOL","priceCurrency":"USDC","quantity":0,"price":1}`,
		"no market":  `{"side":"buy","quantity":1,"price":1}`,
		"bad client": `{"side":"buy","coin":"SOL","priceCurrency":"USDC","quantity":1,"price":1,"clientId":"abc"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec, env := do(t, router, http.MethodPost, "/place_order", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "error", env.Status)
			assert.NotEmpty(t, env.Message)
		})
	}
	assert.Empty(t, trading.placed)
}

func TestCancel(t *testing.T) {
	trading := &fakeTrading{}
	router := newTestRouter(trading)

	rec, _ := do(t, router, http.MethodPost, "/cancel", `{"coin":"SOL","priceCurrency":"USDC","clientOrderId":"42"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, router, http.MethodPost, "/cancel",
		`{"coin":"SOL","priceCurrency":"USDC","orderId":"27670116110564327424000"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, trading.cancelled, 2)
	assert.Equal(t, uint64(42), trading.cancelled[0].ClientID)
	assert.Equal(t, domain.OrderID{Hi: 1500, Lo: 0}, trading.cancelled[1].OrderID)
}

func TestCancel_Validation(t *testing.T) {
	router := newTestRouter(&fakeTrading{})
	cases := []struct {
		body    string
		message string
	}{
		{`{"priceCurrency":"USDC","orderId":"1"}`, "Coin parameter missing from cancel request"},
		{`{"coin":"SOL","orderId":"1"}`, "Price currency parameter missing from cancel request"},
		{`{"coin":"SOL","priceCurrency":"USDC"}`, "Order id and client order id missing from cancel request"},
	}
	for _, tc := range cases {
		rec, env := do(t, router, http.MethodPost, "/cancel", tc.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, tc.message, env.Message)
	}
}

func TestSettle(t *testing.T) {
	trading := &fakeTrading{}
	router := newTestRouter(trading)

	rec, env := do(t, router, http.MethodPost, "/settle", `{"coin":"sol","priceCurrency":"usdc"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", env.Status)
	assert.Equal(t, []domain.Pair{domain.NewPair("SOL", "USDC")}, trading.settled)

	rec, _ = do(t, router, http.MethodPost, "/settle", `{"coin":"SOL"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: DOGE/USDC", domain.ErrUnknownMarket), http.StatusNotFound},
		{domain.ErrOrderNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: SOL/USDC", domain.ErrNoTargetAccount), http.StatusConflict},
		{&domain.TimeoutError{Signature: "sig", After: 15 * time.Second}, http.StatusGatewayTimeout},
		{&domain.TransactionRejectedError{Signature: "sig", Reason: "custom program error: 0x22"}, http.StatusUnprocessableEntity},
		{domain.NewNetworkError("getAccountInfo", errors.New("connection refused")), http.StatusServiceUnavailable},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		router := newTestRouter(&fakeTrading{err: tc.err})
		rec, env := do(t, router, http.MethodGet, "/trades/SOL-USDC", "")
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
		assert.Equal(t, "error", env.Status)
		assert.Equal(t, tc.err.Error(), env.Message)
	}
}

func TestPanicRecovery(t *testing.T) {
	router := newTestRouter(&fakeTrading{panicOn: "balances"})
	rec, env := do(t, router, http.MethodGet, "/balances", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "error", env.Status)
}

func TestRateLimit(t *testing.T) {
	router := NewRouter(Options{Trading: &fakeTrading{}, RateLimitRPS: 0.001, RateLimitBurst: 1})

	rec, _ := do(t, router, http.MethodGet, "/balances", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, env := do(t, router, http.MethodGet, "/balances", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", env.Message)

	// the greeting is not rate limited
	rec, _ = do(t, router, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	router := newTestRouter(&fakeTrading{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestAccessLogObservesRouteTemplate(t *testing.T) {
	metrics := &routeMetrics{}
	router := NewRouter(Options{Trading: &fakeTrading{}, Metrics: metrics})

	do(t, router, http.MethodGet, "/orderbook/SOL-USDC", "")
	do(t, router, http.MethodPost, "/settle", `{}`)

	assert.Equal(t, []string{
		"GET /orderbook/{coin:[A-Za-z0-9]+}-{quote:[A-Za-z0-9]+} 200",
		"POST /settle 400",
	}, metrics.routes)
}

func TestUnknownRoute(t *testing.T) {
	rec, env := do(t, newTestRouter(&fakeTrading{}), http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "error", env.Status)
}

func TestFlexUint(t *testing.T) {
	var v struct {
		ID flexUint `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"id":"18446744073709551615"}`), &v))
	assert.Equal(t, flexUint(^uint64(0)), v.ID)
	require.NoError(t, json.Unmarshal([]byte(`{"id":null}`), &v))
	assert.Zero(t, v.ID)
	assert.Error(t, json.Unmarshal([]byte(`{"id":-1}`), &v))
}

type fakeJournal struct {
	records []domain.SubmissionRecord
	limit   int
}

func (j *fakeJournal) RecentSubmissions(limit int) ([]domain.SubmissionRecord, error) {
	j.limit = limit
	return j.records, nil
}

func (j *fakeJournal) GetSubmission(signature string) (*domain.SubmissionRecord, error) {
	for i := range j.records {
		if j.records[i].Signature == signature {
			return &j.records[i], nil
		}
	}
	return nil, nil
}

func TestSubmissions(t *testing.T) {
	journal := &fakeJournal{records: []domain.SubmissionRecord{
		{Signature: "5VERv8NMvzbJ", Label: "place SOL/USDC", State: domain.SubmissionConfirmed},
	}}
	router := NewRouter(Options{Trading: &fakeTrading{}, Journal: journal})

	rec, _ := do(t, router, http.MethodGet, "/submissions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, journal.limit)
	assert.Contains(t, rec.Body.String(), `"label":"place SOL/USDC"`)

	do(t, router, http.MethodGet, "/submissions?limit=10000", "")
	assert.Equal(t, 500, journal.limit)

	rec, _ = do(t, router, http.MethodGet, "/submissions?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, router, http.MethodGet, "/submissions/5VERv8NMvzbJ", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env := do(t, router, http.MethodGet, "/submissions/111", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "submission not found", env.Message)
}
