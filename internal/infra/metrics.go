package infra

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports RPC, cache, transaction and HTTP metrics to Prometheus.
// It implements the observer interfaces of the rpc, cache and engine
// packages.
type Metrics struct {
	registry *prometheus.Registry

	rpcRequests *prometheus.CounterVec
	rpcLatency  *prometheus.HistogramVec

	cacheRequests  *prometheus.CounterVec
	cacheRefreshes *prometheus.CounterVec

	transactions *prometheus.CounterVec
	resends      *prometheus.CounterVec
	confirmation *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	wsConnected prometheus.Gauge
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serum_rpc_requests_total",
			Help: "JSON-RPC calls by method and result.",
		}, []string{"method", "result"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "serum_rpc_duration_seconds",
			Help:    "JSON-RPC call latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serum_cache_requests_total",
			Help: "Cache reads by cache and hit or miss.",
		}, []string{"cache", "result"}),
		cacheRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serum_cache_refreshes_total",
			Help: "Cache refreshes by cache and result.",
		}, []string{"cache", "result"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serum_transactions_total",
			Help: "Engine sends by kind and terminal state.",
		}, []string{"kind", "state"}),
		resends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serum_transaction_resends_total",
			Help: "Raw transaction resends by kind.",
		}, []string{"kind"}),
		confirmation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "serum_transaction_duration_seconds",
			Help:    "Time from build to terminal state.",
			Buckets: []float64{0.5, 1, 2, 3, 5, 8, 12, 15, 20},
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serum_http_requests_total",
			Help: "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "serum_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		wsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "serum_ws_connected",
			Help: "1 while the pub-sub websocket is connected.",
		}),
	}
	reg.MustRegister(
		m.rpcRequests, m.rpcLatency,
		m.cacheRequests, m.cacheRefreshes,
		m.transactions, m.resends, m.confirmation,
		m.httpRequests, m.httpLatency,
		m.wsConnected,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveRPC records one JSON-RPC call.
func (m *Metrics) ObserveRPC(method string, d time.Duration, err error) {
	m.rpcRequests.WithLabelValues(method, result(err)).Inc()
	m.rpcLatency.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveCache records a cache read.
func (m *Metrics) ObserveCache(name string, hit bool) {
	r := "miss"
	if hit {
		r = "hit"
	}
	m.cacheRequests.WithLabelValues(name, r).Inc()
}

// ObserveRefresh records a cache refresh.
func (m *Metrics) ObserveRefresh(name string, err error) {
	m.cacheRefreshes.WithLabelValues(name, result(err)).Inc()
}

// ObserveTransaction records the outcome of one engine send. The kind is
// the first word of the label, e.g. "place" for "place SOL/USDC".
func (m *Metrics) ObserveTransaction(label, state string, resends int, d time.Duration) {
	kind, _, _ := strings.Cut(label, " ")
	m.transactions.WithLabelValues(kind, state).Inc()
	if resends > 0 {
		m.resends.WithLabelValues(kind).Add(float64(resends))
	}
	m.confirmation.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route).Observe(d.Seconds())
}

// SetWSConnected reports the pub-sub connection state.
func (m *Metrics) SetWSConnected(connected bool) {
	if connected {
		m.wsConnected.Set(1)
	} else {
		m.wsConnected.Set(0)
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
