package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"serum_rest/internal/domain"
	"serum_rest/internal/solana"
)

const (
	pingInterval     = 30 * time.Second
	readTimeout      = 60 * time.Second
	handshakeTimeout = 10 * time.Second
)

var ErrNotConnected = errors.New("websocket not connected")

type subscription struct {
	method      string
	unsubscribe string
	params      []any
	oneShot     bool
	onNotify    func(result json.RawMessage)

	serverID uint64
	active   bool
}

type wsMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// WSClient is a Solana pub-sub client. It reconnects on failure and
// re-issues every live subscription on the new connection.
type WSClient struct {
	url        string
	commitment string

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	subMu   sync.Mutex
	nextID  uint64
	pending map[uint64]*subscription // request id -> awaiting server id
	byID    map[uint64]*subscription // server id -> subscription
	subs    map[*subscription]struct{}

	logger *slog.Logger
}

// NewWSClient creates a pub-sub client for url.
func NewWSClient(url, commitment string) *WSClient {
	if commitment == "" {
		commitment = "confirmed"
	}
	return &WSClient{
		url:        url,
		commitment: commitment,
		pending:    make(map[uint64]*subscription),
		byID:       make(map[uint64]*subscription),
		subs:       make(map[*subscription]struct{}),
		logger:     slog.Default().With("module", "rpc_ws"),
	}
}

func (w *WSClient) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

func (w *WSClient) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

func (w *WSClient) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	retry := backoff.NewExponentialBackOff()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			delay := retry.NextBackOff()
			w.logger.Warn("Websocket connection failed", slog.Any("error", err), slog.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		retry.Reset()

		connCtx, stopPing := context.WithCancel(ctx)
		go w.pingLoop(connCtx)
		w.readLoop(ctx)
		stopPing()
	}
}

func (w *WSClient) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	if err := w.resubscribe(); err != nil {
		w.closeConnection()
		return err
	}
	w.logger.Info("Websocket connected", "url", w.url)
	return nil
}

// resubscribe sends every registered subscription on the current connection.
func (w *WSClient) resubscribe() error {
	w.subMu.Lock()
	clear(w.pending)
	clear(w.byID)
	subs := make([]*subscription, 0, len(w.subs))
	for s := range w.subs {
		s.active = false
		subs = append(subs, s)
	}
	w.subMu.Unlock()

	for _, s := range subs {
		if err := w.sendSubscribe(s); err != nil {
			return err
		}
	}
	return nil
}

func (w *WSClient) sendSubscribe(s *subscription) error {
	w.subMu.Lock()
	w.nextID++
	id := w.nextID
	w.pending[id] = s
	w.subMu.Unlock()

	b, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: s.method, Params: s.params})
	if err != nil {
		return err
	}
	if err := w.threadSafeWrite(websocket.TextMessage, b); err != nil {
		w.subMu.Lock()
		delete(w.pending, id)
		w.subMu.Unlock()
		return err
	}
	return nil
}

func (w *WSClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				w.logger.Debug("Ping failed", slog.Any("error", err))
			}
		}
	}
}

func (w *WSClient) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return ErrNotConnected
	}
	return w.conn.WriteMessage(msgType, data)
}

func (w *WSClient) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("Websocket read failed", slog.Any("error", err))
			}
			w.closeConnection()
			return
		}
		w.handleMessage(msg)
	}
}

func (w *WSClient) handleMessage(msg []byte) {
	var m wsMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		w.logger.Debug("Unparseable websocket message", slog.Any("error", err))
		return
	}

	if m.ID != nil {
		w.handleResponse(*m.ID, &m)
		return
	}
	if m.Params == nil || !strings.HasSuffix(m.Method, "Notification") {
		return
	}

	w.subMu.Lock()
	s, ok := w.byID[m.Params.Subscription]
	if ok && s.oneShot {
		delete(w.byID, m.Params.Subscription)
		delete(w.subs, s)
		s.active = false
	}
	w.subMu.Unlock()
	if ok {
		s.onNotify(m.Params.Result)
	}
}

func (w *WSClient) handleResponse(id uint64, m *wsMessage) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	s, ok := w.pending[id]
	if !ok {
		return
	}
	delete(w.pending, id)
	if m.Error != nil {
		w.logger.Warn("Subscription rejected", "method", s.method, slog.Any("error", m.Error))
		delete(w.subs, s)
		return
	}
	var serverID uint64
	if err := json.Unmarshal(m.Result, &serverID); err != nil {
		return
	}
	if _, live := w.subs[s]; !live {
		// Cancelled before the server answered.
		go w.sendUnsubscribe(s.unsubscribe, serverID)
		return
	}
	s.serverID = serverID
	s.active = true
	w.byID[serverID] = s
}

func (w *WSClient) sendUnsubscribe(method string, serverID uint64) {
	w.subMu.Lock()
	w.nextID++
	id := w.nextID
	w.subMu.Unlock()
	b, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: []any{serverID}})
	if err != nil {
		return
	}
	if err := w.threadSafeWrite(websocket.TextMessage, b); err != nil {
		w.logger.Debug("Unsubscribe failed", "method", method, slog.Any("error", err))
	}
}

// register adds s and subscribes it now if connected. The returned
// cancel func removes it.
func (w *WSClient) register(s *subscription) (func(), error) {
	w.subMu.Lock()
	w.subs[s] = struct{}{}
	w.subMu.Unlock()

	cancel := sync.OnceFunc(func() {
		w.subMu.Lock()
		_, live := w.subs[s]
		delete(w.subs, s)
		active, serverID := s.active, s.serverID
		if active {
			delete(w.byID, serverID)
			s.active = false
		}
		w.subMu.Unlock()
		if live && active {
			w.sendUnsubscribe(s.unsubscribe, serverID)
		}
	})

	if !w.IsConnected() {
		return cancel, ErrNotConnected
	}
	if err := w.sendSubscribe(s); err != nil {
		return cancel, err
	}
	return cancel, nil
}

// SubscribeSignature yields the status of sig once it reaches the
// configured commitment.
func (w *WSClient) SubscribeSignature(ctx context.Context, sig solana.Signature) (<-chan domain.SignatureStatus, func(), error) {
	ch := make(chan domain.SignatureStatus, 1)
	s := &subscription{
		method:      "signatureSubscribe",
		unsubscribe: "signatureUnsubscribe",
		params:      []any{sig.String(), commitmentConfig{Commitment: w.commitment}},
		oneShot:     true,
	}
	s.onNotify = func(result json.RawMessage) {
		var n struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Err json.RawMessage `json:"err"`
			} `json:"value"`
		}
		if err := json.Unmarshal(result, &n); err != nil {
			w.logger.Warn("Bad signature notification", slog.Any("error", err))
			return
		}
		status := domain.SignatureStatus{State: domain.SignatureConfirmed, Slot: n.Context.Slot}
		if len(n.Value.Err) > 0 && string(n.Value.Err) != "null" {
			status = domain.SignatureStatus{State: domain.SignatureFailed, Err: string(n.Value.Err), Slot: n.Context.Slot}
		}
		select {
		case ch <- status:
		default:
		}
	}

	cancel, err := w.register(s)
	if err != nil {
		cancel()
		return nil, nil, domain.NewNetworkError("signatureSubscribe", err)
	}
	return ch, cancel, nil
}

// SubscribeAccount calls onChange with the account data on every change.
// The subscription survives reconnects until cancelled; when the socket is
// down it is registered and sent on the next connect.
func (w *WSClient) SubscribeAccount(ctx context.Context, address solana.PublicKey, onChange func(data []byte)) (func(), error) {
	s := &subscription{
		method:      "accountSubscribe",
		unsubscribe: "accountUnsubscribe",
		params:      []any{address.String(), commitmentConfig{Commitment: w.commitment, Encoding: "base64"}},
	}
	s.onNotify = func(result json.RawMessage) {
		var n struct {
			Value *accountData `json:"value"`
		}
		if err := json.Unmarshal(result, &n); err != nil || n.Value == nil {
			return
		}
		data, err := n.Value.decode()
		if err != nil {
			w.logger.Warn("Bad account notification", "address", address.String(), slog.Any("error", err))
			return
		}
		onChange(data)
	}

	cancel, err := w.register(s)
	if err != nil && !errors.Is(err, ErrNotConnected) {
		cancel()
		return nil, domain.NewNetworkError("accountSubscribe", err)
	}
	return cancel, nil
}

func (w *WSClient) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
}

func (w *WSClient) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}
