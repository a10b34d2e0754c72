package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serum_rest/internal/domain"
	"serum_rest/internal/solana"
)

// fakePubSub acknowledges every subscribe with a server id and lets the
// test push notifications.
type fakePubSub struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	methods  []string
	serverID uint64
	ready    chan struct{}
}

func newFakePubSub(t *testing.T) (*fakePubSub, string) {
	t.Helper()
	f := &fakePubSub{serverID: 40, ready: make(chan struct{}, 16)}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req rpcRequest
			if json.Unmarshal(msg, &req) != nil {
				continue
			}
			f.mu.Lock()
			f.methods = append(f.methods, req.Method)
			f.serverID++
			id := f.serverID
			f.mu.Unlock()
			f.write(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": id})
			f.ready <- struct{}{}
		}
	}))
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (f *fakePubSub) write(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn.WriteJSON(v)
}

func (f *fakePubSub) notify(method string, sub uint64, result any) {
	f.write(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  map[string]any{"subscription": sub, "result": result},
	})
}

func (f *fakePubSub) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func connectWS(t *testing.T, url string) *WSClient {
	t.Helper()
	ws := NewWSClient(url, "confirmed")
	require.NoError(t, ws.Connect(context.Background()))
	t.Cleanup(ws.Disconnect)
	require.Eventually(t, ws.IsConnected, 2*time.Second, 10*time.Millisecond)
	return ws
}

func waitReady(t *testing.T, f *fakePubSub) {
	t.Helper()
	select {
	case <-f.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never acknowledged")
	}
}

func TestSubscribeSignature(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		f, url := newFakePubSub(t)
		ws := connectWS(t, url)

		ch, cancel, err := ws.SubscribeSignature(context.Background(), solana.Signature{7})
		require.NoError(t, err)
		defer cancel()
		waitReady(t, f)
		// Give the client a moment to record the server id.
		time.Sleep(20 * time.Millisecond)

		f.notify("signatureNotification", 41, map[string]any{
			"context": map[string]any{"slot": 99},
			"value":   map[string]any{"err": nil},
		})
		select {
		case status := <-ch:
			assert.Equal(t, domain.SignatureConfirmed, status.State)
			assert.EqualValues(t, 99, status.Slot)
		case <-time.After(2 * time.Second):
			t.Fatal("no notification delivered")
		}
	})

	t.Run("failed", func(t *testing.T) {
		f, url := newFakePubSub(t)
		ws := connectWS(t, url)

		ch, cancel, err := ws.SubscribeSignature(context.Background(), solana.Signature{8})
		require.NoError(t, err)
		defer cancel()
		waitReady(t, f)
		time.Sleep(20 * time.Millisecond)

		f.notify("signatureNotification", 41, map[string]any{
			"context": map[string]any{"slot": 5},
			"value":   map[string]any{"err": map[string]any{"InstructionError": []any{1, "Custom"}}},
		})
		select {
		case status := <-ch:
			assert.Equal(t, domain.SignatureFailed, status.State)
			assert.Contains(t, status.Err, "InstructionError")
		case <-time.After(2 * time.Second):
			t.Fatal("no notification delivered")
		}
	})

	t.Run("not connected", func(t *testing.T) {
		ws := NewWSClient("ws://127.0.0.1:1", "")
		_, _, err := ws.SubscribeSignature(context.Background(), solana.Signature{1})
		assert.ErrorIs(t, err, domain.ErrNetworkUnavailable)
	})
}

func TestSubscribeAccount(t *testing.T) {
	f, url := newFakePubSub(t)
	ws := connectWS(t, url)

	got := make(chan []byte, 4)
	cancel, err := ws.SubscribeAccount(context.Background(), solana.SysvarRentID, func(data []byte) {
		got <- data
	})
	require.NoError(t, err)
	waitReady(t, f)
	time.Sleep(20 * time.Millisecond)

	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	for range 2 {
		f.notify("accountNotification", 41, map[string]any{
			"context": map[string]any{"slot": 1},
			"value":   map[string]any{"data": []string{payload, "base64"}, "owner": solana.SystemProgramID.String(), "lamports": 1},
		})
	}
	for range 2 {
		select {
		case data := <-got:
			assert.Equal(t, []byte{1, 2, 3}, data)
		case <-time.After(2 * time.Second):
			t.Fatal("account notification missing")
		}
	}

	cancel()
	waitReady(t, f)
	assert.Equal(t, []string{"accountSubscribe", "accountUnsubscribe"}, f.seen())
}

func TestSubscribeAccountBeforeConnect(t *testing.T) {
	f, url := newFakePubSub(t)
	ws := NewWSClient(url, "")

	cancel, err := ws.SubscribeAccount(context.Background(), solana.SysvarRentID, func([]byte) {})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, ws.Connect(context.Background()))
	t.Cleanup(ws.Disconnect)
	waitReady(t, f)
	assert.Equal(t, []string{"accountSubscribe"}, f.seen())
}
