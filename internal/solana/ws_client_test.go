package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// idleServer accepts connections and discards everything it reads.
func idleServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// confirmAndNotify answers one logsSubscribe with subID and pushes a single
// notification for signature.
func confirmAndNotify(t *testing.T, c *websocket.Conn, subID int64, signature string) bool {
	_, msg, err := c.ReadMessage()
	if err != nil {
		return false
	}

	var req wsRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		t.Errorf("unmarshal request: %v", err)
		return false
	}
	if req.Method != "logsSubscribe" {
		t.Errorf("expected logsSubscribe, got %s", req.Method)
	}

	if err := c.WriteJSON(wsSubscribeResponse{JSONRPC: "2.0", ID: req.ID, Result: subID}); err != nil {
		return false
	}

	time.Sleep(50 * time.Millisecond)
	notif := wsNotification{
		JSONRPC: "2.0",
		Method:  "logsNotification",
		Params: &wsNotificationParams{
			Subscription: subID,
			Result: wsNotificationResult{
				Context: &wsContext{Slot: 100},
				Value: wsLogsValue{
					Signature: signature,
					Logs:      []string{"Program log: Test"},
				},
			},
		},
	}
	return c.WriteJSON(notif) == nil
}

func TestWSClient_Connect(t *testing.T) {
	server := idleServer(t)

	client, err := NewWSClient(context.Background(), wsURL(server), nil, nil)
	require.NoError(t, err)
	defer client.Close()

	assert.False(t, client.closed.Load())
}

func TestWSClient_SubscribeLogs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		if !confirmAndNotify(t, c, 12345, "testsig") {
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	ctx := context.Background()
	client, err := NewWSClient(ctx, wsURL(server), nil, nil)
	require.NoError(t, err)
	defer client.Close()

	ch, err := client.SubscribeLogs(ctx, LogsFilter{Mentions: []string{"wallet1"}})
	require.NoError(t, err)

	select {
	case notif := <-ch:
		assert.Equal(t, "testsig", notif.Signature)
		assert.Len(t, notif.Logs, 1)
		assert.Equal(t, int64(100), notif.Slot)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for notification")
	}
}

func TestWSClient_ResubscribesAfterDrop(t *testing.T) {
	var connections atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		n := connections.Add(1)
		if n == 1 {
			// First connection: confirm, notify, then drop.
			confirmAndNotify(t, c, 1, "before-drop")
			return
		}
		if !confirmAndNotify(t, c, 2, "after-drop") {
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := DefaultWSConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 50 * time.Millisecond

	ctx := context.Background()
	client, err := NewWSClient(ctx, wsURL(server), &cfg, nil)
	require.NoError(t, err)
	defer client.Close()

	ch, err := client.SubscribeLogs(ctx, LogsFilter{Mentions: []string{"wallet1"}})
	require.NoError(t, err)

	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case n := <-ch:
			got = append(got, n.Signature)
		case <-timeout:
			t.Fatalf("timeout, got %v", got)
		}
	}

	assert.Equal(t, []string{"before-drop", "after-drop"}, got)
	assert.GreaterOrEqual(t, connections.Load(), int32(2))
}

func TestWSClient_Close(t *testing.T) {
	server := idleServer(t)

	client, err := NewWSClient(context.Background(), wsURL(server), nil, nil)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.True(t, client.closed.Load())

	// Double close should be safe
	assert.NoError(t, client.Close())
}

func TestWSClient_SubscribeAfterClose(t *testing.T) {
	server := idleServer(t)

	ctx := context.Background()
	client, err := NewWSClient(ctx, wsURL(server), nil, nil)
	require.NoError(t, err)

	client.Close()

	_, err = client.SubscribeLogs(ctx, LogsFilter{})
	assert.ErrorIs(t, err, errClientClosed)
}

func TestWSClient_SubscribeTimeout(t *testing.T) {
	server := idleServer(t)

	cfg := DefaultWSConfig()
	cfg.SubscribeTimeout = 50 * time.Millisecond

	client, err := NewWSClient(context.Background(), wsURL(server), &cfg, nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.SubscribeLogs(context.Background(), LogsFilter{Mentions: []string{"wallet1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription timeout")
}
