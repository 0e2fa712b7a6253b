package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/careline/internal/auth"
	"github.com/mbd888/careline/internal/domain"
	"github.com/mbd888/careline/internal/testutil"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func connected(h *Hub) int {
	return h.Stats()["connectedClients"].(int)
}

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, 0, stats["connectedUsers"])
	assert.Equal(t, int64(0), stats["totalEvents"])
	assert.Equal(t, int64(0), stats["peakClients"])
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)

	a := &Client{hub: h, userID: 7, send: make(chan []byte, 4)}
	b := &Client{hub: h, userID: 7, send: make(chan []byte, 4)}
	h.register <- a
	h.register <- b
	assert.Eventually(t, func() bool { return connected(h) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.Stats()["connectedUsers"])

	h.unregister <- a
	assert.Eventually(t, func() bool { return connected(h) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), h.Stats()["peakClients"])

	// a's channel is closed exactly once; a second unregister is a no-op
	h.unregister <- a
	h.unregister <- b
	assert.Eventually(t, func() bool { return connected(h) == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.Stats()["connectedUsers"])
}

func TestHub_PublishRoutesToRecipientOnly(t *testing.T) {
	h := runHub(t)

	mine := &Client{hub: h, userID: 7, send: make(chan []byte, 4)}
	other := &Client{hub: h, userID: 8, send: make(chan []byte, 4)}
	h.register <- mine
	h.register <- other
	require.Eventually(t, func() bool { return connected(h) == 2 }, time.Second, 10*time.Millisecond)

	h.Publish(&domain.Notification{ID: 1, UserID: 7, Type: domain.NotifyNewOffer, Title: "New offer received"})

	select {
	case msg := <-mine.send:
		var f Frame
		require.NoError(t, json.Unmarshal(msg, &f))
		assert.Equal(t, "notification", f.Type)
		require.NotNil(t, f.Notification)
		assert.Equal(t, int64(1), f.Notification.ID)
		assert.Equal(t, domain.NotifyNewOffer, f.Notification.Type)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
	}

	select {
	case <-other.send:
		t.Fatal("notification leaked to another user")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(1), h.Stats()["totalEvents"])
}

func TestHub_SlowClientDropped(t *testing.T) {
	h := runHub(t)

	slow := &Client{hub: h, userID: 7, send: make(chan []byte)}
	h.register <- slow
	require.Eventually(t, func() bool { return connected(h) == 1 }, time.Second, 10*time.Millisecond)

	h.Publish(&domain.Notification{ID: 1, UserID: 7})
	assert.Eventually(t, func() bool { return connected(h) == 0 }, time.Second, 10*time.Millisecond)

	_, ok := <-slow.send
	assert.False(t, ok)
}

func TestHub_PublishNilIsNoop(t *testing.T) {
	h := testHub()
	h.Publish(nil)
	assert.Len(t, h.broadcast, 0)
}

func TestHub_ContextCancellationClosesClients(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	c := &Client{hub: h, userID: 7, send: make(chan []byte, 1)}
	h.register <- c
	require.Eventually(t, func() bool { return connected(h) == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	_, ok := <-c.send
	assert.False(t, ok)
	assert.Equal(t, 0, connected(h))
}

func TestHandleStream_RequiresUser(t *testing.T) {
	h := runHub(t)
	r := testutil.Router()
	r.GET("/notifications/stream", h.HandleStream)

	w := testutil.Do(t, r, http.MethodGet, "/notifications/stream", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleStream_AfterShutdown(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	<-h.done

	r := testutil.Router()
	r.GET("/notifications/stream", auth.RequireAuth(testutil.JWTSecret), h.HandleStream)
	w := testutil.Do(t, r, http.MethodGet, "/notifications/stream", 7, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleStream_EndToEnd(t *testing.T) {
	h := runHub(t)
	r := testutil.Router()
	r.GET("/notifications/stream", auth.RequireAuth(testutil.JWTSecret), h.HandleStream)
	srv := httptest.NewServer(r)
	defer srv.Close()

	tok, err := auth.NewToken(testutil.JWTSecret, 7, time.Hour)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/notifications/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return connected(h) == 1 }, time.Second, 10*time.Millisecond)
	h.Publish(&domain.Notification{ID: 42, UserID: 7, Type: domain.NotifyPaymentReceived, Title: "Payment received"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	require.NotNil(t, f.Notification)
	assert.Equal(t, int64(42), f.Notification.ID)
	assert.Equal(t, domain.NotifyPaymentReceived, f.Notification.Type)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return connected(h) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUpgraderCheckOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://api.careline.test/notifications/stream", nil)
	assert.True(t, upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "https://api.careline.test")
	assert.True(t, upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.test")
	assert.False(t, upgrader.CheckOrigin(req))
}
