package tradepost

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func notificationFrame(t *testing.T, id string) []byte {
	t.Helper()
	b, err := EncodeEnvelope(RemoteRecord{Kind: RecordNotification, Notification: Notification{ID: id, Title: "t"}})
	require.NoError(t, err)
	return b
}

// runAdapter runs f in the background and returns a stop func that cancels
// it and returns Run's error.
func runAdapter(f RemoteSyncAdapter, userID string, sink *recordSink) func() error {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx, userID, sink.deliver) }()
	return func() error {
		cancel()
		return <-errCh
	}
}

func TestRealtimeFeed_WebSocket(t *testing.T) {
	var gotToken, gotUser atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws", r.URL.Path)
		gotToken.Store(r.URL.Query().Get("token"))
		gotUser.Store(r.URL.Query().Get("user_id"))

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "")
		ctx := r.Context()
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"authenticated"}`))
		_ = c.Write(ctx, websocket.MessageText, notificationFrame(t, "n1"))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
		_ = c.Write(ctx, websocket.MessageText, notificationFrame(t, "n2"))
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	feed := NewRealtimeFeed(srv.URL, RealtimeConfig{Token: "tok", Transport: TransportWebSocket})
	sink := &recordSink{}
	stop := runAdapter(feed, "u1", sink)

	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, feed.State())
	assert.Equal(t, "tok", gotToken.Load())
	assert.Equal(t, "u1", gotUser.Load())

	require.NoError(t, stop())
	assert.Equal(t, StateDisconnected, feed.State())

	recs := sink.all()
	assert.Equal(t, "n1", recs[0].Notification.ID)
	assert.Equal(t, "n2", recs[1].Notification.ID)
}

func TestRealtimeFeed_WebSocketRejectsUnauthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "")
		_ = c.Write(r.Context(), websocket.MessageText, []byte(`{"type":"error"}`))
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	feed := NewRealtimeFeed(srv.URL, RealtimeConfig{Transport: TransportWebSocket})
	err := feed.Run(context.Background(), "u1", func(RemoteRecord) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authenticated")
}

func sseHandler(t *testing.T, frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": heartbeat\n\n")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}
}

func TestRealtimeFeed_SSE(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t,
		string(notificationFrame(t, "n1")),
		`{"type":"news.created","payload":{"id":"w1","title":"Sale"}}`,
		`not json`,
	))
	defer srv.Close()

	feed := NewRealtimeFeed(srv.URL, RealtimeConfig{Transport: TransportSSE})
	sink := &recordSink{}
	stop := runAdapter(feed, "u1", sink)

	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	recs := sink.all()
	assert.Equal(t, RecordNotification, recs[0].Kind)
	assert.Equal(t, RecordNews, recs[1].Kind)
}

func TestRealtimeFeed_SSEReconnects(t *testing.T) {
	var calls atomic.Int32
	ok := sseHandler(t, string(notificationFrame(t, "n1")))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		ok(w, r)
	}))
	defer srv.Close()

	feed := NewRealtimeFeed(srv.URL, RealtimeConfig{
		Transport:          TransportSSE,
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	sink := &recordSink{}
	stop := runAdapter(feed, "u1", sink)

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
	require.NoError(t, stop())
}

func TestRealtimeFeed_NoReconnectReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	feed := NewRealtimeFeed(srv.URL, RealtimeConfig{Transport: TransportSSE})
	err := feed.Run(context.Background(), "u1", func(RemoteRecord) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestRealtimeFeed_StaleSSEStream(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t))
	defer srv.Close()

	feed := NewRealtimeFeed(srv.URL, RealtimeConfig{Transport: TransportSSE, StaleTimeout: 60 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- feed.Run(context.Background(), "u1", func(RemoteRecord) {}) }()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stale stream was not closed")
	}
}

func TestRealtimeFeed_FromClient(t *testing.T) {
	c := NewClient("tok", WithBaseURL("https://api.example.test/"))
	feed := c.RealtimeFeed(RealtimeConfig{Transport: TransportWebSocket})
	assert.Equal(t, "wss://api.example.test/ws?token=tok&user_id=u1", feed.streamURL("ws", "/ws", "u1"))
	assert.Equal(t, "https://api.example.test/sse?token=tok", feed.streamURL("http", "/sse", ""))
}
