package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestTickerStreamCachesLastPrice runs the stream against a local websocket server.
func TestTickerStreamCachesLastPrice(t *testing.T) {
	subscribed := make(chan []string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req struct {
			Op   string   `json:"op"`
			Args []string `json:"args"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req.Args
		conn.WriteMessage(websocket.TextMessage, []byte(`{"success":true,"ret_msg":"","op":"subscribe"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"tickers.SOLUSDT","type":"snapshot","data":{"symbol":"SOLUSDT","lastPrice":"150.25"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"tickers.SOLUSDT","type":"delta","data":{"symbol":"SOLUSDT","bid1Price":"150.2"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewTickerStream(wsURL, []string{"SOLUSDT"}, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	select {
	case args := <-subscribed:
		assert.Equal(t, []string{"tickers.SOLUSDT"}, args)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription")
	}

	require.Eventually(t, func() bool {
		p, err := stream.GetPrice(ctx, "SOLUSDT")
		return err == nil && p == 150.25
	}, 2*time.Second, 10*time.Millisecond)
}

// TestTickerStreamFallback verifies symbols without a pushed price use the fallback feed.
func TestTickerStreamFallback(t *testing.T) {
	stream := NewTickerStream("", []string{"XRPUSDT"}, staticFeed{"XRPUSDT": 0.52}, zap.NewNop())
	price, err := stream.GetPrice(context.Background(), "XRPUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.52, price)

	bare := NewTickerStream("", nil, nil, zap.NewNop())
	_, err = bare.GetPrice(context.Background(), "XRPUSDT")
	assert.ErrorIs(t, err, ErrInvalidPrice)
}
