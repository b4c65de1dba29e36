package exchanges

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"pricefeed/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

// fakeBinanceStream answers SUBSCRIBE frames with one 24hrTicker event per param
func fakeBinanceStream(t *testing.T, frames chan<- map[string]interface{}) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var frame map[string]interface{}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frames != nil {
				frames <- frame
			}
			if frame["method"] != "SUBSCRIBE" {
				continue
			}
			for _, p := range frame["params"].([]interface{}) {
				native := strings.ToUpper(strings.TrimSuffix(p.(string), "@ticker"))
				event := map[string]interface{}{
					"e": "24hrTicker",
					"E": time.Now().UnixMilli(),
					"s": native,
					"c": "65000.10",
					"b": "65000.00",
					"a": "65000.20",
					"v": "100",
					"P": "1.5",
				}
				if err := conn.WriteJSON(event); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBinanceLiveSubscription(t *testing.T) {
	frames := make(chan map[string]interface{}, 8)
	srv := fakeBinanceStream(t, frames)

	opts := testOptions("")
	opts.StreamURL = wsURL(srv)
	a := NewBinanceAdapter(opts)
	defer a.Disconnect()

	received := make(chan *models.Ticker, 4)
	require.NoError(t, a.SubscribeLive(context.Background(), "btc/usdt", func(tk *models.Ticker) {
		received <- tk
	}))

	select {
	case tk := <-received:
		assert.Equal(t, "BTC/USDT", tk.Symbol)
		assert.Equal(t, BinanceName, tk.Exchange)
		assert.Equal(t, "65000.1", tk.Price.String())
		assert.Equal(t, models.TickerActive, tk.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no live ticker received")
	}

	frame := <-frames
	assert.Equal(t, "SUBSCRIBE", frame["method"])
	assert.Equal(t, []interface{}{"btcusdt@ticker"}, frame["params"])
}

func TestLiveStreamStopsWhenLastSymbolReleased(t *testing.T) {
	srv := fakeBinanceStream(t, nil)

	opts := testOptions("")
	opts.StreamURL = wsURL(srv)
	a := NewBinanceAdapter(opts)

	received := make(chan *models.Ticker, 4)
	require.NoError(t, a.SubscribeLive(context.Background(), "ETH/USDT", func(tk *models.Ticker) { received <- tk }))

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("no live ticker received")
	}

	require.NoError(t, a.UnsubscribeLive("ETH/USDT"))
	assert.Empty(t, a.stream.Symbols())

	a.stream.mu.Lock()
	running := a.stream.cancel != nil
	a.stream.mu.Unlock()
	assert.False(t, running)

	assert.NoError(t, a.Disconnect())
}

func TestOKXStreamDecode(t *testing.T) {
	a := NewOKXAdapter(testOptions(""))
	msg, _ := json.Marshal(map[string]interface{}{
		"arg":  map[string]string{"channel": "tickers", "instId": "BTC-USDT"},
		"data": []map[string]string{{"instId": "BTC-USDT", "last": "105", "open24h": "100", "ts": itoa(time.Now().UnixMilli())}},
	})

	tickers := a.decodeStream(msg)
	require.Len(t, tickers, 1)
	assert.Equal(t, "BTC-USDT", tickers[0].Symbol)
	assert.Equal(t, "5", tickers[0].Change24h.String())

	assert.Nil(t, a.decodeStream([]byte("pong")))
}

func TestBybitStreamDecode(t *testing.T) {
	tickers := decodeBybitStream([]byte(`{"topic":"tickers.ETHUSDT","ts":1700000000000,"type":"snapshot","data":{"symbol":"ETHUSDT","lastPrice":"3000","volume24h":"12","price24hPcnt":"-0.01"}}`))
	require.Len(t, tickers, 1)
	assert.Equal(t, "ETHUSDT", tickers[0].Symbol)
	assert.Equal(t, "-1", tickers[0].Change24h.String())

	assert.Nil(t, decodeBybitStream([]byte(`{"success":true,"ret_msg":"pong","op":"ping"}`)))
}
