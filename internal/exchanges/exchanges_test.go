package exchanges

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pricefeed/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(baseURL string) Options {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return Options{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 2 * time.Second},
		Logger:     logger,
	}
}

func serveJSON(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(ch <-chan *models.Ticker) []*models.Ticker {
	var out []*models.Ticker
	for t := range ch {
		out = append(out, t)
	}
	return out
}

func TestSymbolConventions(t *testing.T) {
	joined, err := joinedSymbol("btc/usdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", joined)

	dashed, err := dashedSymbol("BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", dashed)

	underscored, err := underscoredSymbol("eth/usdt")
	require.NoError(t, err)
	assert.Equal(t, "ETH_USDT", underscored)

	kraken, err := krakenSymbol("BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "XBTUSDT", kraken)

	kraken, err = krakenSymbol("ETH/USD")
	require.NoError(t, err)
	assert.Equal(t, "ETHUSD", kraken)

	_, err = joinedSymbol("BTCUSDT")
	assert.ErrorIs(t, err, models.ErrInvalidSymbol)
}

func TestBinanceFetchTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"BTCUSDT","lastPrice":"65000.50","bidPrice":"65000.00","askPrice":"65001.00","volume":"1234.5","priceChangePercent":"2.10","closeTime":` +
			itoa(time.Now().UnixMilli()) + `}`))
	}))
	defer srv.Close()

	a := NewBinanceAdapter(testOptions(srv.URL))
	ticker := a.FetchTicker(context.Background(), "btc/usdt")

	require.False(t, ticker.IsError(), ticker.ErrorMessage)
	assert.Equal(t, "BTC/USDT", ticker.Symbol)
	assert.Equal(t, BinanceName, ticker.Exchange)
	assert.True(t, ticker.Price.Equal(decimal.RequireFromString("65000.50")))
	require.NotNil(t, ticker.Bid)
	assert.True(t, ticker.Bid.Equal(decimal.RequireFromString("65000")))
	require.NotNil(t, ticker.Change24h)
	assert.Equal(t, "2.1", ticker.Change24h.String())
	assert.Equal(t, models.TickerActive, ticker.Status)
}

func TestBinanceFetchTickersKeepsRequestOrder(t *testing.T) {
	srv := serveJSON(t, map[string]string{
		"/api/v3/ticker/24hr": `[
			{"symbol":"ETHUSDT","lastPrice":"3000","closeTime":0},
			{"symbol":"BTCUSDT","lastPrice":"65000","closeTime":0}
		]`,
	})

	a := NewBinanceAdapter(testOptions(srv.URL))
	tickers := collect(a.FetchTickers(context.Background(), []string{"BTC/USDT", "bad", "ETH/USDT", "DOGE/USDT"}))

	require.Len(t, tickers, 4)
	assert.Equal(t, "BTC/USDT", tickers[0].Symbol)
	assert.True(t, tickers[0].Price.Equal(decimal.NewFromInt(65000)))
	assert.Equal(t, models.ErrorKindInvalidSymbol, tickers[1].ErrorKind)
	assert.Equal(t, "ETH/USDT", tickers[2].Symbol)
	assert.False(t, tickers[2].IsError())
	assert.Equal(t, models.TickerError, tickers[3].Status, "symbol absent from batch response")
}

func TestFetchErrorsBecomeErrorTickers(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   models.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, models.ErrorKindRateLimited},
		{"ip banned", http.StatusTeapot, `{}`, models.ErrorKindRateLimited},
		{"server error", http.StatusInternalServerError, `oops`, models.ErrorKindUpstreamError},
		{"malformed body", http.StatusOK, `{"lastPrice":`, models.ErrorKindUpstreamError},
		{"malformed price", http.StatusOK, `{"lastPrice":"abc"}`, models.ErrorKindUpstreamError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			ticker := NewBinanceAdapter(testOptions(srv.URL)).FetchTicker(context.Background(), "BTC/USDT")
			assert.Equal(t, models.TickerError, ticker.Status)
			assert.Equal(t, tt.want, ticker.ErrorKind)
			assert.True(t, ticker.Price.IsZero())
			assert.NotEmpty(t, ticker.ErrorMessage)
		})
	}
}

func TestFetchTimeoutBecomesErrorTicker(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ticker := NewCoinbaseAdapter(testOptions(srv.URL)).FetchTicker(ctx, "BTC/USD")
	assert.Equal(t, models.ErrorKindUpstreamTimeout, ticker.ErrorKind)
}

func TestOKXFetchTicker(t *testing.T) {
	srv := serveJSON(t, map[string]string{
		"/api/v5/market/ticker": `{"code":"0","msg":"","data":[{"instId":"BTC-USDT","last":"110","bidPx":"109.5","askPx":"110.5","vol24h":"42","open24h":"100","ts":"` +
			itoa(time.Now().UnixMilli()) + `"}]}`,
	})

	ticker := NewOKXAdapter(testOptions(srv.URL)).FetchTicker(context.Background(), "BTC/USDT")
	require.False(t, ticker.IsError(), ticker.ErrorMessage)
	assert.Equal(t, "BTC/USDT", ticker.Symbol)
	require.NotNil(t, ticker.Change24h)
	assert.True(t, ticker.Change24h.Equal(decimal.NewFromInt(10)))
}

func TestOKXErrorCode(t *testing.T) {
	srv := serveJSON(t, map[string]string{
		"/api/v5/market/ticker": `{"code":"51001","msg":"Instrument ID does not exist","data":[]}`,
	})

	ticker := NewOKXAdapter(testOptions(srv.URL)).FetchTicker(context.Background(), "NOPE/USDT")
	assert.Equal(t, models.ErrorKindUpstreamError, ticker.ErrorKind)
	assert.Contains(t, ticker.ErrorMessage, "51001")
}

func TestBybitChangeIsPercent(t *testing.T) {
	srv := serveJSON(t, map[string]string{
		"/v5/market/tickers": `{"retCode":0,"retMsg":"OK","result":{"list":[{"symbol":"BTCUSDT","lastPrice":"65000","bid1Price":"64999","ask1Price":"65001","volume24h":"10","price24hPcnt":"0.0125"}]},"time":` +
			itoa(time.Now().UnixMilli()) + `}`,
	})

	ticker := NewBybitAdapter(testOptions(srv.URL)).FetchTicker(context.Background(), "BTC/USDT")
	require.False(t, ticker.IsError(), ticker.ErrorMessage)
	require.NotNil(t, ticker.Change24h)
	assert.Equal(t, "1.25", ticker.Change24h.String())
}

func TestBybitRateLimitCode(t *testing.T) {
	srv := serveJSON(t, map[string]string{
		"/v5/market/tickers": `{"retCode":10006,"retMsg":"Too many visits!","result":{"list":[]}}`,
	})

	ticker := NewBybitAdapter(testOptions(srv.URL)).FetchTicker(context.Background(), "BTC/USDT")
	assert.Equal(t, models.ErrorKindRateLimited, ticker.ErrorKind)
}

func TestKrakenFetchTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "XBTUSDT", r.URL.Query().Get("pair"))
		w.Write([]byte(`{"error":[],"result":{"XBTUSDT":{"a":["65001.0","1","1.000"],"b":["64999.0","1","1.000"],"c":["65000.0","0.1"],"v":["100.0","250.5"],"o":"60000.0"}}}`))
	}))
	defer srv.Close()

	ticker := NewKrakenAdapter(testOptions(srv.URL)).FetchTicker(context.Background(), "BTC/USDT")
	require.False(t, ticker.IsError(), ticker.ErrorMessage)
	assert.Equal(t, "BTC/USDT", ticker.Symbol)
	assert.True(t, ticker.Price.Equal(decimal.NewFromInt(65000)))
	require.NotNil(t, ticker.Volume24h)
	assert.Equal(t, "250.5", ticker.Volume24h.String())
	require.NotNil(t, ticker.Ask)
	assert.True(t, ticker.Ask.Equal(decimal.NewFromInt(65001)))
}

func TestKrakenErrorField(t *testing.T) {
	srv := serveJSON(t, map[string]string{
		"/0/public/Ticker": `{"error":["EQuery:Unknown asset pair"],"result":{}}`,
	})

	ticker := NewKrakenAdapter(testOptions(srv.URL)).FetchTicker(context.Background(), "FOO/BAR")
	assert.Equal(t, models.ErrorKindInvalidSymbol, ticker.ErrorKind)
}

func TestGateIOFetchTickers(t *testing.T) {
	srv := serveJSON(t, map[string]string{
		"/api/v4/spot/tickers": `[
			{"currency_pair":"BTC_USDT","last":"65000","lowest_ask":"65001","highest_bid":"64999","change_percentage":"-1.5","base_volume":"99"},
			{"currency_pair":"ETH_USDT","last":"3000","lowest_ask":"3001","highest_bid":"2999","change_percentage":"0.5","base_volume":"500"},
			{"currency_pair":"XRP_USDT","last":"0.5"}
		]`,
	})

	tickers := collect(NewGateIOAdapter(testOptions(srv.URL)).FetchTickers(context.Background(), []string{"ETH/USDT", "BTC/USDT"}))
	require.Len(t, tickers, 2)
	assert.Equal(t, "ETH/USDT", tickers[0].Symbol)
	assert.Equal(t, "BTC/USDT", tickers[1].Symbol)
	require.NotNil(t, tickers[1].Change24h)
	assert.Equal(t, "-1.5", tickers[1].Change24h.String())
}

func TestCoinbaseFetchTickersConcurrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/products/BTC-USD/"):
			w.Write([]byte(`{"price":"65000","bid":"64999","ask":"65001","volume":"10","time":"` + time.Now().UTC().Format(time.RFC3339Nano) + `"}`))
		case strings.HasPrefix(r.URL.Path, "/products/ETH-USD/"):
			w.Write([]byte(`{"price":"3000","volume":"100","time":"` + time.Now().UTC().Format(time.RFC3339Nano) + `"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"NotFound"}`))
		}
	}))
	defer srv.Close()

	tickers := collect(NewCoinbaseAdapter(testOptions(srv.URL)).FetchTickers(context.Background(), []string{"BTC/USD", "ETH/USD", "NOPE/USD"}))
	require.Len(t, tickers, 3)

	bySymbol := make(map[string]*models.Ticker)
	for _, tk := range tickers {
		bySymbol[tk.Symbol] = tk
	}
	assert.False(t, bySymbol["BTC/USD"].IsError())
	assert.False(t, bySymbol["ETH/USD"].IsError())
	assert.Equal(t, models.ErrorKindUpstreamError, bySymbol["NOPE/USD"].ErrorKind)
}

func TestStaleTimestampMarksTicker(t *testing.T) {
	old := time.Now().Add(-10 * time.Minute).UnixMilli()
	srv := serveJSON(t, map[string]string{
		"/api/v3/ticker/24hr": `{"symbol":"BTCUSDT","lastPrice":"1","closeTime":` + itoa(old) + `}`,
	})

	opts := testOptions(srv.URL)
	opts.StaleAfter = 2 * time.Minute
	ticker := NewBinanceAdapter(opts).FetchTicker(context.Background(), "BTC/USDT")
	assert.Equal(t, models.TickerStale, ticker.Status)
}

func TestHealthCheck(t *testing.T) {
	srv := serveJSON(t, map[string]string{"/api/v3/ping": `{}`})

	a := NewBinanceAdapter(testOptions(srv.URL))
	assert.True(t, a.HealthCheck(context.Background()))
	require.NoError(t, a.Initialize(context.Background()))

	down := NewGateIOAdapter(testOptions(srv.URL))
	assert.False(t, down.HealthCheck(context.Background()))
	assert.Error(t, down.Initialize(context.Background()))
}

func TestPollOnlyAdaptersIgnoreLiveCalls(t *testing.T) {
	for _, a := range []Adapter{
		NewCoinbaseAdapter(testOptions("http://127.0.0.1:0")),
		NewKrakenAdapter(testOptions("http://127.0.0.1:0")),
		NewGateIOAdapter(testOptions("http://127.0.0.1:0")),
	} {
		assert.False(t, a.SupportsLive(), a.Name())
		assert.NoError(t, a.SubscribeLive(context.Background(), "BTC/USDT", func(*models.Ticker) {}))
		assert.NoError(t, a.UnsubscribeLive("BTC/USDT"))
		assert.NoError(t, a.Disconnect())
		assert.NoError(t, a.Disconnect())
	}
}

func TestNew(t *testing.T) {
	for _, name := range Names {
		a, err := New(name, testOptions(""))
		require.NoError(t, err)
		assert.Equal(t, name, a.Name())
	}
	_, err := New("mtgox", testOptions(""))
	assert.Error(t, err)
}

func TestBatchFetchRequestsEachNativeSymbolOnce(t *testing.T) {
	convert := func(symbol string) (string, error) {
		return strings.ReplaceAll(models.NormalizeSymbol(symbol), "/", ""), nil
	}
	var requested []string
	fetch := func(_ context.Context, native []string) (map[string]*models.Ticker, error) {
		requested = native
		out := make(map[string]*models.Ticker, len(native))
		for _, n := range native {
			out[n] = &models.Ticker{Exchange: "test", Price: decimal.NewFromInt(1), Status: models.TickerActive}
		}
		return out, nil
	}

	var got []*models.Ticker
	for tk := range batchFetch(context.Background(), "test", []string{"btc/usdt", "BTC/USDT", "ETH/USDT"}, convert, fetch) {
		got = append(got, tk)
	}

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, requested)
	require.Len(t, got, 3)
	for _, tk := range got {
		assert.False(t, tk.IsError())
	}
	assert.Equal(t, "BTC/USDT", got[0].Symbol)
	assert.Equal(t, "BTC/USDT", got[1].Symbol)
}
