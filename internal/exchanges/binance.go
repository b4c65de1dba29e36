package exchanges

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"pricefeed/internal/models"

	"github.com/shopspring/decimal"
)

const (
	BinanceName       = "binance"
	binanceBaseURL    = "https://api.binance.com"
	binanceStreamURL  = "wss://stream.binance.com:9443/ws"
	binanceTickerPath = "/api/v3/ticker/24hr"
)

type binanceTicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	Volume             string `json:"volume"`
	PriceChangePercent string `json:"priceChangePercent"`
	CloseTime          int64  `json:"closeTime"`
}

type binanceStreamEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Bid       string `json:"b"`
	Ask       string `json:"a"`
	Volume    string `json:"v"`
	ChangePct string `json:"P"`
}

// BinanceAdapter talks to the Binance spot REST API and its ticker stream
type BinanceAdapter struct {
	rest       *restClient
	stream     *liveStream
	staleAfter time.Duration
	requestID  int64
}

func NewBinanceAdapter(opts Options) *BinanceAdapter {
	opts = opts.withDefaults(binanceBaseURL, binanceStreamURL)
	a := &BinanceAdapter{
		rest:       newRESTClient(BinanceName, opts),
		staleAfter: opts.StaleAfter,
	}
	a.stream = newLiveStream(BinanceName, streamSpec{
		url:         opts.StreamURL,
		subscribe:   func(native []string) interface{} { return a.streamFrame("SUBSCRIBE", native) },
		unsubscribe: func(native []string) interface{} { return a.streamFrame("UNSUBSCRIBE", native) },
		decode:      decodeBinanceStream,
	}, opts)
	return a
}

func (a *BinanceAdapter) Name() string { return BinanceName }

func (a *BinanceAdapter) Initialize(ctx context.Context) error {
	return a.rest.ping(ctx, "/api/v3/ping")
}

func (a *BinanceAdapter) HealthCheck(ctx context.Context) bool {
	return a.rest.ping(ctx, "/api/v3/ping") == nil
}

func (a *BinanceAdapter) FetchTicker(ctx context.Context, symbol string) *models.Ticker {
	native, err := joinedSymbol(symbol)
	if err != nil {
		return errorTicker(BinanceName, symbol, err)
	}

	var raw binanceTicker
	if err := a.rest.getJSON(ctx, binanceTickerPath, url.Values{"symbol": {native}}, &raw); err != nil {
		return errorTicker(BinanceName, symbol, err)
	}
	return a.toTicker(symbol, raw)
}

func (a *BinanceAdapter) FetchTickers(ctx context.Context, symbols []string) <-chan *models.Ticker {
	return batchFetch(ctx, BinanceName, symbols, joinedSymbol, func(ctx context.Context, native []string) (map[string]*models.Ticker, error) {
		encoded, _ := json.Marshal(native)
		var raw []binanceTicker
		if err := a.rest.getJSON(ctx, binanceTickerPath, url.Values{"symbols": {string(encoded)}}, &raw); err != nil {
			return nil, err
		}
		out := make(map[string]*models.Ticker, len(raw))
		for _, r := range raw {
			out[r.Symbol] = a.toTicker(r.Symbol, r)
		}
		return out, nil
	})
}

func (a *BinanceAdapter) toTicker(symbol string, raw binanceTicker) *models.Ticker {
	price, err := decimal.NewFromString(raw.LastPrice)
	if err != nil {
		return models.NewErrorTicker(BinanceName, symbol, models.ErrorKindUpstreamError, "malformed lastPrice")
	}
	ts := time.Now()
	if raw.CloseTime > 0 {
		ts = time.UnixMilli(raw.CloseTime)
	}
	t := &models.Ticker{
		Symbol:    models.NormalizeSymbol(symbol),
		Exchange:  BinanceName,
		Price:     price,
		Bid:       models.DecimalPtr(raw.BidPrice),
		Ask:       models.DecimalPtr(raw.AskPrice),
		Volume24h: models.DecimalPtr(raw.Volume),
		Change24h: models.DecimalPtr(raw.PriceChangePercent),
		Timestamp: ts,
		Status:    models.TickerActive,
	}
	return t.WithStaleness(a.staleAfter, time.Now())
}

func (a *BinanceAdapter) SupportsLive() bool { return true }

func (a *BinanceAdapter) SubscribeLive(ctx context.Context, symbol string, callback LiveCallback) error {
	native, err := joinedSymbol(symbol)
	if err != nil {
		return err
	}
	return a.stream.Subscribe(native, models.NormalizeSymbol(symbol), callback)
}

func (a *BinanceAdapter) UnsubscribeLive(symbol string) error {
	native, err := joinedSymbol(symbol)
	if err != nil {
		return err
	}
	return a.stream.Unsubscribe(native)
}

func (a *BinanceAdapter) Disconnect() error {
	return a.stream.Close()
}

func (a *BinanceAdapter) streamFrame(method string, native []string) interface{} {
	params := make([]string, len(native))
	for i, n := range native {
		params[i] = strings.ToLower(n) + "@ticker"
	}
	return map[string]interface{}{
		"method": method,
		"params": params,
		"id":     atomic.AddInt64(&a.requestID, 1),
	}
}

func decodeBinanceStream(message []byte) []*models.Ticker {
	var ev binanceStreamEvent
	if err := json.Unmarshal(message, &ev); err != nil || ev.EventType != "24hrTicker" {
		return nil
	}
	price, err := decimal.NewFromString(ev.Close)
	if err != nil {
		return nil
	}
	return []*models.Ticker{{
		Symbol:    ev.Symbol,
		Exchange:  BinanceName,
		Price:     price,
		Bid:       models.DecimalPtr(ev.Bid),
		Ask:       models.DecimalPtr(ev.Ask),
		Volume24h: models.DecimalPtr(ev.Volume),
		Change24h: models.DecimalPtr(ev.ChangePct),
		Timestamp: time.UnixMilli(ev.EventTime),
		Status:    models.TickerActive,
	}}
}
