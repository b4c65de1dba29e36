package exchanges

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pricefeed/internal/models"

	"github.com/shopspring/decimal"
)

const (
	BybitName      = "bybit"
	bybitBaseURL   = "https://api.bybit.com"
	bybitStreamURL = "wss://stream.bybit.com/v5/public/spot"

	bybitRateLimitCode = 10006
)

var hundred = decimal.NewFromInt(100)

type bybitTicker struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Bid1Price    string `json:"bid1Price"`
	Ask1Price    string `json:"ask1Price"`
	Volume24h    string `json:"volume24h"`
	Price24hPcnt string `json:"price24hPcnt"` // fraction, 0.0123 = 1.23%
}

type bybitResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []bybitTicker `json:"list"`
	} `json:"result"`
	Time int64 `json:"time"`
}

type bybitStreamMessage struct {
	Topic string      `json:"topic"`
	Ts    int64       `json:"ts"`
	Data  bybitTicker `json:"data"`
}

// BybitAdapter talks to the Bybit v5 spot market API and its tickers topic
type BybitAdapter struct {
	rest       *restClient
	stream     *liveStream
	staleAfter time.Duration
}

func NewBybitAdapter(opts Options) *BybitAdapter {
	opts = opts.withDefaults(bybitBaseURL, bybitStreamURL)
	a := &BybitAdapter{
		rest:       newRESTClient(BybitName, opts),
		staleAfter: opts.StaleAfter,
	}
	a.stream = newLiveStream(BybitName, streamSpec{
		url:          opts.StreamURL,
		subscribe:    func(native []string) interface{} { return bybitFrame("subscribe", native) },
		unsubscribe:  func(native []string) interface{} { return bybitFrame("unsubscribe", native) },
		decode:       decodeBybitStream,
		pingInterval: 20 * time.Second,
		pingFrame:    []byte(`{"op":"ping"}`),
	}, opts)
	return a
}

func (a *BybitAdapter) Name() string { return BybitName }

func (a *BybitAdapter) Initialize(ctx context.Context) error {
	return a.rest.ping(ctx, "/v5/market/time")
}

func (a *BybitAdapter) HealthCheck(ctx context.Context) bool {
	return a.rest.ping(ctx, "/v5/market/time") == nil
}

func (a *BybitAdapter) FetchTicker(ctx context.Context, symbol string) *models.Ticker {
	native, err := joinedSymbol(symbol)
	if err != nil {
		return errorTicker(BybitName, symbol, err)
	}

	resp, err := a.get(ctx, url.Values{"category": {"spot"}, "symbol": {native}})
	if err != nil {
		return errorTicker(BybitName, symbol, err)
	}
	if len(resp.Result.List) == 0 {
		return models.NewErrorTicker(BybitName, symbol, models.ErrorKindUpstreamError, "empty ticker list")
	}
	return a.toTicker(symbol, resp.Result.List[0], resp.Time)
}

// FetchTickers requests the whole spot list once and picks the requested symbols
func (a *BybitAdapter) FetchTickers(ctx context.Context, symbols []string) <-chan *models.Ticker {
	return batchFetch(ctx, BybitName, symbols, joinedSymbol, func(ctx context.Context, native []string) (map[string]*models.Ticker, error) {
		resp, err := a.get(ctx, url.Values{"category": {"spot"}})
		if err != nil {
			return nil, err
		}
		wanted := make(map[string]struct{}, len(native))
		for _, n := range native {
			wanted[n] = struct{}{}
		}
		out := make(map[string]*models.Ticker, len(native))
		for _, r := range resp.Result.List {
			if _, ok := wanted[r.Symbol]; ok {
				out[r.Symbol] = a.toTicker(r.Symbol, r, resp.Time)
			}
		}
		return out, nil
	})
}

func (a *BybitAdapter) get(ctx context.Context, query url.Values) (*bybitResponse, error) {
	var resp bybitResponse
	if err := a.rest.getJSON(ctx, "/v5/market/tickers", query, &resp); err != nil {
		return nil, err
	}
	switch resp.RetCode {
	case 0:
		return &resp, nil
	case bybitRateLimitCode:
		return nil, fmt.Errorf("%w: bybit retCode %d: %s", ErrRateLimited, resp.RetCode, resp.RetMsg)
	default:
		return nil, fmt.Errorf("%w: bybit retCode %d: %s", ErrUpstreamError, resp.RetCode, resp.RetMsg)
	}
}

func (a *BybitAdapter) toTicker(symbol string, raw bybitTicker, tsMillis int64) *models.Ticker {
	t := bybitToTicker(raw, tsMillis)
	if t == nil {
		return models.NewErrorTicker(BybitName, symbol, models.ErrorKindUpstreamError, "malformed lastPrice")
	}
	t.Symbol = models.NormalizeSymbol(symbol)
	return t.WithStaleness(a.staleAfter, time.Now())
}

func bybitToTicker(raw bybitTicker, tsMillis int64) *models.Ticker {
	price, err := decimal.NewFromString(raw.LastPrice)
	if err != nil {
		return nil
	}
	ts := time.Now()
	if tsMillis > 0 {
		ts = time.UnixMilli(tsMillis)
	}
	var change *decimal.Decimal
	if pct := models.DecimalPtr(raw.Price24hPcnt); pct != nil {
		v := pct.Mul(hundred)
		change = &v
	}
	return &models.Ticker{
		Symbol:    raw.Symbol,
		Exchange:  BybitName,
		Price:     price,
		Bid:       models.DecimalPtr(raw.Bid1Price),
		Ask:       models.DecimalPtr(raw.Ask1Price),
		Volume24h: models.DecimalPtr(raw.Volume24h),
		Change24h: change,
		Timestamp: ts,
		Status:    models.TickerActive,
	}
}

func (a *BybitAdapter) SupportsLive() bool { return true }

func (a *BybitAdapter) SubscribeLive(ctx context.Context, symbol string, callback LiveCallback) error {
	native, err := joinedSymbol(symbol)
	if err != nil {
		return err
	}
	return a.stream.Subscribe(native, models.NormalizeSymbol(symbol), callback)
}

func (a *BybitAdapter) UnsubscribeLive(symbol string) error {
	native, err := joinedSymbol(symbol)
	if err != nil {
		return err
	}
	return a.stream.Unsubscribe(native)
}

func (a *BybitAdapter) Disconnect() error {
	return a.stream.Close()
}

func decodeBybitStream(message []byte) []*models.Ticker {
	var msg bybitStreamMessage
	if err := json.Unmarshal(message, &msg); err != nil || !strings.HasPrefix(msg.Topic, "tickers.") {
		return nil
	}
	t := bybitToTicker(msg.Data, msg.Ts)
	if t == nil {
		return nil
	}
	return []*models.Ticker{t}
}

func bybitFrame(op string, native []string) interface{} {
	args := make([]string, len(native))
	for i, n := range native {
		args[i] = "tickers." + n
	}
	return map[string]interface{}{"op": op, "args": args}
}
