package exchanges

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"pricefeed/internal/models"

	"github.com/shopspring/decimal"
)

const (
	OKXName      = "okx"
	okxBaseURL   = "https://www.okx.com"
	okxStreamURL = "wss://ws.okx.com:8443/ws/v5/public"
)

type okxTicker struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	BidPx   string `json:"bidPx"`
	AskPx   string `json:"askPx"`
	Vol24h  string `json:"vol24h"`
	Open24h string `json:"open24h"`
	Ts      string `json:"ts"`
}

type okxResponse struct {
	Code string      `json:"code"`
	Msg  string      `json:"msg"`
	Data []okxTicker `json:"data"`
}

type okxStreamMessage struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []okxTicker `json:"data"`
}

// OKXAdapter talks to the OKX v5 market API and its public tickers channel
type OKXAdapter struct {
	rest       *restClient
	stream     *liveStream
	staleAfter time.Duration
}

func NewOKXAdapter(opts Options) *OKXAdapter {
	opts = opts.withDefaults(okxBaseURL, okxStreamURL)
	a := &OKXAdapter{
		rest:       newRESTClient(OKXName, opts),
		staleAfter: opts.StaleAfter,
	}
	a.stream = newLiveStream(OKXName, streamSpec{
		url:          opts.StreamURL,
		subscribe:    func(native []string) interface{} { return okxFrame("subscribe", native) },
		unsubscribe:  func(native []string) interface{} { return okxFrame("unsubscribe", native) },
		decode:       a.decodeStream,
		pingInterval: 20 * time.Second,
		pingFrame:    []byte("ping"),
	}, opts)
	return a
}

func (a *OKXAdapter) Name() string { return OKXName }

func (a *OKXAdapter) Initialize(ctx context.Context) error {
	return a.rest.ping(ctx, "/api/v5/public/time")
}

func (a *OKXAdapter) HealthCheck(ctx context.Context) bool {
	return a.rest.ping(ctx, "/api/v5/public/time") == nil
}

func (a *OKXAdapter) FetchTicker(ctx context.Context, symbol string) *models.Ticker {
	native, err := dashedSymbol(symbol)
	if err != nil {
		return errorTicker(OKXName, symbol, err)
	}

	data, err := a.get(ctx, "/api/v5/market/ticker", url.Values{"instId": {native}})
	if err != nil {
		return errorTicker(OKXName, symbol, err)
	}
	if len(data) == 0 {
		return models.NewErrorTicker(OKXName, symbol, models.ErrorKindUpstreamError, "empty ticker data")
	}
	return a.toTicker(symbol, data[0])
}

// FetchTickers uses the all-spot endpoint and picks the requested instruments
func (a *OKXAdapter) FetchTickers(ctx context.Context, symbols []string) <-chan *models.Ticker {
	return batchFetch(ctx, OKXName, symbols, dashedSymbol, func(ctx context.Context, native []string) (map[string]*models.Ticker, error) {
		data, err := a.get(ctx, "/api/v5/market/tickers", url.Values{"instType": {"SPOT"}})
		if err != nil {
			return nil, err
		}
		wanted := make(map[string]struct{}, len(native))
		for _, n := range native {
			wanted[n] = struct{}{}
		}
		out := make(map[string]*models.Ticker, len(native))
		for _, d := range data {
			if _, ok := wanted[d.InstID]; ok {
				out[d.InstID] = a.toTicker(d.InstID, d)
			}
		}
		return out, nil
	})
}

func (a *OKXAdapter) get(ctx context.Context, path string, query url.Values) ([]okxTicker, error) {
	var resp okxResponse
	if err := a.rest.getJSON(ctx, path, query, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" {
		if resp.Code == "50011" {
			return nil, fmt.Errorf("%w: okx code %s: %s", ErrRateLimited, resp.Code, resp.Msg)
		}
		return nil, fmt.Errorf("%w: okx code %s: %s", ErrUpstreamError, resp.Code, resp.Msg)
	}
	return resp.Data, nil
}

func (a *OKXAdapter) toTicker(symbol string, raw okxTicker) *models.Ticker {
	t := okxToTicker(raw)
	if t == nil {
		return models.NewErrorTicker(OKXName, symbol, models.ErrorKindUpstreamError, "malformed last price")
	}
	t.Symbol = models.NormalizeSymbol(symbol)
	return t.WithStaleness(a.staleAfter, time.Now())
}

func okxToTicker(raw okxTicker) *models.Ticker {
	price, err := decimal.NewFromString(raw.Last)
	if err != nil {
		return nil
	}
	ts := time.Now()
	if ms, err := strconv.ParseInt(raw.Ts, 10, 64); err == nil && ms > 0 {
		ts = time.UnixMilli(ms)
	}
	var change *decimal.Decimal
	if open := models.DecimalPtr(raw.Open24h); open != nil {
		change = models.PercentChange(price, *open)
	}
	return &models.Ticker{
		Symbol:    raw.InstID,
		Exchange:  OKXName,
		Price:     price,
		Bid:       models.DecimalPtr(raw.BidPx),
		Ask:       models.DecimalPtr(raw.AskPx),
		Volume24h: models.DecimalPtr(raw.Vol24h),
		Change24h: change,
		Timestamp: ts,
		Status:    models.TickerActive,
	}
}

func (a *OKXAdapter) SupportsLive() bool { return true }

func (a *OKXAdapter) SubscribeLive(ctx context.Context, symbol string, callback LiveCallback) error {
	native, err := dashedSymbol(symbol)
	if err != nil {
		return err
	}
	return a.stream.Subscribe(native, models.NormalizeSymbol(symbol), callback)
}

func (a *OKXAdapter) UnsubscribeLive(symbol string) error {
	native, err := dashedSymbol(symbol)
	if err != nil {
		return err
	}
	return a.stream.Unsubscribe(native)
}

func (a *OKXAdapter) Disconnect() error {
	return a.stream.Close()
}

func (a *OKXAdapter) decodeStream(message []byte) []*models.Ticker {
	var msg okxStreamMessage
	if err := json.Unmarshal(message, &msg); err != nil || msg.Arg.Channel != "tickers" {
		return nil
	}
	out := make([]*models.Ticker, 0, len(msg.Data))
	for _, d := range msg.Data {
		if t := okxToTicker(d); t != nil {
			out = append(out, t)
		}
	}
	return out
}

func okxFrame(op string, native []string) interface{} {
	args := make([]map[string]string, len(native))
	for i, n := range native {
		args[i] = map[string]string{"channel": "tickers", "instId": n}
	}
	return map[string]interface{}{"op": op, "args": args}
}
