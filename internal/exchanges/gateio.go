package exchanges

import (
	"context"
	"net/url"
	"time"

	"pricefeed/internal/models"

	"github.com/shopspring/decimal"
)

const (
	GateIOName    = "gateio"
	gateioBaseURL = "https://api.gateio.ws"
)

type gateioTicker struct {
	CurrencyPair     string `json:"currency_pair"`
	Last             string `json:"last"`
	LowestAsk        string `json:"lowest_ask"`
	HighestBid       string `json:"highest_bid"`
	ChangePercentage string `json:"change_percentage"`
	BaseVolume       string `json:"base_volume"`
}

// GateIOAdapter polls the Gate.io v4 spot tickers endpoint
type GateIOAdapter struct {
	pollOnly
	rest *restClient
}

func NewGateIOAdapter(opts Options) *GateIOAdapter {
	opts = opts.withDefaults(gateioBaseURL, "")
	return &GateIOAdapter{rest: newRESTClient(GateIOName, opts)}
}

func (a *GateIOAdapter) Name() string { return GateIOName }

func (a *GateIOAdapter) Initialize(ctx context.Context) error {
	return a.rest.ping(ctx, "/api/v4/spot/time")
}

func (a *GateIOAdapter) HealthCheck(ctx context.Context) bool {
	return a.rest.ping(ctx, "/api/v4/spot/time") == nil
}

func (a *GateIOAdapter) FetchTicker(ctx context.Context, symbol string) *models.Ticker {
	native, err := underscoredSymbol(symbol)
	if err != nil {
		return errorTicker(GateIOName, symbol, err)
	}

	var raw []gateioTicker
	if err := a.rest.getJSON(ctx, "/api/v4/spot/tickers", url.Values{"currency_pair": {native}}, &raw); err != nil {
		return errorTicker(GateIOName, symbol, err)
	}
	if len(raw) == 0 {
		return models.NewErrorTicker(GateIOName, symbol, models.ErrorKindUpstreamError, "empty ticker list")
	}
	return gateioToTicker(symbol, raw[0])
}

// FetchTickers pulls every spot pair in one request and picks the requested ones
func (a *GateIOAdapter) FetchTickers(ctx context.Context, symbols []string) <-chan *models.Ticker {
	return batchFetch(ctx, GateIOName, symbols, underscoredSymbol, func(ctx context.Context, native []string) (map[string]*models.Ticker, error) {
		var raw []gateioTicker
		if err := a.rest.getJSON(ctx, "/api/v4/spot/tickers", nil, &raw); err != nil {
			return nil, err
		}
		wanted := make(map[string]struct{}, len(native))
		for _, n := range native {
			wanted[n] = struct{}{}
		}
		out := make(map[string]*models.Ticker, len(native))
		for _, r := range raw {
			if _, ok := wanted[r.CurrencyPair]; ok {
				out[r.CurrencyPair] = gateioToTicker(r.CurrencyPair, r)
			}
		}
		return out, nil
	})
}

// Gate.io tickers carry no timestamp, so they are stamped on receipt
func gateioToTicker(symbol string, raw gateioTicker) *models.Ticker {
	price, err := decimal.NewFromString(raw.Last)
	if err != nil {
		return models.NewErrorTicker(GateIOName, symbol, models.ErrorKindUpstreamError, "malformed last price")
	}
	return &models.Ticker{
		Symbol:    models.NormalizeSymbol(symbol),
		Exchange:  GateIOName,
		Price:     price,
		Bid:       models.DecimalPtr(raw.HighestBid),
		Ask:       models.DecimalPtr(raw.LowestAsk),
		Volume24h: models.DecimalPtr(raw.BaseVolume),
		Change24h: models.DecimalPtr(raw.ChangePercentage),
		Timestamp: time.Now(),
		Status:    models.TickerActive,
	}
}
