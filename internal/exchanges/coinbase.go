package exchanges

import (
	"context"
	"net/url"
	"time"

	"pricefeed/internal/models"

	"github.com/shopspring/decimal"
)

const (
	CoinbaseName    = "coinbase"
	coinbaseBaseURL = "https://api.exchange.coinbase.com"

	coinbaseWorkers = 4
)

type coinbaseTicker struct {
	Price  string    `json:"price"`
	Bid    string    `json:"bid"`
	Ask    string    `json:"ask"`
	Volume string    `json:"volume"`
	Time   time.Time `json:"time"`
}

// CoinbaseAdapter polls the Coinbase Exchange product ticker endpoint
type CoinbaseAdapter struct {
	pollOnly
	rest       *restClient
	staleAfter time.Duration
}

func NewCoinbaseAdapter(opts Options) *CoinbaseAdapter {
	opts = opts.withDefaults(coinbaseBaseURL, "")
	return &CoinbaseAdapter{
		rest:       newRESTClient(CoinbaseName, opts),
		staleAfter: opts.StaleAfter,
	}
}

func (a *CoinbaseAdapter) Name() string { return CoinbaseName }

func (a *CoinbaseAdapter) Initialize(ctx context.Context) error {
	return a.rest.ping(ctx, "/time")
}

func (a *CoinbaseAdapter) HealthCheck(ctx context.Context) bool {
	return a.rest.ping(ctx, "/time") == nil
}

func (a *CoinbaseAdapter) FetchTicker(ctx context.Context, symbol string) *models.Ticker {
	native, err := dashedSymbol(symbol)
	if err != nil {
		return errorTicker(CoinbaseName, symbol, err)
	}

	var raw coinbaseTicker
	if err := a.rest.getJSON(ctx, "/products/"+url.PathEscape(native)+"/ticker", nil, &raw); err != nil {
		return errorTicker(CoinbaseName, symbol, err)
	}

	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		return models.NewErrorTicker(CoinbaseName, symbol, models.ErrorKindUpstreamError, "malformed price")
	}
	ts := raw.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	t := &models.Ticker{
		Symbol:    models.NormalizeSymbol(symbol),
		Exchange:  CoinbaseName,
		Price:     price,
		Bid:       models.DecimalPtr(raw.Bid),
		Ask:       models.DecimalPtr(raw.Ask),
		Volume24h: models.DecimalPtr(raw.Volume),
		Timestamp: ts,
		Status:    models.TickerActive,
	}
	return t.WithStaleness(a.staleAfter, time.Now())
}

// FetchTickers has no batch endpoint to use, so symbols are fetched concurrently
func (a *CoinbaseAdapter) FetchTickers(ctx context.Context, symbols []string) <-chan *models.Ticker {
	return concurrentFetch(ctx, symbols, coinbaseWorkers, a.FetchTicker)
}
