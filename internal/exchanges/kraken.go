package exchanges

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pricefeed/internal/models"

	"github.com/shopspring/decimal"
)

const (
	KrakenName    = "kraken"
	krakenBaseURL = "https://api.kraken.com"

	krakenWorkers = 3
)

type krakenPair struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Close  []string `json:"c"`
	Volume []string `json:"v"`
	Open   string   `json:"o"`
}

type krakenResponse struct {
	Error  []string              `json:"error"`
	Result map[string]krakenPair `json:"result"`
}

// KrakenAdapter polls the Kraken public Ticker endpoint
type KrakenAdapter struct {
	pollOnly
	rest       *restClient
	staleAfter time.Duration
}

func NewKrakenAdapter(opts Options) *KrakenAdapter {
	opts = opts.withDefaults(krakenBaseURL, "")
	return &KrakenAdapter{
		rest:       newRESTClient(KrakenName, opts),
		staleAfter: opts.StaleAfter,
	}
}

func (a *KrakenAdapter) Name() string { return KrakenName }

func (a *KrakenAdapter) Initialize(ctx context.Context) error {
	return a.rest.ping(ctx, "/0/public/Time")
}

func (a *KrakenAdapter) HealthCheck(ctx context.Context) bool {
	return a.rest.ping(ctx, "/0/public/Time") == nil
}

func (a *KrakenAdapter) FetchTicker(ctx context.Context, symbol string) *models.Ticker {
	native, err := krakenSymbol(symbol)
	if err != nil {
		return errorTicker(KrakenName, symbol, err)
	}

	var resp krakenResponse
	if err := a.rest.getJSON(ctx, "/0/public/Ticker", url.Values{"pair": {native}}, &resp); err != nil {
		return errorTicker(KrakenName, symbol, err)
	}
	if err := krakenError(resp.Error); err != nil {
		return errorTicker(KrakenName, symbol, err)
	}

	// Kraken keys the result by its own pair name (XBTUSDT may come back as
	// XXBTZUSD), so the single entry is taken whatever its key
	var pair *krakenPair
	for _, p := range resp.Result {
		p := p
		pair = &p
		break
	}
	if pair == nil || len(pair.Close) == 0 {
		return models.NewErrorTicker(KrakenName, symbol, models.ErrorKindUpstreamError, "empty ticker result")
	}

	price, err := decimal.NewFromString(pair.Close[0])
	if err != nil {
		return models.NewErrorTicker(KrakenName, symbol, models.ErrorKindUpstreamError, "malformed close price")
	}

	t := &models.Ticker{
		Symbol:    models.NormalizeSymbol(symbol),
		Exchange:  KrakenName,
		Price:     price,
		Bid:       first(pair.Bid),
		Ask:       first(pair.Ask),
		Timestamp: time.Now(),
		Status:    models.TickerActive,
	}
	if len(pair.Volume) > 1 {
		t.Volume24h = models.DecimalPtr(pair.Volume[1])
	}
	if open := models.DecimalPtr(pair.Open); open != nil {
		t.Change24h = models.PercentChange(price, *open)
	}
	return t
}

// FetchTickers fetches per symbol on a small worker pool
func (a *KrakenAdapter) FetchTickers(ctx context.Context, symbols []string) <-chan *models.Ticker {
	return concurrentFetch(ctx, symbols, krakenWorkers, a.FetchTicker)
}

func krakenError(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	msg := strings.Join(errs, "; ")
	switch {
	case strings.Contains(msg, "Rate limit"), strings.Contains(msg, "Too many requests"):
		return fmt.Errorf("%w: kraken: %s", ErrRateLimited, msg)
	case strings.Contains(msg, "Unknown asset pair"):
		return fmt.Errorf("%w: kraken: %s", models.ErrInvalidSymbol, msg)
	default:
		return fmt.Errorf("%w: kraken: %s", ErrUpstreamError, msg)
	}
}

func first(values []string) *decimal.Decimal {
	if len(values) == 0 {
		return nil
	}
	return models.DecimalPtr(values[0])
}
