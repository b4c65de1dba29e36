// Package exchanges contains one adapter per external exchange. Every adapter
// speaks the canonical BASE/QUOTE symbol form at its boundary and encodes
// failures as ERROR tickers instead of returning them.
package exchanges

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"pricefeed/internal/models"

	"github.com/sirupsen/logrus"
)

var (
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrUpstreamError   = errors.New("upstream error")
	ErrRateLimited     = errors.New("upstream rate limited")
)

// LiveCallback receives pushed tickers for a subscribed symbol
type LiveCallback func(ticker *models.Ticker)

// Adapter is the capability set every exchange integration implements
type Adapter interface {
	// Name is the stable identifier used as the map key everywhere
	Name() string
	Initialize(ctx context.Context) error
	FetchTicker(ctx context.Context, symbol string) *models.Ticker
	// FetchTickers emits one ticker per requested symbol and closes the channel
	FetchTickers(ctx context.Context, symbols []string) <-chan *models.Ticker
	HealthCheck(ctx context.Context) bool
	SupportsLive() bool
	SubscribeLive(ctx context.Context, symbol string, callback LiveCallback) error
	UnsubscribeLive(symbol string) error
	// Disconnect releases persistent connections. It is idempotent.
	Disconnect() error
}

// Options configure an adapter. Zero values fall back to the production endpoints.
type Options struct {
	BaseURL    string
	StreamURL  string
	HTTPClient *http.Client
	Logger     *logrus.Logger
	StaleAfter time.Duration
}

func (o Options) withDefaults(baseURL, streamURL string) Options {
	if o.BaseURL == "" {
		o.BaseURL = baseURL
	}
	if o.StreamURL == "" {
		o.StreamURL = streamURL
	}
	if o.HTTPClient == nil {
		o.HTTPClient = NewHTTPClient("")
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// NewHTTPClient builds the client shared by adapters, optionally behind a proxy
func NewHTTPClient(proxyURL string) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	}
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: transport,
	}
}

// errorTicker maps a fetch error onto an ERROR ticker
func errorTicker(exchange, symbol string, err error) *models.Ticker {
	kind := models.ErrorKindUpstreamError
	switch {
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		kind = models.ErrorKindUpstreamTimeout
	case errors.Is(err, ErrRateLimited):
		kind = models.ErrorKindRateLimited
	case errors.Is(err, models.ErrInvalidSymbol):
		kind = models.ErrorKindInvalidSymbol
	}
	return models.NewErrorTicker(exchange, symbol, kind, err.Error())
}

// batchFetch runs one batched request for every valid symbol and emits a
// ticker per requested symbol, in request order
func batchFetch(
	ctx context.Context,
	exchange string,
	symbols []string,
	convert func(string) (string, error),
	fetch func(ctx context.Context, native []string) (map[string]*models.Ticker, error),
) <-chan *models.Ticker {
	out := make(chan *models.Ticker, len(symbols))

	go func() {
		defer close(out)

		native := make([]string, 0, len(symbols))
		nativeOf := make(map[string]string, len(symbols))
		requested := make(map[string]struct{}, len(symbols))
		for _, symbol := range symbols {
			n, err := convert(symbol)
			if err != nil {
				continue
			}
			nativeOf[symbol] = n
			if _, dup := requested[n]; !dup {
				requested[n] = struct{}{}
				native = append(native, n)
			}
		}

		var results map[string]*models.Ticker
		var fetchErr error
		if len(native) > 0 {
			results, fetchErr = fetch(ctx, native)
		}

		for _, symbol := range symbols {
			n, ok := nativeOf[symbol]
			if !ok {
				_, err := convert(symbol)
				out <- errorTicker(exchange, symbol, err)
				continue
			}
			if fetchErr != nil {
				out <- errorTicker(exchange, symbol, fetchErr)
				continue
			}
			t, ok := results[n]
			if !ok {
				out <- models.NewErrorTicker(exchange, symbol, models.ErrorKindUpstreamError, "symbol missing from batch response")
				continue
			}
			ticker := *t
			ticker.Symbol = models.NormalizeSymbol(symbol)
			out <- &ticker
		}
	}()

	return out
}

// concurrentFetch fans single-symbol fetches out over a small worker pool for
// exchanges without a batch endpoint. Output order is not guaranteed.
func concurrentFetch(ctx context.Context, symbols []string, workers int, fetch func(context.Context, string) *models.Ticker) <-chan *models.Ticker {
	out := make(chan *models.Ticker, len(symbols))
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				out <- fetch(ctx, symbol)
			}
		}()
	}

	go func() {
		for _, symbol := range symbols {
			jobs <- symbol
		}
		close(jobs)
		wg.Wait()
		close(out)
	}()

	return out
}

// Names lists every supported exchange in registration order
var Names = []string{BinanceName, OKXName, BybitName, CoinbaseName, KrakenName, GateIOName}

// New builds the adapter registered under name
func New(name string, opts Options) (Adapter, error) {
	switch name {
	case BinanceName:
		return NewBinanceAdapter(opts), nil
	case OKXName:
		return NewOKXAdapter(opts), nil
	case BybitName:
		return NewBybitAdapter(opts), nil
	case CoinbaseName:
		return NewCoinbaseAdapter(opts), nil
	case KrakenName:
		return NewKrakenAdapter(opts), nil
	case GateIOName:
		return NewGateIOAdapter(opts), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", name)
	}
}
