package aggregator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pricefeed/internal/exchanges"
	"pricefeed/internal/models"
	"pricefeed/internal/ratelimit"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	name    string
	price   decimal.Decimal
	initErr error
	live    bool

	mu          sync.Mutex
	healthy     bool
	calls       int64
	disconnects int64
	kind        models.ErrorKind
	block       bool
	panics      bool
	liveSubs    map[string]exchanges.LiveCallback
}

func newFake(name string, price int64) *fakeAdapter {
	return &fakeAdapter{name: name, price: decimal.NewFromInt(price), healthy: true, liveSubs: map[string]exchanges.LiveCallback{}}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Initialize(ctx context.Context) error { return f.initErr }

func (f *fakeAdapter) FetchTicker(ctx context.Context, symbol string) *models.Ticker {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	kind, block, panics := f.kind, f.block, f.panics
	f.mu.Unlock()

	if panics {
		panic("boom")
	}
	if block {
		time.Sleep(time.Second)
	}
	if kind != models.ErrorKindNone {
		return models.NewErrorTicker(f.name, symbol, kind, "fake failure")
	}
	return &models.Ticker{Symbol: symbol, Exchange: f.name, Price: f.price, Timestamp: time.Now(), Status: models.TickerActive}
}

func (f *fakeAdapter) FetchTickers(ctx context.Context, symbols []string) <-chan *models.Ticker {
	out := make(chan *models.Ticker, len(symbols))
	for _, s := range symbols {
		out <- f.FetchTicker(ctx, s)
	}
	close(out)
	return out
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeAdapter) SupportsLive() bool { return f.live }

func (f *fakeAdapter) SubscribeLive(ctx context.Context, symbol string, cb exchanges.LiveCallback) error {
	f.mu.Lock()
	f.liveSubs[symbol] = cb
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) UnsubscribeLive(symbol string) error {
	f.mu.Lock()
	delete(f.liveSubs, symbol)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Disconnect() error {
	atomic.AddInt64(&f.disconnects, 1)
	return nil
}

func (f *fakeAdapter) set(fn func(f *fakeAdapter)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestRegistry(t *testing.T, opts Options, adapters ...*fakeAdapter) *Registry {
	t.Helper()
	r := NewRegistry(ratelimit.NewTracker(time.Minute), nil, testLogger(), opts)
	for _, a := range adapters {
		require.NoError(t, r.Register(context.Background(), a))
	}
	require.Eventually(t, func() bool {
		for _, h := range r.Health() {
			if h.State != StateHealthy && h.State != StateUnhealthy {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return r
}

func TestRegisterInitializesAdapters(t *testing.T) {
	good := newFake("alpha", 100)
	bad := newFake("beta", 105)
	bad.initErr = errors.New("unreachable")

	r := newTestRegistry(t, Options{}, good, bad)

	assert.Equal(t, []string{"alpha"}, r.AvailableExchanges())
	assert.Equal(t, []string{"alpha", "beta"}, r.Exchanges())

	health := r.Health()
	require.Len(t, health, 2)
	assert.Equal(t, StateHealthy, health[0].State)
	assert.Equal(t, StateUnhealthy, health[1].State)
	assert.Equal(t, "unreachable", health[1].LastError)

	err := r.Register(context.Background(), newFake("alpha", 1))
	assert.ErrorIs(t, err, ErrAdapterRegistered)
}

func TestFetchFromAllExchangesSkipsUnhealthy(t *testing.T) {
	good := newFake("alpha", 100)
	bad := newFake("beta", 105)
	bad.initErr = errors.New("down")

	r := newTestRegistry(t, Options{}, good, bad)

	tickers := r.FetchFromAllExchanges(context.Background(), "BTC/USDT")
	require.Len(t, tickers, 1)
	assert.Equal(t, "alpha", tickers[0].Exchange)
	assert.Zero(t, atomic.LoadInt64(&bad.calls))
}

func TestFetchFromAllExchangesDropsErrorTickers(t *testing.T) {
	a := newFake("alpha", 100)
	b := newFake("beta", 105)
	b.kind = models.ErrorKindUpstreamError

	r := newTestRegistry(t, Options{}, a, b)

	tickers := r.FetchFromAllExchanges(context.Background(), "BTC/USDT")
	require.Len(t, tickers, 1)
	assert.Equal(t, "alpha", tickers[0].Exchange)

	_, ok := r.FetchTicker(context.Background(), "beta", "BTC/USDT")
	assert.False(t, ok)
	assert.True(t, r.IsHealthy("beta"), "a failed fetch must not downgrade health")
}

func TestBestPriceHighestWins(t *testing.T) {
	r := newTestRegistry(t, Options{}, newFake("alpha", 100), newFake("beta", 105))

	best, ok := r.BestPrice(context.Background(), "BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, "beta", best.Exchange)
	assert.True(t, best.Price.Equal(decimal.NewFromInt(105)))
}

func TestBestPriceSelectorIsSwappable(t *testing.T) {
	r := newTestRegistry(t, Options{Selector: LowestPrice}, newFake("alpha", 100), newFake("beta", 105))

	best, ok := r.BestPrice(context.Background(), "BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, "alpha", best.Exchange)
}

func TestBestPriceNoData(t *testing.T) {
	bad := newFake("alpha", 100)
	bad.initErr = errors.New("down")
	r := newTestRegistry(t, Options{}, bad)

	_, ok := r.BestPrice(context.Background(), "BTC/USDT")
	assert.False(t, ok)
}

func TestFetchTickerGatedByBudget(t *testing.T) {
	a := newFake("alpha", 100)
	budget := ratelimit.NewTracker(time.Minute)
	budget.SetLimit("alpha", 2)

	r := NewRegistry(budget, nil, testLogger(), Options{})
	require.NoError(t, r.Register(context.Background(), a))
	require.Eventually(t, func() bool { return r.IsHealthy("alpha") }, time.Second, 5*time.Millisecond)

	_, ok := r.FetchTicker(context.Background(), "alpha", "BTC/USDT")
	assert.True(t, ok)
	_, ok = r.FetchTicker(context.Background(), "alpha", "BTC/USDT")
	assert.True(t, ok)

	_, ok = r.FetchTicker(context.Background(), "alpha", "BTC/USDT")
	assert.False(t, ok, "exceeded budget returns no data")
	assert.EqualValues(t, 2, atomic.LoadInt64(&a.calls), "the gated call never reaches the adapter")

	info := r.RateLimitInfo()["alpha"]
	assert.Equal(t, ratelimit.StatusExceeded, info.Status)
	assert.Equal(t, 0, info.Remaining)
}

func TestFetchTickerUnknownExchange(t *testing.T) {
	r := newTestRegistry(t, Options{})
	_, ok := r.FetchTicker(context.Background(), "nowhere", "BTC/USDT")
	assert.False(t, ok)
}

func TestFetchTickerTimeoutAndPanic(t *testing.T) {
	slow := newFake("slow", 100)
	slow.block = true
	broken := newFake("broken", 100)
	broken.panics = true

	r := newTestRegistry(t, Options{FetchTimeout: 50 * time.Millisecond}, slow, broken)

	start := time.Now()
	_, ok := r.FetchTicker(context.Background(), "slow", "BTC/USDT")
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	_, ok = r.FetchTicker(context.Background(), "broken", "BTC/USDT")
	assert.False(t, ok)

	assert.True(t, r.IsHealthy("slow"))
	assert.True(t, r.IsHealthy("broken"))
}

func TestRateLimitedTickerTriggersPacerBackoff(t *testing.T) {
	a := newFake("alpha", 100)
	a.kind = models.ErrorKindRateLimited

	pacers := ratelimit.NewLimiterManager()
	pacers.RegisterExchange("alpha", 100, 10)

	r := NewRegistry(nil, pacers, testLogger(), Options{})
	require.NoError(t, r.Register(context.Background(), a))
	require.Eventually(t, func() bool { return r.IsHealthy("alpha") }, time.Second, 5*time.Millisecond)

	_, ok := r.FetchTicker(context.Background(), "alpha", "BTC/USDT")
	assert.False(t, ok)

	_, ok = r.FetchTicker(context.Background(), "alpha", "BTC/USDT")
	assert.False(t, ok)
	assert.EqualValues(t, 1, atomic.LoadInt64(&a.calls), "backoff gates the follow-up call")

	health := r.Health()[0]
	require.NotNil(t, health.Pacer)
	assert.EqualValues(t, 1, health.Pacer.RateLimitHits)
}

func TestProbeHealthTransitions(t *testing.T) {
	a := newFake("alpha", 100)
	r := newTestRegistry(t, Options{}, a)

	var flips []bool
	var mu sync.Mutex
	r.OnHealthChange(func(exchange string, healthy bool) {
		mu.Lock()
		flips = append(flips, healthy)
		mu.Unlock()
	})

	a.set(func(f *fakeAdapter) { f.healthy = false })
	r.ProbeHealth(context.Background())
	assert.False(t, r.IsHealthy("alpha"))
	assert.Empty(t, r.AvailableExchanges())

	r.ProbeHealth(context.Background())

	a.set(func(f *fakeAdapter) { f.healthy = true })
	r.ProbeHealth(context.Background())
	assert.True(t, r.IsHealthy("alpha"))

	mu.Lock()
	assert.Equal(t, []bool{false, true}, flips, "listeners fire only on flips")
	mu.Unlock()
}

func TestRestartAdapter(t *testing.T) {
	a := newFake("alpha", 100)
	a.initErr = errors.New("down")
	r := newTestRegistry(t, Options{}, a)
	require.False(t, r.IsHealthy("alpha"))

	a.set(func(f *fakeAdapter) { f.initErr = nil })
	health, err := r.RestartAdapter(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, health.State)
	assert.EqualValues(t, 1, atomic.LoadInt64(&a.disconnects))
	assert.Equal(t, []string{"alpha"}, r.AvailableExchanges())

	_, err = r.RestartAdapter(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
}

func TestRestartFromDisconnected(t *testing.T) {
	a := newFake("alpha", 100)
	r := newTestRegistry(t, Options{}, a)

	r.Close()
	assert.Equal(t, StateDisconnected, r.Health()[0].State)

	r.ProbeHealth(context.Background())
	assert.Equal(t, StateDisconnected, r.Health()[0].State, "probes leave disconnected adapters alone")

	health, err := r.RestartAdapter(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, health.State)
}

func TestFetchAllGroupsBySymbol(t *testing.T) {
	r := newTestRegistry(t, Options{}, newFake("beta", 105), newFake("alpha", 100))

	grouped := r.FetchAll(context.Background(), []string{"BTC/USDT", "ETH/USDT"})
	require.Len(t, grouped, 2)
	require.Len(t, grouped["BTC/USDT"], 2)
	assert.Equal(t, "alpha", grouped["BTC/USDT"][0].Exchange)
	assert.Equal(t, "beta", r.SelectBest(grouped["ETH/USDT"]).Exchange)
}

func TestSubscribeLiveOnlyPushCapable(t *testing.T) {
	push := newFake("alpha", 100)
	push.live = true
	poll := newFake("beta", 100)

	r := newTestRegistry(t, Options{}, push, poll)

	var got *models.Ticker
	subscribed := r.SubscribeLive(context.Background(), "BTC/USDT", func(tk *models.Ticker) { got = tk })
	assert.Equal(t, []string{"alpha"}, subscribed)

	push.mu.Lock()
	cb := push.liveSubs["BTC/USDT"]
	push.mu.Unlock()
	require.NotNil(t, cb)
	cb(&models.Ticker{Symbol: "BTC/USDT", Exchange: "alpha"})
	require.NotNil(t, got)

	r.UnsubscribeLive("BTC/USDT")
	push.mu.Lock()
	assert.Empty(t, push.liveSubs)
	push.mu.Unlock()
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateUninitialized.canTransition(StateInitializing))
	assert.True(t, StateInitializing.canTransition(StateHealthy))
	assert.True(t, StateHealthy.canTransition(StateUnhealthy))
	assert.True(t, StateUnhealthy.canTransition(StateHealthy))
	assert.True(t, StateHealthy.canTransition(StateDisconnected))
	assert.True(t, StateDisconnected.canTransition(StateInitializing))

	assert.False(t, StateUninitialized.canTransition(StateHealthy))
	assert.False(t, StateDisconnected.canTransition(StateHealthy))
	assert.False(t, StateHealthy.canTransition(StateInitializing))
}

func TestSelectors(t *testing.T) {
	tickers := []*models.Ticker{
		{Exchange: "a", Price: decimal.NewFromInt(100), Status: models.TickerActive},
		models.NewErrorTicker("b", "BTC/USDT", models.ErrorKindUpstreamError, "x"),
		{Exchange: "c", Price: decimal.NewFromInt(105), Status: models.TickerStale},
		{Exchange: "d", Price: decimal.NewFromInt(105), Status: models.TickerActive},
	}
	assert.Equal(t, "c", HighestPrice(tickers).Exchange, "ties keep input order")
	assert.Equal(t, "a", LowestPrice(tickers).Exchange)
	assert.Nil(t, HighestPrice(nil))

	sel, ok := SelectorByName("lowest")
	require.True(t, ok)
	assert.Equal(t, "a", sel(tickers).Exchange)
	_, ok = SelectorByName("median")
	assert.False(t, ok)
}

func TestPacerWaitIsBoundedByFetchTimeout(t *testing.T) {
	a := newFake("alpha", 100)

	pacers := ratelimit.NewLimiterManager()
	pacers.RegisterExchange("alpha", 0.01, 1)

	r := NewRegistry(nil, pacers, testLogger(), Options{FetchTimeout: 100 * time.Millisecond})
	require.NoError(t, r.Register(context.Background(), a))
	require.Eventually(t, func() bool { return r.IsHealthy("alpha") }, time.Second, 5*time.Millisecond)

	_, ok := r.FetchTicker(context.Background(), "alpha", "BTC/USDT")
	require.True(t, ok)

	start := time.Now()
	_, ok = r.FetchTicker(context.Background(), "alpha", "BTC/USDT")
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.EqualValues(t, 1, atomic.LoadInt64(&a.calls))
}

func TestConcurrentFetchesRespectBudget(t *testing.T) {
	a := newFake("alpha", 100)
	budget := ratelimit.NewTracker(time.Minute)
	budget.SetLimit("alpha", 5)

	r := NewRegistry(budget, nil, testLogger(), Options{})
	require.NoError(t, r.Register(context.Background(), a))
	require.Eventually(t, func() bool { return r.IsHealthy("alpha") }, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.FetchTicker(context.Background(), "alpha", "BTC/USDT")
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 5, atomic.LoadInt64(&a.calls))
	assert.Equal(t, 5, budget.Snapshot("alpha").WindowRequests)
}
