package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pricefeed/internal/exchanges"
	"pricefeed/internal/metrics"
	"pricefeed/internal/models"
	"pricefeed/internal/ratelimit"

	"github.com/sirupsen/logrus"
)

var (
	ErrAdapterUnavailable  = errors.New("adapter unavailable")
	ErrRateBudgetExceeded  = errors.New("rate budget exceeded")
	ErrAdapterRegistered   = errors.New("adapter already registered")
	errAdapterCallTimedOut = errors.New("adapter call timed out")
)

const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultBatchTimeout = 30 * time.Second
)

// Options tune the registry. Zero values use the defaults.
type Options struct {
	FetchTimeout time.Duration
	BatchTimeout time.Duration
	Selector     PriceSelector
}

// HealthListener is notified whenever an adapter's healthy flag flips
type HealthListener func(exchange string, healthy bool)

type entry struct {
	adapter exchanges.Adapter
	pacer   *ratelimit.ExchangeLimiter

	mu          sync.RWMutex
	state       State
	lastChecked time.Time
	lastError   string
	failures    int64
}

// Registry holds every exchange adapter, owns their health flags and gates
// each call on health and rate budget
type Registry struct {
	logger *logrus.Logger
	budget *ratelimit.Tracker
	pacers *ratelimit.LimiterManager
	opts   Options

	mu       sync.RWMutex
	adapters map[string]*entry

	listenersMu sync.RWMutex
	listeners   []HealthListener
}

// NewRegistry creates an empty registry. pacers may be nil.
func NewRegistry(budget *ratelimit.Tracker, pacers *ratelimit.LimiterManager, logger *logrus.Logger, opts Options) *Registry {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	if opts.Selector == nil {
		opts.Selector = HighestPrice
	}
	if budget == nil {
		budget = ratelimit.NewTracker(ratelimit.DefaultWindow)
	}
	return &Registry{
		logger:   logger,
		budget:   budget,
		pacers:   pacers,
		opts:     opts,
		adapters: make(map[string]*entry),
	}
}

// OnHealthChange registers a listener for health flips
func (r *Registry) OnHealthChange(fn HealthListener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// Register stores the adapter and initializes it in the background
func (r *Registry) Register(ctx context.Context, adapter exchanges.Adapter) error {
	name := adapter.Name()

	r.mu.Lock()
	if _, exists := r.adapters[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAdapterRegistered, name)
	}
	e := &entry{adapter: adapter, state: StateUninitialized}
	if r.pacers != nil {
		if pacer, err := r.pacers.GetLimiter(name); err == nil {
			e.pacer = pacer
		}
	}
	r.adapters[name] = e
	r.mu.Unlock()

	metrics.SetExchangeHealthy(name, false)
	r.logger.WithField("exchange", name).Info("Registered exchange adapter")
	go r.initialize(ctx, e)
	return nil
}

func (r *Registry) initialize(ctx context.Context, e *entry) bool {
	name := e.adapter.Name()
	r.transition(e, StateInitializing, "")

	err := r.call(ctx, r.opts.FetchTimeout, e, func(ctx context.Context) error {
		return e.adapter.Initialize(ctx)
	})
	if err != nil {
		r.logger.WithError(err).WithField("exchange", name).Warn("Exchange adapter failed to initialize")
		r.transition(e, StateUnhealthy, err.Error())
		return false
	}

	r.logger.WithField("exchange", name).Info("Exchange adapter initialized")
	r.transition(e, StateHealthy, "")
	return true
}

// transition moves an adapter to a new state and notifies listeners when the
// healthy flag changes
func (r *Registry) transition(e *entry, to State, lastError string) {
	e.mu.Lock()
	from := e.state
	if !from.canTransition(to) {
		e.mu.Unlock()
		r.logger.WithField("exchange", e.adapter.Name()).Debugf("Ignoring health transition %s -> %s", from, to)
		return
	}
	e.state = to
	if to == StateHealthy || to == StateUnhealthy {
		e.lastChecked = time.Now()
	}
	if lastError != "" || to == StateHealthy {
		e.lastError = lastError
	}
	e.mu.Unlock()

	if from.Healthy() == to.Healthy() {
		return
	}

	name := e.adapter.Name()
	metrics.SetExchangeHealthy(name, to.Healthy())
	r.logger.WithFields(logrus.Fields{"exchange": name, "from": from, "to": to}).Info("Exchange health changed")

	r.listenersMu.RLock()
	listeners := append([]HealthListener(nil), r.listeners...)
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(name, to.Healthy())
	}
}

func (r *Registry) get(exchange string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[exchange]
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	out := make([]*entry, 0, len(r.adapters))
	for _, e := range r.adapters {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].adapter.Name() < out[j].adapter.Name() })
	return out
}

func (e *entry) healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Healthy()
}

// gate checks health and budget before a call and counts the attempt. The
// pacer wait is bounded by the same timeout as the call it precedes.
func (r *Registry) gate(ctx context.Context, exchange string, timeout time.Duration) (*entry, error) {
	e := r.get(exchange)
	if e == nil || !e.healthy() {
		metrics.ExchangeRequests.WithLabelValues(exchange, "skipped_unhealthy").Inc()
		return nil, fmt.Errorf("%w: %s", ErrAdapterUnavailable, exchange)
	}
	if !r.budget.Allow(exchange) || (e.pacer != nil && e.pacer.InBackoff()) {
		metrics.ExchangeRequests.WithLabelValues(exchange, "skipped_budget").Inc()
		return nil, fmt.Errorf("%w: %s", ErrRateBudgetExceeded, exchange)
	}
	if e.pacer != nil {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		err := e.pacer.Wait(waitCtx)
		cancel()
		if err != nil {
			metrics.ExchangeRequests.WithLabelValues(exchange, "skipped_budget").Inc()
			return nil, fmt.Errorf("%w: %s: %v", ErrRateBudgetExceeded, exchange, err)
		}
	}

	budget, ok := r.budget.TryAttempt(exchange)
	metrics.RateBudgetUsage.WithLabelValues(exchange).Set(budget.UsagePercent)
	if !ok {
		metrics.ExchangeRequests.WithLabelValues(exchange, "skipped_budget").Inc()
		return nil, fmt.Errorf("%w: %s", ErrRateBudgetExceeded, exchange)
	}
	if budget.Status == ratelimit.StatusCritical {
		r.logger.WithFields(logrus.Fields{
			"exchange": exchange,
			"usage":    fmt.Sprintf("%.1f%%", budget.UsagePercent),
		}).Warn("Rate budget critical")
	}
	return e, nil
}

// call runs fn with a bounded timeout, recovering panics. A call that ignores
// its context is abandoned once the timeout fires.
func (r *Registry) call(ctx context.Context, timeout time.Duration, e *entry, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				metrics.ExchangeRequests.WithLabelValues(e.adapter.Name(), "panic").Inc()
				done <- fmt.Errorf("adapter %s panicked: %v", e.adapter.Name(), p)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", errAdapterCallTimedOut, e.adapter.Name(), ctx.Err())
	}
}

// settle records the outcome of one ticker and reports whether it is usable
func (r *Registry) settle(e *entry, t *models.Ticker) bool {
	name := e.adapter.Name()
	if t.IsError() {
		atomic.AddInt64(&e.failures, 1)
		metrics.ExchangeRequests.WithLabelValues(name, "error").Inc()
		if t != nil && t.ErrorKind == models.ErrorKindRateLimited && e.pacer != nil {
			e.pacer.RecordRateLimitHit()
		}
		return false
	}
	metrics.ExchangeRequests.WithLabelValues(name, "ok").Inc()
	if e.pacer != nil {
		e.pacer.RecordSuccess()
	}
	return true
}

// FetchTicker returns the exchange's ticker for symbol, or false when the
// adapter is unavailable, over budget or failed
func (r *Registry) FetchTicker(ctx context.Context, exchange, symbol string) (*models.Ticker, bool) {
	e, err := r.gate(ctx, exchange, r.opts.FetchTimeout)
	if err != nil {
		r.logger.WithError(err).WithField("symbol", symbol).Debug("Skipping exchange fetch")
		return nil, false
	}

	start := time.Now()
	var ticker *models.Ticker
	err = r.call(ctx, r.opts.FetchTimeout, e, func(ctx context.Context) error {
		ticker = e.adapter.FetchTicker(ctx, symbol)
		return nil
	})
	metrics.TrackLatency(start, metrics.ExchangeLatency.WithLabelValues(exchange))

	if err != nil {
		atomic.AddInt64(&e.failures, 1)
		metrics.ExchangeRequests.WithLabelValues(exchange, "error").Inc()
		r.logger.WithError(err).WithFields(logrus.Fields{"exchange": exchange, "symbol": symbol}).Debug("Exchange fetch failed")
		return nil, false
	}
	if !r.settle(e, ticker) {
		if ticker != nil {
			r.logger.WithFields(logrus.Fields{
				"exchange": exchange,
				"symbol":   symbol,
				"kind":     ticker.ErrorKind,
			}).Debug(ticker.ErrorMessage)
		}
		return nil, false
	}
	return ticker, true
}

// FetchTickers fetches a batch of symbols from one exchange and returns only
// the usable tickers
func (r *Registry) FetchTickers(ctx context.Context, exchange string, symbols []string) []*models.Ticker {
	if len(symbols) == 0 {
		return nil
	}
	e, err := r.gate(ctx, exchange, r.opts.BatchTimeout)
	if err != nil {
		r.logger.WithError(err).Debug("Skipping exchange batch fetch")
		return nil
	}

	start := time.Now()
	var collected []*models.Ticker
	var mu sync.Mutex
	err = r.call(ctx, r.opts.BatchTimeout, e, func(ctx context.Context) error {
		for t := range e.adapter.FetchTickers(ctx, symbols) {
			mu.Lock()
			collected = append(collected, t)
			mu.Unlock()
		}
		return nil
	})
	metrics.TrackLatency(start, metrics.ExchangeLatency.WithLabelValues(exchange))
	if err != nil {
		r.logger.WithError(err).WithField("exchange", exchange).Debug("Exchange batch fetch failed")
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]*models.Ticker, 0, len(collected))
	for _, t := range collected {
		if r.settle(e, t) {
			out = append(out, t)
		}
	}
	return out
}

// FetchFromAllExchanges fetches symbol from every healthy adapter concurrently.
// Partial results are returned; failures are dropped.
func (r *Registry) FetchFromAllExchanges(ctx context.Context, symbol string) []*models.Ticker {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out []*models.Ticker
	)
	for _, e := range r.entries() {
		if !e.healthy() {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if t, ok := r.FetchTicker(ctx, name, symbol); ok {
				mu.Lock()
				out = append(out, t)
				mu.Unlock()
			}
		}(e.adapter.Name())
	}
	wg.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// FetchAll runs one batch fetch per healthy exchange concurrently and groups
// the usable tickers by canonical symbol
func (r *Registry) FetchAll(ctx context.Context, symbols []string) map[string][]*models.Ticker {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[string][]*models.Ticker, len(symbols))
	)
	for _, e := range r.entries() {
		if !e.healthy() {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			tickers := r.FetchTickers(ctx, name, symbols)
			mu.Lock()
			for _, t := range tickers {
				out[t.Symbol] = append(out[t.Symbol], t)
			}
			mu.Unlock()
		}(e.adapter.Name())
	}
	wg.Wait()

	for _, tickers := range out {
		sort.Slice(tickers, func(i, j int) bool { return tickers[i].Exchange < tickers[j].Exchange })
	}
	return out
}

// BestPrice reduces the multi-exchange fetch with the configured selector
func (r *Registry) BestPrice(ctx context.Context, symbol string) (*models.Ticker, bool) {
	best := r.SelectBest(r.FetchFromAllExchanges(ctx, symbol))
	return best, best != nil
}

// SelectBest applies the configured selector to tickers already fetched
func (r *Registry) SelectBest(tickers []*models.Ticker) *models.Ticker {
	return r.opts.Selector(tickers)
}

// RestartAdapter disconnects and re-initializes an adapter, whatever its state
func (r *Registry) RestartAdapter(ctx context.Context, exchange string) (AdapterHealth, error) {
	e := r.get(exchange)
	if e == nil {
		return AdapterHealth{}, fmt.Errorf("%w: %s", ErrAdapterUnavailable, exchange)
	}

	if err := e.adapter.Disconnect(); err != nil {
		r.logger.WithError(err).WithField("exchange", exchange).Warn("Disconnect during restart failed")
	}
	r.transition(e, StateDisconnected, "")
	r.logger.WithField("exchange", exchange).Info("Restarting exchange adapter")

	if !r.initialize(ctx, e) {
		return e.health(), fmt.Errorf("%w: %s failed to initialize", ErrAdapterUnavailable, exchange)
	}
	return e.health(), nil
}

// ProbeHealth runs every adapter's health check concurrently and updates the
// healthy flags. Adapters still initializing or disconnected are skipped.
func (r *Registry) ProbeHealth(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range r.entries() {
		e.mu.RLock()
		state := e.state
		e.mu.RUnlock()
		if state != StateHealthy && state != StateUnhealthy {
			continue
		}

		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			var ok bool
			err := r.call(ctx, r.opts.FetchTimeout, e, func(ctx context.Context) error {
				ok = e.adapter.HealthCheck(ctx)
				return nil
			})
			if err != nil || !ok {
				msg := "health check failed"
				if err != nil {
					msg = err.Error()
				}
				r.transition(e, StateUnhealthy, msg)
				return
			}
			r.transition(e, StateHealthy, "")
		}(e)
	}
	wg.Wait()
}

// StartHealthProbes probes every interval until ctx is done
func (r *Registry) StartHealthProbes(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProbeHealth(ctx)
		}
	}
}

// SubscribeLive subscribes symbol on every healthy push-capable adapter and
// returns the exchanges that accepted it
func (r *Registry) SubscribeLive(ctx context.Context, symbol string, callback exchanges.LiveCallback) []string {
	var subscribed []string
	for _, e := range r.entries() {
		if !e.healthy() || !e.adapter.SupportsLive() {
			continue
		}
		name := e.adapter.Name()
		err := e.adapter.SubscribeLive(ctx, symbol, func(t *models.Ticker) {
			metrics.ExchangeLiveUpdates.WithLabelValues(name).Inc()
			callback(t)
		})
		if err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{"exchange": name, "symbol": symbol}).Warn("Live subscribe failed")
			continue
		}
		subscribed = append(subscribed, name)
	}
	return subscribed
}

// UnsubscribeLive releases symbol on every push-capable adapter
func (r *Registry) UnsubscribeLive(symbol string) {
	for _, e := range r.entries() {
		if !e.adapter.SupportsLive() {
			continue
		}
		if err := e.adapter.UnsubscribeLive(symbol); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{"exchange": e.adapter.Name(), "symbol": symbol}).Debug("Live unsubscribe failed")
		}
	}
}

// AvailableExchanges lists healthy exchanges, sorted
func (r *Registry) AvailableExchanges() []string {
	var out []string
	for _, e := range r.entries() {
		if e.healthy() {
			out = append(out, e.adapter.Name())
		}
	}
	return out
}

// Exchanges lists every registered exchange, sorted
func (r *Registry) Exchanges() []string {
	entries := r.entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.adapter.Name()
	}
	return out
}

// IsHealthy reports an exchange's healthy flag
func (r *Registry) IsHealthy(exchange string) bool {
	e := r.get(exchange)
	return e != nil && e.healthy()
}

// RateLimitInfo returns the current budget of every registered exchange
func (r *Registry) RateLimitInfo() map[string]ratelimit.Budget {
	out := make(map[string]ratelimit.Budget)
	for _, e := range r.entries() {
		out[e.adapter.Name()] = r.budget.Snapshot(e.adapter.Name())
	}
	return out
}

// Health returns a snapshot of every adapter's health, sorted by exchange
func (r *Registry) Health() []AdapterHealth {
	entries := r.entries()
	out := make([]AdapterHealth, len(entries))
	for i, e := range entries {
		out[i] = e.health()
	}
	return out
}

func (e *entry) health() AdapterHealth {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h := AdapterHealth{
		Exchange:     e.adapter.Name(),
		State:        e.state,
		Healthy:      e.state.Healthy(),
		LastChecked:  e.lastChecked,
		LastError:    e.lastError,
		Failures:     atomic.LoadInt64(&e.failures),
		SupportsLive: e.adapter.SupportsLive(),
	}
	if e.pacer != nil {
		stats := e.pacer.Stats()
		h.Pacer = &stats
	}
	return h
}

// Close disconnects every adapter
func (r *Registry) Close() {
	for _, e := range r.entries() {
		if err := e.adapter.Disconnect(); err != nil {
			r.logger.WithError(err).WithField("exchange", e.adapter.Name()).Warn("Adapter disconnect failed")
		}
		r.transition(e, StateDisconnected, "")
	}
}
