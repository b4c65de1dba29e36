package price

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"pricefeed/internal/broadcast"
	"pricefeed/internal/cache"
	"pricefeed/internal/exchanges"
	"pricefeed/internal/models"
	"pricefeed/internal/pubsub"

	"github.com/sirupsen/logrus"
)

// Mode selects what one poll broadcasts per symbol
type Mode string

const (
	// ModeBest broadcasts the selected best ticker per symbol
	ModeBest Mode = "best"
	// ModeAll broadcasts one ticker per exchange per symbol
	ModeAll Mode = "all"
)

const snapshotQueueSize = 1024

// Source is the exchange side of the service
type Source interface {
	FetchAll(ctx context.Context, symbols []string) map[string][]*models.Ticker
	BestPrice(ctx context.Context, symbol string) (*models.Ticker, bool)
	SelectBest(tickers []*models.Ticker) *models.Ticker
	SubscribeLive(ctx context.Context, symbol string, callback exchanges.LiveCallback) []string
	UnsubscribeLive(symbol string)
}

// Broadcaster fans a ticker out to subscribers
type Broadcaster interface {
	BroadcastTicker(t *models.Ticker) broadcast.Result
}

// SymbolSource lists symbols clients currently watch
type SymbolSource interface {
	ActiveSymbols() []string
}

// TrackedSymbols lists symbols polled regardless of subscribers
type TrackedSymbols interface {
	Symbols() []string
}

// Store caches the latest tickers
type Store interface {
	SetTickers(ctx context.Context, tickers []*models.Ticker) error
	SetBest(ctx context.Context, t *models.Ticker) error
	GetBest(ctx context.Context, symbol string) (*models.Ticker, error)
}

// Service polls exchanges, bridges live pushes, and hands every ticker to
// the broadcast engine, the cache and the snapshot sink
type Service struct {
	source      Source
	broadcaster Broadcaster
	sessions    SymbolSource
	tracked     TrackedSymbols
	store       Store
	sink        pubsub.SnapshotSink
	mode        Mode
	logger      *logrus.Logger

	snapshots chan *models.Ticker

	liveMu sync.Mutex
	live   map[string]struct{}

	latestMu sync.Mutex
	latest   map[string]map[string]*models.Ticker // symbol -> exchange -> ticker
	emitted  map[string]*models.Ticker            // symbol -> last best broadcast
	maxAge   time.Duration
	now      func() time.Time
}

// NewService wires the service. store, sink and tracked may be nil.
func NewService(
	source Source,
	broadcaster Broadcaster,
	sessions SymbolSource,
	tracked TrackedSymbols,
	store Store,
	sink pubsub.SnapshotSink,
	mode Mode,
	logger *logrus.Logger,
) *Service {
	if sink == nil {
		sink = pubsub.NopSink{}
	}
	if mode == "" {
		mode = ModeBest
	}
	return &Service{
		source:      source,
		broadcaster: broadcaster,
		sessions:    sessions,
		tracked:     tracked,
		store:       store,
		sink:        sink,
		mode:        mode,
		logger:      logger,
		snapshots:   make(chan *models.Ticker, snapshotQueueSize),
		live:        make(map[string]struct{}),
		latest:      make(map[string]map[string]*models.Ticker),
		emitted:     make(map[string]*models.Ticker),
		now:         time.Now,
	}
}

// WithCandidateMaxAge bounds how old a remembered ticker may be and still
// compete for best price when a live push arrives. Run defaults it to two
// poll intervals.
func (s *Service) WithCandidateMaxAge(d time.Duration) *Service {
	s.latestMu.Lock()
	s.maxAge = d
	s.latestMu.Unlock()
	return s
}

// WithClock replaces the time source, for tests
func (s *Service) WithClock(now func() time.Time) *Service {
	s.latestMu.Lock()
	s.now = now
	s.latestMu.Unlock()
	return s
}

// Run polls every interval and drains the snapshot queue until ctx is done
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	s.latestMu.Lock()
	if s.maxAge == 0 {
		s.maxAge = 2 * interval
	}
	s.latestMu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.publishSnapshots(ctx)
	}()

	s.Poll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.releaseLive()
			wg.Wait()
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll fetches every watched or tracked symbol once and distributes the
// result, then reconciles live subscriptions with the watched set
func (s *Service) Poll(ctx context.Context) {
	active := s.sessions.ActiveSymbols()
	symbols := s.pollSet(active)
	if len(symbols) == 0 {
		s.SyncLive(ctx, active)
		return
	}

	start := time.Now()
	grouped := s.source.FetchAll(ctx, symbols)
	for _, symbol := range symbols {
		tickers := grouped[symbol]
		if len(tickers) == 0 {
			continue
		}
		s.distribute(ctx, symbol, tickers)
	}

	s.logger.WithFields(logrus.Fields{
		"symbols":  len(symbols),
		"priced":   len(grouped),
		"duration": time.Since(start).String(),
	}).Debug("Poll complete")

	// subscribes during the fetch may have opened feeds for new symbols
	s.SyncLive(ctx, s.sessions.ActiveSymbols())
}

func (s *Service) pollSet(active []string) []string {
	set := make(map[string]struct{}, len(active))
	for _, symbol := range active {
		set[symbol] = struct{}{}
	}
	if s.tracked != nil {
		for _, symbol := range s.tracked.Symbols() {
			set[symbol] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for symbol := range set {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (s *Service) distribute(ctx context.Context, symbol string, tickers []*models.Ticker) {
	// the poll result is the whole candidate set; exchanges missing from it
	// are unhealthy or no longer list the symbol
	current := make(map[string]*models.Ticker, len(tickers))
	for _, t := range tickers {
		if !t.IsError() {
			current[t.Exchange] = t
		}
	}
	s.latestMu.Lock()
	s.latest[symbol] = current
	s.latestMu.Unlock()

	best := s.source.SelectBest(tickers)

	if s.store != nil {
		if err := s.store.SetTickers(ctx, tickers); err != nil {
			s.logger.WithError(err).WithField("symbol", symbol).Warn("Failed to cache tickers")
		}
		if best != nil {
			if err := s.store.SetBest(ctx, best); err != nil {
				s.logger.WithError(err).WithField("symbol", symbol).Warn("Failed to cache best ticker")
			}
		}
	}

	if s.mode == ModeAll {
		for _, t := range tickers {
			s.emit(t)
		}
		return
	}
	if best != nil {
		s.latestMu.Lock()
		s.emitted[symbol] = best
		s.latestMu.Unlock()
		s.emit(best)
	}
}

// recordLocked must be called with latestMu held
func (s *Service) recordLocked(t *models.Ticker) {
	byExchange, ok := s.latest[t.Symbol]
	if !ok {
		byExchange = make(map[string]*models.Ticker)
		s.latest[t.Symbol] = byExchange
	}
	byExchange[t.Exchange] = t
}

// expiredLocked must be called with latestMu held. Tickers without a
// timestamp never expire.
func (s *Service) expiredLocked(t *models.Ticker, now time.Time) bool {
	if s.maxAge <= 0 || t.Timestamp.IsZero() {
		return false
	}
	return now.Sub(t.Timestamp) > s.maxAge
}

// HandleLive receives tickers pushed by exchange streams. In best mode a
// push is broadcast only when it changes the symbol's best ticker.
func (s *Service) HandleLive(t *models.Ticker) {
	if t.IsError() {
		return
	}

	if s.mode == ModeAll {
		s.latestMu.Lock()
		s.recordLocked(t)
		s.latestMu.Unlock()
		s.emit(t)
		return
	}

	s.latestMu.Lock()
	s.recordLocked(t)
	now := s.now()
	byExchange := s.latest[t.Symbol]
	candidates := make([]*models.Ticker, 0, len(byExchange))
	for exchange, c := range byExchange {
		if s.expiredLocked(c, now) {
			delete(byExchange, exchange)
			continue
		}
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Exchange < candidates[j].Exchange })
	best := s.source.SelectBest(candidates)
	changed := best != nil && best != s.emitted[t.Symbol]
	if changed {
		s.emitted[t.Symbol] = best
	}
	s.latestMu.Unlock()

	if changed {
		s.emit(best)
	}
}

func (s *Service) emit(t *models.Ticker) {
	s.broadcaster.BroadcastTicker(t)

	select {
	case s.snapshots <- t:
	default:
		s.logger.WithField("symbol", t.Symbol).Warn("Snapshot queue full, dropping snapshot")
	}
}

func (s *Service) publishSnapshots(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.snapshots:
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := s.sink.PublishTicker(pubCtx, t); err != nil {
				s.logger.WithError(err).WithField("symbol", t.Symbol).Debug("Snapshot publish failed")
			}
			cancel()
		}
	}
}

// EnsureLive opens live feeds for symbols that do not have one yet
func (s *Service) EnsureLive(ctx context.Context, symbols []string) {
	for _, symbol := range symbols {
		s.liveMu.Lock()
		_, ok := s.live[symbol]
		s.liveMu.Unlock()
		if ok {
			continue
		}

		joined := s.source.SubscribeLive(ctx, symbol, s.HandleLive)
		if len(joined) == 0 {
			continue
		}

		s.liveMu.Lock()
		s.live[symbol] = struct{}{}
		s.liveMu.Unlock()
		s.logger.WithFields(logrus.Fields{"symbol": symbol, "exchanges": joined}).Debug("Live feed opened")
	}
}

// SyncLive opens feeds for watched symbols and releases feeds nobody watches
func (s *Service) SyncLive(ctx context.Context, watched []string) {
	s.EnsureLive(ctx, watched)

	want := make(map[string]struct{}, len(watched))
	for _, symbol := range watched {
		want[symbol] = struct{}{}
	}

	s.liveMu.Lock()
	var release []string
	for symbol := range s.live {
		if _, ok := want[symbol]; !ok {
			release = append(release, symbol)
			delete(s.live, symbol)
		}
	}
	s.liveMu.Unlock()

	for _, symbol := range release {
		s.source.UnsubscribeLive(symbol)
		s.logger.WithField("symbol", symbol).Debug("Live feed released")
	}
}

// LiveSymbols lists symbols with an open live feed
func (s *Service) LiveSymbols() []string {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	out := make([]string, 0, len(s.live))
	for symbol := range s.live {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (s *Service) releaseLive() {
	s.liveMu.Lock()
	symbols := make([]string, 0, len(s.live))
	for symbol := range s.live {
		symbols = append(symbols, symbol)
	}
	s.live = make(map[string]struct{})
	s.liveMu.Unlock()

	for _, symbol := range symbols {
		s.source.UnsubscribeLive(symbol)
	}
}

// GetPrice returns the best ticker for a symbol, from the cache when present
func (s *Service) GetPrice(ctx context.Context, symbol string) (*models.Ticker, error) {
	symbol, err := models.CanonicalSymbol(symbol)
	if err != nil {
		return nil, err
	}

	if s.store != nil {
		cached, err := s.store.GetBest(ctx, symbol)
		if err == nil && cached != nil {
			return cached, nil
		}
		if err != nil && !errors.Is(err, cache.ErrMiss) {
			s.logger.WithError(err).Debug("Ticker cache read failed")
		}
	}

	best, ok := s.source.BestPrice(ctx, symbol)
	if !ok {
		return nil, ErrNoData
	}
	if s.store != nil {
		_ = s.store.SetBest(ctx, best)
	}
	return best, nil
}

// ErrNoData means no healthy exchange produced a ticker for the symbol
var ErrNoData = errors.New("no price data available")
