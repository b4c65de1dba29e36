package ratelimit

import (
	"sync"
	"time"
)

// Status classifies how much of an exchange's request budget is in use
type Status string

const (
	StatusNormal   Status = "NORMAL"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
	StatusExceeded Status = "EXCEEDED"
)

// DefaultWindow is the sliding window length used when none is configured
const DefaultWindow = 60 * time.Second

// Classify maps used/max onto a Status. Boundaries belong to the higher bucket.
// A non-positive max means no budget is configured and always classifies as NORMAL.
func Classify(used, max int) Status {
	if max <= 0 {
		return StatusNormal
	}
	// integer math keeps 70/100 and 90/100 exact
	switch {
	case used*100 >= max*100:
		return StatusExceeded
	case used*100 >= max*90:
		return StatusCritical
	case used*100 >= max*70:
		return StatusWarning
	default:
		return StatusNormal
	}
}

// RecommendedDelay returns the backoff advised for a status
func RecommendedDelay(status Status) time.Duration {
	switch status {
	case StatusWarning:
		return 2 * time.Second
	case StatusCritical:
		return 5 * time.Second
	case StatusExceeded:
		return 60 * time.Second
	default:
		return 1 * time.Second
	}
}

// Budget is a derived, read-only view of one exchange's window
type Budget struct {
	Exchange         string        `json:"exchange"`
	WindowRequests   int           `json:"window_requests"`
	MaxPerMinute     int           `json:"max_per_minute"`
	Remaining        int           `json:"remaining"`
	UsagePercent     float64       `json:"usage_percent"`
	Status           Status        `json:"status"`
	RecommendedDelay time.Duration `json:"recommended_delay"`
	WindowStart      time.Time     `json:"window_start"`
}

type window struct {
	mu       sync.Mutex
	start    time.Time
	requests int
	max      int
}

// Tracker keeps one sliding counter per exchange. Windows reset lazily on the
// next read or write once they are older than the window duration.
type Tracker struct {
	mu      sync.RWMutex
	windows map[string]*window
	length  time.Duration
	now     func() time.Time
}

// NewTracker creates a tracker with the given window length
func NewTracker(length time.Duration) *Tracker {
	if length <= 0 {
		length = DefaultWindow
	}
	return &Tracker{
		windows: make(map[string]*window),
		length:  length,
		now:     time.Now,
	}
}

// WithClock replaces the time source, used by tests
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// SetLimit sets the per-window maximum for an exchange
func (t *Tracker) SetLimit(exchange string, maxPerWindow int) {
	w := t.window(exchange)
	w.mu.Lock()
	w.max = maxPerWindow
	w.mu.Unlock()
}

// RecordAttempt counts one request against the exchange's window
func (t *Tracker) RecordAttempt(exchange string) Budget {
	w := t.window(exchange)
	now := t.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	t.roll(w, now)
	w.requests++
	return t.snapshot(exchange, w)
}

// TryAttempt counts one request only when the window has room for it. The
// check and the increment happen under the same lock.
func (t *Tracker) TryAttempt(exchange string) (Budget, bool) {
	w := t.window(exchange)
	now := t.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	t.roll(w, now)
	if Classify(w.requests, w.max) == StatusExceeded {
		return t.snapshot(exchange, w), false
	}
	w.requests++
	return t.snapshot(exchange, w), true
}

// Snapshot returns the current budget without counting a request
func (t *Tracker) Snapshot(exchange string) Budget {
	w := t.window(exchange)
	now := t.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	t.roll(w, now)
	return t.snapshot(exchange, w)
}

// Allow reports whether another request may be attempted
func (t *Tracker) Allow(exchange string) bool {
	return t.Snapshot(exchange).Status != StatusExceeded
}

// All returns a snapshot for every known exchange
func (t *Tracker) All() map[string]Budget {
	t.mu.RLock()
	names := make([]string, 0, len(t.windows))
	for name := range t.windows {
		names = append(names, name)
	}
	t.mu.RUnlock()

	out := make(map[string]Budget, len(names))
	for _, name := range names {
		out[name] = t.Snapshot(name)
	}
	return out
}

func (t *Tracker) window(exchange string) *window {
	t.mu.RLock()
	w, ok := t.windows[exchange]
	t.mu.RUnlock()
	if ok {
		return w
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok = t.windows[exchange]; ok {
		return w
	}
	w = &window{start: t.now()}
	t.windows[exchange] = w
	return w
}

// roll must be called with w.mu held
func (t *Tracker) roll(w *window, now time.Time) {
	if now.Sub(w.start) >= t.length {
		w.start = now
		w.requests = 0
	}
}

// snapshot must be called with w.mu held
func (t *Tracker) snapshot(exchange string, w *window) Budget {
	status := Classify(w.requests, w.max)

	remaining := 0
	usage := 0.0
	if w.max > 0 {
		remaining = w.max - w.requests
		if remaining < 0 {
			remaining = 0
		}
		usage = float64(w.requests) / float64(w.max) * 100
	}

	return Budget{
		Exchange:         exchange,
		WindowRequests:   w.requests,
		MaxPerMinute:     w.max,
		Remaining:        remaining,
		UsagePercent:     usage,
		Status:           status,
		RecommendedDelay: RecommendedDelay(status),
		WindowStart:      w.start,
	}
}
