package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterManager holds one request pacer per exchange
type LimiterManager struct {
	limiters map[string]*ExchangeLimiter
	mu       sync.RWMutex
}

// ExchangeLimiter paces outbound calls to one exchange and backs off
// adaptively after the exchange reports a rate-limit hit
type ExchangeLimiter struct {
	name    string
	limiter *rate.Limiter
	mu      sync.RWMutex

	requestCount     int64
	rateLimitHits    int64
	lastRateLimitHit time.Time

	backoffDuration   time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

// LimiterStats is a snapshot of a pacer's counters
type LimiterStats struct {
	Exchange       string    `json:"exchange"`
	RequestCount   int64     `json:"request_count"`
	RateLimitHits  int64     `json:"rate_limit_hits"`
	LastRateLimit  time.Time `json:"last_rate_limit"`
	CurrentBackoff int64     `json:"current_backoff_ms"`
}

// NewLimiterManager creates an empty manager
func NewLimiterManager() *LimiterManager {
	return &LimiterManager{
		limiters: make(map[string]*ExchangeLimiter),
	}
}

// RegisterExchange registers a pacer allowing rps requests per second with the given burst
func (m *LimiterManager) RegisterExchange(name string, rps float64, burst int) *ExchangeLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := &ExchangeLimiter{
		name:              name,
		limiter:           rate.NewLimiter(rate.Limit(rps), burst),
		maxBackoff:        5 * time.Minute,
		backoffMultiplier: 1.5,
	}
	m.limiters[name] = l
	return l
}

// GetLimiter returns the pacer for an exchange
func (m *LimiterManager) GetLimiter(exchange string) (*ExchangeLimiter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limiter, ok := m.limiters[exchange]
	if !ok {
		return nil, fmt.Errorf("rate limiter not found for %s", exchange)
	}
	return limiter, nil
}

// Wait blocks until a request may be made or ctx is done
func (e *ExchangeLimiter) Wait(ctx context.Context) error {
	e.mu.RLock()
	backoff := e.backoffDuration
	lastHit := e.lastRateLimitHit
	e.mu.RUnlock()

	if backoff > 0 {
		if remaining := backoff - time.Since(lastHit); remaining > 0 {
			timer := time.NewTimer(remaining)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	return e.limiter.Wait(ctx)
}

// InBackoff reports whether the pacer is still inside a backoff period
func (e *ExchangeLimiter) InBackoff() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.backoffDuration > 0 && time.Since(e.lastRateLimitHit) < e.backoffDuration
}

// RecordRateLimitHit grows the backoff after the exchange rejected a call
func (e *ExchangeLimiter) RecordRateLimitHit() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rateLimitHits++
	e.lastRateLimitHit = time.Now()

	if e.backoffDuration == 0 {
		e.backoffDuration = 1 * time.Second
	} else {
		e.backoffDuration = time.Duration(float64(e.backoffDuration) * e.backoffMultiplier)
		if e.backoffDuration > e.maxBackoff {
			e.backoffDuration = e.maxBackoff
		}
	}
}

// RecordSuccess counts a completed call and decays the backoff
func (e *ExchangeLimiter) RecordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requestCount++

	if e.backoffDuration > 0 {
		if time.Since(e.lastRateLimitHit) > 5*time.Minute {
			e.backoffDuration = 0
		} else {
			e.backoffDuration = time.Duration(float64(e.backoffDuration) * 0.9)
			if e.backoffDuration < time.Second {
				e.backoffDuration = 0
			}
		}
	}
}

// Stats returns the pacer counters
func (e *ExchangeLimiter) Stats() LimiterStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return LimiterStats{
		Exchange:       e.name,
		RequestCount:   e.requestCount,
		RateLimitHits:  e.rateLimitHits,
		LastRateLimit:  e.lastRateLimitHit,
		CurrentBackoff: e.backoffDuration.Milliseconds(),
	}
}
