package session

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"pricefeed/internal/metrics"
	"pricefeed/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const shardCount = 32

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

type symbolShard struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]struct{} // symbol -> session ids
}

// Registry owns every session and the symbol->sessions reverse index.
//
// Sessions and symbols live in separate fnv-sharded maps so broadcast reads
// of one symbol never wait on subscription churn for another. A session's
// own mutex is always taken before any symbol shard lock, and the pair of
// indices for a session only changes while its mutex is held.
type Registry struct {
	logger   *logrus.Logger
	sessions [shardCount]*sessionShard
	symbols  [shardCount]*symbolShard
	now      func() time.Time
}

// SubscribeResult reports which requested symbols were applied
type SubscribeResult struct {
	Accepted []string `json:"accepted"`
	Rejected []string `json:"rejected,omitempty"`
	Total    int      `json:"total"`
}

// Stats is a derived read-only snapshot of the registry
type Stats struct {
	Total           int            `json:"total"`
	Active          int            `json:"active"`
	Authenticated   int            `json:"authenticated"`
	Anonymous       int            `json:"anonymous"`
	PerSymbolCounts map[string]int `json:"per_symbol_counts"`
}

func NewRegistry(logger *logrus.Logger) *Registry {
	r := &Registry{logger: logger, now: time.Now}
	for i := 0; i < shardCount; i++ {
		r.sessions[i] = &sessionShard{sessions: make(map[string]*Session)}
		r.symbols[i] = &symbolShard{subscribers: make(map[string]map[string]struct{})}
	}
	return r
}

// WithClock replaces the time source, for tests
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % shardCount
}

func (r *Registry) sessionShard(id string) *sessionShard { return r.sessions[shardFor(id)] }

func (r *Registry) symbolShard(symbol string) *symbolShard { return r.symbols[shardFor(symbol)] }

func (r *Registry) lookup(id string) *Session {
	shard := r.sessionShard(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.sessions[id]
}

// Connect creates a session. An empty id gets a generated one; an empty
// userID makes the session anonymous. A stale inactive record under the same
// id is replaced.
func (r *Registry) Connect(id, userID, clientAddr string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	now := r.now()
	var s *Session
	if userID != "" {
		s = NewAuthenticated(id, userID, clientAddr, now)
	} else {
		s = NewAnonymous(id, clientAddr, now)
	}

	shard := r.sessionShard(id)
	shard.mu.Lock()
	if existing, ok := shard.sessions[id]; ok {
		if existing.Active() {
			shard.mu.Unlock()
			return id, fmt.Errorf("%w: %s", ErrAlreadyConnected, id)
		}
		r.logger.WithField("session_id", id).Debug("Replacing stale inactive session")
	}
	shard.sessions[id] = s
	shard.mu.Unlock()

	kind := "anonymous"
	if s.Authenticated() {
		kind = "authenticated"
	}
	metrics.SessionsTotal.WithLabelValues(kind).Inc()
	metrics.SessionsActive.Inc()

	r.logger.WithFields(logrus.Fields{
		"session_id": id,
		"user_id":    userID,
		"client":     clientAddr,
	}).Info("Session connected")
	return id, nil
}

// Disconnect deactivates a session and removes it from every symbol bucket.
// It reports whether the session was active.
func (r *Registry) Disconnect(id string) bool {
	s := r.lookup(id)
	if s == nil {
		return false
	}

	s.mu.Lock()
	if !s.active.Load() {
		s.mu.Unlock()
		return false
	}
	removed := 0
	for symbol, sub := range s.subscriptions {
		if sub.Active {
			sub.Active = false
			r.removeSubscriber(symbol, id)
			removed++
		}
	}
	s.disconnectedAt = r.now()
	// Connect may replace the record as soon as it reads inactive, so the
	// buckets must already be free of this id
	s.active.Store(false)
	s.mu.Unlock()

	metrics.SessionsActive.Dec()
	metrics.Subscriptions.Sub(float64(removed))

	r.logger.WithFields(logrus.Fields{
		"session_id":    id,
		"subscriptions": removed,
	}).Info("Session disconnected")
	return true
}

// Subscribe adds symbols to a session. Invalid symbols are reported in
// Rejected; the call fails with models.ErrInvalidSymbol only when no symbol
// was valid.
func (r *Registry) Subscribe(id string, symbols []string) (SubscribeResult, error) {
	var result SubscribeResult

	s := r.lookup(id)
	if s == nil {
		return result, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	valid := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		symbol, err := models.CanonicalSymbol(raw)
		if err != nil {
			result.Rejected = append(result.Rejected, raw)
			continue
		}
		valid = append(valid, symbol)
	}
	if len(valid) == 0 {
		return result, fmt.Errorf("%w: no valid symbols in %v", models.ErrInvalidSymbol, symbols)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active.Load() {
		return result, fmt.Errorf("%w: %s", ErrSessionInactive, id)
	}

	added := 0
	seen := make(map[string]struct{}, len(valid))
	for _, symbol := range valid {
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		result.Accepted = append(result.Accepted, symbol)

		if sub, ok := s.subscriptions[symbol]; ok && sub.Active {
			continue
		}
		s.subscriptions[symbol] = &Subscription{Symbol: symbol, Active: true}
		r.addSubscriber(symbol, id)
		added++
	}
	s.touch(r.now())
	result.Total = len(s.symbolsLocked())

	metrics.Subscriptions.Add(float64(added))
	return result, nil
}

// Unsubscribe removes symbols from a session. Symbols the session never
// subscribed to are ignored.
func (r *Registry) Unsubscribe(id string, symbols []string) (SubscribeResult, error) {
	var result SubscribeResult

	s := r.lookup(id)
	if s == nil {
		return result, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active.Load() {
		return result, fmt.Errorf("%w: %s", ErrSessionInactive, id)
	}

	removed := 0
	for _, raw := range symbols {
		symbol := models.NormalizeSymbol(raw)
		sub, ok := s.subscriptions[symbol]
		if !ok {
			continue
		}
		delete(s.subscriptions, symbol)
		if sub.Active {
			r.removeSubscriber(symbol, id)
			removed++
		}
		result.Accepted = append(result.Accepted, symbol)
	}
	s.touch(r.now())
	result.Total = len(s.symbolsLocked())

	metrics.Subscriptions.Sub(float64(removed))
	return result, nil
}

// addSubscriber must be called with the session's mutex held
func (r *Registry) addSubscriber(symbol, id string) {
	shard := r.symbolShard(symbol)
	shard.mu.Lock()
	ids, ok := shard.subscribers[symbol]
	if !ok {
		ids = make(map[string]struct{})
		shard.subscribers[symbol] = ids
	}
	ids[id] = struct{}{}
	shard.mu.Unlock()
}

// removeSubscriber must be called with the session's mutex held
func (r *Registry) removeSubscriber(symbol, id string) {
	shard := r.symbolShard(symbol)
	shard.mu.Lock()
	if ids, ok := shard.subscribers[symbol]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(shard.subscribers, symbol)
		}
	}
	shard.mu.Unlock()
}

// SessionsFor returns the active sessions subscribed to symbol
func (r *Registry) SessionsFor(symbol string) []string {
	symbol = models.NormalizeSymbol(symbol)
	shard := r.symbolShard(symbol)

	shard.mu.RLock()
	ids := make([]string, 0, len(shard.subscribers[symbol]))
	for id := range shard.subscribers[symbol] {
		ids = append(ids, id)
	}
	shard.mu.RUnlock()

	out := ids[:0]
	for _, id := range ids {
		if s := r.lookup(id); s != nil && s.Active() {
			out = append(out, id)
		}
	}
	return out
}

// Touch records client activity
func (r *Registry) Touch(id string) error {
	s := r.lookup(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !s.Active() {
		return fmt.Errorf("%w: %s", ErrSessionInactive, id)
	}
	s.touch(r.now())
	return nil
}

// ExpireIdle disconnects every active session idle for longer than timeout
// and returns their ids
func (r *Registry) ExpireIdle(timeout time.Duration) []string {
	cutoff := r.now().Add(-timeout)

	var idle []string
	r.forEach(func(s *Session) {
		if s.Active() && s.LastActivity().Before(cutoff) {
			idle = append(idle, s.ID)
		}
	})

	var expired []string
	for _, id := range idle {
		// activity may have arrived since the scan
		if s := r.lookup(id); s == nil || !s.LastActivity().Before(cutoff) {
			continue
		}
		if r.Disconnect(id) {
			expired = append(expired, id)
		}
	}

	if len(expired) > 0 {
		metrics.SessionsExpired.Add(float64(len(expired)))
		r.logger.WithFields(logrus.Fields{
			"expired": len(expired),
			"timeout": timeout,
		}).Info("Expired idle sessions")
	}
	return expired
}

// PurgeInactive drops inactive session records disconnected more than
// olderThan ago and returns how many were removed
func (r *Registry) PurgeInactive(olderThan time.Duration) int {
	cutoff := r.now().Add(-olderThan)
	purged := 0

	for _, shard := range r.sessions {
		shard.mu.Lock()
		for id, s := range shard.sessions {
			if s.Active() {
				continue
			}
			s.mu.Lock()
			old := s.disconnectedAt.Before(cutoff)
			s.mu.Unlock()
			if old {
				delete(shard.sessions, id)
				purged++
			}
		}
		shard.mu.Unlock()
	}

	if purged > 0 {
		r.logger.WithField("purged", purged).Debug("Purged inactive sessions")
	}
	return purged
}

// Get returns a snapshot of one session
func (r *Registry) Get(id string) (Info, bool) {
	s := r.lookup(id)
	if s == nil {
		return Info{}, false
	}
	return s.Info(), true
}

// ActiveSessions lists the ids of every active session
func (r *Registry) ActiveSessions() []string {
	var ids []string
	r.forEach(func(s *Session) {
		if s.Active() {
			ids = append(ids, s.ID)
		}
	})
	sort.Strings(ids)
	return ids
}

// ActiveSymbols lists every symbol with at least one active subscriber
func (r *Registry) ActiveSymbols() []string {
	var out []string
	for _, shard := range r.symbols {
		shard.mu.RLock()
		for symbol, ids := range shard.subscribers {
			if len(ids) > 0 {
				out = append(out, symbol)
			}
		}
		shard.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Stats returns session counts and per-symbol subscriber counts
func (r *Registry) Stats() Stats {
	stats := Stats{PerSymbolCounts: make(map[string]int)}

	r.forEach(func(s *Session) {
		stats.Total++
		if !s.Active() {
			return
		}
		stats.Active++
		if s.Authenticated() {
			stats.Authenticated++
		} else {
			stats.Anonymous++
		}
	})

	for _, shard := range r.symbols {
		shard.mu.RLock()
		for symbol, ids := range shard.subscribers {
			stats.PerSymbolCounts[symbol] = len(ids)
		}
		shard.mu.RUnlock()
	}
	return stats
}

func (r *Registry) forEach(fn func(s *Session)) {
	for _, shard := range r.sessions {
		shard.mu.RLock()
		sessions := make([]*Session, 0, len(shard.sessions))
		for _, s := range shard.sessions {
			sessions = append(sessions, s)
		}
		shard.mu.RUnlock()

		for _, s := range sessions {
			fn(s)
		}
	}
}
