// Package session tracks connected clients and the symbols each one watches.
// It keeps the session->symbols index and the symbol->sessions reverse index
// consistent with each other under concurrent use.
package session

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionInactive  = errors.New("session inactive")
	ErrAlreadyConnected = errors.New("session already connected")
)

// Subscription is one symbol watched by a session
type Subscription struct {
	Symbol string `json:"symbol"`
	Active bool   `json:"active"`
}

// Session is one connected client. Mutations go through the Registry.
type Session struct {
	ID          string
	UserID      string
	ClientAddr  string
	ConnectedAt time.Time

	active       atomic.Bool
	lastActivity atomic.Int64 // unix nanos

	mu             sync.Mutex
	subscriptions  map[string]*Subscription
	disconnectedAt time.Time
}

func newSession(id, userID, clientAddr string, now time.Time) *Session {
	s := &Session{
		ID:            id,
		UserID:        userID,
		ClientAddr:    clientAddr,
		ConnectedAt:   now,
		subscriptions: make(map[string]*Subscription),
	}
	s.active.Store(true)
	s.lastActivity.Store(now.UnixNano())
	return s
}

// NewAuthenticated builds a session bound to a user
func NewAuthenticated(id, userID, clientAddr string, now time.Time) *Session {
	return newSession(id, userID, clientAddr, now)
}

// NewAnonymous builds a session without a user
func NewAnonymous(id, clientAddr string, now time.Time) *Session {
	return newSession(id, "", clientAddr, now)
}

func (s *Session) Authenticated() bool { return s.UserID != "" }

func (s *Session) Active() bool { return s.active.Load() }

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// Info is a read-only snapshot of a session
type Info struct {
	ID            string    `json:"session_id"`
	UserID        string    `json:"user_id,omitempty"`
	ClientAddr    string    `json:"client_addr"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	Active        bool      `json:"active"`
	Authenticated bool      `json:"authenticated"`
	Symbols       []string  `json:"symbols"`
}

// Info returns a snapshot of the session and its active subscriptions
func (s *Session) Info() Info {
	s.mu.Lock()
	symbols := s.symbolsLocked()
	s.mu.Unlock()

	return Info{
		ID:            s.ID,
		UserID:        s.UserID,
		ClientAddr:    s.ClientAddr,
		ConnectedAt:   s.ConnectedAt,
		LastActivity:  s.LastActivity(),
		Active:        s.Active(),
		Authenticated: s.Authenticated(),
		Symbols:       symbols,
	}
}

// symbolsLocked must be called with s.mu held
func (s *Session) symbolsLocked() []string {
	out := make([]string, 0, len(s.subscriptions))
	for symbol, sub := range s.subscriptions {
		if sub.Active {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out
}
