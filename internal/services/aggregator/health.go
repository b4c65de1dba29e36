package aggregator

import (
	"time"

	"pricefeed/internal/ratelimit"
)

// State is an adapter's position in its lifecycle
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateHealthy       State = "healthy"
	StateUnhealthy     State = "unhealthy"
	StateDisconnected  State = "disconnected"
)

// Healthy reports whether calls may be routed to an adapter in this state
func (s State) Healthy() bool {
	return s == StateHealthy
}

// canTransition encodes Uninitialized -> Initializing -> Healthy <-> Unhealthy -> Disconnected.
// Disconnected is reachable from anywhere and Initializing only from the
// ends of the cycle.
func (s State) canTransition(to State) bool {
	switch to {
	case StateDisconnected:
		return true
	case StateInitializing:
		return s == StateUninitialized || s == StateDisconnected
	case StateHealthy, StateUnhealthy:
		return s == StateInitializing || s == StateHealthy || s == StateUnhealthy
	default:
		return false
	}
}

// AdapterHealth is a read-only snapshot of one adapter
type AdapterHealth struct {
	Exchange     string                  `json:"exchange"`
	State        State                   `json:"state"`
	Healthy      bool                    `json:"healthy"`
	LastChecked  time.Time               `json:"last_checked"`
	LastError    string                  `json:"last_error,omitempty"`
	Failures     int64                   `json:"failures"`
	SupportsLive bool                    `json:"supports_live"`
	Pacer        *ratelimit.LimiterStats `json:"pacer,omitempty"`
}
