package exchanges

import (
	"context"
)

// pollOnly is embedded by adapters without a push channel. Live calls are
// accepted and ignored; the poller keeps those symbols fresh.
type pollOnly struct{}

func (pollOnly) SupportsLive() bool { return false }

func (pollOnly) SubscribeLive(context.Context, string, LiveCallback) error { return nil }

func (pollOnly) UnsubscribeLive(string) error { return nil }

func (pollOnly) Disconnect() error { return nil }
