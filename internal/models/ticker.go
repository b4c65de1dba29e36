package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickerStatus describes the quality of a ticker snapshot
type TickerStatus string

const (
	TickerActive TickerStatus = "ACTIVE"
	TickerStale  TickerStatus = "STALE"
	TickerError  TickerStatus = "ERROR"
)

// ErrorKind classifies why an adapter produced an ERROR ticker
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindUpstreamTimeout ErrorKind = "upstream_timeout"
	ErrorKindUpstreamError   ErrorKind = "upstream_error"
	ErrorKindRateLimited     ErrorKind = "rate_limited"
	ErrorKindInvalidSymbol   ErrorKind = "invalid_symbol"
)

// Ticker is one normalized price snapshot for a symbol on one exchange
type Ticker struct {
	Symbol       string           `json:"symbol"`
	Exchange     string           `json:"exchange"`
	Price        decimal.Decimal  `json:"price"`
	Bid          *decimal.Decimal `json:"bid,omitempty"`
	Ask          *decimal.Decimal `json:"ask,omitempty"`
	Volume24h    *decimal.Decimal `json:"volume_24h,omitempty"`
	Change24h    *decimal.Decimal `json:"change_24h,omitempty"` // percent
	Timestamp    time.Time        `json:"timestamp"`
	Status       TickerStatus     `json:"status"`
	ErrorKind    ErrorKind        `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// NewErrorTicker builds an ERROR ticker. It never carries a price.
func NewErrorTicker(exchange, symbol string, kind ErrorKind, message string) *Ticker {
	return &Ticker{
		Symbol:       symbol,
		Exchange:     exchange,
		Price:        decimal.Zero,
		Timestamp:    time.Now(),
		Status:       TickerError,
		ErrorKind:    kind,
		ErrorMessage: message,
	}
}

// IsError reports whether the ticker encodes a failed fetch
func (t *Ticker) IsError() bool {
	return t == nil || t.Status == TickerError
}

// WithStaleness returns a copy marked STALE when its timestamp is older than maxAge.
// ERROR tickers and a non-positive maxAge are returned unchanged.
func (t *Ticker) WithStaleness(maxAge time.Duration, now time.Time) *Ticker {
	if t.IsError() || maxAge <= 0 || t.Timestamp.IsZero() {
		return t
	}
	if now.Sub(t.Timestamp) <= maxAge {
		return t
	}
	stale := *t
	stale.Status = TickerStale
	return &stale
}

// DecimalPtr parses s and returns nil for empty or malformed input
func DecimalPtr(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

// PercentChange returns (last-open)/open*100, or nil when open is zero
func PercentChange(last, open decimal.Decimal) *decimal.Decimal {
	if open.IsZero() {
		return nil
	}
	pct := last.Sub(open).Div(open).Mul(decimal.NewFromInt(100))
	return &pct
}
