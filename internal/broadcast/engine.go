// Package broadcast fans tickers out to the sessions that watch them and
// builds the control messages sent back to clients.
package broadcast

import (
	"errors"
	"time"

	"pricefeed/internal/metrics"
	"pricefeed/internal/models"

	"github.com/sirupsen/logrus"
)

// ErrTransportSend marks a failed delivery to one session
var ErrTransportSend = errors.New("transport send failure")

// Transport delivers an encoded message to one session
type Transport interface {
	Send(sessionID string, payload []byte) error
}

// SessionLookup resolves the sessions subscribed to a symbol
type SessionLookup interface {
	SessionsFor(symbol string) []string
}

// Result describes one ticker broadcast
type Result struct {
	Symbol     string   `json:"symbol"`
	Recipients int      `json:"recipients"`
	Delivered  int      `json:"delivered"`
	Failed     []string `json:"failed,omitempty"`
}

type Engine struct {
	sessions  SessionLookup
	transport Transport
	logger    *logrus.Logger
	now       func() time.Time
}

func NewEngine(sessions SessionLookup, transport Transport, logger *logrus.Logger) *Engine {
	return &Engine{
		sessions:  sessions,
		transport: transport,
		logger:    logger,
		now:       time.Now,
	}
}

// BroadcastTicker sends a price_update to every session subscribed to the
// ticker's symbol. One recipient's failure never stops the others. ERROR
// tickers are not broadcast.
func (e *Engine) BroadcastTicker(t *models.Ticker) Result {
	if t.IsError() {
		return Result{}
	}
	symbol := models.NormalizeSymbol(t.Symbol)
	result := Result{Symbol: symbol}

	recipients := e.sessions.SessionsFor(symbol)
	if len(recipients) == 0 {
		return result
	}
	result.Recipients = len(recipients)

	start := time.Now()
	normalized := *t
	normalized.Symbol = symbol
	payload, err := PriceUpdate(&normalized).MarshalJSON()
	if err != nil {
		e.logger.WithError(err).WithField("symbol", symbol).Error("Failed to encode price update")
		result.Failed = recipients
		return result
	}

	for _, id := range recipients {
		if err := e.transport.Send(id, payload); err != nil {
			result.Failed = append(result.Failed, id)
			e.logger.WithError(err).WithFields(logrus.Fields{
				"session_id": id,
				"symbol":     symbol,
			}).Warn("Price update delivery failed")
			continue
		}
		result.Delivered++
	}

	metrics.TrackLatency(start, metrics.BroadcastLatency)
	metrics.TrackPriceBroadcast(symbol)
	metrics.RecordDeliveries(result.Delivered, len(result.Failed))
	return result
}

// SendControl delivers a control message to one session. Failures are logged
// and reported as false, never returned.
func (e *Engine) SendControl(sessionID string, msg *Message) bool {
	payload, err := msg.MarshalJSON()
	if err != nil {
		e.logger.WithError(err).WithField("type", msg.Type).Error("Failed to encode control message")
		return false
	}

	metrics.ControlMessages.WithLabelValues(string(msg.Type)).Inc()
	if err := e.transport.Send(sessionID, payload); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": sessionID,
			"type":       msg.Type,
		}).Warn("Control message delivery failed")
		return false
	}
	return true
}

// SendNotification delivers a notification to each session and returns how
// many received it
func (e *Engine) SendNotification(sessionIDs []string, title, text, category string) int {
	msg := Notification(title, text, category, e.now())
	delivered := 0
	for _, id := range sessionIDs {
		if e.SendControl(id, msg) {
			delivered++
		}
	}
	return delivered
}

// Now is the engine's clock, used to stamp control messages
func (e *Engine) Now() time.Time {
	return e.now()
}
