package broadcast

import (
	"errors"

	"pricefeed/internal/models"
	"pricefeed/internal/session"

	"github.com/sirupsen/logrus"
)

// SessionControl is the part of the session registry that client requests mutate
type SessionControl interface {
	Subscribe(id string, symbols []string) (session.SubscribeResult, error)
	Unsubscribe(id string, symbols []string) (session.SubscribeResult, error)
	Touch(id string) error
}

// SubscriptionHook is told which symbols a client request touched, so the
// price service can start or stop feeds for them
type SubscriptionHook func(symbols []string)

// Controller turns raw client messages into session mutations and replies
type Controller struct {
	sessions    SessionControl
	engine      *Engine
	logger      *logrus.Logger
	onSubscribe SubscriptionHook
}

func NewController(sessions SessionControl, engine *Engine, logger *logrus.Logger) *Controller {
	return &Controller{sessions: sessions, engine: engine, logger: logger}
}

// OnSubscribe registers a hook called with newly accepted symbols
func (c *Controller) OnSubscribe(fn SubscriptionHook) {
	c.onSubscribe = fn
}

// Handle processes one client message. Every failure is answered with an
// error message; the connection is never dropped here.
func (c *Controller) Handle(sessionID string, data []byte) {
	if err := c.sessions.Touch(sessionID); err != nil {
		c.reply(sessionID, Error(clientError(err), c.engine.Now()))
		return
	}

	req, err := ParseRequest(data)
	if err != nil {
		c.logger.WithError(err).WithField("session_id", sessionID).Debug("Rejected client request")
		c.reply(sessionID, Error(clientError(err), c.engine.Now()))
		return
	}

	switch req.Action {
	case ActionPing:
		c.reply(sessionID, Pong(c.engine.Now()))

	case ActionSubscribe:
		res, err := c.sessions.Subscribe(sessionID, req.Symbols)
		if err != nil {
			c.reply(sessionID, Error(clientError(err), c.engine.Now()))
			return
		}
		c.reply(sessionID, SubscriptionConfirmed(res.Accepted, res.Total, c.engine.Now()))
		if len(res.Rejected) > 0 {
			c.reply(sessionID, Error("invalid symbols ignored", c.engine.Now()).With("symbols", res.Rejected))
		}
		if c.onSubscribe != nil && len(res.Accepted) > 0 {
			c.onSubscribe(res.Accepted)
		}

	case ActionUnsubscribe:
		res, err := c.sessions.Unsubscribe(sessionID, req.Symbols)
		if err != nil {
			c.reply(sessionID, Error(clientError(err), c.engine.Now()))
			return
		}
		c.reply(sessionID, UnsubscriptionConfirmed(res.Accepted, res.Total, c.engine.Now()))
	}
}

func (c *Controller) reply(sessionID string, msg *Message) {
	c.engine.SendControl(sessionID, msg)
}

// clientError maps internal errors onto the text a client sees
func clientError(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return "session not found"
	case errors.Is(err, session.ErrSessionInactive):
		return "session is no longer active"
	case errors.Is(err, models.ErrInvalidSymbol):
		return "invalid symbol: expected BASE/QUOTE, e.g. BTC/USDT"
	case errors.Is(err, ErrUnknownAction):
		return err.Error()
	case errors.Is(err, ErrMalformedRequest):
		return "malformed request"
	default:
		return "request failed"
	}
}
