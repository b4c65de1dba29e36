package broadcast

import (
	"bytes"
	"encoding/json"
	"time"

	"pricefeed/internal/models"

	"github.com/shopspring/decimal"
)

// MessageType is the "type" field of every server->client message
type MessageType string

const (
	TypeWelcome                 MessageType = "welcome"
	TypeSubscriptionConfirmed   MessageType = "subscription_confirmed"
	TypeUnsubscriptionConfirmed MessageType = "unsubscription_confirmed"
	TypePong                    MessageType = "pong"
	TypePriceUpdate             MessageType = "price_update"
	TypeError                   MessageType = "error"
	TypeNotification            MessageType = "notification"
)

type field struct {
	key   string
	value interface{}
}

// Message is an envelope {type, symbol?, timestamp} plus an ordered,
// append-only key/value payload. Building one has no side effects.
type Message struct {
	Type      MessageType
	Symbol    string
	Timestamp time.Time
	fields    []field
}

func NewMessage(t MessageType, now time.Time) *Message {
	return &Message{Type: t, Timestamp: now}
}

// With sets a payload key. Envelope keys update the envelope and an existing
// key keeps its position with the new value.
func (m *Message) With(key string, value interface{}) *Message {
	switch key {
	case "type":
		if t, ok := value.(MessageType); ok {
			m.Type = t
		} else if s, ok := value.(string); ok {
			m.Type = MessageType(s)
		}
		return m
	case "symbol":
		if s, ok := value.(string); ok {
			m.Symbol = s
		}
		return m
	case "timestamp":
		if ts, ok := value.(time.Time); ok {
			m.Timestamp = ts
		}
		return m
	}

	for i := range m.fields {
		if m.fields[i].key == key {
			m.fields[i].value = value
			return m
		}
	}
	m.fields = append(m.fields, field{key: key, value: value})
	return m
}

// Get returns a payload value
func (m *Message) Get(key string) (interface{}, bool) {
	for _, f := range m.fields {
		if f.key == key {
			return f.value, true
		}
	}
	return nil, false
}

// MarshalJSON writes type, symbol, payload keys in insertion order, then
// timestamp as epoch milliseconds
func (m *Message) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	if err := writeJSON(&buf, string(m.Type)); err != nil {
		return nil, err
	}
	if m.Symbol != "" {
		buf.WriteString(`,"symbol":`)
		if err := writeJSON(&buf, m.Symbol); err != nil {
			return nil, err
		}
	}
	for _, f := range m.fields {
		buf.WriteByte(',')
		if err := writeJSON(&buf, f.key); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeJSON(&buf, f.value); err != nil {
			return nil, err
		}
	}
	buf.WriteString(`,"timestamp":`)
	if err := writeJSON(&buf, m.Timestamp.UnixMilli()); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// PriceData is the "data" object of a price_update
type PriceData struct {
	Price     decimal.Decimal     `json:"price"`
	Volume    *decimal.Decimal    `json:"volume,omitempty"`
	Exchange  string              `json:"exchange"`
	Bid       *decimal.Decimal    `json:"bid,omitempty"`
	Ask       *decimal.Decimal    `json:"ask,omitempty"`
	Change24h *decimal.Decimal    `json:"change24h,omitempty"`
	Status    models.TickerStatus `json:"status"`
}

func Welcome(sessionID, text string, now time.Time) *Message {
	return NewMessage(TypeWelcome, now).
		With("sessionId", sessionID).
		With("message", text)
}

func SubscriptionConfirmed(symbols []string, total int, now time.Time) *Message {
	return NewMessage(TypeSubscriptionConfirmed, now).
		With("symbols", nonNil(symbols)).
		With("totalSubscriptions", total)
}

func UnsubscriptionConfirmed(symbols []string, total int, now time.Time) *Message {
	return NewMessage(TypeUnsubscriptionConfirmed, now).
		With("symbols", nonNil(symbols)).
		With("totalSubscriptions", total)
}

func Pong(now time.Time) *Message {
	return NewMessage(TypePong, now)
}

func Error(text string, now time.Time) *Message {
	return NewMessage(TypeError, now).With("message", text)
}

func Notification(title, text, category string, now time.Time) *Message {
	return NewMessage(TypeNotification, now).
		With("title", title).
		With("message", text).
		With("category", category)
}

// PriceUpdate builds the client message for a ticker. The message timestamp
// is the ticker's own timestamp.
func PriceUpdate(t *models.Ticker) *Message {
	m := NewMessage(TypePriceUpdate, t.Timestamp)
	m.Symbol = t.Symbol
	return m.With("data", PriceData{
		Price:     t.Price,
		Volume:    t.Volume24h,
		Exchange:  t.Exchange,
		Bid:       t.Bid,
		Ask:       t.Ask,
		Change24h: t.Change24h,
		Status:    t.Status,
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
