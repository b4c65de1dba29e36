package exchanges

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pricefeed/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	streamReadTimeout  = 90 * time.Second
	streamWriteTimeout = 5 * time.Second
	streamDialTimeout  = 15 * time.Second
)

// streamSpec describes one exchange's push protocol
type streamSpec struct {
	url         string
	subscribe   func(native []string) interface{}
	unsubscribe func(native []string) interface{}
	// decode returns tickers whose Symbol is still the exchange-native symbol
	decode       func(message []byte) []*models.Ticker
	pingInterval time.Duration
	// pingFrame is sent as a text frame; nil sends a websocket ping control frame
	pingFrame []byte
}

type liveSub struct {
	symbol   string
	callback LiveCallback
}

// liveStream multiplexes every live symbol of one adapter over a single
// websocket, reconnecting with exponential backoff and resubscribing on
// every new connection
type liveStream struct {
	exchange   string
	spec       streamSpec
	logger     *logrus.Entry
	dialer     *websocket.Dialer
	staleAfter time.Duration

	mu     sync.Mutex
	subs   map[string]liveSub // native symbol -> subscriber
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
}

func newLiveStream(exchange string, spec streamSpec, opts Options) *liveStream {
	return &liveStream{
		exchange:   exchange,
		spec:       spec,
		logger:     opts.Logger.WithFields(logrus.Fields{"exchange": exchange, "component": "stream"}),
		dialer:     &websocket.Dialer{HandshakeTimeout: streamDialTimeout, Proxy: websocket.DefaultDialer.Proxy},
		staleAfter: opts.StaleAfter,
		subs:       make(map[string]liveSub),
	}
}

// Subscribe registers a callback for a symbol and starts the stream if needed
func (s *liveStream) Subscribe(native, symbol string, callback LiveCallback) error {
	s.mu.Lock()
	s.subs[native] = liveSub{symbol: symbol, callback: callback}
	conn := s.conn
	if s.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.run(ctx, s.done)
	}
	s.mu.Unlock()

	if conn != nil {
		return s.write(conn, s.spec.subscribe([]string{native}))
	}
	return nil
}

// Unsubscribe drops a symbol and stops the stream when nothing is left
func (s *liveStream) Unsubscribe(native string) error {
	s.mu.Lock()
	_, ok := s.subs[native]
	delete(s.subs, native)
	conn := s.conn
	empty := len(s.subs) == 0
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if empty {
		return s.Close()
	}
	if conn != nil {
		return s.write(conn, s.spec.unsubscribe([]string{native}))
	}
	return nil
}

// Close stops the stream. It is safe to call more than once.
func (s *liveStream) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	done := s.done
	s.cancel = nil
	s.conn = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done
	return nil
}

// Symbols returns the native symbols currently streamed
func (s *liveStream) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for native := range s.subs {
		out = append(out, native)
	}
	return out
}

func (s *liveStream) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sleep := retry.NextBackOff()
			s.logger.WithError(err).Warnf("Stream connect failed, retrying in %v", sleep)
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			continue
		}
		connected := time.Now()
		s.listen(ctx, conn)

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()

		// a connection that dropped quickly still counts against the backoff
		if time.Since(connected) > time.Minute {
			retry.Reset()
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry.NextBackOff()):
		}
	}
}

// connect dials and resubscribes every live symbol. The subscriber snapshot
// and the conn publication happen under one lock so a concurrent Subscribe
// either lands in the snapshot or sees the conn and sends its own frame.
func (s *liveStream) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.spec.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.exchange, err)
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return nil, ctx.Err()
	}
	native := make([]string, 0, len(s.subs))
	for n := range s.subs {
		native = append(native, n)
	}
	s.conn = conn
	s.mu.Unlock()

	if len(native) > 0 {
		if err := s.write(conn, s.spec.subscribe(native)); err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			conn.Close()
			return nil, fmt.Errorf("subscribe %s: %w", s.exchange, err)
		}
	}

	s.logger.Infof("Stream connected (%d symbols)", len(native))
	return conn, nil
}

func (s *liveStream) listen(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.spec.pingInterval > 0 {
		go s.keepAlive(connCtx, conn)
	}

	conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.WithError(err).Warn("Stream read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		s.dispatch(message)
	}
}

func (s *liveStream) dispatch(message []byte) {
	tickers := s.spec.decode(message)
	if len(tickers) == 0 {
		return
	}

	now := time.Now()
	for _, t := range tickers {
		s.mu.Lock()
		sub, ok := s.subs[t.Symbol]
		s.mu.Unlock()
		if !ok {
			continue
		}
		t.Symbol = sub.symbol
		sub.callback(t.WithStaleness(s.staleAfter, now))
	}
}

func (s *liveStream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.spec.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if s.spec.pingFrame != nil {
				err = conn.WriteMessage(websocket.TextMessage, s.spec.pingFrame)
			} else {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			s.writeMu.Unlock()
			if err != nil {
				s.logger.WithError(err).Debug("Stream ping failed")
				return
			}
		}
	}
}

func (s *liveStream) write(conn *websocket.Conn, frame interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(frame)
}
