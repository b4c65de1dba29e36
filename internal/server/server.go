package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pricefeed/internal/broadcast"
	"pricefeed/internal/models"
	"pricefeed/internal/ratelimit"
	"pricefeed/internal/services/aggregator"
	"pricefeed/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const welcomeText = "Connected to price feed"

// ExchangeRegistry is the admin view of the exchange adapters
type ExchangeRegistry interface {
	AvailableExchanges() []string
	Exchanges() []string
	Health() []aggregator.AdapterHealth
	RateLimitInfo() map[string]ratelimit.Budget
	RestartAdapter(ctx context.Context, exchange string) (aggregator.AdapterHealth, error)
}

// PriceLookup resolves the current best ticker for a symbol
type PriceLookup interface {
	GetPrice(ctx context.Context, symbol string) (*models.Ticker, error)
}

// Options configures the HTTP server
type Options struct {
	Port        int
	Environment string
	Version     string
	IdleTimeout time.Duration
}

// Server serves client websockets and the admin API
type Server struct {
	opts      Options
	sessions  *session.Registry
	hub       *Hub
	engine    *broadcast.Engine
	control   *broadcast.Controller
	exchanges ExchangeRegistry
	prices    PriceLookup
	logger    *logrus.Logger

	upgrader  websocket.Upgrader
	router    *gin.Engine
	http      *http.Server
	startTime time.Time
}

func NewServer(
	opts Options,
	sessions *session.Registry,
	hub *Hub,
	engine *broadcast.Engine,
	control *broadcast.Controller,
	exchanges ExchangeRegistry,
	prices PriceLookup,
	logger *logrus.Logger,
) *Server {
	if opts.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		opts:      opts,
		sessions:  sessions,
		hub:       hub,
		engine:    engine,
		control:   control,
		exchanges: exchanges,
		prices:    prices,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes()

	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: s.router,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/ws", s.handleWebSocket)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/v1")
	api.GET("/stats", s.handleStats)
	api.GET("/exchanges", s.handleExchanges)
	api.GET("/exchanges/health", s.handleExchangeHealth)
	api.POST("/exchanges/:name/restart", s.handleRestartExchange)
	api.GET("/rate-limits", s.handleRateLimits)
	api.GET("/prices/:base/:quote", s.handlePrice)
	api.POST("/sessions/expire", s.handleExpireSessions)
	api.POST("/tickers", s.handleTicker)
	api.POST("/notifications", s.handleNotification)
}

// Handler exposes the router, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown
func (s *Server) Start() error {
	s.logger.Infof("HTTP server starting on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes every client connection and stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	return s.http.Shutdown(ctx)
}

// ExpireIdle disconnects idle sessions and closes their connections
func (s *Server) ExpireIdle(timeout time.Duration) []string {
	expired := s.sessions.ExpireIdle(timeout)
	for _, id := range expired {
		s.hub.Close(id)
	}
	return expired
}

func (s *Server) handleWebSocket(c *gin.Context) {
	id, err := s.sessions.Connect(c.Query("session_id"), c.Query("user_id"), c.ClientIP())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrAlreadyConnected) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.sessions.Disconnect(id)
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := newClient(id, conn, s.hubBuffer(), s.logger)
	s.hub.add(client)
	s.logger.WithFields(logrus.Fields{
		"session_id": id,
		"remote":     c.ClientIP(),
	}).Info("Client connected")

	go client.writePump()
	s.engine.SendControl(id, broadcast.Welcome(id, welcomeText, s.engine.Now()))

	go func() {
		client.readPump(s.control.Handle)
		if s.hub.remove(client) {
			s.sessions.Disconnect(id)
		}
		s.logger.WithField("session_id", id).Info("Client disconnected")
	}()
}

func (s *Server) hubBuffer() int {
	if s.hub.sendBuffer > 0 {
		return s.hub.sendBuffer
	}
	return defaultSendBuffer
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Milliseconds(),
		})
		if len(c.Errors) > 0 {
			entry.WithField("error", c.Errors.String()).Warn("HTTP request")
			return
		}
		entry.Debug("HTTP request")
	}
}
