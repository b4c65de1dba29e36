package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"pricefeed/internal/broadcast"
	"pricefeed/internal/metrics"
	"pricefeed/internal/models"
	"pricefeed/internal/pubsub"
	"pricefeed/internal/services/aggregator"
	"pricefeed/internal/services/price"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	healthy := 0
	exchanges := s.exchanges.Health()
	for _, h := range exchanges {
		if h.Healthy {
			healthy++
		}
	}

	status := "ok"
	if healthy == 0 {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"version":        s.opts.Version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"exchanges": gin.H{
			"healthy": healthy,
			"total":   len(exchanges),
		},
		"connections": s.hub.Count(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	delivered, failed := metrics.DeliveryTotals()
	c.JSON(http.StatusOK, gin.H{
		"sessions":    s.sessions.Stats(),
		"connections": s.hub.Count(),
		"broadcasts": gin.H{
			"delivered":      int64(delivered),
			"failed":         int64(failed),
			"per_second":     metrics.GetPriceBroadcastsPerSecond(),
			"active_symbols": len(s.sessions.ActiveSymbols()),
		},
	})
}

func (s *Server) handleExchanges(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"available":  s.exchanges.AvailableExchanges(),
		"registered": s.exchanges.Exchanges(),
	})
}

func (s *Server) handleExchangeHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"exchanges": s.exchanges.Health()})
}

func (s *Server) handleRestartExchange(c *gin.Context) {
	name := c.Param("name")

	known := false
	for _, ex := range s.exchanges.Exchanges() {
		if ex == name {
			known = true
			break
		}
	}
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown exchange: " + name})
		return
	}

	health, err := s.exchanges.RestartAdapter(c.Request.Context(), name)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "health": health})
		return
	}
	c.JSON(http.StatusOK, gin.H{"health": health})
}

func (s *Server) handleRateLimits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rate_limits": s.exchanges.RateLimitInfo()})
}

func (s *Server) handlePrice(c *gin.Context) {
	symbol := models.JoinSymbol(c.Param("base"), c.Param("quote"))

	ticker, err := s.prices.GetPrice(c.Request.Context(), symbol)
	switch {
	case errors.Is(err, models.ErrInvalidSymbol):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, price.ErrNoData):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "symbol": symbol})
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, ticker)
	}
}

func (s *Server) handleExpireSessions(c *gin.Context) {
	timeout := s.opts.IdleTimeout
	if raw := c.Query("timeout_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timeout_minutes must be a positive integer"})
			return
		}
		timeout = time.Duration(minutes) * time.Minute
	}
	if timeout <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeout_minutes is required"})
		return
	}

	expired := s.ExpireIdle(timeout)
	c.JSON(http.StatusOK, gin.H{
		"expired": expired,
		"count":   len(expired),
	})
}

func (s *Server) handleTicker(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMessageSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ticker, err := pubsub.DecodeTicker(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, s.engine.BroadcastTicker(ticker))
}

type notificationRequest struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title" binding:"required"`
	Message   string `json:"message" binding:"required"`
	Category  string `json:"category"`
}

func (s *Server) handleNotification(c *gin.Context) {
	var req notificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Category == "" {
		req.Category = "general"
	}

	targets := s.sessions.ActiveSessions()
	if req.SessionID != "" {
		targets = []string{req.SessionID}
	}

	delivered := s.engine.SendNotification(targets, req.Title, req.Message, req.Category)
	c.JSON(http.StatusOK, gin.H{
		"targets":   len(targets),
		"delivered": delivered,
	})
}

var (
	_ ExchangeRegistry    = (*aggregator.Registry)(nil)
	_ PriceLookup         = (*price.Service)(nil)
	_ broadcast.Transport = (*Hub)(nil)
)
