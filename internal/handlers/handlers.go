package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tlgselvi/dese-backbone/internal/agentbus"
	"github.com/tlgselvi/dese-backbone/internal/gateway"
	"github.com/tlgselvi/dese-backbone/internal/journal"
	"github.com/tlgselvi/dese-backbone/internal/ledger"
	"github.com/tlgselvi/dese-backbone/pkg/auth"
	"github.com/tlgselvi/dese-backbone/pkg/cache"
	"github.com/tlgselvi/dese-backbone/pkg/logging"
)

const (
	statsCacheTTL   = 60 * time.Second
	contextCacheTTL = 300 * time.Second
)

// Handlers contains the HTTP handlers for the backbone service
type Handlers struct {
	ledger  *ledger.Ledger
	bus     *agentbus.Bus
	journal *journal.Journal
	gateway *gateway.Registry
	logger  logging.Logger

	statsCache   *cache.Cache
	contextCache *cache.Cache
	startTime    time.Time
}

// New creates a new handlers instance
func New(l *ledger.Ledger, b *agentbus.Bus, j *journal.Journal, g *gateway.Registry, logger logging.Logger) *Handlers {
	return &Handlers{
		ledger:       l,
		bus:          b,
		journal:      j,
		gateway:      g,
		logger:       logger,
		statsCache:   cache.New(cache.Options{TTL: statsCacheTTL, MaxEntries: 256}),
		contextCache: cache.New(cache.Options{TTL: contextCacheTTL, MaxEntries: 64}),
		startTime:    time.Now(),
	}
}

// RegisterRoutes wires the API surface onto the router. The websocket
// endpoint authenticates in-band, everything under /api/v1 requires a JWT.
func (h *Handlers) RegisterRoutes(router *gin.Engine, jwtSecret []byte) {
	router.GET("/ws/:module", h.HandleWebSocket)

	api := router.Group("/api/v1")
	api.Use(auth.JWTAuthMiddleware(jwtSecret))

	api.POST("/alerts", h.CreateAlert)
	api.GET("/alerts", h.RecentAlerts)
	api.GET("/alerts/history", h.AlertHistory)
	api.GET("/alerts/stats", h.AlertStats)
	api.POST("/alerts/:id/resolve", h.ResolveAlert)

	api.POST("/agents/messages", h.SendAgentMessage)
	api.GET("/agents/:agent/messages", h.ReceiveAgentMessages)
	api.POST("/agents/query", h.SendAgentQuery)
	api.POST("/agents/notifications", h.SendAgentNotification)
	api.POST("/agents/responses", h.SendAgentResponse)
	api.GET("/agents/streams", h.AgentStreams)

	api.GET("/remediation/history", h.RemediationHistory)
	api.GET("/remediation/suggestion", h.RemediationSuggestion)
	api.POST("/remediation/events", h.RecordRemediation)

	api.GET("/ws/:module/stats", h.WebSocketStats)
	api.GET("/modules/:module/context", h.ModuleContext)

	router.NoRoute(h.HandleNotFound)
}

// HandleNotFound provides a custom 404 handler
func (h *Handlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"service": "backboned",
		"message": "Endpoint not found",
	})
}

type createAlertRequest struct {
	Metric       string                 `json:"metric" binding:"required"`
	AnomalyScore ledger.AnomalyScore    `json:"anomalyScore"`
	Context      map[string]interface{} `json:"context"`
}

// CreateAlert appends a new alert to the ledger
func (h *Handlers) CreateAlert(c *gin.Context) {
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alert, err := h.ledger.CreateAlert(c.Request.Context(), req.Metric, req.AnomalyScore, req.Context)
	if err != nil {
		h.logger.WithError(err).WithField("metric", req.Metric).Error("Failed to create alert")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create alert"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"alert": alert})
}

// RecentAlerts returns the newest alerts, optionally filtered by severity
func (h *Handlers) RecentAlerts(c *gin.Context) {
	limit, err := intQuery(c, "limit", 10)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}
	severity := c.Query("severity")

	key := fmt.Sprintf("alerts:recent:%d:%s", limit, severity)
	result, err := h.statsCache.Get(c.Request.Context(), key, func(ctx context.Context, _ string) (interface{}, error) {
		return h.ledger.RecentAlerts(ctx, limit, ledger.Severity(severity))
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to fetch recent alerts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch alerts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": result})
}

// AlertHistory returns alerts inside an inclusive time window
func (h *Handlers) AlertHistory(c *gin.Context) {
	start, err := int64Query(c, "start", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid start"})
		return
	}
	end, err := int64Query(c, "end", time.Now().UnixMilli())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid end"})
		return
	}

	history, err := h.ledger.History(c.Request.Context(), start, end, ledger.Severity(c.Query("severity")))
	if err != nil {
		h.logger.WithError(err).Error("Failed to fetch alert history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch alert history"})
		return
	}

	c.JSON(http.StatusOK, history)
}

// AlertStats returns severity/resolution aggregates over a time range
func (h *Handlers) AlertStats(c *gin.Context) {
	timeRange := c.DefaultQuery("range", "24h")

	key := "alerts:stats:" + timeRange
	result, err := h.statsCache.Get(c.Request.Context(), key, func(ctx context.Context, _ string) (interface{}, error) {
		return h.ledger.Stats(ctx, timeRange)
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to compute alert stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute alert stats"})
		return
	}

	c.JSON(http.StatusOK, result)
}

type resolveAlertRequest struct {
	ResolvedBy string `json:"resolvedBy"`
}

// ResolveAlert appends a resolution entry for an alert id
func (h *Handlers) ResolveAlert(c *gin.Context) {
	alertID := c.Param("id")

	var req resolveAlertRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	resolvedBy := req.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = c.GetString("user_id")
	}
	if resolvedBy == "" {
		resolvedBy = "system"
	}

	resolved, err := h.ledger.Resolve(c.Request.Context(), alertID, resolvedBy)
	if err != nil {
		h.logger.WithError(err).WithField("alert_id", alertID).Error("Failed to resolve alert")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve alert"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"alertId": alertID, "resolved": resolved})
}

func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func int64Query(c *gin.Context, name string, fallback int64) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
