package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tlgselvi/dese-backbone/internal/agentbus"
	"github.com/tlgselvi/dese-backbone/internal/journal"
)

// HandleWebSocket upgrades the connection on the module's gateway server
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	module := c.Param("module")
	srv, ok := h.gateway.Server(module)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown module"})
		return
	}
	srv.ServeWS(c.Writer, c.Request)
}

// WebSocketStats returns connection/topic counts for one module's gateway
func (h *Handlers) WebSocketStats(c *gin.Context) {
	module := c.Param("module")
	stats, ok := h.gateway.Stats(module)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown module"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"module": module, "stats": stats})
}

// ModuleContext returns a cached context summary for one module: gateway
// stats, the module's agent stream if it has one, and alert aggregates for
// the anomaly module.
func (h *Handlers) ModuleContext(c *gin.Context) {
	module := c.Param("module")
	if _, ok := h.gateway.Server(module); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown module"})
		return
	}

	key := "modules:context:" + module
	result, err := h.contextCache.Get(c.Request.Context(), key, func(ctx context.Context, _ string) (interface{}, error) {
		return h.buildModuleContext(ctx, module)
	})
	if err != nil {
		h.logger.WithError(err).WithField("module", module).Error("Failed to build module context")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build module context"})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handlers) buildModuleContext(ctx context.Context, module string) (map[string]interface{}, error) {
	summary := map[string]interface{}{
		"module":      module,
		"generatedAt": time.Now().UnixMilli(),
	}

	if stats, ok := h.gateway.Stats(module); ok {
		summary["websocket"] = stats
	}

	if agent, err := agentbus.ParseAgentID(module); err == nil {
		info, err := h.bus.Info(ctx, agent)
		if err != nil {
			return nil, err
		}
		summary["agentStream"] = info
	}

	if module == "dese" {
		stats, err := h.ledger.Stats(ctx, "24h")
		if err != nil {
			return nil, err
		}
		summary["alerts"] = stats
	}

	return summary, nil
}

// RemediationHistory returns the most recent remediation events
func (h *Handlers) RemediationHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": h.journal.Replay()})
}

// RemediationSuggestion maps a metric and severity onto a suggested action
func (h *Handlers) RemediationSuggestion(c *gin.Context) {
	metric := c.Query("metric")
	if metric == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "metric is required"})
		return
	}
	severity := c.DefaultQuery("severity", "low")

	c.JSON(http.StatusOK, gin.H{
		"metric":   metric,
		"severity": severity,
		"action":   journal.SuggestAction(metric, severity),
	})
}

type recordRemediationRequest struct {
	Metric   string `json:"metric" binding:"required"`
	Action   string `json:"action" binding:"required"`
	Severity string `json:"severity"`
	Status   string `json:"status"`
}

// RecordRemediation appends an executed action to the journal
func (h *Handlers) RecordRemediation(c *gin.Context) {
	var req recordRemediationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := req.Status
	if status == "" {
		status = "executed"
	}

	event := journal.Event{
		Timestamp: time.Now().UnixMilli(),
		Metric:    req.Metric,
		Action:    req.Action,
		Severity:  req.Severity,
		Status:    status,
	}
	h.journal.Record(event)

	c.JSON(http.StatusCreated, gin.H{"event": event})
}
