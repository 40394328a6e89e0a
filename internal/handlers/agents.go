package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tlgselvi/dese-backbone/internal/agentbus"
)

type sendMessageRequest struct {
	From          string                 `json:"from" binding:"required"`
	To            string                 `json:"to" binding:"required"`
	Type          string                 `json:"type" binding:"required"`
	Data          map[string]interface{} `json:"data"`
	CorrelationID string                 `json:"correlationId"`
}

// SendAgentMessage appends one message to the recipient agent's stream
func (h *Handlers) SendAgentMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	from, err := agentbus.ParseAgentID(req.From)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg := &agentbus.Message{
		From:          from,
		To:            req.To,
		Type:          agentbus.MessageType(req.Type),
		Data:          req.Data,
		CorrelationID: req.CorrelationID,
	}

	entryID, err := h.bus.SendMessage(c.Request.Context(), msg)
	if err != nil {
		if errors.Is(err, agentbus.ErrUnknownAgent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.WithError(err).Error("Failed to send agent message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send message"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"entryId": entryID, "messageId": msg.MessageID, "correlationId": msg.CorrelationID})
}

// ReceiveAgentMessages reads messages from one agent's stream
func (h *Handlers) ReceiveAgentMessages(c *gin.Context) {
	agent, err := agentbus.ParseAgentID(c.Param("agent"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	count, err := intQuery(c, "count", 10)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid count"})
		return
	}

	messages, err := h.bus.ReceiveMessages(c.Request.Context(), agent, count)
	if err != nil {
		h.logger.WithError(err).WithField("agent", agent).Error("Failed to receive agent messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to receive messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"agent": agent, "messages": messages})
}

type queryRequest struct {
	From      string                 `json:"from" binding:"required"`
	To        string                 `json:"to" binding:"required"`
	Query     map[string]interface{} `json:"query"`
	TimeoutMs int                    `json:"timeoutMs"`
}

// SendAgentQuery sends a query and waits for the correlated response. A
// null response means no answer arrived inside the timeout.
func (h *Handlers) SendAgentQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	from, err := agentbus.ParseAgentID(req.From)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := agentbus.ParseAgentID(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timeout := agentbus.DefaultWaitTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	resp, err := h.bus.SendQuery(c.Request.Context(), from, to, req.Query, timeout)
	if err != nil {
		h.logger.WithError(err).Error("Failed to send agent query")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send query"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"response": resp})
}

type notificationRequest struct {
	From         string                 `json:"from" binding:"required"`
	To           string                 `json:"to" binding:"required"`
	Notification map[string]interface{} `json:"notification"`
}

// SendAgentNotification sends a fire-and-forget notification
func (h *Handlers) SendAgentNotification(c *gin.Context) {
	var req notificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	from, err := agentbus.ParseAgentID(req.From)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entryID, err := h.bus.SendNotification(c.Request.Context(), from, req.To, req.Notification)
	if err != nil {
		if errors.Is(err, agentbus.ErrUnknownAgent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.WithError(err).Error("Failed to send agent notification")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send notification"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"entryId": entryID})
}

type responseRequest struct {
	From          string                 `json:"from" binding:"required"`
	To            string                 `json:"to" binding:"required"`
	CorrelationID string                 `json:"correlationId" binding:"required"`
	Response      map[string]interface{} `json:"response"`
}

// SendAgentResponse answers a previously received query or request
func (h *Handlers) SendAgentResponse(c *gin.Context) {
	var req responseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	from, err := agentbus.ParseAgentID(req.From)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := agentbus.ParseAgentID(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entryID, err := h.bus.SendResponse(c.Request.Context(), from, to, req.CorrelationID, req.Response)
	if err != nil {
		h.logger.WithError(err).Error("Failed to send agent response")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send response"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"entryId": entryID})
}

// AgentStreams returns introspection for every agent stream
func (h *Handlers) AgentStreams(c *gin.Context) {
	info, err := h.bus.AllInfo(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to read agent stream info")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read stream info"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"streams": info})
}
