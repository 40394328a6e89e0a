package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tlgselvi/dese-backbone/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

// Conn is one websocket connection scoped to a module. It starts
// unauthenticated; a query message carrying a valid token promotes it.
// The mutable fields below the ws handle are guarded by server.mu.
type Conn struct {
	id     string
	server *Server
	ws     *websocket.Conn
	send   chan []byte
	logger logging.Logger

	authenticated bool
	userID        string
	email         string
	role          string
	topics        map[string]struct{}
}

// readPump pumps inbound messages from the websocket to the server. It is
// the only goroutine mutating the connection's auth and subscription state.
func (c *Conn) readPump() {
	defer c.server.unregister(c)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("client_id", c.id).Error("WebSocket connection error")
			}
			return
		}

		if c.server.metrics != nil && c.server.metrics.GatewayMessages != nil {
			c.server.metrics.GatewayMessages.WithLabelValues(c.server.module, "in").Inc()
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.WithError(err).WithField("client_id", c.id).Warn("Invalid gateway message")
			c.sendEvent(map[string]interface{}{
				"error": "Invalid message format",
			})
			continue
		}

		if env.Module != "" && !KnownModule(env.Module) {
			c.sendEvent(map[string]interface{}{
				"error": "Unknown module: " + env.Module,
			})
			continue
		}

		if env.Type != "query" && !c.server.isAuthenticated(c) {
			c.sendEvent(map[string]interface{}{
				"error": "Authentication required",
			})
			continue
		}

		switch env.Type {
		case "query":
			if env.Token == "" {
				if !c.server.isAuthenticated(c) {
					c.sendEvent(map[string]interface{}{
						"error": "Authentication required",
					})
				}
				continue
			}
			if !c.server.authenticate(c, env.Token) {
				return
			}
		case "subscribe":
			if env.Topic == "" {
				c.sendEvent(map[string]interface{}{
					"error": "Invalid message format",
				})
				continue
			}
			c.server.subscribe(c, env.Topic)
		case "unsubscribe":
			if env.Topic == "" {
				c.sendEvent(map[string]interface{}{
					"error": "Invalid message format",
				})
				continue
			}
			c.server.unsubscribe(c, env.Topic)
		default:
			c.sendEvent(map[string]interface{}{
				"error": "Invalid message format",
			})
		}
	}
}

// writePump pumps queued messages to the websocket. It owns all writes and
// closes the socket when the send channel drains after unregistration, so
// queued error events still reach the peer before the close frame.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			if c.server.metrics != nil && c.server.metrics.GatewayMessages != nil {
				c.server.metrics.GatewayMessages.WithLabelValues(c.server.module, "out").Inc()
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) sendEvent(payload map[string]interface{}) {
	c.enqueue(Envelope{
		Type:    "event",
		Module:  c.server.module,
		Payload: payload,
	})
}

func (c *Conn) enqueue(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal client message")
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.WithField("client_id", c.id).Warn("Client send buffer full, dropping message")
	}
}
