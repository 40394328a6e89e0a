package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tlgselvi/dese-backbone/internal/metrics"
	"github.com/tlgselvi/dese-backbone/pkg/auth"
	"github.com/tlgselvi/dese-backbone/pkg/logging"

	"github.com/google/uuid"
)

// Modules are the platform modules that expose a broadcast gateway.
var Modules = []string{"finbot", "mubot", "dese", "observability"}

// KnownModule reports whether a module name has a broadcast gateway.
func KnownModule(module string) bool {
	for _, m := range Modules {
		if m == module {
			return true
		}
	}
	return false
}

// Envelope is the wire shape in both directions. Clients send
// query/subscribe/unsubscribe; the gateway sends event/context_update.
type Envelope struct {
	Type    string                 `json:"type"`
	Module  string                 `json:"module,omitempty"`
	Topic   string                 `json:"topic,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Token   string                 `json:"token,omitempty"`
}

// Stats is a read-only snapshot of one module's gateway.
type Stats struct {
	ConnectedClients int `json:"connectedClients"`
	Topics           int `json:"topics"`
	Subscriptions    int `json:"subscriptions"`
}

// Registry owns one Server per platform module. It is constructed once at
// process start and threaded through handlers, never accessed as a global.
type Registry struct {
	logger  logging.Logger
	servers map[string]*Server
}

// NewRegistry builds a gateway server for every known module.
func NewRegistry(logger logging.Logger, jwtSecret []byte, m *metrics.Metrics) *Registry {
	r := &Registry{
		logger:  logger,
		servers: make(map[string]*Server, len(Modules)),
	}
	for _, module := range Modules {
		r.servers[module] = newServer(module, jwtSecret, logger, m)
	}
	return r
}

// Server returns the gateway for a module, if the module is known.
func (r *Registry) Server(module string) (*Server, bool) {
	srv, ok := r.servers[module]
	return srv, ok
}

// PushEvent broadcasts an event payload to a module topic's subscribers.
func (r *Registry) PushEvent(module, topic string, payload map[string]interface{}) {
	srv, ok := r.servers[module]
	if !ok {
		r.logger.WithField("module", module).Warn("No gateway server for module")
		return
	}
	srv.pushEvent(topic, payload)
}

// PushContextUpdate broadcasts a context update to a module topic's
// subscribers.
func (r *Registry) PushContextUpdate(module, topic string, context map[string]interface{}) {
	srv, ok := r.servers[module]
	if !ok {
		r.logger.WithField("module", module).Warn("No gateway server for module")
		return
	}
	srv.pushContextUpdate(topic, context)
}

// Stats returns the gateway statistics for a module.
func (r *Registry) Stats(module string) (Stats, bool) {
	srv, ok := r.servers[module]
	if !ok {
		return Stats{}, false
	}
	return srv.Stats(), true
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server fans broadcasts out to the websocket connections of one module.
// Connection state and the topic index are mutated only under mu, so the
// subscriber sets and each connection's own topic set always agree.
type Server struct {
	module    string
	jwtSecret []byte
	logger    logging.Logger
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	conns  map[string]*Conn
	topics map[string]map[string]struct{}
}

func newServer(module string, jwtSecret []byte, logger logging.Logger, m *metrics.Metrics) *Server {
	return &Server{
		module:    module,
		jwtSecret: jwtSecret,
		logger:    logger,
		metrics:   m,
		conns:     make(map[string]*Conn),
		topics:    make(map[string]map[string]struct{}),
	}
}

// ServeWS upgrades an HTTP request and runs the connection's pumps.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	conn := &Conn{
		id:     uuid.NewString(),
		server: s,
		ws:     ws,
		send:   make(chan []byte, 256),
		topics: make(map[string]struct{}),
		logger: s.logger,
	}

	s.register(conn)

	conn.sendEvent(map[string]interface{}{
		"message":  "Connected to realtime gateway",
		"module":   s.module,
		"clientId": conn.id,
	})

	go conn.writePump()
	go conn.readPump()
}

// Stats returns a read-only snapshot of this server.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subscriptions := 0
	for _, subscribers := range s.topics {
		subscriptions += len(subscribers)
	}

	return Stats{
		ConnectedClients: len(s.conns),
		Topics:           len(s.topics),
		Subscriptions:    subscriptions,
	}
}

func (s *Server) register(c *Conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	count := len(s.conns)
	s.mu.Unlock()

	if s.metrics != nil && s.metrics.GatewayConnections != nil {
		s.metrics.GatewayConnections.WithLabelValues(s.module).Inc()
	}

	s.logger.WithFields(logging.Fields{
		"module":       s.module,
		"client_id":    c.id,
		"client_count": count,
	}).Info("Gateway client connected")
}

func (s *Server) unregister(c *Conn) {
	s.mu.Lock()
	if _, ok := s.conns[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	for topic := range c.topics {
		if subscribers, ok := s.topics[topic]; ok {
			delete(subscribers, c.id)
			if len(subscribers) == 0 {
				delete(s.topics, topic)
			}
		}
	}
	delete(s.conns, c.id)
	count := len(s.conns)
	s.mu.Unlock()

	close(c.send)

	if s.metrics != nil && s.metrics.GatewayConnections != nil {
		s.metrics.GatewayConnections.WithLabelValues(s.module).Dec()
	}

	s.logger.WithFields(logging.Fields{
		"module":       s.module,
		"client_id":    c.id,
		"client_count": count,
	}).Info("Gateway client disconnected")
}

func (s *Server) authenticate(c *Conn, token string) bool {
	claims, err := auth.ValidateJWT(token, s.jwtSecret)
	if err != nil {
		s.logger.WithError(err).WithFields(logging.Fields{
			"module":    s.module,
			"client_id": c.id,
		}).Warn("Gateway authentication failed")
		c.sendEvent(map[string]interface{}{
			"error": "Authentication failed",
		})
		return false
	}

	s.mu.Lock()
	c.authenticated = true
	c.userID = claims.UserID
	c.email = claims.Email
	c.role = claims.Role
	s.mu.Unlock()

	c.sendEvent(map[string]interface{}{
		"message": "Authentication successful",
		"userId":  claims.UserID,
	})
	return true
}

func (s *Server) isAuthenticated(c *Conn) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return c.authenticated
}

func (s *Server) subscribe(c *Conn, topic string) {
	qualified := s.module + ":" + topic

	s.mu.Lock()
	c.topics[qualified] = struct{}{}
	subscribers, ok := s.topics[qualified]
	if !ok {
		subscribers = make(map[string]struct{})
		s.topics[qualified] = subscribers
	}
	subscribers[c.id] = struct{}{}
	s.mu.Unlock()

	s.logger.WithFields(logging.Fields{
		"module":    s.module,
		"client_id": c.id,
		"topic":     topic,
	}).Info("Gateway client subscribed")

	c.sendEvent(map[string]interface{}{
		"message": "Subscribed to topic: " + topic,
		"topic":   topic,
	})
}

func (s *Server) unsubscribe(c *Conn, topic string) {
	qualified := s.module + ":" + topic

	s.mu.Lock()
	delete(c.topics, qualified)
	if subscribers, ok := s.topics[qualified]; ok {
		delete(subscribers, c.id)
		if len(subscribers) == 0 {
			delete(s.topics, qualified)
		}
	}
	s.mu.Unlock()

	s.logger.WithFields(logging.Fields{
		"module":    s.module,
		"client_id": c.id,
		"topic":     topic,
	}).Info("Gateway client unsubscribed")

	c.sendEvent(map[string]interface{}{
		"message": "Unsubscribed from topic: " + topic,
		"topic":   topic,
	})
}

func (s *Server) pushEvent(topic string, payload map[string]interface{}) {
	s.broadcast(topic, Envelope{
		Type:   "event",
		Module: s.module,
		Topic:  topic,
		Payload: map[string]interface{}{
			"event":     payload,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

func (s *Server) pushContextUpdate(topic string, context map[string]interface{}) {
	s.broadcast(topic, Envelope{
		Type:   "context_update",
		Module: s.module,
		Topic:  topic,
		Payload: map[string]interface{}{
			"context":   context,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

// broadcast delivers one envelope to every authenticated subscriber of the
// qualified topic. Delivery is best effort: a full send buffer is logged and
// skipped, never blocking the other subscribers.
func (s *Server) broadcast(topic string, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal broadcast envelope")
		return
	}

	qualified := s.module + ":" + topic
	start := time.Now()
	sent := 0

	s.mu.RLock()
	subscribers := s.topics[qualified]
	for id := range subscribers {
		conn, ok := s.conns[id]
		if !ok || !conn.authenticated {
			continue
		}
		select {
		case conn.send <- data:
			sent++
		default:
			s.logger.WithFields(logging.Fields{
				"module":    s.module,
				"client_id": id,
				"topic":     topic,
			}).Warn("Client send buffer full, dropping broadcast")
		}
	}
	total := len(subscribers)
	s.mu.RUnlock()

	if s.metrics != nil {
		if s.metrics.EventsPushed != nil {
			s.metrics.EventsPushed.WithLabelValues(s.module, topic, env.Type).Inc()
		}
		if s.metrics.BroadcastDuration != nil {
			s.metrics.BroadcastDuration.WithLabelValues(s.module).Observe(time.Since(start).Seconds())
		}
	}

	s.logger.WithFields(logging.Fields{
		"module":            s.module,
		"topic":             topic,
		"type":              env.Type,
		"sent_count":        sent,
		"total_subscribers": total,
	}).Debug("Broadcast delivered")
}
