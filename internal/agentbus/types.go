package agentbus

import "fmt"

// AgentID names one of the platform's automated agents. The set is closed:
// membership is validated once at the API boundary, never on dereference.
type AgentID string

const (
	AgentFinbot        AgentID = "finbot"
	AgentMubot         AgentID = "mubot"
	AgentSalesbot      AgentID = "salesbot"
	AgentStockbot      AgentID = "stockbot"
	AgentHRBot         AgentID = "hrbot"
	AgentIoTBot        AgentID = "iotbot"
	AgentSEOBot        AgentID = "seobot"
	AgentServicebot    AgentID = "servicebot"
	AgentAIOpsBot      AgentID = "aiopsbot"
	AgentProcurementer AgentID = "procurementbot"
	AgentJarvis        AgentID = "jarvis"
)

// BroadcastTarget addresses every agent; messages to it land on the jarvis
// stream, which owns broadcast distribution.
const BroadcastTarget = "all"

var knownAgents = map[AgentID]struct{}{
	AgentFinbot:        {},
	AgentMubot:         {},
	AgentSalesbot:      {},
	AgentStockbot:      {},
	AgentHRBot:         {},
	AgentIoTBot:        {},
	AgentSEOBot:        {},
	AgentServicebot:    {},
	AgentAIOpsBot:      {},
	AgentProcurementer: {},
	AgentJarvis:        {},
}

// ParseAgentID validates a raw identifier against the closed agent set.
func ParseAgentID(raw string) (AgentID, error) {
	id := AgentID(raw)
	if _, ok := knownAgents[id]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, raw)
	}
	return id, nil
}

// AllAgents returns the closed agent set in a stable order.
func AllAgents() []AgentID {
	return []AgentID{
		AgentFinbot, AgentMubot, AgentSalesbot, AgentStockbot, AgentHRBot,
		AgentIoTBot, AgentSEOBot, AgentServicebot, AgentAIOpsBot,
		AgentProcurementer, AgentJarvis,
	}
}

// MessageType distinguishes the four traffic patterns on the bus.
type MessageType string

const (
	MessageQuery        MessageType = "query"
	MessageNotification MessageType = "notification"
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
)

// Message is one bus entry. Once appended it is immutable; consumers read,
// they never delete.
type Message struct {
	From          AgentID                `json:"from"`
	To            string                 `json:"to"` // AgentID or BroadcastTarget
	Type          MessageType            `json:"type"`
	Data          map[string]interface{} `json:"data"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlationId"`
	MessageID     string                 `json:"messageId,omitempty"`
}

// StreamInfo is read-only introspection for one agent's stream.
type StreamInfo struct {
	Stream        string `json:"stream"`
	Length        int64  `json:"length"`
	LastMessageID string `json:"lastMessageId,omitempty"`
}
