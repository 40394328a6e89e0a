package agentbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tlgselvi/dese-backbone/pkg/logging"
)

// ErrUnknownAgent is returned when a message names an agent outside the
// closed set.
var ErrUnknownAgent = errors.New("invalid agent id")

const (
	// DefaultWaitTimeout bounds request/response waits.
	DefaultWaitTimeout = 30 * time.Second

	// pollInterval is the wait-for-response polling cadence. Consumers
	// must tolerate up to one interval of added round-trip latency.
	pollInterval = time.Second

	// responseScanCount entries are read per poll when matching a
	// correlation id.
	responseScanCount = 100

	defaultReceiveCount = 10
)

// Bus carries query, request, response and notification traffic between
// agents. Each agent owns exactly one stream; total order holds within one
// stream only, and correlation ids, not stream order, pair requests with
// responses.
type Bus struct {
	client goredis.UniversalClient
	logger logging.Logger
}

// New creates an agent message bus on the given Redis client.
func New(client goredis.UniversalClient, logger logging.Logger) *Bus {
	return &Bus{client: client, logger: logger}
}

// StreamFor returns the stream key owned by an agent.
func StreamFor(agent AgentID) string {
	return "ai:" + string(agent) + ":messages"
}

// SendMessage appends a message to the destination agent's stream and
// returns the store-assigned entry id. Missing message/correlation ids are
// filled in; the timestamp always is.
func (b *Bus) SendMessage(ctx context.Context, msg *Message) (string, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	// Broadcasts land on the jarvis stream, which owns distribution.
	target := AgentJarvis
	if msg.To != BroadcastTarget {
		parsed, err := ParseAgentID(msg.To)
		if err != nil {
			return "", err
		}
		target = parsed
	}

	data, err := json.Marshal(msg.Data)
	if err != nil {
		return "", fmt.Errorf("encode message data: %w", err)
	}

	entryID, err := b.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamFor(target),
		Values: map[string]interface{}{
			"from":          string(msg.From),
			"to":            msg.To,
			"type":          string(msg.Type),
			"data":          string(data),
			"timestamp":     msg.Timestamp,
			"correlationId": msg.CorrelationID,
			"messageId":     msg.MessageID,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append agent message: %w", err)
	}

	b.logger.WithFields(logging.Fields{
		"from":           msg.From,
		"to":             msg.To,
		"type":           msg.Type,
		"correlation_id": msg.CorrelationID,
		"entry_id":       entryID,
	}).Info("Agent message sent")

	return entryID, nil
}

// ReceiveMessages reads up to count entries from the agent's own stream,
// starting at the beginning. Entries missing from/to/type are dropped.
func (b *Bus) ReceiveMessages(ctx context.Context, agent AgentID, count int) ([]Message, error) {
	if _, err := ParseAgentID(string(agent)); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = defaultReceiveCount
	}

	entries, err := b.client.XRangeN(ctx, StreamFor(agent), "-", "+", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("read agent stream: %w", err)
	}

	messages := make([]Message, 0, len(entries))
	for _, entry := range entries {
		msg, ok := decodeMessage(entry)
		if !ok {
			continue
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// WaitForResponse polls the agent's stream once per second until a message
// with the given correlation id and type response appears or the timeout
// elapses. A timeout returns (nil, nil): the protocol does not distinguish
// timeout from deliberate silence.
func (b *Bus) WaitForResponse(ctx context.Context, correlationID string, timeout time.Duration, agent AgentID) (*Message, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		messages, err := b.ReceiveMessages(ctx, agent, responseScanCount)
		if err != nil {
			return nil, err
		}
		for i := range messages {
			if messages[i].CorrelationID == correlationID && messages[i].Type == MessageResponse {
				return &messages[i], nil
			}
		}

		if time.Now().After(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	b.logger.WithFields(logging.Fields{
		"correlation_id": correlationID,
		"timeout":        timeout,
	}).Warn("Response timeout")
	return nil, nil
}

// SendQuery sends a query and waits for its correlated response.
func (b *Bus) SendQuery(ctx context.Context, from, to AgentID, query map[string]interface{}, timeout time.Duration) (*Message, error) {
	return b.sendAndWait(ctx, from, to, MessageQuery, query, timeout)
}

// SendRequest sends a request and waits for its correlated response.
func (b *Bus) SendRequest(ctx context.Context, from, to AgentID, request map[string]interface{}, timeout time.Duration) (*Message, error) {
	return b.sendAndWait(ctx, from, to, MessageRequest, request, timeout)
}

func (b *Bus) sendAndWait(ctx context.Context, from, to AgentID, msgType MessageType, data map[string]interface{}, timeout time.Duration) (*Message, error) {
	correlationID := uuid.NewString()

	msg := &Message{
		From:          from,
		To:            string(to),
		Type:          msgType,
		Data:          data,
		CorrelationID: correlationID,
	}
	if _, err := b.SendMessage(ctx, msg); err != nil {
		return nil, err
	}

	// Responses land on the requester's own stream, so that is where
	// the correlation wait has to look.
	return b.WaitForResponse(ctx, correlationID, timeout, from)
}

// SendNotification is fire-and-forget: no response is ever waited for, and
// notifications never satisfy a correlation wait.
func (b *Bus) SendNotification(ctx context.Context, from AgentID, to string, notification map[string]interface{}) (string, error) {
	return b.SendMessage(ctx, &Message{
		From:          from,
		To:            to,
		Type:          MessageNotification,
		Data:          notification,
		CorrelationID: uuid.NewString(),
	})
}

// SendResponse answers a query or request. The correlation id must be the
// one carried by the original message so its waiter can match it.
func (b *Bus) SendResponse(ctx context.Context, from, to AgentID, correlationID string, response map[string]interface{}) (string, error) {
	return b.SendMessage(ctx, &Message{
		From:          from,
		To:            string(to),
		Type:          MessageResponse,
		Data:          response,
		CorrelationID: correlationID,
	})
}

// Info returns stream length and last entry id for one agent.
func (b *Bus) Info(ctx context.Context, agent AgentID) (StreamInfo, error) {
	if _, err := ParseAgentID(string(agent)); err != nil {
		return StreamInfo{}, err
	}

	stream := StreamFor(agent)
	length, err := b.client.XLen(ctx, stream).Result()
	if err != nil {
		return StreamInfo{}, fmt.Errorf("stream length: %w", err)
	}

	info := StreamInfo{Stream: stream, Length: length}

	last, err := b.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return StreamInfo{}, fmt.Errorf("last entry: %w", err)
	}
	if len(last) > 0 {
		info.LastMessageID = last[0].ID
	}

	return info, nil
}

// AllInfo returns stream introspection for every known agent.
func (b *Bus) AllInfo(ctx context.Context) (map[AgentID]StreamInfo, error) {
	info := make(map[AgentID]StreamInfo, len(knownAgents))
	for _, agent := range AllAgents() {
		streamInfo, err := b.Info(ctx, agent)
		if err != nil {
			return nil, err
		}
		info[agent] = streamInfo
	}
	return info, nil
}

// decodeMessage maps one raw stream entry back into a Message. The entry id
// becomes the message id; entries missing from/to/type are dropped.
func decodeMessage(entry goredis.XMessage) (Message, bool) {
	msg := Message{MessageID: entry.ID, Data: map[string]interface{}{}}

	for key, value := range entry.Values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		switch key {
		case "from":
			msg.From = AgentID(raw)
		case "to":
			msg.To = raw
		case "type":
			msg.Type = MessageType(raw)
		case "data":
			var data map[string]interface{}
			if err := json.Unmarshal([]byte(raw), &data); err == nil {
				msg.Data = data
			}
		case "timestamp":
			msg.Timestamp = raw
		case "correlationId":
			msg.CorrelationID = raw
		}
	}

	if msg.From == "" || msg.To == "" || msg.Type == "" {
		return Message{}, false
	}
	return msg, true
}
