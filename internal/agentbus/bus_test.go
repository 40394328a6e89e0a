package agentbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tlgselvi/dese-backbone/pkg/logging"
)

func newTestBus(t *testing.T) (*Bus, goredis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, logging.NewLoggerWithService("agentbus-test")), client
}

func TestSendMessageRoundTrip(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	sent := &Message{
		From:          AgentFinbot,
		To:            string(AgentJarvis),
		Type:          MessageQuery,
		Data:          map[string]interface{}{"q": "cash_position", "period": "q3"},
		CorrelationID: "corr-1",
	}
	entryID, err := bus.SendMessage(ctx, sent)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if entryID == "" {
		t.Fatalf("expected store-assigned entry id")
	}

	messages, err := bus.ReceiveMessages(ctx, AgentJarvis, 10)
	if err != nil {
		t.Fatalf("ReceiveMessages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	got := messages[0]
	if got.From != AgentFinbot || got.To != string(AgentJarvis) || got.Type != MessageQuery {
		t.Fatalf("envelope mismatch: %+v", got)
	}
	if got.CorrelationID != "corr-1" {
		t.Fatalf("correlation id mismatch: %s", got.CorrelationID)
	}
	if got.Data["q"] != "cash_position" || got.Data["period"] != "q3" {
		t.Fatalf("data mismatch: %+v", got.Data)
	}
	if got.MessageID != entryID {
		t.Fatalf("expected message id from entry id, got %s", got.MessageID)
	}
}

func TestSendMessageUnknownAgent(t *testing.T) {
	bus, _ := newTestBus(t)

	_, err := bus.SendMessage(context.Background(), &Message{
		From: AgentFinbot,
		To:   "chatbot9000",
		Type: MessageNotification,
	})
	if !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestBroadcastLandsOnJarvisStream(t *testing.T) {
	bus, client := newTestBus(t)
	ctx := context.Background()

	if _, err := bus.SendNotification(ctx, AgentAIOpsBot, BroadcastTarget, map[string]interface{}{"alert": "x"}); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}

	if length := client.XLen(ctx, StreamFor(AgentJarvis)).Val(); length != 1 {
		t.Fatalf("expected broadcast on jarvis stream, length %d", length)
	}
}

func TestReceiveDropsEntriesMissingRequiredFields(t *testing.T) {
	bus, client := newTestBus(t)
	ctx := context.Background()

	if err := client.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamFor(AgentFinbot),
		Values: map[string]interface{}{"from": "jarvis", "data": "{}"},
	}).Err(); err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if _, err := bus.SendNotification(ctx, AgentJarvis, string(AgentFinbot), nil); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}

	messages, err := bus.ReceiveMessages(ctx, AgentFinbot, 10)
	if err != nil {
		t.Fatalf("ReceiveMessages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected partial entry dropped, got %d messages", len(messages))
	}
}

func TestRequestResponseCorrelation(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	// Answer the request from a second goroutine, like a real peer agent.
	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			messages, err := bus.ReceiveMessages(ctx, AgentJarvis, 10)
			if err != nil {
				return
			}
			for _, msg := range messages {
				if msg.Type == MessageRequest {
					_, _ = bus.SendResponse(ctx, AgentJarvis, AgentFinbot, msg.CorrelationID, map[string]interface{}{"a": float64(2)})
					return
				}
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	response, err := bus.SendRequest(ctx, AgentFinbot, AgentJarvis, map[string]interface{}{"q": float64(1)}, 5*time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if response == nil {
		t.Fatalf("expected correlated response, got nil")
	}
	if response.Data["a"] != float64(2) {
		t.Fatalf("response data mismatch: %+v", response.Data)
	}
}

func TestResponseLandsOnRequesterStream(t *testing.T) {
	bus, client := newTestBus(t)
	ctx := context.Background()

	if _, err := bus.SendResponse(ctx, AgentJarvis, AgentFinbot, "corr-7", map[string]interface{}{"a": float64(2)}); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}

	if length := client.XLen(ctx, StreamFor(AgentFinbot)).Val(); length != 1 {
		t.Fatalf("expected response on finbot stream, length %d", length)
	}
	if length := client.XLen(ctx, StreamFor(AgentJarvis)).Val(); length != 0 {
		t.Fatalf("responder stream must stay empty, length %d", length)
	}

	response, err := bus.WaitForResponse(ctx, "corr-7", 2*time.Second, AgentFinbot)
	if err != nil {
		t.Fatalf("WaitForResponse: %v", err)
	}
	if response == nil || response.Data["a"] != float64(2) {
		t.Fatalf("expected correlated response on requester stream, got %+v", response)
	}
}

func TestNotificationNeverSatisfiesWait(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	entryID, err := bus.SendNotification(ctx, AgentFinbot, string(AgentJarvis), map[string]interface{}{"n": true})
	if err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	_ = entryID

	messages, err := bus.ReceiveMessages(ctx, AgentJarvis, 10)
	if err != nil {
		t.Fatalf("ReceiveMessages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	response, err := bus.WaitForResponse(ctx, messages[0].CorrelationID, 1500*time.Millisecond, AgentJarvis)
	if err != nil {
		t.Fatalf("WaitForResponse: %v", err)
	}
	if response != nil {
		t.Fatalf("notification must never satisfy a response wait: %+v", response)
	}
}

func TestWaitForResponseTimesOut(t *testing.T) {
	bus, _ := newTestBus(t)

	start := time.Now()
	response, err := bus.WaitForResponse(context.Background(), "nothing-pending", 2*time.Second, AgentJarvis)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("WaitForResponse: %v", err)
	}
	if response != nil {
		t.Fatalf("expected nil on timeout, got %+v", response)
	}
	if elapsed < 2*time.Second || elapsed > 4*time.Second {
		t.Fatalf("timeout outside expected envelope: %v", elapsed)
	}
}

func TestStreamInfo(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	info, err := bus.Info(ctx, AgentFinbot)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Length != 0 || info.LastMessageID != "" {
		t.Fatalf("expected empty stream info, got %+v", info)
	}

	entryID, err := bus.SendNotification(ctx, AgentJarvis, string(AgentFinbot), nil)
	if err != nil {
		t.Fatalf("SendNotification: %v", err)
	}

	info, err = bus.Info(ctx, AgentFinbot)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Length != 1 || info.LastMessageID != entryID {
		t.Fatalf("unexpected stream info: %+v", info)
	}

	all, err := bus.AllInfo(ctx)
	if err != nil {
		t.Fatalf("AllInfo: %v", err)
	}
	if len(all) != len(AllAgents()) {
		t.Fatalf("expected info for every agent, got %d", len(all))
	}
}

func TestParseAgentID(t *testing.T) {
	if _, err := ParseAgentID("finbot"); err != nil {
		t.Fatalf("expected finbot to parse: %v", err)
	}
	if _, err := ParseAgentID("all"); err == nil {
		t.Fatalf("wildcard is not an agent id")
	}
	if _, err := ParseAgentID(""); err == nil {
		t.Fatalf("empty id must not parse")
	}
}
