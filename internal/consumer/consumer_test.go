package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tlgselvi/dese-backbone/pkg/logging"
)

func newTestWorker(t *testing.T) (*Worker, goredis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	w := New(client, logging.NewLoggerWithService("consumer-test"), "finbot.events", "finbot-consumers", nil)
	if err := w.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return w, client
}

func addEvent(t *testing.T, client goredis.UniversalClient, stream, eventType, payload string) {
	t.Helper()
	err := client.XAdd(context.Background(), &goredis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"eventType": eventType,
			"payload":   payload,
		},
	}).Err()
	if err != nil {
		t.Fatalf("xadd: %v", err)
	}
}

func TestHandlerReceivesEvent(t *testing.T) {
	w, client := newTestWorker(t)
	ctx := context.Background()

	var got Event
	w.Handle("transaction.created", func(ctx context.Context, event Event) error {
		got = event
		return nil
	})

	addEvent(t, client, "finbot.events", "transaction.created", `{"id":"tx-1","amount":100}`)

	if err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got.Type != "transaction.created" {
		t.Fatalf("expected event dispatched, got %+v", got)
	}
	if got.Payload != `{"id":"tx-1","amount":100}` {
		t.Fatalf("unexpected payload: %q", got.Payload)
	}
	if got.RetryCount != 0 {
		t.Fatalf("fresh event must have retry count 0, got %d", got.RetryCount)
	}
}

func TestSuccessfulEventNotRedelivered(t *testing.T) {
	w, client := newTestWorker(t)
	ctx := context.Background()

	calls := 0
	w.Handle("transaction.created", func(ctx context.Context, event Event) error {
		calls++
		return nil
	})

	addEvent(t, client, "finbot.events", "transaction.created", "{}")

	for i := 0; i < 3; i++ {
		if err := w.ProcessOnce(ctx); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	if calls != 1 {
		t.Fatalf("expected exactly one delivery, got %d", calls)
	}
}

func TestFailedEventMovesToDLQAfterRetries(t *testing.T) {
	w, client := newTestWorker(t)
	ctx := context.Background()

	calls := 0
	w.Handle("transaction.created", func(ctx context.Context, event Event) error {
		calls++
		return errors.New("downstream unavailable")
	})

	addEvent(t, client, "finbot.events", "transaction.created", `{"id":"tx-2"}`)

	// Each pass processes one attempt: the original plus three requeues.
	for i := 0; i < 10; i++ {
		if err := w.ProcessOnce(ctx); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	if calls != maxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", maxRetries+1, calls)
	}

	entries, err := client.XRange(ctx, w.DLQStream(), "-", "+").Result()
	if err != nil {
		t.Fatalf("read dlq: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}

	dead := entries[0].Values
	if dead["eventType"] != "transaction.created" {
		t.Fatalf("unexpected dlq eventType: %v", dead["eventType"])
	}
	if dead["error"] != "downstream unavailable" {
		t.Fatalf("dlq must carry the failure: %v", dead["error"])
	}
	if dead["retryCount"] != "3" {
		t.Fatalf("dlq must carry the retry count: %v", dead["retryCount"])
	}
	if dead["payload"] != `{"id":"tx-2"}` {
		t.Fatalf("dlq must carry the original payload: %v", dead["payload"])
	}
}

func TestRequeueIncrementsRetryCount(t *testing.T) {
	w, client := newTestWorker(t)
	ctx := context.Background()

	retryCounts := []int{}
	w.Handle("budget.updated", func(ctx context.Context, event Event) error {
		retryCounts = append(retryCounts, event.RetryCount)
		if event.RetryCount < 2 {
			return errors.New("transient")
		}
		return nil
	})

	addEvent(t, client, "finbot.events", "budget.updated", "{}")

	for i := 0; i < 5; i++ {
		if err := w.ProcessOnce(ctx); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	want := []int{0, 1, 2}
	if len(retryCounts) != len(want) {
		t.Fatalf("expected %d attempts, got %v", len(want), retryCounts)
	}
	for i, rc := range want {
		if retryCounts[i] != rc {
			t.Fatalf("attempt %d retry count = %d, want %d", i, retryCounts[i], rc)
		}
	}

	// Recovered before the budget ran out, so no dead letters.
	if n := client.XLen(ctx, w.DLQStream()).Val(); n != 0 {
		t.Fatalf("expected empty dlq, got %d", n)
	}
}

func TestUnknownEventTypeAcked(t *testing.T) {
	w, client := newTestWorker(t)
	ctx := context.Background()

	called := false
	w.Handle("transaction.created", func(ctx context.Context, event Event) error {
		called = true
		return nil
	})

	addEvent(t, client, "finbot.events", "price.changed", "{}")

	for i := 0; i < 2; i++ {
		if err := w.ProcessOnce(ctx); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	if called {
		t.Fatal("handler for a different type must not run")
	}
	if n := client.XLen(ctx, w.DLQStream()).Val(); n != 0 {
		t.Fatalf("unknown types are skipped, not dead lettered: %d", n)
	}
}

func TestEnsureGroupIdempotent(t *testing.T) {
	w, _ := newTestWorker(t)

	// Second creation hits BUSYGROUP and is tolerated.
	if err := w.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}
}
