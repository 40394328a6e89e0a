package consumer

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tlgselvi/dese-backbone/internal/metrics"
	"github.com/tlgselvi/dese-backbone/pkg/logging"
)

const (
	maxRetries   = 3
	readCount    = 10
	blockTimeout = time.Second
	claimMinIdle = 5 * time.Minute
)

// Event is one entry read from the stream. Entries carry an eventType field,
// an opaque payload, and a retryCount incremented on each requeue.
type Event struct {
	ID         string
	Type       string
	Payload    string
	RetryCount int
	Fields     map[string]string
}

// Handler processes one event. A non-nil error requeues the event with an
// incremented retry count, or moves it to the dead letter stream once the
// retry budget is spent.
type Handler func(ctx context.Context, event Event) error

// Worker is a consumer-group reader over one Redis stream. Failed events are
// retried up to maxRetries via requeue, then parked on "<stream>.dlq".
type Worker struct {
	client   goredis.UniversalClient
	logger   logging.Logger
	metrics  *metrics.Metrics
	stream   string
	group    string
	consumer string
	handlers map[string]Handler
}

func New(client goredis.UniversalClient, logger logging.Logger, stream, group string, m *metrics.Metrics) *Worker {
	return &Worker{
		client:   client,
		logger:   logger,
		metrics:  m,
		stream:   stream,
		group:    group,
		consumer: fmt.Sprintf("consumer-%d-%d", os.Getpid(), time.Now().UnixMilli()),
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for one event type. Not safe to call after
// Run has started.
func (w *Worker) Handle(eventType string, handler Handler) {
	w.handlers[eventType] = handler
}

// DLQStream returns the dead letter stream name.
func (w *Worker) DLQStream() string {
	return w.stream + ".dlq"
}

// EnsureGroup creates the consumer group, starting at the beginning of the
// stream. An already existing group is not an error.
func (w *Worker) EnsureGroup(ctx context.Context) error {
	err := w.client.XGroupCreateMkStream(ctx, w.stream, w.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", w.group, w.stream, err)
	}
	return nil
}

// Run consumes the stream until the context is cancelled. Each pass recovers
// pending entries abandoned by dead consumers, then reads new entries.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return err
	}

	w.logger.WithFields(logging.Fields{
		"stream":   w.stream,
		"group":    w.group,
		"consumer": w.consumer,
	}).Info("Event consumer started")

	for {
		select {
		case <-ctx.Done():
			w.logger.WithField("consumer", w.consumer).Info("Event consumer stopped")
			return nil
		default:
		}

		if err := w.processPending(ctx); err != nil {
			w.logger.WithError(err).Error("Failed to process pending entries")
		}
		if err := w.readBatch(ctx, blockTimeout); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.WithError(err).Error("Failed to read from stream")
			time.Sleep(time.Second)
		}
	}
}

// ProcessOnce runs a single pending-recovery and read pass without blocking.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	if err := w.processPending(ctx); err != nil {
		return err
	}
	return w.readBatch(ctx, -1)
}

func (w *Worker) readBatch(ctx context.Context, block time.Duration) error {
	streams, err := w.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    w.group,
		Consumer: w.consumer,
		Streams:  []string{w.stream, ">"},
		Count:    readCount,
		Block:    block,
	}).Result()
	if err == goredis.Nil {
		return nil
	}
	if err != nil {
		return err
	}

	for _, stream := range streams {
		for _, entry := range stream.Messages {
			w.processEntry(ctx, entry)
		}
	}
	return nil
}

func (w *Worker) processPending(ctx context.Context) error {
	pending, err := w.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: w.stream,
		Group:  w.group,
		Start:  "-",
		End:    "+",
		Count:  readCount,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil
		}
		return err
	}

	for _, p := range pending {
		if p.Idle < claimMinIdle {
			continue
		}

		claimed, err := w.client.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   w.stream,
			Group:    w.group,
			Consumer: w.consumer,
			MinIdle:  claimMinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			w.logger.WithError(err).WithField("entry_id", p.ID).Error("Failed to claim pending entry")
			continue
		}

		for _, entry := range claimed {
			w.logger.WithFields(logging.Fields{
				"entry_id": entry.ID,
				"consumer": w.consumer,
			}).Info("Reclaimed pending entry")
			w.processEntry(ctx, entry)
		}
	}
	return nil
}

func (w *Worker) processEntry(ctx context.Context, entry goredis.XMessage) {
	fields := stringFields(entry.Values)

	eventType := fields["eventType"]
	if eventType == "" {
		eventType = "unknown"
	}
	retryCount, _ := strconv.Atoi(fields["retryCount"])

	event := Event{
		ID:         entry.ID,
		Type:       eventType,
		Payload:    fields["payload"],
		RetryCount: retryCount,
		Fields:     fields,
	}

	handler, ok := w.handlers[eventType]
	if !ok {
		w.logger.WithFields(logging.Fields{
			"event_type": eventType,
			"entry_id":   entry.ID,
		}).Warn("Unknown event type")
		w.ack(ctx, entry.ID, "skipped")
		return
	}

	if err := handler(ctx, event); err != nil {
		w.logger.WithError(err).WithFields(logging.Fields{
			"event_type":  eventType,
			"entry_id":    entry.ID,
			"retry_count": retryCount,
		}).Error("Failed to process event")

		if retryCount >= maxRetries {
			w.sendToDLQ(ctx, event, err)
			w.ack(ctx, entry.ID, "dlq")
		} else {
			w.requeue(ctx, event)
			w.ack(ctx, entry.ID, "retry")
		}
		return
	}

	w.ack(ctx, entry.ID, "ok")
}

func (w *Worker) requeue(ctx context.Context, event Event) {
	values := make(map[string]interface{}, len(event.Fields))
	for k, v := range event.Fields {
		values[k] = v
	}
	values["retryCount"] = strconv.Itoa(event.RetryCount + 1)

	if err := w.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: w.stream,
		Values: values,
	}).Err(); err != nil {
		w.logger.WithError(err).WithField("entry_id", event.ID).Error("Failed to requeue event")
		return
	}

	w.logger.WithFields(logging.Fields{
		"entry_id":    event.ID,
		"event_type":  event.Type,
		"retry_count": event.RetryCount + 1,
	}).Info("Event requeued for retry")
}

func (w *Worker) sendToDLQ(ctx context.Context, event Event, cause error) {
	err := w.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: w.DLQStream(),
		Values: map[string]interface{}{
			"originalMessageId": event.ID,
			"eventType":         event.Type,
			"payload":           event.Payload,
			"error":             cause.Error(),
			"timestamp":         strconv.FormatInt(time.Now().UnixMilli(), 10),
			"retryCount":        strconv.Itoa(event.RetryCount),
		},
	}).Err()
	if err != nil {
		w.logger.WithError(err).WithField("entry_id", event.ID).Error("Failed to write to dead letter stream")
		return
	}

	w.logger.WithFields(logging.Fields{
		"entry_id":   event.ID,
		"event_type": event.Type,
		"dlq":        w.DLQStream(),
	}).Error("Event sent to dead letter stream")
}

func (w *Worker) ack(ctx context.Context, entryID, status string) {
	if err := w.client.XAck(ctx, w.stream, w.group, entryID).Err(); err != nil {
		w.logger.WithError(err).WithField("entry_id", entryID).Error("Failed to ack entry")
		return
	}
	if w.metrics != nil && w.metrics.StreamEntries != nil {
		w.metrics.StreamEntries.WithLabelValues(w.stream, "consume", status).Inc()
	}
}

func stringFields(values map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return fields
}
