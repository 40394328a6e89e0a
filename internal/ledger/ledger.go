package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tlgselvi/dese-backbone/pkg/logging"
)

const (
	// StreamKey is the shared anomaly alert stream.
	StreamKey = "dese.anomaly-alerts"

	// AlertTTL is the retention window, refreshed on every write.
	AlertTTL = 7 * 24 * time.Hour

	// scanCeiling bounds every history fold. Alert volume is TTL-bounded,
	// so a hard ceiling keeps reads O(1) in stream length.
	scanCeiling = 1000
)

// Notifier receives live updates as alerts are created and resolved. The
// broadcast gateway implements it; a nil notifier disables pushes.
type Notifier interface {
	PushEvent(module, topic string, payload map[string]interface{})
	PushContextUpdate(module, topic string, context map[string]interface{})
}

// Ledger records and queries anomaly alerts on an append-only Redis stream.
// Entries are never edited in place: resolving an alert appends a new entry
// with the same alert ID and readers fold newest-first.
type Ledger struct {
	client   goredis.UniversalClient
	logger   logging.Logger
	notifier Notifier
	stream   string
	ttl      time.Duration
}

// New creates a Ledger on the default alert stream.
func New(client goredis.UniversalClient, logger logging.Logger) *Ledger {
	return &Ledger{
		client: client,
		logger: logger,
		stream: StreamKey,
		ttl:    AlertTTL,
	}
}

// SetNotifier wires the broadcast gateway in after construction.
func (l *Ledger) SetNotifier(n Notifier) {
	l.notifier = n
}

// CreateAlert appends a new alert entry with a fresh ID. Store errors
// propagate to the caller; nothing fails silently.
func (l *Ledger) CreateAlert(ctx context.Context, metric string, score AnomalyScore, extra map[string]interface{}) (Alert, error) {
	alert := Alert{
		ID:           uuid.NewString(),
		Metric:       metric,
		AnomalyScore: score,
		Severity:     score.Severity,
		Message:      alertMessage(metric, score),
		Timestamp:    time.Now().UnixMilli(),
		IsResolved:   false,
	}

	payload, err := encodePayload(alert, extra)
	if err != nil {
		return Alert{}, fmt.Errorf("encode alert payload: %w", err)
	}

	values := map[string]interface{}{
		"alertId":    alert.ID,
		"metric":     metric,
		"severity":   string(alert.Severity),
		"score":      strconv.FormatFloat(score.Score, 'f', -1, 64),
		"percentile": score.Percentile,
		"isAnomaly":  strconv.FormatBool(score.IsAnomaly),
		"message":    alert.Message,
		"timestamp":  strconv.FormatInt(alert.Timestamp, 10),
		"payload":    payload,
		"isResolved": "false",
	}

	if err := l.client.XAdd(ctx, &goredis.XAddArgs{Stream: l.stream, Values: values}).Err(); err != nil {
		return Alert{}, fmt.Errorf("append alert: %w", err)
	}
	if err := l.client.Expire(ctx, l.stream, l.ttl).Err(); err != nil {
		return Alert{}, fmt.Errorf("refresh alert stream ttl: %w", err)
	}

	entry := l.logger.WithFields(logging.Fields{
		"alert_id":   alert.ID,
		"metric":     metric,
		"severity":   alert.Severity,
		"score":      score.Score,
		"percentile": score.Percentile,
	})
	if alert.Severity == SeverityCritical || alert.Severity == SeverityHigh {
		entry.Warn("Anomaly alert created")
	} else {
		entry.Info("Anomaly alert created")
	}

	if l.notifier != nil {
		l.notifier.PushEvent("dese", "alerts", map[string]interface{}{
			"alert": alert,
		})
	}

	return alert, nil
}

// RecentAlerts scans the stream newest-first and returns at most limit
// decoded alerts, optionally filtered by severity (zero value = no filter).
// Entries that fail to decode are logged and skipped.
func (l *Ledger) RecentAlerts(ctx context.Context, limit int, severity Severity) ([]Alert, error) {
	if limit <= 0 {
		limit = 50
	}

	messages, err := l.client.XRevRangeN(ctx, l.stream, "+", "-", int64(limit*2)).Result()
	if err != nil {
		return nil, fmt.Errorf("scan alert stream: %w", err)
	}

	alerts := make([]Alert, 0, limit)
	for _, msg := range messages {
		alert, ok := l.decodeEntry(msg)
		if !ok {
			continue
		}
		if severity != "" && alert.Severity != severity {
			continue
		}
		alerts = append(alerts, alert)
		if len(alerts) >= limit {
			break
		}
	}

	return alerts, nil
}

// History returns alerts within [start, end] inclusive, with derived counts.
func (l *Ledger) History(ctx context.Context, start, end int64, severity Severity) (History, error) {
	if end == 0 {
		end = time.Now().UnixMilli()
	}

	all, err := l.RecentAlerts(ctx, scanCeiling, severity)
	if err != nil {
		return History{}, err
	}

	history := History{
		Alerts:    make([]Alert, 0, len(all)),
		TimeRange: TimeRange{Start: start, End: end},
	}
	for _, alert := range all {
		if alert.Timestamp < start || alert.Timestamp > end {
			continue
		}
		history.Alerts = append(history.Alerts, alert)
		switch alert.Severity {
		case SeverityCritical:
			history.CriticalCount++
		case SeverityHigh:
			history.HighCount++
		}
	}
	history.TotalCount = len(history.Alerts)

	return history, nil
}

// Resolve appends a resolution entry for the most recent entry carrying
// alertID. Returns false without error when no entry matches.
func (l *Ledger) Resolve(ctx context.Context, alertID, resolvedBy string) (bool, error) {
	messages, err := l.client.XRevRangeN(ctx, l.stream, "+", "-", scanCeiling).Result()
	if err != nil {
		return false, fmt.Errorf("scan alert stream: %w", err)
	}

	for _, msg := range messages {
		fields := stringFields(msg.Values)
		if fields["alertId"] != alertID {
			continue
		}

		now := time.Now().UnixMilli()
		payload := l.parsePayloadMap(fields["payload"], msg.ID)
		payload["isResolved"] = true
		payload["resolvedAt"] = now
		if resolvedBy != "" {
			payload["resolvedBy"] = resolvedBy
		}

		encoded, err := json.Marshal(payload)
		if err != nil {
			return false, fmt.Errorf("encode resolution payload: %w", err)
		}

		values := map[string]interface{}{
			"alertId":    alertID,
			"metric":     fields["metric"],
			"severity":   fields["severity"],
			"score":      orDefault(fields["score"], "0"),
			"message":    fields["message"],
			"timestamp":  orDefault(fields["timestamp"], strconv.FormatInt(now, 10)),
			"payload":    string(encoded),
			"isResolved": "true",
			"resolvedAt": strconv.FormatInt(now, 10),
			"resolvedBy": resolvedBy,
		}

		if err := l.client.XAdd(ctx, &goredis.XAddArgs{Stream: l.stream, Values: values}).Err(); err != nil {
			return false, fmt.Errorf("append resolution: %w", err)
		}
		if err := l.client.Expire(ctx, l.stream, l.ttl).Err(); err != nil {
			return false, fmt.Errorf("refresh alert stream ttl: %w", err)
		}

		l.logger.WithFields(logging.Fields{
			"alert_id":    alertID,
			"resolved_by": resolvedBy,
		}).Info("Alert resolved")

		if l.notifier != nil {
			l.notifier.PushContextUpdate("dese", "alerts", map[string]interface{}{
				"alertId":    alertID,
				"isResolved": true,
				"resolvedBy": resolvedBy,
			})
		}

		return true, nil
	}

	l.logger.WithField("alert_id", alertID).Warn("Alert not found for resolution")
	return false, nil
}

// Stats aggregates alerts inside the given time range ("24h", "30m", "90s";
// default 24h on parse failure).
func (l *Ledger) Stats(ctx context.Context, timeRange string) (Stats, error) {
	start := time.Now().Add(-parseTimeRange(timeRange)).UnixMilli()

	alerts, err := l.RecentAlerts(ctx, scanCeiling, "")
	if err != nil {
		return Stats{}, err
	}

	// Fold re-appended entries: alerts are newest-first, so the first
	// occurrence of an id is its current state.
	seen := make(map[string]struct{}, len(alerts))

	var stats Stats
	for _, alert := range alerts {
		if alert.Timestamp < start {
			continue
		}
		if _, folded := seen[alert.ID]; folded {
			continue
		}
		seen[alert.ID] = struct{}{}
		stats.Total++
		switch alert.Severity {
		case SeverityCritical:
			stats.Critical++
		case SeverityHigh:
			stats.High++
		case SeverityMedium:
			stats.Medium++
		default:
			stats.Low++
		}
		if alert.IsResolved {
			stats.Resolved++
		} else {
			stats.Unresolved++
		}
	}

	return stats, nil
}

// decodeEntry maps one raw stream entry back into an Alert. Entries without
// an alertId are skipped; a malformed payload degrades to the flat fields.
func (l *Ledger) decodeEntry(msg goredis.XMessage) (Alert, bool) {
	fields := stringFields(msg.Values)

	alertID := fields["alertId"]
	if alertID == "" {
		l.logger.WithField("entry_id", msg.ID).Warn("Stream entry missing alertId")
		return Alert{}, false
	}

	timestamp := parseIntField(fields["timestamp"], time.Now().UnixMilli())

	var alert Alert
	payloadOK := false
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &alert); err != nil {
			l.logger.WithError(err).WithField("entry_id", msg.ID).Warn("Failed to parse alert payload")
		} else {
			payloadOK = true
		}
	}

	alert.ID = alertID
	if !payloadOK {
		alert.Metric = fields["metric"]
		alert.Message = fields["message"]
		alert.Timestamp = timestamp
		alert.IsResolved = fields["isResolved"] == "true"
		alert.ResolvedAt = parseIntField(fields["resolvedAt"], 0)
		alert.ResolvedBy = fields["resolvedBy"]
		alert.AnomalyScore = AnomalyScore{
			Value:      parseFloatField(fields["value"], parseFloatField(fields["score"], 0)),
			Score:      parseFloatField(fields["score"], 0),
			Deviation:  parseFloatField(fields["deviation"], 0),
			Percentile: orDefault(fields["percentile"], "zscore"),
			IsAnomaly:  fields["isAnomaly"] == "true",
			Timestamp:  timestamp,
		}
		alert.Severity = ParseSeverity(fields["severity"])
	} else {
		if alert.Timestamp == 0 {
			alert.Timestamp = timestamp
		}
		if alert.AnomalyScore.Percentile == "" {
			alert.AnomalyScore.Percentile = orDefault(fields["percentile"], "zscore")
		}
		alert.Severity = ParseSeverity(string(alert.AnomalyScore.Severity))
	}
	alert.AnomalyScore.Severity = alert.Severity

	return alert, true
}

// parsePayloadMap decodes the payload blob as a free-form map, returning an
// empty map on any failure so resolution can still re-append.
func (l *Ledger) parsePayloadMap(raw, entryID string) map[string]interface{} {
	if raw == "" {
		return map[string]interface{}{}
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		l.logger.WithError(err).WithField("entry_id", entryID).Warn("Failed to parse alert payload")
		return map[string]interface{}{}
	}
	return payload
}

// alertMessage generates the human-readable, severity-tagged message.
func alertMessage(metric string, score AnomalyScore) string {
	deviation := score.Deviation
	if deviation < 0 {
		deviation = -deviation
	}
	return fmt.Sprintf("%s anomaly detected in %s - %s percentile deviation: %.2f (score: %.2f)",
		strings.ToUpper(string(score.Severity)), metric, score.Percentile, deviation, score.Score)
}

// encodePayload marshals the full alert plus any extra context into the
// payload blob carried alongside the flat fields.
func encodePayload(alert Alert, extra map[string]interface{}) (string, error) {
	encoded, err := json.Marshal(alert)
	if err != nil {
		return "", err
	}

	if len(extra) == 0 {
		return string(encoded), nil
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return "", err
	}
	for key, value := range extra {
		payload[key] = value
	}

	merged, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(merged), nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
