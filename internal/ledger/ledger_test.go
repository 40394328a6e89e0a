package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tlgselvi/dese-backbone/pkg/logging"
)

func newTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis, goredis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, logging.NewLoggerWithService("ledger-test")), mr, client
}

func highScore(metric string) AnomalyScore {
	return AnomalyScore{
		Value:      420,
		Score:      3.4,
		Severity:   SeverityHigh,
		Deviation:  3.4,
		Percentile: "zscore",
		IsAnomaly:  true,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func TestCreateAlertAppearsInRecent(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	created, err := l.CreateAlert(ctx, "latency_p95", highScore("latency_p95"), nil)
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated alert id")
	}
	if created.Severity != SeverityHigh {
		t.Fatalf("expected severity copied from score, got %s", created.Severity)
	}

	alerts, err := l.RecentAlerts(ctx, 10, "")
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	got := alerts[0]
	if got.ID != created.ID || got.Metric != "latency_p95" || got.Severity != SeverityHigh {
		t.Fatalf("alert mismatch: %+v", got)
	}
	if got.IsResolved {
		t.Fatalf("new alert must be unresolved")
	}
}

func TestCreateAlertRefreshesTTL(t *testing.T) {
	l, mr, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.CreateAlert(ctx, "cpu_usage", highScore("cpu_usage"), nil); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if ttl := mr.TTL(StreamKey); ttl != AlertTTL {
		t.Fatalf("expected stream TTL %v, got %v", AlertTTL, ttl)
	}
}

func TestRecentAlertsSeverityFilter(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	low := highScore("noise")
	low.Severity = SeverityLow
	if _, err := l.CreateAlert(ctx, "noise", low, nil); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if _, err := l.CreateAlert(ctx, "latency_p95", highScore("latency_p95"), nil); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	alerts, err := l.RecentAlerts(ctx, 10, SeverityHigh)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Metric != "latency_p95" {
		t.Fatalf("expected only the high alert, got %+v", alerts)
	}
}

func TestRecentAlertsSkipsMalformedEntries(t *testing.T) {
	l, _, client := newTestLedger(t)
	ctx := context.Background()

	// Entry with no alertId must be skipped, not abort the scan.
	if err := client.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey,
		Values: map[string]interface{}{"garbage": "yes"},
	}).Err(); err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if _, err := l.CreateAlert(ctx, "latency_p95", highScore("latency_p95"), nil); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	alerts, err := l.RecentAlerts(ctx, 10, "")
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected malformed entry skipped, got %d alerts", len(alerts))
	}
}

func TestUnknownSeverityDefaultsToLow(t *testing.T) {
	l, _, client := newTestLedger(t)
	ctx := context.Background()

	if err := client.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey,
		Values: map[string]interface{}{
			"alertId":   "alert-x",
			"metric":    "disk_io",
			"severity":  "catastrophic",
			"score":     "9.9",
			"timestamp": "1700000000000",
		},
	}).Err(); err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	alerts, err := l.RecentAlerts(ctx, 10, "")
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Severity != SeverityLow {
		t.Fatalf("expected unknown severity folded to low, got %+v", alerts)
	}
}

func TestResolveAppendsNewEntry(t *testing.T) {
	l, _, client := newTestLedger(t)
	ctx := context.Background()

	created, err := l.CreateAlert(ctx, "latency_p95", highScore("latency_p95"), nil)
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	resolved, err := l.Resolve(ctx, created.ID, "ops@example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resolved {
		t.Fatalf("expected alert to resolve")
	}

	// History must retain both entries: original append plus resolution.
	if length := client.XLen(ctx, StreamKey).Val(); length != 2 {
		t.Fatalf("expected 2 stream entries, got %d", length)
	}

	alerts, err := l.RecentAlerts(ctx, 10, "")
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	current, ok := LatestStateFor(created.ID, alerts)
	if !ok {
		t.Fatalf("expected folded state for %s", created.ID)
	}
	if !current.IsResolved || current.ResolvedBy != "ops@example.com" || current.ResolvedAt == 0 {
		t.Fatalf("unexpected folded state: %+v", current)
	}
}

func TestResolveUnknownIDReturnsFalse(t *testing.T) {
	l, _, client := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.CreateAlert(ctx, "latency_p95", highScore("latency_p95"), nil); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	before := client.XLen(ctx, StreamKey).Val()

	resolved, err := l.Resolve(ctx, "no-such-alert", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved {
		t.Fatalf("expected false for unknown alert id")
	}
	if after := client.XLen(ctx, StreamKey).Val(); after != before {
		t.Fatalf("resolve of unknown id must append nothing: %d != %d", after, before)
	}
}

func TestStatsScenario(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	created, err := l.CreateAlert(ctx, "latency_p95", highScore("latency_p95"), nil)
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	stats, err := l.Stats(ctx, "24h")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.High != 1 || stats.Unresolved != 1 {
		t.Fatalf("expected high=1 unresolved=1, got %+v", stats)
	}

	if _, err := l.Resolve(ctx, created.ID, "ops@example.com"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	stats, err = l.Stats(ctx, "24h")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Resolved != 1 || stats.Unresolved != 0 {
		t.Fatalf("expected resolved=1 unresolved=0, got %+v", stats)
	}
}

func TestHistoryWindow(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.CreateAlert(ctx, "latency_p95", highScore("latency_p95"), nil); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	now := time.Now().UnixMilli()
	history, err := l.History(ctx, now-60_000, 0, "")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if history.TotalCount != 1 || history.HighCount != 1 {
		t.Fatalf("expected 1 alert inside window, got %+v", history)
	}

	history, err = l.History(ctx, now+60_000, now+120_000, "")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if history.TotalCount != 0 {
		t.Fatalf("expected empty window, got %+v", history)
	}
}
