package monitoring

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestHealthCheckerAggregation(t *testing.T) {
	hc := NewHealthChecker("test-svc", "v0")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })

	status := hc.CheckHealth()
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", status.Status)
	}

	hc.AddCheck("slow", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	if status := hc.CheckHealth(); status.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", status.Status)
	}

	hc.AddCheck("down", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })
	if status := hc.CheckHealth(); status.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", status.Status)
	}
}

func TestRedisHealthCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	result := RedisHealthCheck(client)()
	if result.Status != StatusHealthy {
		t.Fatalf("expected healthy redis, got %+v", result)
	}

	mr.Close()
	result = RedisHealthCheck(client)()
	if result.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy after close, got %+v", result)
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	check := ConfigurationHealthCheck(map[string]string{"REDIS_URL": "redis://localhost"})
	if result := check(); result.Status != StatusHealthy {
		t.Fatalf("expected healthy config, got %+v", result)
	}

	check = ConfigurationHealthCheck(map[string]string{"JWT_SECRET": ""})
	if result := check(); result.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy config, got %+v", result)
	}
}
