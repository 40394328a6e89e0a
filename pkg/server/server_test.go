package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tlgselvi/dese-backbone/pkg/logging"
	"github.com/tlgselvi/dese-backbone/pkg/monitoring"
	"github.com/tlgselvi/dese-backbone/pkg/version"
)

func TestServiceRouterServesVersionAndHealth(t *testing.T) {
	logger := logging.NewLoggerWithService("server-test")
	healthChecker := monitoring.NewHealthChecker("server-test", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("server-test", version.Version, version.GitCommit)

	router := SetupServiceRouter(logger, "server-test", healthChecker, metricsCollector)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("version status %d", rec.Code)
	}
	var info version.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if info.Version == "" || info.GitCommit == "" {
		t.Fatalf("expected populated version info: %+v", info)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
}
