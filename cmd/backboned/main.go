package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tlgselvi/dese-backbone/internal/agentbus"
	"github.com/tlgselvi/dese-backbone/internal/consumer"
	"github.com/tlgselvi/dese-backbone/internal/gateway"
	"github.com/tlgselvi/dese-backbone/internal/handlers"
	"github.com/tlgselvi/dese-backbone/internal/journal"
	"github.com/tlgselvi/dese-backbone/internal/ledger"
	"github.com/tlgselvi/dese-backbone/internal/metrics"
	"github.com/tlgselvi/dese-backbone/pkg/auth"
	"github.com/tlgselvi/dese-backbone/pkg/config"
	"github.com/tlgselvi/dese-backbone/pkg/logging"
	"github.com/tlgselvi/dese-backbone/pkg/monitoring"
	"github.com/tlgselvi/dese-backbone/pkg/redis"
	"github.com/tlgselvi/dese-backbone/pkg/server"
	"github.com/tlgselvi/dese-backbone/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("backboned")

	// Load environment variables
	config.LoadEnv(logger)

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
	}).Info("Starting DESE event backbone")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("backboned", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("backboned", version.Version, version.GitCommit)

	// Create custom metrics
	serviceMetrics := &metrics.Metrics{
		EventsPushed: metricsCollector.NewCounter("gateway_events_pushed_total", "Broadcasts pushed to gateway topics", []string{"module", "topic", "type"}),
	}
	serviceMetrics.GatewayConnections, serviceMetrics.GatewayMessages, serviceMetrics.BroadcastDuration = metricsCollector.CreateWebSocketMetrics()
	serviceMetrics.StreamEntries, serviceMetrics.StreamDuration, serviceMetrics.StreamLength = metricsCollector.CreateStreamMetrics()

	// Connect to Redis
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// REDIS_URL takes precedence over the address list when set
	redisAddrs := strings.Split(config.GetEnv("REDIS_ADDRS", "localhost:6379"), ",")
	var redisClient goredis.UniversalClient
	var err error
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		redisClient, err = redis.NewClientFromURL(ctx, redisURL)
	} else {
		redisClient, err = redis.NewUniversalClient(ctx, redis.Config{
			Mode:       redis.Mode(config.GetEnv("REDIS_MODE", "single")),
			Addrs:      redisAddrs,
			MasterName: config.GetEnv("REDIS_MASTER_NAME", ""),
			Password:   config.GetEnv("REDIS_PASSWORD", ""),
			DB:         config.GetEnvInt("REDIS_DB", 0),
		})
	}
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	jwtSecret := []byte(config.RequireEnv("JWT_SECRET"))
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Core modules
	alertLedger := ledger.New(redisClient, logger)
	bus := agentbus.New(redisClient, logger)
	remediationJournal := journal.New(config.GetEnv("REMEDIATION_DIR", "data/remediation"), logger)
	registry := gateway.NewRegistry(logger, jwtSecret, serviceMetrics)

	// Alert creation/resolution pushes straight into the local gateway
	alertLedger.SetNotifier(registry)

	// Cross-process broadcasts arrive over Redis pub/sub. Single-node
	// deployments can switch the bridge off.
	if config.GetEnvBool("GATEWAY_BRIDGE", true) {
		go func() {
			if err := registry.RunBridge(ctx, redisClient); err != nil {
				logger.WithError(err).Error("Gateway fan-in bridge stopped")
			}
		}()
	}

	// Event consumer drives agent side effects into the gateway and journal
	worker := consumer.New(
		redisClient,
		logger,
		config.GetEnv("EVENTS_STREAM", "dese.events"),
		config.GetEnv("CONSUMER_GROUP", "backbone-consumers"),
		serviceMetrics,
	)
	worker.Handle("agent.notification", func(ctx context.Context, event consumer.Event) error {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			return err
		}
		module, _ := payload["module"].(string)
		topic, _ := payload["topic"].(string)
		if module == "" || topic == "" {
			logger.WithField("entry_id", event.ID).Warn("Notification event missing module or topic")
			return nil
		}
		registry.PushEvent(module, topic, payload)
		return nil
	})
	worker.Handle("remediation.executed", func(ctx context.Context, event consumer.Event) error {
		var payload struct {
			Metric   string `json:"metric"`
			Action   string `json:"action"`
			Severity string `json:"severity"`
			Status   string `json:"status"`
		}
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			return err
		}
		remediationJournal.Record(journal.Event{
			Timestamp: time.Now().UnixMilli(),
			Metric:    payload.Metric,
			Action:    payload.Action,
			Severity:  payload.Severity,
			Status:    payload.Status,
		})
		registry.PushContextUpdate("dese", "alerts", map[string]interface{}{
			"metric": payload.Metric,
			"action": payload.Action,
			"status": payload.Status,
		})
		return nil
	})
	go func() {
		if err := worker.Run(ctx); err != nil {
			logger.WithError(err).Error("Event consumer stopped")
		}
	}()

	// Add health checks
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"REDIS_ADDRS": strings.Join(redisAddrs, ","),
		"JWT_SECRET":  string(jwtSecret),
	}))

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "backboned", healthChecker, metricsCollector)

	// API and websocket surface
	apiHandlers := handlers.New(alertLedger, bus, remediationJournal, registry, logger)
	apiHandlers.RegisterRoutes(router, jwtSecret)

	// Admin routes with service auth
	admin := router.Group("/admin")
	admin.Use(auth.ServiceAuthMiddleware(serviceToken))
	admin.GET("/dlq", func(c *gin.Context) {
		entries, err := redisClient.XRevRangeN(c.Request.Context(), worker.DLQStream(), "+", "-", 50).Result()
		if err != nil && err != goredis.Nil {
			logger.WithError(err).Error("Failed to read dead letter stream")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read dead letter stream"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stream": worker.DLQStream(), "entries": entries})
	})

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("backboned", "18080")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
