// Package main is the entry point for the sentinel correlation service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sentinel-siem/internal/api"
	"sentinel-siem/internal/attack"
	"sentinel-siem/internal/audit"
	"sentinel-siem/internal/config"
	"sentinel-siem/internal/correlation"
	"sentinel-siem/internal/metrics"
	"sentinel-siem/internal/notify"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/storage"
	s3archive "sentinel-siem/internal/storage/s3"
	"sentinel-siem/internal/store"
)

func main() {
	// Bootstrap logger, replaced with the configured one once config loads.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(cfg.Logging.NewLogger(os.Stdout))

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"max_events", cfg.Engine.MaxEvents,
		"auth_enabled", cfg.Auth.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core components
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxEventAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})

	eventStore := store.New(cfg.Engine.MaxEvents, cfg.Engine.MaxEventAge)
	ruleRegistry := correlation.NewRuleRegistry()
	attackRegistry := attack.NewRegistry()

	promRegistry := prometheus.NewRegistry()
	engineMetrics := metrics.New(promRegistry)

	// Audit log
	var auditLogger *audit.Logger
	var auditSink correlation.AuditSink
	if cfg.Audit.Enabled {
		auditLogger, err = audit.NewLogger(audit.Config{Path: cfg.Audit.Path})
		if err != nil {
			slog.Error("failed to initialize audit log", "error", err)
			os.Exit(1)
		}
		auditSink = auditLogger
	}

	// Outbound alert channels
	var channels []notify.Channel

	if cfg.Alerting.Webhook.Enabled {
		channels = append(channels, notify.NewWebhookChannel(
			"webhook", cfg.Alerting.Webhook.URL, cfg.Alerting.Webhook.Headers))
	}

	var kafkaChannel *notify.KafkaChannel
	if cfg.Alerting.Kafka.Enabled {
		kafkaChannel = notify.NewKafkaChannel(cfg.Alerting.Kafka.KafkaConfig)
		channels = append(channels, kafkaChannel)
	}

	var redisChannel *notify.RedisChannel
	if cfg.Alerting.Redis.Enabled {
		redisChannel, err = notify.NewRedisChannel(cfg.Alerting.Redis.RedisConfig)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		channels = append(channels, redisChannel)
	}

	var alerts correlation.AlertSender
	if len(channels) > 0 {
		alerts = notify.NewDispatcher(cfg.Alerting.Dispatcher, channels...)
		slog.Info("alert dispatcher initialized", "channels", len(channels))
	}

	// Incident tracker bridge
	var incidents correlation.IncidentCreator
	if cfg.Incidents.Enabled {
		incidents = notify.NewIncidentClient(cfg.Incidents.IncidentClientConfig)
	}

	// Cold storage
	var chClient *storage.Client
	var archive *storage.Archive
	var archivers []correlation.EventArchiver

	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)

		chClient, err = storage.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		slog.Info("running database migrations")
		migrator := storage.NewMigrator(chClient)
		if err := migrator.Run(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		retention := storage.NewRetentionManager(chClient, cfg.Storage.Retention)
		if err := retention.ApplyTTLs(ctx); err != nil {
			slog.Warn("failed to apply retention policies", "error", err)
		}

		archive = storage.NewArchive(chClient, cfg.Storage.Archive)
		archivers = append(archivers, archive)

		if cfg.Storage.S3.Enabled {
			s3Client, err := s3archive.NewClient(ctx, &cfg.Storage.S3.Config, slog.Default())
			if err != nil {
				slog.Error("failed to initialize s3 client", "error", err)
				os.Exit(1)
			}
			archivers = append(archivers, s3archive.NewArchiver(s3Client, nil))
		}

		slog.Info("storage initialized successfully")
	}

	// Correlation engine
	engine := correlation.NewEngine(correlation.Config{
		MaxEvents:       cfg.Engine.MaxEvents,
		MaxEventAge:     cfg.Engine.MaxEventAge,
		CleanupInterval: cfg.Engine.CleanupInterval,
		BridgeTimeout:   cfg.Engine.BridgeTimeout,
	}, correlation.Deps{
		Store:     eventStore,
		Rules:     ruleRegistry,
		Attacks:   attackRegistry,
		Audit:     auditSink,
		Alerts:    alerts,
		Incidents: incidents,
		Archiver:  multiArchiver(archivers),
		Metrics:   engineMetrics,
	})

	if cfg.Engine.SeedBuiltinRules {
		engine.SeedBuiltinRules()
	}

	if cfg.Engine.RulesDir != "" {
		rules, err := correlation.LoadDir(cfg.Engine.RulesDir)
		if err != nil {
			slog.Error("failed to load rules directory", "dir", cfg.Engine.RulesDir, "error", err)
			os.Exit(1)
		}
		for _, rule := range rules {
			if _, err := engine.SaveRule(ctx, rule, "startup"); err != nil {
				slog.Error("failed to install rule", "rule_id", rule.ID, "error", err)
				os.Exit(1)
			}
		}
		slog.Info("loaded rules from directory", "dir", cfg.Engine.RulesDir, "count", len(rules))
	}

	engine.Start(ctx)

	// HTTP API
	handler := api.NewHandler(validator, engine).
		WithMetrics(engineMetrics).
		WithStrictValidation(cfg.Validation.StrictMode).
		WithMaxPayload(10 * 1024 * 1024).
		WithMaxBatch(1000)
	if archive != nil {
		handler.WithRecorder(archive)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      api.NewRouter(handler, cfg, promRegistry),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting correlation server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	cancel()
	engine.Stop()

	if kafkaChannel != nil {
		if err := kafkaChannel.Close(); err != nil {
			slog.Error("kafka channel close error", "error", err)
		}
	}
	if redisChannel != nil {
		if err := redisChannel.Close(); err != nil {
			slog.Error("redis channel close error", "error", err)
		}
	}

	if archive != nil {
		if err := archive.Close(); err != nil {
			slog.Error("archive close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}

	if auditLogger != nil {
		if err := auditLogger.Close(); err != nil {
			slog.Error("audit log close error", "error", err)
		}
	}

	storeStats := eventStore.Stats()
	slog.Info("shutdown complete",
		"events_appended", storeStats.Appended,
		"events_evicted", storeStats.Evicted,
		"events_expired", storeStats.Expired,
		"attacks_detected", attackRegistry.Len(),
	)
}

// multiArchiver fans archive batches out to every configured sink. Returns
// nil when no sinks are configured so the engine skips archival entirely.
func multiArchiver(archivers []correlation.EventArchiver) correlation.EventArchiver {
	switch len(archivers) {
	case 0:
		return nil
	case 1:
		return archivers[0]
	default:
		return fanoutArchiver(archivers)
	}
}

type fanoutArchiver []correlation.EventArchiver

func (f fanoutArchiver) ArchiveEvents(ctx context.Context, events []*schema.SecurityEvent) error {
	var lastErr error
	for _, a := range f {
		if err := a.ArchiveEvents(ctx, events); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
