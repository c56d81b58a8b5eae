package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/whisper/chatkit-session/internal/audit"
	"github.com/whisper/chatkit-session/internal/logging"
	"github.com/whisper/chatkit-session/internal/messaging"
	"github.com/whisper/chatkit-session/internal/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Init("sessionaudit", "info").Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	logger := logging.Init("sessionaudit", os.Getenv("LOG_LEVEL"))

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	metricsAddr := ":9091"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	reportWindow := time.Hour
	if v := os.Getenv("AUDIT_REPORT_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Error("invalid AUDIT_REPORT_WINDOW", "value", v)
			os.Exit(1)
		}
		reportWindow = d
	}

	// --- PostgreSQL ---
	if err := audit.Migrate(dbURL); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	db, err := audit.Open(ctx, dbURL)
	cancel()
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}

	store := audit.NewStore(db)
	recorder := audit.NewRecorder(store, 5*time.Second, logger)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go audit.WatchRecent(watchCtx, store, reportWindow, 30*time.Second, logger)

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "chatkit-sessionaudit"

	natsClient, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}

	if err := natsClient.SubscribeSessionEvents(recorder.Handle); err != nil {
		logger.Error("failed to subscribe to session events", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	logger.Info("chatkit session audit running",
		"nats_url", natsConfig.URL,
		"subject", messaging.SubjectSessionAll,
		"queue", messaging.QueueSessionsAudit,
		"metrics_addr", metricsAddr,
		"report_window", reportWindow.String())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	natsClient.Close()
	stopWatch()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	if err := db.Close(); err != nil {
		logger.Warn("database close error", "error", err)
	}
}
