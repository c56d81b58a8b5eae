package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chatkit-session/internal/config"
	"github.com/whisper/chatkit-session/internal/issuer"
	"github.com/whisper/chatkit-session/internal/logging"
	"github.com/whisper/chatkit-session/internal/messaging"
	"github.com/whisper/chatkit-session/internal/provider"
	"github.com/whisper/chatkit-session/internal/ratelimit"
	"github.com/whisper/chatkit-session/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Init("sessiond", "info").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Init("sessiond", cfg.LogLevel)

	opts := issuer.Options{
		Provider: provider.NewClient(provider.Config{
			BaseURL: cfg.ProviderBaseURL,
			Timeout: cfg.ProviderTimeout,
		}),
		Lookup:          os.LookupEnv,
		Logger:          logger,
		SideCallTimeout: cfg.SideCallTimeout,
	}

	// --- Rate limiting ---
	var rdb *redis.Client
	var local *ratelimit.Local
	if cfg.RateLimit > 0 {
		opts.Rule = ratelimit.Rule{Key: ratelimit.RuleSession.Key, Limit: cfg.RateLimit, Window: cfg.RateWindow}
		if cfg.RedisAddr != "" {
			rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := rdb.Ping(ctx).Err(); err != nil {
				cancel()
				logger.Error("failed to connect to Redis", "addr", cfg.RedisAddr, "error", err)
				os.Exit(1)
			}
			cancel()
			opts.Limiter = ratelimit.NewLimiter(rdb, logger)
		} else {
			local = ratelimit.NewLocal(2 * cfg.RateWindow)
			opts.Limiter = local
		}
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "chatkit-sessiond"
		natsClient, err = messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "url", cfg.NATSURL, "error", err)
			os.Exit(1)
		}
		opts.Events = natsClient
	}

	serverConfig := server.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.SessionPath = cfg.SessionPath
	if floor := cfg.ProviderTimeout + 5*time.Second; serverConfig.WriteTimeout < floor {
		serverConfig.WriteTimeout = floor
	}

	srv := server.NewServer(serverConfig, issuer.New(opts), logger)

	logger.Info("chatkit session issuer starting",
		"listen_addr", cfg.ListenAddr,
		"session_path", cfg.SessionPath,
		"provider_base_url", cfg.ProviderBaseURL,
		"provider_timeout", cfg.ProviderTimeout.String(),
		"rate_limit", cfg.RateLimit,
		"rate_window", cfg.RateWindow.String(),
		"redis_addr", cfg.RedisAddr,
		"nats_url", cfg.NATSURL)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	if natsClient != nil {
		natsClient.Close()
	}
	if local != nil {
		local.Close()
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logger.Warn("redis close error", "error", err)
		}
	}
}
