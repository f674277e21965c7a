// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/mailbox/config"
	"github.com/absmach/mailbox/mailbox"
	mbtls "github.com/absmach/mailbox/pkg/tls"
	"github.com/absmach/mailbox/provider"
	"github.com/absmach/mailbox/provider/memory"
	"github.com/absmach/mailbox/ratelimit"
	"github.com/absmach/mailbox/server/health"
	"github.com/absmach/mailbox/server/http"
	"github.com/absmach/mailbox/server/otel"
	"github.com/absmach/mailbox/server/websocket"
	"github.com/absmach/mailbox/webhook"
	"github.com/joho/godotenv"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("Failed to load env file", "file", *envFile, "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting mailbox", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"node_id", cfg.Server.NodeID,
		"protocol", cfg.Memory.Protocol,
		"http_enabled", cfg.Server.HTTPEnabled,
		"http_addr", cfg.Server.HTTPAddr,
		"ws_enabled", cfg.Server.WSEnabled,
		"ws_addr", cfg.Server.WSAddr,
		"health_enabled", cfg.Server.HealthEnabled,
		"health_addr", cfg.Server.HealthAddr,
		"ack_timeout", cfg.Queue.AckTimeout,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := memory.NewBus(memory.WithLogger(logger))

	popts := []provider.Option{provider.WithLogger(logger)}

	var telemetry *otel.Telemetry
	if cfg.Server.MetricsEnabled {
		telemetry, err = otel.Setup(ctx, cfg.Server, bus.Queue())
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		if telemetry.Metrics != nil {
			popts = append(popts, provider.WithMetrics(telemetry.Metrics))
		}
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Server.MetricsAddr,
			"insecure", cfg.Server.OtelInsecure,
			"metrics", cfg.Server.OtelMetricsEnabled,
			"traces", cfg.Server.OtelTracesEnabled)
	}

	var notifier webhook.Notifier
	if cfg.Webhook.Enabled {
		n, err := webhook.NewNotifier(cfg.Webhook, cfg.Server.NodeID, webhook.NewHTTPSender(nil), logger)
		if err != nil {
			slog.Error("Failed to create webhook notifier", "error", err)
			os.Exit(1)
		}
		notifier = n
		popts = append(popts, provider.WithNotifier(n))
		slog.Info("Webhook notifications enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	if cfg.Breaker.Enabled {
		popts = append(popts, provider.WithBreaker(provider.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
			MaxRequests:      cfg.Breaker.MaxRequests,
		}))
	}

	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()

	p, err := memory.NewProvider(bus, []memory.Option{
		memory.WithProtocol(cfg.Memory.Protocol),
		memory.WithAckTimeout(cfg.Queue.AckTimeout),
		memory.WithDelay(cfg.Memory.Delay),
	}, popts...)
	if err != nil {
		slog.Error("Failed to create memory provider", "error", err)
		os.Exit(1)
	}

	mb := mailbox.New(mailbox.WithLogger(logger), mailbox.WithRateLimiter(limiter))
	if err := mb.Register(p); err != nil {
		slog.Error("Failed to register provider", "protocol", p.Protocol(), "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	if cfg.Server.HTTPEnabled {
		tlsCfg, err := mbtls.Load(cfg.Server.HTTPTLS)
		if err != nil {
			slog.Error("Failed to build HTTP TLS configuration", "error", err)
			os.Exit(1)
		}
		httpServer := http.New(http.Config{
			Address:         cfg.Server.HTTPAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			TLSConfig:       tlsCfg,
			AckTimeout:      cfg.Queue.AckTimeout,
		}, mb, limiter, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting HTTP API", "address", cfg.Server.HTTPAddr, "security", mbtls.SecurityStatus(tlsCfg))
			if err := httpServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.WSEnabled {
		tlsCfg, err := mbtls.Load(cfg.Server.WSTLS)
		if err != nil {
			slog.Error("Failed to build WebSocket TLS configuration", "error", err)
			os.Exit(1)
		}
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			TLSConfig:       tlsCfg,
		}, mb, limiter, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting WebSocket server",
				"address", cfg.Server.WSAddr,
				"path", cfg.Server.WSPath,
				"security", mbtls.SecurityStatus(tlsCfg))
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			NodeID:          cfg.Server.NodeID,
		}, mb, bus.Queue(), logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Mailbox started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := mb.Close(shutdownCtx); err != nil {
		slog.Error("Error closing providers", "error", err)
	}

	if notifier != nil {
		if err := notifier.Close(); err != nil {
			slog.Error("Failed to close webhook notifier", "error", err)
		}
	}

	if telemetry != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := telemetry.Shutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Mailbox stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
