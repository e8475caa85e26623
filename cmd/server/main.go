package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vibeme/voice-agent/internal/ai"
	"github.com/vibeme/voice-agent/internal/config"
	"github.com/vibeme/voice-agent/internal/observability"
	"github.com/vibeme/voice-agent/internal/session"
	"github.com/vibeme/voice-agent/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("chat_model", cfg.ChatModel).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Agent Service starting")

	// Without credentials every turn short-circuits to the fixed
	// unavailable reply instead of refusing to start.
	var caps session.Capabilities
	if cfg.Degraded() {
		logger.Warn().Msg("OPENAI_API_KEY not set, starting in degraded mode")
	} else {
		client := ai.NewOpenAIClient(cfg)
		caps = session.Capabilities{
			Transcriber: client,
			Responder:   client,
			Synthesizer: client,
		}
	}
	observability.SetDegradedMode(cfg.Degraded())

	manager := transport.NewManager(cfg, caps)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", manager.HandleWS)
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"openai": func(ctx context.Context) (bool, error) {
			if cfg.Degraded() {
				return false, fmt.Errorf("OPENAI_API_KEY not configured")
			}
			return true, nil
		},
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
