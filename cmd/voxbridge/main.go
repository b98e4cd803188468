package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lriva/voxbridge/internal/config"
	"github.com/lriva/voxbridge/internal/httpapi"
	"github.com/lriva/voxbridge/internal/observability"
	"github.com/lriva/voxbridge/internal/protocol"
	"github.com/lriva/voxbridge/internal/stream"
	"github.com/lriva/voxbridge/internal/tools"
	"github.com/lriva/voxbridge/internal/transcript"
	"github.com/lriva/voxbridge/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("transcript store init failed", zap.Error(err))
	}
	defer store.Close()

	registry := tools.NewRegistry()
	for _, spec := range []tools.Spec{tools.DateTimeSpec(), tools.EchoSpec()} {
		if err := registry.Register(spec); err != nil {
			logger.Fatal("tool registration failed",
				zap.String("tool", spec.Name), zap.Error(err))
		}
	}

	modelTransport, err := transport.NewWebSocket(transport.Options{
		URL:              cfg.ModelWSURL,
		AuthToken:        cfg.ModelAuthToken,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("model transport init failed", zap.Error(err))
	}

	engine := stream.NewClient(modelTransport, registry, stream.Options{
		DefaultInference: protocol.InferenceConfig{
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
		},
		AudioQueueCapacity: cfg.AudioQueueCapacity,
		AudioDrainBatch:    cfg.AudioDrainBatch,
		CloseTimeout:       cfg.SessionCloseTimeout,
		FlushDelay:         cfg.SessionFlushDelay,
		ToolTimeout:        cfg.ToolTimeout,
	}, logger, metrics)

	api := httpapi.New(cfg, engine, registry, store, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go sweepIdleSessions(runCtx, engine, cfg.SessionInactivityTimeout, metrics, logger)

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful http shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	// Drain remaining sessions through the reverse handshake, then force
	// whatever survives the deadline.
	for _, id := range engine.ActiveSessionIDs() {
		if err := engine.CloseSession(id); err != nil {
			engine.ForceCloseSession(id)
		}
	}

	logger.Info("shutdown complete")
}

// sweepIdleSessions closes sessions that have seen no frames in either
// direction for longer than the inactivity timeout.
func sweepIdleSessions(ctx context.Context, engine *stream.Client, timeout time.Duration, metrics *observability.Metrics, logger *zap.Logger) {
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range engine.ActiveSessionIDs() {
				last, err := engine.LastActivity(id)
				if err != nil {
					continue
				}
				if time.Since(last) < timeout {
					continue
				}
				logger.Info("closing idle session",
					zap.String("session_id", id), zap.Time("last_activity", last))
				if metrics != nil {
					metrics.SessionEvents.WithLabelValues("expired").Inc()
				}
				_ = engine.CloseSession(id)
			}
		}
	}
}
