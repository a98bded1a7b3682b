package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/antoniostano/narrate/internal/app"
	"github.com/antoniostano/narrate/internal/config"
	"github.com/antoniostano/narrate/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := observability.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Exporter:     cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
		ServiceName:  "narrated",
	}, logger)
	if err != nil {
		log.Fatalf("tracing init failed: %v", err)
	}

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("build failed: %v", err)
	}

	svc := built.Service
	if n, err := svc.Recover(ctx); err != nil {
		logger.Error("recover unfinished conversions failed", slog.Any("err", err))
	} else if n > 0 {
		logger.Info("resumed unfinished conversions", slog.Int("count", n))
	}

	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	defer janitorCancel()
	svc.StartJanitor(janitorCtx, cfg.CleanupInterval)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	janitorCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("err", err))
		_ = httpServer.Close()
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("conversion runs did not stop in time", slog.Any("err", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", slog.Any("err", err))
	}
	if err := built.Cleanup(); err != nil {
		logger.Warn("resource cleanup failed", slog.Any("err", err))
	}

	logger.Info("shutdown complete")
}
