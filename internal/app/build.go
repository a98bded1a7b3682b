package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antoniostano/narrate/internal/blob"
	"github.com/antoniostano/narrate/internal/bus"
	"github.com/antoniostano/narrate/internal/chunker"
	"github.com/antoniostano/narrate/internal/config"
	"github.com/antoniostano/narrate/internal/conversion"
	"github.com/antoniostano/narrate/internal/dispatcher"
	"github.com/antoniostano/narrate/internal/httpapi"
	"github.com/antoniostano/narrate/internal/jobstore"
	"github.com/antoniostano/narrate/internal/observability"
	"github.com/antoniostano/narrate/internal/progress"
	"github.com/antoniostano/narrate/internal/service"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Service   *service.Service
	Metrics   *observability.Metrics
	Store     conversion.Store
	Blobs     blob.Store
	StoreMode string
	Provider  string
	Detail    string

	// Cleanup should be called on shutdown, after the service has stopped,
	// to release external resources (DB, NATS).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, storeMode, err := jobstore.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("job store init failed: %w", err)
	}

	var nc *bus.Client
	if strings.TrimSpace(cfg.NATSURL) != "" {
		nc, err = bus.Connect(cfg.NATSURL, 0, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	closeAll := func() error {
		nc.Close()
		return store.Close()
	}

	blobs, err := openBlobStore(cfg, nc, logger)
	if err != nil {
		_ = closeAll()
		return nil, err
	}

	synth, err := resolveSynthesis(cfg)
	if err != nil {
		_ = closeAll()
		return nil, err
	}

	var sinks []progress.Sink
	if nc != nil {
		sinks = append(sinks, progress.NewNATSSink(nc.Conn()))
	}
	broker := progress.NewBroker(logger, sinks...)

	svc := service.New(service.Config{
		Chunking: chunker.Options{MaxChunkSize: cfg.MaxChunkSize, Lookback: cfg.ChunkLookback},
		Dispatch: dispatcher.Config{
			Workers:       cfg.WorkersPerJob,
			MaxInflight:   cfg.MaxInflightCalls,
			RetryAttempts: cfg.RetryAttempts,
			RetryBase:     cfg.RetryBase,
			RetryCap:      cfg.RetryCap,
			CallTimeout:   cfg.SynthesisTimeout,
		},
		CleanupKeepLatest: cfg.CleanupKeepLatest,
		CleanupMaxAge:     cfg.CleanupMaxAge,
	}, service.Deps{
		Store:     store,
		StoreMode: storeMode,
		Blobs:     blobs,
		Client:    synth.client,
		Broker:    broker,
		Metrics:   metrics,
		Logger:    logger,
	})

	ready := func(ctx context.Context) error {
		if _, err := store.List(ctx, conversion.ListOptions{Limit: 1}); err != nil {
			return fmt.Errorf("job store: %w", err)
		}
		if nc != nil && !nc.Healthy() {
			return errors.New("nats: not connected")
		}
		return nil
	}
	api := httpapi.New(cfg, svc, metrics, ready)

	logger.Info("conversion service built",
		slog.String("store_mode", storeMode),
		slog.String("blob_backend", cfg.BlobBackend),
		slog.String("synthesis", synth.detail),
		slog.Bool("nats", nc != nil))

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Service:   svc,
		Metrics:   metrics,
		Store:     store,
		Blobs:     blobs,
		StoreMode: storeMode,
		Provider:  synth.provider,
		Detail:    synth.detail,
		Cleanup:   closeAll,
	}, nil
}
