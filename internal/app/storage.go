package app

import (
	"fmt"
	"log/slog"

	"github.com/antoniostano/narrate/internal/blob"
	"github.com/antoniostano/narrate/internal/bus"
	"github.com/antoniostano/narrate/internal/config"
)

func openBlobStore(cfg config.Config, nc *bus.Client, logger *slog.Logger) (blob.Store, error) {
	switch cfg.BlobBackend {
	case "memory":
		logger.Warn("blob backend is in-memory; artifacts are lost on restart")
		return blob.NewMemoryStore(), nil
	case "fs":
		st, err := blob.NewFSStore(cfg.BlobDir)
		if err != nil {
			return nil, fmt.Errorf("blob dir init failed: %w", err)
		}
		return st, nil
	case "nats":
		if nc == nil {
			return nil, fmt.Errorf("BLOB_BACKEND=nats needs NATS_URL")
		}
		st, err := blob.NewNATSStore(nc.JetStream(), cfg.NATSBucket)
		if err != nil {
			return nil, fmt.Errorf("nats object store init failed: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("invalid BLOB_BACKEND: %q", cfg.BlobBackend)
	}
}
