package jobstore

import (
	"context"
	"strings"

	"github.com/antoniostano/narrate/internal/conversion"
)

// Open picks PostgreSQL when databaseURL is set, then SQLite when sqlitePath
// is set, and falls back to memory. The returned mode names the backend.
func Open(ctx context.Context, databaseURL, sqlitePath string) (conversion.Store, string, error) {
	if strings.TrimSpace(databaseURL) != "" {
		st, err := NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, "", err
		}
		return st, "postgres", nil
	}
	if strings.TrimSpace(sqlitePath) != "" {
		st, err := NewSQLiteStore(ctx, sqlitePath)
		if err != nil {
			return nil, "", err
		}
		return st, "sqlite", nil
	}
	return NewMemoryStore(), "in-memory", nil
}
