// Package kvstore provides the durable key-value backends behind the record
// store: sqlite (default), redis and an in-process memory store.
//
// Every backend implements ports.KeyValueStore and ports.HealthChecker.
// A missing key is reported as *domain.NotFoundError; any other backend
// failure is a *domain.StorageError carrying the key and operation.
package kvstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jsamuelsen/quotesync/internal/domain"
	"github.com/jsamuelsen/quotesync/internal/platform/config"
	"github.com/jsamuelsen/quotesync/internal/ports"
)

// Backend names accepted by New.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Store is a key-value backend that also reports its health.
type Store interface {
	ports.KeyValueStore
	ports.HealthChecker
}

// New opens the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case BackendSQLite, "":
		return NewSQLite(ctx, cfg.SQLite, logger)
	case BackendRedis:
		return NewRedis(ctx, cfg.Redis, logger)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func notFound(key string) error {
	return domain.NewNotFoundError("key", key)
}

func readErr(key string, err error) error {
	return domain.NewStorageError("read", key, err)
}

func writeErr(key string, err error) error {
	return domain.NewStorageError("write", key, err)
}

// batchKey names a multi-key write in error messages.
func batchKey(entries map[string][]byte) string {
	if len(entries) == 1 {
		for k := range entries {
			return k
		}
	}

	return fmt.Sprintf("%d keys", len(entries))
}
