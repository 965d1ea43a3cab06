// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opline/opline/pkg/store"
	"github.com/opline/opline/pkg/store/memory"
	"github.com/opline/opline/pkg/store/postgresql"
	"github.com/opline/opline/pkg/store/redis"
)

// NewStore creates a storage backend from a URL: memory://, redis:// or
// postgres://. Binaries treat an unusable store as fatal.
func NewStore(ctx context.Context, logger *slog.Logger, storeURL string) store.Store {
	switch parseStoreProvider(storeURL) {
	case "memory":
		return memory.NewStore()
	case "redis", "rediss":
		s, err := redis.NewStore(ctx, storeURL)
		if err != nil {
			panic(fmt.Errorf("failed to create redis store: %w", err))
		}

		return s
	case "postgres", "postgresql":
		s, err := postgresql.NewStore(ctx, logger, storeURL)
		if err != nil {
			panic(fmt.Errorf("failed to create postgresql store: %w", err))
		}

		return s
	default:
		panic("Unsupported store URL: " + storeURL)
	}
}

func parseStoreProvider(storeURL string) string {
	provider, _, found := strings.Cut(storeURL, "://")
	if !found {
		return ""
	}

	return provider
}
