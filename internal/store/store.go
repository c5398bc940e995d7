// Package store opens the configured persistence backend.
package store

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/claytonnetvision/wodpulse/internal/config"
	"github.com/claytonnetvision/wodpulse/internal/ranking"
	"github.com/claytonnetvision/wodpulse/internal/roster"
	"github.com/claytonnetvision/wodpulse/internal/session"
	"github.com/claytonnetvision/wodpulse/internal/store/libsql"
	"github.com/claytonnetvision/wodpulse/internal/store/memory"
	"github.com/claytonnetvision/wodpulse/internal/store/postgres"
)

// Backend is everything the engine needs from persistence.
type Backend interface {
	roster.Store
	session.Persister
	session.SampleWriter
	ranking.HistorySource
	io.Closer
}

// Verify the backends implement Backend
var (
	_ Backend = (*memory.Store)(nil)
	_ Backend = (*postgres.Store)(nil)
	_ Backend = (*libsql.Store)(nil)
)

// Open returns the backend cfg.Driver names.
func Open(ctx context.Context, cfg config.StoreConfig, logger *log.Logger) (Backend, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Printf("Store: using in-memory store")
		return memory.New(), nil
	case "postgres":
		logger.Printf("Store: connecting to postgres")
		s, err := postgres.Open(ctx, cfg.PostgresURL, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "libsql":
		logger.Printf("Store: connecting to libsql")
		s, err := libsql.Open(ctx, cfg.LibsqlURL, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
