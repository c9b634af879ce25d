package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jo-hoe/bulkingest/internal/common"
	appcfg "github.com/jo-hoe/bulkingest/internal/config"
	"github.com/jo-hoe/bulkingest/internal/ingest"
	"github.com/jo-hoe/bulkingest/internal/jobs"
	"github.com/jo-hoe/bulkingest/internal/records"
)

// app holds the wired components shared by serve and import.
type app struct {
	log      *slog.Logger
	cfg      *appcfg.Config
	registry jobs.Registry
	store    records.Store
	pool     *jobs.Pool
	service  *ingest.Service
}

func newApp(ctx context.Context, cfg *appcfg.Config, log *slog.Logger) (*app, error) {
	registry, err := openRegistry(cfg)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = registry.Close()
		return nil, err
	}

	pool := jobs.NewPool(log, cfg.Engine.PoolConfig())
	// Jobs outlive request and signal contexts; Shutdown cancels them after the grace period.
	if err := pool.Start(context.Background()); err != nil {
		_ = store.Close()
		_ = registry.Close()
		return nil, fmt.Errorf("start pool: %w", err)
	}

	processor := ingest.NewProcessor(log, registry, ingest.NewWriter(store))
	return &app{
		log:      log,
		cfg:      cfg,
		registry: registry,
		store:    store,
		pool:     pool,
		service:  ingest.NewService(log, registry, pool, processor),
	}, nil
}

func openRegistry(cfg *appcfg.Config) (jobs.Registry, error) {
	switch cfg.Jobs.Registry {
	case common.RegistrySQLite:
		reg, err := jobs.NewSQLiteRegistry(cfg.Jobs.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open job registry: %w", err)
		}
		return reg, nil
	default:
		return jobs.NewMemoryRegistry(), nil
	}
}

func openStore(ctx context.Context, cfg *appcfg.Config) (records.Store, error) {
	switch cfg.Store.Driver {
	case common.DriverPostgres:
		store, err := records.NewPostgresStore(ctx, records.PostgresOptions{
			URL:             cfg.Store.PostgresURL,
			MaxConns:        cfg.Store.MaxConns,
			MinConns:        cfg.Store.MinConns,
			MaxConnLifetime: cfg.Store.MaxConnLifetime,
			MaxConnIdleTime: cfg.Store.MaxConnIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres record store: %w", err)
		}
		return store, nil
	default:
		store, err := records.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite record store: %w", err)
		}
		return store, nil
	}
}

// close stops the pool first so no job writes to a closed store.
func (a *app) close(grace time.Duration) error {
	a.pool.Shutdown(grace)
	return errors.Join(a.store.Close(), a.registry.Close())
}
