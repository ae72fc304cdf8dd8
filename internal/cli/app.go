package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kode4food/cmdbus"
	"github.com/kode4food/cmdbus/examples/calculator"
	"github.com/kode4food/cmdbus/postgres"
)

type (
	// Backend is everything the tool needs from a storage backend
	Backend interface {
		cmdbus.EventStore
		cmdbus.StreamReader
		cmdbus.CursorStore
		Close() error
	}

	// app holds the components shared by every subcommand
	app struct {
		config   *Config
		log      *zap.Logger
		registry *prometheus.Registry
		store    Backend
		bus      *cmdbus.Bus
	}
)

func newApp(ctx context.Context, cfg *Config) (*app, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log, err := cfg.Logger()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	metrics, err := cmdbus.NewMetricsTracer(registry)
	if err != nil {
		return nil, err
	}
	tracer := cmdbus.MultiTracer(cmdbus.NewZapTracer(log), metrics)

	store, err := OpenBackend(ctx, cfg, tracer, log)
	if err != nil {
		return nil, err
	}

	bus, err := cmdbus.NewBus(
		cfg.BusConfig(), store,
		[]*cmdbus.AggregateType{calculator.NewType()},
		cmdbus.WithTracer(tracer), cmdbus.WithLogger(log),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		config:   cfg,
		log:      log,
		registry: registry,
		store:    store,
		bus:      bus,
	}, nil
}

func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(
		context.Background(), a.config.Bus.ShutdownTimeout,
	)
	defer cancel()
	if err := a.bus.Shutdown(ctx); err != nil {
		a.log.Warn("deliveries still running at shutdown", zap.Error(err))
	}
	err := a.store.Close()
	_ = a.log.Sync()
	return err
}

// OpenBackend opens the storage backend named by cfg.Store.Backend
func OpenBackend(
	ctx context.Context, cfg *Config, tracer cmdbus.Tracer, log *zap.Logger,
) (Backend, error) {
	storeCfg := cfg.BusConfig().Store
	opts := []cmdbus.Option{cmdbus.WithTracer(tracer), cmdbus.WithLogger(log)}

	switch cfg.Store.Backend {
	case BackendMemory:
		docs := cmdbus.NewMemoryDocStore()
		return cmdbus.NewDocEventStore(docs, storeCfg, opts...), nil

	case BackendBolt:
		docs, err := cmdbus.OpenBoltDocStore(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		return cmdbus.NewDocEventStore(docs, storeCfg, opts...), nil

	case BackendRedis:
		return cmdbus.NewRedisStore(ctx, storeCfg, opts...)

	case BackendPostgres:
		store, err := postgres.Open(ctx, cfg.Store.DSN, storeCfg,
			postgres.WithTracer(tracer), postgres.WithLogger(log),
		)
		if err != nil {
			return nil, err
		}
		if cfg.Store.CreateSchema {
			if err := store.CreateSchema(ctx); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
