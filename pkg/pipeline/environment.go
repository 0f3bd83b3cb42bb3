package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/xdmod/xdmod-etl/pkg/config"
	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
	"github.com/xdmod/xdmod-etl/pkg/logging"
	"github.com/xdmod/xdmod-etl/pkg/metrics"
	"github.com/xdmod/xdmod-etl/pkg/statestore"
	"github.com/xdmod/xdmod-etl/pkg/telemetry"
	"github.com/xdmod/xdmod-etl/pkg/warehouse"
)

// Environment holds the process-wide services a command works with.
type Environment struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Metrics   *metrics.Recorder
	Warehouse *warehouse.Warehouse
	State     *statestore.Manager

	closers []func(context.Context) error
}

// Setup validates cfg and opens logging, tracing, metrics, the warehouse and
// the state backend. Log output goes to logOut. On failure everything opened
// so far is closed.
func Setup(ctx context.Context, cfg *config.Config, logOut io.Writer) (env *Environment, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging, logOut)
	if err != nil {
		return nil, err
	}
	env = &Environment{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			env.Close(context.Background())
			env = nil
		}
	}()

	shutdown, err := telemetry.NewExporter(cfg.Telemetry).Init(ctx)
	if err != nil {
		return env, etlerrors.Wrap(err, etlerrors.CodeConfiguration, "failed to start tracing")
	}
	env.closers = append(env.closers, shutdown)

	var next metrics.Exporter
	if cfg.Metrics.Enabled {
		log := metrics.NewLog(logger,
			metrics.WithMinLevel(metrics.ParseLevel(cfg.Metrics.Level)),
			metrics.WithBufferSize(cfg.Metrics.BufferSize))
		next = log
	}
	env.Metrics = metrics.NewRecorder(next)
	env.closers = append(env.closers, func(context.Context) error { return env.Metrics.Close() })

	env.Warehouse, err = warehouse.Open(ctx, cfg.Database, logger)
	if err != nil {
		return env, err
	}
	env.closers = append(env.closers, func(context.Context) error { return env.Warehouse.Close() })

	backend, closeBackend, err := OpenStateBackend(ctx, cfg, env.Warehouse, logger)
	if err != nil {
		return env, err
	}
	env.closers = append(env.closers, closeBackend)
	env.State = statestore.NewManager(backend, logger)

	logger.Debug().
		Str("driver", cfg.Database.Driver).
		Str("state_backend", backend.Name()).
		Bool("tracing", cfg.Telemetry.Enabled).
		Msg("environment ready")
	return env, nil
}

// Runner returns a runner wired to the environment.
func (e *Environment) Runner() *Runner {
	return NewRunner(e.Warehouse, e.Config).
		SetState(e.State).
		SetLogger(e.Logger).
		SetMetrics(e.Metrics)
}

// Close releases every service in reverse order of opening.
func (e *Environment) Close(ctx context.Context) error {
	var errs etlerrors.MultiError
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs.Add(err)
		}
	}
	e.closers = nil
	return errs.Combined()
}

// OpenStateBackend builds the configured state backend. The returned close
// function releases connections the backend owns.
func OpenStateBackend(ctx context.Context, cfg *config.Config, wh *warehouse.Warehouse, logger zerolog.Logger) (statestore.Backend, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	open := func(name string) (statestore.Backend, func(context.Context) error, error) {
		switch name {
		case config.BackendSQL:
			b, err := wh.StateBackend(ctx)
			return b, noop, err
		case config.BackendRedis:
			b, err := statestore.NewRedisBackend(ctx, cfg.State.Redis)
			if err != nil {
				return nil, nil, err
			}
			b.SetLogger(logger)
			return b, func(context.Context) error { return b.Close() }, nil
		case config.BackendS3:
			b, err := statestore.NewS3Backend(ctx, cfg.State.S3)
			return b, noop, err
		}
		return nil, nil, etlerrors.New(etlerrors.CodeConfiguration, "unsupported state backend").
			WithContext("backend", name)
	}

	if cfg.State.Backend != config.BackendMirror {
		return open(cfg.State.Backend)
	}

	primary, closePrimary, err := open(cfg.State.Mirror.Primary)
	if err != nil {
		return nil, nil, fmt.Errorf("mirror primary: %w", err)
	}
	secondary, closeSecondary, err := open(cfg.State.Mirror.Secondary)
	if err != nil {
		closePrimary(ctx)
		return nil, nil, fmt.Errorf("mirror secondary: %w", err)
	}
	closeBoth := func(ctx context.Context) error {
		var errs etlerrors.MultiError
		if err := closeSecondary(ctx); err != nil {
			errs.Add(err)
		}
		if err := closePrimary(ctx); err != nil {
			errs.Add(err)
		}
		return errs.Combined()
	}
	return statestore.NewMirrorBackend(primary, secondary, logger), closeBoth, nil
}
