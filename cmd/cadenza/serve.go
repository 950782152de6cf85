package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/rendis/cadenza/internal/aggregate"
	"github.com/rendis/cadenza/internal/commands"
	"github.com/rendis/cadenza/internal/expressions"
	"github.com/rendis/cadenza/internal/functions"
	"github.com/rendis/cadenza/internal/logging"
	"github.com/rendis/cadenza/internal/metrics"
	"github.com/rendis/cadenza/internal/runtime"
	"github.com/rendis/cadenza/internal/scheduler"
	"github.com/rendis/cadenza/internal/store"
	"github.com/rendis/cadenza/internal/streaming"
	"github.com/rendis/cadenza/internal/validation"
	"github.com/rendis/cadenza/internal/workflows"
)

const shutdownTimeout = 10 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the trigger engine and workflow runner",
		Flags: configFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return serve(ctx, cfg)
		},
	}
}

// app holds the wired runtime components.
type app struct {
	store   store.Store
	hub     *streaming.MemoryHub
	defs    *workflows.Registry
	runner  *runtime.Runner
	engine  *scheduler.Engine
	service *commands.Service
	reg     *prometheus.Registry
	logger  *slog.Logger
}

func serve(ctx context.Context, cfg Config) error {
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, clockwork.NewRealClock(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			logger.Error("failed to close store", slog.String("error", err.Error()))
		}
	}()

	if n, err := a.defs.LoadDir(cfg.DefinitionsDir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		logger.Warn("definitions directory not found", slog.String("dir", cfg.DefinitionsDir))
	} else {
		logger.Info("workflow definitions loaded", slog.Int("count", n), slog.String("dir", cfg.DefinitionsDir))
	}

	unsubscribe, err := a.tailEvents(ctx)
	if err != nil {
		return err
	}
	defer unsubscribe()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = a.serveMetrics(cfg.MetricsAddr)
	}

	if err := a.start(ctx); err != nil {
		a.shutdown(metricsSrv)
		return err
	}
	logger.Info("cadenza started", slog.String("version", version), slog.String("db_path", cfg.DBPath))

	<-ctx.Done()
	logger.Info("shutting down")
	a.shutdown(metricsSrv)
	return nil
}

// build wires the store, registries, runner, trigger engine and command
// service. Nothing runs until start.
func build(ctx context.Context, cfg Config, clock clockwork.Clock, logger *slog.Logger) (*app, error) {
	inner, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	hub := streaming.NewMemoryHub()
	st := streaming.NewPublishingStore(inner, hub, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	exprs, err := expressions.NewProvider(cfg.ExpressionLang)
	if err != nil {
		_ = inner.Close()
		return nil, err
	}
	funcs := functions.NewDefaultRegistry(functions.RestConfig{}, exprs, functions.NewCustomFunctions())
	funcs.UseBreakers(functions.NewBreakers(functions.DefaultBreakerConfig(), clock))

	validator, err := validation.NewWorkflowValidator(funcs, exprs)
	if err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("build workflow validator: %w", err)
	}
	defs := workflows.NewRegistry(validator)

	runner := runtime.NewRunner(st, defs, exprs, funcs, runtime.RunnerConfig{
		PoolSize: cfg.PoolSize,
		Clock:    clock,
		Logger:   logger,
		Metrics:  m,
	})

	var svc *commands.Service
	eng := scheduler.New(st, func(ctx context.Context, id string, dueAt time.Time) (*aggregate.Schedule, error) {
		return svc.Fire(ctx, id, dueAt)
	}, scheduler.Config{
		Clock:   clock,
		Logger:  logger,
		Metrics: m,
	})

	svc, err = commands.NewService(commands.Deps{
		Store:       st,
		Definitions: defs,
		Expressions: exprs,
		Runner:      runner,
		Timers:      eng,
		Validator:   validator,
		Clock:       clock,
		Logger:      logger,
	})
	if err != nil {
		_ = inner.Close()
		return nil, err
	}
	runner.OnFinished(svc.InstanceFinished)

	return &app{
		store:   st,
		hub:     hub,
		defs:    defs,
		runner:  runner,
		engine:  eng,
		service: svc,
		reg:     reg,
		logger:  logger,
	}, nil
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	if cfg.inMemory() {
		s, err = store.NewMemoryStore()
	} else {
		if cfg.dsn() != cfg.DBPath {
			if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		s, err = store.NewLibSQLStore(cfg.dsn())
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// start reconciles implicit schedules, resumes running instances and arms
// the trigger engine.
func (a *app) start(ctx context.Context) error {
	n, err := a.service.EnsureImplicitSchedules(ctx)
	if err != nil {
		return fmt.Errorf("reconcile implicit schedules: %w", err)
	}
	a.logger.Info("implicit schedules reconciled", slog.Int("changed", n))

	recovered, err := a.runner.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover instances: %w", err)
	}
	if recovered > 0 {
		a.logger.Info("running instances recovered", slog.Int("count", recovered))
	}

	return a.engine.Start(ctx)
}

func (a *app) shutdown(metricsSrv *http.Server) {
	a.engine.Stop()
	a.runner.Shutdown()
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(ctx); err != nil {
			a.logger.Error("metrics server shutdown", slog.String("error", err.Error()))
		}
	}
}

func (a *app) serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.reg))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("metrics server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}

// tailEvents logs every committed event at debug level.
func (a *app) tailEvents(ctx context.Context) (func(), error) {
	events, unsubscribe, err := a.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("subscribe to events: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-events:
				a.logger.Debug("event committed",
					slog.String("aggregate_type", e.AggregateType),
					slog.String("aggregate_id", e.AggregateID),
					slog.String("kind", e.Kind),
					slog.Int64("sequence", e.Sequence),
				)
			}
		}
	}()
	return unsubscribe, nil
}
