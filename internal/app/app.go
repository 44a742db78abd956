// Package app wires configuration into a running orchestrator: contracts,
// resolver history, controller gate, sinks, metrics and the scheduler.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opentalon/toolgate/internal/approval"
	"github.com/opentalon/toolgate/internal/config"
	"github.com/opentalon/toolgate/internal/conflict"
	"github.com/opentalon/toolgate/internal/contract"
	"github.com/opentalon/toolgate/internal/controller"
	"github.com/opentalon/toolgate/internal/journal"
	"github.com/opentalon/toolgate/internal/metrics"
	"github.com/opentalon/toolgate/internal/orchestrator"
	"github.com/opentalon/toolgate/internal/scheduler"
	"github.com/opentalon/toolgate/internal/state/store"
	"github.com/opentalon/toolgate/internal/version"
)

type Options struct {
	// Executor defaults to orchestrator.SimulatedExecutor.
	Executor orchestrator.Executor
	// Stdin and Stdout back the interactive approval prompt.
	Stdin  io.Reader
	Stdout io.Writer
}

type App struct {
	Config       *config.Config
	Contracts    *contract.Registry
	Resolver     *conflict.Resolver
	Controller   *controller.Controller
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Store        *store.CycleStore
	Registry     *prometheus.Registry

	logger  *zap.Logger
	closers []func() error
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, logger: logger, Registry: prometheus.NewRegistry()}
	if err := a.build(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config

	contracts, err := cfg.LoadContracts()
	if err != nil {
		return fmt.Errorf("contracts: %w", err)
	}
	a.Contracts = contracts

	history, err := a.history(ctx)
	if err != nil {
		return err
	}
	a.Resolver = conflict.NewResolver(contracts, conflict.Options{
		History:           history,
		HistoryWindow:     cfg.Resolver.HistoryWindow,
		IrreversibleTools: cfg.Resolver.IrreversibleTools,
		WaveTimeBudget:    cfg.Resolver.Budget(),
		Logger:            a.logger.Named("resolver"),
	})

	gate, err := approval.FromKind(cfg.Controller.Approval.Kind, cfg.Controller.Approval.Script,
		opts.Stdin, opts.Stdout, a.logger.Named("approval"))
	if err != nil {
		return err
	}
	a.Controller = controller.New(gate, controller.Options{
		ConfidenceThreshold: &cfg.Controller.ConfidenceThreshold,
		Logger:              a.logger.Named("controller"),
	})

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.Registry)

	sinks, err := a.sinks()
	if err != nil {
		return err
	}

	guard := orchestrator.NewGuard()
	if n := cfg.Orchestrator.MaxOutputBytes; n > 0 {
		guard.MaxOutputBytes = n
	}
	if d := cfg.Orchestrator.Timeout(); d > 0 {
		guard.DefaultTimeout = d
	}
	a.Orchestrator = orchestrator.NewWithOptions(contracts, a.Resolver, a.Controller, orchestrator.Options{
		Executor:          opts.Executor,
		Guard:             guard,
		Sinks:             sinks,
		Metrics:           m,
		Logger:            a.logger.Named("orchestrator"),
		RollbackOnFailure: cfg.Orchestrator.RollbackOnFailure,
		LockAfterFailures: cfg.Orchestrator.LockAfterFailures,
	})
	a.Scheduler = scheduler.New(a.Orchestrator, nil, a.logger.Named("scheduler"))
	return nil
}

func (a *App) history(ctx context.Context) (conflict.History, error) {
	h := a.Config.Resolver.History
	if h.Backend != "redis" {
		return conflict.NewMemoryHistory(a.Config.Resolver.HistoryCapacity), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     h.Redis.Addr,
		Password: h.Redis.Password,
		DB:       h.Redis.DB,
	})
	a.closers = append(a.closers, client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis history %s: %w", h.Redis.Addr, err)
	}
	a.logger.Info("using redis execution history", zap.String("addr", h.Redis.Addr))
	return conflict.NewRedisHistory(client, h.Redis.Key, a.Config.Resolver.HistoryCapacity), nil
}

func (a *App) sinks() ([]orchestrator.Sink, error) {
	var sinks []orchestrator.Sink
	if dir := a.Config.Sinks.JournalDir; dir != "" {
		w, err := journal.NewWriter(dir, a.logger.Named("journal"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, w)
	}
	if sc := a.Config.Sinks.Store; sc.Driver != "" {
		db, err := store.Open(store.Options{Driver: sc.Driver, DataDir: sc.DataDir, DSN: sc.DSN})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.Store = store.NewCycleStore(db, a.logger.Named("store"))
		sinks = append(sinks, a.Store)
	}
	return sinks, nil
}

// Jobs converts the configured schedule into scheduler jobs.
func (a *App) Jobs() []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(a.Config.Schedule))
	for _, j := range a.Config.Schedule {
		jobs = append(jobs, scheduler.Job{Name: j.Name, Spec: j.Spec, Plan: j.Plan})
	}
	return jobs
}

// Handler exposes metrics, the orchestrator summary, scheduled jobs, recent
// stored cycles and a health probe.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/summary", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.Orchestrator.EmitSummary(r.Context()))
	})
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, a.Scheduler.ListJobs())
	})
	mux.HandleFunc("/cycles", func(w http.ResponseWriter, r *http.Request) {
		if a.Store == nil {
			http.Error(w, "no cycle store configured", http.StatusNotFound)
			return
		}
		rows, err := a.Store.RecentCycles(r.Context(), 20)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, rows)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "version": version.Get().Version})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Close releases store and redis connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
