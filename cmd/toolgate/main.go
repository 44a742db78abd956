package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/opentalon/toolgate/internal/app"
	"github.com/opentalon/toolgate/internal/config"
	"github.com/opentalon/toolgate/internal/logging"
	"github.com/opentalon/toolgate/internal/orchestrator"
	"github.com/opentalon/toolgate/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file")
	planPath := flag.String("plan", "", "run one cycle for this plan file and print the result")
	serve := flag.Bool("serve", false, "run scheduled jobs and serve metrics until interrupted")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return 0
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			return 1
		}
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{Stdin: os.Stdin, Stdout: os.Stderr})
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()
	logger.Info("toolgate starting", zap.String("version", version.Get().Version),
		zap.Int("contracts", len(a.Contracts.Names())))

	switch {
	case *planPath != "":
		plan, err := orchestrator.LoadPlan(*planPath)
		if err != nil {
			logger.Error("loading plan", zap.Error(err))
			return 1
		}
		result := a.Orchestrator.ExecuteCycle(ctx, plan)
		printJSON(result)
		if result.Failed > 0 || result.Locked {
			return 2
		}
		return 0
	case *serve:
		return serveUntilDone(ctx, a, logger)
	default:
		printJSON(a.Orchestrator.EmitSummary(ctx))
		return 0
	}
}

func serveUntilDone(ctx context.Context, a *app.App, logger *zap.Logger) int {
	a.Scheduler.Start(a.Jobs())
	defer a.Scheduler.Stop()

	var srv *http.Server
	if addr := a.Config.Metrics.Listen; addr != "" {
		srv = &http.Server{Addr: addr, Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	return 0
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
