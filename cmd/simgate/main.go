package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/throw-if-null/simgate/internal/config"
	"github.com/throw-if-null/simgate/internal/engine"
	"github.com/throw-if-null/simgate/internal/license"
	"github.com/throw-if-null/simgate/internal/logging"
	"github.com/throw-if-null/simgate/internal/paths"
	"github.com/throw-if-null/simgate/internal/server"
	"github.com/throw-if-null/simgate/internal/simulation"
	"github.com/throw-if-null/simgate/internal/store"
	"github.com/throw-if-null/simgate/internal/telemetry"
	"github.com/throw-if-null/simgate/internal/version"
)

// overridable in tests
var (
	dotenvLoad    = godotenv.Load
	telemetryInit = telemetry.Init
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "simgate: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	srv, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cleanup(sctx); err != nil {
			slog.Warn("shutdown", "err", err)
		}
	}()

	errc := make(chan error, 1)
	go func() {
		slog.Info("simgate listening", "version", version.Version, "commit", version.Commit, "addr", "http://"+srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// setup wires the service and returns an unstarted server plus a cleanup func
// that stops the watchdog, flushes telemetry and closes the store.
func setup(ctx context.Context) (*http.Server, func(context.Context) error, error) {
	if err := dotenvLoad(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}

	root, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}
	loaded := config.Load(root)
	if loaded.ParseError != nil {
		return nil, nil, fmt.Errorf("config %s: %w", loaded.Path, loaded.ParseError)
	}
	cfg := loaded.Config
	if err := config.ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)
	if loaded.Found {
		logger.Debug("config loaded", "path", loaded.Path)
	}

	stagingDir, err := paths.StagingDir(cfg.Engine.TempDir)
	if err != nil {
		return nil, nil, fmt.Errorf("engine.temp_dir: %w", err)
	}

	db, err := store.Open(cfg.DBPath(root))
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	st := store.New(db)
	if err := st.Init(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init store: %w", err)
	}
	if n, err := st.ReconcileInFlightRuns(); err != nil {
		logger.Warn("reconcile in-flight runs failed", "err", err)
	} else if n > 0 {
		logger.Info("marked interrupted runs as errored", "count", n)
	}

	shutdownTelemetry, err := telemetryInit(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		LockPath:       cfg.License.LockPath,
	})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}

	ctl := license.NewControl()
	rec := license.NewReconciler(ctl, license.OSFS{}, cfg.License.LockPath, cfg.License.ReclaimThreshold.Std())
	rec.OnReclaim(func(r license.Reclaim) {
		if err := st.RecordReclaim(r.Outcome.String(), r.At); err != nil {
			logger.Warn("record reclaim failed", "err", err)
		}
	})
	stopWatchdog := license.NewWatchdog(ctl, rec, cfg.License.WatchdogInterval.Std(), logger).Start(context.WithoutCancel(ctx))

	runner := simulation.NewRunner(ctl, &engine.RealCommandRunner{}, simulation.Config{
		Command:    cfg.Engine.Command,
		StagingDir: stagingDir,
		Env:        cfg.Engine.Env,
	}, st, logger)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.NewServer(runner, st, rec, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	cleanup := func(ctx context.Context) error {
		stopWatchdog()
		err := shutdownTelemetry(ctx)
		return errors.Join(err, db.Close())
	}
	return srv, cleanup, nil
}
