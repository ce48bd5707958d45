package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/yairfalse/tollgate/config"
	"github.com/yairfalse/tollgate/lock"
	"github.com/yairfalse/tollgate/orchestrator"
	"github.com/yairfalse/tollgate/patch"
	"github.com/yairfalse/tollgate/storage"
	"github.com/yairfalse/tollgate/telemetry"
	"github.com/yairfalse/tollgate/wal"
)

// env holds everything a command needs, opened from config
type env struct {
	cfg         *config.Config
	metricsFile string
	logger      *telemetry.Logger

	otel    *telemetry.Providers
	journal *wal.WAL
	store   *storage.BaselineStore
	locks   *lock.Coordinator
	engine  *patch.Engine
	orch    *orchestrator.Orchestrator
}

// loadConfig applies flag overrides on top of the config file
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.stateDir != "" {
		cfg.StateDir = opts.stateDir
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.metricsFile != "" {
		cfg.Metrics.File = opts.metricsFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openEnv loads config and opens the state directory. Config problems are
// usage errors; failures to open state are internal ones.
func openEnv(ctx context.Context, opts *globalOptions) (*env, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, usageError(err)
	}
	telemetry.SetLevel(cfg.Log.Level)

	e := &env{
		cfg:         cfg,
		metricsFile: cfg.Metrics.File,
		logger:      telemetry.NewLogger("tollgate"),
	}

	e.otel, err = telemetry.InitOTEL(ctx, cfg.TelemetryConfig(version))
	if err != nil {
		return nil, exitWith(ExitInternal, err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		e.Close(ctx)
		return nil, exitWith(ExitInternal, fmt.Errorf("creating state directory %s: %w", cfg.StateDir, err))
	}

	if e.journal, err = wal.OpenWithConfig(cfg.JournalDir(), cfg.WALConfig()); err != nil {
		e.Close(ctx)
		return nil, exitWith(ExitInternal, err)
	}
	if e.store, err = storage.OpenBaselineStore(cfg.StateDir); err != nil {
		e.Close(ctx)
		return nil, exitWith(ExitInternal, err)
	}
	if e.locks, err = lock.NewCoordinator(cfg.LockConfig()); err != nil {
		e.Close(ctx)
		return nil, exitWith(ExitInternal, err)
	}

	e.engine, err = patch.NewEngine(patch.Options{
		StateDir:  cfg.StateDir,
		Locks:     e.locks,
		Journal:   e.journal,
		Baselines: e.store,
	})
	if err != nil {
		e.Close(ctx)
		return nil, exitWith(ExitInternal, err)
	}

	e.orch = orchestrator.NewOrchestrator(e.journal, e.engine, e.store)
	return e, nil
}

// Close prunes old journal files, writes the metrics textfile and shuts
// telemetry down. Failures are logged, never returned: the command's own
// result decides the exit code.
func (e *env) Close(ctx context.Context) {
	var errs []error

	if e.journal != nil {
		errs = append(errs, e.journal.Close())
		stats, err := wal.CleanupWithStats(e.cfg.JournalDir(), e.cfg.WALConfig())
		errs = append(errs, err)
		if stats.FilesRemoved > 0 {
			e.logger.Debug().
				Int("files_removed", stats.FilesRemoved).
				Int64("bytes_freed", stats.BytesFreed).
				Msg("pruned journal")
		}
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if e.otel != nil {
		errs = append(errs, e.otel.WriteMetricsFile(e.metricsFile))
		errs = append(errs, e.otel.Shutdown(ctx))
	}

	if err := errors.Join(errs...); err != nil {
		e.logger.Warn().Err(err).Msg("shutdown incomplete")
	}
}
