package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aurakai/oracledrive/internal/config"
	"github.com/aurakai/oracledrive/internal/dispatch"
	"github.com/aurakai/oracledrive/internal/domain"
	"github.com/aurakai/oracledrive/internal/infra"
	"github.com/aurakai/oracledrive/internal/risk"
	"github.com/aurakai/oracledrive/internal/usecase"
)

// app is everything one CLI invocation needs.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *infra.EncryptedStore
	exec    *dispatch.Dispatcher
	manager *usecase.Manager
}

func newApp(configPath string, verbose bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	logger := createLogger(cfg, verbose)

	key, err := infra.NewKeyFile(cfg.DataDir).Ensure()
	if err != nil {
		return nil, fmt.Errorf("failed to load store key: %w", err)
	}
	store, err := infra.NewEncryptedStore(cfg.DatabasePath(), key)
	if err != nil {
		return nil, err
	}

	var settings domain.SettingsStore = store
	if cfg.Settings == config.SettingsFile {
		settings = infra.NewFileSettings(cfg.SettingsPath())
	}

	fsys := infra.NewOSFileSystem()

	var isolation domain.IsolationProvider = infra.NoopIsolation{}
	if cfg.Isolation == config.IsolationLayered {
		isolation = infra.NewLayeredIsolation(cfg.SandboxRoot(), fsys, logger)
	}

	var opts []usecase.CommitOption
	if cfg.Journal {
		opts = append(opts, usecase.WithJournal(infra.NewFileBackupJournal(cfg.JournalDir(), logger)))
	}
	if cfg.CheckFreeSpace {
		opts = append(opts, usecase.WithSpaceProbe(infra.NewDiskSpaceProbe()))
	}

	tester := usecase.NewTester(logger)
	limiter := usecase.NewRateLimiter(settings, clock.New(), cfg.MaxFailedAttempts, cfg.LockoutWindow, logger)
	privilege := infra.NewMarkerProbe(cfg.Privilege.Markers, cfg.Privilege.RootIsPrivileged)
	exec := dispatch.New(16, logger)

	manager := usecase.NewManager(usecase.ManagerDeps{
		Store:      store,
		Assessor:   risk.NewAssessor(cfg.RiskRules()),
		Tester:     tester,
		Gatekeeper: usecase.NewGatekeeper(cfg.ConfirmationCode, limiter, tester, privilege, logger),
		Engine:     usecase.NewCommitEngine(fsys, logger, opts...),
		Isolation:  isolation,
		FS:         fsys,
		Executor:   exec,
		DataDir:    cfg.DataDir,
		Logger:     logger,
	})

	logger.Debug("oracledrive ready",
		zap.String("mode", cfg.Mode.String()),
		zap.String("data_dir", cfg.DataDir),
		zap.String("isolation", isolation.Name()),
		zap.String("settings", cfg.Settings),
		zap.Strings("privilege_markers", privilege.Markers()),
		zap.Bool("journal", cfg.Journal))

	return &app{cfg: cfg, logger: logger, store: store, exec: exec, manager: manager}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// shutdownTimeout bounds how long a finished command waits for the dispatcher.
const shutdownTimeout = 5 * time.Second

// withApp builds the app, runs the dispatcher and fn under one errgroup and
// shuts the manager down once fn returns. SIGINT and SIGTERM cancel fn's context.
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(configPath, verbose)
	if err != nil {
		return err
	}
	defer a.close()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		return a.exec.Run(gctx)
	})
	g.Go(func() error {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := a.manager.Shutdown(ctx); err != nil {
				a.logger.Warn("shutdown incomplete", zap.Error(err))
			}
		}()
		return fn(gctx, a)
	})
	return g.Wait()
}

// withManager is withApp for commands that need an initialized manager.
func withManager(fn func(ctx context.Context, m *usecase.Manager) error) error {
	return withApp(func(ctx context.Context, a *app) error {
		if res := a.manager.Initialize(ctx); !res.Success {
			return printResult(res)
		}
		return fn(ctx, a.manager)
	})
}

func createLogger(cfg *config.Config, verbose bool) *zap.Logger {
	if verbose {
		logger, err := zap.NewDevelopment()
		if err == nil {
			return logger
		}
	}

	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{cfg.LogFile}
	zcfg.ErrorOutputPaths = []string{strings.TrimSuffix(cfg.LogFile, filepath.Ext(cfg.LogFile)) + ".error.log"}
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zcfg.Level = level
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0700); err != nil {
		logger, _ := zap.NewProduction()
		return logger
	}
	logger, err := zcfg.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}
