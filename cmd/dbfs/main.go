// dbfs mounts a filesystem whose files are the system views of database
// servers. Generated files are re-queried on every open; custom queries are
// refreshed in the background.
//
//	dbfs -m /mnt/db -c servers.ini [-d /tmp/dump] [-v] [-l dbfs.log]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dbfs/dbfs/internal/circuit"
	"github.com/dbfs/dbfs/internal/config"
	"github.com/dbfs/dbfs/internal/fuse"
	"github.com/dbfs/dbfs/internal/ini"
	"github.com/dbfs/dbfs/internal/materialize"
	"github.com/dbfs/dbfs/internal/metrics"
	"github.com/dbfs/dbfs/internal/poller"
	"github.com/dbfs/dbfs/internal/query"
	"github.com/dbfs/dbfs/internal/registry"
	"github.com/dbfs/dbfs/internal/router"
	"github.com/dbfs/dbfs/internal/vfs"
	"github.com/dbfs/dbfs/pkg/health"
	"github.com/dbfs/dbfs/pkg/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dbfs: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	if opts.help {
		printHelp(os.Stdout)
		return nil
	}

	cfg, err := buildConfig(opts, time.Now())
	if err != nil {
		return err
	}
	if err := checkEnvironment(cfg, os.Geteuid()); err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Global.LogLevel
	if cfg.Global.LogFormat != "" {
		logCfg.Format = cfg.Global.LogFormat
	}
	if cfg.Global.LogFile != "" {
		logCfg.OutputPath = cfg.Global.LogFile
	}
	logger, closeLog, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() {
		_ = logger.Sync()
		_ = closeLog()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return serve(ctx, cfg, logger)
}

// openBreakers counts servers with an open breaker. It is fed from the
// breaker state callback, which runs under the breaker's lock.
type openBreakers struct {
	mu      sync.Mutex
	open    map[string]bool
	metrics *metrics.Collector
	logger  *zap.Logger
}

func (o *openBreakers) onStateChange(server string, from, to circuit.State) {
	o.mu.Lock()
	if to == circuit.StateOpen {
		o.open[server] = true
	} else {
		delete(o.open, server)
	}
	n := len(o.open)
	o.mu.Unlock()

	o.metrics.SetOpenBreakers(n)
	o.logger.Warn("circuit breaker changed state",
		zap.String("server", server),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

func serve(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) error {
	logger.Info("starting dbfs",
		zap.String("mount_path", cfg.Mount.MountPoint),
		zap.String("conf_file", cfg.Mount.ConfigFile),
		zap.String("dump_path", cfg.Mount.DumpPath))

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Namespace: "dbfs",
	}, logger)
	if err != nil {
		return err
	}

	breakerCfg := cfg.Query.CircuitBreaker
	breakerCfg.OnStateChange = (&openBreakers{
		open:    make(map[string]bool),
		metrics: collector,
		logger:  logger.Named("circuit"),
	}).onStateChange

	executor := query.NewExecutor(query.Options{
		LoginTimeout: cfg.Query.LoginTimeout,
		QueryTimeout: cfg.Query.QueryTimeout,
		MaxOpenConns: cfg.Query.MaxOpenConns,
		Breakers:     circuit.NewManager(breakerCfg),
		Metrics:      collector,
		Logger:       logger,
	})
	defer executor.Close()

	doc, err := ini.ParseFile(cfg.Mount.ConfigFile, false)
	if err != nil {
		return err
	}

	reg, err := registry.Build(ctx, doc, registry.Options{
		Verifier: executor,
		Prompter: registry.NewTerminalPrompter(),
		Retry:    cfg.Query.Retry,
		BaseDir:  filepath.Dir(cfg.Mount.ConfigFile),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tracker := health.NewTracker(cfg.Query.Health)
	for _, name := range reg.Names() {
		tracker.Register(name)
	}
	healthLogger := logger.Named("health")
	tracker.OnStateChange(func(server string, from, to health.State, err error) {
		healthLogger.Info("server health changed",
			zap.String("server", server),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Error(err))
	})
	collector.SetHealthTracker(tracker)

	rt := router.New(cfg.Mount.DumpPath, reg)
	mat := materialize.New(materialize.Options{
		Registry: reg,
		Executor: executor,
		Metrics:  collector,
		Logger:   logger,
	})
	fsys := vfs.New(vfs.Options{
		Router:       rt,
		Materializer: mat,
		Views:        executor,
		Metrics:      collector,
		Logger:       logger,
	})
	if err := fsys.Init(ctx); err != nil {
		return err
	}
	defer fsys.Destroy()

	poll := poller.New(poller.Options{
		Registry:   reg,
		Executor:   executor,
		ShadowRoot: cfg.Mount.DumpPath,
		Interval:   cfg.Poller.Interval,
		Metrics:    collector,
		Logger:     logger,
	})
	if err := poll.Mirror(ctx); err != nil {
		return err
	}

	mountOpts := fuse.DefaultMountOptions()
	mountOpts.AllowOther = cfg.Mount.AllowOther
	mountOpts.Debug = cfg.Mount.Debug
	if cfg.Mount.FSName != "" {
		mountOpts.FSName = cfg.Mount.FSName
	}
	mountOpts.AttrTimeout = cfg.Mount.AttrTimeout
	mountOpts.EntryTimeout = cfg.Mount.EntryTimeout

	mgr := fuse.CreatePlatformMountManager(fsys, &fuse.MountConfig{
		MountPoint: cfg.Mount.MountPoint,
		Options:    mountOpts,
	}, logger)
	if err := mgr.Mount(ctx); err != nil {
		return err
	}

	if err := collector.Start(ctx); err != nil {
		logger.Warn("metrics endpoint unavailable", zap.Error(err))
	}

	if cfg.Poller.Enabled {
		if err := poll.Start(ctx); err != nil {
			logger.Warn("custom query refresh not started", zap.Error(err))
		}
	}

	// Serving ends on a signal or when the filesystem is unmounted externally.
	unmounted := make(chan struct{})
	go func() {
		mgr.Wait()
		close(unmounted)
	}()

	logger.Info("filesystem ready, press Ctrl+C to unmount")
	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case <-unmounted:
		logger.Info("filesystem unmounted externally, shutting down")
	}

	poll.Stop()
	if mgr.IsMounted() {
		if err := mgr.Unmount(); err != nil {
			logger.Error("unmount failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := collector.Stop(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}

	st := mgr.GetStats()
	logger.Info("dbfs stopped",
		zap.Int64("opens", st.Opens),
		zap.Int64("reads", st.Reads),
		zap.Int64("errors", st.Errors),
		zap.String("dump_path", cfg.Mount.DumpPath))
	return nil
}
