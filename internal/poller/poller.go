// Package poller keeps the outputs of user-defined queries up to date.
//
// At startup Mirror creates one empty output file per query file under
// <dump>/<server>/customQueries. Run then executes every query file at a fixed
// interval and swaps each result into place with a rename, so a reader never
// observes a partially written output.
package poller

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dbfs/dbfs/internal/materialize"
	"github.com/dbfs/dbfs/internal/registry"
	"github.com/dbfs/dbfs/internal/router"
	"github.com/dbfs/dbfs/pkg/errors"
	"github.com/dbfs/dbfs/pkg/logging"
	"github.com/dbfs/dbfs/pkg/types"
)

// DefaultInterval is the time between refresh cycles.
const DefaultInterval = 5 * time.Second

// Options configures a Poller.
type Options struct {
	Registry   *registry.Registry
	Executor   types.QueryExecutor
	ShadowRoot string
	Interval   time.Duration
	Metrics    types.MetricsCollector
	Logger     *zap.Logger
}

// Poller refreshes user query outputs in the background.
type Poller struct {
	registry   *registry.Registry
	executor   types.QueryExecutor
	shadowRoot string
	interval   time.Duration
	metrics    types.MetricsCollector
	logger     *zap.Logger

	// write fills the temporary file; replaced in tests.
	write func(f *os.File, text string) error

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates a Poller. It does nothing until Mirror, Run or Start is called.
func New(opts Options) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	return &Poller{
		registry:   opts.Registry,
		executor:   opts.Executor,
		shadowRoot: opts.ShadowRoot,
		interval:   interval,
		metrics:    metrics,
		logger:     logging.OrNop(opts.Logger).Named("poller"),
		write:      writeString,
	}
}

// OutputDir returns the directory holding the outputs of server.
func (p *Poller) OutputDir(server string) string {
	return filepath.Join(p.shadowRoot, server, router.QueryDirName)
}

// Mirror prepares the output directory of every server that has a query
// directory. Stale outputs are removed and one empty, marked output file is
// created per query file. Calling it twice leaves the same tree.
func (p *Poller) Mirror(ctx context.Context) error {
	for _, entry := range p.registry.Entries() {
		if entry.QueryDir == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		outDir := p.OutputDir(entry.Name)
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return errors.ShadowIO("mkdir", outDir, err).WithComponent("poller")
		}
		if err := removeRegularFiles(outDir); err != nil {
			return err
		}

		names, err := queryFiles(entry.QueryDir)
		if err != nil {
			p.logger.Warn("cannot list query directory",
				zap.String("server", entry.Name),
				zap.String("dir", entry.QueryDir),
				zap.Error(err))
			continue
		}
		for _, name := range names {
			out := filepath.Join(outDir, name)
			if err := os.WriteFile(out, nil, 0o644); err != nil {
				return errors.ShadowIO("create", out, err).WithComponent("poller")
			}
			p.mark(out)
		}
		p.logger.Debug("mirrored query directory",
			zap.String("server", entry.Name),
			zap.Int("queries", len(names)))
	}
	return nil
}

// RefreshOnce runs every query file once. Failures are logged per file and
// never stop the cycle.
func (p *Poller) RefreshOnce(ctx context.Context) (refreshed, failed int) {
	start := time.Now()
	defer func() {
		p.metrics.RecordPollCycle(time.Since(start), refreshed, failed)
	}()

	for _, entry := range p.registry.Entries() {
		if entry.QueryDir == "" {
			continue
		}

		names, err := queryFiles(entry.QueryDir)
		if err != nil {
			p.logger.Warn("cannot list query directory",
				zap.String("server", entry.Name),
				zap.Error(err))
			failed++
			continue
		}

		outDir := p.OutputDir(entry.Name)
		for _, name := range names {
			if ctx.Err() != nil {
				return refreshed, failed
			}
			if err := p.refresh(ctx, entry, outDir, name); err != nil {
				p.logger.Warn("refreshing query output failed",
					zap.String("server", entry.Name),
					zap.String("query", name),
					zap.Error(err))
				failed++
				continue
			}
			refreshed++
		}
	}
	return refreshed, failed
}

func (p *Poller) refresh(ctx context.Context, entry *registry.ServerEntry, outDir, name string) error {
	q, err := materialize.ReadQueryFile(entry.QueryDir, name)
	if err != nil {
		return err
	}
	text, err := p.executor.Execute(types.WithQueryKind(ctx, types.QueryKindUser), q, entry.Credentials(), types.FormatTabular)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.ShadowIO("mkdir", outDir, err).WithComponent("poller")
	}
	return p.writeAtomic(filepath.Join(outDir, name), text)
}

// writeAtomic replaces path with text through a temporary file in the same
// directory. On failure path is left untouched.
func (p *Poller) writeAtomic(path, text string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.ShadowIO("create temp", path, err).WithComponent("poller")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := p.write(tmp, text); err != nil {
		return errors.ShadowIO("write", tmp.Name(), err).WithComponent("poller")
	}
	if err := tmp.Chmod(0o644); err != nil {
		return errors.ShadowIO("chmod", tmp.Name(), err).WithComponent("poller")
	}
	if err := tmp.Close(); err != nil {
		return errors.ShadowIO("close", tmp.Name(), err).WithComponent("poller")
	}
	p.mark(tmp.Name())
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.ShadowIO("rename", path, err).WithComponent("poller")
	}
	return nil
}

func (p *Poller) mark(path string) {
	if err := materialize.Mark(path); err != nil && !materialize.MarkerUnsupported(err) {
		p.logger.Debug("cannot mark output file", zap.String("path", path), zap.Error(err))
	}
}

// Run refreshes immediately and then once per interval until ctx is done or
// Stop is called. It returns after the cycle in progress completes.
func (p *Poller) Run(ctx context.Context) error {
	stopCh, stopped, err := p.begin()
	if err != nil {
		return err
	}
	p.loop(ctx, stopCh, stopped)
	return nil
}

// Start runs the poller on its own goroutine.
func (p *Poller) Start(ctx context.Context) error {
	stopCh, stopped, err := p.begin()
	if err != nil {
		return err
	}
	go p.loop(ctx, stopCh, stopped)
	return nil
}

// Stop ends the loop and waits for it to return. It is safe to call when the
// poller never started.
func (p *Poller) Stop() {
	p.mu.Lock()
	stopCh, stopped := p.stopCh, p.stopped
	p.stopCh, p.stopped = nil, nil
	p.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-stopped
}

func (p *Poller) begin() (chan struct{}, chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return nil, nil, errors.NewError(errors.ErrCodeAlreadyStarted, "poller is already running").WithComponent("poller")
	}
	p.stopCh = make(chan struct{})
	p.stopped = make(chan struct{})
	return p.stopCh, p.stopped, nil
}

func (p *Poller) loop(ctx context.Context, stopCh, stopped chan struct{}) {
	defer close(stopped)
	defer func() {
		p.mu.Lock()
		if p.stopped == stopped {
			p.stopCh, p.stopped = nil, nil
		}
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.logger.Info("poller started", zap.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		refreshed, failed := p.RefreshOnce(ctx)
		p.logger.Debug("poll cycle finished",
			zap.Int("refreshed", refreshed),
			zap.Int("failed", failed))

		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
		}
	}
}

func writeString(f *os.File, text string) error {
	_, err := f.WriteString(text)
	return err
}

// queryFiles lists the regular files of dir in name order.
func queryFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func removeRegularFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.ShadowIO("readdir", dir, err).WithComponent("poller")
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.ShadowIO("remove", p, err).WithComponent("poller")
		}
	}
	return nil
}
