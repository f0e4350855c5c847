// Package vfs is the path-based operation dispatcher of dbfs. Every method
// takes a virtual path, consults the router and either passes the call
// through to the shadow tree or hands it to the materializer. Methods return
// zero or a byte count on success and a negative errno on failure; typed
// errors are projected onto errno values only here.
package vfs

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dbfs/dbfs/internal/materialize"
	"github.com/dbfs/dbfs/internal/query"
	"github.com/dbfs/dbfs/internal/registry"
	"github.com/dbfs/dbfs/internal/router"
	"github.com/dbfs/dbfs/pkg/errors"
	"github.com/dbfs/dbfs/pkg/logging"
	"github.com/dbfs/dbfs/pkg/types"
)

// NoHandle is returned as the file handle when open or create fails.
const NoHandle = ^uint64(0)

// ViewLister lists the system views of a server.
type ViewLister interface {
	ListViews(ctx context.Context, creds types.Credentials) ([]string, error)
}

// Options configures a FileSystem.
type Options struct {
	Router       *router.Router
	Materializer *materialize.Materializer
	// Views is used by Init to create one file per system view. Nil skips it.
	Views   ViewLister
	Metrics types.MetricsCollector
	Logger  *zap.Logger
}

// FileSystem dispatches filesystem operations.
type FileSystem struct {
	router  *router.Router
	mat     *materialize.Materializer
	views   ViewLister
	metrics types.MetricsCollector
	logger  *zap.Logger

	// ctx bounds remote calls made on behalf of open; cancelled by Destroy.
	ctx    context.Context
	cancel context.CancelFunc

	stats Stats
}

// Stats tracks dispatcher activity.
type Stats struct {
	Opens        int64 `json:"opens"`
	Populations  int64 `json:"populations"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

// New creates a FileSystem.
func New(opts Options) *FileSystem {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FileSystem{
		router:  opts.Router,
		mat:     opts.Materializer,
		views:   opts.Views,
		metrics: metrics,
		logger:  logging.OrNop(opts.Logger).Named("vfs"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Router returns the router used by the dispatcher.
func (fs *FileSystem) Router() *router.Router {
	return fs.router
}

// GetStats returns a snapshot of the counters.
func (fs *FileSystem) GetStats() Stats {
	return Stats{
		Opens:        atomic.LoadInt64(&fs.stats.Opens),
		Populations:  atomic.LoadInt64(&fs.stats.Populations),
		Reads:        atomic.LoadInt64(&fs.stats.Reads),
		Writes:       atomic.LoadInt64(&fs.stats.Writes),
		BytesRead:    atomic.LoadInt64(&fs.stats.BytesRead),
		BytesWritten: atomic.LoadInt64(&fs.stats.BytesWritten),
		Errors:       atomic.LoadInt64(&fs.stats.Errors),
	}
}

// Init provisions the shadow tree: the dump root, one directory per server
// and one empty, marked file per system view, plus a JSON twin when the
// server supports it. A server whose views cannot be listed keeps an empty
// directory. Failing to create a directory is fatal.
func (fs *FileSystem) Init(ctx context.Context) error {
	root := fs.router.ShadowRoot()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return errors.ShadowIO("mkdir", root, err).WithComponent("vfs")
	}

	for _, entry := range fs.router.Registry().Entries() {
		dir := filepath.Join(root, entry.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.ShadowIO("mkdir", dir, err).WithComponent("vfs")
		}

		if fs.views == nil {
			continue
		}
		created, err := fs.provisionViews(ctx, entry, dir)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fs.logger.Warn("cannot create view files, the server directory stays empty",
				zap.String("server", entry.Name),
				zap.Error(err))
			continue
		}
		fs.logger.Info("created view files",
			zap.String("server", entry.Name),
			zap.Int("files", created))
	}
	return nil
}

func (fs *FileSystem) provisionViews(ctx context.Context, entry *registry.ServerEntry, dir string) (int, error) {
	dialect, err := query.DialectFor(entry.Driver)
	if err != nil {
		return 0, err
	}
	views, err := fs.views.ListViews(types.WithQueryKind(ctx, types.QueryKindListViews), entry.Credentials())
	if err != nil {
		return 0, err
	}

	formats := []types.Format{types.FormatTabular}
	if dialect.SupportsJSON(entry.Version) {
		formats = append(formats, types.FormatJSON)
	}

	created := 0
	markWarned := false
	for _, view := range views {
		if err := registry.ValidateName(view); err != nil || view == router.QueryDirName {
			fs.logger.Debug("skipping view with unusable name", zap.String("view", view))
			continue
		}
		for _, format := range formats {
			p := filepath.Join(dir, router.MetadataFileName(view, format))
			if err := os.WriteFile(p, nil, 0o644); err != nil {
				return created, errors.ShadowIO("create", p, err).WithComponent("vfs")
			}
			created++
			if err := materialize.Mark(p); err != nil && !markWarned {
				markWarned = true
				fs.logger.Warn("cannot set the generated-file marker, the shadow filesystem may not support user xattrs",
					zap.String("path", p),
					zap.Bool("unsupported", materialize.MarkerUnsupported(err)),
					zap.Error(err))
			}
		}
	}
	return created, nil
}

// Destroy releases every open handle and aborts outstanding remote calls.
// The shadow tree is left in place.
func (fs *FileSystem) Destroy() {
	fs.cancel()
	if err := fs.mat.Close(); err != nil {
		fs.logger.Warn("releasing open files failed", zap.Error(err))
	}
	st := fs.GetStats()
	fs.logger.Info("filesystem destroyed",
		zap.String("dump_path", fs.router.ShadowRoot()),
		zap.Int64("opens", st.Opens),
		zap.Int64("populations", st.Populations),
		zap.Int64("errors", st.Errors))
}

// errno logs a failed operation and returns its negated errno. A nil error
// returns zero.
func (fs *FileSystem) errno(op, path string, err error) int {
	if err == nil {
		return 0
	}
	atomic.AddInt64(&fs.stats.Errors, 1)
	fs.metrics.RecordError(op, err)

	e := errors.Errno(err)
	fs.logger.Debug("operation failed",
		zap.String("op", op),
		zap.String("path", path),
		zap.String("errno", e.Error()),
		zap.Error(err))
	return -int(e)
}

func (fs *FileSystem) recordOperation(op string, start time.Time, size int64, result int) {
	fs.metrics.RecordOperation(op, time.Since(start), size, result >= 0)
}
