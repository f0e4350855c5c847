// Package materialize fills generated files from remote queries when they are
// opened and empties them again when they are released.
package materialize

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/dbfs/dbfs/internal/query"
	"github.com/dbfs/dbfs/internal/registry"
	"github.com/dbfs/dbfs/internal/router"
	"github.com/dbfs/dbfs/pkg/errors"
	"github.com/dbfs/dbfs/pkg/logging"
	"github.com/dbfs/dbfs/pkg/types"
	"github.com/dbfs/dbfs/pkg/utils"
)

// State is the lifecycle state of an open handle.
type State int

const (
	Closed State = iota
	Opened
)

func (s State) String() string {
	if s == Opened {
		return "opened"
	}
	return "closed"
}

// Handle is one open shadow file.
type Handle struct {
	FD    uint64
	Class router.Classification
	Flags int

	file      *os.File
	state     State
	populated bool
	marked    bool
	size      int64
	opened    time.Time
}

// State returns the lifecycle state of the handle.
func (h *Handle) State() State { return h.state }

// Populated reports whether remote content was written on open.
func (h *Handle) Populated() bool { return h.populated }

// Size is the length of the content written on open.
func (h *Handle) Size() int64 { return h.size }

// WriteProtected reports whether writes through this handle are refused.
func (h *Handle) WriteProtected() bool {
	return h.Class.Generated() || h.marked
}

// Options configures a Materializer.
type Options struct {
	Registry *registry.Registry
	Executor types.QueryExecutor
	Metrics  types.MetricsCollector
	Logger   *zap.Logger
}

// Materializer owns the table of open handles.
type Materializer struct {
	registry *registry.Registry
	executor types.QueryExecutor
	metrics  types.MetricsCollector
	logger   *zap.Logger

	mu      sync.RWMutex
	handles map[uint64]*Handle

	locks pathLocks
}

// New creates a Materializer.
func New(opts Options) *Materializer {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	return &Materializer{
		registry: opts.Registry,
		executor: opts.Executor,
		metrics:  metrics,
		logger:   logging.OrNop(opts.Logger).Named("materialize"),
		handles:  make(map[uint64]*Handle),
	}
}

// Open opens the shadow file with the caller's flags and registers the
// handle. Generated files are then filled from the remote server. When that
// fails the error is returned but the handle stays registered so the caller
// can Release it.
func (m *Materializer) Open(ctx context.Context, class router.Classification, flags int, mode os.FileMode) (*Handle, error) {
	file, err := os.OpenFile(class.ShadowPath, flags, mode)
	if err != nil {
		return nil, errors.ShadowIO("open", class.ShadowPath, err)
	}

	h := &Handle{
		FD:     uint64(file.Fd()),
		Class:  class,
		Flags:  flags,
		file:   file,
		state:  Opened,
		marked: IsMarkedFD(int(file.Fd())),
		opened: time.Now(),
	}

	m.mu.Lock()
	m.handles[h.FD] = h
	m.mu.Unlock()

	if !class.Generated() {
		return h, nil
	}

	start := time.Now()
	err = m.populate(ctx, h)
	m.metrics.RecordOperation("populate", time.Since(start), h.size, err == nil)
	if err != nil {
		m.logger.Warn("populating file failed",
			zap.String("path", class.VirtualPath),
			zap.String("server", class.Server),
			zap.Error(err))
		return h, err
	}

	m.logger.Debug("populated file",
		zap.String("path", class.VirtualPath),
		zap.Int64("bytes", h.size),
		zap.Duration("took", time.Since(start)))
	return h, nil
}

func (m *Materializer) populate(ctx context.Context, h *Handle) error {
	class := h.Class
	entry, ok := m.registry.Lookup(class.Server)
	if !ok {
		return errors.Newf(errors.ErrCodeRouteUnknownServer, "unknown server %q", class.Server).
			WithComponent("materialize").
			WithPath(class.VirtualPath)
	}
	if m.executor == nil {
		return errors.NewError(errors.ErrCodeNotInitialized, "no query executor configured").
			WithComponent("materialize")
	}

	q, format, kind, err := m.buildQuery(entry, class)
	if err != nil {
		return err
	}

	text, err := m.executor.Execute(types.WithQueryKind(ctx, kind), q, entry.Credentials(), format)
	if err != nil {
		return err
	}

	lock := m.locks.acquire(class.ShadowPath)
	defer lock.Unlock()

	if err := writeContent(h, text); err != nil {
		return err
	}
	h.populated = true
	h.size = int64(len(text))
	return nil
}

func (m *Materializer) buildQuery(entry *registry.ServerEntry, class router.Classification) (string, types.Format, types.QueryKind, error) {
	if class.Kind == router.UserQuery {
		if entry.QueryDir == "" {
			return "", 0, "", errors.Newf(errors.ErrCodeRemoteQuery, "server %q has no %s configured", entry.Name, registry.KeyQueryDir).
				WithComponent("materialize").
				WithPath(class.VirtualPath)
		}
		q, err := ReadQueryFile(entry.QueryDir, class.QueryFile)
		if err != nil {
			return "", 0, "", err
		}
		return q, types.FormatTabular, types.QueryKindUser, nil
	}

	dialect, err := query.DialectFor(entry.Driver)
	if err != nil {
		return "", 0, "", err
	}
	return dialect.MetadataQuery(class.View, class.Format), class.Format, types.QueryKindMetadata, nil
}

// ReadQueryFile returns the verbatim text of a user query file.
func ReadQueryFile(dir, name string) (string, error) {
	p, err := utils.SecureJoin(dir, name)
	if err != nil {
		return "", errors.NewError(errors.ErrCodeRouteMalformed, "invalid query file name").
			WithComponent("materialize").
			WithPath(name).
			WithCause(err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", errors.ShadowIO("read query", p, err)
	}
	return string(data), nil
}

// inodeWriter opens a write descriptor on the file behind h rather than on
// the shadow path, which the poller may have renamed a new output over since
// h was opened.
func inodeWriter(h *Handle) (*os.File, error) {
	f, err := os.OpenFile("/proc/self/fd/"+strconv.FormatUint(h.FD, 10), os.O_WRONLY, 0)
	if err != nil {
		return nil, errors.ShadowIO("reopen for write", h.Class.ShadowPath, err)
	}
	return f, nil
}

// writeContent writes text at offset zero of h's file and cuts the file to
// exactly that length.
func writeContent(h *Handle, text string) error {
	f, err := inodeWriter(h)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteAt([]byte(text), 0); err != nil {
		return errors.ShadowIO("pwrite", h.Class.ShadowPath, err)
	}
	if err := f.Truncate(int64(len(text))); err != nil {
		return errors.ShadowIO("truncate", h.Class.ShadowPath, err)
	}
	return nil
}

// truncateContent empties h's file.
func truncateContent(h *Handle) error {
	f, err := inodeWriter(h)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Truncate(0); err != nil {
		return errors.ShadowIO("truncate", h.Class.ShadowPath, err)
	}
	return nil
}

// Get returns the registered handle for fd.
func (m *Materializer) Get(fd uint64) (*Handle, error) {
	m.mu.RLock()
	h, ok := m.handles[fd]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrCodeBadHandle, "no open handle %d", fd).WithComponent("materialize")
	}
	return h, nil
}

// Read is a positioned read on the shadow descriptor.
func (m *Materializer) Read(fd uint64, dest []byte, off int64) (int, error) {
	h, err := m.Get(fd)
	if err != nil {
		return 0, err
	}
	n, err := unix.Pread(int(h.FD), dest, off)
	if err != nil {
		return 0, errors.ShadowIO("pread", h.Class.ShadowPath, err)
	}
	return n, nil
}

// Write is a positioned write on the shadow descriptor. Generated and marked
// files refuse writes without touching the remote server.
func (m *Materializer) Write(fd uint64, data []byte, off int64) (int, error) {
	h, err := m.Get(fd)
	if err != nil {
		return 0, err
	}
	if h.WriteProtected() {
		return 0, errors.NewError(errors.ErrCodePermissionDenied, "generated files are read-only").
			WithComponent("materialize").
			WithOperation("write").
			WithPath(h.Class.VirtualPath)
	}
	n, err := unix.Pwrite(int(h.FD), data, off)
	if err != nil {
		return 0, errors.ShadowIO("pwrite", h.Class.ShadowPath, err)
	}
	return n, nil
}

// Sync flushes a passthrough handle to disk.
func (m *Materializer) Sync(fd uint64) error {
	h, err := m.Get(fd)
	if err != nil {
		return err
	}
	if err := h.file.Sync(); err != nil {
		return errors.ShadowIO("fsync", h.Class.ShadowPath, err)
	}
	return nil
}

// Release unregisters the handle. Generated files are truncated to zero
// whether or not population succeeded, then the descriptor is closed.
func (m *Materializer) Release(fd uint64) error {
	m.mu.Lock()
	h, ok := m.handles[fd]
	delete(m.handles, fd)
	m.mu.Unlock()
	if !ok {
		return errors.Newf(errors.ErrCodeBadHandle, "no open handle %d", fd).WithComponent("materialize")
	}

	var truncErr error
	if h.Class.Generated() {
		lock := m.locks.acquire(h.Class.ShadowPath)
		truncErr = truncateContent(h)
		lock.Unlock()
	}

	h.state = Closed
	if err := h.file.Close(); err != nil {
		return errors.ShadowIO("close", h.Class.ShadowPath, err)
	}
	m.metrics.RecordOperation("release", time.Since(h.opened), h.size, truncErr == nil)
	return truncErr
}

// OpenHandles returns the number of registered handles.
func (m *Materializer) OpenHandles() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handles)
}

// Close releases every handle still open.
func (m *Materializer) Close() error {
	m.mu.RLock()
	fds := make([]uint64, 0, len(m.handles))
	for fd := range m.handles {
		fds = append(fds, fd)
	}
	m.mu.RUnlock()

	var first error
	for _, fd := range fds {
		if err := m.Release(fd); err != nil && first == nil {
			first = err
		}
	}
	return first
}
