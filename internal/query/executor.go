// Package query runs SQL against the configured servers and renders the
// results as file content.
package query

import (
	"context"
	"database/sql"
	stderr "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/dbfs/dbfs/internal/circuit"
	"github.com/dbfs/dbfs/pkg/errors"
	"github.com/dbfs/dbfs/pkg/logging"
	"github.com/dbfs/dbfs/pkg/types"
)

// Default timeouts for remote calls.
const (
	DefaultLoginTimeout = 3 * time.Second
	DefaultQueryTimeout = 5 * time.Second
)

// Options configures an Executor.
type Options struct {
	LoginTimeout time.Duration
	QueryTimeout time.Duration

	// MaxOpenConns caps the pool kept for each server.
	MaxOpenConns int

	Breakers *circuit.Manager
	Metrics  types.MetricsCollector
	Logger   *zap.Logger

	// Open replaces sql.Open, mainly for tests.
	Open func(driverName, dsn string) (*sql.DB, error)
}

// Executor implements types.QueryExecutor and types.Verifier over database/sql.
// It keeps one connection pool per distinct set of credentials.
type Executor struct {
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	pools map[string]*sql.DB
}

var (
	_ types.QueryExecutor = (*Executor)(nil)
	_ types.Verifier      = (*Executor)(nil)
)

// NewExecutor creates an executor. Zero option values fall back to defaults.
func NewExecutor(opts Options) *Executor {
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = DefaultLoginTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 4
	}
	if opts.Metrics == nil {
		opts.Metrics = types.NopMetrics{}
	}
	if opts.Open == nil {
		opts.Open = sql.Open
	}

	return &Executor{
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("query"),
		pools:  make(map[string]*sql.DB),
	}
}

// Execute runs q on the server described by creds and renders the result.
func (e *Executor) Execute(ctx context.Context, q string, creds types.Credentials, format types.Format) (string, error) {
	kind := types.QueryKindFrom(ctx)
	start := time.Now()

	var out string
	run := func(ctx context.Context) error {
		var err error
		out, err = e.run(ctx, q, creds, format)
		return err
	}

	var err error
	if e.opts.Breakers != nil && creds.Server != "" {
		err = e.opts.Breakers.For(creds.Server).Execute(ctx, run)
	} else {
		err = run(ctx)
	}

	e.opts.Metrics.RecordQuery(creds.Server, kind, time.Since(start), err)
	if err != nil {
		e.logger.Debug("query failed",
			zap.String("server", creds.Server),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return "", err
	}
	return out, nil
}

// Verify connects to the server and runs the dialect's version query.
func (e *Executor) Verify(ctx context.Context, creds types.Credentials) error {
	d, err := lookupDialect(creds.Driver)
	if err != nil {
		return errors.NewError(errors.ErrCodeInvalidConfig, err.Error()).WithComponent("query")
	}

	ctx = types.WithQueryKind(ctx, types.QueryKindVerify)
	start := time.Now()
	version, err := e.run(ctx, d.VerifyQuery(), creds, types.FormatTabular)
	e.opts.Metrics.RecordQuery(creds.Server, types.QueryKindVerify, time.Since(start), err)
	if err != nil {
		return err
	}

	e.logger.Debug("server verified",
		zap.String("server", creds.Server),
		zap.String("version", firstValue(version)))
	return nil
}

// ListViews returns the system view names of a server.
func (e *Executor) ListViews(ctx context.Context, creds types.Credentials) ([]string, error) {
	d, err := lookupDialect(creds.Driver)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, err.Error()).WithComponent("query")
	}

	out, err := e.Execute(types.WithQueryKind(ctx, types.QueryKindListViews), d.ListViewsQuery(), creds, types.FormatTabular)
	if err != nil {
		return nil, err
	}
	return ParseNames(out), nil
}

// Close releases every pool.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for key, db := range e.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.pools, key)
	}
	return firstErr
}

func (e *Executor) run(ctx context.Context, q string, creds types.Credentials, format types.Format) (string, error) {
	db, err := e.pool(creds)
	if err != nil {
		return "", err
	}

	loginCtx, cancel := context.WithTimeout(ctx, e.opts.LoginTimeout)
	err = db.PingContext(loginCtx)
	cancel()
	if err != nil {
		return "", classify(ctx, err, errors.ErrCodeConnectionFailed, creds, "cannot connect to server")
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.opts.QueryTimeout)
	defer cancel()

	rows, err := db.QueryContext(queryCtx, q)
	if err != nil {
		return "", classify(ctx, err, errors.ErrCodeRemoteQuery, creds, "query failed")
	}
	defer rows.Close()

	out, err := Render(rows, format)
	if err != nil {
		return "", classify(ctx, err, errors.ErrCodeRemoteQuery, creds, "reading result failed")
	}
	return out, nil
}

func (e *Executor) pool(creds types.Credentials) (*sql.DB, error) {
	d, err := lookupDialect(creds.Driver)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, err.Error()).WithComponent("query")
	}

	key := d.Name() + "\x00" + creds.Hostname + "\x00" + creds.Username + "\x00" + creds.Password + "\x00" + creds.TLSMode

	e.mu.Lock()
	defer e.mu.Unlock()

	if db, ok := e.pools[key]; ok {
		return db, nil
	}

	db, err := e.opts.Open(d.DriverName(), d.DSN(creds, e.opts.LoginTimeout))
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConnectionFailed, "cannot open connection pool").
			WithComponent("query").
			WithContext("server", creds.Server).
			WithCause(err)
	}
	db.SetMaxOpenConns(e.opts.MaxOpenConns)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	e.pools[key] = db
	return db, nil
}

// classify wraps a driver error, turning expired deadlines into timeouts.
// A cancelled caller context is returned unwrapped so the breaker ignores it.
func classify(parent context.Context, err error, code errors.ErrorCode, creds types.Credentials, msg string) error {
	if parent.Err() != nil && stderr.Is(err, parent.Err()) {
		return parent.Err()
	}
	if stderr.Is(err, context.DeadlineExceeded) {
		code = errors.ErrCodeQueryTimeout
		msg = "remote call timed out"
	}
	return errors.NewError(code, msg).
		WithComponent("query").
		WithContext("server", creds.Server).
		WithContext("host", creds.Hostname).
		WithCause(err)
}

// Render turns a result set into file content. Tabular output is a header
// line of column names followed by one tab-separated line per row. JSON output
// concatenates the first column of every row, since servers split long JSON
// documents across rows, and ends with a single newline. NULL renders as "".
func Render(rows *sql.Rows, format types.Format) (string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if format != types.FormatJSON {
		b.WriteString(strings.Join(cols, "\t"))
		b.WriteByte('\n')
	}

	values := make([]sql.NullString, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}

	wrote := false
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return "", err
		}
		wrote = true
		if format == types.FormatJSON {
			if len(values) > 0 {
				b.WriteString(values[0].String)
			}
			continue
		}
		for i, v := range values {
			if i > 0 {
				b.WriteByte('\t')
			}
			b.WriteString(v.String)
		}
		b.WriteByte('\n')
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	if format == types.FormatJSON && wrote {
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// ParseNames extracts the first column of a tabular result, skipping the header line.
func ParseNames(tabular string) []string {
	lines := strings.Split(tabular, "\n")
	if len(lines) <= 1 {
		return nil
	}

	names := make([]string, 0, len(lines)-1)
	for _, line := range lines[1:] {
		name := line
		if i := strings.IndexByte(line, '\t'); i >= 0 {
			name = line[:i]
		}
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func firstValue(tabular string) string {
	names := ParseNames(tabular)
	if len(names) == 0 {
		return ""
	}
	return fmt.Sprintf("%.80s", names[0])
}
