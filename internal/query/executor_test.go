package query

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderr "errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbfs/dbfs/internal/circuit"
	"github.com/dbfs/dbfs/pkg/errors"
	"github.com/dbfs/dbfs/pkg/types"
)

// fakeServer is an in-memory database/sql backend.
type fakeServer struct {
	mu       sync.Mutex
	columns  []string
	rows     [][]driver.Value
	queryErr error
	pingErr  error
	block    bool
	queries  []string
	opens    []string
}

func (s *fakeServer) open(driverName, dsn string) (*sql.DB, error) {
	s.mu.Lock()
	s.opens = append(s.opens, driverName+" "+dsn)
	s.mu.Unlock()
	return sql.OpenDB(fakeConnector{s}), nil
}

func (s *fakeServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

type fakeConnector struct{ srv *fakeServer }

func (c fakeConnector) Connect(context.Context) (driver.Conn, error) { return &fakeConn{c.srv}, nil }
func (c fakeConnector) Driver() driver.Driver                        { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) { return nil, stderr.New("use the connector") }

type fakeConn struct{ srv *fakeServer }

func (c *fakeConn) Prepare(string) (driver.Stmt, error) { return nil, stderr.New("not supported") }
func (c *fakeConn) Close() error                        { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)           { return nil, stderr.New("not supported") }

func (c *fakeConn) Ping(context.Context) error {
	return c.srv.pingErr
}

func (c *fakeConn) QueryContext(ctx context.Context, q string, _ []driver.NamedValue) (driver.Rows, error) {
	c.srv.mu.Lock()
	c.srv.queries = append(c.srv.queries, q)
	block, qerr := c.srv.block, c.srv.queryErr
	c.srv.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if qerr != nil {
		return nil, qerr
	}
	return &fakeRows{columns: c.srv.columns, rows: c.srv.rows}, nil
}

type fakeRows struct {
	columns []string
	rows    [][]driver.Value
	pos     int
}

func (r *fakeRows) Columns() []string { return r.columns }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

var prod = types.Credentials{
	Server:   "prod",
	Driver:   DriverSQLServer,
	Hostname: "db01",
	Username: "sa",
	Password: "secret",
	Version:  16,
}

func newTestExecutor(srv *fakeServer, mutate func(*Options)) *Executor {
	opts := Options{
		LoginTimeout: 100 * time.Millisecond,
		QueryTimeout: 100 * time.Millisecond,
		Open:         srv.open,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewExecutor(opts)
}

func TestExecuteTabular(t *testing.T) {
	srv := &fakeServer{
		columns: []string{"name", "object_id", "note"},
		rows: [][]driver.Value{
			{"sysrowsets", int64(5), nil},
			{"sysclones", int64(9), []byte("x")},
		},
	}
	e := newTestExecutor(srv, nil)
	defer e.Close()

	out, err := e.Execute(context.Background(), "SELECT 1", prod, types.FormatTabular)
	require.NoError(t, err)
	assert.Equal(t, "name\tobject_id\tnote\nsysrowsets\t5\t\nsysclones\t9\tx\n", out)
	assert.Equal(t, []string{"SELECT 1"}, srv.seen())
}

func TestExecuteJSONConcatenatesChunks(t *testing.T) {
	srv := &fakeServer{
		columns: []string{"JSON_F52E2B61-18A1-11d1-B105-00805F49916B"},
		rows:    [][]driver.Value{{`{"info":[{"a":`}, {`1}]}`}},
	}
	e := newTestExecutor(srv, nil)

	out, err := e.Execute(context.Background(), "q", prod, types.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "{\"info\":[{\"a\":1}]}\n", out)
}

func TestExecuteJSONEmptyResult(t *testing.T) {
	srv := &fakeServer{columns: []string{"j"}}
	e := newTestExecutor(srv, nil)

	out, err := e.Execute(context.Background(), "q", prod, types.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestExecuteReusesPool(t *testing.T) {
	srv := &fakeServer{columns: []string{"c"}}
	e := newTestExecutor(srv, nil)

	for i := 0; i < 3; i++ {
		_, err := e.Execute(context.Background(), "q", prod, types.FormatTabular)
		require.NoError(t, err)
	}

	require.Len(t, srv.opens, 1)
	assert.True(t, strings.HasPrefix(srv.opens[0], "sqlserver sqlserver://"))

	other := prod
	other.Password = "rotated"
	_, err := e.Execute(context.Background(), "q", other, types.FormatTabular)
	require.NoError(t, err)
	assert.Len(t, srv.opens, 2)
}

func TestExecuteErrors(t *testing.T) {
	tests := []struct {
		name string
		srv  *fakeServer
		code errors.ErrorCode
	}{
		{"login failure", &fakeServer{pingErr: stderr.New("login failed for user 'sa'")}, errors.ErrCodeConnectionFailed},
		{"query failure", &fakeServer{queryErr: stderr.New("invalid object name")}, errors.ErrCodeRemoteQuery},
		{"query timeout", &fakeServer{block: true}, errors.ErrCodeQueryTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(tt.srv, nil)
			_, err := e.Execute(context.Background(), "q", prod, types.FormatTabular)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
			assert.Equal(t, "input/output error", errors.Errno(err).Error())
		})
	}
}

func TestExecuteUnknownDriver(t *testing.T) {
	e := newTestExecutor(&fakeServer{}, nil)
	creds := prod
	creds.Driver = "oracle"

	_, err := e.Execute(context.Background(), "q", creds, types.FormatTabular)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func TestExecuteBreakerOpens(t *testing.T) {
	srv := &fakeServer{queryErr: stderr.New("boom")}
	e := newTestExecutor(srv, func(o *Options) {
		o.Breakers = circuit.NewManager(circuit.Config{FailureThreshold: 2, Timeout: time.Minute})
	})

	for i := 0; i < 2; i++ {
		_, err := e.Execute(context.Background(), "q", prod, types.FormatTabular)
		require.True(t, errors.HasCode(err, errors.ErrCodeRemoteQuery))
	}

	_, err := e.Execute(context.Background(), "q", prod, types.FormatTabular)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCircuitOpen), "got %v", err)
	assert.Len(t, srv.seen(), 2, "open breaker must not reach the server")
}

func TestVerifyAndListViews(t *testing.T) {
	srv := &fakeServer{
		columns: []string{"name"},
		rows:    [][]driver.Value{{"dm_exec_sessions"}, {"dm_os_wait_stats"}},
	}
	e := newTestExecutor(srv, nil)

	require.NoError(t, e.Verify(context.Background(), prod))

	views, err := e.ListViews(context.Background(), prod)
	require.NoError(t, err)
	assert.Equal(t, []string{"dm_exec_sessions", "dm_os_wait_stats"}, views)

	assert.Equal(t, []string{
		"SELECT @@version",
		"SELECT name from sys.system_views where schema_id = 4",
	}, srv.seen())
}

func TestVerifyFailure(t *testing.T) {
	e := newTestExecutor(&fakeServer{pingErr: stderr.New("no route")}, nil)
	err := e.Verify(context.Background(), prod)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConnectionFailed))
	assert.True(t, errors.IsRetryable(err))
}

func TestCancelledCallerIsNotWrapped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newTestExecutor(&fakeServer{}, nil)
	_, err := e.Execute(ctx, "q", prod, types.FormatTabular)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, errors.CodeOf(err))
}

func TestParseNames(t *testing.T) {
	assert.Nil(t, ParseNames(""))
	assert.Nil(t, ParseNames("name\n"))
	assert.Equal(t, []string{"a", "b"}, ParseNames("name\ta2\na\t1\n\nb\t2\n"))
}

func TestDialects(t *testing.T) {
	ss, err := DialectFor("")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLServer, ss.Name())
	assert.Equal(t, "SELECT * FROM [master].[sys].[dm_os_sys_info]", ss.MetadataQuery("dm_os_sys_info", types.FormatTabular))
	assert.Equal(t, "SELECT * FROM [master].[sys].[odd]]name] FOR JSON AUTO, ROOT('info')", ss.MetadataQuery("odd]name", types.FormatJSON))
	assert.True(t, ss.SupportsJSON(16))
	assert.False(t, ss.SupportsJSON(15))

	pg, err := DialectFor("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, pg.Name())
	assert.Equal(t, `SELECT * FROM pg_catalog."pg_stat_activity"`, pg.MetadataQuery("pg_stat_activity", types.FormatTabular))
	assert.Contains(t, pg.MetadataQuery(`we"ird`, types.FormatJSON), `pg_catalog."we""ird" t`)
	assert.Equal(t, "SELECT version()", pg.VerifyQuery())

	_, err = DialectFor("db2")
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	creds := types.Credentials{Hostname: `db01,1444\INST`, Username: "sa", Password: "p@ss word"}
	raw := sqlServer{}.DSN(creds, 3*time.Second)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "sqlserver", u.Scheme)
	assert.Equal(t, "db01:1444", u.Host)
	assert.Equal(t, "/INST", u.Path)
	pass, _ := u.User.Password()
	assert.Equal(t, "p@ss word", pass)
	assert.Equal(t, "3", u.Query().Get("dial timeout"))
	assert.Equal(t, "master", u.Query().Get("database"))

	pgRaw := postgres{}.DSN(types.Credentials{Hostname: "pg:5433", Username: "u", Password: "p", TLSMode: "disable"}, 500*time.Millisecond)
	pu, err := url.Parse(pgRaw)
	require.NoError(t, err)
	assert.Equal(t, "pg:5433", pu.Host)
	assert.Equal(t, "disable", pu.Query().Get("sslmode"))
	assert.Equal(t, "1", pu.Query().Get("connect_timeout"))
}
