package query

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dbfs/dbfs/pkg/types"
)

// Supported values of the "driver" configuration key.
const (
	DriverSQLServer = "sqlserver"
	DriverPostgres  = "postgres"
)

// dialect extends types.Dialect with what the executor needs to connect.
type dialect interface {
	types.Dialect
	// DriverName is the database/sql driver to open.
	DriverName() string
	// DSN builds the connection string for creds.
	DSN(creds types.Credentials, loginTimeout time.Duration) string
}

// DialectFor returns the dialect for a driver name. An empty name selects SQL Server.
func DialectFor(driver string) (types.Dialect, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func lookupDialect(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLServer, "mssql":
		return sqlServer{}, nil
	case DriverPostgres, "postgresql", "pg":
		return postgres{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func seconds(d time.Duration) string {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}

// sqlServer targets Microsoft SQL Server through go-mssqldb.
type sqlServer struct{}

func (sqlServer) Name() string       { return DriverSQLServer }
func (sqlServer) DriverName() string { return "sqlserver" }

func (sqlServer) ListViewsQuery() string {
	return "SELECT name from sys.system_views where schema_id = 4"
}

func (sqlServer) VerifyQuery() string {
	return "SELECT @@version"
}

func (sqlServer) MetadataQuery(view string, format types.Format) string {
	q := "SELECT * FROM [master].[sys]." + quoteBracket(view)
	if format == types.FormatJSON {
		q += " FOR JSON AUTO, ROOT('info')"
	}
	return q
}

// SupportsJSON follows the configured version numbering, where 16 is the
// first release with FOR JSON.
func (sqlServer) SupportsJSON(version int) bool {
	return version >= 16
}

func (sqlServer) DSN(creds types.Credentials, loginTimeout time.Duration) string {
	host := creds.Hostname
	var instance string
	if i := strings.IndexByte(host, '\\'); i >= 0 {
		host, instance = host[:i], host[i+1:]
	}
	// "host,port" is the native SQL Server notation.
	host = strings.Replace(host, ",", ":", 1)

	if instance != "" {
		instance = "/" + instance
	}

	q := url.Values{}
	q.Set("database", "master")
	q.Set("dial timeout", seconds(loginTimeout))
	q.Set("app name", "dbfs")
	if creds.TLSMode != "" {
		q.Set("encrypt", creds.TLSMode)
	}

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(creds.Username, creds.Password),
		Host:     host,
		Path:     instance,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func quoteBracket(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// postgres targets PostgreSQL through lib/pq; system views live in pg_catalog.
type postgres struct{}

func (postgres) Name() string       { return DriverPostgres }
func (postgres) DriverName() string { return "postgres" }

func (postgres) ListViewsQuery() string {
	return "SELECT viewname AS name FROM pg_catalog.pg_views WHERE schemaname = 'pg_catalog' ORDER BY viewname"
}

func (postgres) VerifyQuery() string {
	return "SELECT version()"
}

func (postgres) MetadataQuery(view string, format types.Format) string {
	rel := "pg_catalog." + quoteIdent(view)
	if format == types.FormatJSON {
		return "SELECT json_build_object('info', coalesce(json_agg(t), '[]'::json)) FROM " + rel + " t"
	}
	return "SELECT * FROM " + rel
}

func (postgres) SupportsJSON(version int) bool {
	return version >= 10
}

func (postgres) DSN(creds types.Credentials, loginTimeout time.Duration) string {
	q := url.Values{}
	q.Set("connect_timeout", seconds(loginTimeout))
	q.Set("application_name", "dbfs")
	sslmode := creds.TLSMode
	if sslmode == "" {
		sslmode = "require"
	}
	q.Set("sslmode", sslmode)

	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(creds.Username, creds.Password),
		Host:     creds.Hostname,
		Path:     "/postgres",
		RawQuery: q.Encode(),
	}
	return u.String()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
