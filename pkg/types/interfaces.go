package types

import (
	"context"
	"time"
)

// QueryExecutor runs a query against a remote server and returns its text rendering.
// Tabular results are a header row followed by tab-separated rows, each newline
// terminated. JSON results are the concatenated JSON chunks without a header.
type QueryExecutor interface {
	Execute(ctx context.Context, query string, creds Credentials, format Format) (string, error)
}

// Verifier checks that a server is reachable with the given credentials.
type Verifier interface {
	Verify(ctx context.Context, creds Credentials) error
}

// Dialect supplies the query text for one database flavour.
type Dialect interface {
	Name() string
	// ListViewsQuery returns a tabular query whose first column names every system view.
	ListViewsQuery() string
	VerifyQuery() string
	// MetadataQuery returns the query that dumps a system view in the given format.
	MetadataQuery(view string, format Format) string
	// SupportsJSON reports whether the server version can render JSON results.
	SupportsJSON(version int) bool
}

// MetricsCollector defines the metrics collection interface
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordQuery(server string, kind QueryKind, duration time.Duration, err error)
	RecordPollCycle(duration time.Duration, refreshed, failed int)
	RecordError(operation string, err error)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordOperation(string, time.Duration, int64, bool) {}
func (NopMetrics) RecordQuery(string, QueryKind, time.Duration, error) {}
func (NopMetrics) RecordPollCycle(time.Duration, int, int) {}
func (NopMetrics) RecordError(string, error) {}
