package types

import (
	"context"
	"strings"
)

// Format selects how a remote result is rendered into file content.
type Format int

const (
	FormatTabular Format = iota
	FormatJSON
)

// JSONSuffix marks metadata files rendered as JSON.
const JSONSuffix = ".json"

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	default:
		return "tabular"
	}
}

// QueryKind labels remote calls for logging and metrics.
type QueryKind string

const (
	QueryKindVerify    QueryKind = "verify"
	QueryKindListViews QueryKind = "list_views"
	QueryKindMetadata  QueryKind = "metadata"
	QueryKindUser      QueryKind = "user"
)

// Credentials identify one remote server connection.
type Credentials struct {
	Server   string
	Driver   string
	Hostname string
	Username string
	Password string
	Version  int
	// TLSMode is passed to the driver as sslmode (postgres) or encrypt (sqlserver).
	TLSMode string
}

// String hides the password.
func (c Credentials) String() string {
	var b strings.Builder
	b.WriteString(c.Username)
	b.WriteString("@")
	b.WriteString(c.Hostname)
	if c.Driver != "" {
		b.WriteString(" (")
		b.WriteString(c.Driver)
		b.WriteString(")")
	}
	return b.String()
}

type queryKindKey struct{}

// WithQueryKind labels the remote calls made under ctx.
func WithQueryKind(ctx context.Context, kind QueryKind) context.Context {
	return context.WithValue(ctx, queryKindKey{}, kind)
}

// QueryKindFrom returns the label set by WithQueryKind, or QueryKindMetadata.
func QueryKindFrom(ctx context.Context) QueryKind {
	if kind, ok := ctx.Value(queryKindKey{}).(QueryKind); ok {
		return kind
	}
	return QueryKindMetadata
}
