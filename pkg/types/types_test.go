package types

import (
	"context"
	"strings"
	"testing"
)

func TestCredentialsStringHidesPassword(t *testing.T) {
	c := Credentials{Hostname: "db01", Username: "sa", Password: "hunter2", Driver: "sqlserver"}
	s := c.String()
	if strings.Contains(s, "hunter2") {
		t.Errorf("String() = %q leaks the password", s)
	}
	if s != "sa@db01 (sqlserver)" {
		t.Errorf("String() = %q", s)
	}
}

func TestQueryKindContext(t *testing.T) {
	if got := QueryKindFrom(context.Background()); got != QueryKindMetadata {
		t.Errorf("default kind = %q, want %q", got, QueryKindMetadata)
	}
	ctx := WithQueryKind(context.Background(), QueryKindUser)
	if got := QueryKindFrom(ctx); got != QueryKindUser {
		t.Errorf("kind = %q, want %q", got, QueryKindUser)
	}
}

func TestFormatString(t *testing.T) {
	if FormatJSON.String() != "json" || FormatTabular.String() != "tabular" {
		t.Error("unexpected Format names")
	}
}
