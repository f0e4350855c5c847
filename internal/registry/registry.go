// Package registry holds the servers dbfs exposes, built once from the
// configuration file and read-only afterwards.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dbfs/dbfs/internal/ini"
	"github.com/dbfs/dbfs/pkg/errors"
	"github.com/dbfs/dbfs/pkg/logging"
	"github.com/dbfs/dbfs/pkg/retry"
	"github.com/dbfs/dbfs/pkg/types"
)

// Configuration keys of a server section.
const (
	KeyHostname = "hostname"
	KeyUsername = "username"
	KeyPassword = "password"
	KeyVersion  = "version"
	KeyDriver   = "driver"
	KeyTLSMode  = "tls"
	KeyQueryDir = "customQueriesPath"
)

// ServerEntry describes one configured server.
type ServerEntry struct {
	Name     string
	Hostname string
	Username string
	Password string
	Version  int
	Driver   string
	TLSMode  string
	// QueryDir holds the user query files; empty when the server has none.
	QueryDir string
}

// Credentials returns what the query layer needs to reach the server.
func (e *ServerEntry) Credentials() types.Credentials {
	return types.Credentials{
		Server:   e.Name,
		Driver:   e.Driver,
		Hostname: e.Hostname,
		Username: e.Username,
		Password: e.Password,
		Version:  e.Version,
		TLSMode:  e.TLSMode,
	}
}

// Registry maps server names to entries. It is never modified after
// construction, so it is safe for concurrent readers without locking.
type Registry struct {
	entries []ServerEntry
	index   map[string]int
}

// New builds a registry from entries, rejecting duplicate or unusable names.
func New(entries ...ServerEntry) (*Registry, error) {
	r := &Registry{
		entries: make([]ServerEntry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		if err := ValidateName(e.Name); err != nil {
			return nil, err
		}
		if _, dup := r.index[e.Name]; dup {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "duplicate server %q", e.Name).WithComponent("registry")
		}
		r.index[e.Name] = len(r.entries)
		r.entries = append(r.entries, e)
	}
	return r, nil
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (*ServerEntry, bool) {
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return &r.entries[i], true
}

// Names returns server names in configuration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i := range r.entries {
		names[i] = r.entries[i].Name
	}
	return names
}

// Entries returns the entries in configuration order. Callers must not modify them.
func (r *Registry) Entries() []*ServerEntry {
	out := make([]*ServerEntry, len(r.entries))
	for i := range r.entries {
		out[i] = &r.entries[i]
	}
	return out
}

// Len returns the number of servers.
func (r *Registry) Len() int {
	return len(r.entries)
}

// ValidateName checks that a server name can be used as a directory name.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return errors.Newf(errors.ErrCodeInvalidConfig, "invalid server name %q", name).WithComponent("registry")
	case strings.ContainsAny(name, "/\x00"):
		return errors.Newf(errors.ErrCodeInvalidConfig, "server name %q contains a path separator", name).WithComponent("registry")
	}
	return nil
}

// Options configures Build.
type Options struct {
	// Verifier checks each server before it is admitted. Nil skips verification.
	Verifier types.Verifier
	// Prompter supplies passwords missing from the configuration.
	Prompter Prompter
	// Retry governs verification attempts.
	Retry retry.Config
	// BaseDir resolves relative query directories, usually the config file's directory.
	BaseDir string
	Logger  *zap.Logger
}

// Build creates the registry from a parsed configuration. A section with a
// missing or invalid field, or that fails verification, is logged and skipped.
// Build fails only when no section is admitted.
func Build(ctx context.Context, doc *ini.Document, opts Options) (*Registry, error) {
	logger := logging.OrNop(opts.Logger).Named("registry")
	retryer := retry.New(opts.Retry)

	var admitted []ServerEntry
	for i, section := range doc.Sections {
		logger.Info("processing server section",
			zap.Int("index", i+1),
			zap.String("section", section.Name))

		entry, err := entryFromSection(section, opts)
		if err == nil && opts.Verifier != nil {
			creds := entry.Credentials()
			err = retryer.Do(ctx, func(ctx context.Context) error {
				return opts.Verifier.Verify(ctx, creds)
			})
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("failed to add server, ignoring it",
				zap.String("section", section.Name),
				zap.Error(err))
			continue
		}

		logger.Info("added server",
			zap.String("section", section.Name),
			zap.String("host", entry.Hostname),
			zap.Int("version", entry.Version),
			zap.Bool("custom_queries", entry.QueryDir != ""))
		admitted = append(admitted, entry)
	}

	if len(admitted) == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "no usable server entries in configuration").
			WithComponent("registry")
	}
	return New(admitted...)
}

func entryFromSection(section *ini.Section, opts Options) (ServerEntry, error) {
	entry := ServerEntry{Name: section.Name}
	if err := ValidateName(section.Name); err != nil {
		return entry, err
	}

	var err error
	if entry.Hostname, err = required(section, KeyHostname); err != nil {
		return entry, err
	}
	if entry.Username, err = required(section, KeyUsername); err != nil {
		return entry, err
	}

	version, err := required(section, KeyVersion)
	if err != nil {
		return entry, err
	}
	if entry.Version, err = strconv.Atoi(version); err != nil {
		return entry, errors.Newf(errors.ErrCodeConfigValidation, "version %q is not an integer", version).
			WithComponent("registry").
			WithLine(lineOf(section, KeyVersion))
	}

	entry.Driver, _ = section.Get(KeyDriver)
	entry.TLSMode, _ = section.Get(KeyTLSMode)

	if password, ok := section.Get(KeyPassword); ok && password != "" {
		entry.Password = password
	} else {
		if opts.Prompter == nil {
			return entry, errors.NewError(errors.ErrCodeMissingConfig, "no password configured and no way to prompt for one").
				WithComponent("registry")
		}
		if entry.Password, err = opts.Prompter.Password(section.Name); err != nil {
			return entry, errors.NewError(errors.ErrCodeMissingConfig, "reading password failed").
				WithComponent("registry").
				WithCause(err)
		}
	}

	if dir, ok := section.Get(KeyQueryDir); ok && dir != "" {
		if !filepath.IsAbs(dir) && opts.BaseDir != "" {
			dir = filepath.Join(opts.BaseDir, dir)
		}
		if entry.QueryDir, err = filepath.Abs(dir); err != nil {
			return entry, errors.NewError(errors.ErrCodeConfigValidation, "cannot resolve query directory").
				WithComponent("registry").
				WithPath(dir).
				WithCause(err)
		}
		if info, err := os.Stat(entry.QueryDir); err != nil || !info.IsDir() {
			return entry, errors.Newf(errors.ErrCodeConfigValidation, "%s is not a directory", KeyQueryDir).
				WithComponent("registry").
				WithPath(entry.QueryDir).
				WithLine(lineOf(section, KeyQueryDir))
		}
	}

	return entry, nil
}

func required(section *ini.Section, key string) (string, error) {
	v, ok := section.Get(key)
	if !ok {
		return "", errors.NewError(errors.ErrCodeMissingConfig, fmt.Sprintf("no %q entry", key)).
			WithComponent("registry")
	}
	if v == "" {
		return "", errors.NewError(errors.ErrCodeMissingConfig, fmt.Sprintf("no value provided for %q", key)).
			WithComponent("registry").
			WithLine(lineOf(section, key))
	}
	return v, nil
}

func lineOf(section *ini.Section, key string) int {
	for _, e := range section.Entries {
		if e.Key == key {
			return e.Line
		}
	}
	return section.Line
}
