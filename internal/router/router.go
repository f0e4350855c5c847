// Package router maps virtual paths under the mount point onto the shadow
// tree and decides how each one is served.
package router

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/dbfs/dbfs/internal/registry"
	"github.com/dbfs/dbfs/pkg/errors"
	"github.com/dbfs/dbfs/pkg/types"
)

// QueryDirName is the per-server directory holding user query outputs.
const QueryDirName = "customQueries"

// Kind says how a virtual path is served.
type Kind int

const (
	// Passthrough paths are plain files and directories in the shadow tree.
	Passthrough Kind = iota
	// GeneratedMetadata paths are filled from a system view on open.
	GeneratedMetadata
	// UserQuery paths are filled from a user-provided query file on open.
	UserQuery
)

func (k Kind) String() string {
	switch k {
	case GeneratedMetadata:
		return "generated"
	case UserQuery:
		return "user_query"
	default:
		return "passthrough"
	}
}

// Classification is the routing decision for one virtual path.
type Classification struct {
	Kind        Kind
	VirtualPath string
	ShadowPath  string

	// Server is set for GeneratedMetadata and UserQuery.
	Server string
	// View and Format are set for GeneratedMetadata.
	View   string
	Format types.Format
	// QueryFile is set for UserQuery.
	QueryFile string
}

// Generated reports whether the content comes from a remote server.
func (c Classification) Generated() bool {
	return c.Kind == GeneratedMetadata || c.Kind == UserQuery
}

// Router classifies virtual paths against a registry.
type Router struct {
	shadowRoot string
	registry   *registry.Registry
}

// New creates a router for the shadow tree at shadowRoot.
func New(shadowRoot string, reg *registry.Registry) *Router {
	return &Router{
		shadowRoot: filepath.Clean(shadowRoot),
		registry:   reg,
	}
}

// ShadowRoot returns the root of the shadow tree.
func (r *Router) ShadowRoot() string {
	return r.shadowRoot
}

// Registry returns the registry used for classification.
func (r *Router) Registry() *registry.Registry {
	return r.registry
}

// ShadowPath joins the virtual path onto the shadow root. It does no I/O.
func (r *Router) ShadowPath(virtual string) string {
	return filepath.Join(r.shadowRoot, filepath.FromSlash(Clean(virtual)))
}

// Clean normalises a virtual path to an absolute, slash-separated form.
// Leading ".." elements cannot climb above the root.
func Clean(virtual string) string {
	return path.Clean("/" + virtual)
}

// Segments splits a virtual path into its non-empty elements.
func Segments(virtual string) []string {
	clean := Clean(virtual)
	if clean == "/" {
		return nil
	}
	return strings.Split(clean[1:], "/")
}

// Classify routes a virtual path. It is a pure function of the path and the
// registry.
func (r *Router) Classify(virtual string) (Classification, error) {
	clean := Clean(virtual)
	c := Classification{
		Kind:        Passthrough,
		VirtualPath: clean,
		ShadowPath:  r.ShadowPath(clean),
	}

	segs := Segments(clean)
	if len(segs) <= 1 {
		return c, nil
	}

	server := segs[0]
	if _, ok := r.registry.Lookup(server); !ok {
		return c, errors.Newf(errors.ErrCodeRouteUnknownServer, "unknown server %q", server).
			WithComponent("router").
			WithPath(clean)
	}

	switch {
	case len(segs) == 2 && segs[1] == QueryDirName:
		return c, nil

	case len(segs) == 2:
		c.Kind = GeneratedMetadata
		c.Server = server
		c.View, c.Format = SplitFormat(segs[1])
		return c, nil

	case len(segs) == 3 && segs[1] == QueryDirName:
		c.Kind = UserQuery
		c.Server = server
		c.QueryFile = segs[2]
		return c, nil
	}

	return c, errors.NewError(errors.ErrCodeRouteMalformed, "path is too deep below a server directory").
		WithComponent("router").
		WithPath(clean)
}

// SplitFormat derives the view name and output format from a file name.
func SplitFormat(name string) (string, types.Format) {
	if view := strings.TrimSuffix(name, types.JSONSuffix); view != name && view != "" {
		return view, types.FormatJSON
	}
	return name, types.FormatTabular
}

// MetadataFileName is the inverse of SplitFormat.
func MetadataFileName(view string, format types.Format) string {
	if format == types.FormatJSON {
		return view + types.JSONSuffix
	}
	return view
}
