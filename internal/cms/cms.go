// Package cms is the reference workload: the CMS collection contracts,
// typed entity variants, the reference queries screens subscribe to, and
// a client that wires it all to an engine session.
package cms

import (
	_ "embed"
	"fmt"
	"path/filepath"

	"github.com/roach88/livedb/internal/adapter"
	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/registry"
	"github.com/roach88/livedb/internal/schema"
)

// Collection names.
const (
	Users       = "users"
	Categories  = "categories"
	Tags        = "tags"
	Articles    = "articles"
	ArticleTags = "article_tags"
	Comments    = "comments"
	Likes       = "likes"
	Bookmarks   = "bookmarks"
	Session     = "session"
)

//go:embed schema.cue
var schemaSource []byte

// SchemaSource returns the CUE source of the CMS collections.
func SchemaSource() []byte { return schemaSource }

// LoadSchema compiles the embedded CMS schema.
func LoadSchema() (*schema.Schema, error) {
	s, err := schema.Parse(schemaSource, "cms/schema.cue")
	if err != nil {
		return nil, fmt.Errorf("cms schema: %w", err)
	}
	return s, nil
}

// Backend is what the CMS collections persist to: the network backend
// for shared collections, a directory for local-only ones.
type Backend struct {
	Remote   adapter.Backend
	LocalDir string

	// Wrap, when set, decorates every adapter (a Gate in tests and demos).
	Wrap func(name string, a adapter.Adapter) adapter.Adapter
}

// Register adds every collection of s to reg, validated by its contract.
func Register(reg *registry.Registry, s *schema.Schema, b Backend) error {
	for _, contract := range s.Contracts() {
		spec := contract.Spec()
		var a adapter.Adapter
		if spec.Local {
			if b.LocalDir == "" {
				return fmt.Errorf("register %s: local collection needs a directory", spec.Name)
			}
			a = adapter.NewLocal(filepath.Join(b.LocalDir, spec.Name+".json"), spec)
		} else {
			if b.Remote == nil {
				return fmt.Errorf("register %s: no backend", spec.Name)
			}
			a = adapter.NewSQL(b.Remote, spec.Name)
		}
		if b.Wrap != nil {
			a = b.Wrap(spec.Name, a)
		}
		if _, err := reg.Register(spec, a, contract); err != nil {
			return err
		}
	}
	return nil
}

// Remote returns the specs persisted by the network backend.
func Remote(s *schema.Schema) []*ir.CollectionSpec {
	var out []*ir.CollectionSpec
	for _, spec := range s.Specs() {
		if !spec.Local {
			out = append(out, spec)
		}
	}
	return out
}
