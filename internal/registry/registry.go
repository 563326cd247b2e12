// Package registry holds the collections of one session: each Entity
// Store together with its Sync Adapter and record contract.
//
// A Registry is built once at session start and passed by reference to
// the live query engine and the transaction engine. There is no
// package-level state.
package registry

import (
	"fmt"
	"sync"

	"github.com/roach88/livedb/internal/adapter"
	"github.com/roach88/livedb/internal/collection"
	"github.com/roach88/livedb/internal/ir"
)

// Validator checks a full record before it is written optimistically and
// returns it with defaults applied. *schema.Contract satisfies it.
type Validator interface {
	Validate(record ir.IRObject) (ir.IRObject, error)
}

// Collection is one registered collection.
type Collection struct {
	Store     *collection.Store
	Adapter   adapter.Adapter
	Validator Validator
}

// Spec returns the collection contract.
func (c *Collection) Spec() *ir.CollectionSpec { return c.Store.Spec() }

// Registry maps collection names to their store, adapter and validator.
// Registration order is preserved.
type Registry struct {
	mu          sync.RWMutex
	collections map[string]*Collection
	order       []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{collections: make(map[string]*Collection)}
}

// Register creates the Entity Store for spec and binds it to adp.
// validator may be nil when records are not checked beyond their shape.
func (r *Registry) Register(spec *ir.CollectionSpec, adp adapter.Adapter, validator Validator) (*Collection, error) {
	if spec == nil || spec.Name == "" {
		return nil, fmt.Errorf("register: collection spec without name")
	}
	if adp == nil {
		return nil, fmt.Errorf("register %s: adapter is required", spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.collections[spec.Name]; dup {
		return nil, fmt.Errorf("register %s: collection already registered", spec.Name)
	}
	c := &Collection{
		Store:     collection.New(spec),
		Adapter:   adp,
		Validator: validator,
	}
	r.collections[spec.Name] = c
	r.order = append(r.order, spec.Name)
	return c, nil
}

// Get returns a registered collection.
func (r *Registry) Get(name string) (*Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[name]
	return c, ok
}

// Store returns the Entity Store of a collection.
func (r *Registry) Store(name string) (*collection.Store, bool) {
	c, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	return c.Store, true
}

// Spec returns a collection's contract. Its signature matches
// queryir.Lookup.
func (r *Registry) Spec(name string) (*ir.CollectionSpec, bool) {
	c, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	return c.Spec(), true
}

// Names returns collection names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Referrers returns the collections holding a reference to target, in
// registration order, with the referencing field names.
func (r *Registry) Referrers(target string) map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{}
	for _, name := range r.order {
		for _, ref := range r.collections[name].Spec().Refs {
			if ref.To == target {
				out[name] = append(out[name], ref.Field)
			}
		}
	}
	return out
}
