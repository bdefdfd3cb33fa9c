// Package transform holds the content transforms the orchestrator runs as
// tasks. The orchestrator treats every transform as opaque: it only knows the
// name and that Apply reads its sources and writes artifacts into the store.
package transform

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/conneroisu/sitepipe/internal/artifact"
	"github.com/conneroisu/sitepipe/internal/errors"
)

// Names of the default transforms.
const (
	HTML    = "html"
	Styles  = "styles"
	Scripts = "scripts"
)

// Transform turns a source set into artifacts. Apply rescans its sources on
// every call and overwrites only the artifact paths it owns, so it can be
// rerun on its own during watch-mode rebuilds. It returns the store-relative
// paths it wrote.
type Transform interface {
	Name() string
	Apply(ctx context.Context, store *artifact.Store) ([]string, error)
}

// Func adapts a plain function to the Transform interface.
type Func struct {
	name string
	fn   func(ctx context.Context, store *artifact.Store) ([]string, error)
}

// NewFunc creates a Transform from fn.
func NewFunc(name string, fn func(ctx context.Context, store *artifact.Store) ([]string, error)) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Apply(ctx context.Context, store *artifact.Store) ([]string, error) {
	return f.fn(ctx, store)
}

// Registry maps transform names to implementations.
type Registry struct {
	mu         sync.RWMutex
	transforms map[string]Transform
}

// NewRegistry creates a registry holding ts.
func NewRegistry(ts ...Transform) (*Registry, error) {
	r := &Registry{transforms: make(map[string]Transform, len(ts))}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register adds t. Names must be unique.
func (r *Registry) Register(t Transform) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("transform must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transforms[t.Name()]; exists {
		return fmt.Errorf("transform %q already registered", t.Name())
	}
	r.transforms[t.Name()] = t

	return nil
}

// Get looks up a transform by name.
func (r *Registry) Get(name string) (Transform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transforms[name]
	if !ok {
		return nil, errors.NewInternalError(errors.ErrCodeUnknownTask, fmt.Sprintf("unknown transform %q", name), nil)
	}

	return t, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transforms))
	for name := range r.transforms {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
