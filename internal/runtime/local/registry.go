// Package local runs programs in-process. It is the runtime used in tests and
// single-node deployments; programs are Go types registered by class name.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/appfabric/internal/domain"
)

// Context is what a program sees while it initializes.
type Context struct {
	Program domain.ProgramID
	RunID   string
	Spec    domain.ProgramSpec
	Args    map[string]string
	Logger  *slog.Logger
}

// Arg returns a runtime argument, falling back to the program property of
// the same name.
func (c Context) Arg(key string) string {
	if value, ok := c.Args[key]; ok {
		return value
	}
	return c.Spec.Properties[key]
}

// Program is a unit of work executed by the local runtime. Run returns when
// the work is done or ctx is cancelled by a stop request.
type Program interface {
	Initialize(ctx context.Context, pc Context) error
	Run(ctx context.Context) error
}

type Factory func() Program

// Registry maps program classes to factories and records which runtime
// dependencies the process provides to programs.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	provided  map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		provided:  make(map[string]struct{}),
	}
}

func (r *Registry) Register(class string, factory Factory) error {
	class = strings.TrimSpace(class)
	if class == "" {
		return errors.New("program class is required")
	}
	if factory == nil {
		return fmt.Errorf("factory for %q is nil", class)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[class]; exists {
		return fmt.Errorf("program class %q already registered", class)
	}
	r.factories[class] = factory
	return nil
}

// Provide marks runtime dependencies as available to programs.
func (r *Registry) Provide(deps ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range deps {
		if dep = strings.TrimSpace(dep); dep != "" {
			r.provided[dep] = struct{}{}
		}
	}
}

func (r *Registry) HasClass(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[class]
	return ok
}

func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for class := range r.factories {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) factory(class string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[class]
	return f, ok
}

// missing returns the first required dependency that is not provided.
func (r *Registry) missing(requires []string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dep := range requires {
		if _, ok := r.provided[dep]; !ok {
			return dep, true
		}
	}
	return "", false
}
