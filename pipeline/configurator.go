package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrFilterNotFound is returned when a named filter cannot be resolved
var ErrFilterNotFound = errors.New("pipeline: filter not found")

// FilterResolver supplies filters by name when a pipe is built
type FilterResolver[C any] interface {
	ResolveFilter(name string) (Filter[C], error)
}

type filterEntry[C any] struct {
	filter Filter[C]
	name   string
}

// Configurator accumulates filters and builds them into a pipe
type Configurator[C any] struct {
	entries []filterEntry[C]
}

// NewConfigurator creates an empty configurator
func NewConfigurator[C any]() *Configurator[C] {
	return &Configurator[C]{}
}

// Use appends a filter
func (c *Configurator[C]) Use(filter Filter[C]) *Configurator[C] {
	if filter != nil {
		c.entries = append(c.entries, filterEntry[C]{filter: filter})
	}
	return c
}

// UseFunc appends a function-based filter
func (c *Configurator[C]) UseFunc(name string, fn func(ctx context.Context, c C, next Pipe[C]) error) *Configurator[C] {
	return c.Use(NewFilter(name, fn))
}

// UseResolved appends a filter that is looked up by name at build time
func (c *Configurator[C]) UseResolved(name string) *Configurator[C] {
	c.entries = append(c.entries, filterEntry[C]{name: name})
	return c
}

// Len returns the number of registered filters
func (c *Configurator[C]) Len() int {
	return len(c.entries)
}

// Build composes the registered filters into a pipe. Named filters are
// resolved through resolver; resolver may be nil when none were registered.
func (c *Configurator[C]) Build(resolver FilterResolver[C]) (Pipe[C], error) {
	return c.BuildWith(resolver, nil)
}

// BuildWith composes the filters into a pipe that ends in last.
func (c *Configurator[C]) BuildWith(resolver FilterResolver[C], last Pipe[C]) (Pipe[C], error) {
	filters := make([]Filter[C], 0, len(c.entries))
	for _, entry := range c.entries {
		if entry.filter != nil {
			filters = append(filters, entry.filter)
			continue
		}
		if resolver == nil {
			return nil, fmt.Errorf("%w: %s (no resolver)", ErrFilterNotFound, entry.name)
		}
		f, err := resolver.ResolveFilter(entry.name)
		if err != nil {
			return nil, fmt.Errorf("resolve filter %s: %w", entry.name, err)
		}
		filters = append(filters, f)
	}
	return Compose(last, filters...), nil
}

// Registry resolves filters from named factories. Each resolution calls
// the factory, so filters holding per-pipe state are not shared.
type Registry[C any] struct {
	mu        sync.RWMutex
	factories map[string]func() Filter[C]
}

// NewRegistry creates an empty filter registry
func NewRegistry[C any]() *Registry[C] {
	return &Registry[C]{factories: make(map[string]func() Filter[C])}
}

// Register adds or replaces a filter factory
func (r *Registry[C]) Register(name string, factory func() Filter[C]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// ResolveFilter implements FilterResolver
func (r *Registry[C]) ResolveFilter(name string) (Filter[C], error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFilterNotFound, name)
	}
	return factory(), nil
}

// Names lists the registered filter names in sorted order
func (r *Registry[C]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
