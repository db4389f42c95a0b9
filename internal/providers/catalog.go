// Package providers holds the compiled-in window providers and the catalog
// that hands them out.
package providers

import (
	"github.com/bryanchriswhite/switchr/internal/resolver"
	"github.com/bryanchriswhite/switchr/internal/window"
)

// Factory creates a fresh, uninitialized provider
type Factory func() window.Provider

// Catalog is the registration table of providers, in registration order
type Catalog struct {
	names     []string
	factories map[string]Factory
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds a provider under name. Registering a name twice replaces
// the factory but keeps the original position.
func (c *Catalog) Register(name string, f Factory) {
	if _, ok := c.factories[name]; !ok {
		c.names = append(c.names, name)
	}
	c.factories[name] = f
}

// Names returns registered provider names in registration order
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// New instantiates every registered provider
func (c *Catalog) New() []window.Provider {
	out := make([]window.Provider, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.factories[name]())
	}
	return out
}

// Isolated instantiates the providers that must scan in the worker and are
// not disabled
func (c *Catalog) Isolated(disabled []string) []window.Provider {
	return Enabled(Filter(c.New(), func(p window.Provider) bool {
		return p.RequiresIsolation()
	}), disabled)
}

// Filter keeps the providers keep returns true for
func Filter(ps []window.Provider, keep func(window.Provider) bool) []window.Provider {
	out := make([]window.Provider, 0, len(ps))
	for _, p := range ps {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// Enabled drops providers whose name is in disabled
func Enabled(ps []window.Provider, disabled []string) []window.Provider {
	if len(disabled) == 0 {
		return ps
	}
	skip := make(map[string]struct{}, len(disabled))
	for _, name := range disabled {
		skip[name] = struct{}{}
	}
	return Filter(ps, func(p window.Provider) bool {
		_, off := skip[p.Name()]
		return !off
	})
}

// Info describes a catalog entry for listings
type Info struct {
	Name              string `json:"name" yaml:"name"`
	RequiresIsolation bool   `json:"requires_isolation" yaml:"requires_isolation"`
	Enabled           bool   `json:"enabled" yaml:"enabled"`
}

// Describe lists the catalog with each provider's enabled state
func (c *Catalog) Describe(disabled []string) []Info {
	off := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		off[name] = true
	}
	out := make([]Info, 0, len(c.names))
	for _, p := range c.New() {
		out = append(out, Info{
			Name:              p.Name(),
			RequiresIsolation: p.RequiresIsolation(),
			Enabled:           !off[p.Name()],
		})
	}
	return out
}

// Options configure the built-in providers
type Options struct {
	Resolver resolver.Options
}

// Default returns the catalog of built-in providers
func Default(opts Options) *Catalog {
	c := NewCatalog()
	c.Register(WindowsName, func() window.Provider { return NewWindows() })
	c.Register(DocumentsName, func() window.Provider { return NewDocuments(opts.Resolver) })
	return c
}
