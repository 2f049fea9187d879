// Package plugin defines the contract for optional daemon features and the
// registry that enables and initializes them.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/scalecode-solutions/mvirc/signal"
)

var (
	// ErrNameRequired indicates a plugin with an empty name.
	ErrNameRequired = errors.New("plugin name is required")
	// ErrAlreadyRegistered indicates a duplicate plugin registration.
	ErrAlreadyRegistered = errors.New("plugin already registered")
	// ErrNotFound indicates an enable request for an unknown plugin.
	ErrNotFound = errors.New("plugin is not registered")
)

// Host is what the daemon exposes to plugins: the signal bus and read-only
// session counts.
type Host interface {
	Bus() *signal.Bus
	SessionCount() int
	RegisteredCount() int
	// Settings returns the configured settings of the named plugin. Never nil.
	Settings(plugin string) map[string]string
}

// Router is the part of an HTTP mux a plugin may touch.
type Router interface {
	Handle(pattern string, handler http.Handler)
	HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request))
}

// Plugin is an optional feature.
type Plugin interface {
	Name() string
	// Initialize runs once at startup, before any session connects.
	Initialize(ctx context.Context, host Host) error
	// RegisterRoutes mounts HTTP routes. Patterns are relative to
	// /plugins/<name>.
	RegisterRoutes(r Router)
}

// Registry holds the known plugins and which of them are enabled.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	enabled map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		enabled: make(map[string]bool),
	}
}

// Register adds p. Plugins start disabled.
func (r *Registry) Register(p Plugin) error {
	name := p.Name()
	if name == "" {
		return ErrNameRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.plugins[name] = p
	return nil
}

// Enable marks the named plugins enabled. It fails on the first unknown
// name without enabling the rest.
func (r *Registry) Enable(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if _, ok := r.plugins[name]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
	}
	for _, name := range names {
		r.enabled[name] = true
	}
	return nil
}

// Enabled returns the sorted names of the enabled plugins.
func (r *Registry) Enabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.enabled))
	for name := range r.enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) enabledPlugins() []Plugin {
	names := r.Enabled()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(names))
	for _, name := range names {
		out = append(out, r.plugins[name])
	}
	return out
}

// Initialize initializes every enabled plugin in name order and stops at
// the first failure.
func (r *Registry) Initialize(ctx context.Context, host Host) error {
	for _, p := range r.enabledPlugins() {
		if err := p.Initialize(ctx, host); err != nil {
			return fmt.Errorf("initialize plugin %s: %w", p.Name(), err)
		}
	}
	return nil
}

// RegisterRoutes mounts the routes of every enabled plugin on mux under
// /plugins/<name>.
func (r *Registry) RegisterRoutes(mux Router) {
	for _, p := range r.enabledPlugins() {
		p.RegisterRoutes(&prefixRouter{mux: mux, prefix: "/plugins/" + p.Name()})
	}
}

// prefixRouter mounts patterns under a fixed path prefix. A pattern may
// carry a method, as in "GET /stats".
type prefixRouter struct {
	mux    Router
	prefix string
}

func (p *prefixRouter) pattern(pattern string) string {
	method, path, ok := strings.Cut(pattern, " ")
	if !ok {
		return p.prefix + pattern
	}
	return method + " " + p.prefix + strings.TrimSpace(path)
}

func (p *prefixRouter) Handle(pattern string, handler http.Handler) {
	p.mux.Handle(p.pattern(pattern), handler)
}

func (p *prefixRouter) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	p.mux.HandleFunc(p.pattern(pattern), handler)
}
