package irc

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry maps command codes to prototypes. It is built at startup and read
// concurrently by every session afterwards. Reads load an immutable snapshot
// and never take a lock; writers copy the table.
type Registry struct {
	mu    sync.Mutex // serializes writers
	table atomic.Pointer[map[string]Command]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]Command)
	r.table.Store(&empty)
	return r
}

// DefaultRegistry returns a registry holding every built-in command.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(
		&Nick{}, &User{}, &Pass{}, &Oper{},
		&Ping{}, &Pong{}, &Quit{},
		&Privmsg{}, &Notice{}, &Motd{},
	)
	return r
}

// Register adds a prototype keyed by its code. A code already present, in
// any case, yields *DuplicateCommandError and leaves the table unchanged.
func (r *Registry) Register(prototype Command) error {
	code := strings.ToUpper(prototype.Code())

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.table.Load()
	if _, exists := current[code]; exists {
		return &DuplicateCommandError{Code: code}
	}

	next := make(map[string]Command, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[code] = prototype
	r.table.Store(&next)
	return nil
}

// MustRegister registers prototypes and panics on a duplicate.
func (r *Registry) MustRegister(prototypes ...Command) {
	for _, p := range prototypes {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
}

// Lookup returns a fresh clone of the prototype registered for code.
func (r *Registry) Lookup(code string) (Command, bool) {
	proto, ok := (*r.table.Load())[strings.ToUpper(code)]
	if !ok {
		return nil, false
	}
	return proto.Clone(), true
}

// Codes returns the registered codes in sorted order.
func (r *Registry) Codes() []string {
	table := *r.table.Load()
	codes := make([]string, 0, len(table))
	for code := range table {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
