// Package script exposes Go functions to Lua scripts. Functions are listed
// explicitly in a Table, grouped by module; the Engine turns every module
// into a Lua global table.
package script

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Shopify/go-lua"
)

var (
	// ErrDuplicateFunction indicates a second registration of module.name.
	ErrDuplicateFunction = errors.New("script: function already registered")
	// ErrInvalidName indicates an empty module or function name.
	ErrInvalidName = errors.New("script: module and function names are required")
)

// Function is a Go function callable from Lua.
type Function = lua.Function

type entry struct {
	help string
	fn   Function
}

// Table is the explicit registry of script-visible functions.
type Table struct {
	mu      sync.RWMutex
	modules map[string]map[string]entry
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{modules: make(map[string]map[string]entry)}
}

// Register adds module.name. A duplicate leaves the existing entry intact.
func (t *Table) Register(module, name, help string, fn Function) error {
	if module == "" || name == "" || fn == nil {
		return ErrInvalidName
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	funcs, ok := t.modules[module]
	if !ok {
		funcs = make(map[string]entry)
		t.modules[module] = funcs
	}
	if _, dup := funcs[name]; dup {
		return fmt.Errorf("%w: %s.%s", ErrDuplicateFunction, module, name)
	}
	funcs[name] = entry{help: help, fn: fn}
	return nil
}

// Lookup returns module.name.
func (t *Table) Lookup(module, name string) (Function, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.modules[module][name]
	return e.fn, ok
}

// Help returns the help text of module.name.
func (t *Table) Help(module, name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.modules[module][name]
	return e.help, ok
}

// Modules returns the sorted module names.
func (t *Table) Modules() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.modules))
	for name := range t.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Functions returns the sorted function names of module.
func (t *Table) Functions(module string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	funcs := t.modules[module]
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// registryFunctions returns module's functions in go-lua form.
func (t *Table) registryFunctions(module string) []lua.RegistryFunction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	funcs := make([]lua.RegistryFunction, 0, len(t.modules[module]))
	for name, e := range t.modules[module] {
		funcs = append(funcs, lua.RegistryFunction{Name: name, Function: e.fn})
	}
	return funcs
}
