package script

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Shopify/go-lua"
)

// Engine runs Lua code against a Table. Every run gets a fresh interpreter,
// so scripts share no globals.
type Engine struct {
	table *Table
	log   *slog.Logger
}

// NewEngine creates an engine over table.
func NewEngine(table *Table, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{table: table, log: logger.With("component", "script")}
}

// newState builds an interpreter with the standard libraries, one global
// table per module and the help function.
func (e *Engine) newState() *lua.State {
	state := lua.NewState()
	lua.OpenLibraries(state)

	for _, module := range e.table.Modules() {
		state.NewTable()
		lua.SetFunctions(state, e.table.registryFunctions(module), 0)
		state.SetGlobal(module)
	}

	state.Register("help", e.help)
	return state
}

// help implements help([name]). With no argument it lists every module;
// with "module" it lists the module's functions; with "module.function" it
// returns that function's help text. Unknown names return nil.
func (e *Engine) help(state *lua.State) int {
	name := lua.OptString(state, 1, "")
	if name == "" {
		state.PushString(strings.Join(e.table.Modules(), "\n"))
		return 1
	}

	module, fn, qualified := strings.Cut(name, ".")
	if !qualified {
		funcs := e.table.Functions(module)
		if len(funcs) == 0 {
			state.PushNil()
			return 1
		}
		for i, f := range funcs {
			funcs[i] = module + "." + f
		}
		state.PushString(strings.Join(funcs, "\n"))
		return 1
	}

	text, ok := e.table.Help(module, fn)
	if !ok {
		state.PushNil()
		return 1
	}
	state.PushString(text)
	return 1
}

// RunString runs src. name labels log lines and errors.
func (e *Engine) RunString(ctx context.Context, name, src string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := lua.DoString(e.newState(), src); err != nil {
		return fmt.Errorf("script %s: %w", name, err)
	}
	e.log.Debug("script finished", "script", name)
	return nil
}

// RunFile runs the Lua file at path.
func (e *Engine) RunFile(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := lua.DoFile(e.newState(), path); err != nil {
		return fmt.Errorf("script %s: %w", path, err)
	}
	e.log.Debug("script finished", "script", path)
	return nil
}
