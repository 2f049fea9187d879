package script

import (
	"context"
	"log/slog"
	"time"

	"github.com/Shopify/go-lua"
)

// lastSeenTimeout bounds a server.lastseen lookup.
const lastSeenTimeout = 5 * time.Second

// Seen is what server.lastseen reports about a nick.
type Seen struct {
	Nick         string
	RegisteredAt time.Time
	ClosedAt     *time.Time
	Reason       string
}

// Server is the daemon state scripts may read, plus broadcast.
type Server interface {
	Name() string
	SessionCount() int
	RegisteredCount() int
	// Broadcast sends text as a server notice to every registered session
	// and returns how many received it.
	Broadcast(text string) int
	// LastSeen returns nil when nick has no history.
	LastSeen(ctx context.Context, nick string) (*Seen, error)
}

// RegisterServer adds the "server" module backed by srv.
func RegisterServer(t *Table, srv Server) error {
	funcs := []struct {
		name, help string
		fn         Function
	}{
		{"name", "server.name() -> string: this server's name", func(state *lua.State) int {
			state.PushString(srv.Name())
			return 1
		}},
		{"sessions", "server.sessions() -> int: connected sessions", func(state *lua.State) int {
			state.PushInteger(srv.SessionCount())
			return 1
		}},
		{"registered", "server.registered() -> int: sessions that completed registration", func(state *lua.State) int {
			state.PushInteger(srv.RegisteredCount())
			return 1
		}},
		{"broadcast", "server.broadcast(text) -> int: notice every registered session", func(state *lua.State) int {
			text := lua.CheckString(state, 1)
			state.PushInteger(srv.Broadcast(text))
			return 1
		}},
		{"lastseen", "server.lastseen(nick) -> table|nil: {nick, registered_at, closed_at, reason}", func(state *lua.State) int {
			nick := lua.CheckString(state, 1)
			ctx, cancel := context.WithTimeout(context.Background(), lastSeenTimeout)
			defer cancel()
			seen, err := srv.LastSeen(ctx, nick)
			if err != nil {
				lua.Errorf(state, "lastseen %s: %s", nick, err.Error())
				return 0
			}
			if seen == nil {
				state.PushNil()
				return 1
			}
			state.NewTable()
			state.PushString(seen.Nick)
			state.SetField(-2, "nick")
			state.PushInteger(int(seen.RegisteredAt.Unix()))
			state.SetField(-2, "registered_at")
			if seen.ClosedAt != nil {
				state.PushInteger(int(seen.ClosedAt.Unix()))
				state.SetField(-2, "closed_at")
			}
			state.PushString(seen.Reason)
			state.SetField(-2, "reason")
			return 1
		}},
	}
	for _, f := range funcs {
		if err := t.Register("server", f.name, f.help, f.fn); err != nil {
			return err
		}
	}
	return nil
}

// RegisterLog adds the "log" module writing to logger.
func RegisterLog(t *Table, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "script")

	if err := t.Register("log", "info", "log.info(msg): write msg at info level", func(state *lua.State) int {
		logger.Info(lua.CheckString(state, 1))
		return 0
	}); err != nil {
		return err
	}
	return t.Register("log", "warn", "log.warn(msg): write msg at warn level", func(state *lua.State) int {
		logger.Warn(lua.CheckString(state, 1))
		return 0
	})
}
