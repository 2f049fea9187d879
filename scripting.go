package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scalecode-solutions/mvirc/config"
	"github.com/scalecode-solutions/mvirc/irc"
	"github.com/scalecode-solutions/mvirc/script"
	"github.com/scalecode-solutions/mvirc/signal"
)

// scriptServer is the daemon as the Lua "server" module sees it.
type scriptServer struct {
	name     string
	hub      *Hub
	presence *PresenceManager
}

var _ script.Server = (*scriptServer)(nil)

func (s *scriptServer) Name() string         { return s.name }
func (s *scriptServer) SessionCount() int    { return s.hub.SessionCount() }
func (s *scriptServer) RegisteredCount() int { return s.hub.RegisteredCount() }

func (s *scriptServer) Broadcast(text string) int {
	return s.hub.Broadcast(irc.From(s.name, &irc.Notice{Target: "*", Text: text}))
}

func (s *scriptServer) LastSeen(ctx context.Context, nick string) (*script.Seen, error) {
	reg, err := s.presence.LastSeen(ctx, nick)
	if err != nil || reg == nil {
		return nil, err
	}
	return &script.Seen{
		Nick:         reg.Nick,
		RegisteredAt: reg.RegisteredAt,
		ClosedAt:     reg.ClosedAt,
		Reason:       reg.QuitReason,
	}, nil
}

// newScriptEngine builds the engine with the server and log modules.
func newScriptEngine(srv script.Server, logger *slog.Logger) (*script.Engine, error) {
	table := script.NewTable()
	if err := script.RegisterServer(table, srv); err != nil {
		return nil, err
	}
	if err := script.RegisterLog(table, logger); err != nil {
		return nil, err
	}
	return script.NewEngine(table, logger), nil
}

// startScripts runs scripts without an interval once, and hands the rest to
// the scheduler, whose first run is immediate.
func startScripts(ctx context.Context, cfg *config.Config, engine *script.Engine, bus *signal.Bus) error {
	for _, s := range cfg.Scripts {
		path := cfg.Path(s.Path)
		if s.Interval <= 0 {
			if err := engine.RunFile(ctx, path); err != nil {
				return err
			}
			continue
		}

		reply := make(chan signal.JobReply, 1)
		if err := signal.Publish(ctx, bus, signal.JobRequested{
			Name:     "script:" + s.Path,
			Interval: s.Interval,
			Action:   func(ctx context.Context) error { return engine.RunFile(ctx, path) },
			Reply:    reply,
		}); err != nil {
			return err
		}
		select {
		case r := <-reply:
			if r.Err != nil {
				return fmt.Errorf("schedule %s: %w", s.Path, r.Err)
			}
		default:
			return fmt.Errorf("schedule %s: no scheduler", s.Path)
		}
	}
	return nil
}
