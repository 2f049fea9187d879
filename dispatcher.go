package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/scalecode-solutions/mvirc/irc"
	"github.com/scalecode-solutions/mvirc/ratelimit"
)

// errSessionClosed is returned by a handler that closed its session; the
// rest of the batch is dropped.
var errSessionClosed = errors.New("session closed")

// HandlerFunc handles one parsed command for a session.
type HandlerFunc func(ctx context.Context, s SessionInterface, cmd irc.Command) error

type route struct {
	fn                HandlerFunc
	needsRegistration bool
}

// Dispatcher turns inbound chunks into handler calls.
type Dispatcher struct {
	codec   *irc.Codec
	hub     *Hub
	limiter *ratelimit.Limiter
	server  string
	routes  map[string]route
	log     *slog.Logger
}

// NewDispatcher creates a dispatcher. limiter may be nil to disable flood
// control.
func NewDispatcher(codec *irc.Codec, hub *Hub, limiter *ratelimit.Limiter, server string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		codec:   codec,
		hub:     hub,
		limiter: limiter,
		server:  server,
		routes:  make(map[string]route),
		log:     logger.With("component", "dispatch"),
	}
}

// Handle routes code to fn. Routes are installed at startup, before any
// session connects.
func (d *Dispatcher) Handle(code string, needsRegistration bool, fn HandlerFunc) {
	d.routes[code] = route{fn: fn, needsRegistration: needsRegistration}
}

// HandleInbound parses chunk and runs each command for the session in
// order. Per-line failures are answered on the wire and never abort the
// batch. It returns an error only when the session is unknown.
func (d *Dispatcher) HandleInbound(ctx context.Context, sessionID, chunk string) error {
	sess, ok := d.hub.Lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchSession, sessionID)
	}
	state := sess.State()

	warned := false
	for _, dec := range d.codec.Decode(chunk) {
		if d.limiter != nil {
			switch d.limiter.Charge(sessionID) {
			case ratelimit.Drop:
				if !warned {
					sess.Send(irc.From(d.server, &irc.Notice{Target: nickOrStar(sess), Text: "Flood control: messages dropped"}))
					warned = true
				}
				d.log.Debug("line dropped by flood control", "session", sessionID)
				continue
			case ratelimit.Disconnect:
				d.log.Info("closing flooding session", "session", sessionID)
				sess.Send(closingLink(state.Hostname(), "Excess Flood"))
				sess.Close("Excess Flood")
				return nil
			}
		}

		if dec.Err != nil {
			d.reject(sess, dec.Err)
			continue
		}

		code := dec.Command.Code()
		rt, ok := d.routes[code]
		if !ok {
			d.log.Debug("no handler for command", "session", sessionID, "command", code)
			continue
		}
		if rt.needsRegistration {
			if err := state.Require(code); err != nil {
				sess.Send(d.numeric(sess, irc.ErrNotRegistered, "You have not registered"))
				continue
			}
		}

		if err := rt.fn(ctx, sess, dec.Command); err != nil {
			if errors.Is(err, errSessionClosed) {
				return nil
			}
			d.log.Warn("handler failed", "session", sessionID, "command", code, "error", err)
		}
	}
	return nil
}

// Forget drops per-session dispatch state.
func (d *Dispatcher) Forget(sessionID string) {
	if d.limiter != nil {
		d.limiter.Forget(sessionID)
	}
}

// reject answers a line that did not decode.
func (d *Dispatcher) reject(sess SessionInterface, err error) {
	var (
		unknown *irc.UnknownCommandError
		parse   *irc.ParseError
	)
	switch {
	case errors.As(err, &unknown):
		d.log.Debug("unknown command", "session", sess.ID(), "command", unknown.Code)
		// Unregistered clients get no 421.
		if sess.State().Registered() {
			sess.Send(d.numeric(sess, irc.ErrUnknownCommand, unknown.Code, "Unknown command"))
		}
	case errors.As(err, &parse):
		d.log.Debug("malformed command", "session", sess.ID(), "command", parse.Code, "reason", parse.Reason)
		switch parse.Code {
		case "":
		case "NICK":
			sess.Send(d.numeric(sess, irc.ErrNoNicknameGiven, "No nickname given"))
		case "PRIVMSG", "NOTICE":
			switch parse.Reason {
			case irc.ReasonNoRecipient:
				sess.Send(d.numeric(sess, irc.ErrNoRecipient, "No recipient given ("+parse.Code+")"))
			case irc.ReasonNoText:
				sess.Send(d.numeric(sess, irc.ErrNoTextToSend, "No text to send"))
			default:
				sess.Send(d.numeric(sess, irc.ErrNeedMoreParams, parse.Code, "Not enough parameters"))
			}
		default:
			sess.Send(d.numeric(sess, irc.ErrNeedMoreParams, parse.Code, "Not enough parameters"))
		}
	default:
		d.log.Warn("decode failed", "session", sess.ID(), "error", err)
	}
}

func (d *Dispatcher) numeric(sess SessionInterface, code int, params ...string) string {
	return irc.Reply(d.server, code, sess.State().Nick(), params...).String()
}

func nickOrStar(sess SessionInterface) string {
	if nick := sess.State().Nick(); nick != "" {
		return nick
	}
	return "*"
}

func closingLink(host, reason string) string {
	return fmt.Sprintf("ERROR :Closing Link: %s (%s)", host, reason)
}
