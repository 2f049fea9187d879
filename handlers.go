package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scalecode-solutions/mvirc/auth"
	"github.com/scalecode-solutions/mvirc/config"
	"github.com/scalecode-solutions/mvirc/irc"
	"github.com/scalecode-solutions/mvirc/signal"
)

// Handlers holds the per-command handlers and their dependencies.
type Handlers struct {
	cfg       *config.Config
	hub       *Hub
	bus       *signal.Bus
	auth      *auth.Auth
	operators *auth.Operators
	created   time.Time
	log       *slog.Logger
}

// NewHandlers creates a new Handlers instance. authService and operators may
// be nil, which rejects every PASS and OPER.
func NewHandlers(cfg *config.Config, hub *Hub, bus *signal.Bus, authService *auth.Auth, operators *auth.Operators, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		cfg:       cfg,
		hub:       hub,
		bus:       bus,
		auth:      authService,
		operators: operators,
		created:   time.Now(),
		log:       logger.With("component", "handlers"),
	}
}

// Install routes every built-in command on d.
func (h *Handlers) Install(d *Dispatcher) {
	// Registration
	d.Handle("PASS", false, h.handlePass)
	d.Handle("NICK", false, h.handleNick)
	d.Handle("USER", false, h.handleUser)
	d.Handle("PING", false, h.handlePing)
	d.Handle("PONG", false, h.handlePong)
	d.Handle("QUIT", false, h.handleQuit)

	// Registered only
	d.Handle("PRIVMSG", true, h.handlePrivmsg)
	d.Handle("NOTICE", true, h.handleNotice)
	d.Handle("MOTD", true, h.handleMotd)
	d.Handle("OPER", true, h.handleOper)
}

func (h *Handlers) server() string {
	return h.cfg.Server.Name
}

func (h *Handlers) reply(s SessionInterface, code int, params ...string) {
	s.Send(irc.Reply(h.server(), code, s.State().Nick(), params...).String())
}

// ============================================================================
// Registration
// ============================================================================

func (h *Handlers) handlePass(ctx context.Context, s SessionInterface, cmd irc.Command) error {
	c := cmd.(*irc.Pass)
	st := s.State()
	if st.Registered() {
		h.reply(s, irc.ErrAlreadyRegistered, "You may not reregister")
		return nil
	}
	if h.auth == nil {
		h.reply(s, irc.ErrPasswdMismatch, "Password incorrect")
		return nil
	}

	claims, err := h.auth.ValidateToken(c.Password)
	if err != nil {
		h.log.Debug("pass rejected", "session", s.ID(), "error", err)
		h.reply(s, irc.ErrPasswdMismatch, "Password incorrect")
		return nil
	}
	st.SetAccount(claims.Account)
	return nil
}

func (h *Handlers) handleNick(ctx context.Context, s SessionInterface, cmd irc.Command) error {
	c := cmd.(*irc.Nick)
	st := s.State()

	if !irc.ValidNick(c.Nickname, h.cfg.Limits.MaxNickLength) {
		h.reply(s, irc.ErrErroneousNickname, c.Nickname, "Erroneous nickname")
		return nil
	}
	old := st.Nick()
	if old == c.Nickname {
		return nil
	}
	oldMask := st.Hostmask()

	if err := h.hub.ClaimNick(ctx, s, c.Nickname); err != nil {
		if errors.Is(err, ErrNickInUse) {
			h.reply(s, irc.ErrNicknameInUse, c.Nickname, "Nickname is already in use")
			return nil
		}
		return err
	}

	_, completed := st.SetNickname(c.Nickname)
	if completed {
		return h.welcome(ctx, s)
	}
	if !st.Registered() {
		return nil
	}

	s.Send(irc.From(oldMask, &irc.Nick{Nickname: c.Nickname}))
	changed := signal.NickChanged{SessionID: s.ID(), Old: old, New: c.Nickname}
	if err := signal.Publish(ctx, h.bus, changed); err != nil {
		h.log.Warn("nick change listeners failed", "session", s.ID(), "error", err)
	}
	return nil
}

func (h *Handlers) handleUser(ctx context.Context, s SessionInterface, cmd irc.Command) error {
	c := cmd.(*irc.User)
	st := s.State()
	if st.Registered() {
		h.reply(s, irc.ErrAlreadyRegistered, "You may not reregister")
		return nil
	}
	if st.SetUser(c.Username, c.Realname) {
		return h.welcome(ctx, s)
	}
	return nil
}

// welcome sends the registration burst and announces the session.
func (h *Handlers) welcome(ctx context.Context, s SessionInterface) error {
	st := s.State()
	nick := st.Nick()

	h.reply(s, irc.RplWelcome, fmt.Sprintf("Welcome to the %s Internet Relay Network %s", h.cfg.Server.Network, st.Hostmask()))
	h.reply(s, irc.RplYourHost, fmt.Sprintf("Your host is %s, running version %s", h.server(), currentVersion))
	h.reply(s, irc.RplCreated, "This server was created "+h.created.UTC().Format(time.RFC1123))
	// 004 carries no trailing text.
	myInfo := &irc.Message{
		Prefix:  h.server(),
		Command: fmt.Sprintf("%03d", irc.RplMyInfo),
		Params:  []string{nick, h.server(), currentVersion, "o", "-"},
	}
	s.Send(myInfo.String())
	h.sendMotd(s)

	h.log.Info("session registered", "session", s.ID(), "nick", nick, "host", st.Hostname())
	registered := signal.SessionRegistered{
		SessionID: s.ID(),
		Nick:      nick,
		Username:  st.Username(),
		Hostname:  st.Hostname(),
		TLS:       st.TLS(),
		At:        time.Now(),
	}
	if err := signal.Publish(ctx, h.bus, registered); err != nil {
		h.log.Warn("registration listeners failed", "session", s.ID(), "error", err)
	}
	return nil
}

func (h *Handlers) sendMotd(s SessionInterface) {
	motd := strings.TrimRight(h.cfg.MOTD, "\n")
	if motd == "" {
		h.reply(s, irc.ErrNoMotd, "MOTD File is missing")
		return
	}
	h.reply(s, irc.RplMotdStart, fmt.Sprintf("- %s Message of the day - ", h.server()))
	for _, line := range strings.Split(motd, "\n") {
		h.reply(s, irc.RplMotd, "- "+strings.TrimRight(line, "\r"))
	}
	h.reply(s, irc.RplEndOfMotd, "End of MOTD command")
}

// ============================================================================
// Connection
// ============================================================================

func (h *Handlers) handlePing(ctx context.Context, s SessionInterface, cmd irc.Command) error {
	c := cmd.(*irc.Ping)
	s.Send(irc.From(h.server(), &irc.Pong{Server: h.server(), Token: c.Token}))
	return nil
}

// handlePong has nothing to do: any inbound line already pushed the read
// deadline forward.
func (h *Handlers) handlePong(ctx context.Context, s SessionInterface, cmd irc.Command) error {
	return nil
}

func (h *Handlers) handleQuit(ctx context.Context, s SessionInterface, cmd irc.Command) error {
	c := cmd.(*irc.Quit)
	reason := "Quit: " + c.Reason
	if c.Reason == "" {
		reason = "Client Quit"
	}
	s.Send(closingLink(s.State().Hostname(), reason))
	s.Close(reason)
	return errSessionClosed
}

// ============================================================================
// Messaging
// ============================================================================

func (h *Handlers) handlePrivmsg(ctx context.Context, s SessionInterface, cmd irc.Command) error {
	c := cmd.(*irc.Privmsg)
	err := h.hub.Deliver(ctx, c.Target, irc.From(s.State().Hostmask(), c))
	if errors.Is(err, ErrNoSuchNick) {
		h.reply(s, irc.ErrNoSuchNick, c.Target, "No such nick/channel")
		return nil
	}
	return err
}

// handleNotice never answers with an error, as RFC 2812 requires.
func (h *Handlers) handleNotice(ctx context.Context, s SessionInterface, cmd irc.Command) error {
	c := cmd.(*irc.Notice)
	err := h.hub.Deliver(ctx, c.Target, irc.From(s.State().Hostmask(), c))
	if errors.Is(err, ErrNoSuchNick) {
		return nil
	}
	return err
}

func (h *Handlers) handleMotd(ctx context.Context, s SessionInterface, cmd irc.Command) error {
	h.sendMotd(s)
	return nil
}

// ============================================================================
// Operators
// ============================================================================

func (h *Handlers) handleOper(ctx context.Context, s SessionInterface, cmd irc.Command) error {
	c := cmd.(*irc.Oper)
	if h.operators == nil || h.operators.Len() == 0 {
		h.reply(s, irc.ErrNoOperHost, "No O-lines for your host")
		return nil
	}
	if err := h.operators.Verify(c.Name, c.Password); err != nil {
		h.log.Info("oper failed", "session", s.ID(), "name", c.Name)
		h.reply(s, irc.ErrPasswdMismatch, "Password incorrect")
		return nil
	}
	s.State().SetOperator()
	h.log.Info("oper granted", "session", s.ID(), "name", c.Name)
	h.reply(s, irc.RplYoureOper, "You are now an IRC operator")
	return nil
}
