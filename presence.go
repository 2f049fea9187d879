package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/scalecode-solutions/mvirc/crypto"
	"github.com/scalecode-solutions/mvirc/irc"
	"github.com/scalecode-solutions/mvirc/signal"
	"github.com/scalecode-solutions/mvirc/store"
)

const (
	heartbeatJob = "presence-heartbeat"
	pruneJob     = "registrations-prune"

	pruneInterval = time.Hour
)

var errNoScheduler = errors.New("presence: no scheduler answered the job request")

// nickRefresher keeps this node's nick claims alive. *redis.Client
// satisfies it.
type nickRefresher interface {
	RefreshNicks(ctx context.Context, folded []string, ttl time.Duration) error
}

// PresenceConfig wires a PresenceManager. Store, Sealer and Nicks are each
// optional; the duties that need a missing one are skipped.
type PresenceConfig struct {
	Hub       *Hub
	Bus       *signal.Bus
	Store     store.Store
	Sealer    *crypto.Sealer
	Nicks     nickRefresher
	NodeID    string
	NickTTL   time.Duration
	Retention time.Duration
	Logger    *slog.Logger
}

// PresenceManager mirrors session lifecycle signals into the registration
// history and keeps cross-node nick claims fresh.
type PresenceManager struct {
	hub       *Hub
	bus       *signal.Bus
	db        store.Store
	sealer    *crypto.Sealer
	nicks     nickRefresher
	nodeID    string
	ttl       time.Duration
	retention time.Duration
	log       *slog.Logger

	mu   sync.Mutex
	regs map[string]uuid.UUID // session ID -> registration row
}

// NewPresenceManager creates a new presence manager.
func NewPresenceManager(cfg PresenceConfig) *PresenceManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceManager{
		hub:       cfg.Hub,
		bus:       cfg.Bus,
		db:        cfg.Store,
		sealer:    cfg.Sealer,
		nicks:     cfg.Nicks,
		nodeID:    cfg.NodeID,
		ttl:       cfg.NickTTL,
		retention: cfg.Retention,
		log:       logger.With("component", "presence"),
		regs:      make(map[string]uuid.UUID),
	}
}

// Start subscribes to session signals and asks the scheduler for the
// heartbeat and prune jobs.
func (p *PresenceManager) Start(ctx context.Context) error {
	signal.Listen(p.bus, p.onRegistered)
	signal.Listen(p.bus, p.onNickChanged)
	signal.Listen(p.bus, p.onClosed)

	if p.nicks != nil && p.ttl > 0 {
		if err := p.requestJob(ctx, heartbeatJob, p.ttl/2, p.heartbeat); err != nil {
			return err
		}
	}
	if p.db != nil && p.retention > 0 {
		if err := p.requestJob(ctx, pruneJob, pruneInterval, p.prune); err != nil {
			return err
		}
	}
	return nil
}

// requestJob publishes a JobRequested and waits for the scheduler's answer.
// Publish runs listeners inline, so the reply is ready when it returns.
func (p *PresenceManager) requestJob(ctx context.Context, name string, interval time.Duration, action func(context.Context) error) error {
	reply := make(chan signal.JobReply, 1)
	req := signal.JobRequested{Name: name, Interval: interval, Action: action, Reply: reply}
	if err := signal.Publish(ctx, p.bus, req); err != nil {
		return fmt.Errorf("request %s: %w", name, err)
	}
	select {
	case r := <-reply:
		if r.Err != nil {
			return fmt.Errorf("request %s: %w", name, r.Err)
		}
		return nil
	default:
		return fmt.Errorf("request %s: %w", name, errNoScheduler)
	}
}

func (p *PresenceManager) heartbeat(ctx context.Context) error {
	return p.nicks.RefreshNicks(ctx, p.hub.Nicks(), p.ttl)
}

func (p *PresenceManager) prune(ctx context.Context) error {
	n, err := p.db.PruneRegistrations(ctx, time.Now().Add(-p.retention))
	if err != nil {
		return err
	}
	if n > 0 {
		p.log.Info("pruned registrations", "count", n)
	}
	return nil
}

func (p *PresenceManager) onRegistered(ctx context.Context, ev signal.SessionRegistered) error {
	if p.db == nil {
		return nil
	}

	reg := &store.Registration{
		ID:           uuid.New(),
		SessionID:    ev.SessionID,
		Nick:         ev.Nick,
		NickFolded:   irc.CaseFold(ev.Nick),
		Username:     ev.Username,
		TLS:          ev.TLS,
		NodeID:       p.nodeID,
		RegisteredAt: ev.At,
	}
	if sess, ok := p.hub.Lookup(ev.SessionID); ok {
		reg.Account = sess.State().Account()
	}
	// Hostnames are only stored sealed; without a sealer they are not stored.
	if p.sealer != nil {
		sealed, err := p.sealer.Seal(ev.Hostname, reg.ID.String())
		if err != nil {
			return fmt.Errorf("seal hostname: %w", err)
		}
		reg.HostnameSealed = sealed
	}

	if err := p.db.RecordRegistration(ctx, reg); err != nil {
		return fmt.Errorf("record registration: %w", err)
	}

	p.mu.Lock()
	p.regs[ev.SessionID] = reg.ID
	p.mu.Unlock()
	return nil
}

func (p *PresenceManager) onNickChanged(ctx context.Context, ev signal.NickChanged) error {
	id, ok := p.registration(ev.SessionID, false)
	if !ok {
		return nil
	}
	if err := p.db.RenameRegistration(ctx, id, ev.New, irc.CaseFold(ev.New)); err != nil {
		return fmt.Errorf("rename registration: %w", err)
	}
	return nil
}

func (p *PresenceManager) onClosed(ctx context.Context, ev signal.SessionClosed) error {
	id, ok := p.registration(ev.SessionID, true)
	if !ok {
		return nil
	}
	if err := p.db.CloseRegistration(ctx, id, ev.Reason, ev.At); err != nil {
		return fmt.Errorf("close registration: %w", err)
	}
	return nil
}

func (p *PresenceManager) registration(sessionID string, remove bool) (uuid.UUID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.regs[sessionID]
	if ok && remove {
		delete(p.regs, sessionID)
	}
	return id, ok
}

// LastSeen returns the most recent registration for nick, or nil when
// history is disabled or the nick never registered.
func (p *PresenceManager) LastSeen(ctx context.Context, nick string) (*store.Registration, error) {
	if p.db == nil {
		return nil, nil
	}
	return p.db.LastSeen(ctx, irc.CaseFold(nick))
}

// Hostname opens the sealed hostname of reg.
func (p *PresenceManager) Hostname(reg *store.Registration) (string, error) {
	if p.sealer == nil || reg.HostnameSealed == "" {
		return "", nil
	}
	return p.sealer.Open(reg.HostnameSealed, reg.ID.String())
}
