package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scalecode-solutions/mvirc/irc"
	"github.com/scalecode-solutions/mvirc/redis"
	"github.com/scalecode-solutions/mvirc/signal"
)

var (
	ErrNoSuchSession = errors.New("no such session")
	ErrNoSuchNick    = errors.New("no such nick")
	ErrNickInUse     = errors.New("nickname is already in use")
	ErrHubClosed     = errors.New("hub is shut down")
)

// nickDirectory is the cross-node nick ownership table. *redis.Client
// satisfies it; nil means this node is alone.
type nickDirectory interface {
	NodeID() string
	ClaimNick(ctx context.Context, folded string, ttl time.Duration) error
	ReleaseNick(ctx context.Context, folded string) error
	NickOwner(ctx context.Context, folded string) (string, error)
	RelayTo(ctx context.Context, nodeID string, relay redis.Relay) error
}

var _ nickDirectory = (*redis.Client)(nil)

type registerRequest struct {
	sess  SessionInterface
	added chan struct{}
}

type unregisterRequest struct {
	sess   SessionInterface
	reason string
}

// Hub maintains active sessions and routes lines between them.
type Hub struct {
	// Sessions indexed by session ID
	sessions map[string]SessionInterface
	// Session ID indexed by case-folded nick
	nicks map[string]string

	mu sync.RWMutex

	// Channels for session management
	register   chan registerRequest
	unregister chan unregisterRequest
	shutdown   chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	started    atomic.Bool

	// Close listeners and nick releases still running off the hub loop.
	pending sync.WaitGroup

	bus       *signal.Bus
	directory nickDirectory
	nickTTL   time.Duration
	log       *slog.Logger
}

// HubOptions configures a Hub. Every field is optional.
type HubOptions struct {
	Bus       *signal.Bus
	Directory nickDirectory
	NickTTL   time.Duration
	Logger    *slog.Logger
}

// NewHub creates a new Hub instance.
func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.NickTTL <= 0 {
		opts.NickTTL = 2 * time.Minute
	}
	return &Hub{
		sessions:   make(map[string]SessionInterface),
		nicks:      make(map[string]string),
		register:   make(chan registerRequest, 256),
		unregister: make(chan unregisterRequest, 256),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		bus:        opts.Bus,
		directory:  opts.Directory,
		nickTTL:    opts.NickTTL,
		log:        logger.With("component", "hub"),
	}
}

// Run starts the hub's main loop. Only the first call runs.
func (h *Hub) Run() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	defer close(h.done)
	for {
		select {
		case req := <-h.register:
			h.addSession(req.sess)
			close(req.added)

		case req := <-h.unregister:
			if closed := h.removeSession(req.sess, req.reason); closed != nil {
				h.pending.Add(1)
				go func() {
					defer h.pending.Done()
					h.publishClosed(*closed)
				}()
			}

		case <-h.shutdown:
			h.closeAllSessions()
			return
		}
	}
}

// Shutdown closes every session and returns once Run has stopped and every
// SessionClosed listener and nick release has finished, so backing services
// can be closed after it. Safe to call more than once.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.shutdown) })
	if h.started.CompareAndSwap(false, true) {
		// Run never started and now never will.
		h.closeAllSessions()
		close(h.done)
	} else {
		<-h.done
	}
	h.pending.Wait()
}

// Register adds a session to the hub and returns once Run has indexed it,
// so the first inbound line can already be dispatched.
func (h *Hub) Register(sess SessionInterface) error {
	req := registerRequest{sess: sess, added: make(chan struct{})}
	select {
	case h.register <- req:
	case <-h.done:
		return ErrHubClosed
	}
	select {
	case <-req.added:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// Unregister removes a session from the hub.
// Non-blocking: if buffer is full, spawns goroutine to retry.
func (h *Hub) Unregister(sess SessionInterface, reason string) {
	req := unregisterRequest{sess: sess, reason: reason}
	select {
	case h.unregister <- req:
	case <-h.done:
	default:
		// Buffer full - spawn goroutine to avoid blocking caller
		go func() {
			select {
			case h.unregister <- req:
			case <-h.done:
			}
		}()
	}
}

func (h *Hub) addSession(sess SessionInterface) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sess.ID()] = sess
}

// removeSession drops sess and its nick. It returns the SessionClosed event
// to publish, or nil when sess was unknown or never registered.
func (h *Hub) removeSession(sess SessionInterface, reason string) *signal.SessionClosed {
	st := sess.State()
	folded := irc.CaseFold(st.Nick())

	h.mu.Lock()
	if _, ok := h.sessions[sess.ID()]; !ok {
		h.mu.Unlock()
		return nil
	}
	delete(h.sessions, sess.ID())
	ownsNick := folded != "" && h.nicks[folded] == sess.ID()
	if ownsNick {
		delete(h.nicks, folded)
	}
	h.mu.Unlock()

	if ownsNick && h.directory != nil {
		h.pending.Add(1)
		go func() {
			defer h.pending.Done()
			h.releaseNick(folded)
		}()
	}

	if !st.Registered() || h.bus == nil {
		return nil
	}
	return &signal.SessionClosed{
		SessionID: sess.ID(),
		Nick:      st.Nick(),
		Reason:    reason,
		At:        time.Now(),
	}
}

func (h *Hub) publishClosed(closed signal.SessionClosed) {
	if err := signal.Publish(context.Background(), h.bus, closed); err != nil {
		h.log.Warn("session closed listeners failed", "session", closed.SessionID, "error", err)
	}
}

func (h *Hub) closeAllSessions() {
	h.mu.Lock()
	sessions := make([]SessionInterface, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()

	for _, sess := range sessions {
		sess.Send("ERROR :Closing Link: Server shutting down")
		sess.Close("Server shutting down")
		if closed := h.removeSession(sess, "Server shutting down"); closed != nil {
			h.publishClosed(*closed)
		}
	}
}

func (h *Hub) releaseNick(folded string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.directory.ReleaseNick(ctx, folded); err != nil {
		h.log.Warn("failed to release nick", "nick", folded, "error", err)
	}
}

// Lookup returns a session by ID.
func (h *Hub) Lookup(id string) (SessionInterface, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessions[id]
	return sess, ok
}

// ClaimNick reserves nick for sess and drops the nick sess held before.
// It fails with ErrNickInUse when another session here, or another node,
// holds the nick. An unreachable directory is logged and the claim stays
// local.
func (h *Hub) ClaimNick(ctx context.Context, sess SessionInterface, nick string) error {
	folded := irc.CaseFold(nick)
	if h.nickOwnedByOther(folded, sess.ID()) {
		return ErrNickInUse
	}

	if h.directory != nil {
		if err := h.directory.ClaimNick(ctx, folded, h.nickTTL); err != nil {
			if errors.Is(err, redis.ErrNickTaken) {
				return ErrNickInUse
			}
			h.log.Warn("nick directory unavailable, claiming locally", "nick", nick, "error", err)
		}
	}

	previous := irc.CaseFold(sess.State().Nick())

	h.mu.Lock()
	if owner, ok := h.nicks[folded]; ok && owner != sess.ID() {
		h.mu.Unlock()
		return ErrNickInUse
	}
	release := previous != "" && previous != folded && h.nicks[previous] == sess.ID()
	if release {
		delete(h.nicks, previous)
	}
	h.nicks[folded] = sess.ID()
	h.mu.Unlock()

	if release && h.directory != nil {
		if err := h.directory.ReleaseNick(ctx, previous); err != nil {
			h.log.Warn("failed to release nick", "nick", previous, "error", err)
		}
	}
	return nil
}

func (h *Hub) nickOwnedByOther(folded, sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	owner, ok := h.nicks[folded]
	return ok && owner != sessionID
}

// SessionByNick returns the registered session holding nick on this node.
func (h *Hub) SessionByNick(nick string) (SessionInterface, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessions[h.nicks[irc.CaseFold(nick)]]
	if !ok || !sess.State().Registered() {
		return nil, false
	}
	return sess, true
}

// Send queues line for one session.
func (h *Hub) Send(id, line string) error {
	sess, ok := h.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchSession, id)
	}
	sess.Send(line)
	return nil
}

// SendToNick delivers line to the registered session holding nick on this
// node.
func (h *Hub) SendToNick(nick, line string) error {
	sess, ok := h.SessionByNick(nick)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchNick, nick)
	}
	sess.Send(line)
	return nil
}

// Deliver sends line to nick on this node, or relays it through the
// directory to the node that owns nick.
func (h *Hub) Deliver(ctx context.Context, nick, line string) error {
	if err := h.SendToNick(nick, line); err == nil {
		return nil
	}
	if h.directory == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchNick, nick)
	}

	folded := irc.CaseFold(nick)
	owner, err := h.directory.NickOwner(ctx, folded)
	if err != nil {
		return fmt.Errorf("lookup nick owner: %w", err)
	}
	if owner == "" || owner == h.directory.NodeID() {
		return fmt.Errorf("%w: %s", ErrNoSuchNick, nick)
	}
	if err := h.directory.RelayTo(ctx, owner, redis.Relay{Target: folded, Line: line}); err != nil {
		return fmt.Errorf("relay to %s: %w", owner, err)
	}
	return nil
}

// HandlePubSubMessage handles lines relayed from other nodes.
func (h *Hub) HandlePubSubMessage(msg *redis.Message) {
	relay, err := redis.DecodeRelay(msg)
	if err != nil {
		h.log.Warn("dropping pub/sub message", "from", msg.FromNode, "error", err)
		return
	}
	if err := h.SendToNick(relay.Target, relay.Line); err != nil {
		h.log.Debug("relay target gone", "from", msg.FromNode, "nick", relay.Target)
	}
}

// Broadcast queues line for every registered session and returns how many
// received it.
func (h *Hub) Broadcast(line string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sess := range h.sessions {
		if sess.State().Registered() {
			sess.Send(line)
			n++
		}
	}
	return n
}

// SessionCount returns the total number of active sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RegisteredCount returns the number of sessions that completed registration.
func (h *Hub) RegisteredCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sess := range h.sessions {
		if sess.State().Registered() {
			n++
		}
	}
	return n
}

// Nicks returns the sorted case-folded nicks claimed on this node.
func (h *Hub) Nicks() []string {
	h.mu.RLock()
	nicks := make([]string, 0, len(h.nicks))
	for nick := range h.nicks {
		nicks = append(nicks, nick)
	}
	h.mu.RUnlock()
	sort.Strings(nicks)
	return nicks
}
