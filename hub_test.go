package main

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/scalecode-solutions/mvirc/redis"
	"github.com/scalecode-solutions/mvirc/signal"
)

// fakeDirectory is an in-memory nickDirectory.
type fakeDirectory struct {
	node     string
	claimErr error

	mu       sync.Mutex
	owners   map[string]string
	released []string
	relays   map[string][]redis.Relay
}

func newFakeDirectory(node string) *fakeDirectory {
	return &fakeDirectory{
		node:   node,
		owners: make(map[string]string),
		relays: make(map[string][]redis.Relay),
	}
}

func (d *fakeDirectory) NodeID() string { return d.node }

func (d *fakeDirectory) ClaimNick(ctx context.Context, folded string, ttl time.Duration) error {
	if d.claimErr != nil {
		return d.claimErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner, ok := d.owners[folded]; ok && owner != d.node {
		return redis.ErrNickTaken
	}
	d.owners[folded] = d.node
	return nil
}

func (d *fakeDirectory) ReleaseNick(ctx context.Context, folded string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owners[folded] == d.node {
		delete(d.owners, folded)
	}
	d.released = append(d.released, folded)
	return nil
}

func (d *fakeDirectory) NickOwner(ctx context.Context, folded string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owners[folded], nil
}

func (d *fakeDirectory) RelayTo(ctx context.Context, nodeID string, relay redis.Relay) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relays[nodeID] = append(d.relays[nodeID], relay)
	return nil
}

func (d *fakeDirectory) Released() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.released...)
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// registered returns a session that completed registration as nick.
func registered(t *testing.T, hub *Hub, id, nick string) *testSession {
	t.Helper()
	s := newTestSession(id)
	hub.addSession(s)
	if err := hub.ClaimNick(context.Background(), s, nick); err != nil {
		t.Fatalf("ClaimNick(%s): %v", nick, err)
	}
	s.State().SetNickname(nick)
	s.State().SetUser(nick, nick)
	return s
}

func TestHub_RegisterUnregister(t *testing.T) {
	bus := signal.New(signal.Options{})
	closed := make(chan signal.SessionClosed, 1)
	signal.Listen(bus, func(ctx context.Context, ev signal.SessionClosed) error {
		closed <- ev
		return nil
	})

	hub := NewHub(HubOptions{Bus: bus})
	go hub.Run()
	defer hub.Shutdown()

	s := newTestSession("s1")
	if err := hub.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := hub.Lookup("s1"); !ok {
		t.Fatal("session not found right after Register")
	}
	if err := hub.ClaimNick(context.Background(), s, "Bob"); err != nil {
		t.Fatalf("ClaimNick: %v", err)
	}
	s.State().SetNickname("Bob")
	s.State().SetUser("bob", "Bob")

	hub.Unregister(s, "Ping timeout")
	waitFor(t, "session removal", func() bool { return hub.SessionCount() == 0 })

	select {
	case ev := <-closed:
		if ev.SessionID != "s1" || ev.Nick != "Bob" || ev.Reason != "Ping timeout" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("SessionClosed not published")
	}
	if nicks := hub.Nicks(); len(nicks) != 0 {
		t.Errorf("nick still claimed: %v", nicks)
	}
}

func TestHub_UnregisterUnregisteredSession(t *testing.T) {
	bus := signal.New(signal.Options{})
	published := 0
	signal.Listen(bus, func(ctx context.Context, ev signal.SessionClosed) error {
		published++
		return nil
	})

	hub := NewHub(HubOptions{Bus: bus})
	go hub.Run()

	s := newTestSession("s1")
	if err := hub.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	hub.Unregister(s, "Client Quit")
	hub.Shutdown()

	if published != 0 {
		t.Errorf("SessionClosed published %d times for a session that never registered", published)
	}
}

func TestHub_ShutdownWaitsForCloseListeners(t *testing.T) {
	bus := signal.New(signal.Options{})
	var mu sync.Mutex
	finished := map[string]string{}
	signal.Listen(bus, func(ctx context.Context, ev signal.SessionClosed) error {
		// Stands in for a slow history write.
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		finished[ev.Nick] = ev.Reason
		mu.Unlock()
		return nil
	})

	dir := newFakeDirectory("node-a")
	hub := NewHub(HubOptions{Bus: bus, Directory: dir})
	go hub.Run()

	alice := registered(t, hub, "a", "alice")
	registered(t, hub, "b", "bob")
	hub.Unregister(alice, "Ping timeout")
	waitFor(t, "alice removal", func() bool { return hub.SessionCount() == 1 })
	hub.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	want := map[string]string{"alice": "Ping timeout", "bob": "Server shutting down"}
	if !reflect.DeepEqual(finished, want) {
		t.Errorf("finished listeners = %v, want %v", finished, want)
	}
	if got := len(dir.Released()); got != 2 {
		t.Errorf("released %d nicks before Shutdown returned, want 2", got)
	}
}

func TestHub_ShutdownWithoutRun(t *testing.T) {
	bus := signal.New(signal.Options{})
	closed := 0
	signal.Listen(bus, func(ctx context.Context, ev signal.SessionClosed) error {
		closed++
		return nil
	})

	hub := NewHub(HubOptions{Bus: bus})
	s := registered(t, hub, "b", "bob")
	hub.Shutdown()
	hub.Shutdown()

	if closed != 1 {
		t.Errorf("SessionClosed published %d times, want 1", closed)
	}
	if done, _ := s.Closed(); !done {
		t.Error("session left open")
	}
	// A late Run must not restart the loop.
	hub.Run()
	if err := hub.Register(newTestSession("late")); !errors.Is(err, ErrHubClosed) {
		t.Errorf("got %v, want ErrHubClosed", err)
	}
}

func TestHub_RegisterAfterShutdown(t *testing.T) {
	hub := NewHub(HubOptions{})
	go hub.Run()
	hub.Shutdown()
	hub.Shutdown()

	<-hub.done
	if err := hub.Register(newTestSession("late")); !errors.Is(err, ErrHubClosed) {
		t.Errorf("got %v, want ErrHubClosed", err)
	}
}

func TestHub_ShutdownClosesSessions(t *testing.T) {
	hub := NewHub(HubOptions{})
	go hub.Run()

	s := newTestSession("s1")
	if err := hub.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	hub.Shutdown()

	lines := s.Lines()
	if len(lines) != 1 || lines[0] != "ERROR :Closing Link: Server shutting down" {
		t.Errorf("lines = %v", lines)
	}
	if closed, reason := s.Closed(); !closed || reason != "Server shutting down" {
		t.Errorf("closed = %v, reason = %q", closed, reason)
	}
	if hub.SessionCount() != 0 {
		t.Errorf("SessionCount = %d", hub.SessionCount())
	}
}

func TestHub_ClaimNick(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory("node-a")
	hub := NewHub(HubOptions{Directory: dir})

	alice := newTestSession("a")
	bob := newTestSession("b")
	hub.addSession(alice)
	hub.addSession(bob)

	if err := hub.ClaimNick(ctx, alice, "Alice"); err != nil {
		t.Fatalf("ClaimNick: %v", err)
	}
	alice.State().SetNickname("Alice")

	if err := hub.ClaimNick(ctx, bob, "ALICE"); !errors.Is(err, ErrNickInUse) {
		t.Errorf("local conflict: got %v", err)
	}

	dir.owners["carol"] = "node-b"
	if err := hub.ClaimNick(ctx, bob, "Carol"); !errors.Is(err, ErrNickInUse) {
		t.Errorf("remote conflict: got %v", err)
	}

	// Changing nick drops the old claim here and in the directory.
	if err := hub.ClaimNick(ctx, alice, "Alicia"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got, want := hub.Nicks(), []string{"alicia"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Nicks = %v, want %v", got, want)
	}
	if got := dir.Released(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("released = %v", got)
	}
	if err := hub.ClaimNick(ctx, bob, "alice"); err != nil {
		t.Errorf("claiming released nick: %v", err)
	}
}

func TestHub_ClaimNickDirectoryDown(t *testing.T) {
	dir := newFakeDirectory("node-a")
	dir.claimErr = errors.New("connection refused")
	hub := NewHub(HubOptions{Directory: dir})

	s := newTestSession("s1")
	hub.addSession(s)
	if err := hub.ClaimNick(context.Background(), s, "bob"); err != nil {
		t.Fatalf("ClaimNick: %v", err)
	}
	if got := hub.Nicks(); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Errorf("Nicks = %v", got)
	}
}

func TestHub_Deliver(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory("node-a")
	hub := NewHub(HubOptions{Directory: dir})
	bob := registered(t, hub, "b", "Bob")
	dir.owners["dave"] = "node-b"
	dir.owners["ghost"] = "node-a"

	if err := hub.Deliver(ctx, "bob", ":x PRIVMSG Bob :local"); err != nil {
		t.Fatalf("local Deliver: %v", err)
	}
	if lines := bob.Lines(); len(lines) != 1 || lines[0] != ":x PRIVMSG Bob :local" {
		t.Errorf("bob got %v", lines)
	}

	if err := hub.Deliver(ctx, "Dave", ":x PRIVMSG Dave :remote"); err != nil {
		t.Fatalf("remote Deliver: %v", err)
	}
	want := []redis.Relay{{Target: "dave", Line: ":x PRIVMSG Dave :remote"}}
	if got := dir.relays["node-b"]; !reflect.DeepEqual(got, want) {
		t.Errorf("relays = %v, want %v", got, want)
	}

	for _, nick := range []string{"nobody", "ghost"} {
		if err := hub.Deliver(ctx, nick, "x"); !errors.Is(err, ErrNoSuchNick) {
			t.Errorf("Deliver(%s): got %v, want ErrNoSuchNick", nick, err)
		}
	}
}

func TestHub_DeliverWithoutDirectory(t *testing.T) {
	hub := NewHub(HubOptions{})
	if err := hub.Deliver(context.Background(), "bob", "x"); !errors.Is(err, ErrNoSuchNick) {
		t.Errorf("got %v, want ErrNoSuchNick", err)
	}
}

func TestHub_HandlePubSubMessage(t *testing.T) {
	hub := NewHub(HubOptions{})
	bob := registered(t, hub, "b", "bob")

	payload, err := json.Marshal(redis.Relay{Target: "bob", Line: ":dave!d@remote PRIVMSG bob :hello"})
	if err != nil {
		t.Fatal(err)
	}
	hub.HandlePubSubMessage(&redis.Message{Type: redis.TypeRelay, FromNode: "node-b", Payload: payload})
	hub.HandlePubSubMessage(&redis.Message{Type: "unknown", FromNode: "node-b", Payload: payload})

	lines := bob.Lines()
	if len(lines) != 1 || lines[0] != ":dave!d@remote PRIVMSG bob :hello" {
		t.Errorf("bob got %v", lines)
	}
}

func TestHub_BroadcastAndCounts(t *testing.T) {
	hub := NewHub(HubOptions{})
	alice := registered(t, hub, "a", "alice")
	bob := registered(t, hub, "b", "bob")
	pending := newTestSession("p")
	hub.addSession(pending)

	if n := hub.Broadcast("NOTICE * :maintenance"); n != 2 {
		t.Errorf("Broadcast reached %d sessions, want 2", n)
	}
	for _, s := range []*testSession{alice, bob} {
		if lines := s.Lines(); len(lines) != 1 {
			t.Errorf("%s got %v", s.ID(), lines)
		}
	}
	if lines := pending.Lines(); len(lines) != 0 {
		t.Errorf("unregistered session got %v", lines)
	}

	if hub.SessionCount() != 3 || hub.RegisteredCount() != 2 {
		t.Errorf("counts = %d/%d, want 3/2", hub.SessionCount(), hub.RegisteredCount())
	}
	if got := hub.Nicks(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Errorf("Nicks = %v", got)
	}
}

func TestHub_Send(t *testing.T) {
	hub := NewHub(HubOptions{})
	s := newTestSession("s1")
	hub.addSession(s)

	if err := hub.Send("s1", "PING :x"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := hub.Send("missing", "PING :x"); !errors.Is(err, ErrNoSuchSession) {
		t.Errorf("got %v, want ErrNoSuchSession", err)
	}
	if err := hub.SendToNick("nobody", "x"); !errors.Is(err, ErrNoSuchNick) {
		t.Errorf("got %v, want ErrNoSuchNick", err)
	}
	if lines := s.Lines(); len(lines) != 1 {
		t.Errorf("lines = %v", lines)
	}
}
