package main

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/scalecode-solutions/mvirc/crypto"
	"github.com/scalecode-solutions/mvirc/scheduler"
	"github.com/scalecode-solutions/mvirc/signal"
	"github.com/scalecode-solutions/mvirc/store"
)

type refreshCall struct {
	nicks []string
	ttl   time.Duration
}

// fakeRefresher reports every RefreshNicks call on a channel.
type fakeRefresher struct {
	calls chan refreshCall
}

func (f *fakeRefresher) RefreshNicks(ctx context.Context, folded []string, ttl time.Duration) error {
	f.calls <- refreshCall{nicks: folded, ttl: ttl}
	return nil
}

func newTestScheduler(t *testing.T, bus *signal.Bus) *scheduler.Scheduler {
	t.Helper()
	sched := scheduler.New(bus, scheduler.Options{GracePeriod: time.Second})
	t.Cleanup(func() {
		if err := sched.Shutdown(context.Background()); err != nil {
			t.Errorf("scheduler shutdown: %v", err)
		}
	})
	return sched
}

func TestPresence_StartSchedulesJobs(t *testing.T) {
	bus := signal.New(signal.Options{})
	sched := newTestScheduler(t, bus)
	hub := NewHub(HubOptions{Bus: bus})
	registered(t, hub, "b", "Bob")
	registered(t, hub, "a", "alice")

	refresher := &fakeRefresher{calls: make(chan refreshCall, 4)}
	cutoffs := make(chan time.Time, 4)
	db := &store.MockStore{
		PruneRegistrationsFn: func(ctx context.Context, closedBefore time.Time) (int64, error) {
			cutoffs <- closedBefore
			return 3, nil
		},
	}

	p := NewPresenceManager(PresenceConfig{
		Hub:       hub,
		Bus:       bus,
		Store:     db,
		Nicks:     refresher,
		NickTTL:   time.Minute,
		Retention: 24 * time.Hour,
	})
	before := time.Now()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got, want := sched.Jobs(), []string{heartbeatJob, pruneJob}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Jobs = %v, want %v", got, want)
	}
	if job, _ := sched.Job(heartbeatJob); job.Interval() != 30*time.Second {
		t.Errorf("heartbeat interval = %s", job.Interval())
	}

	select {
	case call := <-refresher.calls:
		if !reflect.DeepEqual(call.nicks, []string{"alice", "bob"}) || call.ttl != time.Minute {
			t.Errorf("RefreshNicks(%v, %s)", call.nicks, call.ttl)
		}
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not run")
	}

	select {
	case cutoff := <-cutoffs:
		if want := before.Add(-24 * time.Hour); cutoff.Before(want) || cutoff.After(time.Now().Add(-24*time.Hour)) {
			t.Errorf("prune cutoff = %s, want about %s", cutoff, want)
		}
	case <-time.After(time.Second):
		t.Fatal("prune did not run")
	}
}

func TestPresence_StartWithoutBackends(t *testing.T) {
	bus := signal.New(signal.Options{})
	sched := newTestScheduler(t, bus)
	p := NewPresenceManager(PresenceConfig{Hub: NewHub(HubOptions{Bus: bus}), Bus: bus})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if jobs := sched.Jobs(); len(jobs) != 0 {
		t.Errorf("Jobs = %v, want none", jobs)
	}
}

func TestPresence_StartWithoutScheduler(t *testing.T) {
	bus := signal.New(signal.Options{})
	p := NewPresenceManager(PresenceConfig{
		Hub:     NewHub(HubOptions{Bus: bus}),
		Bus:     bus,
		Nicks:   &fakeRefresher{calls: make(chan refreshCall, 1)},
		NickTTL: time.Minute,
	})
	if err := p.Start(context.Background()); !errors.Is(err, errNoScheduler) {
		t.Errorf("got %v, want errNoScheduler", err)
	}
}

func TestPresence_RegistrationHistory(t *testing.T) {
	ctx := context.Background()
	bus := signal.New(signal.Options{})
	hub := NewHub(HubOptions{Bus: bus})
	sess := registered(t, hub, "s1", "bob")
	sess.State().SetAccount("bob-account")

	sealer, err := crypto.NewSealer("0123456789abcdef0123")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	var (
		recorded *store.Registration
		renamed  []string
		closedID uuid.UUID
		reason   string
	)
	db := &store.MockStore{
		RecordRegistrationFn: func(ctx context.Context, reg *store.Registration) error {
			recorded = reg
			return nil
		},
		RenameRegistrationFn: func(ctx context.Context, id uuid.UUID, nick, folded string) error {
			if id != recorded.ID {
				t.Errorf("rename id = %s, want %s", id, recorded.ID)
			}
			renamed = append(renamed, nick, folded)
			return nil
		},
		CloseRegistrationFn: func(ctx context.Context, id uuid.UUID, r string, at time.Time) error {
			closedID, reason = id, r
			return nil
		},
	}

	p := NewPresenceManager(PresenceConfig{Hub: hub, Bus: bus, Store: db, Sealer: sealer, NodeID: "node-a"})
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err = signal.Publish(ctx, bus, signal.SessionRegistered{
		SessionID: "s1", Nick: "bob", Username: "bob", Hostname: "host.example", TLS: true, At: at,
	})
	if err != nil {
		t.Fatalf("publish registered: %v", err)
	}
	if recorded == nil {
		t.Fatal("registration not recorded")
	}
	if recorded.Account != "bob-account" || recorded.NodeID != "node-a" || !recorded.TLS || !recorded.RegisteredAt.Equal(at) {
		t.Errorf("recorded = %+v", recorded)
	}
	if recorded.HostnameSealed == "" || recorded.HostnameSealed == "host.example" {
		t.Errorf("hostname not sealed: %q", recorded.HostnameSealed)
	}
	if host, err := p.Hostname(recorded); err != nil || host != "host.example" {
		t.Errorf("Hostname = %q, %v", host, err)
	}

	if err := signal.Publish(ctx, bus, signal.NickChanged{SessionID: "s1", Old: "bob", New: "Robert"}); err != nil {
		t.Fatalf("publish nick changed: %v", err)
	}
	if !reflect.DeepEqual(renamed, []string{"Robert", "robert"}) {
		t.Errorf("renamed = %v", renamed)
	}

	if err := signal.Publish(ctx, bus, signal.SessionClosed{SessionID: "s1", Nick: "Robert", Reason: "Quit: bye", At: at}); err != nil {
		t.Fatalf("publish closed: %v", err)
	}
	if closedID != recorded.ID || reason != "Quit: bye" {
		t.Errorf("closed %s with %q", closedID, reason)
	}

	// The row is forgotten once closed.
	closedID = uuid.Nil
	if err := signal.Publish(ctx, bus, signal.SessionClosed{SessionID: "s1", Reason: "again"}); err != nil {
		t.Fatalf("publish closed again: %v", err)
	}
	if closedID != uuid.Nil {
		t.Error("closed registration twice")
	}
}

func TestPresence_IgnoresUnknownSessions(t *testing.T) {
	ctx := context.Background()
	bus := signal.New(signal.Options{})
	calls := 0
	db := &store.MockStore{
		RenameRegistrationFn: func(ctx context.Context, id uuid.UUID, nick, folded string) error {
			calls++
			return nil
		},
	}
	p := NewPresenceManager(PresenceConfig{Hub: NewHub(HubOptions{Bus: bus}), Bus: bus, Store: db})
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := signal.Publish(ctx, bus, signal.NickChanged{SessionID: "ghost", Old: "a", New: "b"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if calls != 0 {
		t.Errorf("RenameRegistration called %d times", calls)
	}
}

func TestPresence_RecordFailure(t *testing.T) {
	ctx := context.Background()
	bus := signal.New(signal.Options{PropagateErrors: true})
	db := &store.MockStore{
		RecordRegistrationFn: func(ctx context.Context, reg *store.Registration) error {
			return errors.New("connection reset")
		},
	}
	p := NewPresenceManager(PresenceConfig{Hub: NewHub(HubOptions{Bus: bus}), Bus: bus, Store: db})
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := signal.Publish(ctx, bus, signal.SessionRegistered{SessionID: "s1", Nick: "bob", At: time.Now()})
	var le *signal.ListenerError
	if !errors.As(err, &le) {
		t.Fatalf("got %v, want *signal.ListenerError", err)
	}
}

func TestPresence_LastSeen(t *testing.T) {
	ctx := context.Background()
	bus := signal.New(signal.Options{})

	p := NewPresenceManager(PresenceConfig{Hub: NewHub(HubOptions{Bus: bus}), Bus: bus})
	if reg, err := p.LastSeen(ctx, "bob"); reg != nil || err != nil {
		t.Errorf("without store: %v, %v", reg, err)
	}

	var asked string
	db := &store.MockStore{
		LastSeenFn: func(ctx context.Context, folded string) (*store.Registration, error) {
			asked = folded
			return &store.Registration{Nick: "Bob[away]"}, nil
		},
	}
	p = NewPresenceManager(PresenceConfig{Hub: NewHub(HubOptions{Bus: bus}), Bus: bus, Store: db})
	reg, err := p.LastSeen(ctx, "Bob[Away]")
	if err != nil || reg == nil || reg.Nick != "Bob[away]" {
		t.Fatalf("LastSeen = %v, %v", reg, err)
	}
	if asked != "bob{away}" {
		t.Errorf("store asked for %q", asked)
	}
}
