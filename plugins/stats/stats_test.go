package stats

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scalecode-solutions/mvirc/plugin"
	"github.com/scalecode-solutions/mvirc/scheduler"
	"github.com/scalecode-solutions/mvirc/signal"
)

type testHost struct {
	bus      *signal.Bus
	settings map[string]string
}

func (h *testHost) Bus() *signal.Bus     { return h.bus }
func (h *testHost) SessionCount() int    { return 3 }
func (h *testHost) RegisteredCount() int { return 2 }

func (h *testHost) Settings(name string) map[string]string {
	if h.settings == nil {
		return map[string]string{}
	}
	return h.settings
}

func newTestScheduler(t *testing.T, bus *signal.Bus) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(bus, scheduler.Options{GracePeriod: time.Second})
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func TestInitialize_SchedulesReport(t *testing.T) {
	bus := signal.New(signal.Options{})
	sched := newTestScheduler(t, bus)

	p := New(nil)
	host := &testHost{bus: bus, settings: map[string]string{"interval": "1h"}}
	if err := p.Initialize(context.Background(), host); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	job, ok := sched.Job("stats-report")
	if !ok {
		t.Fatalf("stats-report not scheduled, jobs = %v", sched.Jobs())
	}
	if job.Interval() != time.Hour {
		t.Errorf("interval = %v, want 1h", job.Interval())
	}
}

func TestInitialize_Errors(t *testing.T) {
	t.Run("no scheduler", func(t *testing.T) {
		p := New(nil)
		err := p.Initialize(context.Background(), &testHost{bus: signal.New(signal.Options{})})
		if !errors.Is(err, errNoScheduler) {
			t.Errorf("got %v, want errNoScheduler", err)
		}
	})

	t.Run("bad interval", func(t *testing.T) {
		bus := signal.New(signal.Options{})
		newTestScheduler(t, bus)
		p := New(nil)
		err := p.Initialize(context.Background(), &testHost{bus: bus, settings: map[string]string{"interval": "soon"}})
		if err == nil {
			t.Error("expected error for bad interval")
		}
	})
}

func TestStatsRoute(t *testing.T) {
	bus := signal.New(signal.Options{})
	newTestScheduler(t, bus)

	p := New(nil)
	reg := plugin.NewRegistry()
	reg.Register(p)
	reg.Enable(Name)
	if err := reg.Initialize(context.Background(), &testHost{bus: bus}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx := context.Background()
	signal.Publish(ctx, bus, signal.SessionRegistered{SessionID: "a", Nick: "alice"})
	signal.Publish(ctx, bus, signal.SessionRegistered{SessionID: "b", Nick: "bob"})
	signal.Publish(ctx, bus, signal.SessionClosed{SessionID: "a", Nick: "alice"})

	mux := http.NewServeMux()
	reg.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plugins/stats/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var got Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Snapshot{Sessions: 3, Registered: 2, Registrations: 2, Closed: 1}
	if got != want {
		t.Errorf("snapshot = %+v, want %+v", got, want)
	}
}
