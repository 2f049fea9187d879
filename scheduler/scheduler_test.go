package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scalecode-solutions/mvirc/signal"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, bus *signal.Bus, grace time.Duration) *Scheduler {
	t.Helper()
	s := New(bus, Options{GracePeriod: grace, Logger: quietLogger()})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func TestSchedule_FirstRunImmediate(t *testing.T) {
	s := newTestScheduler(t, nil, time.Second)

	ran := make(chan struct{}, 1)
	_, err := s.Schedule("now", time.Hour, func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("first run did not happen at t=0")
	}
}

func TestSchedule_OverlapSkips(t *testing.T) {
	bus := signal.New(signal.Options{Logger: quietLogger()})
	var skipped atomic.Int64
	signal.Listen(bus, func(ctx context.Context, e signal.JobSkipped) error {
		if e.Name == "slow" {
			skipped.Add(1)
		}
		return nil
	})

	s := newTestScheduler(t, bus, time.Second)

	job, err := s.Schedule("slow", 100*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(250 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(450 * time.Millisecond)
	stats := job.Stats()

	if stats.Runs != 2 {
		t.Errorf("runs = %d, want 2", stats.Runs)
	}
	if stats.Skips < 2 {
		t.Errorf("skips = %d, want at least 2", stats.Skips)
	}
	if skipped.Load() != stats.Skips {
		t.Errorf("JobSkipped events = %d, skips = %d", skipped.Load(), stats.Skips)
	}
}

func TestSchedule_Duplicate(t *testing.T) {
	s := newTestScheduler(t, nil, time.Second)

	first, err := s.Schedule("dup", time.Hour, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Schedule("dup", time.Minute, func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}

	live, ok := s.Job("dup")
	if !ok || live != first {
		t.Error("original job replaced by duplicate")
	}
	if live.Interval() != time.Hour {
		t.Errorf("interval = %s, want 1h", live.Interval())
	}
}

func TestSchedule_InvalidInterval(t *testing.T) {
	s := newTestScheduler(t, nil, time.Second)

	for _, interval := range []time.Duration{0, -time.Second} {
		_, err := s.Schedule("bad", interval, func(ctx context.Context) error { return nil })
		if !errors.Is(err, ErrInvalidInterval) {
			t.Errorf("interval %s: expected ErrInvalidInterval, got %v", interval, err)
		}
	}
	if len(s.Jobs()) != 0 {
		t.Errorf("jobs = %v, want none", s.Jobs())
	}
}

func TestSchedule_FailuresKeepTicking(t *testing.T) {
	s := newTestScheduler(t, nil, time.Second)

	var calls atomic.Int64
	job, err := s.Schedule("flaky", 20*time.Millisecond, func(ctx context.Context) error {
		if calls.Add(1)%2 == 0 {
			panic("flaky job")
		}
		return errors.New("always failing")
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() < 4 {
		t.Fatalf("job stopped ticking after failures: %d calls", calls.Load())
	}
	if job.Stats().Failures < 3 {
		t.Errorf("failures = %d", job.Stats().Failures)
	}
}

func TestJob_CancelFreesName(t *testing.T) {
	s := newTestScheduler(t, nil, time.Second)

	var calls atomic.Int64
	job, err := s.Schedule("once", 20*time.Millisecond, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	job.Cancel()
	job.Cancel()
	after := calls.Load()
	time.Sleep(80 * time.Millisecond)

	if calls.Load() > after+1 {
		t.Errorf("job kept running after cancel: %d -> %d", after, calls.Load())
	}
	if len(s.Jobs()) != 0 {
		t.Errorf("jobs = %v, want none", s.Jobs())
	}
	if _, err := s.Schedule("once", time.Hour, func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("name not reusable after cancel: %v", err)
	}
}

func TestJob_NoRunAfterCancel(t *testing.T) {
	s := newTestScheduler(t, nil, time.Second)

	jobs := make([]*Job, 0, 50)
	for i := 0; i < 50; i++ {
		job, err := s.Schedule(fmt.Sprintf("fast-%d", i), time.Millisecond, func(ctx context.Context) error {
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		jobs = append(jobs, job)
	}
	time.Sleep(5 * time.Millisecond)

	runs := make([]int64, len(jobs))
	for i, job := range jobs {
		job.Cancel()
		runs[i] = job.Stats().Runs
	}
	time.Sleep(20 * time.Millisecond)

	for i, job := range jobs {
		if got := job.Stats().Runs; got != runs[i] {
			t.Errorf("%s ran after Cancel returned: %d -> %d", job.Name(), runs[i], got)
		}
	}
}

func TestJob_CancelFromSkipListener(t *testing.T) {
	bus := signal.New(signal.Options{Logger: quietLogger()})
	s := newTestScheduler(t, bus, time.Second)

	release := make(chan struct{})
	defer close(release)
	job, err := s.Schedule("slow", 5*time.Millisecond, func(ctx context.Context) error {
		<-release
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	cancelled := make(chan struct{})
	signal.Listen(bus, func(ctx context.Context, ev signal.JobSkipped) error {
		if ev.Name == "slow" {
			job.Cancel()
			select {
			case <-cancelled:
			default:
				close(cancelled)
			}
		}
		return nil
	})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("skip listener never ran")
	}
	if _, ok := s.Job("slow"); ok {
		t.Error("job still live after Cancel")
	}
}

func TestJobs_Sorted(t *testing.T) {
	s := newTestScheduler(t, nil, time.Second)
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if _, err := s.Schedule(name, time.Hour, func(ctx context.Context) error { return nil }); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"alpha", "bravo", "charlie"}
	if got := s.Jobs(); !reflect.DeepEqual(got, want) {
		t.Errorf("Jobs() = %v, want %v", got, want)
	}
}

func TestShutdown_WaitsForInflight(t *testing.T) {
	s := New(nil, Options{GracePeriod: time.Second, Logger: quietLogger()})

	finished := make(chan struct{})
	started := make(chan struct{})
	_, err := s.Schedule("short", time.Hour, func(ctx context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		close(finished)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown = %v", err)
	}
	select {
	case <-finished:
	default:
		t.Error("Shutdown returned before in-flight action finished")
	}

	if _, err := s.Schedule("late", time.Hour, func(ctx context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Schedule after shutdown = %v, want ErrClosed", err)
	}
}

func TestShutdown_GraceExceeded(t *testing.T) {
	s := New(nil, Options{GracePeriod: 50 * time.Millisecond, Logger: quietLogger()})

	started := make(chan struct{})
	cancelled := make(chan struct{})
	_, err := s.Schedule("stuck", time.Hour, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if err := s.Shutdown(context.Background()); !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("Shutdown = %v, want ErrShutdownTimeout", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("action context not cancelled after grace period")
	}
}

func TestJobRequested_ViaBus(t *testing.T) {
	bus := signal.New(signal.Options{Logger: quietLogger()})
	s := newTestScheduler(t, bus, time.Second)

	reply := make(chan signal.JobReply, 1)
	err := signal.Publish(context.Background(), bus, signal.JobRequested{
		Name:     "from-bus",
		Interval: time.Hour,
		Action:   func(ctx context.Context) error { return nil },
		Reply:    reply,
	})
	if err != nil {
		t.Fatal(err)
	}

	r := <-reply
	if r.Err != nil || r.Job == nil || r.Job.Name() != "from-bus" {
		t.Fatalf("reply = %+v", r)
	}
	if !reflect.DeepEqual(s.Jobs(), []string{"from-bus"}) {
		t.Errorf("Jobs() = %v", s.Jobs())
	}

	dupReply := make(chan signal.JobReply, 1)
	_ = signal.Publish(context.Background(), bus, signal.JobRequested{
		Name:     "from-bus",
		Interval: time.Hour,
		Action:   func(ctx context.Context) error { return nil },
		Reply:    dupReply,
	})
	r = <-dupReply
	if !errors.Is(r.Err, ErrDuplicateJob) {
		t.Errorf("duplicate reply err = %v", r.Err)
	}
	if r.Job != nil {
		t.Errorf("duplicate reply carries a job: %#v", r.Job)
	}
}
