// Package scheduler runs named recurring jobs. Each job has its own ticker
// goroutine; a tick that fires while the previous run is still in flight is
// skipped, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/scalecode-solutions/mvirc/signal"
)

// DefaultGracePeriod bounds how long Shutdown waits for in-flight actions.
const DefaultGracePeriod = 5 * time.Second

var (
	ErrDuplicateJob     = errors.New("scheduler: job already scheduled")
	ErrInvalidInterval  = errors.New("scheduler: interval must be positive")
	ErrShutdownTimeout  = errors.New("scheduler: in-flight jobs abandoned at shutdown")
	ErrClosed           = errors.New("scheduler: shut down")
	errMissingJobAction = errors.New("scheduler: job has no action")
)

// Action is the body of a job. ctx is cancelled when the scheduler gives up
// waiting at shutdown.
type Action func(ctx context.Context) error

// Options configures a Scheduler.
type Options struct {
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// Scheduler owns the live jobs.
type Scheduler struct {
	bus   *signal.Bus
	grace time.Duration
	log   *slog.Logger

	// runCtx is handed to every action; cancelled when shutdown gives up.
	runCtx    context.Context
	cancelRun context.CancelFunc

	mu     sync.Mutex
	jobs   map[string]*Job
	closed bool

	loops    sync.WaitGroup
	inflight sync.WaitGroup
}

// New creates a scheduler and subscribes it to signal.JobRequested on bus.
// bus may be nil, in which case jobs are only created via Schedule and no
// JobSkipped events are published.
func New(bus *signal.Bus, opts Options) *Scheduler {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		bus:       bus,
		grace:     opts.GracePeriod,
		log:       logger.With("component", "scheduler"),
		runCtx:    ctx,
		cancelRun: cancel,
		jobs:      make(map[string]*Job),
	}

	if bus != nil {
		signal.Listen(bus, s.onJobRequested)
	}
	return s
}

func (s *Scheduler) onJobRequested(ctx context.Context, req signal.JobRequested) error {
	job, err := s.Schedule(req.Name, req.Interval, req.Action)

	if req.Reply != nil {
		reply := signal.JobReply{Err: err}
		if job != nil {
			reply.Job = job
		}
		select {
		case req.Reply <- reply:
		default:
			s.log.Warn("job reply dropped, channel full", "job", req.Name)
		}
	}
	return err
}

// Schedule starts a job. The first run happens immediately, then once per
// interval.
func (s *Scheduler) Schedule(name string, interval time.Duration, action Action) (*Job, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %q has interval %s", ErrInvalidInterval, name, interval)
	}
	if action == nil {
		return nil, fmt.Errorf("%w: %q", errMissingJobAction, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if _, exists := s.jobs[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateJob, name)
	}

	job := &Job{
		name:     name,
		interval: interval,
		action:   action,
		sched:    s,
		stop:     make(chan struct{}),
	}
	s.jobs[name] = job

	s.loops.Add(1)
	go job.loop()

	s.log.Info("job scheduled", "job", name, "interval", interval)
	return job, nil
}

// Jobs returns the sorted names of live jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Job returns the live job named name.
func (s *Scheduler) Job(name string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	return job, ok
}

// Shutdown stops every job and waits for in-flight actions for at most the
// grace period or until ctx is done. When it gives up, actions see their
// context cancelled and ErrShutdownTimeout is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.jobs = make(map[string]*Job)
	s.mu.Unlock()

	for _, job := range jobs {
		job.halt()
	}
	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case <-done:
		s.cancelRun()
		s.log.Info("scheduler stopped", "jobs", len(jobs))
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.cancelRun()
	s.log.Warn("scheduler abandoned in-flight jobs", "grace", s.grace)
	return ErrShutdownTimeout
}

func (s *Scheduler) remove(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[job.name] == job {
		delete(s.jobs, job.name)
	}
}

func (s *Scheduler) publishSkipped(name string) {
	if s.bus == nil {
		return
	}
	_ = signal.Publish(s.runCtx, s.bus, signal.JobSkipped{Name: name, At: time.Now()})
}
