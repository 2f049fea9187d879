package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Stats counts what a job has done so far.
type Stats struct {
	Runs     int64
	Skips    int64
	Failures int64
}

// Job is a live scheduled job.
type Job struct {
	name     string
	interval time.Duration
	action   Action
	sched    *Scheduler

	stop     chan struct{}
	stopOnce sync.Once

	// mu orders tick against Cancel: once stopped is set no run starts.
	mu      sync.Mutex
	stopped bool

	running  atomic.Bool
	runs     atomic.Int64
	skips    atomic.Int64
	failures atomic.Int64
}

// Name returns the job name.
func (j *Job) Name() string { return j.name }

// Interval returns the tick interval.
func (j *Job) Interval() time.Duration { return j.interval }

// Stats returns a snapshot of the job counters.
func (j *Job) Stats() Stats {
	return Stats{
		Runs:     j.runs.Load(),
		Skips:    j.skips.Load(),
		Failures: j.failures.Load(),
	}
}

// Cancel stops future ticks and frees the name for reuse. No run starts
// after Cancel returns; a run already in progress is allowed to finish.
func (j *Job) Cancel() {
	j.sched.remove(j)
	j.halt()
}

func (j *Job) halt() {
	j.mu.Lock()
	j.stopped = true
	j.mu.Unlock()
	j.stopOnce.Do(func() { close(j.stop) })
}

func (j *Job) loop() {
	defer j.sched.loops.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.tick()
	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			select {
			case <-j.stop:
				return
			default:
			}
			j.tick()
		}
	}
}

func (j *Job) tick() {
	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		return
	}
	if !j.running.CompareAndSwap(false, true) {
		j.skips.Add(1)
		j.mu.Unlock()
		// Published unlocked so a listener may cancel the job.
		j.sched.log.Info("job skipped, previous run still in flight", "job", j.name)
		j.sched.publishSkipped(j.name)
		return
	}
	j.runs.Add(1)
	j.sched.inflight.Add(1)
	j.mu.Unlock()

	go func() {
		defer j.sched.inflight.Done()
		defer j.running.Store(false)
		j.run()
	}()
}

func (j *Job) run() {
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return j.action(j.sched.runCtx)
	}()

	if err != nil {
		j.failures.Add(1)
		j.sched.log.Error("job failed", "job", j.name, "error", err)
		return
	}
	j.sched.log.Debug("job finished", "job", j.name, "elapsed", time.Since(start))
}
