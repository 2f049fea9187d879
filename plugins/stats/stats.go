// Package stats is a plugin that reports session counts: periodically in
// the log, and on demand as JSON.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/scalecode-solutions/mvirc/middleware"
	"github.com/scalecode-solutions/mvirc/plugin"
	"github.com/scalecode-solutions/mvirc/signal"
)

// Name is the plugin name used in plugins.enabled.
const Name = "stats"

const defaultInterval = time.Minute

var errNoScheduler = errors.New("stats: no scheduler answered the job request")

// Snapshot is the JSON body of GET /plugins/stats/stats.
type Snapshot struct {
	Sessions      int   `json:"sessions"`
	Registered    int   `json:"registered"`
	Registrations int64 `json:"registrationsTotal"`
	Closed        int64 `json:"closedTotal"`
	SkippedJobs   int64 `json:"skippedJobsTotal"`
}

// Plugin counts lifecycle signals and reports hub counts.
type Plugin struct {
	host plugin.Host
	log  *slog.Logger

	registrations atomic.Int64
	closed        atomic.Int64
	skipped       atomic.Int64
}

// New creates the plugin. logger may be nil.
func New(logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{log: logger.With("component", "plugin", "plugin", Name)}
}

func (p *Plugin) Name() string { return Name }

// Initialize subscribes to lifecycle signals and schedules the report job.
// The "interval" setting overrides the default of one minute.
func (p *Plugin) Initialize(ctx context.Context, host plugin.Host) error {
	p.host = host

	interval := defaultInterval
	if raw := host.Settings(Name)["interval"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("stats: invalid interval %q: %w", raw, err)
		}
		interval = d
	}

	bus := host.Bus()
	signal.Listen(bus, func(ctx context.Context, ev signal.SessionRegistered) error {
		p.registrations.Add(1)
		return nil
	})
	signal.Listen(bus, func(ctx context.Context, ev signal.SessionClosed) error {
		p.closed.Add(1)
		return nil
	})
	signal.Listen(bus, func(ctx context.Context, ev signal.JobSkipped) error {
		p.skipped.Add(1)
		return nil
	})

	reply := make(chan signal.JobReply, 1)
	if err := signal.Publish(ctx, bus, signal.JobRequested{
		Name:     "stats-report",
		Interval: interval,
		Action:   p.report,
		Reply:    reply,
	}); err != nil {
		return err
	}
	select {
	case r := <-reply:
		return r.Err
	default:
		return errNoScheduler
	}
}

// RegisterRoutes mounts GET /stats.
func (p *Plugin) RegisterRoutes(r plugin.Router) {
	r.HandleFunc("GET /stats", func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, p.Snapshot())
	})
}

// Snapshot returns the current counts.
func (p *Plugin) Snapshot() Snapshot {
	s := Snapshot{
		Registrations: p.registrations.Load(),
		Closed:        p.closed.Load(),
		SkippedJobs:   p.skipped.Load(),
	}
	if p.host != nil {
		s.Sessions = p.host.SessionCount()
		s.Registered = p.host.RegisteredCount()
	}
	return s
}

func (p *Plugin) report(ctx context.Context) error {
	s := p.Snapshot()
	p.log.Info("stats",
		"sessions", s.Sessions,
		"registered", s.Registered,
		"registrations_total", s.Registrations,
		"closed_total", s.Closed,
	)
	return nil
}
