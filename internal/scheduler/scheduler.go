// Package scheduler owns the single recurring sync job.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mediadigest/internal/config"
	"mediadigest/internal/engine"
	appLog "mediadigest/internal/log"
	"mediadigest/internal/model"
)

// CycleFunc runs one sync cycle. Scheduled firings and manual triggers
// call the same function.
type CycleFunc func(ctx context.Context, trigger engine.Trigger) model.SyncResult

// Status is what the trigger surface reports.
type Status struct {
	Enabled      bool       `json:"enabled"`
	Kind         string     `json:"kind"`
	Spec         string     `json:"spec,omitempty"`
	NextFireTime *time.Time `json:"next_fire_time,omitempty"`
}

// Scheduler holds at most one cron entry. Reconfigure is serialized by mu;
// a firing already in progress is never interrupted by it.
type Scheduler struct {
	run  CycleFunc
	loc  *time.Location
	now  func() time.Time
	cron *cron.Cron

	// jobCtx is handed to scheduled cycles; it is cancelled only when
	// Stop gives up waiting for them.
	jobCtx    context.Context
	cancelJob context.CancelFunc

	mu       sync.Mutex
	cfg      config.ScheduleConfig
	entry    cron.EntryID
	armed    bool
	spec     string
	schedule cron.Schedule
}

type Option func(*Scheduler)

// WithClock replaces time.Now for Status.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates an idle scheduler firing in loc.
func New(loc *time.Location, run CycleFunc, opts ...Option) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{run: run, loc: loc, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.jobCtx, s.cancelJob = context.WithCancel(context.Background())

	logger := cronLogger{}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	return s
}

// Spec returns the standard 5-field cron expression for cfg.
func Spec(cfg config.ScheduleConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	switch cfg.Kind {
	case config.ScheduleDaily:
		return fmt.Sprintf("%d %d * * *", cfg.Minute, cfg.Hour), nil
	default:
		switch cfg.IntervalHours {
		case 1:
			return "0 * * * *", nil
		case 24:
			return "0 0 * * *", nil
		default:
			return fmt.Sprintf("0 */%d * * *", cfg.IntervalHours), nil
		}
	}
}

// Reconfigure removes the current job, if any, and installs a new one when
// cfg is enabled. Calling it twice with the same config leaves one job.
// An enabled but invalid cfg is rejected and the current job is kept.
func (s *Scheduler) Reconfigure(cfg config.ScheduleConfig) error {
	var (
		spec  string
		sched cron.Schedule
	)
	if cfg.Enabled {
		var err error
		if spec, err = Spec(cfg); err != nil {
			return err
		}
		if sched, err = cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("parse schedule %q: %w", spec, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.armed {
		s.cron.Remove(s.entry)
		s.armed = false
		s.spec, s.schedule = "", nil
	}
	s.cfg = cfg

	if !cfg.Enabled {
		appLog.Info("schedule disabled")
		return nil
	}

	s.entry = s.cron.Schedule(sched, cron.FuncJob(s.fire))
	s.armed = true
	s.spec, s.schedule = spec, sched
	appLog.Info("schedule armed", "kind", cfg.Kind, "spec", spec, "timezone", s.loc.String(), "next", sched.Next(s.now().In(s.loc)))
	return nil
}

func (s *Scheduler) fire() {
	res := s.run(s.jobCtx, engine.TriggerSchedule)
	if !res.Success {
		appLog.Warn("scheduled sync failed", "err", res.Error)
	}
}

// ManualTrigger runs a cycle on the caller's goroutine. It neither adds a
// job nor changes the schedule, and may overlap a scheduled firing.
func (s *Scheduler) ManualTrigger(ctx context.Context) model.SyncResult {
	return s.run(ctx, engine.TriggerManual)
}

// Status reports the armed state and the next firing time.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Enabled: s.armed, Kind: s.cfg.Kind, Spec: s.spec}
	if s.armed {
		next := s.schedule.Next(s.now().In(s.loc))
		st.NextFireTime = &next
	}
	return st
}

// Config returns the schedule last passed to Reconfigure.
func (s *Scheduler) Config() config.ScheduleConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// JobCount is the number of installed recurring jobs: 0 or 1.
func (s *Scheduler) JobCount() int {
	return len(s.cron.Entries())
}

// Start runs the cron loop in the background. It is a no-op if already
// started.
func (s *Scheduler) Start() {
	s.cron.Start()
	appLog.Info("scheduler started", "timezone", s.loc.String())
}

// Stop halts future firings and waits for running jobs until ctx is done,
// at which point their context is cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancelJob()
		appLog.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancelJob()
		appLog.Warn("scheduler stopped before running jobs finished")
		return ctx.Err()
	}
}

// cronLogger routes cron's own logging into the app log. Its Info lines
// (every wake-up) are debug noise here.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}
