// Package engine runs one sync cycle: fetch from both connectors, render,
// write, publish. The scheduler, the HTTP trigger and the CLI all call
// RunSyncCycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"mediadigest/internal/config"
	"mediadigest/internal/connector"
	appLog "mediadigest/internal/log"
	"mediadigest/internal/model"
	"mediadigest/internal/plex"
	"mediadigest/internal/publish"
	"mediadigest/internal/report"
	"mediadigest/internal/sonarr"
	"mediadigest/internal/syncerr"
)

// LibrarySource lists recently added library items.
type LibrarySource interface {
	Name() string
	FetchRecentItems(ctx context.Context, since time.Duration) (movies, shows []model.MediaItem, err error)
	TestConnection(ctx context.Context) error
}

// CalendarSource lists upcoming episodes with series titles resolved.
type CalendarSource interface {
	Name() string
	FetchUpcoming(ctx context.Context, daysAhead int) ([]model.ScheduledEpisode, error)
	TestConnection(ctx context.Context) error
}

// Publisher pushes artifacts to a remote store.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, artifacts []report.Artifact) publish.Results
	TestConnection(ctx context.Context) error
}

// Trigger names what started a cycle; it is logged on every line.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerCLI      Trigger = "cli"
)

// CycleOptions tunes one cycle. Zero Lookback/Lookahead take the
// configured values.
type CycleOptions struct {
	Lookback  int
	Lookahead int
	// FailFast turns any connector failure into a failed cycle instead of
	// an empty section.
	FailFast bool
	Trigger  Trigger
}

type Engine struct {
	library   LibrarySource
	calendar  CalendarSource
	publisher Publisher
	renderer  *report.Renderer
	fs        afero.Fs

	format    config.OutputFormat
	lookback  int
	lookahead int
}

type Option func(*Engine)

func WithLibrary(s LibrarySource) Option { return func(e *Engine) { e.library = s } }

func WithCalendar(s CalendarSource) Option { return func(e *Engine) { e.calendar = s } }

// WithPublisher replaces the publisher; nil disables publishing.
func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }

func WithRenderer(r *report.Renderer) Option { return func(e *Engine) { e.renderer = r } }

// WithFs replaces the filesystem reports are written to.
func WithFs(fs afero.Fs) Option { return func(e *Engine) { e.fs = fs } }

// New wires the connectors, renderer and (if enabled) publisher from cfg.
func New(cfg *config.Config, opts ...Option) *Engine {
	copts := connector.Options{
		Timeout:  cfg.RequestTimeout(),
		Attempts: cfg.RetryAttempts,
	}
	loc := cfg.Location()

	e := &Engine{
		library:   plex.New(cfg.Plex, copts),
		calendar:  sonarr.New(cfg.Sonarr, copts, sonarr.WithLocation(loc)),
		renderer:  report.New(loc),
		fs:        afero.NewOsFs(),
		format:    cfg.Output,
		lookback:  cfg.Sync.LookbackDays,
		lookahead: cfg.Sync.LookaheadDays,
	}
	if cfg.Publish.Enabled {
		e.publisher = publish.New(cfg.Publish, copts)
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RunSyncCycle never returns an error; every outcome is folded into the
// result. A missing credential, a render or write failure, or (with
// FailFast) any connector failure makes Success false. A publish failure
// only clears Published.
func (e *Engine) RunSyncCycle(ctx context.Context, o CycleOptions) model.SyncResult {
	lookback := clampDays(o.Lookback, e.lookback)
	lookahead := clampDays(o.Lookahead, e.lookahead)
	if o.Trigger == "" {
		o.Trigger = TriggerManual
	}
	kv := []any{"run_id", uuid.NewString(), "trigger", o.Trigger}
	started := time.Now()

	appLog.Info("sync cycle started", append(kv, "lookback_days", lookback, "lookahead_days", lookahead, "fail_fast", o.FailFast)...)

	fail := func(stage string, err error) model.SyncResult {
		appLog.Error("sync cycle failed", err, append(kv, "stage", stage, "kind", syncerr.KindOf(err), "took", time.Since(started))...)
		return model.Failed(err)
	}

	var (
		movies, shows  []model.MediaItem
		scheduled      []model.ScheduledEpisode
		libErr, calErr error
	)

	g, gctx := &errgroup.Group{}, ctx
	if o.FailFast {
		g, gctx = errgroup.WithContext(ctx)
	}
	g.Go(func() error {
		movies, shows, libErr = e.library.FetchRecentItems(gctx, time.Duration(lookback)*24*time.Hour)
		return failFastErr(o.FailFast, libErr)
	})
	g.Go(func() error {
		scheduled, calErr = e.calendar.FetchUpcoming(gctx, lookahead)
		return failFastErr(o.FailFast, calErr)
	})
	_ = g.Wait()

	// A missing credential is a configuration problem, not an outage.
	for _, err := range []error{libErr, calErr} {
		if errors.Is(err, syncerr.ErrNotConfigured) {
			return fail("fetch", err)
		}
	}
	if o.FailFast {
		if err := errors.Join(libErr, calErr); err != nil {
			return fail("fetch", err)
		}
	}
	if libErr != nil {
		appLog.Error("library fetch failed; sections will be empty", libErr, append(kv, "service", e.library.Name())...)
		movies, shows = nil, nil
	}
	if calErr != nil {
		appLog.Error("calendar fetch failed; schedule will be empty", calErr, append(kv, "service", e.calendar.Name())...)
		scheduled = nil
	}

	res := model.SyncResult{
		Success:        true,
		MoviesCount:    len(movies),
		ShowsCount:     len(shows),
		ScheduledCount: len(scheduled),
	}

	artifacts, err := e.renderer.Artifacts(movies, shows, scheduled, e.format)
	if err != nil {
		return fail("render", err)
	}
	for _, a := range artifacts {
		if err := report.Write(e.fs, a); err != nil {
			return fail("write", fmt.Errorf("write report: %w", err))
		}
		appLog.Info("report written", append(kv, "path", a.Path, "bytes", len(a.Content))...)
	}

	if e.publisher != nil {
		results := e.publisher.Publish(ctx, artifacts)
		ok := results.OK()
		res.Published = &ok
		if !ok {
			appLog.Warn("publish incomplete; local report kept", append(kv, "err", results.Err())...)
		}
	}

	appLog.Info("sync cycle finished", append(kv,
		"movies", res.MoviesCount,
		"shows", res.ShowsCount,
		"scheduled", res.ScheduledCount,
		"took", time.Since(started),
	)...)
	return res
}

func failFastErr(failFast bool, err error) error {
	if failFast {
		return err
	}
	return nil
}

func clampDays(v, fallback int) int {
	if v == 0 {
		v = fallback
	}
	return min(max(v, 1), 30)
}

// ConnectionStatus is the outcome of probing one service.
type ConnectionStatus struct {
	Service string `json:"service"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// TestConnections probes every configured service concurrently. The
// publisher is only probed when publishing is enabled.
func (e *Engine) TestConnections(ctx context.Context) []ConnectionStatus {
	type prober interface {
		Name() string
		TestConnection(ctx context.Context) error
	}
	probes := []prober{e.library, e.calendar}
	if e.publisher != nil {
		probes = append(probes, e.publisher)
	}

	out := make([]ConnectionStatus, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range probes {
		g.Go(func() error {
			st := ConnectionStatus{Service: p.Name(), OK: true}
			if err := p.TestConnection(gctx); err != nil {
				st.OK = false
				st.Error = err.Error()
				appLog.Warn("connection test failed", "service", p.Name(), "kind", syncerr.KindOf(err), "err", err)
			}
			out[i] = st
			return nil
		})
	}
	_ = g.Wait()
	return out
}
