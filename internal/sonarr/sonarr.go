// Package sonarr is the calendar connector. It reads upcoming episodes
// from Sonarr's v3 API in two phases: the series directory once per
// cycle, then the calendar window, resolving each entry's series title
// from the directory instead of asking for per-episode details.
package sonarr

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"mediadigest/internal/config"
	"mediadigest/internal/connector"
	appLog "mediadigest/internal/log"
	"mediadigest/internal/model"
	"mediadigest/internal/syncerr"
)

const (
	serviceName = "sonarr"

	statusPath   = "/api/v3/system/status"
	seriesPath   = "/api/v3/series"
	calendarPath = "/api/v3/calendar"

	dateLayout = "2006-01-02"
)

// SeriesInfo is the part of a series record the report uses.
type SeriesInfo struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	Year    int    `json:"year"`
	Network string `json:"network"`
}

// Directory maps series id to its descriptive fields.
type Directory map[int]SeriesInfo

type calendarEntry struct {
	ID            int    `json:"id"`
	SeriesID      *int   `json:"seriesId"`
	Title         string `json:"title"`
	SeasonNumber  *int   `json:"seasonNumber"`
	EpisodeNumber *int   `json:"episodeNumber"`
	AirDate       string `json:"airDate"`
	AirDateUTC    string `json:"airDateUtc"`
	Overview      string `json:"overview"`
	HasFile       bool   `json:"hasFile"`
	Monitored     bool   `json:"monitored"`
}

// Connector talks to one Sonarr instance with a static API key.
type Connector struct {
	cfg  config.SonarrConfig
	opts connector.Options
	loc  *time.Location
	now  func() time.Time

	once      sync.Once
	client    *connector.Client
	clientErr error
}

// Option configures a Connector.
type Option func(*Connector)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Connector) { c.now = now }
}

// WithLocation sets the zone that defines "today" and air days.
func WithLocation(loc *time.Location) Option {
	return func(c *Connector) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// New returns a Connector. Missing URL or API key is reported on first use.
func New(cfg config.SonarrConfig, opts connector.Options, options ...Option) *Connector {
	c := &Connector{cfg: cfg, opts: opts, loc: time.UTC, now: time.Now}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Connector) Name() string { return serviceName }

func (c *Connector) ready() (*connector.Client, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return nil, syncerr.NotConfigured(serviceName, "url")
	}
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, syncerr.NotConfigured(serviceName, "api key")
	}
	c.once.Do(func() {
		headers := http.Header{}
		headers.Set("X-Api-Key", c.cfg.APIKey)
		headers.Set("Accept", "application/json")
		c.client, c.clientErr = connector.New(serviceName, c.cfg.URL, headers, c.opts)
		if c.clientErr != nil {
			c.clientErr = &syncerr.Error{Kind: syncerr.KindNotConfigured, Service: serviceName, Err: c.clientErr}
		}
	})
	return c.client, c.clientErr
}

// TestConnection probes the system status endpoint.
func (c *Connector) TestConnection(ctx context.Context) error {
	cl, err := c.ready()
	if err != nil {
		return err
	}
	if _, err := cl.Get(ctx, statusPath, nil, nil); err != nil {
		return err
	}
	appLog.Info("sonarr connection successful")
	return nil
}

// FetchSeriesDirectory is phase one: every series keyed by id.
func (c *Connector) FetchSeriesDirectory(ctx context.Context) (Directory, error) {
	cl, err := c.ready()
	if err != nil {
		return nil, err
	}
	resp, err := cl.Get(ctx, seriesPath, nil, nil)
	if err != nil {
		return nil, err
	}

	var series []SeriesInfo
	if err := json.Unmarshal(resp.Body, &series); err != nil {
		return nil, syncerr.Malformed(serviceName, seriesPath, err)
	}

	dir := make(Directory, len(series))
	for _, s := range series {
		dir[s.ID] = s
	}
	return dir, nil
}

// FetchUpcoming returns episodes airing from today (in the connector's
// zone) through daysAhead-1 days later; daysAhead=1 means today only.
//
// If the series directory cannot be fetched the calendar is still
// returned, with every series title set to model.UnknownSeries.
func (c *Connector) FetchUpcoming(ctx context.Context, daysAhead int) ([]model.ScheduledEpisode, error) {
	cl, err := c.ready()
	if err != nil {
		return nil, err
	}
	if daysAhead < 1 {
		daysAhead = 1
	}

	dir, err := c.FetchSeriesDirectory(ctx)
	if err != nil {
		appLog.Error("sonarr series directory unavailable; titles will be unknown", err, "endpoint", seriesPath)
		dir = Directory{}
	}

	now := c.now().In(c.loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
	end := start.AddDate(0, 0, daysAhead)

	entries, err := c.fetchCalendar(ctx, cl, start, end)
	if err != nil {
		return nil, err
	}

	out := make([]model.ScheduledEpisode, 0, len(entries))
	for _, e := range entries {
		ep, err := c.toEpisode(e, dir)
		if err != nil {
			appLog.Warn("sonarr calendar entry skipped", "episode_id", e.ID, "err", syncerr.Malformed(serviceName, calendarPath, err))
			continue
		}
		if ep.AirDate.Before(start) || !ep.AirDate.Before(end) {
			continue
		}
		out = append(out, ep)
	}

	slices.SortStableFunc(out, func(a, b model.ScheduledEpisode) int {
		return cmp.Or(
			a.AirDate.Compare(b.AirDate),
			cmp.Compare(a.SeriesTitle, b.SeriesTitle),
			cmp.Compare(a.Season, b.Season),
			cmp.Compare(a.Episode, b.Episode),
		)
	})

	appLog.Info("sonarr schedule fetched", "episodes", len(out), "series_known", len(dir), "start", start.Format(dateLayout), "end", end.Format(dateLayout))
	return out, nil
}

// fetchCalendar decodes entries one by one so a single odd record does
// not discard the whole window.
//
// Sonarr filters on airDateUtc and reads a bare date as UTC midnight, so
// the local-day bounds are sent as UTC instants.
func (c *Connector) fetchCalendar(ctx context.Context, cl *connector.Client, start, end time.Time) ([]calendarEntry, error) {
	q := url.Values{}
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))

	resp, err := cl.Get(ctx, calendarPath, q, nil)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, syncerr.Malformed(serviceName, calendarPath, err)
	}

	entries := make([]calendarEntry, 0, len(raw))
	for i, r := range raw {
		var e calendarEntry
		if err := json.Unmarshal(r, &e); err != nil {
			appLog.Warn("sonarr calendar entry undecodable", "index", i, "err", syncerr.Malformed(serviceName, calendarPath, err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (c *Connector) toEpisode(e calendarEntry, dir Directory) (model.ScheduledEpisode, error) {
	if e.SeriesID == nil {
		return model.ScheduledEpisode{}, errors.New("missing seriesId")
	}
	air, err := c.airDay(e)
	if err != nil {
		return model.ScheduledEpisode{}, err
	}

	ext := map[string]string{
		"hasFile":   strconv.FormatBool(e.HasFile),
		"monitored": strconv.FormatBool(e.Monitored),
	}
	if e.Overview != "" {
		ext["overview"] = e.Overview
	}

	title := model.UnknownSeries
	if s, ok := dir[*e.SeriesID]; ok && s.Title != "" {
		title = s.Title
		if s.Network != "" {
			ext["network"] = s.Network
		}
		if s.Year != 0 {
			ext["seriesYear"] = strconv.Itoa(s.Year)
		}
	}

	return model.ScheduledEpisode{
		SeriesID:     *e.SeriesID,
		EpisodeID:    e.ID,
		SeriesTitle:  title,
		EpisodeTitle: e.Title,
		Season:       numberOrUnknown(e.SeasonNumber),
		Episode:      numberOrUnknown(e.EpisodeNumber),
		AirDate:      air,
		Extended:     ext,
	}, nil
}

// airDay prefers the UTC timestamp converted to the display zone, since
// airDate is the network's local date and can differ by a day.
func (c *Connector) airDay(e calendarEntry) (time.Time, error) {
	if e.AirDateUTC != "" {
		if t, err := time.Parse(time.RFC3339, e.AirDateUTC); err == nil {
			t = t.In(c.loc)
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc), nil
		}
	}
	if e.AirDate != "" {
		t, err := time.ParseInLocation(dateLayout, e.AirDate, c.loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("airDate %q: %w", e.AirDate, err)
		}
		return t, nil
	}
	return time.Time{}, errors.New("missing airDate and airDateUtc")
}

func numberOrUnknown(n *int) int {
	if n == nil {
		return model.UnknownNumber
	}
	return *n
}
