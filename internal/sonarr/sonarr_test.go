package sonarr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediadigest/internal/config"
	"mediadigest/internal/connector"
	"mediadigest/internal/model"
	"mediadigest/internal/syncerr"
)

var (
	newYork  = mustLoad("America/New_York")
	fixedNow = time.Date(2026, 10, 18, 15, 0, 0, 0, time.UTC) // 11:00 in New York
)

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

const seriesJSON = `[
  {"id": 1, "title": "Severance", "year": 2022, "network": "Apple TV+"},
  {"id": 2, "title": "Andor", "year": 2022}
]`

const calendarJSON = `[
  {"id": 101, "seriesId": 2, "title": "Rix Road", "seasonNumber": 2, "episodeNumber": 12, "airDate": "2026-10-18", "airDateUtc": "2026-10-19T01:00:00Z", "hasFile": false, "monitored": true},
  {"id": 102, "seriesId": 1, "title": "Cold Harbor", "seasonNumber": 1, "episodeNumber": 3, "airDate": "2026-10-18", "monitored": true},
  {"id": 103, "seriesId": 99, "title": "Orphan", "seasonNumber": 4, "episodeNumber": 1, "airDate": "2026-10-18"},
  {"id": 104, "seriesId": 1, "title": "Next Week", "seasonNumber": 1, "episodeNumber": 4, "airDate": "2026-10-25"},
  {"id": 105, "title": "No Series", "airDate": "2026-10-18"},
  {"id": 106, "seriesId": 1, "title": "No Date", "seasonNumber": 1, "episodeNumber": 5},
  {"id": "bogus"}
]`

// fakeSonarr filters the calendar the way Sonarr does: start and end are
// instants (a bare date is UTC midnight) and airDateUtc must fall within
// them, end inclusive. Entries without airDateUtc are always returned.
type fakeSonarr struct {
	t          *testing.T
	seriesCode int
	calCode    int
	calendar   string
	calls      atomic.Int32

	mu         sync.Mutex
	start, end string
}

func (f *fakeSonarr) window() (start, end string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.start, f.end
}

func parseBound(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func (f *fakeSonarr) filterCalendar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f.mu.Lock()
	f.start, f.end = q.Get("start"), q.Get("end")
	f.mu.Unlock()

	start, err := parseBound(q.Get("start"))
	assert.NoError(f.t, err)
	end, err := parseBound(q.Get("end"))
	assert.NoError(f.t, err)

	body := f.calendar
	if body == "" {
		body = calendarJSON
	}
	var all []json.RawMessage
	if !assert.NoError(f.t, json.Unmarshal([]byte(body), &all)) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	kept := make([]json.RawMessage, 0, len(all))
	for _, raw := range all {
		var e struct {
			AirDateUTC string `json:"airDateUtc"`
		}
		_ = json.Unmarshal(raw, &e)
		if e.AirDateUTC != "" {
			at, err := time.Parse(time.RFC3339, e.AirDateUTC)
			if err == nil && (at.Before(start) || at.After(end)) {
				continue
			}
		}
		kept = append(kept, raw)
	}
	_ = json.NewEncoder(w).Encode(kept)
}

func (f *fakeSonarr) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if r.Header.Get("X-Api-Key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v3/system/status":
			fmt.Fprint(w, `{"version":"4.0.0"}`)
		case "/api/v3/series":
			if f.seriesCode != 0 {
				w.WriteHeader(f.seriesCode)
				return
			}
			fmt.Fprint(w, seriesJSON)
		case "/api/v3/calendar":
			if f.calCode != 0 {
				w.WriteHeader(f.calCode)
				return
			}
			f.filterCalendar(w, r)
		default:
			f.t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newConnector(t *testing.T, f *fakeSonarr, options ...Option) *Connector {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	defaults := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithLocation(newYork),
	}
	return New(
		config.SonarrConfig{URL: srv.URL, APIKey: "key"},
		connector.Options{Attempts: 1, RetryDelay: time.Millisecond},
		append(defaults, options...)...,
	)
}

func TestFetchUpcomingToday(t *testing.T) {
	f := &fakeSonarr{t: t}
	c := newConnector(t, f)

	eps, err := c.FetchUpcoming(context.Background(), 1)
	require.NoError(t, err)
	start, end := f.window()
	assert.Equal(t, "2026-10-18T04:00:00Z", start, "local midnight as a UTC instant")
	assert.Equal(t, "2026-10-19T04:00:00Z", end)

	require.Len(t, eps, 3)

	// Sorted by air day then series title.
	assert.Equal(t, "Andor", eps[0].SeriesTitle)
	assert.Equal(t, "Rix Road", eps[0].EpisodeTitle)
	assert.Equal(t, 2, eps[0].Season)
	assert.Equal(t, 12, eps[0].Episode)
	assert.Equal(t, time.Date(2026, 10, 18, 0, 0, 0, 0, newYork), eps[0].AirDate, "airDateUtc converted to the display zone")

	assert.Equal(t, "Severance", eps[1].SeriesTitle)
	assert.Equal(t, "Apple TV+", eps[1].Extended["network"])
	assert.Equal(t, "2022", eps[1].Extended["seriesYear"])

	assert.Equal(t, model.UnknownSeries, eps[2].SeriesTitle, "series id missing from directory")
	assert.Equal(t, 99, eps[2].SeriesID)
}

func TestFetchUpcomingWindow(t *testing.T) {
	f := &fakeSonarr{t: t}
	c := newConnector(t, f)

	eps, err := c.FetchUpcoming(context.Background(), 8)
	require.NoError(t, err)
	start, end := f.window()
	assert.Equal(t, "2026-10-18T04:00:00Z", start)
	assert.Equal(t, "2026-10-26T04:00:00Z", end)
	require.Len(t, eps, 4)
	assert.Equal(t, "Next Week", eps[3].EpisodeTitle)
}

func TestFetchUpcomingIncludesEveningEpisodes(t *testing.T) {
	f := &fakeSonarr{t: t, calendar: `[
  {"id": 1, "seriesId": 1, "title": "Late Yesterday", "seasonNumber": 1, "episodeNumber": 1, "airDateUtc": "2026-10-18T03:30:00Z"},
  {"id": 2, "seriesId": 1, "title": "Prime Time", "seasonNumber": 1, "episodeNumber": 2, "airDateUtc": "2026-10-19T01:00:00Z"},
  {"id": 3, "seriesId": 1, "title": "Midnight", "seasonNumber": 1, "episodeNumber": 3, "airDateUtc": "2026-10-19T04:00:00Z"}
]`}
	c := newConnector(t, f)

	eps, err := c.FetchUpcoming(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, eps, 1, "only the 21:00 New York episode airs today")
	assert.Equal(t, "Prime Time", eps[0].EpisodeTitle)
	assert.Equal(t, time.Date(2026, 10, 18, 0, 0, 0, 0, newYork), eps[0].AirDate)
}

func TestFetchUpcomingEastOfUTC(t *testing.T) {
	seoul := mustLoad("Asia/Seoul")
	f := &fakeSonarr{t: t, calendar: `[
  {"id": 1, "seriesId": 2, "title": "Morning", "seasonNumber": 3, "episodeNumber": 1, "airDateUtc": "2026-10-17T22:00:00Z"},
  {"id": 2, "seriesId": 2, "title": "Tomorrow", "seasonNumber": 3, "episodeNumber": 2, "airDateUtc": "2026-10-18T16:00:00Z"}
]`}
	c := newConnector(t, f,
		WithClock(func() time.Time { return time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC) }), // 12:00 in Seoul
		WithLocation(seoul),
	)

	eps, err := c.FetchUpcoming(context.Background(), 1)
	require.NoError(t, err)

	start, end := f.window()
	assert.Equal(t, "2026-10-17T15:00:00Z", start)
	assert.Equal(t, "2026-10-18T15:00:00Z", end)

	require.Len(t, eps, 1)
	assert.Equal(t, "Morning", eps[0].EpisodeTitle)
	assert.Equal(t, "Andor", eps[0].SeriesTitle)
	assert.Equal(t, time.Date(2026, 10, 18, 0, 0, 0, 0, seoul), eps[0].AirDate)
}

func TestFetchUpcomingDirectoryFailureDegrades(t *testing.T) {
	f := &fakeSonarr{t: t, seriesCode: http.StatusInternalServerError}
	c := newConnector(t, f)

	eps, err := c.FetchUpcoming(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, eps, 3)
	for _, ep := range eps {
		assert.Equal(t, model.UnknownSeries, ep.SeriesTitle)
	}
}

func TestFetchUpcomingCalendarFailure(t *testing.T) {
	f := &fakeSonarr{t: t, calCode: http.StatusServiceUnavailable}
	c := newConnector(t, f)

	_, err := c.FetchUpcoming(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrUpstreamUnavailable)
}

func TestMissingNumbersAreUnknown(t *testing.T) {
	c := New(config.SonarrConfig{}, connector.Options{}, WithLocation(newYork))
	sid := 1
	ep, err := c.toEpisode(calendarEntry{ID: 7, SeriesID: &sid, AirDate: "2026-10-18"}, Directory{})
	require.NoError(t, err)
	assert.Equal(t, model.UnknownNumber, ep.Season)
	assert.Equal(t, model.UnknownNumber, ep.Episode)
}

func TestNotConfigured(t *testing.T) {
	f := &fakeSonarr{t: t}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	c := New(config.SonarrConfig{URL: srv.URL}, connector.Options{})
	_, err := c.FetchUpcoming(context.Background(), 1)
	assert.ErrorIs(t, err, syncerr.ErrNotConfigured)
	assert.ErrorIs(t, c.TestConnection(context.Background()), syncerr.ErrNotConfigured)
	assert.Zero(t, f.calls.Load())
}

func TestTestConnection(t *testing.T) {
	f := &fakeSonarr{t: t}
	c := newConnector(t, f)
	assert.NoError(t, c.TestConnection(context.Background()))
}
