// Package plex is the library connector: it reads "recently added" items
// from a Plex Media Server and normalizes them into model.MediaItem.
package plex

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"mediadigest/internal/config"
	"mediadigest/internal/connector"
	appLog "mediadigest/internal/log"
	"mediadigest/internal/model"
	"mediadigest/internal/syncerr"
)

const (
	serviceName = "plex"

	identityPath = "/identity"
	sectionsPath = "/library/sections"

	// maxConcurrentSections bounds parallel recentlyAdded calls.
	maxConcurrentSections = 4
)

// Connector talks to one Plex server with a static token.
type Connector struct {
	cfg  config.PlexConfig
	opts connector.Options
	now  func() time.Time

	once      sync.Once
	client    *connector.Client
	clientErr error
}

// Option customises a Connector.
type Option func(*Connector)

// WithClock replaces time.Now for recency filtering.
func WithClock(now func() time.Time) Option {
	return func(c *Connector) { c.now = now }
}

// New creates a connector. Nothing is validated until the first call so
// a half-filled config can still be loaded.
func New(cfg config.PlexConfig, opts connector.Options, options ...Option) *Connector {
	c := &Connector{cfg: cfg, opts: opts, now: time.Now}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Connector) Name() string { return serviceName }

// ready fails fast with NotConfigured before any network call.
func (c *Connector) ready() (*connector.Client, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return nil, syncerr.NotConfigured(serviceName, "url")
	}
	if strings.TrimSpace(c.cfg.Token) == "" {
		return nil, syncerr.NotConfigured(serviceName, "token")
	}
	c.once.Do(func() {
		headers := http.Header{}
		headers.Set("X-Plex-Token", c.cfg.Token)
		if c.cfg.PreferJSON {
			headers.Set("Accept", "application/json")
		}
		c.client, c.clientErr = connector.New(serviceName, c.cfg.URL, headers, c.opts)
		if c.clientErr != nil {
			c.clientErr = &syncerr.Error{Kind: syncerr.KindNotConfigured, Service: serviceName, Err: c.clientErr}
		}
	})
	return c.client, c.clientErr
}

// InsecureDefault reports whether the configured URL lacked a scheme and
// plain http was assumed.
func (c *Connector) InsecureDefault() bool {
	cl, err := c.ready()
	return err == nil && cl.InsecureDefault
}

// TestConnection probes /identity.
func (c *Connector) TestConnection(ctx context.Context) error {
	cl, err := c.ready()
	if err != nil {
		return err
	}
	if _, err := cl.Get(ctx, identityPath, nil, nil); err != nil {
		return err
	}
	appLog.Info("plex connection successful")
	return nil
}

type library struct {
	Key   string
	Type  string
	Title string
}

type sectionResult struct {
	lib   library
	items []model.MediaItem
	err   error
}

// FetchRecentItems returns movies and shows whose addedAt falls within
// since of the current time. Filtering is done here, not by the server.
// A failing library is logged and skipped; failing to list libraries is
// an error.
func (c *Connector) FetchRecentItems(ctx context.Context, since time.Duration) (movies, shows []model.MediaItem, err error) {
	cl, err := c.ready()
	if err != nil {
		return nil, nil, err
	}

	libs, err := c.libraries(ctx, cl)
	if err != nil {
		return nil, nil, err
	}

	cutoff := c.now().Add(-since)

	p := pool.NewWithResults[sectionResult]().WithMaxGoroutines(maxConcurrentSections)
	for _, lib := range libs {
		p.Go(func() sectionResult {
			items, err := c.recentlyAdded(ctx, cl, lib, cutoff)
			return sectionResult{lib: lib, items: items, err: err}
		})
	}

	for _, res := range p.Wait() {
		if res.err != nil {
			appLog.Error("plex library fetch failed; skipping", res.err, "library", res.lib.Title, "key", res.lib.Key)
			continue
		}
		for _, it := range res.items {
			switch it.Kind {
			case model.KindMovie:
				movies = append(movies, it)
			case model.KindShow:
				shows = append(shows, it)
			}
		}
	}

	sortItems(movies)
	sortItems(shows)

	appLog.Info("plex recent items fetched", "movies", len(movies), "shows", len(shows), "libraries", len(libs), "since", since.String())
	return movies, shows, nil
}

func (c *Connector) libraries(ctx context.Context, cl *connector.Client) ([]library, error) {
	resp, err := cl.Get(ctx, sectionsPath, nil, nil)
	if err != nil {
		return nil, err
	}
	mc, err := parseContainer(resp.ContentType, resp.Body)
	if err != nil {
		return nil, syncerr.Malformed(serviceName, sectionsPath, err)
	}

	libs := make([]library, 0, len(mc.Directories))
	for _, d := range mc.Directories {
		t := d["type"]
		if t != "movie" && t != "show" {
			continue
		}
		if d["key"] == "" {
			appLog.Warn("plex library without key; skipping", "title", d["title"])
			continue
		}
		libs = append(libs, library{Key: d["key"], Type: t, Title: d["title"]})
	}
	return libs, nil
}

func (c *Connector) recentlyAdded(ctx context.Context, cl *connector.Client, lib library, cutoff time.Time) ([]model.MediaItem, error) {
	endpoint := fmt.Sprintf("%s/%s/recentlyAdded", sectionsPath, lib.Key)
	resp, err := cl.Get(ctx, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}
	mc, err := parseContainer(resp.ContentType, resp.Body)
	if err != nil {
		return nil, syncerr.Malformed(serviceName, endpoint, err)
	}

	kind := model.KindMovie
	if lib.Type == "show" {
		kind = model.KindShow
	}

	// Show libraries answer with a mix of Video (episodes) and
	// Directory (seasons/shows) entries.
	raw := slices.Concat(mc.Items, mc.Directories)

	out := make([]model.MediaItem, 0, len(raw))
	for _, r := range raw {
		item, err := toItem(kind, r)
		if err != nil {
			appLog.Warn("plex record skipped", "library", lib.Title, "endpoint", endpoint, "err", syncerr.Malformed(serviceName, endpoint, err))
			continue
		}
		if item.AddedAt.Before(cutoff) {
			continue
		}
		item.Extended["librarySectionTitle"] = lib.Title
		out = append(out, item)
	}
	return out, nil
}

// reserved attributes are mapped onto MediaItem fields and not repeated in
// Extended.
var reserved = map[string]bool{"title": true, "year": true, "addedAt": true}

func toItem(kind model.MediaKind, r record) (model.MediaItem, error) {
	addedRaw, ok := r["addedAt"]
	if !ok || addedRaw == "" {
		return model.MediaItem{}, errors.New("missing addedAt")
	}
	added, err := strconv.ParseInt(addedRaw, 10, 64)
	if err != nil {
		return model.MediaItem{}, fmt.Errorf("addedAt %q: %w", addedRaw, err)
	}

	title := r["title"]
	switch r["type"] {
	case "episode":
		if gp := r["grandparentTitle"]; gp != "" {
			title = gp
		}
	case "season":
		if p := r["parentTitle"]; p != "" {
			title = p
		}
	}

	year := 0
	if y := r["year"]; y != "" {
		if n, err := strconv.Atoi(y); err == nil {
			year = n
		}
	}

	ext := make(map[string]string, len(r))
	for k, v := range r {
		if !reserved[k] {
			ext[k] = v
		}
	}

	return model.MediaItem{
		Kind:     kind,
		Title:    title,
		Year:     year,
		AddedAt:  time.Unix(added, 0).UTC(),
		Extended: ext,
	}, nil
}

func sortItems(items []model.MediaItem) {
	slices.SortStableFunc(items, func(a, b model.MediaItem) int {
		if c := b.AddedAt.Compare(a.AddedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Title, b.Title)
	})
}
