// Package report turns one cycle's normalized records into artifacts: the
// plain-text report and, optionally, an iCalendar file of the schedule.
package report

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"mediadigest/internal/config"
	appLog "mediadigest/internal/log"
	"mediadigest/internal/model"
	"mediadigest/internal/syncerr"
)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05"
)

// Artifact is one rendered file. Name is the bare file name used for the
// remote path; Path is where it is written locally.
type Artifact struct {
	Name        string
	Path        string
	ContentType string
	Content     []byte
}

// Renderer is stateless apart from its clock and zone; output depends
// only on the inputs and the clock value.
type Renderer struct {
	loc *time.Location
	now func() time.Time
}

type Option func(*Renderer)

func WithClock(now func() time.Time) Option {
	return func(r *Renderer) { r.now = now }
}

func New(loc *time.Location, opts ...Option) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	r := &Renderer{loc: loc, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// FileName applies the naming policy for the given date and extension.
func FileName(format config.OutputFormat, date time.Time, ext string) string {
	day := date.Format(dateLayout)
	switch format.FileNaming {
	case config.NamingDatePrefix:
		return fmt.Sprintf("%s_%s%s", day, format.BaseName, ext)
	case config.NamingCustom:
		name := format.CustomFilename
		if ext != ".txt" {
			name = strings.TrimSuffix(name, filepath.Ext(name)) + ext
		}
		return name
	default:
		return fmt.Sprintf("%s_%s%s", format.BaseName, day, ext)
	}
}

// Artifacts renders the report and, when format.CalendarFile is set, the
// calendar file.
func (r *Renderer) Artifacts(movies, shows []model.MediaItem, scheduled []model.ScheduledEpisode, format config.OutputFormat) ([]Artifact, error) {
	rep, err := r.Render(movies, shows, scheduled, format)
	if err != nil {
		return nil, err
	}
	out := []Artifact{rep}
	if format.CalendarFile {
		cal, err := r.RenderCalendar(scheduled, format)
		if err != nil {
			return nil, err
		}
		out = append(out, cal)
	}
	return out, nil
}

type section struct {
	format  config.SectionFormat
	entries []map[string]value
}

// Render builds the text report. Disabled sections are omitted; an
// enabled section without entries gets its EmptyText. A record that does
// not belong in its section is skipped with a warning. The only error is
// a template that cannot be parsed.
func (r *Renderer) Render(movies, shows []model.MediaItem, scheduled []model.ScheduledEpisode, format config.OutputFormat) (Artifact, error) {
	now := r.now().In(r.loc)
	sep := format.Separator

	sections := []section{
		{format: format.Movies, entries: r.itemFields(movies, model.KindMovie, sep)},
		{format: format.Shows, entries: r.itemFields(shows, model.KindShow, sep)},
		{format: format.Schedule, entries: r.episodeFields(scheduled, sep)},
	}

	var b strings.Builder
	header := fmt.Sprintf("%s - %s", format.ReportTitle, now.Format(dateLayout))
	if format.IncludeTimestamp {
		header += fmt.Sprintf(" (Generated: %s)", now.Format(timestampLayout))
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("=", utf8.RuneCountInString(header)) + "\n")

	var unknown []string
	for _, s := range sections {
		if !s.format.Enabled {
			continue
		}
		segs, err := parseTemplate(s.format.Template)
		if err != nil {
			return Artifact{}, syncerr.Render(fmt.Errorf("section %q template: %w", s.format.Title, err))
		}

		b.WriteString("\n")
		b.WriteString(s.format.Title + "\n")
		b.WriteString(strings.Repeat("-", utf8.RuneCountInString(s.format.Title)) + "\n")

		if len(s.entries) == 0 {
			b.WriteString(s.format.EmptyText + "\n")
			continue
		}
		for _, fields := range s.entries {
			text, unk := execute(segs, fields)
			unknown = append(unknown, unk...)
			b.WriteString(text + "\n")
		}
	}

	if len(unknown) > 0 {
		slices.Sort(unknown)
		appLog.Warn("report template uses unknown placeholders; left as-is", "names", strings.Join(slices.Compact(unknown), ","))
	}

	name := FileName(format, now, ".txt")
	return Artifact{
		Name:        name,
		Path:        filepath.Join(format.Directory, name),
		ContentType: "text/plain; charset=utf-8",
		Content:     []byte(b.String()),
	}, nil
}

func (r *Renderer) itemFields(items []model.MediaItem, kind model.MediaKind, sep string) []map[string]value {
	out := make([]map[string]value, 0, len(items))
	for _, it := range items {
		if it.Kind != kind {
			appLog.Warn("report record skipped: wrong kind for section", "title", it.Title, "kind", it.Kind, "section", kind)
			continue
		}
		added := ""
		if !it.AddedAt.IsZero() {
			added = it.AddedAt.In(r.loc).Format(dateLayout)
		}
		out = append(out, map[string]value{
			"title":      text(it.Title),
			"year":       number(it.Year, it.Year == 0),
			"added_date": text(added),
			"separator":  {text: sep},
		})
	}
	return out
}

func (r *Renderer) episodeFields(eps []model.ScheduledEpisode, sep string) []map[string]value {
	out := make([]map[string]value, 0, len(eps))
	for _, ep := range eps {
		if invalidNumber(ep.Season) || invalidNumber(ep.Episode) {
			appLog.Warn("report record skipped: negative season/episode", "series", ep.SeriesTitle, "season", ep.Season, "episode", ep.Episode)
			continue
		}
		air := ""
		if !ep.AirDate.IsZero() {
			air = ep.AirDate.In(r.loc).Format(dateLayout)
		}
		out = append(out, map[string]value{
			"series_title":  text(ep.SeriesTitle),
			"episode_title": text(ep.EpisodeTitle),
			"season":        number(ep.Season, ep.Season == model.UnknownNumber),
			"episode":       number(ep.Episode, ep.Episode == model.UnknownNumber),
			"air_date":      text(air),
			"network":       text(ep.Extended["network"]),
			"separator":     {text: sep},
		})
	}
	return out
}

func invalidNumber(n int) bool {
	return n < 0 && n != model.UnknownNumber
}
