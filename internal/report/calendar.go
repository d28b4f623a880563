package report

import (
	"fmt"
	"path/filepath"
	"strings"

	ics "github.com/arran4/golang-ical"

	"mediadigest/internal/config"
	"mediadigest/internal/model"
)

const productID = "-//mediadigest//upcoming episodes//EN"

// RenderCalendar renders scheduled episodes as all-day VEVENTs so the
// schedule can be subscribed to from any calendar client. DTSTAMP is the
// renderer clock, which keeps the output deterministic.
func (r *Renderer) RenderCalendar(scheduled []model.ScheduledEpisode, format config.OutputFormat) (Artifact, error) {
	now := r.now().In(r.loc)

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(productID)

	for _, ep := range scheduled {
		if ep.AirDate.IsZero() || invalidNumber(ep.Season) || invalidNumber(ep.Episode) {
			continue
		}
		ev := cal.AddEvent(eventUID(ep))
		ev.SetDtStampTime(now.UTC())
		ev.SetSummary(eventSummary(ep))
		day := ep.AirDate.In(r.loc)
		ev.SetAllDayStartAt(day)
		ev.SetAllDayEndAt(day.AddDate(0, 0, 1))
		if ov := ep.Extended["overview"]; ov != "" {
			ev.SetDescription(ov)
		}
	}

	name := FileName(format, now, ".ics")
	return Artifact{
		Name:        name,
		Path:        filepath.Join(format.Directory, name),
		ContentType: "text/calendar; charset=utf-8",
		Content:     []byte(cal.Serialize()),
	}, nil
}

func eventUID(ep model.ScheduledEpisode) string {
	if ep.EpisodeID != 0 {
		return fmt.Sprintf("episode-%d@mediadigest", ep.EpisodeID)
	}
	return fmt.Sprintf("series-%d-s%de%d-%s@mediadigest", ep.SeriesID, ep.Season, ep.Episode, ep.AirDate.Format("20060102"))
}

func eventSummary(ep model.ScheduledEpisode) string {
	parts := []string{ep.SeriesTitle}
	if ep.Season != model.UnknownNumber && ep.Episode != model.UnknownNumber {
		parts = append(parts, fmt.Sprintf("S%02dE%02d", ep.Season, ep.Episode))
	}
	if ep.EpisodeTitle != "" {
		parts = append(parts, ep.EpisodeTitle)
	}
	return strings.Join(parts, " - ")
}
