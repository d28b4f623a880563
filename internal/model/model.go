package model

import "time"

// MediaKind distinguishes library items.
type MediaKind string

const (
	KindMovie MediaKind = "movie"
	KindShow  MediaKind = "show"
)

// UnknownSeries is the display title used when an episode's series id is
// not in the series directory.
const UnknownSeries = "Unknown Series"

// UnknownNumber marks a season or episode number the upstream did not send.
const UnknownNumber = -1

// MediaItem is a library item normalized from either wire format the media
// server speaks. It lives for one sync cycle.
type MediaItem struct {
	Kind  MediaKind
	Title string
	// Year is 0 when the server did not report one.
	Year    int
	AddedAt time.Time

	// Extended holds the remaining raw attributes (ratingKey, guid, ...).
	Extended map[string]string
}

// ScheduledEpisode is one calendar entry from the PVR, with SeriesTitle
// already resolved from the series directory.
type ScheduledEpisode struct {
	SeriesID  int
	EpisodeID int

	SeriesTitle  string
	EpisodeTitle string

	// Season / Episode are UnknownNumber when absent.
	Season  int
	Episode int

	// AirDate is midnight of the air day in the display timezone.
	AirDate time.Time

	Extended map[string]string
}

// SyncResult summarises one cycle. Published is nil when publishing was
// disabled or never attempted.
type SyncResult struct {
	Success        bool   `json:"success"`
	MoviesCount    int    `json:"movies_count"`
	ShowsCount     int    `json:"shows_count"`
	ScheduledCount int    `json:"scheduled_count"`
	Error          string `json:"error,omitempty"`
	Published      *bool  `json:"published,omitempty"`
}

// Failed builds the result of a cycle that could not complete.
func Failed(err error) SyncResult {
	return SyncResult{Success: false, Error: err.Error()}
}
