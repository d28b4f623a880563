package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// NOTE: defaults live here and are applied once at load time by Normalize;
// call sites read typed fields and never re-default.

// PlexConfig holds the library connector settings.
type PlexConfig struct {
	URL   string `yaml:"url" toml:"url" json:"url"`
	Token string `yaml:"token" toml:"token" json:"token"`
	// PreferJSON asks the server for its JSON envelope instead of XML.
	PreferJSON bool `yaml:"prefer_json" toml:"prefer_json" json:"prefer_json"`
}

// SonarrConfig holds the calendar connector settings.
type SonarrConfig struct {
	URL    string `yaml:"url" toml:"url" json:"url"`
	APIKey string `yaml:"api_key" toml:"api_key" json:"api_key"`
}

// SyncConfig controls the lookback/lookahead windows of a cycle.
type SyncConfig struct {
	// LookbackDays is how far back "recently added" reaches. 1..30.
	LookbackDays int `yaml:"lookback_days" toml:"lookback_days" json:"lookback_days"`
	// LookaheadDays is how many calendar days, starting today, are read. 1..30.
	LookaheadDays int `yaml:"lookahead_days" toml:"lookahead_days" json:"lookahead_days"`
}

// Schedule trigger kinds.
const (
	ScheduleDaily  = "daily"
	ScheduleHourly = "hourly"
)

// ScheduleConfig describes the single recurring job.
//
//   - kind "daily":  fires at Hour:Minute in the configured timezone.
//   - kind "hourly": fires at minute 0 of every IntervalHours-th hour.
type ScheduleConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Kind          string `yaml:"kind" toml:"kind" json:"kind"`
	Hour          int    `yaml:"hour" toml:"hour" json:"hour"`
	Minute        int    `yaml:"minute" toml:"minute" json:"minute"`
	IntervalHours int    `yaml:"interval_hours" toml:"interval_hours" json:"interval_hours"`
}

// Validate checks the trigger fields regardless of Enabled.
func (s ScheduleConfig) Validate() error {
	switch s.Kind {
	case ScheduleDaily:
		if s.Hour < 0 || s.Hour > 23 {
			return fmt.Errorf("schedule hour %d out of range 0..23", s.Hour)
		}
		if s.Minute < 0 || s.Minute > 59 {
			return fmt.Errorf("schedule minute %d out of range 0..59", s.Minute)
		}
	case ScheduleHourly:
		if s.IntervalHours < 1 || s.IntervalHours > 24 {
			return fmt.Errorf("schedule interval_hours %d out of range 1..24", s.IntervalHours)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// File naming policies.
const (
	NamingDateSuffix = "date_suffix"
	NamingDatePrefix = "date_prefix"
	NamingCustom     = "custom"
)

// SectionFormat configures one report section.
type SectionFormat struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Title   string `yaml:"title" toml:"title" json:"title"`
	// Template uses {name} / {name:02d} placeholders.
	Template string `yaml:"template" toml:"template" json:"template"`
	// EmptyText is written when the section is enabled but has no entries.
	EmptyText string `yaml:"empty_text" toml:"empty_text" json:"empty_text"`
}

// OutputFormat is read-only input to the renderer.
type OutputFormat struct {
	Directory string `yaml:"directory" toml:"directory" json:"directory"`
	// FileNaming is one of date_suffix, date_prefix, custom.
	FileNaming string `yaml:"file_naming" toml:"file_naming" json:"file_naming"`
	// BaseName is the stem used by the date_* policies.
	BaseName string `yaml:"base_name" toml:"base_name" json:"base_name"`
	// CustomFilename is used verbatim by the custom policy and is
	// overwritten every cycle.
	CustomFilename string `yaml:"custom_filename" toml:"custom_filename" json:"custom_filename"`

	ReportTitle      string `yaml:"report_title" toml:"report_title" json:"report_title"`
	IncludeTimestamp bool   `yaml:"include_timestamp" toml:"include_timestamp" json:"include_timestamp"`
	Separator        string `yaml:"separator" toml:"separator" json:"separator"`

	Movies   SectionFormat `yaml:"movies" toml:"movies" json:"movies"`
	Shows    SectionFormat `yaml:"shows" toml:"shows" json:"shows"`
	Schedule SectionFormat `yaml:"schedule" toml:"schedule" json:"schedule"`

	// CalendarFile additionally renders the schedule as an .ics artifact.
	CalendarFile bool `yaml:"calendar_file" toml:"calendar_file" json:"calendar_file"`
}

// PublishTarget is consumed only by the publisher.
type PublishTarget struct {
	Enabled bool `yaml:"enabled" toml:"enabled" json:"enabled"`
	// Repo is "owner/name".
	Repo   string `yaml:"repo" toml:"repo" json:"repo"`
	Token  string `yaml:"token" toml:"token" json:"-"`
	Branch string `yaml:"branch" toml:"branch" json:"branch"`
	// PathPrefix is prepended to each artifact's file name.
	PathPrefix string `yaml:"path_prefix" toml:"path_prefix" json:"path_prefix"`
	APIURL     string `yaml:"api_url" toml:"api_url" json:"api_url"`
	// CommitMessage may contain {path}.
	CommitMessage string `yaml:"commit_message" toml:"commit_message" json:"commit_message"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the trigger API.
type BasicAuthConfig struct {
	Username string `yaml:"username" toml:"username" json:"username"`
	Password string `yaml:"password" toml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the trigger API.
	Listen string `yaml:"listen" toml:"listen" json:"listen"`

	// Timezone is the IANA zone used for schedules, date windows and file
	// names. The host's local zone is never used.
	Timezone string `yaml:"timezone" toml:"timezone" json:"timezone"`

	LogLevel string `yaml:"log_level" toml:"log_level" json:"log_level"`
	LogFile  string `yaml:"log_file" toml:"log_file" json:"log_file"`

	// RequestTimeoutSeconds bounds every upstream HTTP call.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" toml:"request_timeout_seconds" json:"request_timeout_seconds"`
	// RetryAttempts is the total number of tries for a transient failure.
	RetryAttempts int `yaml:"retry_attempts" toml:"retry_attempts" json:"retry_attempts"`

	Plex     PlexConfig     `yaml:"plex" toml:"plex" json:"plex"`
	Sonarr   SonarrConfig   `yaml:"sonarr" toml:"sonarr" json:"sonarr"`
	Sync     SyncConfig     `yaml:"sync" toml:"sync" json:"sync"`
	Schedule ScheduleConfig `yaml:"schedule" toml:"schedule" json:"schedule"`
	Output   OutputFormat   `yaml:"output" toml:"output" json:"output"`
	Publish  PublishTarget  `yaml:"publish" toml:"publish" json:"publish"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" toml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen    = "127.0.0.1:8080"
	defaultTimezone  = "UTC"
	defaultSeparator = "------------------------------"

	defaultMovieTemplate    = "Title: {title}\nYear: {year}\nAdded: {added_date}\n{separator}"
	defaultShowTemplate     = "Title: {title}\nYear: {year}\nAdded: {added_date}\n{separator}"
	defaultScheduleTemplate = "Series: {series_title}\nEpisode: S{season:02d}E{episode:02d} - {episode_title}\nAir Date: {air_date}\n{separator}"
)

// DefaultOutputFormat returns the report layout of a fresh install.
func DefaultOutputFormat() OutputFormat {
	return OutputFormat{
		Directory:        "./output",
		FileNaming:       NamingDateSuffix,
		BaseName:         "media_report",
		ReportTitle:      "Media Report",
		IncludeTimestamp: true,
		Separator:        defaultSeparator,
		Movies: SectionFormat{
			Enabled:   true,
			Title:     "Plex Movies Added",
			Template:  defaultMovieTemplate,
			EmptyText: "No movies added today.",
		},
		Shows: SectionFormat{
			Enabled:   true,
			Title:     "Plex TV Shows Added",
			Template:  defaultShowTemplate,
			EmptyText: "No TV shows added today.",
		},
		Schedule: SectionFormat{
			Enabled:   true,
			Title:     "Sonarr TV Schedule",
			Template:  defaultScheduleTemplate,
			EmptyText: "No shows scheduled for today.",
		},
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                defaultListen,
		Timezone:              defaultTimezone,
		LogLevel:              "info",
		RequestTimeoutSeconds: 30,
		RetryAttempts:         2,
		Sync: SyncConfig{
			LookbackDays:  1,
			LookaheadDays: 1,
		},
		Schedule: ScheduleConfig{
			Enabled:       false,
			Kind:          ScheduleDaily,
			Hour:          6,
			Minute:        0,
			IntervalHours: 1,
		},
		Output: DefaultOutputFormat(),
		Publish: PublishTarget{
			Branch:        "main",
			APIURL:        "https://api.github.com",
			CommitMessage: "Update {path}",
		},
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()

	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = d.RequestTimeoutSeconds
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}

	c.Sync.LookbackDays = clamp(c.Sync.LookbackDays, 1, 30)
	c.Sync.LookaheadDays = clamp(c.Sync.LookaheadDays, 1, 30)

	if c.Schedule.Kind == "" {
		c.Schedule.Kind = d.Schedule.Kind
	}
	if c.Schedule.IntervalHours <= 0 {
		c.Schedule.IntervalHours = d.Schedule.IntervalHours
	}

	c.Output.normalize(d.Output)

	if c.Publish.Branch == "" {
		c.Publish.Branch = d.Publish.Branch
	}
	if c.Publish.APIURL == "" {
		c.Publish.APIURL = d.Publish.APIURL
	}
	if c.Publish.CommitMessage == "" {
		c.Publish.CommitMessage = d.Publish.CommitMessage
	}
}

func (o *OutputFormat) normalize(d OutputFormat) {
	if o.Directory == "" {
		o.Directory = d.Directory
	}
	if o.FileNaming == "" {
		o.FileNaming = d.FileNaming
	}
	if o.BaseName == "" {
		o.BaseName = d.BaseName
	}
	if o.ReportTitle == "" {
		o.ReportTitle = d.ReportTitle
	}
	if o.Separator == "" {
		o.Separator = d.Separator
	}
	// Enabled flags are left alone: false is a legitimate choice.
	normalizeSection(&o.Movies, d.Movies)
	normalizeSection(&o.Shows, d.Shows)
	normalizeSection(&o.Schedule, d.Schedule)
}

func normalizeSection(s *SectionFormat, d SectionFormat) {
	if s.Title == "" {
		s.Title = d.Title
	}
	if s.Template == "" {
		s.Template = d.Template
	}
	if s.EmptyText == "" {
		s.EmptyText = d.EmptyText
	}
}

// Validate reports configuration-level problems. The schedule is only
// checked when enabled. Missing upstream credentials are not checked
// here; connectors report them as not-configured when a cycle starts.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.Schedule.Enabled {
		if err := c.Schedule.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Output.FileNaming {
	case NamingDateSuffix, NamingDatePrefix:
	case NamingCustom:
		if strings.TrimSpace(c.Output.CustomFilename) == "" {
			errs = append(errs, errors.New("file_naming custom requires custom_filename"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown file_naming %q", c.Output.FileNaming))
	}
	if c.Publish.Enabled && !strings.Contains(c.Publish.Repo, "/") {
		errs = append(errs, fmt.Errorf("publish repo %q must be owner/name", c.Publish.Repo))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone. Call Validate first; an invalid zone falls
// back to UTC, never to the host zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RequestTimeout is the per-call upstream timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ApplyEnv overrides credentials from the environment when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PLEX_TOKEN"); v != "" {
		c.Plex.Token = v
	}
	if v := os.Getenv("SONARR_API_KEY"); v != "" {
		c.Sonarr.APIKey = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.Publish.Token = v
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load loads configuration from the given path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - decode over DefaultConfig
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Decode over the defaults so keys absent from the file keep their
	// default values (including section enable flags).
	cfg := DefaultConfig()
	if isTOML(path) {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.Normalize()

	return cfg, nil
}

func marshal(path string, cfg *Config) ([]byte, error) {
	if !isTOML(path) {
		return yaml.Marshal(cfg)
	}
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML or TOML by extension.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := marshal(path, cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".mediadigest-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
