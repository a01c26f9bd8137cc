package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"calbridge/internal/fsutil"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Environment overrides live in env.go.

const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// SourceConfig describes a single ICS feed. Exactly one of Path or URL is used.
type SourceConfig struct {
	// ID is an internal identifier used for caching and logging.
	ID string `yaml:"id" json:"id"`
	// Path is a local file or glob pattern (e.g. an Outlook export).
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// URL is an http(s) ICS subscription endpoint.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// WindowConfig bounds the reconciliation window relative to now.
type WindowConfig struct {
	PastDays   int `yaml:"past_days" json:"past_days"`
	FutureDays int `yaml:"future_days" json:"future_days"`
}

// StateConfig selects where reconciliation state is persisted.
type StateConfig struct {
	// Backend is "json" (default) or "sqlite".
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path" json:"path"`
	// LockPath guards against concurrent runs; defaults to Path + ".lock".
	LockPath string `yaml:"lock_path" json:"lock_path"`
	// HealthPath holds the last run record shown by `status` and /api/status.
	HealthPath string `yaml:"health_path" json:"health_path"`
}

// GoogleConfig holds the Google Calendar API credentials.
type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	TokenFile       string `yaml:"token_file" json:"token_file"`
	PageSize        int    `yaml:"page_size" json:"page_size"`
}

// PacingConfig controls the steady inter-call delay and the retry policy.
type PacingConfig struct {
	SteadyDelay time.Duration `yaml:"steady_delay" json:"steady_delay"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff" json:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// UnmarshalYAML accepts durations as Go duration strings ("250ms") or as
// bare integers, which are read as whole seconds.
func (p *PacingConfig) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		SteadyDelay yaml.Node `yaml:"steady_delay"`
		MaxAttempts int       `yaml:"max_attempts"`
		BaseBackoff yaml.Node `yaml:"base_backoff"`
		MaxBackoff  yaml.Node `yaml:"max_backoff"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	p.MaxAttempts = raw.MaxAttempts
	for _, f := range []struct {
		name string
		node *yaml.Node
		dst  *time.Duration
	}{
		{"steady_delay", &raw.SteadyDelay, &p.SteadyDelay},
		{"base_backoff", &raw.BaseBackoff, &p.BaseBackoff},
		{"max_backoff", &raw.MaxBackoff, &p.MaxBackoff},
	} {
		d, err := yamlDuration(f.node)
		if err != nil {
			return fmt.Errorf("pacing.%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

func yamlDuration(n *yaml.Node) (time.Duration, error) {
	if n.Kind == 0 || n.Tag == "!!null" {
		return 0, nil
	}
	if n.Kind != yaml.ScalarNode {
		return 0, fmt.Errorf("line %d: expected a duration", n.Line)
	}
	if n.Tag == "!!int" {
		var secs int64
		if err := n.Decode(&secs); err != nil {
			return 0, err
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(n.Value)
	if err != nil {
		return 0, fmt.Errorf("line %d: %w", n.Line, err)
	}
	return d, nil
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// ScheduleConfig is used by `calbridge serve`.
type ScheduleConfig struct {
	// Cron is a cron-style schedule string (e.g. "*/15 * * * *").
	Cron string `yaml:"cron" json:"cron"`
	// Listen is the HTTP listen address for the status server.
	Listen string `yaml:"listen" json:"listen"`
	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA reconciliation timezone used for identity keys.
	Timezone string `yaml:"timezone" json:"timezone"`

	// CalendarID is the target remote calendar.
	CalendarID string `yaml:"calendar_id" json:"calendar_id"`

	Sources []SourceConfig `yaml:"sources" json:"sources"`
	Window  WindowConfig   `yaml:"window" json:"window"`
	State   StateConfig    `yaml:"state" json:"state"`

	// QuarantinePath lists source UIDs excluded from create/update.
	QuarantinePath string `yaml:"quarantine_path" json:"quarantine_path"`

	Google GoogleConfig `yaml:"google" json:"google"`
	Pacing PacingConfig `yaml:"pacing" json:"pacing"`

	// MaxOccurrencesPerEvent caps recurrence expansion of a single series.
	MaxOccurrencesPerEvent int `yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`

	// CacheDir stores HTTP feed bodies for ETag/Last-Modified revalidation.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timezone:   "America/New_York",
		CalendarID: "primary",
		Sources:    []SourceConfig{},
		Window: WindowConfig{
			PastDays:   30,
			FutureDays: 365,
		},
		State: StateConfig{
			Backend: BackendJSON,
		},
		Google: GoogleConfig{
			PageSize: 250,
		},
		Pacing: PacingConfig{
			SteadyDelay: 250 * time.Millisecond,
			MaxAttempts: 8,
			BaseBackoff: time.Second,
			MaxBackoff:  32 * time.Second,
		},
		MaxOccurrencesPerEvent: 5000,
		Schedule: ScheduleConfig{
			Cron:   "*/15 * * * *",
			Listen: "127.0.0.1:8080",
		},
		LogLevel: "info",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly. Relative paths are
// resolved against baseDir (the directory holding the config file).
func (c *Config) Normalize(baseDir string) {
	def := DefaultConfig()

	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.CalendarID == "" {
		c.CalendarID = def.CalendarID
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	for i := range c.Sources {
		if c.Sources[i].ID == "" {
			c.Sources[i].ID = fmt.Sprintf("source-%d", i+1)
		}
		c.Sources[i].Path = resolve(baseDir, c.Sources[i].Path)
	}
	if c.Window.PastDays < 0 {
		c.Window.PastDays = 0
	}
	if c.Window.PastDays == 0 && c.Window.FutureDays == 0 {
		c.Window = def.Window
	}
	if c.Window.FutureDays <= 0 {
		c.Window.FutureDays = def.Window.FutureDays
	}

	switch c.State.Backend {
	case BackendJSON, BackendSQLite:
	default:
		// Unknown value; fall back to the JSON file store.
		c.State.Backend = BackendJSON
	}
	if c.State.Path == "" {
		if c.State.Backend == BackendSQLite {
			c.State.Path = "sync_state.db"
		} else {
			c.State.Path = "sync_state.json"
		}
	}
	c.State.Path = resolve(baseDir, c.State.Path)
	if c.State.LockPath == "" {
		c.State.LockPath = c.State.Path + ".lock"
	}
	c.State.LockPath = resolve(baseDir, c.State.LockPath)
	if c.State.HealthPath == "" {
		c.State.HealthPath = "health.json"
	}
	c.State.HealthPath = resolve(baseDir, c.State.HealthPath)

	if c.QuarantinePath == "" {
		c.QuarantinePath = "quarantine.txt"
	}
	c.QuarantinePath = resolve(baseDir, c.QuarantinePath)

	if c.Google.CredentialsFile == "" {
		c.Google.CredentialsFile = "credentials.json"
	}
	if c.Google.TokenFile == "" {
		c.Google.TokenFile = "token.json"
	}
	c.Google.CredentialsFile = resolve(baseDir, c.Google.CredentialsFile)
	c.Google.TokenFile = resolve(baseDir, c.Google.TokenFile)
	if c.Google.PageSize <= 0 || c.Google.PageSize > 2500 {
		c.Google.PageSize = def.Google.PageSize
	}

	if c.Pacing.SteadyDelay < 0 {
		c.Pacing.SteadyDelay = 0
	}
	// Retry budget is kept within 5..8 attempts.
	if c.Pacing.MaxAttempts <= 0 {
		c.Pacing.MaxAttempts = def.Pacing.MaxAttempts
	}
	if c.Pacing.MaxAttempts < 5 {
		c.Pacing.MaxAttempts = 5
	}
	if c.Pacing.MaxAttempts > 8 {
		c.Pacing.MaxAttempts = 8
	}
	if c.Pacing.BaseBackoff <= 0 {
		c.Pacing.BaseBackoff = def.Pacing.BaseBackoff
	}
	if c.Pacing.MaxBackoff < c.Pacing.BaseBackoff {
		c.Pacing.MaxBackoff = def.Pacing.MaxBackoff
		if c.Pacing.MaxBackoff < c.Pacing.BaseBackoff {
			c.Pacing.MaxBackoff = c.Pacing.BaseBackoff
		}
	}

	if c.MaxOccurrencesPerEvent <= 0 {
		c.MaxOccurrencesPerEvent = def.MaxOccurrencesPerEvent
	}
	if c.CacheDir == "" {
		c.CacheDir = "cache"
	}
	c.CacheDir = resolve(baseDir, c.CacheDir)

	if c.Schedule.Cron == "" {
		c.Schedule.Cron = def.Schedule.Cron
	}
	if c.Schedule.Listen == "" {
		c.Schedule.Listen = def.Schedule.Listen
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// Location resolves Timezone. Normalize must have run first.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func resolve(baseDir, p string) string {
	if p == "" || baseDir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - apply CALBRIDGE_* environment overrides
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	baseDir := filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			applyEnv(cfg)
			cfg.Normalize(baseDir)
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnv(&cfg)
	cfg.Normalize(baseDir)

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return fsutil.WriteFileAtomic(path, data, 0o600)
}
