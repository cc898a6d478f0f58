package revwatch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/revwatch/revwatch/internal/gateway"
	"github.com/hazyhaar/revwatch/revwatch/review"
)

// Config is the top-level revwatch configuration.
type Config struct {
	Sources  []SourceConfig        `yaml:"sources"`
	State    StateConfig           `yaml:"state"`
	Notify   NotifyConfig          `yaml:"notify"`
	Fetch    gateway.Config        `yaml:"fetch"`
	Browser  gateway.BrowserConfig `yaml:"browser"`
	Schedule ScheduleConfig        `yaml:"schedule"`
	HTTP     HTTPConfig            `yaml:"http"`
	History  HistoryConfig         `yaml:"history"`
	LogLevel string                `yaml:"log_level"`
}

// SourceConfig is a source and the buckets watched on it.
type SourceConfig struct {
	gateway.Source `yaml:",inline"`
	Buckets        []review.Bucket `yaml:"buckets"`
}

// StateConfig selects the watermark store medium.
type StateConfig struct {
	Driver string `yaml:"driver"` // file | sqlite
	Path   string `yaml:"path"`

	// LegacyEntity ("source:bucket") receives a v1 flat state record.
	// Empty means the first configured entity.
	LegacyEntity string `yaml:"legacy_entity"`
}

// NotifyConfig controls message delivery.
type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	Stdout          bool   `yaml:"stdout"`
	Retries         int    `yaml:"retries"`

	// Pace spaces consecutive messages. Zero means 1s, negative disables pacing.
	Pace time.Duration `yaml:"pace"`

	Heartbeat     *bool `yaml:"heartbeat"`
	AlertFailures *bool `yaml:"alert_failures"`
}

// ScheduleConfig controls daemon mode.
type ScheduleConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// HTTPConfig controls the status API.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// HistoryConfig locates the run history database. Empty path disables it.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// Store drivers.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// DefaultBuckets are watched when a source lists none: the negative reviews.
var DefaultBuckets = []review.Bucket{1, 2}

func (c *Config) defaults() {
	for i := range c.Sources {
		c.Sources[i].Defaults()
		if len(c.Sources[i].Buckets) == 0 {
			c.Sources[i].Buckets = append([]review.Bucket(nil), DefaultBuckets...)
		}
	}
	if c.State.Driver == "" {
		c.State.Driver = DriverFile
	}
	if c.State.Path == "" {
		if c.State.Driver == DriverSQLite {
			c.State.Path = "revwatch.db"
		} else {
			c.State.Path = "review_state.json"
		}
	}
	if c.Notify.Retries <= 0 {
		c.Notify.Retries = 3
	}
	if c.Notify.Pace == 0 {
		c.Notify.Pace = time.Second
	}
	if c.Notify.Heartbeat == nil {
		c.Notify.Heartbeat = boolPtr(true)
	}
	if c.Notify.AlertFailures == nil {
		c.Notify.AlertFailures = boolPtr(true)
	}
	if c.Fetch.Mode == "" {
		c.Fetch.Mode = gateway.ModeAuto
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.Settle == 0 {
		c.Fetch.Settle = 7 * time.Second
	}
	if c.Schedule.Interval <= 0 {
		c.Schedule.Interval = time.Hour
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "127.0.0.1:8089"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// applyEnv overrides secrets and paths from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Notify.SlackWebhookURL = v
	}
	if v := getenv("REVWATCH_STATE_PATH"); v != "" {
		c.State.Path = v
	}
	if v := getenv("REVWATCH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the configuration. Errors wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("at least one source is required"))
	}
	seen := make(map[string]bool)
	for _, s := range c.Sources {
		if err := s.Source.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate source %q", s.ID))
		}
		seen[s.ID] = true
		buckets := make(map[review.Bucket]bool)
		for _, b := range s.Buckets {
			if !b.Valid() {
				errs = append(errs, fmt.Errorf("source %q: bucket %d out of range", s.ID, b))
			}
			if buckets[b] {
				errs = append(errs, fmt.Errorf("source %q: duplicate bucket %d", s.ID, b))
			}
			buckets[b] = true
		}
	}
	if c.State.Driver != DriverFile && c.State.Driver != DriverSQLite {
		errs = append(errs, fmt.Errorf("state.driver %q: want file or sqlite", c.State.Driver))
	}
	if c.State.LegacyEntity != "" {
		if e, err := review.ParseKey(c.State.LegacyEntity); err != nil {
			errs = append(errs, fmt.Errorf("state.legacy_entity: %w", err))
		} else if !slices.Contains(c.Entities(), e) {
			errs = append(errs, fmt.Errorf("state.legacy_entity %q is not a configured source bucket", c.State.LegacyEntity))
		}
	}
	if !c.Fetch.Mode.Valid() {
		errs = append(errs, fmt.Errorf("fetch.mode %q: want auto, http or browser", c.Fetch.Mode))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Entities returns the tracked entities in processing order: sources in
// configuration order, buckets in listed order.
func (c *Config) Entities() []review.Entity {
	var out []review.Entity
	for _, s := range c.Sources {
		for _, b := range s.Buckets {
			out = append(out, review.Entity{Source: s.ID, Bucket: b})
		}
	}
	return out
}

// LegacyDefault returns the entity that receives a v1 state record, or the
// zero entity to let the store pick the first one.
func (c *Config) LegacyDefault() review.Entity {
	if c.State.LegacyEntity == "" {
		return review.Entity{}
	}
	e, _ := review.ParseKey(c.State.LegacyEntity)
	return e
}

// LoadConfigFile reads a YAML configuration file, applies defaults and
// environment overrides, and validates the result.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("revwatch: read config: %w", err)
	}
	return ParseConfig(data, os.Getenv)
}

// ParseConfig decodes YAML configuration. Unknown keys are rejected.
func ParseConfig(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.defaults()
	if getenv != nil {
		cfg.applyEnv(getenv)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func boolPtr(b bool) *bool { return &b }
