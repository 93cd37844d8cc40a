// Package config loads the atelier YAML configuration. Every section reuses
// the owning package's Config type, so defaults stay with the code that
// applies them; this package only fills the process-level ones.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/atelier/compiler"
	"github.com/hazyhaar/atelier/observability"
	"github.com/hazyhaar/atelier/preview"
	"github.com/hazyhaar/atelier/sandbox"
	"github.com/hazyhaar/atelier/shield"
	"github.com/hazyhaar/atelier/thumbnail"
)

// Config is the full atelier configuration.
type Config struct {
	Listen   string                  `yaml:"listen"`
	Log      observability.LogConfig `yaml:"log"`
	Compiler compiler.Config         `yaml:"compiler"`
	// ArtifactDB persists compiled artifacts across restarts. Empty keeps
	// the compile cache in memory only.
	ArtifactDB    string              `yaml:"artifact_db"`
	Sandbox       sandbox.Config      `yaml:"sandbox"`
	Preview       preview.Config      `yaml:"preview"`
	Datasync      DatasyncConfig      `yaml:"datasync"`
	Recordstore   RecordstoreConfig   `yaml:"recordstore"`
	Thumbnail     ThumbnailConfig     `yaml:"thumbnail"`
	Observability ObservabilityConfig `yaml:"observability"`
	Shield        shield.Config       `yaml:"shield"`
}

// DatasyncConfig wires project collections to a backend.
type DatasyncConfig struct {
	// BackendURL is the default collection HTTP server. Empty serves
	// collections from the embedded record store when it is enabled.
	BackendURL string `yaml:"backend_url"`
	// RealtimeURL is the default realtime feed (http(s) SSE or ws(s)).
	RealtimeURL  string        `yaml:"realtime_url"`
	PathTemplate string        `yaml:"path_template"`
	Cooldown     time.Duration `yaml:"cooldown"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// RecordstoreConfig is the development record store.
type RecordstoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
	// Listen is used by "atelier records"; "atelier serve" mounts the store
	// on its own listener.
	Listen   string        `yaml:"listen"`
	Poll     time.Duration `yaml:"poll"`
	Debounce time.Duration `yaml:"debounce"`
}

// ThumbnailConfig enables preview screenshots.
type ThumbnailConfig struct {
	Enabled          bool `yaml:"enabled"`
	thumbnail.Config `yaml:",inline"`
}

// ObservabilityConfig enables the metrics database.
type ObservabilityConfig struct {
	DBPath        string        `yaml:"db_path"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = ":8420"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Recordstore.DBPath == "" {
		c.Recordstore.DBPath = "data/records.db"
	}
	if c.Recordstore.Listen == "" {
		c.Recordstore.Listen = ":8421"
	}
	if c.Recordstore.Poll <= 0 {
		c.Recordstore.Poll = 200 * time.Millisecond
	}
	if c.Recordstore.Debounce <= 0 {
		c.Recordstore.Debounce = 50 * time.Millisecond
	}
	if c.Observability.BufferSize <= 0 {
		c.Observability.BufferSize = 100
	}
	if c.Observability.FlushInterval <= 0 {
		c.Observability.FlushInterval = 5 * time.Second
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML text over the defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.defaults()
	return &cfg, cfg.Validate()
}

// Validate checks cross-section constraints.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format %q: use text or json", c.Log.Format)
	}
	if c.Datasync.RealtimeURL != "" && c.Datasync.BackendURL == "" && !c.Recordstore.Enabled {
		return fmt.Errorf("config: datasync.realtime_url needs a backend_url or the record store")
	}
	if c.Sandbox.LogCheckDelay > 0 && c.Sandbox.LogThrottle > 0 && c.Sandbox.LogCheckDelay <= c.Sandbox.LogThrottle {
		return fmt.Errorf("config: sandbox.log_check_delay must exceed log_throttle")
	}
	return nil
}
