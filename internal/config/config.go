// Package config loads the engine's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SSAher3499/ecofarmlogix-engine/internal/events"
)

// Root is the top-level configuration.
type Root struct {
	Database DatabaseConfig    `yaml:"database"`
	MQTT     events.MQTTConfig `yaml:"mqtt"`
	Metrics  MetricsConfig     `yaml:"metrics"`
	Audit    AuditConfig       `yaml:"audit"`
	Polling  PollingConfig     `yaml:"polling"`
}

// DatabaseConfig locates the sqlite file holding devices, rules and
// schedules.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig controls the Prometheus scrape endpoint. An empty listen
// address disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. :9105
}

// AuditConfig controls the action log.
type AuditConfig struct {
	Dir       string `yaml:"dir"`
	Format    string `yaml:"format"` // jsonl | csv | both
	QueueSize int    `yaml:"queue_size"`
}

// PollingConfig holds engine-wide polling defaults; per-device settings in
// the database override the interval.
type PollingConfig struct {
	DefaultInterval time.Duration `yaml:"default_interval"`
	OfflineRetry    time.Duration `yaml:"offline_retry"`
	AlertTTL        time.Duration `yaml:"alert_ttl"`
}

// Load reads and validates a YAML config file, applying defaults for
// anything left unset.
func Load(path string) (*Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var root Root
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	root.applyDefaults()
	if err := root.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &root, nil
}

// Default returns a runnable local configuration.
func Default() *Root {
	root := &Root{}
	root.applyDefaults()
	return root
}

func (r *Root) applyDefaults() {
	if r.Database.Path == "" {
		r.Database.Path = "data/engine.sqlite"
	}
	if r.Audit.Dir == "" {
		r.Audit.Dir = "data"
	}
	if r.Audit.Format == "" {
		r.Audit.Format = "both"
	}
	if r.Audit.QueueSize <= 0 {
		r.Audit.QueueSize = 1000
	}
	if r.Polling.DefaultInterval <= 0 {
		r.Polling.DefaultInterval = 30 * time.Second
	}
	if r.Polling.OfflineRetry <= 0 {
		r.Polling.OfflineRetry = time.Minute
	}
	// Offline backoff never probes faster than regular polling.
	if r.Polling.OfflineRetry < r.Polling.DefaultInterval {
		r.Polling.OfflineRetry = r.Polling.DefaultInterval
	}
	if r.Polling.AlertTTL <= 0 {
		r.Polling.AlertTTL = 15 * time.Minute
	}
}

func (r *Root) validate() error {
	switch r.Audit.Format {
	case "jsonl", "json", "csv", "both":
	default:
		return fmt.Errorf("audit.format %q is not one of jsonl, csv, both", r.Audit.Format)
	}
	return nil
}
