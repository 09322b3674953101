// Package config defines and loads the engine configuration.
// HCL is the primary format; JSON is accepted as a fallback.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the root configuration.
type Config struct {
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`

	// DatabasePath is the SQLite file holding the chain, policies, jobs,
	// and incidents. Default: /var/lib/chainlog/audit.db
	DatabasePath string `hcl:"database_path,optional" json:"database_path,omitempty"`

	// ArchiveDir receives cold-storage copies of purged entries.
	ArchiveDir string `hcl:"archive_dir,optional" json:"archive_dir,omitempty"`

	// ExportDir receives compliance export artifacts.
	ExportDir string `hcl:"export_dir,optional" json:"export_dir,omitempty"`

	Log       *LogConfig       `hcl:"log,block" json:"log,omitempty"`
	Retention *RetentionConfig `hcl:"retention,block" json:"retention,omitempty"`
	Verify    *VerifyConfig    `hcl:"verify,block" json:"verify,omitempty"`
	Anomaly   *AnomalyConfig   `hcl:"anomaly,block" json:"anomaly,omitempty"`
	Stream    *StreamConfig    `hcl:"stream,block" json:"stream,omitempty"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty"`
}

// RetentionConfig configures the sweep schedule and batching.
type RetentionConfig struct {
	// SweepInterval between automatic sweeps, e.g. "1h".
	SweepInterval string `hcl:"sweep_interval,optional" json:"sweep_interval,omitempty"`

	// BatchSize bounds one archive+purge unit.
	BatchSize int `hcl:"batch_size,optional" json:"batch_size,omitempty"`
}

// VerifyConfig configures periodic integrity verification.
type VerifyConfig struct {
	Interval string `hcl:"interval,optional" json:"interval,omitempty"`
}

// AnomalyConfig configures the action-burst detector.
type AnomalyConfig struct {
	Interval  string `hcl:"interval,optional" json:"interval,omitempty"`
	Window    string `hcl:"window,optional" json:"window,omitempty"`
	Threshold int64  `hcl:"threshold,optional" json:"threshold,omitempty"`
}

// StreamConfig configures the realtime websocket stream.
type StreamConfig struct {
	// SendBuffer is the per-subscriber event buffer; a full buffer drops
	// events for that subscriber rather than blocking publication.
	SendBuffer int `hcl:"send_buffer,optional" json:"send_buffer,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:       ":8420",
		DatabasePath: "/var/lib/chainlog/audit.db",
		ArchiveDir:   "/var/lib/chainlog/archive",
		ExportDir:    "/var/lib/chainlog/exports",
		Log:          &LogConfig{Level: "info"},
		Retention:    &RetentionConfig{SweepInterval: "1h", BatchSize: 100},
		Verify:       &VerifyConfig{Interval: "6h"},
		Anomaly:      &AnomalyConfig{Interval: "5m", Window: "10m", Threshold: 100},
		Stream:       &StreamConfig{SendBuffer: 64},
	}
}

// Load reads a config file (HCL or JSON) and fills unset fields with
// defaults. A missing path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	loaded := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, loaded); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := hclsimple.Decode(path, data, nil, loaded); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	merge(cfg, loaded)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge overlays non-zero fields from src onto dst.
func merge(dst, src *Config) {
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.DatabasePath != "" {
		dst.DatabasePath = src.DatabasePath
	}
	if src.ArchiveDir != "" {
		dst.ArchiveDir = src.ArchiveDir
	}
	if src.ExportDir != "" {
		dst.ExportDir = src.ExportDir
	}
	if src.Log != nil {
		if src.Log.Level != "" {
			dst.Log.Level = src.Log.Level
		}
		dst.Log.JSON = dst.Log.JSON || src.Log.JSON
	}
	if src.Retention != nil {
		if src.Retention.SweepInterval != "" {
			dst.Retention.SweepInterval = src.Retention.SweepInterval
		}
		if src.Retention.BatchSize > 0 {
			dst.Retention.BatchSize = src.Retention.BatchSize
		}
	}
	if src.Verify != nil && src.Verify.Interval != "" {
		dst.Verify.Interval = src.Verify.Interval
	}
	if src.Anomaly != nil {
		if src.Anomaly.Interval != "" {
			dst.Anomaly.Interval = src.Anomaly.Interval
		}
		if src.Anomaly.Window != "" {
			dst.Anomaly.Window = src.Anomaly.Window
		}
		if src.Anomaly.Threshold > 0 {
			dst.Anomaly.Threshold = src.Anomaly.Threshold
		}
	}
	if src.Stream != nil && src.Stream.SendBuffer > 0 {
		dst.Stream.SendBuffer = src.Stream.SendBuffer
	}
}

// Validate checks interval syntax and paths.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"retention.sweep_interval": c.Retention.SweepInterval,
		"verify.interval":          c.Verify.Interval,
		"anomaly.interval":         c.Anomaly.Interval,
		"anomaly.window":           c.Anomaly.Window,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	return nil
}

// Duration parses one of the interval fields, falling back to def when
// the field fails to parse (Validate catches that at load time).
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
