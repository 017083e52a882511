package config

import (
	"fmt"
	"time"

	"github.com/lumenworks/cadence/syncctl"
)

// Config represents a cadence.yaml configuration file.
// All values are optional and act as defaults for cadence serve flags.
// CLI flags always override config values.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Upload    UploadConfig    `yaml:"upload"`
	Ring      RingConfig      `yaml:"ring"`
	Sync      SyncConfig      `yaml:"sync"`
	Adapter   AdapterConfig   `yaml:"adapter"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// DeviceConfig identifies the device and its listen surface.
type DeviceConfig struct {
	ID        string `yaml:"id"`
	Listen    string `yaml:"listen"`
	FrameRate int    `yaml:"frame_rate"`
}

// UploadConfig holds artifact upload defaults from the config file.
type UploadConfig struct {
	Dir              string   `yaml:"dir"`
	MaxArtifactBytes int64    `yaml:"max_artifact_bytes"`
	MaxChunkBytes    int64    `yaml:"max_chunk_bytes"`
	StaleAge         Duration `yaml:"stale_age"`
	SweepInterval    Duration `yaml:"sweep_interval"`
}

// RingConfig holds frame buffer defaults from the config file.
type RingConfig struct {
	Capacity int `yaml:"capacity"`
}

// SyncConfig holds synchronization controller tuning from the config
// file. Zero values fall back to the controller's own defaults.
type SyncConfig struct {
	ProbeCount         int      `yaml:"probe_count"`
	ProbeTimeout       Duration `yaml:"probe_timeout"`
	ProbeInterval      Duration `yaml:"probe_interval"`
	MinProbes          int      `yaml:"min_probes"`
	SafetyMargin       Duration `yaml:"safety_margin"`
	CorrectionInterval Duration `yaml:"correction_interval"`
	SkipThresholdMs    float64  `yaml:"skip_threshold_ms"`
	DriftCeilingMs     float64  `yaml:"drift_ceiling_ms"`
	DriftGraceSteps    int      `yaml:"drift_grace_steps"`
}

// AdapterConfig holds status event adapter defaults from the config file.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// DiscoveryConfig controls the mDNS announcement.
// Enabled is a pointer so "omitted" and "false" stay distinct.
type DiscoveryConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// ControllerConfig converts the sync section into controller tuning.
// Unset fields stay zero so the controller applies its own defaults.
func (c *Config) ControllerConfig() syncctl.Config {
	return syncctl.Config{
		ProbeCount:         c.Sync.ProbeCount,
		ProbeTimeout:       c.Sync.ProbeTimeout.Duration,
		ProbeInterval:      c.Sync.ProbeInterval.Duration,
		MinProbes:          c.Sync.MinProbes,
		SafetyMargin:       c.Sync.SafetyMargin.Duration,
		CorrectionInterval: c.Sync.CorrectionInterval.Duration,
		SkipThresholdMs:    c.Sync.SkipThresholdMs,
		DriftCeilingMs:     c.Sync.DriftCeilingMs,
		DriftGraceSteps:    c.Sync.DriftGraceSteps,
	}
}

// DiscoveryEnabled reports whether the mDNS announcement should run.
// Defaults to on when the config omits the section.
func (c *Config) DiscoveryEnabled() bool {
	if c.Discovery.Enabled == nil {
		return true
	}
	return *c.Discovery.Enabled
}
