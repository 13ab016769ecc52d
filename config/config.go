// Package config loads the recorder's configuration document.
//
// The document is the original config.json layout: a sensor section naming
// sensor_type with the driver's options inline, a mobile_network section and
// a device section. Additional sections configure the store, the sync worker,
// storage selection, metrics and logging. YAML is a superset of JSON, so the
// document may be written in either.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the name of the configuration document on both storage roots.
const FileName = "config.json"

// DefaultSensorType is used when the document names no sensor.
const DefaultSensorType = "I2SMic"

// ErrNoConfig is returned by Resolve when no usable document exists and the
// recorder cannot fall back to offline recording.
var ErrNoConfig = errors.New("config: no usable configuration")

// Document is the full configuration document.
type Document struct {
	Sensor        Sensor        `yaml:"sensor"`
	MobileNetwork MobileNetwork `yaml:"mobile_network"`
	Device        Device        `yaml:"device"`
	Store         Store         `yaml:"store"`
	Sync          Sync          `yaml:"sync"`
	Connectivity  Connectivity  `yaml:"connectivity"`
	Metrics       Metrics       `yaml:"metrics"`
	Log           Log           `yaml:"log"`

	// OfflineMode disables the sync worker and connectivity guard.
	OfflineMode bool `yaml:"offline_mode"`
}

// Sensor selects the driver; all other keys are driver options.
type Sensor struct {
	Type    string         `yaml:"sensor_type"`
	Options map[string]any `yaml:",inline"`
}

// MobileNetwork holds the modem's APN settings.
type MobileNetwork struct {
	Hostname string `yaml:"hostname"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Device identifies where uploads are filed.
type Device struct {
	ProjectID     string `yaml:"project_id"`
	ConfigID      string `yaml:"config_id"`
	GCSBucketName string `yaml:"gcs_bucket_name"`
}

// Store selects the remote store adapter. Options are passed to the
// adapter's factory unchanged. Units are also delivered to every mirror and
// count as uploaded only once all of them have acknowledged.
type Store struct {
	Type    string            `yaml:"type"`
	Options map[string]string `yaml:"options"`
	Mirrors []Store           `yaml:"mirrors"`
}

// Sync configures the upload worker.
type Sync struct {
	// Interval between passes. Zero uses the sensor's suggestion.
	Interval time.Duration `yaml:"interval"`

	// StartDelay before the first pass. Unset means half the interval.
	StartDelay *time.Duration `yaml:"start_delay"`

	InitialBackoff         time.Duration `yaml:"initial_backoff"`
	MaxBackoff             time.Duration `yaml:"max_backoff"`
	BandwidthLimit         int64         `yaml:"bandwidth_limit"`
	Verify                 bool          `yaml:"verify"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	UploadTimeout          time.Duration `yaml:"upload_timeout"`
}

// Connectivity configures the reachability check before each pass.
type Connectivity struct {
	// ProbeURL is requested with HEAD. Empty probes the store itself.
	ProbeURL     string        `yaml:"probe_url"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Metrics configures the Prometheus endpoint. Empty Addr disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Log configures logging. The log directory is a bootstrap setting since
// logging starts before the document is read.
type Log struct {
	Level string `yaml:"level"`
}

// Default returns the document used when no file is available.
func Default() *Document {
	var d Document
	d.applyDefaults()
	return &d
}

// Load reads, defaults and validates the document at path.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes, defaults and validates a document.
func Parse(raw []byte) (*Document, error) {
	var d Document
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	d.applyDefaults()
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Document) applyDefaults() {
	if d.Sensor.Type == "" {
		d.Sensor.Type = DefaultSensorType
	}
	if d.Device.ProjectID == "" {
		d.Device.ProjectID = "na"
	}
	if d.Device.ConfigID == "" {
		d.Device.ConfigID = "na"
	}
	if d.Store.Type == "" {
		// Recorders in the field deliver to GCS through its S3 interface.
		d.Store.Type = "s3"
		if d.Store.Options == nil {
			d.Store.Options = map[string]string{}
		}
		if _, ok := d.Store.Options["endpoint"]; !ok {
			d.Store.Options["endpoint"] = "gcs"
		}
	}
	if d.Store.Type == "s3" && d.Device.GCSBucketName != "" {
		if d.Store.Options == nil {
			d.Store.Options = map[string]string{}
		}
		if _, ok := d.Store.Options["bucket"]; !ok {
			d.Store.Options["bucket"] = d.Device.GCSBucketName
		}
	}
	if d.Sync.MaxConsecutiveFailures == 0 {
		d.Sync.MaxConsecutiveFailures = 3
	}
	if d.Connectivity.Timeout == 0 {
		d.Connectivity.Timeout = 5 * time.Minute
	}
	if d.Connectivity.PollInterval == 0 {
		d.Connectivity.PollInterval = time.Second
	}
	if d.Log.Level == "" {
		d.Log.Level = "info"
	}
}

func (d *Document) validate() error {
	if d.Sync.StartDelay != nil && *d.Sync.StartDelay < 0 {
		return fmt.Errorf("config: sync.start_delay must not be negative")
	}
	if d.Sync.Interval < 0 {
		return fmt.Errorf("config: sync.interval must not be negative")
	}
	if d.Sync.BandwidthLimit < 0 {
		return fmt.Errorf("config: sync.bandwidth_limit must not be negative")
	}
	if d.Sync.MaxBackoff > 0 && d.Sync.MaxBackoff < d.Sync.InitialBackoff {
		return fmt.Errorf("config: sync.max_backoff is below sync.initial_backoff")
	}
	if _, err := parseLevel(d.Log.Level); err != nil {
		return err
	}
	for i, m := range d.Store.Mirrors {
		if m.Type == "" {
			return fmt.Errorf("config: store.mirrors[%d].type is required", i)
		}
	}
	for _, id := range []string{d.Device.ProjectID, d.Device.ConfigID} {
		if strings.ContainsAny(id, `/\`) {
			return fmt.Errorf("config: device id %q contains a path separator", id)
		}
	}
	return nil
}

// Prefix returns the ready-area prefix for deviceID, which is also the
// remote key prefix: proj_<project_id>/bugg_<device>/conf_<config_id>.
func (d *Document) Prefix(deviceID string) string {
	return fmt.Sprintf("proj_%s/bugg_%s/conf_%s", d.Device.ProjectID, deviceID, d.Device.ConfigID)
}

// LogLevel returns the configured slog level.
func (d *Document) LogLevel() slog.Level {
	level, _ := parseLevel(d.Log.Level)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
}
