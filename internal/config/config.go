// Package config loads the queue server's startup configuration file
// and watches it for the one field that plausibly changes across a
// long-running queue lifetime: the worker-id allow-list.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration marshals as a TOML/JSON duration string ("30s", "5m") rather
// than a raw integer of nanoseconds, so operator-facing duration fields
// read the way they are written.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("config: duration must be a string or nanosecond count: %w", err)
	}
	*d = Duration(n)
	return nil
}

// PortRange is the inclusive range the server picks its listen port
// from.
type PortRange struct {
	Min int `mapstructure:"min" toml:"min"`
	Max int `mapstructure:"max" toml:"max"`
}

// TerminationPolicy governs the auto-termination controller: the server
// exits gracefully once no activity-bearing request has arrived for this
// long, or never if Enabled is false. Whether jobs are still outstanding
// is not consulted.
type TerminationPolicy struct {
	Enabled bool     `mapstructure:"enabled" toml:"enabled"`
	IdleFor Duration `mapstructure:"idleFor" toml:"idleFor"`
}

// WorkerConfiguration is handed back to a worker at registration so its
// heartbeat cadence is never hard-coded independent of the server that
// judges it.
type WorkerConfiguration struct {
	ReportAliveIntervalSeconds    int `mapstructure:"reportAliveIntervalSeconds" toml:"reportAliveIntervalSeconds"`
	ReportAliveGraceSeconds       int `mapstructure:"reportAliveGraceSeconds" toml:"reportAliveGraceSeconds"`
	PollIntervalSeconds           int `mapstructure:"pollIntervalSeconds" toml:"pollIntervalSeconds"`
	BucketFetchMaxIntervalSeconds int `mapstructure:"bucketFetchMaxIntervalSeconds" toml:"bucketFetchMaxIntervalSeconds"`
}

// Config is the typed shape of the queue server's configuration file.
type Config struct {
	CheckAgainTimeInterval       Duration            `mapstructure:"checkAgainTimeInterval" toml:"checkAgainTimeInterval"`
	QueueServerTerminationPolicy TerminationPolicy   `mapstructure:"queueServerTerminationPolicy" toml:"queueServerTerminationPolicy"`
	DefaultWorkerConfiguration   WorkerConfiguration `mapstructure:"defaultWorkerConfiguration" toml:"defaultWorkerConfiguration"`
	WorkerIDs                    []string            `mapstructure:"workerIds" toml:"workerIds"`
	AnalyticsConfiguration       map[string]string   `mapstructure:"analyticsConfiguration" toml:"analyticsConfiguration"`
	PortRange                    PortRange           `mapstructure:"portRange" toml:"portRange"`
	UseOnlyIPv4                  bool                `mapstructure:"useOnlyIPv4" toml:"useOnlyIPv4"`

	ReaperInterval Duration `mapstructure:"reaperInterval" toml:"reaperInterval"`
	MaxResultBytes int64    `mapstructure:"maxResultBytes" toml:"maxResultBytes"`
	Environment    string   `mapstructure:"environment" toml:"environment"`
}

// Validate checks the invariants Load can't express through defaults
// alone.
func (c Config) Validate() error {
	if c.PortRange.Min <= 0 || c.PortRange.Max < c.PortRange.Min {
		return fmt.Errorf("config: invalid portRange %+v", c.PortRange)
	}
	if c.CheckAgainTimeInterval <= 0 {
		return fmt.Errorf("config: checkAgainTimeInterval must be positive")
	}
	if c.MaxResultBytes <= 0 {
		return fmt.Errorf("config: maxResultBytes must be positive")
	}
	return nil
}

const defaultMaxResultBytes = 32 * 1024 * 1024 // xcresult payloads get large

func withDefaults(c Config) Config {
	if c.CheckAgainTimeInterval == 0 {
		c.CheckAgainTimeInterval = Duration(2 * time.Second)
	}
	if c.ReaperInterval == 0 {
		c.ReaperInterval = Duration(time.Second)
	}
	if c.MaxResultBytes == 0 {
		c.MaxResultBytes = defaultMaxResultBytes
	}
	if c.PortRange.Min == 0 && c.PortRange.Max == 0 {
		c.PortRange = PortRange{Min: 9000, Max: 9100}
	}
	if c.DefaultWorkerConfiguration == (WorkerConfiguration{}) {
		c.DefaultWorkerConfiguration = WorkerConfiguration{
			ReportAliveIntervalSeconds:    5,
			ReportAliveGraceSeconds:       5,
			PollIntervalSeconds:           2,
			BucketFetchMaxIntervalSeconds: 10,
		}
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	return c
}
