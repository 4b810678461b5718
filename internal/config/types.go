package config

import (
	"fmt"
	"time"
)

// Config is the root daemon configuration.
//
// It is decoded strictly (unknown fields rejected) from JSON or YAML.
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Backend BackendConfig `json:"backend"`
	Control ControlConfig `json:"control"`
	Polling PollingConfig `json:"polling"`

	Preflight PreflightConfig `json:"preflight,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	History   *HistoryConfig  `json:"history,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`
	Notify    *NotifyConfig   `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// BackendConfig locates the virtualization backend's invocation socket.
type BackendConfig struct {
	Socket      string `json:"socket"`
	CallTimeout string `json:"call_timeout,omitempty"` // default 15s
	DialTimeout string `json:"dial_timeout,omitempty"` // default 3s
}

// ControlConfig locates the socket the desktop frontend connects to.
type ControlConfig struct {
	Socket string `json:"socket"`
}

// PollingConfig holds per poll type scheduling settings.
type PollingConfig struct {
	Distros   PollTypeConfig `json:"distros,omitempty"`
	Resources PollTypeConfig `json:"resources,omitempty"`
	Health    PollTypeConfig `json:"health,omitempty"`
}

// PollTypeConfig configures one poll type.
//
// Enabled is a pointer so we can distinguish "omitted" (default true)
// from an explicit false.
type PollTypeConfig struct {
	Interval          string  `json:"interval,omitempty"`
	MinInterval       string  `json:"min_interval,omitempty"`
	MaxInterval       string  `json:"max_interval,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	Enabled           *bool   `json:"enabled,omitempty"`
}

type PreflightConfig struct {
	ProbeInterval  string `json:"probe_interval,omitempty"`  // while backend unready, default 5s
	SteadyInterval string `json:"steady_interval,omitempty"` // once ready, default 60s
}

// StorageConfig selects the history persistence backend.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", history persistence is disabled.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type HistoryConfig struct {
	Retention string `json:"retention,omitempty"`  // default 168h
	PruneSpec string `json:"prune_spec,omitempty"` // cron spec, default "@daily"
}

// DebugConfig controls the optional debug HTTP server (pprof + metrics).
type DebugConfig struct {
	Enabled              bool   `json:"enabled"`
	Address              string `json:"address,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
}

type NotifyConfig struct {
	Telegram *TelegramNotifyConfig `json:"telegram,omitempty"`
}

// TelegramNotifyConfig configures the optional operator advisory channel.
type TelegramNotifyConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	MinTimeouts int    `json:"min_timeouts,omitempty"` // default 3
	RatePerMin  int    `json:"rate_per_min,omitempty"` // default 6
}

// Validate checks cross-field invariants that strict decoding cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.Backend.Socket == "" {
		return fmt.Errorf("backend.socket is required")
	}
	if c.Control.Socket == "" {
		return fmt.Errorf("control.socket is required")
	}
	for _, p := range []struct {
		name string
		cfg  PollTypeConfig
	}{
		{"polling.distros", c.Polling.Distros},
		{"polling.resources", c.Polling.Resources},
		{"polling.health", c.Polling.Health},
	} {
		if err := p.cfg.validate(p.name); err != nil {
			return err
		}
	}
	return nil
}

func (p PollTypeConfig) validate(path string) error {
	def, err := OptionalDuration(path+".interval", p.Interval)
	if err != nil {
		return err
	}
	min, err := OptionalDuration(path+".min_interval", p.MinInterval)
	if err != nil {
		return err
	}
	max, err := OptionalDuration(path+".max_interval", p.MaxInterval)
	if err != nil {
		return err
	}
	if err := checkIntervalOrder(path, def, min, max); err != nil {
		return err
	}
	if p.BackoffMultiplier != 0 && p.BackoffMultiplier < 1 {
		return fmt.Errorf("%s: backoff_multiplier must be >= 1", path)
	}
	return nil
}

// Durations resolves the duration-string fields of one poll type with defaults.
func (p PollTypeConfig) Durations(def, min, max time.Duration) (time.Duration, time.Duration, time.Duration) {
	if d, err := OptionalDuration("", p.Interval); err == nil && d > 0 {
		def = d
	}
	if d, err := OptionalDuration("", p.MinInterval); err == nil && d > 0 {
		min = d
	}
	if d, err := OptionalDuration("", p.MaxInterval); err == nil && d > 0 {
		max = d
	}
	return def, min, max
}

// IsEnabled resolves the tri-state Enabled flag (omitted means true).
func (p PollTypeConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}
