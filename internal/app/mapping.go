package app

import (
	"time"

	"distmon/internal/bridge"
	"distmon/internal/config"
	"distmon/internal/history"
	"distmon/internal/notify"
	"distmon/internal/obs"
	"distmon/internal/poll"
	"distmon/internal/preflight"
	"distmon/internal/storage"
	logx "distmon/pkg/logx"
)

// Mapping helpers translate the declarative config file into the concrete
// component configs. Every duration field is validated here so a bad hot
// reload is rejected before anything applies it.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    config.ExpandPath(cfg.Logging.File.Path),
		},
	}
}

func mapBridgeConfig(cfg *config.Config) (bridge.ClientConfig, error) {
	call, err := config.ResolveDuration("backend.call_timeout", cfg.Backend.CallTimeout, 15*time.Second)
	if err != nil {
		return bridge.ClientConfig{}, err
	}
	dial, err := config.ResolveDuration("backend.dial_timeout", cfg.Backend.DialTimeout, 3*time.Second)
	if err != nil {
		return bridge.ClientConfig{}, err
	}
	return bridge.ClientConfig{
		Socket:      config.ExpandPath(cfg.Backend.Socket),
		CallTimeout: call,
		DialTimeout: dial,
	}, nil
}

func mapPreflightConfig(cfg *config.Config) (preflight.Config, error) {
	probe, err := config.ResolveDuration("preflight.probe_interval", cfg.Preflight.ProbeInterval, 5*time.Second)
	if err != nil {
		return preflight.Config{}, err
	}
	steady, err := config.ResolveDuration("preflight.steady_interval", cfg.Preflight.SteadyInterval, 60*time.Second)
	if err != nil {
		return preflight.Config{}, err
	}
	return preflight.Config{ProbeInterval: probe, SteadyInterval: steady}, nil
}

func mapPollConfigs(cfg *config.Config) (map[poll.Type]poll.Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	type defaults struct {
		def, min, max time.Duration
		ptc           config.PollTypeConfig
	}
	table := map[poll.Type]defaults{
		poll.TypeDistros:   {10 * time.Second, 2 * time.Second, 60 * time.Second, cfg.Polling.Distros},
		poll.TypeResources: {5 * time.Second, time.Second, 60 * time.Second, cfg.Polling.Resources},
		poll.TypeHealth:    {30 * time.Second, 5 * time.Second, 300 * time.Second, cfg.Polling.Health},
	}
	out := make(map[poll.Type]poll.Config, len(table))
	for tp, d := range table {
		def, min, max := d.ptc.Durations(d.def, d.min, d.max)
		mult := d.ptc.BackoffMultiplier
		if mult == 0 {
			mult = 2
		}
		out[tp] = poll.Config{
			Default:    def,
			Min:        min,
			Max:        max,
			Multiplier: mult,
			Enabled:    d.ptc.IsEnabled(),
		}
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ResolveDuration("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        config.ExpandPath(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapRetentionConfig(cfg *config.Config) (history.RetentionConfig, error) {
	out := history.RetentionConfig{}
	if cfg.History == nil {
		return out, nil
	}
	maxAge, err := config.ResolveDuration("history.retention", cfg.History.Retention, 0)
	if err != nil {
		return out, err
	}
	out.MaxAge = maxAge
	out.Schedule = cfg.History.PruneSpec
	return out, nil
}

func mapDebugConfig(cfg *config.Config) obs.ServerConfig {
	return obs.ServerConfig{
		Enabled:              cfg.Debug.Enabled,
		Address:              cfg.Debug.Address,
		BlockProfileRate:     cfg.Debug.BlockProfileRate,
		MutexProfileFraction: cfg.Debug.MutexProfileFraction,
	}
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, notify.TelegramConfig) {
	if cfg.Notify == nil || cfg.Notify.Telegram == nil {
		return notify.Config{}, notify.TelegramConfig{}
	}
	t := cfg.Notify.Telegram
	ncfg := notify.Config{
		Enabled:     t.Enabled,
		MinTimeouts: t.MinTimeouts,
		RatePerMin:  t.RatePerMin,
	}
	return ncfg, notify.TelegramConfig{Token: t.Token, ChatID: t.ChatID}
}
