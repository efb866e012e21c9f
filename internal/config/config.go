package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Cache struct {
		TTL string `yaml:"ttl"`
	} `yaml:"cache"`
	Sync struct {
		PollInterval string `yaml:"poll_interval"`
		FetchTimeout string `yaml:"fetch_timeout"`
	} `yaml:"sync"`
	Attempt struct {
		TickInterval string `yaml:"tick_interval"`
		SubmitGrace  string `yaml:"submit_grace"`
	} `yaml:"attempt"`
	Scheduler struct {
		Interval string `yaml:"interval"`
	} `yaml:"scheduler"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Defaults applied by the Duration accessors.
const (
	DefaultCacheTTL       = 10 * time.Minute
	DefaultPollInterval   = 15 * time.Second
	DefaultFetchTimeout   = 10 * time.Second
	DefaultTickInterval   = time.Second
	DefaultSubmitGrace    = 30 * time.Second
	DefaultSchedulerEvery = 30 * time.Second
)

// Load reads YAML config from path. A missing file yields the zero config so
// the service can start on defaults and environment alone.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Duration parses a duration string or returns the fallback if empty,
// malformed or not positive.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return fallback
}

func (c Config) CacheTTL() time.Duration { return Duration(c.Cache.TTL, DefaultCacheTTL) }

func (c Config) PollInterval() time.Duration {
	return Duration(c.Sync.PollInterval, DefaultPollInterval)
}

func (c Config) FetchTimeout() time.Duration {
	return Duration(c.Sync.FetchTimeout, DefaultFetchTimeout)
}

func (c Config) TickInterval() time.Duration {
	return Duration(c.Attempt.TickInterval, DefaultTickInterval)
}

func (c Config) SchedulerInterval() time.Duration {
	return Duration(c.Scheduler.Interval, DefaultSchedulerEvery)
}

// SubmitGrace is how long past started_at + duration the server still accepts
// a submission.
func (c Config) SubmitGrace() time.Duration {
	return Duration(c.Attempt.SubmitGrace, DefaultSubmitGrace)
}
