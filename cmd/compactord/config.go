package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// config describes the compactord YAML configuration.
type config struct {
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Control struct {
		Channel   string `yaml:"channel"`
		LimitsKey string `yaml:"limits_key"`
		NodeName  string `yaml:"node_name"`
	} `yaml:"control"`
	Compactor struct {
		QueueKey      string  `yaml:"queue_key"`
		LockKey       string  `yaml:"lock_key"`
		MinAge        float64 `yaml:"min_age"`
		MaxAge        float64 `yaml:"max_age"`
		IdleSleepSecs float64 `yaml:"idle_sleep"`
	} `yaml:"compactor"`
}

// loadConfig reads and validates the configuration file.
func loadConfig(path string) (config, error) {
	var cfg config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Compactor.MinAge < 0 || cfg.Compactor.MaxAge < 0 {
		return cfg, fmt.Errorf("compactor ages must not be negative")
	}
	if cfg.Compactor.MinAge > 0 && cfg.Compactor.MaxAge > 0 &&
		cfg.Compactor.MinAge >= cfg.Compactor.MaxAge {
		return cfg, fmt.Errorf("compactor.min_age must be less than compactor.max_age")
	}
	return cfg, nil
}

// idleSleep converts the fractional-second config value to a duration.
func (c config) idleSleep() time.Duration {
	return time.Duration(c.Compactor.IdleSleepSecs * float64(time.Second))
}
