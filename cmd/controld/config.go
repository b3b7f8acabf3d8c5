package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// config describes the controld YAML configuration.
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
		Channel       string  `yaml:"channel"`
		LimitsKey     string  `yaml:"limits_key"`
		ErrorsKey     string  `yaml:"errors_key"`
		ErrorsChannel string  `yaml:"errors_channel"`
		NodeName      string  `yaml:"node_name"`
		ReloadSpread  float64 `yaml:"reload_spread"`
	} `yaml:"control"`
	Remote struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
		AuthKey string `yaml:"authkey"`
	} `yaml:"remote"`
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
	if cfg.Control.ReloadSpread < 0 {
		return cfg, fmt.Errorf("control.reload_spread must not be negative")
	}
	if cfg.Remote.Enabled && cfg.Remote.Host == "" {
		cfg.Remote.Host = "localhost"
	}
	return cfg, nil
}
