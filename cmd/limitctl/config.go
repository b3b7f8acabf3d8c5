package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// config describes the limitctl YAML configuration.
type config struct {
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Control struct {
		Channel   string `yaml:"channel"`
		LimitsKey string `yaml:"limits_key"`
		ErrorsKey string `yaml:"errors_key"`
	} `yaml:"control"`
}

// loadConfig reads the configuration file and fills in defaults.
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
	if cfg.Control.Channel == "" {
		cfg.Control.Channel = "control"
	}
	if cfg.Control.LimitsKey == "" {
		cfg.Control.LimitsKey = "limits"
	}
	if cfg.Control.ErrorsKey == "" {
		cfg.Control.ErrorsKey = "errors"
	}
	return cfg, nil
}
