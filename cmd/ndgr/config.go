package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds connection tuning overridable from a YAML file, in the
// Config/Unmarshal shape this retrieval pack's config loaders use.
type Config struct {
	ReconnectDelaysSec []int  `yaml:"reconnectDelaysSec"`
	BackwardPageSize   int    `yaml:"backwardPageSize"`
	BackwardDelaySec   int    `yaml:"backwardDelaySec"`
	OutputFormat       string `yaml:"outputFormat"`
}

func defaultConfig() Config {
	return Config{
		ReconnectDelaysSec: []int{5, 10, 15, 30, 30},
		BackwardPageSize:   10,
		BackwardDelaySec:   1,
		OutputFormat:       "text",
	}
}

func (c Config) backwardDelay() time.Duration {
	return time.Duration(c.BackwardDelaySec) * time.Second
}

func (c Config) retryDelays() []time.Duration {
	delays := make([]time.Duration, len(c.ReconnectDelaysSec))
	for i, sec := range c.ReconnectDelaysSec {
		delays[i] = time.Duration(sec) * time.Second
	}
	return delays
}

func loadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
