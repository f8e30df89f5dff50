package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ExchangeConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

const (
	_baseURLDefault = "https://api.kraken.com"
	_timeoutDefault = 30 * time.Second
)

func (c *ExchangeConfig) Setup() error {
	if c.BaseURL == "" {
		c.BaseURL = _baseURLDefault
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("%w: can't parse exchange base url", err)
	}
	if c.Timeout <= 0 {
		c.Timeout = _timeoutDefault
	}
	return nil
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

const _portDefault = "8080"

func (c *ServerConfig) Setup() {
	if c.Port == "" {
		c.Port = _portDefault
	}
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	DryRun  bool `yaml:"dry_run"` // validate-only orders for every scheduled cycle
}

type RebalancerConfig struct {
	LogLevel  string          `yaml:"log_level"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

const _logLevelDefault = "info"

func (c *RebalancerConfig) ValidateAndSetup() error {
	if c.LogLevel == "" {
		c.LogLevel = _logLevelDefault
	}

	if err := c.Exchange.Setup(); err != nil {
		return fmt.Errorf("%w: can't setup exchange", err)
	}

	c.Server.Setup()

	return nil
}

func LoadRebalancerConfig(filename string) (RebalancerConfig, error) {
	var cfg RebalancerConfig
	input, err := os.ReadFile(filename)
	if err != nil {
		return cfg, fmt.Errorf("%w: can't read file", err)
	}

	if err := yaml.Unmarshal(input, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: can't unmarshal config", err)
	}

	if err := cfg.ValidateAndSetup(); err != nil {
		return cfg, fmt.Errorf("%w: can't setup cfg", err)
	}

	return cfg, nil
}
