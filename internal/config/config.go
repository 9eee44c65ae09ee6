package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Listen      string `yaml:"listen"`       // dispatcher address, or "stdio"
		AdminListen string `yaml:"admin_listen"` // control surface HTTP
		LogLevel    string `yaml:"log_level"`
		LogFormat   string `yaml:"log_format"` // text | json
	} `yaml:"server"`

	Pipeline struct {
		MaxConcurrent     int   `yaml:"max_concurrent"`
		DefaultDeadlineMS int64 `yaml:"default_deadline_ms"`
		MaxDeadlineMS     int64 `yaml:"max_deadline_ms"`
	} `yaml:"pipeline"`

	Ghidra struct {
		HeadlessPath     string `yaml:"headless_path"` // autodetected when empty
		ProjectDir       string `yaml:"project_dir"`
		OutputLimitBytes int    `yaml:"output_limit_bytes"`
	} `yaml:"ghidra"`

	OpenAI struct {
		APIKey           string `yaml:"api_key"` // falls back to OPENAI_API_KEY
		Model            string `yaml:"model"`
		MaxRetries       int    `yaml:"max_retries"`
		RetryBaseDelayMS int64  `yaml:"retry_base_delay_ms"`
	} `yaml:"openai"`

	Service struct {
		HealthIntervalMS   int64 `yaml:"health_interval_ms"`
		MaxHealthFailures  int   `yaml:"max_health_failures"`
		MaxRestarts        int   `yaml:"max_restarts"`
		RestartBaseDelayMS int64 `yaml:"restart_base_delay_ms"`
		RestartMaxDelayMS  int64 `yaml:"restart_max_delay_ms"`
		ShutdownGraceMS    int64 `yaml:"shutdown_grace_ms"`
	} `yaml:"service"`

	Journal struct {
		Path string `yaml:"path"` // empty → journal disabled
	} `yaml:"journal"`

	Archive struct {
		Enabled   bool   `yaml:"enabled"`
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		Region    string `yaml:"region"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"archive"`
}

// Load reads the YAML config file and applies defaults. A missing file is
// not an error: the defaults describe a runnable local instance.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8765"
	}
	if c.Server.AdminListen == "" {
		c.Server.AdminListen = "127.0.0.1:8766"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Pipeline.MaxConcurrent <= 0 {
		c.Pipeline.MaxConcurrent = 4
	}
	if c.Pipeline.DefaultDeadlineMS <= 0 {
		c.Pipeline.DefaultDeadlineMS = 300_000
	}
	if c.Pipeline.MaxDeadlineMS <= 0 {
		c.Pipeline.MaxDeadlineMS = 900_000
	}
	if c.Ghidra.OutputLimitBytes <= 0 {
		c.Ghidra.OutputLimitBytes = 1 << 20
	}
	if c.OpenAI.APIKey == "" {
		c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o"
	}
	if c.OpenAI.MaxRetries <= 0 {
		c.OpenAI.MaxRetries = 3
	}
	if c.OpenAI.RetryBaseDelayMS <= 0 {
		c.OpenAI.RetryBaseDelayMS = 2000
	}
	if c.Service.HealthIntervalMS <= 0 {
		c.Service.HealthIntervalMS = 60_000
	}
	if c.Service.MaxHealthFailures <= 0 {
		c.Service.MaxHealthFailures = 3
	}
	if c.Service.MaxRestarts <= 0 {
		c.Service.MaxRestarts = 5
	}
	if c.Service.RestartBaseDelayMS <= 0 {
		c.Service.RestartBaseDelayMS = 30_000
	}
	if c.Service.RestartMaxDelayMS <= 0 {
		c.Service.RestartMaxDelayMS = 300_000
	}
	if c.Service.ShutdownGraceMS <= 0 {
		c.Service.ShutdownGraceMS = 15_000
	}
	if c.Archive.Bucket == "" {
		c.Archive.Bucket = "ghidrad-artifacts"
	}
}

func (c *Config) validate() error {
	if c.Pipeline.DefaultDeadlineMS > c.Pipeline.MaxDeadlineMS {
		return fmt.Errorf("pipeline: default_deadline_ms %d exceeds max_deadline_ms %d",
			c.Pipeline.DefaultDeadlineMS, c.Pipeline.MaxDeadlineMS)
	}
	if c.Archive.Enabled && c.Archive.Endpoint == "" {
		return fmt.Errorf("archive: enabled but endpoint is empty")
	}
	return nil
}

// DefaultDeadline returns the per-request default deadline.
func (c *Config) DefaultDeadline() time.Duration {
	return time.Duration(c.Pipeline.DefaultDeadlineMS) * time.Millisecond
}

// MaxDeadline returns the per-request deadline ceiling. Caller-supplied
// deadlines above it are clamped.
func (c *Config) MaxDeadline() time.Duration {
	return time.Duration(c.Pipeline.MaxDeadlineMS) * time.Millisecond
}

// ClampDeadline applies the default and ceiling to a caller deadline.
func (c *Config) ClampDeadline(d time.Duration) time.Duration {
	if d <= 0 {
		return c.DefaultDeadline()
	}
	if max := c.MaxDeadline(); d > max {
		return max
	}
	return d
}
