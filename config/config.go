// Package config provides configuration loading and management for semflow.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete semflow configuration.
type Config struct {
	Bus          BusConfig          `yaml:"bus"`
	KV           KVConfig           `yaml:"kv"`
	Model        ModelConfig        `yaml:"model"`
	Definitions  DefinitionsConfig  `yaml:"definitions"`
	Coordinators CoordinatorsConfig `yaml:"coordinators"`
	Dashboard    DashboardConfig    `yaml:"dashboard"`
}

// BusConfig configures the message fabric connection.
type BusConfig struct {
	// URL is the fabric endpoint (MESSAGE_BUS_URL).
	URL string `yaml:"url"`
}

// KVConfig configures the KV store connection.
type KVConfig struct {
	// URL is the KV endpoint (KV_URL). May coincide with the bus endpoint.
	URL string `yaml:"url"`
	// Namespace prefixes every key (KV_NAMESPACE).
	Namespace string `yaml:"namespace"`
	// DefaultTTL applies to keys written without an explicit TTL (KV_DEFAULT_TTL, seconds).
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ModelConfig configures the outbound model API.
type ModelConfig struct {
	// Endpoint is the OpenAI-compatible API base URL.
	Endpoint string `yaml:"endpoint"`
	// Model is the model identifier to request.
	Model string `yaml:"model"`
	// APIKey authenticates model calls. Only the MODEL_API_KEY environment
	// variable populates it; it never lives in a config file.
	APIKey string `yaml:"-"`
	// Timeout is the maximum time to wait for model responses.
	Timeout time.Duration `yaml:"timeout"`
}

// DefinitionsConfig locates the workflow-definition files.
type DefinitionsConfig struct {
	// Dir is the directory of per-platform definition YAML files.
	Dir string `yaml:"dir"`
	// Watch enables hot reload of definition files.
	Watch bool `yaml:"watch"`
}

// CoordinatorsConfig enables the orchestration phase coordinators.
type CoordinatorsConfig struct {
	Plan    bool `yaml:"plan"`
	Code    bool `yaml:"code"`
	Certify bool `yaml:"certify"`
	Deploy  bool `yaml:"deploy"`
	Monitor bool `yaml:"monitor"`
}

// DashboardConfig configures the metrics broadcaster.
type DashboardConfig struct {
	// Listen is the websocket/metrics listen address.
	Listen string `yaml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			URL: "nats://localhost:4222",
		},
		KV: KVConfig{
			URL:        "redis://localhost:6379",
			Namespace:  "semflow",
			DefaultTTL: time.Hour,
		},
		Model: ModelConfig{
			Endpoint: "http://localhost:11434/v1",
			Model:    "qwen2.5-coder:32b",
			Timeout:  3 * time.Minute,
		},
		Definitions: DefinitionsConfig{
			Dir:   "definitions",
			Watch: true,
		},
		Coordinators: CoordinatorsConfig{
			Plan:    true,
			Code:    true,
			Certify: true,
			Deploy:  true,
			Monitor: true,
		},
		Dashboard: DashboardConfig{
			Listen: ":8090",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required")
	}
	if c.KV.URL == "" {
		return fmt.Errorf("kv.url is required")
	}
	if c.Model.Endpoint == "" {
		return fmt.Errorf("model.endpoint is required")
	}
	if c.KV.DefaultTTL < 0 {
		return fmt.Errorf("kv.default_ttl must not be negative")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// ApplyEnv overlays the environment variables the core consumes.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MESSAGE_BUS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("KV_URL"); v != "" {
		c.KV.URL = v
	}
	if v := os.Getenv("KV_NAMESPACE"); v != "" {
		c.KV.Namespace = v
	}
	if v := os.Getenv("KV_DEFAULT_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.KV.DefaultTTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("MODEL_API_KEY"); v != "" {
		c.Model.APIKey = v
	}
	c.Coordinators.Plan = envBool("ENABLE_PLAN", c.Coordinators.Plan)
	c.Coordinators.Code = envBool("ENABLE_CODE", c.Coordinators.Code)
	c.Coordinators.Certify = envBool("ENABLE_CERTIFY", c.Coordinators.Certify)
	c.Coordinators.Deploy = envBool("ENABLE_DEPLOY", c.Coordinators.Deploy)
	c.Coordinators.Monitor = envBool("ENABLE_MONITOR", c.Coordinators.Monitor)
}

func envBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// Load reads the config file when present, applies environment overrides,
// and validates. A missing file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		if loaded, err := LoadFromFile(path); err == nil {
			config = loaded
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
