package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models fetchline.yml.
type Config struct {
	Planner struct {
		RequireCompleteMECE bool `yaml:"require_complete_mece"`
		CacheSize           int  `yaml:"cache_size"`
	} `yaml:"planner"`
	ContextRegistry map[string][]string `yaml:"context_registry"`
	Latency         struct {
		Models map[string]int `yaml:"models"` // target key -> t95 days
	} `yaml:"latency"`
	Connections struct {
		Live []string `yaml:"live"` // target keys with a live connection
	} `yaml:"connections"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Planner.CacheSize < 0 {
		return fmt.Errorf("config.planner.cache_size must be >= 0")
	}
	for key, values := range c.ContextRegistry {
		if key == "" {
			return fmt.Errorf("config.context_registry contains empty key")
		}
		if len(values) == 0 {
			return fmt.Errorf("context key %s has no expected values", key)
		}
		seen := map[string]bool{}
		for _, v := range values {
			if v == "" {
				return fmt.Errorf("context key %s has empty value", key)
			}
			if seen[v] {
				return fmt.Errorf("context key %s lists %s twice", key, v)
			}
			seen[v] = true
		}
	}
	for target, t95 := range c.Latency.Models {
		if target == "" {
			return fmt.Errorf("config.latency.models contains empty target key")
		}
		if t95 < 0 {
			return fmt.Errorf("t95 for %s must be >= 0", target)
		}
	}
	for _, target := range c.Connections.Live {
		if target == "" {
			return fmt.Errorf("config.connections.live contains empty target key")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fetchline.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `planner:
  require_complete_mece: true
  cache_size: 128

context_registry:
  channel: [google, meta, email, direct]

latency:
  models: {}

connections:
  live: []
`
