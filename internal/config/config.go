package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models octoflow.yml.
type Config struct {
	App struct {
		Name string `yaml:"name"`
	} `yaml:"app"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret  string   `yaml:"jwt_secret"`
		Superusers []string `yaml:"superusers"`
	} `yaml:"auth"`
	Workflows struct {
		Dir string `yaml:"dir"`
	} `yaml:"workflows"`
	Storage struct {
		BusyTimeoutMS int `yaml:"busy_timeout_ms"`
	} `yaml:"storage"`
	Assignment struct {
		CacheSize int `yaml:"cache_size"`
	} `yaml:"assignment"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it or pass --config", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("config.app.name is required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Assignment.CacheSize < 0 {
		return fmt.Errorf("config.assignment.cache_size must not be negative")
	}
	if c.Storage.BusyTimeoutMS < 0 {
		return fmt.Errorf("config.storage.busy_timeout_ms must not be negative")
	}
	for _, u := range c.Auth.Superusers {
		if u == "" {
			return fmt.Errorf("config.auth.superusers contains an empty user id")
		}
	}
	return nil
}

// IsSuperuser reports whether the user id is configured as a superuser.
func (c *Config) IsSuperuser(userID string) bool {
	for _, u := range c.Auth.Superusers {
		if u == userID {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "octoflow.yml")
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `app:
  name: octoflow

server:
  addr: 127.0.0.1:8090
  base_path: /api/v1

auth:
  jwt_secret: ""
  superusers: []

workflows:
  dir: workflows

storage:
  busy_timeout_ms: 5000

assignment:
  cache_size: 256
`
