// Package config handles mcphost configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcphost", "config.yaml"))
	}

	paths = append(paths, "/etc/mcphost/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Transport names accepted in [MCPServerConfig.Transport].
const (
	TransportStdio     = "stdio"
	TransportWebSocket = "websocket"
)

// Defaults applied by [Load] and [Default].
const (
	DefaultTimeoutMS      = 120000
	DefaultInitTimeout    = 60 * time.Second
	DefaultHealthInterval = 60 * time.Second
	DefaultTopicPrefix    = "mcphost"
)

// Config holds all mcphost configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json
	DataDir   string `yaml:"data_dir"`

	// Paths maps named prefixes to directories. Server commands and
	// working directories may use them, e.g. "tools:bin/server".
	Paths map[string]string `yaml:"paths"`

	MCP       MCPConfig       `yaml:"mcp"`
	Inventory InventoryConfig `yaml:"inventory"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// MCPConfig configures the set of MCP servers.
type MCPConfig struct {
	// InitTimeout bounds the initialize handshake of each server.
	InitTimeout time.Duration `yaml:"init_timeout"`

	// HealthInterval is how often Ready servers are pinged. Zero
	// disables health checks.
	HealthInterval time.Duration `yaml:"health_interval"`

	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server.
type MCPServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // stdio (default) or websocket

	// Stdio settings.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Cwd     string            `yaml:"cwd"`

	// Websocket settings.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// TimeoutMS bounds every request to this server.
	TimeoutMS int `yaml:"timeout_ms"`

	// IncludeTools, when non-empty, is an allowlist of MCP tool names.
	IncludeTools []string `yaml:"include_tools"`
	// ExcludeTools is a denylist applied when IncludeTools is empty.
	ExcludeTools []string `yaml:"exclude_tools"`

	Disabled bool `yaml:"disabled"`
}

// Timeout returns the per-request timeout.
func (s MCPServerConfig) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return DefaultTimeoutMS * time.Millisecond
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// EnvList returns Env as KEY=VALUE pairs.
func (s MCPServerConfig) EnvList() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	return out
}

// InventoryConfig configures the SQLite cache of list results.
type InventoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"` // sqlite3 (cgo, default) or sqlite (pure Go)
	Path    string `yaml:"path"`   // default: <data_dir>/inventory.db
}

// MQTTConfig configures the load-status publisher.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with no servers.
func Default() *Config {
	cfg := &Config{
		LogLevel:  "info",
		LogFormat: "text",
		DataDir:   "~/.local/share/mcphost",
		MCP: MCPConfig{
			InitTimeout:    DefaultInitTimeout,
			HealthInterval: DefaultHealthInterval,
		},
		Inventory: InventoryConfig{Driver: "sqlite3"},
		MQTT:      MQTTConfig{TopicPrefix: DefaultTopicPrefix},
	}
	return cfg
}

func (c *Config) applyDefaults() {
	for i := range c.MCP.Servers {
		s := &c.MCP.Servers[i]
		if s.Transport == "" {
			s.Transport = TransportStdio
		}
		if s.TimeoutMS == 0 {
			s.TimeoutMS = DefaultTimeoutMS
		}
	}
	if c.Inventory.Driver == "" {
		c.Inventory.Driver = "sqlite3"
	}
	if c.Inventory.Path == "" && c.DataDir != "" {
		c.Inventory.Path = filepath.Join(c.DataDir, "inventory.db")
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
}

// Validate reports every configuration problem found.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	seen := make(map[string]bool)
	for i, s := range c.MCP.Servers {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: %w", i, err))
		}
		if s.Name != "" && seen[s.Name] {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
	}

	if c.Inventory.Enabled {
		switch c.Inventory.Driver {
		case "sqlite3", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("inventory.driver %q (valid: sqlite3, sqlite)", c.Inventory.Driver))
		}
		if c.Inventory.Path == "" {
			errs = append(errs, errors.New("inventory.path is required when inventory is enabled"))
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
		} else if _, err := url.Parse(c.MQTT.Broker); err != nil {
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Validate checks a single server entry.
func (s MCPServerConfig) Validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	switch s.Transport {
	case "", TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("%s: command is required for stdio transport", s.Name)
		}
	case TransportWebSocket:
		if s.URL == "" {
			return fmt.Errorf("%s: url is required for websocket transport", s.Name)
		}
		u, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("%s: url: %w", s.Name, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("%s: url scheme %q (want ws or wss)", s.Name, u.Scheme)
		}
	default:
		return fmt.Errorf("%s: unknown transport %q (valid: stdio, websocket)", s.Name, s.Transport)
	}
	if s.TimeoutMS < 0 {
		return fmt.Errorf("%s: timeout_ms must not be negative", s.Name)
	}
	return nil
}

// EnabledServers returns the servers that are not disabled.
func (c *Config) EnabledServers() []MCPServerConfig {
	var out []MCPServerConfig
	for _, s := range c.MCP.Servers {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}
