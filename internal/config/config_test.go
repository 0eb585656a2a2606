package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: info\n"), 0600)

	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

const sampleConfig = `
log_level: debug
data_dir: /var/lib/mcphost
mcp:
  init_timeout: 30s
  health_interval: 2m
  servers:
    - name: github
      command: npx
      args: ["-y", "@modelcontextprotocol/server-github"]
      env:
        GITHUB_TOKEN: ${MCPHOST_TEST_TOKEN}
      exclude_tools: [delete_repo]
    - name: remote
      transport: websocket
      url: wss://mcp.example.com/ws
      headers:
        Authorization: Bearer abc
      timeout_ms: 5000
    - name: off
      command: /bin/false
      disabled: true
inventory:
  enabled: true
  driver: sqlite
mqtt:
  enabled: true
  broker: mqtt://localhost:1883
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(sampleConfig), 0600)
	t.Setenv("MCPHOST_TEST_TOKEN", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.MCP.InitTimeout != 30*time.Second {
		t.Errorf("init_timeout = %v, want 30s", cfg.MCP.InitTimeout)
	}
	if cfg.MCP.HealthInterval != 2*time.Minute {
		t.Errorf("health_interval = %v, want 2m", cfg.MCP.HealthInterval)
	}
	if len(cfg.MCP.Servers) != 3 {
		t.Fatalf("servers = %d, want 3", len(cfg.MCP.Servers))
	}

	gh := cfg.MCP.Servers[0]
	if gh.Transport != TransportStdio {
		t.Errorf("default transport = %q, want stdio", gh.Transport)
	}
	if gh.Env["GITHUB_TOKEN"] != "secret123" {
		t.Errorf("env not expanded: %q", gh.Env["GITHUB_TOKEN"])
	}
	if gh.Timeout() != 120*time.Second {
		t.Errorf("default timeout = %v, want 120s", gh.Timeout())
	}

	remote := cfg.MCP.Servers[1]
	if remote.Timeout() != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", remote.Timeout())
	}

	if got := len(cfg.EnabledServers()); got != 2 {
		t.Errorf("EnabledServers = %d, want 2", got)
	}
	if cfg.Inventory.Path != filepath.Join("/var/lib/mcphost", "inventory.db") {
		t.Errorf("inventory path = %q", cfg.Inventory.Path)
	}
	if cfg.MQTT.TopicPrefix != DefaultTopicPrefix {
		t.Errorf("topic prefix = %q", cfg.MQTT.TopicPrefix)
	}
}

func TestLoad_Malformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mcp: [unclosed\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("Load of malformed YAML succeeded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		servers []MCPServerConfig
		wantErr string
	}{
		{
			name:    "valid",
			servers: []MCPServerConfig{{Name: "a", Command: "srv"}},
		},
		{
			name:    "missing name",
			servers: []MCPServerConfig{{Command: "srv"}},
			wantErr: "name is required",
		},
		{
			name:    "duplicate",
			servers: []MCPServerConfig{{Name: "a", Command: "x"}, {Name: "a", Command: "y"}},
			wantErr: "duplicate name",
		},
		{
			name:    "stdio without command",
			servers: []MCPServerConfig{{Name: "a", Transport: TransportStdio}},
			wantErr: "command is required",
		},
		{
			name:    "websocket without url",
			servers: []MCPServerConfig{{Name: "a", Transport: TransportWebSocket}},
			wantErr: "url is required",
		},
		{
			name:    "websocket with http url",
			servers: []MCPServerConfig{{Name: "a", Transport: TransportWebSocket, URL: "http://x"}},
			wantErr: "want ws or wss",
		},
		{
			name:    "unknown transport",
			servers: []MCPServerConfig{{Name: "a", Transport: "sse", URL: "http://x"}},
			wantErr: "unknown transport",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.MCP.Servers = tt.servers
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_Ambient(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	cfg.LogFormat = "xml"
	cfg.Inventory = InventoryConfig{Enabled: true, Driver: "postgres", Path: "x.db"}
	cfg.MQTT = MQTTConfig{Enabled: true}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate succeeded")
	}
	for _, want := range []string{"unknown log level", "log_format", "inventory.driver", "mqtt.broker"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "INFO", false},
		{"trace", "DEBUG-4", false},
		{" Debug ", "DEBUG", false},
		{"warning", "WARN", false},
		{"error", "ERROR", false},
		{"verbose", "", true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got.String() != tt.want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
