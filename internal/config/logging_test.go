package config

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLogger_TraceLevelName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "json")
	logger.Log(context.Background(), LevelTrace, "mcp send", "payload", "{}")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v\n%s", err, buf.String())
	}
	if line["level"] != "TRACE" {
		t.Errorf("level = %v, want TRACE", line["level"])
	}
	if line["msg"] != "mcp send" {
		t.Errorf("msg = %v", line["msg"])
	}
}

func TestConfig_Logger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "warn", LogFormat: "text"}
	logger := cfg.Logger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "mcp_server", "github")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line logged at warn level:\n%s", out)
	}
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "mcp_server=github") {
		t.Errorf("output = %q", out)
	}
}
