package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// instanceFile holds the instance ID inside the data directory.
const instanceFile = "instance_id"

// LoadOrCreateInstanceID reads the instance ID from dataDir, or
// generates a new UUIDv7 and persists it if none exists yet. The ID
// keeps the MQTT client identity stable across restarts so the broker
// resumes the same session.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}

// ClientID returns the MQTT client identifier: the configured one, or
// one derived from the instance ID.
func ClientID(configured, instanceID string) string {
	if configured != "" {
		return configured
	}
	return "mcphost-" + instanceID
}
