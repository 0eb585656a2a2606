package mqtt

import (
	"strings"
	"time"

	"github.com/nugget/mcphost/internal/buildinfo"
)

// HostInfo is published (retained) to the info topic on every broker
// (re-)connect. It identifies the host process behind the server
// topics.
type HostInfo struct {
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	StartedAt  time.Time `json:"started_at"`
}

// NewHostInfo creates the host identity from the persistent instance
// ID.
func NewHostInfo(instanceID string) HostInfo {
	return HostInfo{
		InstanceID: instanceID,
		Name:       buildinfo.Name,
		Version:    buildinfo.Version,
		StartedAt:  time.Now().Add(-buildinfo.Uptime()).UTC(),
	}
}

// ServerState is the retained payload of a server's state topic.
type ServerState struct {
	Server    string    `json:"server"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Tools     int       `json:"tools"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LoadRecord is the payload of a server's records topic.
type LoadRecord struct {
	Server  string    `json:"server"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// topicSegment makes a server name safe to use as a single topic level.
// MQTT reserves '/' as the level separator and '+' and '#' as wildcards.
func topicSegment(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, name)
}
