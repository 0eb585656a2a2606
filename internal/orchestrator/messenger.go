package orchestrator

import (
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/mcp"
)

// BusMessenger publishes a server's list results onto an event bus.
// Publishing never blocks; a full subscriber misses the update.
type BusMessenger struct {
	bus    *events.Bus
	server string
}

var _ mcp.Messenger = (*BusMessenger)(nil)

// NewBusMessenger returns a messenger that tags every event with server.
func NewBusMessenger(bus *events.Bus, server string) *BusMessenger {
	return &BusMessenger{bus: bus, server: server}
}

func (m *BusMessenger) SendToolsListResult(r *mcp.ToolsListResult) error {
	return m.publish("send tools list", events.KindToolsList, map[string]any{"result": r})
}

func (m *BusMessenger) SendPromptsListResult(r *mcp.PromptsListResult) error {
	return m.publish("send prompts list", events.KindPromptsList, map[string]any{"result": r})
}

func (m *BusMessenger) SendResourcesListResult(r *mcp.ResourcesListResult) error {
	return m.publish("send resources list", events.KindResourcesList, map[string]any{"result": r})
}

func (m *BusMessenger) SendResourceTemplatesListResult(r *mcp.ResourceTemplatesListResult) error {
	return m.publish("send resource templates list", events.KindResourceTemplatesList, map[string]any{"result": r})
}

func (m *BusMessenger) SendInitMsg() error {
	return m.publish("send init", events.KindServerInit, map[string]any{})
}

// Duplicate returns an independent messenger on the same bus.
func (m *BusMessenger) Duplicate() mcp.Messenger {
	return &BusMessenger{bus: m.bus, server: m.server}
}

func (m *BusMessenger) publish(op, kind string, data map[string]any) error {
	data["server"] = m.server
	n := m.bus.Publish(events.Event{
		Source: events.SourceMCP,
		Kind:   kind,
		Data:   data,
	})
	if n == 0 {
		return &mcp.MessengerError{Op: op, Err: mcp.ErrNoConsumer}
	}
	return nil
}
