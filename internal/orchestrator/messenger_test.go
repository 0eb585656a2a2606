package orchestrator

import (
	"errors"
	"testing"

	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/mcp"
)

func TestBusMessenger_NoConsumer(t *testing.T) {
	m := NewBusMessenger(events.New(), "s")

	err := m.SendToolsListResult(&mcp.ToolsListResult{})
	if !errors.Is(err, mcp.ErrNoConsumer) {
		t.Fatalf("SendToolsListResult = %v, want ErrNoConsumer", err)
	}
	var me *mcp.MessengerError
	if !errors.As(err, &me) || me.Op != "send tools list" {
		t.Errorf("error = %#v, want *MessengerError", err)
	}

	if err := NewBusMessenger(nil, "s").SendInitMsg(); !errors.Is(err, mcp.ErrNoConsumer) {
		t.Errorf("nil bus SendInitMsg = %v, want ErrNoConsumer", err)
	}
}

func TestBusMessenger_Publishes(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)

	m := NewBusMessenger(bus, "github")
	dup := m.Duplicate()

	sends := []struct {
		kind string
		send func() error
	}{
		{events.KindServerInit, m.SendInitMsg},
		{events.KindToolsList, func() error { return dup.SendToolsListResult(&mcp.ToolsListResult{}) }},
		{events.KindPromptsList, func() error { return m.SendPromptsListResult(&mcp.PromptsListResult{}) }},
		{events.KindResourcesList, func() error { return dup.SendResourcesListResult(&mcp.ResourcesListResult{}) }},
		{events.KindResourceTemplatesList, func() error {
			return m.SendResourceTemplatesListResult(&mcp.ResourceTemplatesListResult{})
		}},
	}
	for _, s := range sends {
		if err := s.send(); err != nil {
			t.Fatalf("%s: %v", s.kind, err)
		}
		e := <-sub
		if e.Kind != s.kind || e.Source != events.SourceMCP {
			t.Errorf("event = %s/%s, want %s/%s", e.Source, e.Kind, events.SourceMCP, s.kind)
		}
		if e.Data["server"] != "github" {
			t.Errorf("%s server = %v", s.kind, e.Data["server"])
		}
	}
}
