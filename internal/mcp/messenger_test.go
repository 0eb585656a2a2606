package mcp

import (
	"errors"
	"testing"
)

func TestNullMessenger(t *testing.T) {
	var m Messenger = NullMessenger{}
	for name, err := range map[string]error{
		"tools":     m.SendToolsListResult(&ToolsListResult{}),
		"prompts":   m.SendPromptsListResult(&PromptsListResult{}),
		"resources": m.SendResourcesListResult(&ResourcesListResult{}),
		"templates": m.SendResourceTemplatesListResult(&ResourceTemplatesListResult{}),
		"init":      m.SendInitMsg(),
	} {
		if err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	if _, ok := m.Duplicate().(NullMessenger); !ok {
		t.Errorf("Duplicate() = %T, want NullMessenger", m.Duplicate())
	}
}

func TestMessengerError(t *testing.T) {
	var err error = &MessengerError{Op: "send tools list", Err: ErrNoConsumer}
	if got := err.Error(); got != "messenger send tools list: no messenger consumer" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, ErrNoConsumer) {
		t.Error("errors.Is(ErrNoConsumer) = false")
	}
}
