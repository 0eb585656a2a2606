package mcp

import (
	"errors"
	"fmt"
)

// ErrNoConsumer is returned by a [Messenger] when nothing is listening.
var ErrNoConsumer = errors.New("no messenger consumer")

// MessengerError is returned by every failing [Messenger] method. It
// never affects protocol state.
type MessengerError struct {
	Op  string
	Err error
}

func (e *MessengerError) Error() string {
	return fmt.Sprintf("messenger %s: %v", e.Op, e.Err)
}

func (e *MessengerError) Unwrap() error { return e.Err }

// Messenger pushes list results and lifecycle signals to whatever
// consumes them. Implementations must not block on consumer processing.
type Messenger interface {
	SendToolsListResult(*ToolsListResult) error
	SendPromptsListResult(*PromptsListResult) error
	SendResourcesListResult(*ResourcesListResult) error
	SendResourceTemplatesListResult(*ResourceTemplatesListResult) error

	// SendInitMsg signals that the server's launch sequence has begun.
	SendInitMsg() error

	// Duplicate returns an independent handle on the same channel.
	Duplicate() Messenger
}

// NullMessenger discards everything. It is used when no consumer exists.
type NullMessenger struct{}

var _ Messenger = NullMessenger{}

func (NullMessenger) SendToolsListResult(*ToolsListResult) error { return nil }
func (NullMessenger) SendPromptsListResult(*PromptsListResult) error { return nil }
func (NullMessenger) SendResourcesListResult(*ResourcesListResult) error { return nil }
func (NullMessenger) SendResourceTemplatesListResult(*ResourceTemplatesListResult) error {
	return nil
}
func (NullMessenger) SendInitMsg() error { return nil }

func (NullMessenger) Duplicate() Messenger { return NullMessenger{} }
