// Package events provides a publish/subscribe bus that carries MCP list
// results and server lifecycle events from the orchestrator to its
// consumers (inventory cache, MQTT publisher, CLI). The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// SourceMCP identifies events from the MCP server orchestrator.
const SourceMCP = "mcp"

// Kind constants describe the type of event within a source. Every MCP
// event carries the server name under the "server" key.
const (
	// KindServerInit signals that a server's launch sequence began.
	// Data: server.
	KindServerInit = "server_init"
	// KindToolsList carries a complete tools/list result.
	// Data: server, result (*mcp.ToolsListResult).
	KindToolsList = "tools_list"
	// KindPromptsList carries a complete prompts/list result.
	// Data: server, result (*mcp.PromptsListResult).
	KindPromptsList = "prompts_list"
	// KindResourcesList carries a complete resources/list result.
	// Data: server, result (*mcp.ResourcesListResult).
	KindResourcesList = "resources_list"
	// KindResourceTemplatesList carries a complete
	// resources/templates/list result.
	// Data: server, result (*mcp.ResourceTemplatesListResult).
	KindResourceTemplatesList = "resource_templates_list"
	// KindServerState signals a server state transition, or a refreshed
	// tool count. State "removed" means the server was removed at
	// runtime. Data: server, state, reason, tools.
	KindServerState = "server_state"
	// KindLoadRecord signals a new entry in a server's load log.
	// Data: server, level, message.
	KindLoadRecord = "load_record"
)

// Event is a single event published on the bus.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers and returns how many
// received it. Non-blocking: if a subscriber's channel is full, the
// event is dropped for that subscriber. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) int {
	if b == nil {
		return 0
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for ch := range b.subs {
		select {
		case ch <- e:
			delivered++
		default:
			// Subscriber is full; drop rather than block.
		}
	}
	return delivered
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is enough for a handful of
// servers loading at once.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
