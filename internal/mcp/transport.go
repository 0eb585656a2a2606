package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Transport carries complete JSON-RPC messages to and from one MCP server.
// Implementations must allow Send to be called concurrently with Listen
// or Monitor, and must serialise concurrent Send calls.
type Transport interface {
	// Send writes one framed message to the peer. It does not wait for
	// a reply.
	Send(ctx context.Context, msg Message) error

	// Listen returns the next message read from the peer. Malformed
	// payloads surface as a [TransportKindSerialization] error and the
	// stream stays usable; an I/O failure is terminal and is returned by
	// every later call.
	Listen(ctx context.Context) (Message, error)

	// Monitor has the same contract as Listen. It is the entry point for
	// a dedicated draining loop.
	Monitor(ctx context.Context) (Message, error)

	// Shutdown releases the underlying process or connection. It is
	// idempotent; afterwards Send and Listen fail with
	// [ErrTransportClosed].
	Shutdown() error
}

// TransportKind classifies a [TransportError].
type TransportKind int

// Transport error kinds.
const (
	// TransportKindSerialization is a malformed payload. Not fatal.
	TransportKindSerialization TransportKind = iota + 1
	// TransportKindStdio is an I/O failure. Fatal for the connection.
	TransportKindStdio
	// TransportKindCustom is any other transport failure.
	TransportKindCustom
)

func (k TransportKind) String() string {
	switch k {
	case TransportKindSerialization:
		return "serialization"
	case TransportKindStdio:
		return "io"
	default:
		return "transport"
	}
}

// Transport sentinels, usable with errors.Is against a *TransportError.
var (
	ErrSerialization   = errors.New("serialization error")
	ErrDisconnected    = errors.New("mcp server disconnected")
	ErrTransportClosed = errors.New("transport closed")
)

// TransportError is returned by every Transport method.
type TransportError struct {
	Kind TransportKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrSerialization:
		return e.Kind == TransportKindSerialization
	case ErrDisconnected:
		return e.Kind == TransportKindStdio
	}
	return false
}

func serializationError(err error) error {
	return &TransportError{Kind: TransportKindSerialization, Err: err}
}

func ioError(err error) error {
	return &TransportError{Kind: TransportKindStdio, Err: err}
}

// closedError is the single error value every call observes after Shutdown.
var closedError = &TransportError{Kind: TransportKindStdio, Err: ErrTransportClosed}

// IsFatal reports whether a transport error ends the connection.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrSerialization)
}

// event is one item read off the wire.
type event struct {
	msg Message
	err error
}

// inbox is the event channel shared by the transport implementations.
// The reader goroutine pushes into it; Listen and Monitor drain it.
type inbox struct {
	events chan event
	closed chan struct{}

	mu   sync.Mutex
	term error // terminal error once the read side failed
	once sync.Once
}

const inboxCapacity = 100

func newInbox() *inbox {
	return &inbox{
		events: make(chan event, inboxCapacity),
		closed: make(chan struct{}),
	}
}

// push delivers an event unless the inbox is closed. It reports false
// once the transport has been shut down so the reader can exit.
func (b *inbox) push(ev event) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.closed:
		return false
	}
}

// fail records a terminal read error. Buffered events are still
// delivered before the error.
func (b *inbox) fail(err error) {
	b.mu.Lock()
	if b.term == nil {
		b.term = err
	}
	b.mu.Unlock()
	b.push(event{err: err})
}

// close makes every pending and future next call return closedError.
func (b *inbox) close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.term = closedError
		b.mu.Unlock()
		close(b.closed)
	})
}

func (b *inbox) terminal() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.term
}

func (b *inbox) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func (b *inbox) next(ctx context.Context) (Message, error) {
	if b.isClosed() {
		return nil, closedError
	}

	// Drain whatever was read before a terminal failure first.
	select {
	case ev := <-b.events:
		return ev.msg, ev.err
	default:
	}
	if t := b.terminal(); t != nil {
		return nil, t
	}

	select {
	case ev := <-b.events:
		return ev.msg, ev.err
	case <-b.closed:
		return nil, closedError
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
