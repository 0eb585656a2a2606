package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mcphost/internal/config"
)

// WebSocketConfig configures a transport to an MCP server that speaks
// JSON-RPC over a websocket, one text frame per message.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Headers are sent with the upgrade request (e.g., Authorization).
	Headers map[string]string

	// HandshakeTimeout bounds the websocket upgrade. Zero means 30s.
	HandshakeTimeout time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WebSocketTransport is the websocket counterpart of [StreamTransport].
type WebSocketTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger
	in     *inbox

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// DialWebSocket connects to cfg.URL and starts reading messages.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig) (*WebSocketTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	logger.Info("MCP websocket connected", "url", cfg.URL)
	return newWebSocketTransport(conn, logger), nil
}

func newWebSocketTransport(conn *websocket.Conn, logger *slog.Logger) *WebSocketTransport {
	t := &WebSocketTransport{
		conn:   conn,
		logger: logger,
		in:     newInbox(),
	}
	go t.read()
	return t
}

func (t *WebSocketTransport) read() {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.in.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrDisconnected
			}
			t.in.fail(ioError(fmt.Errorf("read: %w", err)))
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		t.logger.Log(context.Background(), config.LevelTrace, "mcp recv", "payload", string(data))
		msg, cerr := Classify(data)
		ev := event{msg: msg}
		if cerr != nil {
			ev = event{err: serializationError(cerr)}
		}
		if !t.in.push(ev) {
			return
		}
	}
}

// Send writes msg as one text frame.
func (t *WebSocketTransport) Send(ctx context.Context, msg Message) error {
	if t.in.isClosed() {
		return closedError
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		return serializationError(fmt.Errorf("marshal message: %w", err))
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.in.isClosed() {
		return closedError
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	t.logger.Log(ctx, config.LevelTrace, "mcp send", "payload", string(data))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return ioError(fmt.Errorf("write: %w", err))
	}
	return nil
}

// Listen returns the next message from the peer.
func (t *WebSocketTransport) Listen(ctx context.Context) (Message, error) {
	return t.in.next(ctx)
}

// Monitor returns the next message from the peer for a draining loop.
func (t *WebSocketTransport) Monitor(ctx context.Context) (Message, error) {
	return t.in.next(ctx)
}

// Shutdown sends a close frame and closes the connection. WriteControl
// and Close may run alongside a blocked WriteMessage, so Shutdown does
// not take the write lock. Later calls return the first result.
func (t *WebSocketTransport) Shutdown() error {
	t.closeOnce.Do(func() {
		t.in.close()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		werr := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			t.logger.Debug("MCP websocket close frame failed", "error", werr)
		}
		if err := t.conn.Close(); err != nil {
			t.closeErr = ioError(fmt.Errorf("close: %w", err))
		}
	})
	return t.closeErr
}
