package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcphost/internal/buildinfo"
)

// DefaultTimeout bounds a single request when [ClientConfig.Timeout] is
// zero.
const DefaultTimeout = 120 * time.Second

// Method names used by the client.
const (
	MethodInitialize            = "initialize"
	MethodPing                  = "ping"
	MethodToolsList             = "tools/list"
	MethodToolsCall             = "tools/call"
	MethodPromptsList           = "prompts/list"
	MethodPromptsGet            = "prompts/get"
	MethodResourcesList         = "resources/list"
	MethodResourcesRead         = "resources/read"
	MethodResourceTemplatesList = "resources/templates/list"

	NotificationInitialized        = "notifications/initialized"
	NotificationMessage            = "notifications/message"
	NotificationToolsListChanged   = "notifications/tools/list_changed"
	NotificationPromptsListChanged = "notifications/prompts/list_changed"
)

// notificationAliases maps the short method names some servers send
// onto their canonical form.
var notificationAliases = map[string]string{
	"message":              NotificationMessage,
	"tools/list_changed":   NotificationToolsListChanged,
	"prompts/list_changed": NotificationPromptsListChanged,
}

// NotificationHandler receives server notifications that the client does
// not consume itself. It runs on the draining goroutine and must not
// block; start a goroutine for anything that issues further requests.
type NotificationHandler func(n *Notification)

// ClientConfig configures a [Client].
type ClientConfig struct {
	// Name is the configured server name, used in logs.
	Name string

	// Timeout bounds each request. Zero means [DefaultTimeout].
	Timeout time.Duration

	// OnNotification receives notifications other than
	// notifications/message.
	OnNotification NotificationHandler

	// Logger is the structured logger for client diagnostics. The
	// caller tags it with the server; only the default logger gets an
	// mcp_server attribute added here.
	Logger *slog.Logger
}

// pendingRequest is a request waiting for its response.
type pendingRequest struct {
	method string
	accept func(*Response) bool
	done   chan callResult
}

type callResult struct {
	resp *Response
	err  error
}

// Client is a JSON-RPC client for a single MCP server. One goroutine
// drains the transport and completes pending requests by id, so any
// number of requests may be outstanding at once.
type Client struct {
	name      string
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger
	onNotify  NotificationHandler

	nextID atomic.Uint64

	pmu     sync.Mutex
	pending map[RequestID]*pendingRequest
	err     error // set once the connection is gone

	mu          sync.RWMutex
	initialized bool
	init        InitializeResult

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewClient wraps transport and starts draining it.
func NewClient(transport Transport, cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("mcp_server", cfg.Name)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		name:      cfg.Name,
		transport: transport,
		timeout:   timeout,
		logger:    logger,
		onNotify:  cfg.OnNotification,
		pending:   make(map[RequestID]*pendingRequest),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.drain(ctx)
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// Initialized reports whether the handshake has completed.
func (c *Client) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// ServerInfo returns what the server reported during the handshake.
func (c *Client) ServerInfo() InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.init
}

// Done is closed when the draining loop has stopped, either because the
// connection failed or because the client was closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil while it is
// alive.
func (c *Client) Err() error {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return c.err
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": Implementation{
			Name:    buildinfo.Name,
			Version: buildinfo.Version,
		},
	}

	resp, err := c.roundTrip(ctx, MethodInitialize, params, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := compatibleVersion(resp.JSONRPC); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.init = result
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.Notify(ctx, NotificationInitialized, nil); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}
	return &result, nil
}

// Call sends a request and waits for its response. An error response
// is returned as *[RPCError]. A request that is not answered within the
// client timeout fails with [ErrTimeout]; the connection stays usable.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	resp, err := c.roundTrip(ctx, method, params, nil)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// CallFiltered is Call, except that only a response for which accept
// returns true completes the wait. Rejected responses are logged and
// dropped.
func (c *Client) CallFiltered(ctx context.Context, method string, params any, accept func(*Response) bool) (json.RawMessage, error) {
	resp, err := c.roundTrip(ctx, method, params, accept)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Notify sends a notification. It does not wait for anything.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}
	notif, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := c.transport.Send(ctx, notif); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method string, params any, accept func(*Response) bool) (*Response, error) {
	if method != MethodInitialize && method != MethodPing && !c.Initialized() {
		return nil, fmt.Errorf("%s: %w", method, ErrServerNotInitialized)
	}

	id := RequestID(c.nextID.Add(1))
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		method: method,
		accept: accept,
		done:   make(chan callResult, 1),
	}
	c.pmu.Lock()
	if c.err != nil {
		err := c.err
		c.pmu.Unlock()
		return nil, err
	}
	c.pending[id] = p
	c.pmu.Unlock()
	defer c.forget(id)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.transport.Send(callCtx, req); err != nil {
		if callCtx.Err() != nil {
			return nil, c.expired(ctx, method, id)
		}
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case r := <-p.done:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp.Error != nil {
			return nil, r.resp.Error
		}
		return r.resp, nil
	case <-callCtx.Done():
		return nil, c.expired(ctx, method, id)
	}
}

// expired maps the end of a request's context to the caller's
// cancellation or to [ErrTimeout].
func (c *Client) expired(ctx context.Context, method string, id RequestID) error {
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	c.logger.Warn("MCP request timed out", "method", method, "id", id)
	return fmt.Errorf("%s: %w", method, ErrTimeout)
}

func (c *Client) forget(id RequestID) {
	c.pmu.Lock()
	delete(c.pending, id)
	c.pmu.Unlock()
}

// Pending returns the number of requests waiting for a response.
func (c *Client) Pending() int {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return len(c.pending)
}

// drain is the only reader of the transport.
func (c *Client) drain(ctx context.Context) {
	defer close(c.done)
	for {
		msg, err := c.transport.Monitor(ctx)
		if err != nil {
			if !IsFatal(err) {
				c.logger.Warn("dropping malformed MCP message", "error", err)
				continue
			}
			if ctx.Err() != nil {
				err = closedError
			}
			c.disconnect(err)
			return
		}

		switch m := msg.(type) {
		case *Response:
			c.complete(m)
		case *Notification:
			c.handleNotification(m)
		case *Request:
			go c.handleRequest(ctx, m)
		}
	}
}

// complete hands a response to its pending request.
func (c *Client) complete(resp *Response) {
	c.pmu.Lock()
	p, ok := c.pending[resp.ID]
	if ok && p.accept != nil && !p.accept(resp) {
		c.pmu.Unlock()
		c.logger.Debug("MCP response rejected by filter", "id", resp.ID, "method", p.method)
		return
	}
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pmu.Unlock()

	if !ok {
		c.logger.Warn("dropping MCP response with unknown id", "id", resp.ID)
		return
	}
	p.done <- callResult{resp: resp}
}

// disconnect fails every pending request and every later call with err.
func (c *Client) disconnect(err error) {
	c.pmu.Lock()
	if c.err == nil {
		c.err = err
	}
	failed := c.pending
	c.pending = make(map[RequestID]*pendingRequest)
	c.pmu.Unlock()

	for id, p := range failed {
		c.logger.Debug("failing pending MCP request", "id", id, "method", p.method)
		p.done <- callResult{err: err}
	}
	if !errors.Is(err, ErrTransportClosed) {
		c.logger.Error("MCP server disconnected", "error", err, "failed_requests", len(failed))
	}
}

func (c *Client) handleNotification(n *Notification) {
	if canonical, ok := notificationAliases[n.Method]; ok {
		n.Method = canonical
	}

	if n.Method == NotificationMessage {
		c.logServerMessage(n.Params)
		return
	}

	if c.onNotify == nil {
		c.logger.Debug("unhandled MCP notification", "method", n.Method)
		return
	}
	c.onNotify(n)
}

// logServerMessage routes a server log notification to slog.
func (c *Client) logServerMessage(params json.RawMessage) {
	var msg LogMessage
	if err := json.Unmarshal(params, &msg); err != nil {
		c.logger.Warn("malformed MCP log notification", "error", err)
		return
	}

	level := slog.LevelInfo
	switch msg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warning":
		level = slog.LevelWarn
	case "error", "critical", "alert", "emergency":
		level = slog.LevelError
	}
	c.logger.Log(context.Background(), level, "MCP server log",
		"logger", msg.Logger,
		"data", string(msg.Data),
	)
}

func (c *Client) handleRequest(ctx context.Context, req *Request) {
	resp := &Response{JSONRPC: JSONRPCVersion, ID: req.ID}
	switch {
	case req.Method == MethodPing:
		resp.Result = json.RawMessage(`{}`)
	case !c.Initialized():
		resp.Error = newRPCError(ServerNotInitialized, "client not initialized")
	default:
		c.logger.Debug("unsupported MCP server request", "method", req.Method)
		resp.Error = newRPCError(MethodNotFound, "method not found: "+req.Method)
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.transport.Send(sendCtx, resp); err != nil {
		c.logger.Warn("failed to answer MCP server request", "method", req.Method, "error", err)
	}
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, MethodPing, nil)
	return err
}

// CallTool invokes a tool by name with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := c.Call(ctx, MethodToolsCall, params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	return &result, nil
}

// CallToolText invokes a tool and flattens its content blocks into a
// single string. A result flagged isError is returned as an error.
func (c *Client) CallToolText(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := c.CallTool(ctx, name, args)
	if err != nil {
		return "", err
	}
	text := result.Text()
	if result.IsError {
		return "", fmt.Errorf("MCP tool %s returned error: %s", name, text)
	}
	return text, nil
}

// GetPrompt renders a prompt with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	raw, err := c.Call(ctx, MethodPromptsGet, params)
	if err != nil {
		return nil, fmt.Errorf("prompts/get %s: %w", name, err)
	}

	var result GetPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal prompts/get result: %w", err)
	}
	return &result, nil
}

// ReadResource fetches the contents of a resource.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	raw, err := c.Call(ctx, MethodResourcesRead, map[string]any{"uri": uri})
	if err != nil {
		return nil, fmt.Errorf("resources/read %s: %w", uri, err)
	}

	var result ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/read result: %w", err)
	}
	return &result, nil
}

// Close stops the draining loop and shuts down the transport. Pending
// requests fail with [ErrTransportClosed].
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Info("closing MCP client")
		c.closeErr = c.transport.Shutdown()
		c.cancel()
		<-c.done
	})
	return c.closeErr
}
