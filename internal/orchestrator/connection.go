package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/paths"
)

// State is the lifecycle state of a server connection.
type State int

const (
	StateConfigured State = iota
	StateLaunching
	StateHandshaking
	StatePaginating
	StateReady
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateLaunching:
		return "launching"
	case StateHandshaking:
		return "handshaking"
	case StatePaginating:
		return "paginating"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateConfigured; st <= StateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown server state %q", text)
}

// Pending reports whether a server in this state is still loading.
func (s State) Pending() bool {
	return s < StateReady
}

// DialFunc opens the transport for a configured server.
type DialFunc func(ctx context.Context, cfg config.MCPServerConfig) (mcp.Transport, error)

// newDialer returns the DialFunc used when [Options.Dial] is nil. Stdio
// commands and working directories go through resolver.
func newDialer(resolver *paths.Resolver, logger *slog.Logger) DialFunc {
	return func(ctx context.Context, cfg config.MCPServerConfig) (mcp.Transport, error) {
		l := logger.With("mcp_server", cfg.Name)
		switch cfg.Transport {
		case config.TransportWebSocket:
			t, err := mcp.DialWebSocket(ctx, mcp.WebSocketConfig{
				URL:     cfg.URL,
				Headers: cfg.Headers,
				Logger:  l,
			})
			if err != nil {
				return nil, err
			}
			return t, nil
		default:
			t, err := mcp.StartStdio(ctx, mcp.StdioConfig{
				Command: resolver.ResolveCommand(cfg.Command),
				Args:    cfg.Args,
				Env:     cfg.EnvList(),
				Dir:     resolver.Resolve(cfg.Cwd),
				Logger:  l,
			})
			if err != nil {
				return nil, err
			}
			return t, nil
		}
	}
}

// connHooks lets the orchestrator observe a connection.
type connHooks struct {
	state  func(c *ServerConnection)
	record func(c *ServerConnection, r LoadRecord)
}

// ServerStatus is a point-in-time view of one server.
type ServerStatus struct {
	Name              string             `json:"name"`
	Namespace         string             `json:"namespace"`
	SessionID         string             `json:"session_id"`
	Transport         string             `json:"transport"`
	State             State              `json:"state"`
	Reason            string             `json:"reason,omitempty"`
	PID               int                `json:"pid,omitempty"`
	ServerInfo        mcp.Implementation `json:"server_info,omitzero"`
	ProtocolVersion   string             `json:"protocol_version,omitempty"`
	Tools             int                `json:"tools"`
	Prompts           int                `json:"prompts"`
	Resources         int                `json:"resources"`
	ResourceTemplates int                `json:"resource_templates"`
	Health            *HealthStatus      `json:"health,omitempty"`
	Records           []LoadRecord       `json:"records"`
}

// ServerConnection owns the transport and client of one configured
// server and drives it through its launch sequence. The client and
// transport are created together and closed together.
type ServerConnection struct {
	cfg            config.MCPServerConfig
	namespace      string
	sessionID      string
	logger         *slog.Logger
	messenger      mcp.Messenger
	dial           DialFunc
	initTimeout    time.Duration
	healthInterval time.Duration
	hooks          connHooks

	log loadLog

	ctx    context.Context
	cancel context.CancelFunc

	// relistMu serialises list_changed refreshes so results are applied
	// in the order they were fetched.
	relistMu sync.Mutex

	mu        sync.RWMutex
	state     State
	reason    string
	client    *mcp.Client
	pid       int
	info      mcp.InitializeResult
	tools     []Tool
	prompts   []mcp.Prompt
	resources []mcp.Resource
	templates []mcp.ResourceTemplate
	health    *healthWatcher
	stopping  bool
}

func newConnection(parent context.Context, cfg config.MCPServerConfig, opts *Options, hooks connHooks) *ServerConnection {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	ctx, cancel := context.WithCancel(parent)

	messenger := opts.Messenger(cfg.Name)
	if messenger == nil {
		messenger = mcp.NullMessenger{}
	}

	return &ServerConnection{
		cfg:            cfg,
		namespace:      ServerNamespace(cfg.Name),
		sessionID:      id.String(),
		logger:         opts.Logger.With("mcp_server", cfg.Name, "session_id", id.String()),
		messenger:      messenger,
		dial:           opts.Dial,
		initTimeout:    opts.InitTimeout,
		healthInterval: opts.HealthInterval,
		hooks:          hooks,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Name returns the configured server name.
func (c *ServerConnection) Name() string { return c.cfg.Name }

// Namespace returns the prefix used for this server's tool names.
func (c *ServerConnection) Namespace() string { return c.namespace }

// SessionID identifies this connection attempt in logs.
func (c *ServerConnection) SessionID() string { return c.sessionID }

// State returns the current state and, for StateFailed, the reason.
func (c *ServerConnection) State() (State, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.reason
}

// Client returns the live client, or nil unless the server is Ready.
func (c *ServerConnection) Client() *mcp.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateReady {
		return nil
	}
	return c.client
}

// Tools returns the namespaced tools of a Ready server.
func (c *ServerConnection) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateReady {
		return nil
	}
	return append([]Tool(nil), c.tools...)
}

// Records returns a copy of the load log.
func (c *ServerConnection) Records() []LoadRecord {
	return c.log.snapshot()
}

// Status returns a point-in-time view of the connection.
func (c *ServerConnection) Status() ServerStatus {
	c.mu.RLock()
	s := ServerStatus{
		Name:              c.cfg.Name,
		Namespace:         c.namespace,
		SessionID:         c.sessionID,
		Transport:         c.cfg.Transport,
		State:             c.state,
		Reason:            c.reason,
		PID:               c.pid,
		ServerInfo:        c.info.ServerInfo,
		ProtocolVersion:   c.info.ProtocolVersion,
		Tools:             len(c.tools),
		Prompts:           len(c.prompts),
		Resources:         len(c.resources),
		ResourceTemplates: len(c.templates),
	}
	health := c.health
	c.mu.RUnlock()

	if health != nil {
		hs := health.Status()
		s.Health = &hs
	}
	s.Records = c.log.snapshot()
	return s
}

func (c *ServerConnection) setState(s State, reason string) bool {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return false
	}
	c.state = s
	c.reason = reason
	c.mu.Unlock()

	c.logger.Debug("MCP server state changed", "state", s.String(), "reason", reason)
	if c.hooks.state != nil {
		c.hooks.state(c)
	}
	return true
}

// claim moves a Configured connection to StateLaunching. Only one
// caller wins; the rest see false and must not launch.
func (c *ServerConnection) claim() bool {
	c.mu.Lock()
	if c.stopping || c.state != StateConfigured {
		c.mu.Unlock()
		return false
	}
	c.state = StateLaunching
	c.reason = ""
	c.mu.Unlock()

	c.logger.Debug("MCP server state changed", "state", StateLaunching.String(), "reason", "")
	if c.hooks.state != nil {
		c.hooks.state(c)
	}
	return true
}

func (c *ServerConnection) record(level RecordLevel, msg string) {
	r := c.log.append(level, msg)
	if c.hooks.record != nil {
		c.hooks.record(c, r)
	}
}

// fail moves the connection to StateFailed and logs the reason as an
// error record. It does nothing once the connection is stopping.
func (c *ServerConnection) fail(reason string) {
	if !c.setState(StateFailed, reason) {
		return
	}
	c.logger.Error("MCP server failed", "reason", reason)
	c.record(RecordErr, reason)
}

// launch runs the launch sequence: spawn, handshake, first listing.
// The caller must have won [ServerConnection.claim]. Cancelling ctx or
// stopping the connection aborts it.
func (c *ServerConnection) launch(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAbort := context.AfterFunc(c.ctx, cancel)
	defer stopAbort()

	start := time.Now()
	if err := c.messenger.SendInitMsg(); err != nil {
		c.messengerFailed(err)
	}

	transport, err := c.dial(ctx, c.cfg)
	if err != nil {
		c.fail(fmt.Sprintf("failed to start transport: %v", err))
		return
	}

	client := mcp.NewClient(transport, mcp.ClientConfig{
		Name:           c.cfg.Name,
		Timeout:        c.cfg.Timeout(),
		OnNotification: c.handleNotification,
		Logger:         c.logger,
	})

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		client.Close()
		return
	}
	c.client = client
	if st, ok := transport.(*mcp.StdioTransport); ok {
		c.pid = st.PID()
	}
	c.mu.Unlock()

	if !c.setState(StateHandshaking, "") {
		return
	}
	initCtx, initCancel := context.WithTimeout(ctx, c.initTimeout)
	info, err := client.Initialize(initCtx)
	initCancel()
	if err != nil {
		client.Close()
		c.fail(fmt.Sprintf("failed to initialize: %v", err))
		return
	}

	c.mu.Lock()
	c.info = *info
	c.mu.Unlock()

	if !c.setState(StatePaginating, "") {
		return
	}
	if err := c.listAll(ctx, client, advertisedOps(info.Capabilities)); err != nil {
		client.Close()
		c.fail(fmt.Sprintf("failed to list tools: %v", err))
		return
	}

	c.mu.RLock()
	n := len(c.tools)
	c.mu.RUnlock()
	c.record(RecordSuccess, fmt.Sprintf("loaded in %.2f s with %d tools", time.Since(start).Seconds(), n))

	if !c.setState(StateReady, "") {
		return
	}
	c.logger.Info("MCP server ready",
		"tools", n,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	go c.watchDisconnect(client)
	c.startHealth(client)
}

// advertisedOps returns the listings a server supports.
func advertisedOps(caps mcp.ServerCapabilities) []mcp.PaginationOp {
	var ops []mcp.PaginationOp
	if caps.Tools != nil {
		ops = append(ops, mcp.OpToolsList)
	}
	if caps.Prompts != nil {
		ops = append(ops, mcp.OpPromptsList)
	}
	if caps.Resources != nil {
		ops = append(ops, mcp.OpResourcesList, mcp.OpResourceTemplatesList)
	}
	return ops
}

// listAll runs ops concurrently. A failure of the first tools/list page
// is returned; every other failure becomes a warning record.
func (c *ServerConnection) listAll(ctx context.Context, client *mcp.Client, ops []mcp.PaginationOp) error {
	errs := make([]error, len(ops))
	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.list(ctx, client, c.messenger.Duplicate(), op)
		}()
	}
	wg.Wait()

	var fatal error
	for i, err := range errs {
		if err == nil {
			continue
		}
		var pe *mcp.PageError
		if ops[i] == mcp.OpToolsList && errors.As(err, &pe) && pe.Page == 0 {
			fatal = err
			continue
		}
		c.logger.Warn("MCP listing failed", "op", ops[i].String(), "error", err)
		c.record(RecordWarn, fmt.Sprintf("failed to complete %s: %v", ops[i], err))
	}
	return fatal
}

// list fetches every page of op, stores the result and pushes it
// through m.
func (c *ServerConnection) list(ctx context.Context, client *mcp.Client, m mcp.Messenger, op mcp.PaginationOp) error {
	switch op {
	case mcp.OpToolsList:
		res, err := client.ListTools(ctx)
		if err != nil {
			return err
		}
		c.applyTools(res.Tools)
		c.messengerFailed(m.SendToolsListResult(res))
	case mcp.OpPromptsList:
		res, err := client.ListPrompts(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.prompts = res.Prompts
		c.mu.Unlock()
		c.messengerFailed(m.SendPromptsListResult(res))
	case mcp.OpResourcesList:
		res, err := client.ListResources(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.resources = res.Resources
		c.mu.Unlock()
		c.messengerFailed(m.SendResourcesListResult(res))
	case mcp.OpResourceTemplatesList:
		res, err := client.ListResourceTemplates(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.templates = res.ResourceTemplates
		c.mu.Unlock()
		c.messengerFailed(m.SendResourceTemplatesListResult(res))
	default:
		return fmt.Errorf("unknown pagination op %s", op)
	}
	return nil
}

// applyTools namespaces defs and records anything that was renamed or
// left out.
func (c *ServerConnection) applyTools(defs []mcp.ToolDefinition) {
	set := namespaceTools(c.cfg.Name, c.namespace, defs, c.cfg.IncludeTools, c.cfg.ExcludeTools)
	sort.Slice(set.Tools, func(i, j int) bool { return set.Tools[i].Name < set.Tools[j].Name })

	c.mu.Lock()
	c.tools = set.Tools
	c.mu.Unlock()

	if len(set.Filtered) > 0 {
		c.logger.Debug("MCP tools filtered by configuration", "tools", set.Filtered)
	}
	if len(set.OutOfSpec) > 0 {
		c.record(RecordWarn, outOfSpecMessage(set.OutOfSpec))
	}
	if len(set.Renamed) > 0 {
		c.record(RecordWarn, renamedMessage(set.Renamed))
	}
}

// messengerFailed logs a messenger error. Messenger failures never
// change connection state.
func (c *ServerConnection) messengerFailed(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, mcp.ErrNoConsumer) {
		c.logger.Debug("MCP update not delivered", "error", err)
		return
	}
	c.logger.Warn("MCP update not delivered", "error", err)
}

// handleNotification runs on the client's draining goroutine.
func (c *ServerConnection) handleNotification(n *mcp.Notification) {
	var op mcp.PaginationOp
	var capability *mcp.ListCapability

	c.mu.RLock()
	caps := c.info.Capabilities
	c.mu.RUnlock()

	switch n.Method {
	case mcp.NotificationToolsListChanged:
		op, capability = mcp.OpToolsList, caps.Tools
	case mcp.NotificationPromptsListChanged:
		op, capability = mcp.OpPromptsList, caps.Prompts
	default:
		c.logger.Debug("unhandled MCP notification", "method", n.Method)
		return
	}

	if capability == nil || !capability.ListChanged {
		c.logger.Debug("ignoring list change the server did not advertise", "method", n.Method)
		return
	}
	go c.relist(op)
}

// relist refreshes one listing after a list_changed notification.
func (c *ServerConnection) relist(op mcp.PaginationOp) {
	c.relistMu.Lock()
	defer c.relistMu.Unlock()

	client := c.Client()
	if client == nil {
		return
	}

	c.logger.Info("MCP server list changed, refreshing", "op", op.String())
	if err := c.list(c.ctx, client, c.messenger.Duplicate(), op); err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("MCP list refresh failed", "op", op.String(), "error", err)
		c.record(RecordWarn, fmt.Sprintf("failed to refresh %s: %v", op, err))
		return
	}

	s := c.Status()
	switch op {
	case mcp.OpToolsList:
		c.record(RecordSuccess, fmt.Sprintf("tools refreshed: %d tools", s.Tools))
	case mcp.OpPromptsList:
		c.record(RecordSuccess, fmt.Sprintf("prompts refreshed: %d prompts", s.Prompts))
	}
	if c.hooks.state != nil {
		c.hooks.state(c)
	}
}

// watchDisconnect fails a Ready connection whose transport goes away.
func (c *ServerConnection) watchDisconnect(client *mcp.Client) {
	<-client.Done()

	c.mu.RLock()
	stopping := c.stopping
	c.mu.RUnlock()
	if stopping {
		return
	}
	c.stopHealth()
	c.fail(fmt.Sprintf("disconnected: %v", client.Err()))
}

func (c *ServerConnection) startHealth(client *mcp.Client) {
	if c.healthInterval <= 0 {
		return
	}
	w := watchHealth(c.ctx, healthConfig{
		Name:     c.cfg.Name,
		Probe:    client.Ping,
		Interval: c.healthInterval,
		OnDown: func(err error) {
			c.record(RecordWarn, fmt.Sprintf("health check failed: %v", err))
		},
		OnRecovered: func() {
			c.record(RecordSuccess, "health check recovered")
		},
		Logger: c.logger,
	})

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		w.stop()
		return
	}
	c.health = w
	c.mu.Unlock()
}

func (c *ServerConnection) stopHealth() {
	c.mu.Lock()
	w := c.health
	c.mu.Unlock()
	if w != nil {
		w.stop()
	}
}

// stop closes the client and transport, terminating a stdio
// subprocess. Safe to call more than once.
func (c *ServerConnection) stop() error {
	c.mu.Lock()
	c.stopping = true
	if c.state.Pending() {
		c.state = StateFailed
		c.reason = "stopped before ready"
	}
	client := c.client
	c.mu.Unlock()

	c.cancel()
	c.stopHealth()
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("%s: %w", c.cfg.Name, err)
	}
	return nil
}
