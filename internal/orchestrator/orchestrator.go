// Package orchestrator launches and supervises a set of MCP servers.
//
// Each configured server gets a [ServerConnection] that walks the state
// machine Configured → Launching → Handshaking → Paginating → Ready.
// Any step can end in Failed, and a Ready server fails when its
// transport disconnects. Every step is written to the server's load log
// as a [LoadRecord], which is how failures reach the user.
//
// List results are pushed through an [mcp.Messenger] as they arrive;
// with an [events.Bus] configured the default is a [BusMessenger], so
// consumers such as the inventory cache subscribe to the bus instead of
// polling the orchestrator.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/paths"
)

// Orchestrator errors.
var (
	ErrUnknownServer = errors.New("unknown MCP server")
	ErrUnknownTool   = errors.New("unknown MCP tool")
	ErrServerExists  = errors.New("MCP server already configured")
	ErrNotReady      = errors.New("MCP server not ready")
)

// Options configures an [Orchestrator]. Zero values get defaults.
type Options struct {
	// InitTimeout bounds each server's initialize handshake.
	InitTimeout time.Duration

	// HealthInterval is how often Ready servers are pinged. Zero
	// disables health checks.
	HealthInterval time.Duration

	// Bus receives server state changes and load records. When
	// Messenger is nil, list results are published here too.
	Bus *events.Bus

	// Messenger returns the messenger for a server. Defaults to a
	// [BusMessenger] on Bus, or [mcp.NullMessenger] without a bus.
	Messenger func(server string) mcp.Messenger

	// Resolver expands prefixed stdio commands and working directories.
	Resolver *paths.Resolver

	// Dial opens server transports. Defaults to stdio or websocket per
	// the server's configured transport.
	Dial DialFunc

	Logger *slog.Logger
}

// Orchestrator owns every configured server connection.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[string]*ServerConnection
	changed chan struct{} // closed and replaced on every state change
	closed  bool
}

// New creates an orchestrator for servers. Disabled servers are
// skipped. Nothing is started until [Orchestrator.Launch].
func New(servers []config.MCPServerConfig, opts Options) (*Orchestrator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = config.DefaultInitTimeout
	}
	if opts.Dial == nil {
		opts.Dial = newDialer(opts.Resolver, opts.Logger)
	}
	if opts.Messenger == nil {
		bus := opts.Bus
		opts.Messenger = func(server string) mcp.Messenger {
			if bus == nil {
				return mcp.NullMessenger{}
			}
			return NewBusMessenger(bus, server)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:    opts,
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]*ServerConnection),
		changed: make(chan struct{}),
	}

	for _, cfg := range servers {
		if cfg.Disabled {
			o.logger.Info("MCP server disabled, skipping", "mcp_server", cfg.Name)
			continue
		}
		if _, err := o.register(cfg); err != nil {
			cancel()
			return nil, err
		}
	}
	return o, nil
}

// register validates cfg and adds a Configured connection for it.
func (o *Orchestrator) register(cfg config.MCPServerConfig) (*ServerConnection, error) {
	if cfg.Transport == "" {
		cfg.Transport = config.TransportStdio
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, fmt.Errorf("%s: orchestrator is shut down", cfg.Name)
	}
	if _, ok := o.conns[cfg.Name]; ok {
		return nil, fmt.Errorf("%s: %w", cfg.Name, ErrServerExists)
	}
	ns := ServerNamespace(cfg.Name)
	for name, c := range o.conns {
		if c.namespace == ns {
			return nil, fmt.Errorf("%s: tool namespace %q collides with server %q", cfg.Name, ns, name)
		}
	}

	c := newConnection(o.ctx, cfg, &o.opts, connHooks{
		state:  o.stateChanged,
		record: o.recordAdded,
	})
	o.conns[cfg.Name] = c
	return c, nil
}

// Launch starts every Configured server concurrently and returns
// without waiting. Cancelling ctx aborts servers that are still
// launching; use [Orchestrator.Wait] to block until loading finishes.
func (o *Orchestrator) Launch(ctx context.Context) {
	o.mu.Lock()
	all := make([]*ServerConnection, 0, len(o.conns))
	for _, c := range o.conns {
		all = append(all, c)
	}
	o.mu.Unlock()

	// Claiming happens outside o.mu; the state hook takes it.
	var todo []*ServerConnection
	for _, c := range all {
		if c.claim() {
			todo = append(todo, c)
		}
	}

	o.logger.Info("launching MCP servers", "count", len(todo))
	for _, c := range todo {
		go c.launch(ctx)
	}
}

// Add configures and launches a server at runtime.
func (o *Orchestrator) Add(ctx context.Context, cfg config.MCPServerConfig) error {
	c, err := o.register(cfg)
	if err != nil {
		return err
	}
	o.logger.Info("MCP server added", "mcp_server", cfg.Name)
	o.broadcast()
	if c.claim() {
		go c.launch(ctx)
	}
	return nil
}

// Remove stops a server and forgets it.
func (o *Orchestrator) Remove(name string) error {
	o.mu.Lock()
	c, ok := o.conns[name]
	if ok {
		delete(o.conns, name)
	}
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownServer)
	}
	err := c.stop()
	o.logger.Info("MCP server removed", "mcp_server", name)
	o.opts.Bus.Publish(events.Event{
		Source: events.SourceMCP,
		Kind:   events.KindServerState,
		Data:   map[string]any{"server": name, "state": "removed"},
	})
	o.broadcast()
	return err
}

// PendingClients returns the sorted names of servers still loading.
func (o *Orchestrator) PendingClients() []string {
	var names []string
	for _, c := range o.connections() {
		if st, _ := c.State(); st.Pending() {
			names = append(names, c.Name())
		}
	}
	return names
}

// Records returns a copy of every server's load log.
func (o *Orchestrator) Records() map[string][]LoadRecord {
	out := make(map[string][]LoadRecord)
	for _, c := range o.connections() {
		out[c.Name()] = c.Records()
	}
	return out
}

// Status returns every server's status, sorted by name.
func (o *Orchestrator) Status() []ServerStatus {
	conns := o.connections()
	out := make([]ServerStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Status())
	}
	return out
}

// Client returns the live client of a Ready server.
func (o *Orchestrator) Client(name string) (*mcp.Client, error) {
	o.mu.Lock()
	c, ok := o.conns[name]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownServer)
	}
	client := c.Client()
	if client == nil {
		st, reason := c.State()
		if reason != "" {
			return nil, fmt.Errorf("%s is %s (%s): %w", name, st, reason, ErrNotReady)
		}
		return nil, fmt.Errorf("%s is %s: %w", name, st, ErrNotReady)
	}
	return client, nil
}

// Tools returns the namespaced tools of every Ready server, sorted by
// name.
func (o *Orchestrator) Tools() []Tool {
	var out []Tool
	for _, c := range o.connections() {
		out = append(out, c.Tools()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CallTool invokes a tool by its namespaced name on the server that
// owns it.
func (o *Orchestrator) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	for _, c := range o.connections() {
		for _, t := range c.Tools() {
			if t.Name != name {
				continue
			}
			client := c.Client()
			if client == nil {
				return nil, fmt.Errorf("%s: %w", c.Name(), ErrNotReady)
			}
			return client.CallTool(ctx, t.Original, args)
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrUnknownTool)
}

// Wait blocks until no server is pending or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	for {
		o.mu.Lock()
		ch := o.changed
		o.mu.Unlock()

		if len(o.PendingClients()) == 0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown stops every server, terminating stdio subprocesses. It is
// safe to call more than once.
func (o *Orchestrator) Shutdown() error {
	o.mu.Lock()
	o.closed = true
	conns := make([]*ServerConnection, 0, len(o.conns))
	for _, c := range o.conns {
		conns = append(conns, c)
	}
	o.mu.Unlock()

	o.cancel()

	errs := make([]error, len(conns))
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.stop()
		}()
	}
	wg.Wait()

	o.logger.Info("MCP servers shut down", "count", len(conns))
	o.broadcast()
	return errors.Join(errs...)
}

// connections returns every connection sorted by name.
func (o *Orchestrator) connections() []*ServerConnection {
	o.mu.Lock()
	out := make([]*ServerConnection, 0, len(o.conns))
	for _, c := range o.conns {
		out = append(out, c)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// broadcast wakes every Wait call.
func (o *Orchestrator) broadcast() {
	o.mu.Lock()
	close(o.changed)
	o.changed = make(chan struct{})
	o.mu.Unlock()
}

func (o *Orchestrator) stateChanged(c *ServerConnection) {
	st, reason := c.State()
	s := c.Status()
	o.opts.Bus.Publish(events.Event{
		Source: events.SourceMCP,
		Kind:   events.KindServerState,
		Data: map[string]any{
			"server": c.Name(),
			"state":  st.String(),
			"reason": reason,
			"tools":  s.Tools,
		},
	})
	o.broadcast()
}

func (o *Orchestrator) recordAdded(c *ServerConnection, r LoadRecord) {
	o.opts.Bus.Publish(events.Event{
		Source:    events.SourceMCP,
		Kind:      events.KindLoadRecord,
		Timestamp: r.Time,
		Data: map[string]any{
			"server":  c.Name(),
			"level":   r.Level.String(),
			"message": r.Message,
		},
	})
}
