package inventory

import (
	"context"
	"log/slog"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/mcp"
)

// recorderBuffer is the subscription buffer. List results arrive in
// bursts while servers load.
const recorderBuffer = 256

// Recorder writes orchestrator events into a Store.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

// NewRecorder creates a recorder for store.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Subscribe registers with bus and returns the channel to pass to
// [Recorder.Run]. Subscribing before the orchestrator launches ensures
// no list result is missed.
func (r *Recorder) Subscribe(bus *events.Bus) <-chan events.Event {
	return bus.Subscribe(recorderBuffer)
}

// Run consumes events until ctx is cancelled or ch is closed.
func (r *Recorder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Handle(ctx, e)
		}
	}
}

// Handle stores a single event. Events from other sources are ignored.
func (r *Recorder) Handle(ctx context.Context, e events.Event) {
	if e.Source != events.SourceMCP {
		return
	}
	server, _ := e.Data["server"].(string)
	if server == "" {
		return
	}

	var err error
	switch e.Kind {
	case events.KindToolsList:
		if res, ok := e.Data["result"].(*mcp.ToolsListResult); ok {
			err = r.store.PutListing(ctx, server, mcp.OpToolsList, len(res.Tools), res)
		}
	case events.KindPromptsList:
		if res, ok := e.Data["result"].(*mcp.PromptsListResult); ok {
			err = r.store.PutListing(ctx, server, mcp.OpPromptsList, len(res.Prompts), res)
		}
	case events.KindResourcesList:
		if res, ok := e.Data["result"].(*mcp.ResourcesListResult); ok {
			err = r.store.PutListing(ctx, server, mcp.OpResourcesList, len(res.Resources), res)
		}
	case events.KindResourceTemplatesList:
		if res, ok := e.Data["result"].(*mcp.ResourceTemplatesListResult); ok {
			err = r.store.PutListing(ctx, server, mcp.OpResourceTemplatesList, len(res.ResourceTemplates), res)
		}
	case events.KindServerState:
		state, _ := e.Data["state"].(string)
		if state == "removed" {
			err = r.store.DeleteServer(ctx, server)
			break
		}
		reason, _ := e.Data["reason"].(string)
		tools, _ := e.Data["tools"].(int)
		err = r.store.SetState(ctx, ServerState{
			Server:    server,
			State:     state,
			Reason:    reason,
			Tools:     tools,
			UpdatedAt: e.Timestamp,
		})
	case events.KindLoadRecord:
		level, _ := e.Data["level"].(string)
		msg, _ := e.Data["message"].(string)
		err = r.store.AppendRecord(ctx, Record{
			Server:     server,
			Level:      level,
			Message:    msg,
			RecordedAt: e.Timestamp,
		})
	default:
		return
	}

	if err != nil {
		r.logger.Warn("inventory update failed",
			"mcp_server", server,
			"kind", e.Kind,
			"error", err,
		)
		return
	}
	r.logger.Log(ctx, config.LevelTrace, "inventory updated", "mcp_server", server, "kind", e.Kind)
}
