package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/events"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (f *fakeConn) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakeConn) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = m.Topic
	}
	return out
}

func (f *fakeConn) last() *paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return nil
	}
	return f.msgs[len(f.msgs)-1]
}

func newTestPublisher() *Publisher {
	return New(config.MQTTConfig{
		Broker:      "mqtt://localhost:1883",
		TopicPrefix: "mcphost",
	}, "instance-123", nil)
}

func stateEvent(server, state string, tools int) events.Event {
	return events.Event{
		Timestamp: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Source:    events.SourceMCP,
		Kind:      events.KindServerState,
		Data:      map[string]any{"server": server, "state": state, "reason": "", "tools": tools},
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestClientID(t *testing.T) {
	if got := ClientID("", "abc"); got != "mcphost-abc" {
		t.Errorf("ClientID derived = %q", got)
	}
	if got := ClientID("custom", "abc"); got != "custom" {
		t.Errorf("ClientID configured = %q", got)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := newTestPublisher()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", p.availabilityTopic(), "mcphost/availability"},
		{"info", p.infoTopic(), "mcphost/info"},
		{"state", p.stateTopic("github"), "mcphost/servers/github/state"},
		{"records", p.recordsTopic("github"), "mcphost/servers/github/records"},
		{"reserved characters", p.stateTopic("a/b+c#"), "mcphost/servers/a_b_c_/state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_StateBeforeConnect(t *testing.T) {
	p := newTestPublisher()
	ctx := context.Background()

	// Nothing is published while disconnected, but states are kept.
	p.Handle(ctx, stateEvent("b", "launching", 0))
	p.Handle(ctx, stateEvent("a", "ready", 3))
	p.Handle(ctx, stateEvent("b", "failed", 0))

	conn := &fakeConn{}
	p.connected(ctx, conn)

	want := []string{
		"mcphost/availability",
		"mcphost/info",
		"mcphost/servers/a/state",
		"mcphost/servers/b/state",
	}
	got := conn.topics()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("topics = %v, want %v", got, want)
	}
	if string(conn.msgs[0].Payload) != "online" || !conn.msgs[0].Retain {
		t.Errorf("birth message = %q retain=%v", conn.msgs[0].Payload, conn.msgs[0].Retain)
	}

	var info HostInfo
	if err := json.Unmarshal(conn.msgs[1].Payload, &info); err != nil {
		t.Fatalf("info payload: %v", err)
	}
	if info.InstanceID != "instance-123" || info.Name != "mcphost" {
		t.Errorf("info = %+v", info)
	}

	var st ServerState
	if err := json.Unmarshal(conn.msgs[3].Payload, &st); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if st.Server != "b" || st.State != "failed" {
		t.Errorf("state = %+v, want latest state of b", st)
	}
}

func TestPublisher_HandleConnected(t *testing.T) {
	p := newTestPublisher()
	ctx := context.Background()
	conn := &fakeConn{}
	p.connected(ctx, conn)
	base := len(conn.topics())

	p.Handle(ctx, stateEvent("fs", "ready", 7))
	m := conn.last()
	if m.Topic != "mcphost/servers/fs/state" || !m.Retain || m.QoS != 1 {
		t.Fatalf("state publish = %+v", m)
	}
	var st ServerState
	if err := json.Unmarshal(m.Payload, &st); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if st.Tools != 7 || st.State != "ready" {
		t.Errorf("state = %+v", st)
	}

	p.Handle(ctx, events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMCP,
		Kind:      events.KindLoadRecord,
		Data:      map[string]any{"server": "fs", "level": "warn", "message": "tool renamed"},
	})
	m = conn.last()
	if m.Topic != "mcphost/servers/fs/records" || m.Retain {
		t.Fatalf("record publish = %+v", m)
	}
	var rec LoadRecord
	if err := json.Unmarshal(m.Payload, &rec); err != nil {
		t.Fatalf("record payload: %v", err)
	}
	if rec.Level != "warn" || rec.Message != "tool renamed" {
		t.Errorf("record = %+v", rec)
	}

	p.Handle(ctx, stateEvent("fs", "removed", 0))
	m = conn.last()
	if m.Topic != "mcphost/servers/fs/state" || len(m.Payload) != 0 || !m.Retain {
		t.Errorf("removal publish = %+v, want empty retained payload", m)
	}
	p.mu.Lock()
	_, kept := p.states["fs"]
	p.mu.Unlock()
	if kept {
		t.Error("removed server still cached")
	}

	// Ignored: other sources and events without a server.
	p.Handle(ctx, events.Event{Source: "other", Kind: events.KindServerState, Data: map[string]any{"server": "x"}})
	p.Handle(ctx, events.Event{Source: events.SourceMCP, Kind: events.KindServerState, Data: map[string]any{}})
	p.Handle(ctx, events.Event{Source: events.SourceMCP, Kind: events.KindToolsList, Data: map[string]any{"server": "fs"}})
	if got := len(conn.topics()); got != base+3 {
		t.Errorf("publishes = %d, want %d", got, base+3)
	}
}

func TestPublisher_PublishErrorKeepsState(t *testing.T) {
	p := newTestPublisher()
	ctx := context.Background()
	conn := &fakeConn{err: errors.New("connection down")}
	p.connected(ctx, conn)

	p.Handle(ctx, stateEvent("s", "ready", 1))

	p.mu.Lock()
	st, ok := p.states["s"]
	p.mu.Unlock()
	if !ok || st.State != "ready" {
		t.Errorf("state cache = %+v, %v", st, ok)
	}
}

func TestPublisher_StopNotStarted(t *testing.T) {
	p := newTestPublisher()
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop() = %v", err)
	}
	if err := p.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection() before Start succeeded")
	}
}

func TestRecordLimiter(t *testing.T) {
	r := newRecordLimiter(2, time.Hour, slog.New(slog.DiscardHandler))

	for i, want := range []bool{true, true, false, false} {
		if got := r.allow(); got != want {
			t.Errorf("allow() #%d = %v, want %v", i, got, want)
		}
	}
	if got := r.dropped.Load(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}

	r.reset()
	if !r.allow() {
		t.Error("allow() after reset = false")
	}
	if got := r.dropped.Load(); got != 0 {
		t.Errorf("dropped after reset = %d", got)
	}
}
