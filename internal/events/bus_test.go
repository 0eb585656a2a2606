package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func loadRecord(server, msg string) Event {
	return Event{
		Source: SourceMCP,
		Kind:   KindLoadRecord,
		Data:   map[string]any{"server": server, "level": "warn", "message": msg},
	}
}

func TestBus_NilIsSafe(t *testing.T) {
	var b *Bus
	if got := b.Publish(loadRecord("github", "ignored")); got != 0 {
		t.Errorf("Publish on nil bus = %d, want 0", got)
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestBus_NoConsumer(t *testing.T) {
	// A zero count is how list-result senders learn nobody is listening.
	b := New()
	if got := b.Publish(Event{Source: SourceMCP, Kind: KindToolsList}); got != 0 {
		t.Errorf("Publish with no subscribers = %d, want 0", got)
	}
}

func TestBus_ToolsListFanOut(t *testing.T) {
	b := New()
	inventory := b.Subscribe(4)
	publisher := b.Subscribe(4)
	defer b.Unsubscribe(inventory)
	defer b.Unsubscribe(publisher)

	result := struct{ Tools []string }{Tools: []string{"search", "read_file"}}
	n := b.Publish(Event{
		Source: SourceMCP,
		Kind:   KindToolsList,
		Data:   map[string]any{"server": "filesystem", "result": &result},
	})
	if n != 2 {
		t.Fatalf("Publish delivered to %d, want 2", n)
	}

	for name, ch := range map[string]<-chan Event{"inventory": inventory, "publisher": publisher} {
		select {
		case e := <-ch:
			if e.Kind != KindToolsList || e.Data["server"] != "filesystem" {
				t.Errorf("%s got %+v", name, e)
			}
			if e.Timestamp.IsZero() {
				t.Errorf("%s: timestamp not set", name)
			}
			// Consumers share the result; the bus does not copy it.
			if e.Data["result"] != &result {
				t.Errorf("%s: result is a different value", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no event", name)
		}
	}
}

func TestBus_KeepsTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := loadRecord("github", "tool renamed")
	e.Timestamp = at
	b.Publish(e)

	if got := (<-ch).Timestamp; !got.Equal(at) {
		t.Errorf("Timestamp = %v, want %v", got, at)
	}
}

func TestBus_FullSubscriberMissesRecords(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(8)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	if n := b.Publish(loadRecord("github", "first")); n != 2 {
		t.Errorf("first Publish delivered to %d, want 2", n)
	}
	if n := b.Publish(loadRecord("github", "second")); n != 1 {
		t.Errorf("second Publish delivered to %d, want 1", n)
	}

	if got := (<-slow).Data["message"]; got != "first" {
		t.Errorf("slow subscriber got %v, want first", got)
	}
	select {
	case e := <-slow:
		t.Errorf("slow subscriber got extra event %+v", e)
	default:
	}
	if len(fast) != 2 {
		t.Errorf("fast subscriber buffered %d events, want 2", len(fast))
	}
}

func TestBus_UnsubscribeDrains(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	b.Publish(Event{Source: SourceMCP, Kind: KindServerState, Data: map[string]any{"server": "a", "state": "ready"}})
	b.Publish(loadRecord("a", "prompts/list failed"))

	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // no-op
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}

	// Buffered events survive the close, so a consumer loop ending on
	// channel close writes everything that was published.
	var kinds []string
	for e := range ch {
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) != 2 || kinds[0] != KindServerState || kinds[1] != KindLoadRecord {
		t.Errorf("drained %v", kinds)
	}

	if n := b.Publish(loadRecord("a", "late")); n != 0 {
		t.Errorf("Publish after Unsubscribe delivered to %d", n)
	}
}

func TestBus_ConcurrentServers(t *testing.T) {
	b := New()
	ch := b.Subscribe(16)

	var received atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch {
			received.Add(1)
		}
	}()

	const servers, records = 8, 50
	var delivered atomic.Int64
	var wg sync.WaitGroup
	for i := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("server-%d", i)
			for j := range records {
				delivered.Add(int64(b.Publish(loadRecord(name, fmt.Sprint(j)))))
			}
		}()
	}
	wg.Wait()
	b.Unsubscribe(ch)
	<-done

	// Drops are allowed, but Publish must count exactly what arrived.
	if received.Load() != delivered.Load() {
		t.Errorf("received %d, Publish reported %d", received.Load(), delivered.Load())
	}
}
