package orchestrator

import (
	"encoding/json"
	"testing"
)

func TestLoadLog(t *testing.T) {
	var l loadLog
	first := l.append(RecordSuccess, "loaded")
	l.append(RecordWarn, "renamed")

	if first.Time.IsZero() {
		t.Error("record time not set")
	}
	snap := l.snapshot()
	if len(snap) != 2 || snap[1].Level != RecordWarn {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Snapshots are copies.
	snap[0].Message = "changed"
	if l.snapshot()[0].Message != "loaded" {
		t.Error("snapshot aliases the log")
	}
}

func TestRecordLevel_JSON(t *testing.T) {
	for _, lv := range []RecordLevel{RecordSuccess, RecordWarn, RecordErr} {
		data, err := json.Marshal(LoadRecord{Level: lv, Message: "m"})
		if err != nil {
			t.Fatalf("Marshal(%v): %v", lv, err)
		}
		var got LoadRecord
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal(%s): %v", data, err)
		}
		if got.Level != lv {
			t.Errorf("level = %v, want %v", got.Level, lv)
		}
	}

	var lv RecordLevel
	if err := lv.UnmarshalText([]byte("fatal")); err == nil {
		t.Error("UnmarshalText(fatal) succeeded")
	}
}

func TestState_Text(t *testing.T) {
	tests := []struct {
		state   State
		name    string
		pending bool
	}{
		{StateConfigured, "configured", true},
		{StateLaunching, "launching", true},
		{StateHandshaking, "handshaking", true},
		{StatePaginating, "paginating", true},
		{StateReady, "ready", false},
		{StateFailed, "failed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, _ := tt.state.MarshalText()
			if string(text) != tt.name {
				t.Errorf("MarshalText = %q", text)
			}
			var got State
			if err := got.UnmarshalText(text); err != nil || got != tt.state {
				t.Errorf("UnmarshalText = %v, %v", got, err)
			}
			if tt.state.Pending() != tt.pending {
				t.Errorf("Pending = %v, want %v", tt.state.Pending(), tt.pending)
			}
		})
	}

	var s State
	if err := s.UnmarshalText([]byte("removed")); err == nil {
		t.Error("UnmarshalText(removed) succeeded")
	}
}
