package orchestrator

import (
	"fmt"
	"sync"
	"time"
)

// RecordLevel classifies a load record.
type RecordLevel int

const (
	RecordSuccess RecordLevel = iota
	RecordWarn
	RecordErr
)

// String returns the lowercase level name.
func (l RecordLevel) String() string {
	switch l {
	case RecordSuccess:
		return "success"
	case RecordWarn:
		return "warn"
	case RecordErr:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the level by name in JSON output.
func (l RecordLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses a level name written by MarshalText.
func (l *RecordLevel) UnmarshalText(text []byte) error {
	for lv := RecordSuccess; lv <= RecordErr; lv++ {
		if lv.String() == string(text) {
			*l = lv
			return nil
		}
	}
	return fmt.Errorf("unknown record level %q", text)
}

// LoadRecord is one entry of a server's load log. Records are the
// user-visible account of how a server came up and what went wrong.
type LoadRecord struct {
	Level   RecordLevel `json:"level"`
	Message string      `json:"message"`
	Time    time.Time   `json:"time"`
}

// loadLog is an append-only list of load records.
type loadLog struct {
	mu      sync.Mutex
	records []LoadRecord
}

func (l *loadLog) append(level RecordLevel, msg string) LoadRecord {
	r := LoadRecord{Level: level, Message: msg, Time: time.Now()}
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
	return r
}

// snapshot returns a copy of every record so far.
func (l *loadLog) snapshot() []LoadRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LoadRecord(nil), l.records...)
}
