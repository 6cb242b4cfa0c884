package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`

	level logrus.Level
}

// logStore is a logrus hook keeping the most recent entries in a ring.
type logStore struct {
	mu      sync.RWMutex
	ring    []logRecord
	next    int
	full    bool
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	if limit <= 0 {
		limit = 200
	}
	s := &logStore{ring: make([]logRecord, limit)}
	s.enabled.Store(true)
	return s
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		level:     entry.Level,
	}
	for k, v := range entry.Data {
		if k == "component" {
			rec.Component, _ = v.(string)
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			rec.Fields[k] = val.Error()
		case fmt.Stringer:
			rec.Fields[k] = val.String()
		default:
			rec.Fields[k] = val
		}
	}

	s.mu.Lock()
	s.ring[s.next] = rec
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
	return nil
}

// snapshot returns matching records oldest first. Severity follows logrus ordering,
// so min=WarnLevel keeps warn, error, fatal and panic. limit 0 means all.
func (s *logStore) snapshot(component string, min logrus.Level, limit int) []logRecord {
	s.mu.RLock()
	ordered := make([]logRecord, 0, len(s.ring))
	if s.full {
		ordered = append(ordered, s.ring[s.next:]...)
	}
	ordered = append(ordered, s.ring[:s.next]...)
	s.mu.RUnlock()

	out := make([]logRecord, 0, len(ordered))
	for _, rec := range ordered {
		if rec.level > min {
			continue
		}
		if component != "" && rec.Component != component {
			continue
		}
		out = append(out, rec)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
