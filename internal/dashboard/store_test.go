package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func fire(t *testing.T, s *logStore, level logrus.Level, component, msg string, data logrus.Fields) {
	t.Helper()
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = level
	entry.Message = msg
	entry.Data = logrus.Fields{"component": component}
	for k, v := range data {
		entry.Data[k] = v
	}
	if err := s.Fire(entry); err != nil {
		t.Fatalf("Fire returned error: %v", err)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	fire(t, store, logrus.WarnLevel, "stream", "faulted", logrus.Fields{"error": errors.New("eof"), "exchange": "bidesk"})

	got := store.snapshot("", logrus.TraceLevel, 0)
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Component != "stream" || got[0].Fields["error"] != "eof" || got[0].Fields["exchange"] != "bidesk" {
		t.Fatalf("unexpected record: %#v", got[0])
	}
	if got[0].Level != "warning" {
		t.Fatalf("level = %q", got[0].Level)
	}
}

func TestLogStoreRingKeepsNewest(t *testing.T) {
	store := newLogStore(2)
	for _, msg := range []string{"a", "b", "c", "d"} {
		fire(t, store, logrus.InfoLevel, "x", msg, nil)
	}

	got := store.snapshot("", logrus.TraceLevel, 0)
	if len(got) != 2 || got[0].Message != "c" || got[1].Message != "d" {
		t.Fatalf("unexpected ring contents: %#v", got)
	}
}

func TestLogStoreFilters(t *testing.T) {
	store := newLogStore(10)
	fire(t, store, logrus.DebugLevel, "poller", "tick", nil)
	fire(t, store, logrus.WarnLevel, "poller", "snapshot failed", nil)
	fire(t, store, logrus.ErrorLevel, "stream", "dial failed", nil)
	fire(t, store, logrus.WarnLevel, "stream", "faulted", nil)

	if got := store.snapshot("", logrus.WarnLevel, 0); len(got) != 3 {
		t.Fatalf("warn and above: got %d records", len(got))
	}
	if got := store.snapshot("stream", logrus.TraceLevel, 0); len(got) != 2 {
		t.Fatalf("component filter: got %d records", len(got))
	}
	got := store.snapshot("", logrus.TraceLevel, 1)
	if len(got) != 1 || got[0].Message != "faulted" {
		t.Fatalf("limit keeps newest: %#v", got)
	}
}

func TestLogStoreIgnoresEntriesAfterClose(t *testing.T) {
	store := newLogStore(2)
	fire(t, store, logrus.InfoLevel, "x", "kept", nil)
	store.close()
	fire(t, store, logrus.InfoLevel, "x", "ignored", nil)

	if got := store.snapshot("", logrus.TraceLevel, 0); len(got) != 1 {
		t.Fatalf("store accepted entries after close: %#v", got)
	}
}
