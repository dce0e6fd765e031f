package simlog

import (
	"log"
	"strings"
	"testing"
)

func TestLoggerRetainsRecent(t *testing.T) {
	var sb strings.Builder
	l := NewLogger(0, 2, log.New(&sb, "", 0))

	l.Info("c1", "EVENT_A", 0x10, "first")
	l.Info("c2", "EVENT_B", 0x20, "second")
	l.Info("c3", "EVENT_C", 0x30, "third")

	recent := l.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent entries, got %d", len(recent))
	}
	if recent[0].Event != "EVENT_B" || recent[1].Event != "EVENT_C" {
		t.Fatalf("unexpected ring order: %+v", recent)
	}
}

func TestLoggerWritesJSONLines(t *testing.T) {
	var sb strings.Builder
	l := NewLogger(1, 1, log.New(&sb, "", 0))
	l.Violation("corr-1", "PROTOCOL_VIOLATION", 0x99, "bad state")

	out := sb.String()
	if !strings.Contains(out, "PROTOCOL_VIOLATION") || !strings.Contains(out, "corr-1") {
		t.Fatalf("expected log output to contain event and correlation id, got: %s", out)
	}
}

func TestNewCorrelationIDUnique(t *testing.T) {
	a := NewCorrelationID()
	b := NewCorrelationID()
	if a == b {
		t.Fatal("expected distinct correlation ids")
	}
}

func TestRecentWithZeroCapacity(t *testing.T) {
	var sb strings.Builder
	l := NewLogger(0, 0, log.New(&sb, "", 0))
	l.Info("c", "EVENT", 0, "")
	if got := l.Recent(5); len(got) != 0 {
		t.Fatalf("expected no retained entries with ringCap=0, got %d", len(got))
	}
}
