// Package simlog provides structured diagnostic logging and an in-memory
// audit trail: every protocol violation, directory transition, and eviction
// is logged as a JSON line with a correlation id threaded through an
// outstanding request's lifetime so a multi-tile trace can be reassembled.
//
// Grounded on pkg/middleware/logging.go (stdlib log + manual JSON
// marshaling + google/uuid request ids) and invalidation/audit.go's concept
// of an append-only transition log, with persistence dropped in favor of a
// bounded in-memory ring buffer — this simulator keeps no state across runs.
package simlog

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewCorrelationID mints a correlation id for a freshly outstanding
// request, threaded through every log line emitted while it is in flight —
// the same role a request id plays in pkg/middleware/logging.go.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Entry is one structured log line.
type Entry struct {
	Time          time.Time `json:"time"`
	Tile          int       `json:"tile"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Level         string    `json:"level"`
	Event         string    `json:"event"`
	Address       uint64    `json:"address,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

// Logger writes structured JSON-line diagnostics and retains the most
// recent entries in a bounded in-memory ring buffer for post-hoc
// inspection — the audit-trail role invalidation/audit.go gives a
// Postgres table, here scoped to one run's memory.
type Logger struct {
	mu      sync.Mutex
	tile    int
	ring    []Entry
	ringCap int
	ringPos int
	ringLen int
	out     *log.Logger
}

// NewLogger returns a Logger for the given tile id, retaining up to
// ringCap recent entries (0 disables retention, keeping only the stdlib
// log.Logger sink).
func NewLogger(tile int, ringCap int, out *log.Logger) *Logger {
	if out == nil {
		out = log.Default()
	}
	return &Logger{
		tile:    tile,
		ringCap: ringCap,
		ring:    make([]Entry, ringCap),
		out:     out,
	}
}

func (l *Logger) record(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		l.out.Printf("simlog: marshal error: %v", err)
		return
	}
	l.out.Print(string(data))

	if l.ringCap == 0 {
		return
	}
	l.mu.Lock()
	l.ring[l.ringPos] = e
	l.ringPos = (l.ringPos + 1) % l.ringCap
	if l.ringLen < l.ringCap {
		l.ringLen++
	}
	l.mu.Unlock()
}

// Info logs a routine protocol transition (e.g. a directory state change or
// an L2 eviction).
func (l *Logger) Info(correlationID, event string, address uint64, detail string) {
	l.record(Entry{Time: time.Now(), Tile: l.tile, CorrelationID: correlationID, Level: "INFO", Event: event, Address: address, Detail: detail})
}

// Violation logs a protocol error at ERROR level. Callers in this module log
// it and continue; none of them panics afterwards.
func (l *Logger) Violation(correlationID, event string, address uint64, detail string) {
	l.record(Entry{Time: time.Now(), Tile: l.tile, CorrelationID: correlationID, Level: "ERROR", Event: event, Address: address, Detail: detail})
}

// Recent returns up to n of the most recently recorded entries, oldest
// first, for tests and post-mortem inspection.
func (l *Logger) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ringCap == 0 {
		return nil
	}
	if n > l.ringLen {
		n = l.ringLen
	}
	out := make([]Entry, 0, n)
	start := (l.ringPos - n + l.ringCap) % l.ringCap
	for i := 0; i < n; i++ {
		out = append(out, l.ring[(start+i)%l.ringCap])
	}
	return out
}
