// Package perfmodel implements the timing-model hooks the L1/L2/directory
// controllers call at protocol events, plus a monotonic cycle counter per
// execution context.
//
// Grounded on cache-manager/service.go's Metrics struct (sync/atomic typed
// counters updated from multiple goroutines without a mutex) — this package
// reuses that exact shape for cycle counts and miss tracking instead of
// hit/miss/eviction counters.
package perfmodel

import "sync/atomic"

// EventKind identifies a chargeable protocol event.
type EventKind uint8

const (
	// AccessCacheTags charges the cost of a tag-only lookup (e.g. an
	// absorbed late directory message on an already-invalid line).
	AccessCacheTags EventKind = iota
	// AccessCacheDataAndTags charges a full data-and-tag access (e.g. an L2
	// fill on EX_REP/SH_REP installation).
	AccessCacheDataAndTags
)

// Context identifies one of the two execution contexts that advance
// independently per tile.
type Context uint8

const (
	ContextApplication Context = iota
	ContextNetwork
)

// PerfModel is the timing-model interface the L1/L2/directory controllers
// call into. An embedding simulator may supply an implementation tied to
// its own clock-skew-minimization machinery; Model below is a standalone
// implementation usable on its own or in tests.
type PerfModel interface {
	IncrCycleCount(ctx Context, event EventKind)
	GetCycleCount(ctx Context) uint64
	SetCycleCount(ctx Context, v uint64)
	TrackMiss(addr uint64, isMiss bool)
}

// cycleCosts gives each EventKind a default cycle cost. A real embedding
// simulator would supply its own PerfModel with costs derived from its
// timing configuration; Model's defaults exist so the coherence packages
// are independently testable.
var cycleCosts = map[EventKind]uint64{
	AccessCacheTags:        1,
	AccessCacheDataAndTags: 4,
}

// Model is a minimal, thread-safe PerfModel implementation: two monotonic
// cycle counters (one per Context) plus hit/miss tallies.
type Model struct {
	appCycles atomic.Uint64
	netCycles atomic.Uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New returns a Model with both context counters at zero.
func New() *Model {
	return &Model{}
}

func (m *Model) counter(ctx Context) *atomic.Uint64 {
	if ctx == ContextApplication {
		return &m.appCycles
	}
	return &m.netCycles
}

// IncrCycleCount advances ctx's cycle counter by the cost associated with
// event.
func (m *Model) IncrCycleCount(ctx Context, event EventKind) {
	m.counter(ctx).Add(cycleCosts[event])
}

// GetCycleCount returns ctx's current cycle count.
func (m *Model) GetCycleCount(ctx Context) uint64 {
	return m.counter(ctx).Load()
}

// SetCycleCount overwrites ctx's cycle count, used by an embedding
// simulator to re-synchronize contexts after clock-skew minimization.
func (m *Model) SetCycleCount(ctx Context, v uint64) {
	m.counter(ctx).Store(v)
}

// TrackMiss records a hit or miss for addr. The address itself isn't
// retained by Model — miss-type classification happens in the l2 package
// at the point of dispatch; Model only tallies the aggregate counts.
func (m *Model) TrackMiss(addr uint64, isMiss bool) {
	_ = addr
	if isMiss {
		m.misses.Add(1)
	} else {
		m.hits.Add(1)
	}
}

// Hits and Misses expose the aggregate tallies for tests and diagnostics.
func (m *Model) Hits() uint64   { return m.hits.Load() }
func (m *Model) Misses() uint64 { return m.misses.Load() }
