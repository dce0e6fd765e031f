// Package directory implements the home-tile directory controller:
// per-line sharer/owner tracking, EX_REQ/SH_REQ servicing, and a
// single-slot buffered-request queue that defers a second request for a
// line while an INV/FLUSH/WB round trip is outstanding.
//
// Grounded on invalidation/service.go's InvalidationService (per-key state
// map under a mutex, pattern-driven fan-out to dependents, an audit log of
// transitions) re-targeted from "invalidate cache keys matching a pattern"
// to "track one directory entry's state machine per line and fan out
// INV/FLUSH/WB to its sharers/owner".
package directory

import (
	"fmt"
	"sync"

	"github.com/archsim/mosi-coherence/coherence"
	"github.com/archsim/mosi-coherence/perfmodel"
	"github.com/archsim/mosi-coherence/shmemmsg"
	"github.com/archsim/mosi-coherence/simlog"
)

// State is a directory line's coherence state, distinct from an L1/L2
// line's State since the directory never holds data in E.
type State uint8

const (
	Uncached State = iota
	Shared
	Modified
)

func (s State) String() string {
	switch s {
	case Uncached:
		return "uncached"
	case Shared:
		return "shared"
	case Modified:
		return "modified"
	default:
		return "?"
	}
}

// entry is one line's directory bookkeeping. Exactly one of (uncached, ∅,
// ∅), (shared, ∅, sharers≠∅), (modified, owner, ∅) holds at any time.
type entry struct {
	state    State
	owner    shmemmsg.TileID
	hasOwner bool
	sharers  map[shmemmsg.TileID]struct{}

	// pending is the single buffered request allowed per entry while an
	// INV/FLUSH/WB round trip is outstanding, replayed once that round
	// trip completes.
	pendingBusy bool
	pending     *shmemmsg.Msg
}

func newEntry() *entry {
	return &entry{state: Uncached, sharers: make(map[shmemmsg.TileID]struct{})}
}

// BackingStore is a blank-initialized, in-memory byte-addressable memory:
// reads of untouched addresses return the zero line, and nothing persists
// across runs.
type BackingStore struct {
	mu       sync.Mutex
	lineSize int
	lines    map[uint64][]byte
}

// NewBackingStore returns a BackingStore of lineSize-byte lines, all of
// whose lines read as zero-filled until first written.
func NewBackingStore(lineSize int) *BackingStore {
	return &BackingStore{lineSize: lineSize, lines: make(map[uint64][]byte)}
}

// Load returns the line-aligned bytes at addr, zero-filled if untouched.
func (b *BackingStore) Load(addr uint64) []byte {
	aligned := addr - addr%uint64(b.lineSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if data, ok := b.lines[aligned]; ok {
		return append([]byte(nil), data...)
	}
	return make([]byte, b.lineSize)
}

// Store writes back line-aligned bytes at addr, e.g. on a WB_REP/FLUSH_REP
// arriving at the directory.
func (b *BackingStore) Store(addr uint64, data []byte) {
	aligned := addr - addr%uint64(b.lineSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[aligned] = append([]byte(nil), data...)
}

// Sink is the subset of netsink.Sink the directory needs to reach sharers,
// owners, and requesters.
type Sink interface {
	SendMsg(dest shmemmsg.TileID, msg shmemmsg.Msg)
}

// ProtocolViolationError mirrors l1/l2's error for a directory entry in a
// state/owner/sharers combination the state machine forbids. No code in
// this package constructs one: HandleMsg returns no error, and an
// unexpected message kind is only logged via simlog.
type ProtocolViolationError struct {
	Address uint64
	Detail  string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("directory: protocol violation at %#x: %s", e.Address, e.Detail)
}

// Controller is the home-tile directory for the lines it is the home of.
// One Controller instance serves exactly one tile's directory role.
type Controller struct {
	self     shmemmsg.TileID
	lineSize int
	variant  coherence.Variant

	mu      sync.Mutex
	entries map[uint64]*entry

	rtMu       sync.Mutex
	roundTrips map[uint64]*roundTrip

	store *BackingStore
	sink  Sink
	perf  perfmodel.PerfModel
	log   *simlog.Logger
}

// New constructs a directory Controller for tile self.
func New(self shmemmsg.TileID, lineSize int, variant coherence.Variant, sink Sink, perf perfmodel.PerfModel, log *simlog.Logger) *Controller {
	return &Controller{
		self:       self,
		lineSize:   lineSize,
		variant:    variant,
		entries:    make(map[uint64]*entry),
		roundTrips: make(map[uint64]*roundTrip),
		store:      NewBackingStore(lineSize),
		sink:       sink,
		perf:       perf,
		log:        log,
	}
}

func (c *Controller) lineOf(addr uint64) uint64 {
	return addr - addr%uint64(c.lineSize)
}

func (c *Controller) entryFor(addr uint64) *entry {
	line := c.lineOf(addr)
	e, ok := c.entries[line]
	if !ok {
		e = newEntry()
		c.entries[line] = e
	}
	return e
}

// HandleMsg is the directory's single entry point: every EX_REQ/SH_REQ
// addressed to this tile as home, and every INV_REP/FLUSH_REP/WB_REP
// completing a round trip the directory itself started, arrives here.
func (c *Controller) HandleMsg(msg shmemmsg.Msg) {
	line := c.lineOf(msg.Address)

	c.mu.Lock()
	e := c.entryFor(msg.Address)

	if c.log != nil {
		c.log.Info(msg.CorrelationID, "DIRECTORY_MSG", msg.Address, fmt.Sprintf("kind=%s requester=%d state=%s", msg.Kind, msg.RequesterTile, e.state))
	}

	switch msg.Kind {
	case shmemmsg.EX_REQ:
		c.handleExReq(e, line, msg)
	case shmemmsg.SH_REQ:
		c.handleShReq(e, line, msg)
	case shmemmsg.INV_REP, shmemmsg.FLUSH_REP, shmemmsg.WB_REP:
		c.handleRoundTripReply(e, line, msg)
	default:
		c.mu.Unlock()
		if c.log != nil {
			c.log.Violation(msg.CorrelationID, "DIRECTORY_UNEXPECTED_KIND", msg.Address, msg.Kind.String())
		}
		return
	}
}

// handleExReq must be called with c.mu held; it releases it before any
// blocking send and re-acquires as needed internally via helper calls.
func (c *Controller) handleExReq(e *entry, line uint64, msg shmemmsg.Msg) {
	requester := msg.RequesterTile

	if e.pendingBusy {
		e.pending = &msg
		c.mu.Unlock()
		return
	}

	switch e.state {
	case Uncached:
		data := c.store.Load(line)
		e.state = Modified
		e.owner = requester
		e.hasOwner = true
		c.mu.Unlock()
		c.reply(requester, shmemmsg.EX_REP, line, data, msg.CorrelationID)

	case Shared:
		others := make([]shmemmsg.TileID, 0, len(e.sharers))
		for t := range e.sharers {
			if t != requester {
				others = append(others, t)
			}
		}
		if len(others) == 0 {
			data := c.store.Load(line)
			e.state = Modified
			e.owner = requester
			e.hasOwner = true
			e.sharers = make(map[shmemmsg.TileID]struct{})
			c.mu.Unlock()
			c.reply(requester, shmemmsg.EX_REP, line, data, msg.CorrelationID)
			return
		}
		c.beginRoundTrip(e, roundTrip{
			line: line, requester: requester, kind: shmemmsg.INV_REQ, awaiting: others,
			correlationID: msg.CorrelationID,
			onComplete: func() {
				c.mu.Lock()
				data := c.store.Load(line)
				e.state = Modified
				e.owner = requester
				e.hasOwner = true
				e.sharers = make(map[shmemmsg.TileID]struct{})
				c.mu.Unlock()
				c.reply(requester, shmemmsg.EX_REP, line, data, msg.CorrelationID)
			},
		})

	case Modified:
		if e.hasOwner && e.owner == requester {
			c.mu.Unlock()
			c.reply(requester, shmemmsg.EX_REP, line, c.store.Load(line), msg.CorrelationID)
			return
		}
		owner := e.owner
		c.beginRoundTrip(e, roundTrip{
			line: line, requester: requester, kind: shmemmsg.FLUSH_REQ, awaiting: []shmemmsg.TileID{owner},
			correlationID: msg.CorrelationID,
			onComplete: func() {
				c.mu.Lock()
				data := c.store.Load(line)
				e.state = Modified
				e.owner = requester
				e.hasOwner = true
				c.mu.Unlock()
				c.reply(requester, shmemmsg.EX_REP, line, data, msg.CorrelationID)
			},
		})
	}
}

func (c *Controller) handleShReq(e *entry, line uint64, msg shmemmsg.Msg) {
	requester := msg.RequesterTile

	if e.pendingBusy {
		e.pending = &msg
		c.mu.Unlock()
		return
	}

	switch e.state {
	case Uncached:
		data := c.store.Load(line)
		e.state = Shared
		e.sharers = map[shmemmsg.TileID]struct{}{requester: {}}
		c.mu.Unlock()
		c.reply(requester, shmemmsg.SH_REP, line, data, msg.CorrelationID)

	case Shared:
		data := c.store.Load(line)
		e.sharers[requester] = struct{}{}
		c.mu.Unlock()
		c.reply(requester, shmemmsg.SH_REP, line, data, msg.CorrelationID)

	case Modified:
		owner := e.owner
		c.beginRoundTrip(e, roundTrip{
			line: line, requester: requester, kind: shmemmsg.WB_REQ, awaiting: []shmemmsg.TileID{owner},
			correlationID: msg.CorrelationID,
			onComplete: func() {
				c.mu.Lock()
				data := c.store.Load(line)
				e.state = Shared
				e.sharers = map[shmemmsg.TileID]struct{}{owner: {}, requester: {}}
				e.hasOwner = false
				c.mu.Unlock()
				c.reply(requester, shmemmsg.SH_REP, line, data, msg.CorrelationID)
			},
		})
	}
}

// roundTrip describes an in-flight INV/FLUSH/WB fan-out the directory must
// collect replies for before completing the originating request.
type roundTrip struct {
	line          uint64
	requester     shmemmsg.TileID
	kind          shmemmsg.Kind
	correlationID string
	awaiting      []shmemmsg.TileID
	received      map[shmemmsg.TileID][]byte
	onComplete    func()
}

// beginRoundTrip marks e busy and fans the given request kind out to every
// tile in rt.awaiting, collecting replies via handleRoundTripReply. Must be
// called with c.mu held; releases it before sending.
func (c *Controller) beginRoundTrip(e *entry, rt roundTrip) {
	rt.received = make(map[shmemmsg.TileID][]byte)
	e.pendingBusy = true
	c.mu.Unlock()

	c.rtMu.Lock()
	c.roundTrips[rt.line] = &rt
	c.rtMu.Unlock()

	for _, tile := range rt.awaiting {
		c.sink.SendMsg(tile, shmemmsg.Msg{
			Kind:              rt.kind,
			SenderComponent:   shmemmsg.ComponentDirectory,
			ReceiverComponent: shmemmsg.ComponentL2,
			SenderTile:        c.self,
			RequesterTile:     rt.requester,
			Address:           rt.line,
			CorrelationID:     rt.correlationID,
		})
	}
}

// handleRoundTripReply collects one INV_REP/FLUSH_REP/WB_REP toward an
// in-flight roundTrip. Must be called with c.mu held; it releases c.mu
// before invoking onComplete and before replaying any buffered request.
func (c *Controller) handleRoundTripReply(e *entry, line uint64, msg shmemmsg.Msg) {
	c.rtMu.Lock()
	rt, ok := c.roundTrips[line]
	c.rtMu.Unlock()

	if !ok {
		// Late reply for an already-completed or never-started round trip:
		// absorbed silently, since the requester it was meant for has
		// already moved on.
		c.mu.Unlock()
		return
	}

	if msg.HasData() {
		c.store.Store(line, msg.Data)
	}

	done := func() bool {
		c.rtMu.Lock()
		defer c.rtMu.Unlock()
		rt.received[msg.SenderTile] = msg.Data
		return len(rt.received) >= len(rt.awaiting)
	}()

	c.mu.Unlock()
	if !done {
		return
	}

	c.rtMu.Lock()
	delete(c.roundTrips, line)
	c.rtMu.Unlock()

	rt.onComplete()

	c.mu.Lock()
	e.pendingBusy = false
	buffered := e.pending
	e.pending = nil
	c.mu.Unlock()

	if buffered != nil {
		c.HandleMsg(*buffered)
	}
}

func (c *Controller) reply(dest shmemmsg.TileID, kind shmemmsg.Kind, addr uint64, data []byte, corrID string) {
	c.sink.SendMsg(dest, shmemmsg.Msg{
		Kind:              kind,
		SenderComponent:   shmemmsg.ComponentDirectory,
		ReceiverComponent: shmemmsg.ComponentL2,
		SenderTile:        c.self,
		Address:           addr,
		Data:              data,
		CorrelationID:     corrID,
	})
}

