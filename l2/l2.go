// Package l2 implements the L2 controller: the two-sided coherence engine
// with entry points for requests from the local L1 (HandleFromL1) and
// messages from the home directory (HandleFromDirectory), the
// outstanding-request slot, and the application/network rendezvous
// semaphores that hand a directory reply back to the blocked application
// context.
//
// Grounded on cache-manager/singleflight.go's call{wg sync.WaitGroup}
// shape for the outstanding-slot's at-most-one-inflight-per-key discipline,
// and on invalidation/service.go's mutex-guarded per-key state transitions
// for the dispatch structure.
package l2

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/archsim/mosi-coherence/cachearray"
	"github.com/archsim/mosi-coherence/coherence"
	"github.com/archsim/mosi-coherence/homelookup"
	"github.com/archsim/mosi-coherence/l1"
	"github.com/archsim/mosi-coherence/perfmodel"
	"github.com/archsim/mosi-coherence/shmemmsg"
	"github.com/archsim/mosi-coherence/simlog"
)

// ProtocolViolationError is the fatal "unexpected (state, message) pair"
// error, carrying the offending tuple for diagnostics.
type ProtocolViolationError struct {
	Address uint64
	State   coherence.State
	Kind    shmemmsg.Kind
	Detail  string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("l2: protocol violation at %#x: state=%s kind=%s: %s", e.Address, e.State, e.Kind, e.Detail)
}

// MissType classifies a miss for optional tracking.
type MissType uint8

const (
	Hit MissType = iota
	Cold
	Capacity
	Upgrade
	Sharing
)

func (m MissType) String() string {
	switch m {
	case Hit:
		return "HIT"
	case Cold:
		return "COLD"
	case Capacity:
		return "CAPACITY"
	case Upgrade:
		return "UPGRADE"
	case Sharing:
		return "SHARING"
	default:
		return "?"
	}
}

// L1Capability is the narrow back-pointer an L2Controller needs into its
// sibling L1Controller: a capability interface rather than a concrete
// type, so an enclosing owner (the tile package) can wire the two together
// without a cyclic import. *l1.Controller satisfies this directly.
type L1Capability interface {
	BankLock(bank l1.Bank) *sync.Mutex
	Insert(bank l1.Bank, addr uint64, state coherence.State, data []byte) (*l1.Eviction, error)
	Invalidate(bank l1.Bank, addr uint64) (coherence.State, bool)
	SetState(bank l1.Bank, addr uint64, state coherence.State) error
	Lookup(bank l1.Bank, addr uint64) (coherence.State, []byte, bool)
}

// Sink is the subset of netsink.Sink an L2Controller needs to reach its
// home directory and other tiles.
type Sink interface {
	SendMsg(dest shmemmsg.TileID, msg shmemmsg.Msg)
}

// outstandingPhase tags the outstanding-request slot's variant: a tagged
// Idle | Awaiting{addr, bank, t0} rather than a sentinel invalid address.
type outstandingPhase uint8

const (
	slotIdle outstandingPhase = iota
	slotAwaiting
)

type outstandingSlot struct {
	phase         outstandingPhase
	addr          uint64
	bank          l1.Bank
	reqKind       shmemmsg.Kind
	correlationID string
	t0            time.Time
}

// joinResult is the shared outcome of an outstanding request, delivered to
// any second L1 bank that joined it via singleflight instead of racing a
// second directory request for the identical line.
type joinResult struct {
	state coherence.State
	data  []byte
}

// joinSlot records a joined (non-leader) L1 bank's pending singleflight
// wait, keyed by the joining request's own address.
type joinSlot struct {
	bank          l1.Bank
	ch            <-chan singleflight.Result
	correlationID string
}

// Config bundles an L2Controller's construction-time parameters.
type Config struct {
	Self          shmemmsg.TileID
	LineSize      int
	L2Size        int
	Associativity int
	NewPolicy     func() cachearray.ReplacementPolicy
	NumTiles      int
	Variant       coherence.Variant
	TrackMissType bool
}

// Controller is the L2 cache controller: the coherence protocol state
// machine for one tile.
type Controller struct {
	self     shmemmsg.TileID
	variant  coherence.Variant
	numTiles int
	lineSize int
	track    bool

	mu          sync.Mutex
	cache       *cachearray.CacheArray
	cachedLoc   map[uint64]coherence.CachedLoc
	everSeen    map[uint64]bool
	invReason   map[uint64]MissType // recorded at invalidation time, consulted on the next miss
	outstanding outstandingSlot

	// group coalesces a second L1 bank's miss on the exact same line the
	// outstanding slot is already chasing into the single in-flight
	// directory round trip, the way cache-manager/singleflight.go coalesces
	// concurrent cache fills for the same key. joinDone/joinWait are its
	// bookkeeping: joinDone hands the shared result to the registered
	// group call once the directory reply lands; joinWait lets the joining
	// bank's own WaitForReply call find its result channel.
	group    singleflight.Group
	joinDone map[uint64]chan joinResult // keyed by line
	joinWait map[uint64]*joinSlot       // keyed by the joining request's address

	l1   L1Capability
	sink Sink
	perf perfmodel.PerfModel
	log  *simlog.Logger

	// wakeApp/ackNet are the two-party rendezvous for the outstanding
	// slot's leader: the network context signals wakeApp after installing
	// a reply, then blocks on ackNet until the application context
	// acknowledges having copied the line's bytes out. Capacity 1 makes
	// each a binary semaphore; the protocol guarantees at most one
	// outstanding signal.
	wakeApp chan struct{}
	ackNet  chan struct{}
}

// New constructs an L2Controller. l1cap is the sibling L1 controller's
// capability interface; sink reaches the directory/other tiles; perf and
// log may be nil-safe defaults supplied by the embedding tile.
func New(cfg Config, l1cap L1Capability, sink Sink, perf perfmodel.PerfModel, log *simlog.Logger) (*Controller, error) {
	cache, err := cachearray.New(cfg.L2Size, cfg.LineSize, cfg.Associativity, cfg.NewPolicy)
	if err != nil {
		return nil, fmt.Errorf("l2: %w", err)
	}
	return &Controller{
		self:      cfg.Self,
		variant:   cfg.Variant,
		numTiles:  cfg.NumTiles,
		lineSize:  cfg.LineSize,
		track:     cfg.TrackMissType,
		cache:     cache,
		cachedLoc: make(map[uint64]coherence.CachedLoc),
		everSeen:  make(map[uint64]bool),
		invReason: make(map[uint64]MissType),
		joinDone:  make(map[uint64]chan joinResult),
		joinWait:  make(map[uint64]*joinSlot),
		l1:        l1cap,
		sink:      sink,
		perf:      perf,
		log:       log,
		wakeApp:   make(chan struct{}, 1),
		ackNet:    make(chan struct{}, 1),
	}, nil
}

func (c *Controller) joinKey(line uint64) string {
	return fmt.Sprintf("%d:%d", c.self, line)
}

// awaitDirectoryReply blocks the registered singleflight call for line
// until handleReply delivers the reply's (state, data) to joinDone, then
// returns it as the shared result for every caller joined on this key.
func (c *Controller) awaitDirectoryReply(line uint64) func() (interface{}, error) {
	return func() (interface{}, error) {
		ch := make(chan joinResult, 1)
		c.mu.Lock()
		c.joinDone[line] = ch
		c.mu.Unlock()
		return <-ch, nil
	}
}

func (c *Controller) homeOf(addr uint64) shmemmsg.TileID {
	return shmemmsg.TileID(homelookup.Lookup(addr, uint64(c.lineSize), c.numTiles))
}

func (c *Controller) lineOf(addr uint64) uint64 {
	return addr - addr%uint64(c.lineSize)
}

// stateOf returns the current L2 line state for a line-aligned address (I
// if absent), without taking c.mu — the caller must already hold it.
func (c *Controller) stateOf(line uint64) coherence.State {
	ln, ok := c.cache.Lookup(line)
	if !ok {
		return coherence.I
	}
	return coherence.State(ln.State)
}

// classify computes a miss's MissType inline at the point of dispatch,
// since the per-call perf-counter update needs the classification result
// immediately and nothing else in this controller needs it deferred.
// Caller must hold c.mu.
func (c *Controller) classify(line uint64, kind shmemmsg.Kind, state coherence.State) MissType {
	var hit bool
	if kind == shmemmsg.EX_REQ {
		hit = coherence.Writable(state)
	} else {
		hit = coherence.Readable(state)
	}
	if hit {
		return Hit
	}
	if kind == shmemmsg.EX_REQ && state != coherence.I {
		return Upgrade
	}
	if !c.everSeen[line] {
		return Cold
	}
	if reason, ok := c.invReason[line]; ok && reason == Sharing {
		return Sharing
	}
	return Capacity
}

// HandleFromL1 is the entry point for a request the local L1 missed. The
// caller must already hold the L1 bank lock for bank (per the fixed lock
// order for L1-originated requests); this call acquires only the L2 lock.
//
// Returns blocked=true if the caller must now unlock the L1 bank and then
// invoke WaitForReply (an L2 miss forwarded to the directory; installing
// the reply takes the bank lock); false if the request was satisfied
// locally and the caller may proceed directly.
func (c *Controller) HandleFromL1(bank l1.Bank, addr uint64, kind shmemmsg.Kind) (blocked bool, err error) {
	if kind != shmemmsg.EX_REQ && kind != shmemmsg.SH_REQ {
		return false, &ProtocolViolationError{Address: addr, Kind: kind, Detail: "handle_from_l1 only accepts EX_REQ/SH_REQ"}
	}

	line := c.lineOf(addr)

	c.mu.Lock()
	if c.outstanding.phase != slotIdle {
		// A second L1 bank missing the exact same line the outstanding
		// slot is already chasing (e.g. the instruction and data banks
		// both miss on self-modifying code) joins that request via
		// singleflight instead of racing a second one to the directory.
		// Only read-for-read joins are coalesced; an EX_REQ always needs
		// its own round trip, since only one bank can end up the owner.
		if kind == shmemmsg.SH_REQ && c.outstanding.reqKind == shmemmsg.SH_REQ && c.lineOf(c.outstanding.addr) == line {
			corrID := c.outstanding.correlationID
			if c.track && c.perf != nil {
				c.perf.TrackMiss(addr, true)
			}
			ch := c.group.DoChan(c.joinKey(line), c.awaitDirectoryReply(line))
			c.joinWait[addr] = &joinSlot{bank: bank, ch: ch, correlationID: corrID}
			c.mu.Unlock()
			if c.log != nil {
				c.log.Info(corrID, "L2_JOIN_OUTSTANDING", addr, fmt.Sprintf("bank=%v joining in-flight request for line %#x", bank, line))
			}
			c.perfIncr(perfmodel.ContextApplication, perfmodel.AccessCacheTags)
			return true, nil
		}
		c.mu.Unlock()
		return false, &ProtocolViolationError{Address: addr, Kind: kind, Detail: "outstanding slot already in use"}
	}

	state := c.stateOf(line)
	missType := c.classify(line, kind, state)
	if c.track && c.perf != nil {
		c.perf.TrackMiss(addr, missType != Hit)
	}

	if kind == shmemmsg.EX_REQ && coherence.Writable(state) {
		// Local hit: L2 already holds a writable copy (possibly evicted
		// from L1 but retained here). Mirror into L1 and return.
		data := c.dataOf(line)
		c.mu.Unlock()
		c.mirrorIntoL1(bank, addr, state, data)
		c.perfIncr(perfmodel.ContextApplication, perfmodel.AccessCacheDataAndTags)
		return false, nil
	}
	if kind == shmemmsg.SH_REQ && coherence.Readable(state) {
		data := c.dataOf(line)
		c.mu.Unlock()
		c.mirrorIntoL1(bank, addr, state, data)
		c.perfIncr(perfmodel.ContextApplication, perfmodel.AccessCacheDataAndTags)
		return false, nil
	}

	// Miss: forward to the directory.
	corrID := simlog.NewCorrelationID()
	if kind == shmemmsg.EX_REQ && state != coherence.I {
		// Upgrade: give up the stale S/O copy before requesting M. The
		// caller already holds bank's lock (L1-originated request), so
		// invalidating the local L1 mirror here does not re-lock it.
		c.l1.Invalidate(bank, addr)
		c.invalidateLocal(line, Sharing)
		c.mu.Unlock()
		c.sendToHome(addr, shmemmsg.INV_REP, nil, corrID)
		c.mu.Lock()
	}

	c.outstanding = outstandingSlot{phase: slotAwaiting, addr: addr, bank: bank, reqKind: kind, correlationID: corrID, t0: time.Now()}
	c.everSeen[line] = true
	// Register the in-flight entry so a second bank racing the same line
	// can join it; this leader never reads the returned channel itself —
	// it still rendezvous through wakeApp/ackNet below.
	c.group.DoChan(c.joinKey(line), c.awaitDirectoryReply(line))
	c.mu.Unlock()

	if c.log != nil {
		c.log.Info(corrID, "L2_MISS", addr, fmt.Sprintf("kind=%s missType=%s", kind, missType))
	}
	c.sendToHome(addr, kind, nil, corrID)
	c.perfIncr(perfmodel.ContextApplication, perfmodel.AccessCacheTags)
	return true, nil
}

// dataOf returns a copy of line's current bytes. Caller must hold c.mu.
func (c *Controller) dataOf(line uint64) []byte {
	ln, ok := c.cache.Lookup(line)
	if !ok {
		return make([]byte, c.lineSize)
	}
	return append([]byte(nil), ln.Data...)
}

// invalidateLocal transitions line to I in the L2 array, recording reason
// so a later classify() call can distinguish why. Caller must hold c.mu.
func (c *Controller) invalidateLocal(line uint64, reason MissType) {
	c.cache.Invalidate(line)
	delete(c.cachedLoc, line)
	c.invReason[line] = reason
}

// mirrorIntoL1 installs a local-hit L2 line into L1 bank. The caller (the
// application context, via HandleFromL1) already holds bank's lock for
// L1-originated requests, so this does not lock it again — doing so would
// deadlock against a non-reentrant mutex.
func (c *Controller) mirrorIntoL1(bank l1.Bank, addr uint64, state coherence.State, data []byte) {
	if _, err := c.l1.Insert(bank, addr, state, data); err != nil && c.log != nil {
		c.log.Violation("", "L1_MIRROR_FAILED", addr, err.Error())
	}
	line := c.lineOf(addr)
	c.mu.Lock()
	c.cachedLoc[line] = bankLoc(bank)
	c.mu.Unlock()
}

// installJoinResult mirrors a joined bank's shared directory reply into
// bank, acquiring bank's lock itself since — unlike mirrorIntoL1's
// caller — the application context goroutine running this has already
// released it before blocking in WaitForReply.
func (c *Controller) installJoinResult(bank l1.Bank, addr uint64, state coherence.State, data []byte, corrID string) {
	bankLock := c.l1.BankLock(bank)
	bankLock.Lock()
	defer bankLock.Unlock()
	if _, err := c.l1.Insert(bank, addr, state, data); err != nil && c.log != nil {
		c.log.Violation(corrID, "L1_MIRROR_FAILED", addr, err.Error())
	}
	line := c.lineOf(addr)
	c.mu.Lock()
	c.cachedLoc[line] = bankLoc(bank)
	c.mu.Unlock()
}

func bankLoc(bank l1.Bank) coherence.CachedLoc {
	if bank == l1.BankI {
		return coherence.LocL1I
	}
	return coherence.LocL1D
}

func locBank(loc coherence.CachedLoc) (l1.Bank, bool) {
	switch loc {
	case coherence.LocL1I:
		return l1.BankI, true
	case coherence.LocL1D:
		return l1.BankD, true
	default:
		return 0, false
	}
}

func (c *Controller) sendToHome(addr uint64, kind shmemmsg.Kind, data []byte, corrID string) {
	c.sink.SendMsg(c.homeOf(addr), shmemmsg.Msg{
		Kind:              kind,
		SenderComponent:   shmemmsg.ComponentL2,
		ReceiverComponent: shmemmsg.ComponentDirectory,
		SenderTile:        c.self,
		RequesterTile:     c.self,
		Address:           c.lineOf(addr),
		Data:              data,
		CorrelationID:     corrID,
	})
}

func (c *Controller) perfIncr(ctx perfmodel.Context, ev perfmodel.EventKind) {
	if c.perf != nil {
		c.perf.IncrCycleCount(ctx, ev)
	}
}

// WaitForReply blocks the calling application context until addr's reply
// is available, then installs it. For the outstanding slot's leader, this
// waits on wakeApp (the network context signals it after installing the
// reply directly) and acknowledges via ackNet so the network context may
// proceed. For a bank that joined an in-flight request on the same line
// via HandleFromL1, this instead waits on the singleflight-shared result
// and mirrors it into the joining bank itself. Call only when
// HandleFromL1 returned blocked=true.
func (c *Controller) WaitForReply(addr uint64) {
	c.mu.Lock()
	js, joined := c.joinWait[addr]
	if joined {
		delete(c.joinWait, addr)
	}
	c.mu.Unlock()

	if !joined {
		<-c.wakeApp
		c.ackNet <- struct{}{}
		return
	}

	res := <-js.ch
	r := res.Val.(joinResult)
	c.installJoinResult(js.bank, addr, r.state, r.data, js.correlationID)
}

// HandleFromDirectory is the network-context entry point for every
// message the home directory (or a peer tile's L2) sends this tile.
func (c *Controller) HandleFromDirectory(msg shmemmsg.Msg) error {
	switch msg.Kind {
	case shmemmsg.EX_REP, shmemmsg.SH_REP:
		return c.handleReply(msg)
	case shmemmsg.INV_REQ:
		return c.handleInvReq(msg)
	case shmemmsg.FLUSH_REQ:
		return c.handleFlushReq(msg)
	case shmemmsg.WB_REQ:
		return c.handleWbReq(msg)
	case shmemmsg.UPGRADE_REP:
		if !c.variant.SupportsOwned() {
			return &ProtocolViolationError{Address: msg.Address, Kind: msg.Kind, Detail: "UPGRADE_REP is MOSI-only"}
		}
		return c.handleUpgradeRep(msg)
	case shmemmsg.INV_FLUSH_COMBINED_REQ:
		if !c.variant.SupportsOwned() {
			return &ProtocolViolationError{Address: msg.Address, Kind: msg.Kind, Detail: "INV_FLUSH_COMBINED_REQ is MOSI-only"}
		}
		return c.handleInvFlushCombined(msg)
	default:
		return &ProtocolViolationError{Address: msg.Address, Kind: msg.Kind, Detail: "unexpected kind at handle_from_directory"}
	}
}

// handleReply installs an EX_REP/SH_REP against the outstanding slot. The
// bank to mirror into comes from the slot itself (known from the original
// request), but the fixed lock order is still honored: the L1 bank lock
// is acquired before the L2 lock is re-taken for the install.
func (c *Controller) handleReply(msg shmemmsg.Msg) error {
	line := c.lineOf(msg.Address)

	c.mu.Lock()
	if c.outstanding.phase != slotAwaiting || c.lineOf(c.outstanding.addr) != line {
		c.mu.Unlock()
		return &ProtocolViolationError{Address: msg.Address, Kind: msg.Kind, Detail: "reply does not match outstanding slot"}
	}
	bank := c.outstanding.bank
	corrID := c.outstanding.correlationID
	c.mu.Unlock()

	newState := coherence.S
	if msg.Kind == shmemmsg.EX_REP {
		newState = coherence.M
	}

	bankLock := c.l1.BankLock(bank)
	bankLock.Lock()
	c.mu.Lock()

	ev, err := c.cache.Insert(line, uint8(newState), msg.Data)
	if err != nil {
		c.mu.Unlock()
		bankLock.Unlock()
		return fmt.Errorf("l2: installing reply: %w", err)
	}
	c.cachedLoc[line] = bankLoc(bank)
	c.everSeen[line] = true
	delete(c.invReason, line)
	c.outstanding = outstandingSlot{}

	var evictMsg *shmemmsg.Msg
	var evictDest shmemmsg.TileID
	if ev != nil {
		delete(c.cachedLoc, ev.Address)
		c.invReason[ev.Address] = Capacity
		switch coherence.State(ev.State) {
		case coherence.M:
			evictDest = c.homeOf(ev.Address)
			evictMsg = &shmemmsg.Msg{Kind: shmemmsg.FLUSH_REP, SenderComponent: shmemmsg.ComponentL2, ReceiverComponent: shmemmsg.ComponentDirectory, SenderTile: c.self, Address: ev.Address, Data: ev.WritebackBuf, CorrelationID: corrID}
		case coherence.S, coherence.O:
			evictDest = c.homeOf(ev.Address)
			evictMsg = &shmemmsg.Msg{Kind: shmemmsg.INV_REP, SenderComponent: shmemmsg.ComponentL2, ReceiverComponent: shmemmsg.ComponentDirectory, SenderTile: c.self, Address: ev.Address, CorrelationID: corrID}
		}
		if c.log != nil {
			c.log.Info(corrID, "L2_EVICTION", ev.Address, fmt.Sprintf("state=%s capacity-evicted by line %#x", coherence.State(ev.State), msg.Address))
		}
	}

	// Hand the shared result to any second bank that joined this request
	// on the same line via singleflight, before releasing c.mu.
	if ch, ok := c.joinDone[line]; ok {
		ch <- joinResult{state: newState, data: append([]byte(nil), msg.Data...)}
		delete(c.joinDone, line)
	}
	c.mu.Unlock()

	if _, err := c.l1.Insert(bank, msg.Address, newState, append([]byte(nil), msg.Data...)); err != nil && c.log != nil {
		c.log.Violation(corrID, "L1_MIRROR_FAILED", msg.Address, err.Error())
	}
	bankLock.Unlock()

	if evictMsg != nil {
		c.sink.SendMsg(evictDest, *evictMsg)
	}

	c.perfIncr(perfmodel.ContextNetwork, perfmodel.AccessCacheDataAndTags)

	if c.log != nil {
		c.log.Info(corrID, "L2_REPLY_INSTALLED", msg.Address, fmt.Sprintf("kind=%s state=%s", msg.Kind, newState))
	}

	// Rendezvous: wake the blocked application context, then wait for its
	// acknowledgment that it has copied the installed bytes out.
	c.wakeApp <- struct{}{}
	<-c.ackNet
	return nil
}

// probeCachedLoc reads line's current L1 location under a brief L2-lock
// hold, the first step of the fixed lock acquisition order below.
func (c *Controller) probeCachedLoc(line uint64) coherence.CachedLoc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cachedLoc[line]
}

// withDirectoryLockOrder runs fn under the fixed lock order a
// directory-initiated message must honor to avoid deadlocking against an
// L1-originated request taking the opposite order: probe cached_loc under
// a brief L2 lock (done here via probeCachedLoc), release it, acquire the L1 bank lock (if the line is cached in L1), then
// re-acquire the L2 lock before fn runs.
func (c *Controller) withDirectoryLockOrder(line uint64, fn func()) {
	loc := c.probeCachedLoc(line)
	bank, cached := locBank(loc)
	if cached {
		bankLock := c.l1.BankLock(bank)
		bankLock.Lock()
		defer bankLock.Unlock()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

func (c *Controller) handleInvReq(msg shmemmsg.Msg) error {
	line := c.lineOf(msg.Address)
	var reply *shmemmsg.Msg
	var violation error

	c.withDirectoryLockOrder(line, func() {
		state := c.stateOf(line)
		if state == coherence.I {
			return // late message for an already-invalidated line, absorbed silently
		}
		if coherence.Writable(state) {
			// Protocol error: a pure INV_REQ must never target a writable
			// (dirty) line — that requires FLUSH_REQ/WB_REQ instead.
			violation = &ProtocolViolationError{Address: msg.Address, State: state, Kind: msg.Kind, Detail: "INV_REQ on a writable line"}
			return
		}
		if bank, ok := locBank(c.cachedLoc[line]); ok {
			c.l1.Invalidate(bank, msg.Address)
		}
		c.invalidateLocal(line, Sharing)
		reply = &shmemmsg.Msg{Kind: shmemmsg.INV_REP, SenderComponent: shmemmsg.ComponentL2, ReceiverComponent: shmemmsg.ComponentDirectory, SenderTile: c.self, Address: msg.Address, CorrelationID: msg.CorrelationID}
	})

	if violation != nil {
		return violation
	}
	if reply != nil {
		c.sink.SendMsg(msg.SenderTile, *reply)
		c.perfIncr(perfmodel.ContextNetwork, perfmodel.AccessCacheTags)
	} else {
		c.perfIncr(perfmodel.ContextNetwork, perfmodel.AccessCacheTags)
	}
	return nil
}

func (c *Controller) handleFlushReq(msg shmemmsg.Msg) error {
	line := c.lineOf(msg.Address)
	var reply *shmemmsg.Msg

	c.withDirectoryLockOrder(line, func() {
		state := c.stateOf(line)
		if state == coherence.I {
			return
		}
		data := c.dataOf(line)
		if bank, ok := locBank(c.cachedLoc[line]); ok {
			c.l1.Invalidate(bank, msg.Address)
		}
		c.invalidateLocal(line, Sharing)
		reply = &shmemmsg.Msg{Kind: shmemmsg.FLUSH_REP, SenderComponent: shmemmsg.ComponentL2, ReceiverComponent: shmemmsg.ComponentDirectory, SenderTile: c.self, Address: msg.Address, Data: data, CorrelationID: msg.CorrelationID}
	})

	if reply != nil {
		c.sink.SendMsg(msg.SenderTile, *reply)
		c.perfIncr(perfmodel.ContextNetwork, perfmodel.AccessCacheDataAndTags)
	} else {
		c.perfIncr(perfmodel.ContextNetwork, perfmodel.AccessCacheTags)
	}
	return nil
}

func (c *Controller) handleWbReq(msg shmemmsg.Msg) error {
	line := c.lineOf(msg.Address)
	var reply *shmemmsg.Msg

	c.withDirectoryLockOrder(line, func() {
		state := c.stateOf(line)
		if state == coherence.I {
			return
		}
		data := c.dataOf(line)
		if bank, ok := locBank(c.cachedLoc[line]); ok {
			c.l1.SetState(bank, msg.Address, coherence.S)
		}
		c.cache.SetState(line, uint8(coherence.S))
		reply = &shmemmsg.Msg{Kind: shmemmsg.WB_REP, SenderComponent: shmemmsg.ComponentL2, ReceiverComponent: shmemmsg.ComponentDirectory, SenderTile: c.self, Address: msg.Address, Data: data, CorrelationID: msg.CorrelationID}
	})

	if reply != nil {
		c.sink.SendMsg(msg.SenderTile, *reply)
		c.perfIncr(perfmodel.ContextNetwork, perfmodel.AccessCacheDataAndTags)
	} else {
		c.perfIncr(perfmodel.ContextNetwork, perfmodel.AccessCacheTags)
	}
	return nil
}

// handleUpgradeRep installs a no-payload S/O→M transition (MOSI only),
// completing the outstanding slot the same way handleReply does.
func (c *Controller) handleUpgradeRep(msg shmemmsg.Msg) error {
	line := c.lineOf(msg.Address)

	c.mu.Lock()
	if c.outstanding.phase != slotAwaiting || c.lineOf(c.outstanding.addr) != line {
		c.mu.Unlock()
		return &ProtocolViolationError{Address: msg.Address, Kind: msg.Kind, Detail: "UPGRADE_REP does not match outstanding slot"}
	}
	bank := c.outstanding.bank
	corrID := c.outstanding.correlationID
	c.mu.Unlock()

	bankLock := c.l1.BankLock(bank)
	bankLock.Lock()
	c.mu.Lock()
	c.cache.SetState(line, uint8(coherence.M))
	c.outstanding = outstandingSlot{}
	c.mu.Unlock()
	c.l1.SetState(bank, msg.Address, coherence.M)
	bankLock.Unlock()

	c.perfIncr(perfmodel.ContextNetwork, perfmodel.AccessCacheTags)
	if c.log != nil {
		c.log.Info(corrID, "L2_UPGRADE_INSTALLED", msg.Address, "")
	}
	c.wakeApp <- struct{}{}
	<-c.ackNet
	return nil
}

// handleInvFlushCombined (MOSI only) collapses a FLUSH_REQ/INV_REQ pair
// into one message: the receiving tile applies FLUSH semantics if it holds
// the line as owner (O), INV semantics if it holds it as a plain sharer
// (S) — a single generic "give it up" message, since the directory does
// not need to know locally which role this tile plays.
func (c *Controller) handleInvFlushCombined(msg shmemmsg.Msg) error {
	line := c.lineOf(msg.Address)
	var reply *shmemmsg.Msg

	c.withDirectoryLockOrder(line, func() {
		state := c.stateOf(line)
		switch state {
		case coherence.I:
			return
		case coherence.O:
			data := c.dataOf(line)
			if bank, ok := locBank(c.cachedLoc[line]); ok {
				c.l1.Invalidate(bank, msg.Address)
			}
			c.invalidateLocal(line, Sharing)
			reply = &shmemmsg.Msg{Kind: shmemmsg.FLUSH_REP, SenderComponent: shmemmsg.ComponentL2, ReceiverComponent: shmemmsg.ComponentDirectory, SenderTile: c.self, Address: msg.Address, Data: data, CorrelationID: msg.CorrelationID}
		default:
			if bank, ok := locBank(c.cachedLoc[line]); ok {
				c.l1.Invalidate(bank, msg.Address)
			}
			c.invalidateLocal(line, Sharing)
			reply = &shmemmsg.Msg{Kind: shmemmsg.INV_REP, SenderComponent: shmemmsg.ComponentL2, ReceiverComponent: shmemmsg.ComponentDirectory, SenderTile: c.self, Address: msg.Address, CorrelationID: msg.CorrelationID}
		}
	})

	if reply != nil {
		c.sink.SendMsg(msg.SenderTile, *reply)
	}
	c.perfIncr(perfmodel.ContextNetwork, perfmodel.AccessCacheTags)
	return nil
}

// OutstandingAddr reports the address currently occupying the outstanding
// slot, for tests and diagnostics.
func (c *Controller) OutstandingAddr() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding.addr, c.outstanding.phase == slotAwaiting
}

// LineState reports addr's current L2 coherence state, for tests.
func (c *Controller) LineState(addr uint64) coherence.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateOf(c.lineOf(addr))
}
