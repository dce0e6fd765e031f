// Package tile wires one fabric node's L1, L2, directory, perf model, and
// network transport together and runs its two execution contexts: the
// application context (Load/Store) and the network context (a dispatcher
// goroutine draining messages addressed to this tile).
//
// Grounded on cache-manager/service.go's top-level Service constructor
// (wires its collaborators: store, policy, subscriptions) and
// warming/worker_pool.go's dedicated dispatch goroutine draining a channel
// for the network context's run loop.
package tile

import (
	"fmt"

	"github.com/archsim/mosi-coherence/cachearray"
	"github.com/archsim/mosi-coherence/coherence"
	"github.com/archsim/mosi-coherence/config"
	"github.com/archsim/mosi-coherence/directory"
	"github.com/archsim/mosi-coherence/l1"
	"github.com/archsim/mosi-coherence/l2"
	"github.com/archsim/mosi-coherence/netsink"
	"github.com/archsim/mosi-coherence/perfmodel"
	"github.com/archsim/mosi-coherence/shmemmsg"
	"github.com/archsim/mosi-coherence/simlog"
)

func newPolicyFactory(policy config.ReplacementPolicy, seed int64) func() cachearray.ReplacementPolicy {
	switch policy {
	case config.ReplacementRandom:
		return func() cachearray.ReplacementPolicy { return cachearray.NewRandomReplacement(seed) }
	default:
		return func() cachearray.ReplacementPolicy { return cachearray.NewLRUReplacement() }
	}
}

func variantOf(p config.Protocol) coherence.Variant {
	if p == config.ProtocolMOSI {
		return coherence.MOSI
	}
	return coherence.MSI
}

// Tile owns one fabric node's L1, L2, and directory controllers and the
// network-context dispatch loop connecting them to a shared Fabric.
type Tile struct {
	id  shmemmsg.TileID
	cfg config.Config

	l1  *l1.Controller
	l2  *l2.Controller
	dir *directory.Controller

	sink netsink.Sink
	perf perfmodel.PerfModel
	log  *simlog.Logger
}

// New constructs a Tile registered on fabric under id. cfg must already
// satisfy Config.Validate(); New does not re-check it, matching the
// teacher's convention of validating once at the embedding harness's
// construction boundary.
func New(id shmemmsg.TileID, cfg config.Config, fabric *netsink.Fabric, perf perfmodel.PerfModel, log *simlog.Logger) (*Tile, error) {
	if perf == nil {
		perf = perfmodel.New()
	}

	l1c, err := l1.New(cfg.L1CacheSize, cfg.CacheLineSize, cfg.L1CacheAssociativity, newPolicyFactory(cfg.L2CacheReplacementPolicy, int64(id)))
	if err != nil {
		return nil, fmt.Errorf("tile %d: l1: %w", id, err)
	}

	t := &Tile{id: id, cfg: cfg, l1: l1c, perf: perf, log: log}

	sink := fabric.Register(id, t.dispatch)
	t.sink = sink

	l2c, err := l2.New(l2.Config{
		Self: id, LineSize: cfg.CacheLineSize, L2Size: cfg.L2CacheSize, Associativity: cfg.L2CacheAssociativity,
		NewPolicy: newPolicyFactory(cfg.L2CacheReplacementPolicy, int64(id)+1), NumTiles: cfg.NumTiles,
		Variant: variantOf(cfg.Protocol), TrackMissType: cfg.TrackMissTypes,
	}, l1c, sink, perf, log)
	if err != nil {
		return nil, fmt.Errorf("tile %d: l2: %w", id, err)
	}
	t.l2 = l2c

	t.dir = directory.New(id, cfg.CacheLineSize, variantOf(cfg.Protocol), sink, perf, log)

	return t, nil
}

// dispatch is the network context's single entry point for this tile: a
// message addressed here is either a directory request (this tile is the
// message's home, so route to the directory controller) or a coherence
// reply/invalidation this tile's own L2 must process.
func (t *Tile) dispatch(src shmemmsg.TileID, msg shmemmsg.Msg) {
	switch msg.Kind {
	case shmemmsg.EX_REQ, shmemmsg.SH_REQ, shmemmsg.INV_REP, shmemmsg.FLUSH_REP, shmemmsg.WB_REP:
		t.dir.HandleMsg(msg)
	default:
		if err := t.l2.HandleFromDirectory(msg); err != nil && t.log != nil {
			t.log.Violation(msg.CorrelationID, "L2_PROTOCOL_VIOLATION", msg.Address, err.Error())
		}
	}
}

// AccessKind mirrors l1.AccessKind for the tile-level public API.
type AccessKind = l1.AccessKind

const (
	Load  = l1.AccessLoad
	Store = l1.AccessStore
)

// Access is the application context's entry point: a simulated program
// issuing a load or store through bank at addr. On an L1 hit it returns
// immediately; on a miss it drives the L1→L2→directory path and blocks
// until the directory's reply is installed.
func (t *Tile) Access(bank l1.Bank, addr uint64, kind AccessKind) error {
	hit := t.l1.Access(bank, addr, kind)
	if hit {
		t.l1.Unlock(bank)
		return nil
	}

	reqKind := shmemmsg.SH_REQ
	if kind == l1.AccessStore {
		reqKind = shmemmsg.EX_REQ
	}

	blocked, err := t.l2.HandleFromL1(bank, addr, reqKind)
	t.l1.Unlock(bank)
	if err != nil {
		return err
	}
	if blocked {
		t.l2.WaitForReply(addr)
	}
	return nil
}

// Load is shorthand for Access(bank, addr, Load).
func (t *Tile) Load(bank l1.Bank, addr uint64) error { return t.Access(bank, addr, Load) }

// Store is shorthand for Access(bank, addr, Store).
func (t *Tile) Store(bank l1.Bank, addr uint64) error { return t.Access(bank, addr, Store) }

// L2State reports addr's current L2 coherence state, for tests and
// diagnostics.
func (t *Tile) L2State(addr uint64) coherence.State { return t.l2.LineState(addr) }

// ID returns this tile's id in the fabric.
func (t *Tile) ID() shmemmsg.TileID { return t.id }
