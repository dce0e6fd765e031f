// Package l1 implements the per-tile L1 controller: two independently
// locked banks (instruction, data), each backed by a cachearray.CacheArray,
// exposing insert/invalidate/set_state/access plus raw lock control so
// callers can honor a fixed lock-acquisition order against L2.
//
// Grounded on cache-manager/service.go's Service pattern (config struct,
// injected collaborators, one guarded resource per concern), applied twice —
// once per bank — since the instruction and data banks never share state.
package l1

import (
	"fmt"
	"sync"

	"github.com/archsim/mosi-coherence/cachearray"
	"github.com/archsim/mosi-coherence/coherence"
)

// Bank identifies one of the two L1 banks.
type Bank uint8

const (
	BankI Bank = iota
	BankD
)

func (b Bank) String() string {
	if b == BankI {
		return "I"
	}
	return "D"
}

// AccessKind distinguishes a load from a store for Access's hit
// classification (writable is required for a store hit, readable suffices
// for a load hit).
type AccessKind uint8

const (
	AccessLoad AccessKind = iota
	AccessStore
)

// ProtocolViolationError is raised when a caller attempts to set a
// writable/owned state on the instruction bank: the I-cache is read-only
// and may only hold states in {I,S,E}.
type ProtocolViolationError struct {
	Bank  Bank
	State coherence.State
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("l1: protocol violation: bank %s may not hold state %s", e.Bank, e.State)
}

// Eviction mirrors cachearray.Eviction, translated to coherence.State, for
// L2 to consume when clearing a line's cached_loc.
type Eviction struct {
	Address uint64
	State   coherence.State
	Data    []byte
}

// Controller holds both L1 banks. Each bank's storage (and its mutex) is
// owned by that bank's cachearray.CacheArray; Controller exposes BankLock so
// callers needing a fixed lock order relative to L2 can acquire a bank's
// lock explicitly, separately from the data operations.
type Controller struct {
	banks [2]*cachearray.CacheArray
	locks [2]sync.Mutex
}

// New constructs a Controller with the given per-bank (totalSize, lineSize,
// associativity) dimensions and replacement policy factory.
func New(totalSize, lineSize, associativity int, newPolicy func() cachearray.ReplacementPolicy) (*Controller, error) {
	c := &Controller{}
	for _, b := range []Bank{BankI, BankD} {
		ca, err := cachearray.New(totalSize, lineSize, associativity, newPolicy)
		if err != nil {
			return nil, fmt.Errorf("l1: bank %s: %w", b, err)
		}
		c.banks[b] = ca
	}
	return c, nil
}

// BankLock returns the mutex guarding bank, for callers that must hold it
// across multiple Controller calls (a directory-initiated path acquires
// this, does work, then releases it in a specific sequence relative to the
// L2 lock to avoid a lock-order cycle).
func (c *Controller) BankLock(bank Bank) *sync.Mutex {
	return &c.locks[bank]
}

// Access performs a load or store through bank at addr, reporting a hit if
// the line is present in a state that satisfies kind. Access locks bank's
// mutex itself: this is the application-context entry point, which acquires
// the L1 bank lock before ever entering L2 — so on a miss the caller
// (normally the tile package) must invoke L2's HandleFromL1 while still
// holding this same lock, then call Unlock. Access therefore does NOT
// unlock on return; pair it with Unlock.
func (c *Controller) Access(bank Bank, addr uint64, kind AccessKind) (hit bool) {
	c.locks[bank].Lock()
	ln, ok := c.banks[bank].Lookup(addr)
	if !ok {
		return false
	}
	state := coherence.State(ln.State)
	if kind == AccessStore {
		return coherence.Writable(state)
	}
	return coherence.Readable(state)
}

// Unlock releases bank's lock, acquired implicitly by Access.
func (c *Controller) Unlock(bank Bank) {
	c.locks[bank].Unlock()
}

// Insert installs addr into bank in the given state with data, assuming the
// caller already holds bank's lock (via Access or BankLock). Returns the
// evicted line, if the bank's set was full.
func (c *Controller) Insert(bank Bank, addr uint64, state coherence.State, data []byte) (*Eviction, error) {
	if bank == BankI && (state == coherence.M || state == coherence.O) {
		return nil, &ProtocolViolationError{Bank: bank, State: state}
	}
	ev, err := c.banks[bank].Insert(addr, uint8(state), data)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, nil
	}
	return &Eviction{Address: ev.Address, State: coherence.State(ev.State), Data: ev.WritebackBuf}, nil
}

// Invalidate removes addr from bank, assuming the caller holds bank's lock.
// Returns the line's prior state and whether it was present.
func (c *Controller) Invalidate(bank Bank, addr uint64) (coherence.State, bool) {
	st, ok := c.banks[bank].Invalidate(addr)
	return coherence.State(st), ok
}

// SetState updates addr's coherence state in bank, assuming the caller
// holds bank's lock. Rejects M/O on the instruction bank.
func (c *Controller) SetState(bank Bank, addr uint64, state coherence.State) error {
	if bank == BankI && (state == coherence.M || state == coherence.O) {
		return &ProtocolViolationError{Bank: bank, State: state}
	}
	if !c.banks[bank].SetState(addr, uint8(state)) {
		return fmt.Errorf("l1: SetState: addr %#x not present in bank %s", addr, bank)
	}
	return nil
}

// Lookup reports whether addr is present in bank and its current line,
// without taking bank's lock (the caller must already hold it, e.g. via
// Access or BankLock).
func (c *Controller) Lookup(bank Bank, addr uint64) (coherence.State, []byte, bool) {
	ln, ok := c.banks[bank].Lookup(addr)
	if !ok {
		return 0, nil, false
	}
	return coherence.State(ln.State), ln.Data, true
}
