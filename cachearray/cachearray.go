// Package cachearray implements set-associative storage: an array of
// per-line metadata plus cache-line-sized data buffers, with a configured
// replacement policy, that reports evictions on insertion into a full set.
//
// Grounded on cache-manager/cache.go's L1Cache (sync.RWMutex-guarded map,
// container/list LRU, eviction-on-insert-at-capacity), generalized from a
// flat hash map to a set-associative array addressed by (set index, way)
// rather than a single flat key space.
package cachearray

import (
	"fmt"
	"sync"
)

// Line is one way within a set: its metadata plus the raw data bytes.
type Line struct {
	Valid bool
	Tag   uint64
	State State
	Data  []byte
}

// State mirrors coherence.State's underlying representation without
// importing the coherence package, keeping cachearray usable as a generic
// associative store independent of the MOSI alphabet. l2 and l1 convert
// to/from coherence.State at their boundary.
type State = uint8

// Eviction describes a line displaced by Insert.
type Eviction struct {
	Address      uint64
	State        State
	WritebackBuf []byte
}

// CacheArray is a set-associative array of Lines with per-set replacement.
type CacheArray struct {
	mu            sync.Mutex
	lineSize      int
	numSets       int
	associativity int
	sets          [][]Line
	policies      []ReplacementPolicy
	newPolicy     func() ReplacementPolicy
}

// New constructs a CacheArray. totalSize and associativity must make
// numSets := totalSize/(lineSize*associativity) a positive integer; New
// returns an error otherwise.
func New(totalSize, lineSize, associativity int, newPolicy func() ReplacementPolicy) (*CacheArray, error) {
	if lineSize <= 0 || totalSize <= 0 || associativity <= 0 {
		return nil, fmt.Errorf("cachearray: non-positive dimension (size=%d line=%d assoc=%d)", totalSize, lineSize, associativity)
	}
	setBytes := lineSize * associativity
	if totalSize%setBytes != 0 {
		return nil, fmt.Errorf("cachearray: total size %d not divisible by line*assoc %d", totalSize, setBytes)
	}
	numSets := totalSize / setBytes
	ca := &CacheArray{
		lineSize:      lineSize,
		numSets:       numSets,
		associativity: associativity,
		sets:          make([][]Line, numSets),
		policies:      make([]ReplacementPolicy, numSets),
		newPolicy:     newPolicy,
	}
	for i := range ca.sets {
		ca.sets[i] = make([]Line, associativity)
		ca.policies[i] = newPolicy()
	}
	return ca, nil
}

func (ca *CacheArray) setIndex(addr uint64) int {
	lineAddr := addr / uint64(ca.lineSize)
	return int(lineAddr % uint64(ca.numSets))
}

func (ca *CacheArray) tagOf(addr uint64) uint64 {
	return addr / uint64(ca.lineSize) / uint64(ca.numSets)
}

// Lookup returns the line for addr and whether it is present (Valid).
func (ca *CacheArray) Lookup(addr uint64) (Line, bool) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	set := ca.sets[ca.setIndex(addr)]
	tag := ca.tagOf(addr)
	for way, ln := range set {
		if ln.Valid && ln.Tag == tag {
			ca.policies[ca.setIndex(addr)].Touch(way)
			return ln, true
		}
	}
	return Line{}, false
}

// SetState updates the coherence state of an already-present line for addr.
// Returns false if addr is not present.
func (ca *CacheArray) SetState(addr uint64, state State) bool {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	setIdx := ca.setIndex(addr)
	tag := ca.tagOf(addr)
	for way := range ca.sets[setIdx] {
		if ca.sets[setIdx][way].Valid && ca.sets[setIdx][way].Tag == tag {
			ca.sets[setIdx][way].State = state
			return true
		}
	}
	return false
}

// Invalidate removes addr's line if present, returning its prior state.
func (ca *CacheArray) Invalidate(addr uint64) (State, bool) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	setIdx := ca.setIndex(addr)
	tag := ca.tagOf(addr)
	for way := range ca.sets[setIdx] {
		ln := &ca.sets[setIdx][way]
		if ln.Valid && ln.Tag == tag {
			prior := ln.State
			*ln = Line{}
			if lru, ok := ca.policies[setIdx].(*LRUReplacement); ok {
				lru.Forget(way)
			}
			return prior, true
		}
	}
	return 0, false
}

// Insert installs addr with the given state and data, evicting a victim if
// the set is already full. Returns the eviction, if one occurred.
func (ca *CacheArray) Insert(addr uint64, state State, data []byte) (*Eviction, error) {
	if len(data) != ca.lineSize {
		return nil, fmt.Errorf("cachearray: data length %d does not match line size %d", len(data), ca.lineSize)
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	setIdx := ca.setIndex(addr)
	tag := ca.tagOf(addr)
	set := ca.sets[setIdx]
	policy := ca.policies[setIdx]

	// Reinsertion over a still-valid line for the same tag: update it in
	// place (callers normally invalidate before inserting).
	for way := range set {
		if set[way].Valid && set[way].Tag == tag {
			set[way].State = state
			set[way].Data = append([]byte(nil), data...)
			policy.Touch(way)
			return nil, nil
		}
	}

	// Find a free way.
	for way := range set {
		if !set[way].Valid {
			set[way] = Line{Valid: true, Tag: tag, State: state, Data: append([]byte(nil), data...)}
			policy.Touch(way)
			return nil, nil
		}
	}

	// Set is full: evict.
	validSlots := make([]int, len(set))
	for i := range validSlots {
		validSlots[i] = i
	}
	victim := policy.Victim(validSlots)
	evictedLine := set[victim]
	evictedAddr := (evictedLine.Tag*uint64(ca.numSets) + uint64(setIdx)) * uint64(ca.lineSize)

	set[victim] = Line{Valid: true, Tag: tag, State: state, Data: append([]byte(nil), data...)}
	policy.Touch(victim)

	return &Eviction{
		Address:      evictedAddr,
		State:        evictedLine.State,
		WritebackBuf: evictedLine.Data,
	}, nil
}

// LineSize returns the configured cache-line size in bytes.
func (ca *CacheArray) LineSize() int { return ca.lineSize }

// NumSets returns the number of sets in the array.
func (ca *CacheArray) NumSets() int { return ca.numSets }

// Associativity returns the configured associativity.
func (ca *CacheArray) Associativity() int { return ca.associativity }
