package cachearray

import (
	"container/list"
	"math/rand"
)

// ReplacementPolicy chooses a victim line within a full set. Grounded on
// cache-manager/policies.go's EvictionPolicy interface, re-targeted from
// TTL-vs-LRU-over-a-flat-map to LRU-vs-Random-over-an-associative-set.
type ReplacementPolicy interface {
	// Touch records that slot was just accessed (hit or fill). LRU uses this
	// to reorder; Random ignores it.
	Touch(slot int)
	// Victim returns the slot index to evict, chosen from validSlots (the
	// indices of the slots currently occupying the set).
	Victim(validSlots []int) int
	// Name identifies the policy for config validation and diagnostics.
	Name() string
}

// LRUReplacement implements least-recently-used victim selection via a
// doubly linked recency list, matching cache-manager/cache.go's L1Cache
// exactly (container/list.MoveToFront on touch, list.Back() as the victim).
type LRUReplacement struct {
	order   *list.List
	element map[int]*list.Element
}

// NewLRUReplacement returns an LRUReplacement with no recorded touches yet.
func NewLRUReplacement() *LRUReplacement {
	return &LRUReplacement{
		order:   list.New(),
		element: make(map[int]*list.Element),
	}
}

func (p *LRUReplacement) Touch(slot int) {
	if el, ok := p.element[slot]; ok {
		p.order.MoveToFront(el)
		return
	}
	p.element[slot] = p.order.PushFront(slot)
}

func (p *LRUReplacement) Victim(validSlots []int) int {
	for el := p.order.Back(); el != nil; el = el.Prev() {
		slot := el.Value.(int)
		for _, v := range validSlots {
			if v == slot {
				return slot
			}
		}
	}
	// No recency information for any valid slot (shouldn't happen once the
	// set has been touched at least once per slot) — fall back to the
	// first valid slot so Victim always returns a usable index.
	return validSlots[0]
}

func (p *LRUReplacement) Name() string { return "LRU" }

// Forget drops a slot's recency entry, used when a line is evicted or
// invalidated out from under the policy.
func (p *LRUReplacement) Forget(slot int) {
	if el, ok := p.element[slot]; ok {
		p.order.Remove(el)
		delete(p.element, slot)
	}
}

// RandomReplacement implements uniform-random victim selection.
type RandomReplacement struct {
	rng *rand.Rand
}

// NewRandomReplacement returns a RandomReplacement seeded with seed, so
// fault-injection harnesses can reproduce a run deterministically.
func NewRandomReplacement(seed int64) *RandomReplacement {
	return &RandomReplacement{rng: rand.New(rand.NewSource(seed))}
}

func (p *RandomReplacement) Touch(slot int) {}

func (p *RandomReplacement) Victim(validSlots []int) int {
	return validSlots[p.rng.Intn(len(validSlots))]
}

func (p *RandomReplacement) Name() string { return "Random" }
