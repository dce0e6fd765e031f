package l1

import (
	"testing"

	"github.com/archsim/mosi-coherence/cachearray"
	"github.com/archsim/mosi-coherence/coherence"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	c, err := New(256, 64, 2, func() cachearray.ReplacementPolicy { return cachearray.NewLRUReplacement() })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestAccessMissThenHitAfterInsert(t *testing.T) {
	c := newTestController(t)

	if hit := c.Access(BankD, 0x1000, AccessLoad); hit {
		t.Fatal("expected miss on empty bank")
	}
	c.Unlock(BankD)

	c.BankLock(BankD).Lock()
	if _, err := c.Insert(BankD, 0x1000, coherence.S, make([]byte, 64)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	c.BankLock(BankD).Unlock()

	if hit := c.Access(BankD, 0x1000, AccessLoad); !hit {
		t.Fatal("expected hit after insert in S")
	}
	c.Unlock(BankD)
}

func TestAccessStoreRequiresWritable(t *testing.T) {
	c := newTestController(t)
	c.BankLock(BankD).Lock()
	if _, err := c.Insert(BankD, 0x2000, coherence.S, make([]byte, 64)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	c.BankLock(BankD).Unlock()

	if hit := c.Access(BankD, 0x2000, AccessStore); hit {
		t.Fatal("store should miss against S state")
	}
	c.Unlock(BankD)
}

func TestIBankRejectsModifiedState(t *testing.T) {
	c := newTestController(t)
	c.BankLock(BankI).Lock()
	defer c.BankLock(BankI).Unlock()

	_, err := c.Insert(BankI, 0x3000, coherence.M, make([]byte, 64))
	if err == nil {
		t.Fatal("expected ProtocolViolationError inserting M into I-bank")
	}
	if _, ok := err.(*ProtocolViolationError); !ok {
		t.Fatalf("expected *ProtocolViolationError, got %T", err)
	}
}

func TestSetStateRejectsOwnedOnIBank(t *testing.T) {
	c := newTestController(t)
	c.BankLock(BankI).Lock()
	if _, err := c.Insert(BankI, 0x4000, coherence.S, make([]byte, 64)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := c.SetState(BankI, 0x4000, coherence.O)
	c.BankLock(BankI).Unlock()

	if err == nil {
		t.Fatal("expected ProtocolViolationError setting O on I-bank")
	}
}

func TestInvalidateReportsPriorState(t *testing.T) {
	c := newTestController(t)
	c.BankLock(BankD).Lock()
	if _, err := c.Insert(BankD, 0x5000, coherence.M, make([]byte, 64)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	st, ok := c.Invalidate(BankD, 0x5000)
	c.BankLock(BankD).Unlock()

	if !ok || st != coherence.M {
		t.Fatalf("Invalidate = (%v, %v), want (M, true)", st, ok)
	}
}

func TestInsertEvictionReportedOnCapacity(t *testing.T) {
	c := newTestController(t)
	c.BankLock(BankD).Lock()
	defer c.BankLock(BankD).Unlock()

	// 256 total, line 64, assoc 2 -> 2 sets, 2 ways each. All three
	// addresses map to set 0, so the third insert evicts.
	addrs := []uint64{0x0000, 0x0080, 0x0100}
	var lastEv *Eviction
	for _, a := range addrs {
		ev, err := c.Insert(BankD, a, coherence.M, make([]byte, 64))
		if err != nil {
			t.Fatalf("Insert(%#x): %v", a, err)
		}
		if ev != nil {
			lastEv = ev
		}
	}
	if lastEv == nil {
		t.Fatal("expected an eviction when inserting a third line into a 2-way set")
	}
	if lastEv.State != coherence.M {
		t.Fatalf("evicted state = %v, want M", lastEv.State)
	}
}
