package tile

import (
	"runtime"
	"testing"
	"time"

	"github.com/archsim/mosi-coherence/l1"
	"github.com/archsim/mosi-coherence/shmemmsg"
)

// TestConcurrentL1MissAndDirectoryInvalidationDoesNotDeadlock races an
// application-context Store that misses in L1 and enters L2 (holding the
// L1-D bank lock for the missing line) against a directory-originated
// INV_REQ for a different line already cached in the same tile's L1-D
// bank, delivered straight to the network context. withDirectoryLockOrder
// must release the L2 lock before it ever tries for the L1 bank lock, so
// neither goroutine can end up holding one lock while blocked on the
// other.
//
// Interleaving is varied across iterations: which of the two goroutines
// yields via runtime.Gosched() before starting alternates, so repeated
// runs exercise both lock-acquisition orders rather than whichever one
// the scheduler happens to favor. A deadlock shows up as the two done
// channels not both reporting within the iteration's 2s timeout.
func TestConcurrentL1MissAndDirectoryInvalidationDoesNotDeadlock(t *testing.T) {
	const iterations = 200

	for i := 0; i < iterations; i++ {
		fabric, cfg := newTestFabric(t, 1)
		tl, err := New(0, cfg, fabric, nil, nil)
		if err != nil {
			fabric.Close()
			t.Fatalf("iteration %d: New: %v", i, err)
		}

		lineStride := uint64(cfg.CacheLineSize) * 16
		addrB := 0x10000 + uint64(i)*lineStride
		addrA := addrB + lineStride/2

		// Warm addrB into L1-D/L2/directory so it has a cached_loc the
		// directory-originated INV_REQ below can target.
		if err := tl.Load(l1.BankD, addrB); err != nil {
			fabric.Close()
			t.Fatalf("iteration %d: warm Load: %v", i, err)
		}
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) && tl.L2State(addrB).String() == "I" {
			time.Sleep(time.Millisecond)
		}
		if tl.L2State(addrB).String() == "I" {
			fabric.Close()
			t.Fatalf("iteration %d: addrB never cached", i)
		}

		invMsg := shmemmsg.Msg{
			Kind:              shmemmsg.INV_REQ,
			SenderComponent:   shmemmsg.ComponentDirectory,
			ReceiverComponent: shmemmsg.ComponentL2,
			SenderTile:        tl.ID(),
			RequesterTile:     tl.ID(),
			Address:           addrB,
		}

		storeDone := make(chan error, 1)
		invDone := make(chan error, 1)

		storeFirst := i%2 == 0
		go func() {
			if storeFirst {
				runtime.Gosched()
			}
			storeDone <- tl.Store(l1.BankD, addrA)
		}()
		go func() {
			if !storeFirst {
				runtime.Gosched()
			}
			invDone <- tl.l2.HandleFromDirectory(invMsg)
		}()

		timeout := time.After(2 * time.Second)
		for done := 0; done < 2; {
			select {
			case err := <-storeDone:
				if err != nil {
					fabric.Close()
					t.Fatalf("iteration %d: Store: %v", i, err)
				}
				done++
			case err := <-invDone:
				if err != nil {
					fabric.Close()
					t.Fatalf("iteration %d: HandleFromDirectory: %v", i, err)
				}
				done++
			case <-timeout:
				fabric.Close()
				t.Fatalf("iteration %d: deadlock suspected: Store/HandleFromDirectory did not both complete within 2s", i)
			}
		}

		fabric.Close()
	}
}
