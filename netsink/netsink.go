// Package netsink implements a fire-and-forget message sink: delivery is
// unconstrained in ordering between distinct destinations, but FIFO for any
// single (src, dst) pair.
//
// Grounded on warming/worker_pool.go's buffered-channel task queue + one
// goroutine per worker + stopChan/sync.WaitGroup shutdown, here one
// delivery goroutine per (src, dst) pair so FIFO-per-pair falls out of
// "one channel, one reader" rather than needing an explicit sequence
// number. `modeled` traffic is charged against warming/service.go's
// golang.org/x/time/rate.Limiter, standing in for modeled link bandwidth:
// each modeled send takes a token if one is available, but a send is
// never delayed or dropped when the limiter is empty.
package netsink

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/archsim/mosi-coherence/shmemmsg"
)

// Sink is the interface L2 and directory controllers send coherence
// messages through.
type Sink interface {
	SendMsg(dest shmemmsg.TileID, msg shmemmsg.Msg)
}

// Handler receives messages delivered to one tile.
type Handler func(src shmemmsg.TileID, msg shmemmsg.Msg)

// pairQueue is the FIFO channel backing one (src, dst) delivery path plus
// its dedicated delivery goroutine.
type pairQueue struct {
	ch   chan shmemmsg.Msg
	done chan struct{}
}

// Fabric is an in-memory Sink implementation connecting every tile to every
// other tile with FIFO-per-pair delivery and an optional per-sender rate
// limiter charged by messages whose Modeled flag is set (it does not delay
// or drop them).
type Fabric struct {
	mu       sync.Mutex
	handlers map[shmemmsg.TileID]Handler
	queues   map[[2]shmemmsg.TileID]*pairQueue
	limiters map[shmemmsg.TileID]*rate.Limiter
	wg       sync.WaitGroup
	closed   bool
}

// NewFabric returns an empty Fabric. Tiles register their handler via
// Register before any SendMsg targeting them is issued.
func NewFabric() *Fabric {
	return &Fabric{
		handlers: make(map[shmemmsg.TileID]Handler),
		queues:   make(map[[2]shmemmsg.TileID]*pairQueue),
		limiters: make(map[shmemmsg.TileID]*rate.Limiter),
	}
}

// Register installs the handler a tile's network context invokes for
// messages addressed to it, and returns a bound Sink for that tile to send
// from.
func (f *Fabric) Register(tile shmemmsg.TileID, h Handler) Sink {
	f.mu.Lock()
	f.handlers[tile] = h
	f.mu.Unlock()
	return &tileSink{fabric: f, self: tile}
}

// SetLimiter installs a rate.Limiter charged by Modeled messages *sent from*
// src, standing in for that tile's modeled link bandwidth; an empty limiter
// does not hold a message back. Messages with Modeled == false bypass it,
// per the GLOSSARY's definition of "modeled".
func (f *Fabric) SetLimiter(src shmemmsg.TileID, limiter *rate.Limiter) {
	f.mu.Lock()
	f.limiters[src] = limiter
	f.mu.Unlock()
}

func (f *Fabric) queueFor(src, dst shmemmsg.TileID) *pairQueue {
	key := [2]shmemmsg.TileID{src, dst}

	f.mu.Lock()
	q, ok := f.queues[key]
	if !ok {
		q = &pairQueue{ch: make(chan shmemmsg.Msg, 256), done: make(chan struct{})}
		f.queues[key] = q
		f.wg.Add(1)
		go f.deliverLoop(dst, q)
	}
	f.mu.Unlock()
	return q
}

func (f *Fabric) deliverLoop(dst shmemmsg.TileID, q *pairQueue) {
	defer f.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case msg := <-q.ch:
			f.mu.Lock()
			h := f.handlers[dst]
			f.mu.Unlock()
			if h != nil {
				h(msg.SenderTile, msg)
			}
		}
	}
}

// Close stops all delivery goroutines. Safe to call once after a run.
func (f *Fabric) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	queues := make([]*pairQueue, 0, len(f.queues))
	for _, q := range f.queues {
		queues = append(queues, q)
	}
	f.mu.Unlock()

	for _, q := range queues {
		close(q.done)
	}
	f.wg.Wait()
}

type tileSink struct {
	fabric *Fabric
	self   shmemmsg.TileID
}

// SendMsg implements Sink. It is fire-and-forget: the send enqueues onto
// the (self, dest) FIFO and returns without waiting for delivery. A Modeled
// message first charges the sender's own link limiter (modeling egress
// bandwidth), consistent with warming/service.go gating the caller, not the
// callee.
func (s *tileSink) SendMsg(dest shmemmsg.TileID, msg shmemmsg.Msg) {
	msg.SenderTile = s.self

	s.fabric.mu.Lock()
	limiter := s.fabric.limiters[s.self]
	s.fabric.mu.Unlock()

	if msg.Modeled && limiter != nil {
		limiter.Allow() // Non-blocking charge; SendMsg must not block per §6.
	}

	q := s.fabric.queueFor(s.self, dest)
	q.ch <- msg
}
