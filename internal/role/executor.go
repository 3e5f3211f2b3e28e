// Package role implements the single-executor concurrency model of
// spec.md §5: one goroutine per role (client or server) owns all
// mutable protocol state, draining a command queue and a timer
// min-heap so every state transition in seqtrack, retransmit, batcher,
// congestion, and bonding runs as a non-suspending critical section.
//
// Grounded on source/server/server.go's Start/updateLoop/
// sessionCleanupLoop: the teacher spins up a goroutine per fixed
// ticker. This package generalizes that to an arbitrary set of named
// deadlines via container/heap, since the reliability loop needs many
// independent timers (NAK, ACK, expire, recovery burst, bonding health
// check) rather than two fixed ones.
package role

import (
	"container/heap"
	"sync"
	"time"
)

type timerItem struct {
	deadline  time.Time
	fire      func()
	index     int
	cancelled bool
}

type timerHeap []*timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TimerHandle cancels a timer scheduled on an Executor. Cancel is a
// no-op if the timer already fired or was already cancelled; it
// satisfies both seqtrack.TimerHandle and batcher.TimerHandle, which
// require nothing more than Cancel().
type TimerHandle struct {
	item *timerItem
}

// Cancel marks the timer so Executor.Run skips it when its deadline
// arrives.
func (h TimerHandle) Cancel() {
	if h.item != nil {
		h.item.cancelled = true
	}
}

// Executor runs the command queue and timer heap for one role
// (client or server). Not safe to construct twice for the same role;
// exactly one goroutine should call Run.
type Executor struct {
	cmds chan func()
	now  func() time.Time

	mu     sync.Mutex
	timers timerHeap

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New constructs an Executor. Call Run on a dedicated goroutine to
// start draining it.
func New() *Executor {
	e := &Executor{
		cmds: make(chan func(), 256),
		now:  time.Now,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	heap.Init(&e.timers)
	return e
}

// SetClock overrides the time source, for deterministic tests.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// Submit enqueues fn to run on the executor goroutine. Safe to call
// from any goroutine, e.g. a UDP reader or a worker-pool completion.
// fn must not block: spec.md §5 requires every critical section here
// to be non-suspending.
func (e *Executor) Submit(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.stop:
	}
}

// Schedule arranges for fire to run on the executor goroutine once d
// has elapsed. fire observes whatever state the executor holds at
// the moment it runs, never a stale snapshot.
func (e *Executor) Schedule(d time.Duration, fire func()) TimerHandle {
	item := &timerItem{deadline: e.now().Add(d), fire: fire}
	e.mu.Lock()
	heap.Push(&e.timers, item)
	e.mu.Unlock()
	e.nudge()
	return TimerHandle{item: item}
}

func (e *Executor) nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drains commands and fires due timers until Stop is called. It
// owns the only goroutine allowed to touch the protocol state behind
// the callbacks it invokes.
func (e *Executor) Run() {
	defer close(e.done)
	t := time.NewTimer(time.Hour)
	defer t.Stop()
	for {
		d, ok := e.nextDeadline()
		if !ok {
			d = time.Hour
		}
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(d)

		select {
		case <-e.stop:
			return
		case fn := <-e.cmds:
			fn()
		case <-t.C:
			e.fireDue()
		case <-e.wake:
			// Heap changed since the last sleep; loop around to
			// recompute the next deadline.
		}
	}
}

func (e *Executor) nextDeadline() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.timers.Len() > 0 && e.timers[0].cancelled {
		heap.Pop(&e.timers)
	}
	if e.timers.Len() == 0 {
		return 0, false
	}
	d := e.timers[0].deadline.Sub(e.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

func (e *Executor) fireDue() {
	now := e.now()
	for {
		e.mu.Lock()
		if e.timers.Len() == 0 {
			e.mu.Unlock()
			return
		}
		top := e.timers[0]
		if top.cancelled {
			heap.Pop(&e.timers)
			e.mu.Unlock()
			continue
		}
		if top.deadline.After(now) {
			e.mu.Unlock()
			return
		}
		heap.Pop(&e.timers)
		e.mu.Unlock()
		top.fire()
	}
}

// Stop cancels every pending timer and blocks until Run returns,
// discarding any command or timer callback queued after the call
// (spec.md §6A "graceful shutdown").
func (e *Executor) Stop() {
	close(e.stop)
	<-e.done
}
