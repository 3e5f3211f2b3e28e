// Package retransmit implements the bounded FIFO retransmit ("archive")
// queue of spec.md §4.3: retain framed DATA bytes for possible replay,
// bounded by size, attempt count, and age.
//
// Grounded on source/protocol/raknet.go's Session.RecoveryQueue /
// PendingACK plus HandleACK/HandleNACK, and on AetherFlow's SendBuffer
// (RTO-driven attempt bookkeeping and Statistics() shape). Unlike the
// teacher's map-based RecoveryQueue, eviction order here is an
// explicit FIFO (not hash-map iteration order) per spec.md §9's
// explicit warning against relying on map iteration for "oldest".
package retransmit

import (
	"container/list"
	"time"

	"marinelink/internal/seqnum"
)

// Entry is a QueueEntry per spec.md §3.
type Entry struct {
	Sequence     uint32
	Bytes        []byte
	FirstSentAt  time.Time
	LastSentAt   time.Time
	Attempts     int
}

type node struct {
	entry Entry
}

// Queue is the retransmit queue. Not safe for concurrent use without
// external synchronization; per spec.md §5 all mutations are
// non-suspending critical sections driven from a single executor.
type Queue struct {
	maxSize        int
	maxRetransmits int

	order   *list.List               // insertion order, front = oldest
	byIndex map[uint32]*list.Element // seq -> element in order

	prevAckedBaseline uint32
	haveBaseline      bool

	totalEvicted int
	now          func() time.Time
}

// Config holds the queue's tunables, all independently configurable
// per spec.md §6 ("reliability": retransmit_queue_size, max_retransmits).
type Config struct {
	MaxSize        int
	MaxRetransmits int
}

// New creates a Queue. now defaults to time.Now; tests may override it
// for deterministic age-eviction checks.
func New(cfg Config) *Queue {
	return &Queue{
		maxSize:        cfg.MaxSize,
		maxRetransmits: cfg.MaxRetransmits,
		order:          list.New(),
		byIndex:        make(map[uint32]*list.Element),
		now:            time.Now,
	}
}

// SetClock overrides the queue's time source, for deterministic tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Len reports the current queue size.
func (q *Queue) Len() int {
	return q.order.Len()
}

// Add archives a framed DATA packet's bytes under seq. If the queue is
// at capacity, the oldest entry (by insertion order) is evicted first.
func (q *Queue) Add(seq uint32, bytes []byte) {
	if el, ok := q.byIndex[seq]; ok {
		// Re-archiving the same sequence (shouldn't normally happen,
		// but keep the queue consistent rather than duplicating it).
		q.order.Remove(el)
		delete(q.byIndex, seq)
	}
	if q.order.Len() >= q.maxSize && q.maxSize > 0 {
		q.evictOldest()
	}
	now := q.now()
	el := q.order.PushBack(&node{entry: Entry{
		Sequence:    seq,
		Bytes:       bytes,
		FirstSentAt: now,
		LastSentAt:  now,
		Attempts:    0,
	}})
	q.byIndex[seq] = el
}

func (q *Queue) evictOldest() {
	front := q.order.Front()
	if front == nil {
		return
	}
	n := front.Value.(*node)
	delete(q.byIndex, n.entry.Sequence)
	q.order.Remove(front)
	q.totalEvicted++
}

// Acknowledge removes every entry whose sequence is at or before
// cumSeq in circular-distance terms, per spec.md §9's recommendation
// to treat the first ACK as range(⊥, cumSeq) and every subsequent ACK
// as range(previousAck, cumSeq). It is idempotent: calling it again
// with the same or an earlier cumSeq is a no-op, since a stale
// baseline never moves backward.
func (q *Queue) Acknowledge(cumSeq uint32) int {
	if q.haveBaseline && !seqnum.Ahead(cumSeq, q.prevAckedBaseline) {
		return 0
	}

	removed := 0
	var next *list.Element
	for el := q.order.Front(); el != nil; el = next {
		next = el.Next()
		n := el.Value.(*node)
		if seqnum.AheadOrEqual(cumSeq, n.entry.Sequence) {
			delete(q.byIndex, n.entry.Sequence)
			q.order.Remove(el)
			removed++
		}
	}
	q.prevAckedBaseline = cumSeq
	q.haveBaseline = true
	return removed
}

// Lookup reports the archived entry for seq, if still queued. Used by
// the reliability loop's ACK handler to derive an RTT sample from the
// acked entry's FirstSentAt before it is removed (spec.md §4.4).
func (q *Queue) Lookup(seq uint32) (Entry, bool) {
	el, ok := q.byIndex[seq]
	if !ok {
		return Entry{}, false
	}
	return el.Value.(*node).entry, true
}

// OldestSequences returns up to n sequences in insertion order,
// oldest first, for the reliability loop's opportunistic recovery
// burst (spec.md §4.4).
func (q *Queue) OldestSequences(n int) []uint32 {
	if n <= 0 {
		return nil
	}
	out := make([]uint32, 0, n)
	for el := q.order.Front(); el != nil && len(out) < n; el = el.Next() {
		out = append(out, el.Value.(*node).entry.Sequence)
	}
	return out
}

// RetransmitResult is one entry returned by Retransmit.
type RetransmitResult struct {
	Sequence uint32
	Bytes    []byte
	Attempt  int
}

// Retransmit looks up each requested seq; seqs missing from the queue
// are silently skipped (already ACKed or evicted). A seq whose
// attempts have reached maxRetransmits is dropped from the queue and
// skipped rather than retransmitted again, per spec.md §4.3's
// attempt-bound invariant.
func (q *Queue) Retransmit(seqs []uint32) []RetransmitResult {
	var out []RetransmitResult
	now := q.now()
	for _, seq := range seqs {
		el, ok := q.byIndex[seq]
		if !ok {
			continue
		}
		n := el.Value.(*node)
		if n.entry.Attempts >= q.maxRetransmits {
			delete(q.byIndex, seq)
			q.order.Remove(el)
			continue
		}
		n.entry.Attempts++
		n.entry.LastSentAt = now
		out = append(out, RetransmitResult{
			Sequence: seq,
			Bytes:    n.entry.Bytes,
			Attempt:  n.entry.Attempts,
		})
	}
	return out
}

// ExpireOld removes entries whose LastSentAt predates now-maxAge,
// returning the count removed.
func (q *Queue) ExpireOld(maxAge time.Duration) int {
	cutoff := q.now().Add(-maxAge)
	removed := 0
	var next *list.Element
	for el := q.order.Front(); el != nil; el = next {
		next = el.Next()
		n := el.Value.(*node)
		if n.entry.LastSentAt.Before(cutoff) {
			delete(q.byIndex, n.entry.Sequence)
			q.order.Remove(el)
			removed++
		}
	}
	return removed
}

// Clear empties the queue unconditionally (used for force-drain after
// prolonged ACK silence, spec.md §4.4).
func (q *Queue) Clear() {
	q.order = list.New()
	q.byIndex = make(map[uint32]*list.Element)
}

// Stats summarizes queue occupancy for internal/metrics and tests.
type Stats struct {
	Size         int
	TotalEvicted int
	TotalAttempts int
	MaxAttempts   int
	AvgAttempts   float64
}

// Statistics computes the current size/attempt statistics of spec.md
// §4.3 ("size, total attempts, max attempts, average attempts").
func (q *Queue) Statistics() Stats {
	s := Stats{Size: q.order.Len(), TotalEvicted: q.totalEvicted}
	if s.Size == 0 {
		return s
	}
	for el := q.order.Front(); el != nil; el = el.Next() {
		n := el.Value.(*node)
		s.TotalAttempts += n.entry.Attempts
		if n.entry.Attempts > s.MaxAttempts {
			s.MaxAttempts = n.entry.Attempts
		}
	}
	s.AvgAttempts = float64(s.TotalAttempts) / float64(s.Size)
	return s
}

// Reset returns the queue to the state of a freshly constructed
// instance, per spec.md §8's idempotence requirement.
func (q *Queue) Reset() {
	q.Clear()
	q.prevAckedBaseline = 0
	q.haveBaseline = false
	q.totalEvicted = 0
}
