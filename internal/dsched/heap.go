package dsched

import (
	"container/heap"
	"time"

	"github.com/gordian-engine/dqengine/internal/dflags"
)

// pqueue is the shared container/heap.Interface implementation backing all
// three schedules; it differs between them only in which key it sorts by
// and which index field on *dflags.State it keeps current.
type pqueue struct {
	items  []*dflags.State
	key    func(*dflags.State) time.Time
	setIdx func(*dflags.State, int)
}

func (q *pqueue) Len() int { return len(q.items) }

func (q *pqueue) Less(i, j int) bool {
	return q.key(q.items[i]).Before(q.key(q.items[j]))
}

func (q *pqueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.setIdx(q.items[i], i)
	q.setIdx(q.items[j], j)
}

func (q *pqueue) Push(x any) {
	s := x.(*dflags.State)
	q.setIdx(s, len(q.items))
	q.items = append(q.items, s)
}

func (q *pqueue) Pop() any {
	old := q.items
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	q.setIdx(s, -1)
	return s
}

// TickableHeap is the min-heap of connections ready to tick, keyed by
// LastTicked (older first).
type TickableHeap struct {
	pq *pqueue
}

// NewTickableHeap returns an empty tickable heap.
func NewTickableHeap() *TickableHeap {
	return &TickableHeap{pq: &pqueue{
		key:    func(s *dflags.State) time.Time { return s.LastTicked },
		setIdx: func(s *dflags.State, i int) { s.TickableIdx = i },
	}}
}

// Len reports the number of connections currently queued.
func (h *TickableHeap) Len() int { return h.pq.Len() }

// Push inserts s. The caller must ensure s is not already present.
func (h *TickableHeap) Push(s *dflags.State) { heap.Push(h.pq, s) }

// Pop removes and returns the oldest-ticked connection.
func (h *TickableHeap) Pop() *dflags.State { return heap.Pop(h.pq).(*dflags.State) }

// Remove removes s from the heap, wherever it currently sits.
func (h *TickableHeap) Remove(s *dflags.State) {
	heap.Remove(h.pq, s.TickableIdx)
}

// OutgoingHeap is the min-heap of connections with pending packets, keyed
// by LastSent (older first).
type OutgoingHeap struct {
	pq *pqueue
}

// NewOutgoingHeap returns an empty outgoing heap.
func NewOutgoingHeap() *OutgoingHeap {
	return &OutgoingHeap{pq: &pqueue{
		key:    func(s *dflags.State) time.Time { return s.LastSent },
		setIdx: func(s *dflags.State, i int) { s.OutgoingIdx = i },
	}}
}

// Len reports the number of connections currently queued.
func (h *OutgoingHeap) Len() int { return h.pq.Len() }

// Push inserts s. The caller must ensure s is not already present.
func (h *OutgoingHeap) Push(s *dflags.State) { heap.Push(h.pq, s) }

// Pop removes and returns the oldest-sent connection.
func (h *OutgoingHeap) Pop() *dflags.State { return heap.Pop(h.pq).(*dflags.State) }

// Remove removes s from the heap, wherever it currently sits.
func (h *OutgoingHeap) Remove(s *dflags.State) {
	heap.Remove(h.pq, s.OutgoingIdx)
}

// Fix re-establishes heap order for s after its LastSent changed in place.
func (h *OutgoingHeap) Fix(s *dflags.State) { heap.Fix(h.pq, s.OutgoingIdx) }

// Attq is the advisory tick-time queue: a min-heap keyed by each
// connection's next scheduled tick time. At most one entry per connection.
type Attq struct {
	pq *pqueue
}

// NewAttq returns an empty ATTQ.
func NewAttq() *Attq {
	return &Attq{pq: &pqueue{
		key:    func(s *dflags.State) time.Time { return s.AttqTime },
		setIdx: func(s *dflags.State, i int) { s.AttqIdx = i },
	}}
}

// Len reports the number of connections currently scheduled.
func (a *Attq) Len() int { return a.pq.Len() }

// Push schedules s to be ticked at t. The caller must ensure s does not
// already have an ATTQ entry; use Reschedule to change an existing one.
func (a *Attq) Push(s *dflags.State, t time.Time) {
	s.AttqTime = t
	heap.Push(a.pq, s)
}

// Remove removes s's entry, wherever it currently sits.
func (a *Attq) Remove(s *dflags.State) {
	heap.Remove(a.pq, s.AttqIdx)
	s.AttqTime = time.Time{}
}

// Reschedule changes s's scheduled time. Entries are keyed by a heap index
// computed at insertion time, so changing the time in place would not
// re-sort the heap; this removes and re-adds instead, exactly as the
// scheduling model requires.
func (a *Attq) Reschedule(s *dflags.State, t time.Time) {
	heap.Remove(a.pq, s.AttqIdx)
	s.AttqTime = t
	heap.Push(a.pq, s)
}

// PeekTime reports the earliest scheduled time in the queue, if any.
func (a *Attq) PeekTime() (time.Time, bool) {
	if a.pq.Len() == 0 {
		return time.Time{}, false
	}
	return a.pq.items[0].AttqTime, true
}

// PopDue removes and returns every entry whose scheduled time is at or
// before now, in increasing time order.
func (a *Attq) PopDue(now time.Time) []*dflags.State {
	var due []*dflags.State
	for a.pq.Len() > 0 && !a.pq.items[0].AttqTime.After(now) {
		s := heap.Pop(a.pq).(*dflags.State)
		s.AttqTime = time.Time{}
		due = append(due, s)
	}
	return due
}

// DrainAll removes and returns every entry, regardless of scheduled time.
// Used only by engine teardown, which needs to force-close every connection
// still referenced by the ATTQ.
func (a *Attq) DrainAll() []*dflags.State {
	var out []*dflags.State
	for a.pq.Len() > 0 {
		s := heap.Pop(a.pq).(*dflags.State)
		s.AttqTime = time.Time{}
		out = append(out, s)
	}
	return out
}

// CountBefore reports how many entries are scheduled at or before cutoff,
// without removing them.
func (a *Attq) CountBefore(cutoff time.Time) int {
	n := 0
	for _, s := range a.pq.items {
		if !s.AttqTime.After(cutoff) {
			n++
		}
	}
	return n
}
