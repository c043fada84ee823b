package event

import "container/heap"

// MaxResident is the hard cap on events resident in the queue at once.
// Exceeding it is a fatal invariant breach that fails the run; see
// Queue.Push.
const MaxResident = 5000

// innerHeap is the container/heap.Interface implementation backing Queue.
// It holds no references to entity objects beyond the ids carried in
// Payload.
type innerHeap []*Event

func (h innerHeap) Len() int            { return len(h) }
func (h innerHeap) Less(i, j int) bool  { return Less(h[i], h[j]) }
func (h innerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *innerHeap) Push(x interface{}) { *h = append(*h, x.(*Event)) }
func (h *innerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is the min-heap priority container over (priority, timestamp, seq).
// It assigns both the entity id and insertion sequence at push time, so
// pushers never need to coordinate on sequencing themselves.
type Queue struct {
	h       innerHeap
	nextSeq uint64
	nextID  uint64
}

// New creates an empty event queue.
func New() *Queue {
	q := &Queue{}
	heap.Init(&q.h)
	return q
}

// ErrQueueFull is returned by Push when the queue is already at MaxResident.
type ErrQueueFull struct{ Len int }

func (e *ErrQueueFull) Error() string {
	return "event queue at capacity"
}

// Push inserts e into the queue, assigning its ID and insertion sequence.
// Returns ErrQueueFull if the queue is already at MaxResident. The caller
// treats that as a fatal invariant breach unless the event is a
// discretionary one subject to backpressure, in which case it should
// simply defer generating it instead of calling Push.
func (q *Queue) Push(e *Event) error {
	if len(q.h) >= MaxResident {
		return &ErrQueueFull{Len: len(q.h)}
	}
	q.nextID++
	q.nextSeq++
	e.ID = q.nextID
	e.Seq = q.nextSeq
	heap.Push(&q.h, e)
	return nil
}

// Pop removes and returns the next event in priority order, or nil if
// the queue is empty.
func (q *Queue) Pop() *Event {
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Event)
}

// PeekTime returns the timestamp of the next event, or +Inf if the queue
// is empty.
func (q *Queue) PeekTime() float64 {
	if len(q.h) == 0 {
		return posInf
	}
	return q.h[0].Timestamp
}

const posInf = 1<<63 - 1 // treated as +Inf for the bounded sim-minute domain

// Len returns the number of events currently resident.
func (q *Queue) Len() int { return len(q.h) }

// Drain removes and returns every event currently resident, in priority
// order.
func (q *Queue) Drain() []*Event {
	out := make([]*Event, 0, len(q.h))
	for q.Len() > 0 {
		out = append(out, q.Pop())
	}
	return out
}

// Headroom reports how many more events can be pushed before MaxResident
// is hit. The engine uses this to decide whether to apply backpressure
// on discretionary event generation.
func (q *Queue) Headroom() int {
	h := MaxResident - len(q.h)
	if h < 0 {
		return 0
	}
	return h
}
