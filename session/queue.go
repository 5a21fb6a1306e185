package session

import (
	"container/heap"
	"sync"

	"github.com/kd9jik/ax25link/frame"
)

// Outbound is a single-use frame submission handle, the AX.25-side
// counterpart of a queued write: the caller learns of transport failure
// or success by reading Done once, after which it closes.
type Outbound struct {
	Frame frame.Frame

	// Done receives at most one error. A nil value (sent on a
	// successful write) or a closed channel both signal completion.
	Done <-chan error

	err chan<- error
}

// NewOutbound wraps a frame for submission through an OutboundQueue.
func NewOutbound(f frame.Frame) *Outbound {
	ch := make(chan error, 1)
	return &Outbound{Frame: f, Done: ch, err: ch}
}

// Complete signals successful transmission.
func (o *Outbound) Complete() { o.err <- nil; close(o.err) }

// Fail signals transmission failure.
func (o *Outbound) Fail(err error) { o.err <- err; close(o.err) }

type queueItem struct {
	out      *Outbound
	priority uint8
	seq      uint64
	index    int
}

// minHeap orders by ascending priority (1 is highest priority, per the
// outbound priority discipline: control-plane frames at 1 overtake data
// frames at 5) and, within equal priority, by arrival order.
type minHeap []*queueItem

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *minHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// OutboundQueue is a Connection's pending-transmission queue: a priority
// queue keyed on (priority, arrival order) so that higher-priority
// control-plane frames overtake lower-priority data frames submitted
// earlier, while equal-priority frames stay FIFO. Safe for concurrent use.
type OutboundQueue struct {
	mu      sync.Mutex
	heap    minHeap
	counter uint64
}

// Push enqueues a frame at the given priority (lower numbers drain
// first) and returns the Outbound whose Done channel reports the
// eventual write outcome.
func (q *OutboundQueue) Push(f frame.Frame, priority uint8) *Outbound {
	out := NewOutbound(f)
	q.mu.Lock()
	q.counter++
	heap.Push(&q.heap, &queueItem{out: out, priority: priority, seq: q.counter})
	q.mu.Unlock()
	return out
}

// Pop removes and returns the highest-priority pending Outbound, or
// reports ok=false if the queue is empty.
func (q *OutboundQueue) Pop() (out *Outbound, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&q.heap).(*queueItem)
	return item.out, true
}

// Len reports the number of frames currently queued.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Drain empties the queue, failing every pending Outbound with err. Used
// on abort, where queued frames will never reach the wire.
func (q *OutboundQueue) Drain(err error) {
	q.mu.Lock()
	items := q.heap
	q.heap = nil
	q.mu.Unlock()

	for _, item := range items {
		item.out.Fail(err)
	}
}

// Outbound transmission priorities per the outbound priority discipline.
const (
	PriorityControl uint8 = 1
	PriorityData    uint8 = 5
)
