package scheduler

import (
	"container/heap"
	"sync"

	"github.com/shardhash/torrentd/core"
)

// pieceRequest is one entry in the work queue: a piece index assigned (or
// not yet assigned) to a candidate peer.
type pieceRequest struct {
	index    int
	priority int
	attempts int

	peer    core.PeerID
	hasPeer bool

	seq int // insertion order, breaks ties FIFO
}

// requestHeap implements container/heap.Interface, ordered by the queue's
// (priority, attempts) key — ascending priority, then ascending attempts,
// then FIFO (insertion order) as the final tiebreaker.
type requestHeap []*pieceRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if h[i].attempts != h[j].attempts {
		return h[i].attempts < h[j].attempts
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(*pieceRequest))
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// priorityQueue is a thread-safe wrapper around requestHeap, the work queue
// described by the scheduling algorithm.
type priorityQueue struct {
	mu      sync.Mutex
	h       requestHeap
	nextSeq int
}

func newPriorityQueue() *priorityQueue {
	q := &priorityQueue{}
	heap.Init(&q.h)
	return q
}

// Push enqueues req, assigning it the next FIFO sequence number.
func (q *priorityQueue) Push(req *pieceRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.h, req)
}

// Pop dequeues the lowest (priority, attempts, seq) request, or returns ok=false if
// the queue is empty.
func (q *priorityQueue) Pop() (*pieceRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.h.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&q.h).(*pieceRequest), true
}

// Len returns the number of requests currently queued.
func (q *priorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}
