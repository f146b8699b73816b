// Package respqueue implements the ordered-response serializer of §4.6:
// a min-heap reordering buffer that restores request-issue order over
// asynchronous, out-of-order completions.
//
// The heap is a container/heap min-heap keyed by a monotonic int64 issue
// ordinal and holding encoded response buffers.
package respqueue

import "container/heap"

// item is a single pending write, ordered by its issue ordinal.
type item struct {
	order int64
	buf   []byte
	index int // heap index, maintained by container/heap
}

// heapData implements heap.Interface over a min-heap of items ordered by
// ascending order (lowest issue ordinal pops first).
type heapData []*item

func (d heapData) Len() int            { return len(d) }
func (d heapData) Less(i, j int) bool  { return d[i].order < d[j].order }
func (d heapData) Swap(i, j int)       { d[i], d[j] = d[j], d[i]; d[i].index = i; d[j].index = j }
func (d *heapData) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*d)
	*d = append(*d, it)
}
func (d *heapData) Pop() interface{} {
	old := *d
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*d = old[:n-1]
	return it
}

// Queue restores issue order over completions that resolve out of order.
//
// Queue is not safe for concurrent use: per §5, all access must happen on
// the owning connection's serial execution context. It is the connection's
// responsibility to enforce that; the connmgr package does so by touching
// the queue only from its single dispatch goroutine.
type Queue struct {
	expected int64
	pending  heapData
}

// New returns a Queue with expectedRespNo starting at 0, per §3.
func New() *Queue {
	q := &Queue{pending: make(heapData, 0)}
	heap.Init(&q.pending)
	return q
}

// ExpectedOrder returns the next write-issue ordinal eligible to hit the
// wire.
func (q *Queue) ExpectedOrder() int64 {
	return q.expected
}

// Submit implements the operation of the same name in §4.6: if order is the
// next expected ordinal, buf (and any now-contiguous buffers behind it) are
// returned ready to write, in order. Otherwise buf is parked on the heap
// and nil is returned.
//
// The caller (the connection's context-bound handler) is responsible for
// writing the returned buffers to the transport, in the order returned.
func (q *Queue) Submit(order int64, buf []byte) [][]byte {
	if order < q.expected {
		// Already delivered or stale; per the invariant in §3 this should
		// not happen for a well-behaved caller, so surface it loudly
		// rather than silently reordering backwards.
		panic("respqueue: order below expected_resp_no")
	}

	if order != q.expected {
		heap.Push(&q.pending, &item{order: order, buf: buf})
		return nil
	}

	ready := [][]byte{buf}
	q.expected++

	for q.pending.Len() > 0 && q.pending[0].order == q.expected {
		next := heap.Pop(&q.pending).(*item)
		ready = append(ready, next.buf)
		q.expected++
	}

	return ready
}

// Pending returns the number of buffers still waiting for a gap to close.
func (q *Queue) Pending() int {
	return q.pending.Len()
}
