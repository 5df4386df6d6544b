package gpusync

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/garrison/native"
)

// Query is a reference-counted range of a native query heap. The creator holds the first
// reference, and every batch that begins or ends the query holds another until the batch ends.
type Query struct {
	device *DeviceState
	heap   native.QueryHeap
	count  uint32

	refs       atomic.Int32
	fenceValue atomic.Uint64
}

// CreateQuery wraps a native query heap with count query slots. The query takes ownership of one
// reference to the heap and releases it when the query is destroyed.
func (d *DeviceState) CreateQuery(heap native.QueryHeap, count uint32) (*Query, error) {
	if heap == nil {
		return nil, errors.New("attempted to create a query with a nil query heap")
	}
	if count == 0 {
		return nil, errors.New("attempted to create a query with no slots")
	}

	query := &Query{
		device: d,
		heap:   heap,
		count:  count,
	}
	query.refs.Store(1)
	return query, nil
}

func (q *Query) Heap() native.QueryHeap {
	return q.heap
}

func (q *Query) Count() uint32 {
	return q.count
}

// FenceValue returns the submission fence value of the last batch that used the query
func (q *Query) FenceValue() uint64 {
	return q.fenceValue.Load()
}

// IsReady returns true if every batch that used the query has completed
func (q *Query) IsReady() bool {
	return q.device.CompletedFenceValue() >= q.fenceValue.Load()
}

// Wait blocks until every batch that used the query has completed, or the timeout elapses
func (q *Query) Wait(timeout time.Duration) (bool, error) {
	return q.device.WaitForFence(q.fenceValue.Load(), timeout)
}

func (q *Query) Reference() {
	q.refs.Add(1)
}

// Release removes the creator's reference to the query
func (q *Query) Release() {
	q.release()
}

// release removes a reference and destroys the query once none remain. It returns true if the
// query was destroyed.
func (q *Query) release() bool {
	refs := q.refs.Add(-1)
	if refs < 0 {
		panic(errors.New("query reference count went negative"))
	}

	if refs > 0 {
		return false
	}

	q.heap.Release()
	return true
}
