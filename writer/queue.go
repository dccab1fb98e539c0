package writer

import (
	"container/heap"
	"time"

	"github.com/eddielth/relay-sync/model"
)

// pendingWrite is one buffered write waiting for the next flush
type pendingWrite struct {
	Request
	created time.Time
	seq     uint64
}

// writeQueue orders pending writes by creation time, then arrival
type writeQueue []*pendingWrite

var _ heap.Interface = (*writeQueue)(nil)

func (q writeQueue) Len() int { return len(q) }

func (q writeQueue) Less(i, j int) bool {
	if q[i].created.Equal(q[j].created) {
		return q[i].seq < q[j].seq
	}
	return q[i].created.Before(q[j].created)
}

func (q writeQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *writeQueue) Push(x interface{}) {
	*q = append(*q, x.(*pendingWrite))
}

func (q *writeQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// drainAll pops every pending write in queue order
func (q *writeQueue) drainAll() []*pendingWrite {
	out := make([]*pendingWrite, 0, q.Len())
	for q.Len() > 0 {
		out = append(out, heap.Pop(q).(*pendingWrite))
	}
	return out
}

// deviceBatch is the coalesced set of writes for one device
type deviceBatch struct {
	device model.DeviceRef
	paths  []string
	writes map[string]*pendingWrite
}
