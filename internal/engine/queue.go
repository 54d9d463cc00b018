package engine

import (
	"container/heap"
	"sync"
	"time"
)

// deliveryQueue is a mutex-guarded min-heap ordered by ScheduledAt, so each
// processor tick pops exactly the due deliveries without scanning the whole
// backlog. Event intake pushes and the processor pops concurrently.
type deliveryQueue struct {
	mu    sync.Mutex
	items deliveryHeap
	index map[string]int // delivery ID -> heap position
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{index: map[string]int{}}
}

func (q *deliveryQueue) push(d *Delivery) {
	q.mu.Lock()
	heap.Push(&q.items, queueItem{d: d, q: q})
	q.mu.Unlock()
}

// popDue removes and returns every pending delivery whose ScheduledAt has
// passed, earliest first.
func (q *deliveryQueue) popDue(now time.Time) []*Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*Delivery
	for q.items.Len() > 0 {
		head := q.items[0].d
		if head.ScheduledAt.After(now) {
			break
		}
		it := heap.Pop(&q.items).(queueItem)
		due = append(due, it.d)
	}
	return due
}

// remove cancels a still-queued delivery. Returns the removed delivery or
// nil when it is no longer queued (already dispatched or unknown).
func (q *deliveryQueue) remove(id string) *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, ok := q.index[id]
	if !ok {
		return nil
	}
	it := heap.Remove(&q.items, i).(queueItem)
	return it.d
}

func (q *deliveryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

type queueItem struct {
	d *Delivery
	q *deliveryQueue
}

type deliveryHeap []queueItem

func (h deliveryHeap) Len() int { return len(h) }
func (h deliveryHeap) Less(i, j int) bool {
	return h[i].d.ScheduledAt.Before(h[j].d.ScheduledAt)
}
func (h deliveryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].q.index[h[i].d.ID] = i
	h[j].q.index[h[j].d.ID] = j
}

func (h *deliveryHeap) Push(x any) {
	it := x.(queueItem)
	it.q.index[it.d.ID] = len(*h)
	*h = append(*h, it)
}

func (h *deliveryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	delete(it.q.index, it.d.ID)
	return it
}
