package eventbus

import (
	"sync"
	"sync/atomic"
)

// Topic is an in-memory fanout channel carrying one payload type.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Payloads should be small value types; subscribers must treat them as
// read-only snapshots.
type Topic[T any] struct {
	mu   sync.RWMutex
	subs map[uint64]chan T
	seq  atomic.Uint64

	dropped atomic.Uint64
}

// NewTopic returns an empty topic.
//
// It intentionally does not own any background goroutines.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: map[uint64]chan T{}}
}

func (t *Topic[T]) Publish(v T) {
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	t.mu.RLock()
	chs := make([]chan T, 0, len(t.subs))
	for _, ch := range t.subs {
		chs = append(chs, ch)
	}
	t.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- v:
			default:
				t.dropped.Add(1)
			}
		}()
	}
}

func (t *Topic[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan T, buffer)
	id := t.seq.Add(1)

	t.mu.Lock()
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped reports how many payloads were discarded because a subscriber's
// buffer was full. Useful for diagnostics.
func (t *Topic[T]) Dropped() uint64 { return t.dropped.Load() }
