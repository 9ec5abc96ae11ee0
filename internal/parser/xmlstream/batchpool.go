package xmlstream

import "sync"

// Batch is a pooled container of consecutive events in document order.
//
// Ownership contract:
//   - Exactly one goroutine "owns" a Batch at a time.
//   - A Batch is passed downstream via channels (ownership transfer).
//   - The final consumer must call Free() AFTER it is fully done with the
//     Batch (and anything referencing b.Events).
//
// During ctx cancellation the producer may still be unwinding while the
// consumer drains. Re-pooling a batch on that path could hand it back to the
// producer while the consumer still reads it, so:
//   - Use Free() only on the normal path.
//   - Use Drop() on cancellation paths (no re-pooling; allow GC to reclaim).
type Batch struct {
	Events []Event
}

var batchPool sync.Pool

// GetBatch returns a pooled, empty Batch with room for at least size events.
func GetBatch(size int) *Batch {
	if v := batchPool.Get(); v != nil {
		b := v.(*Batch)
		if cap(b.Events) < size {
			b.Events = make([]Event, 0, size)
		}
		b.Events = b.Events[:0]
		return b
	}
	return &Batch{Events: make([]Event, 0, size)}
}

// Free clears the events and returns the Batch to the pool.
// Call this ONLY when you're sure no other goroutine can observe b.
func (b *Batch) Free() {
	clear(b.Events)
	b.Events = b.Events[:0]
	batchPool.Put(b)
}

// Drop discards the Batch WITHOUT returning it to the pool.
func (b *Batch) Drop() {
	b.Events = nil
}
