package events

import "sync"

const defaultCollectorCapacity = 1024

// Collector retains a bounded window of recently emitted events in memory and
// assigns each one a monotonically increasing sequence number. The RPC event
// feed and the gateway watchers read from it; publishing is fire-and-forget
// and never blocks the emitting operation.
type Collector struct {
	mu       sync.RWMutex
	next     uint64
	capacity int
	buffer   []Event
}

// NewCollector builds a collector retaining at most capacity events. A
// non-positive capacity falls back to the default window.
func NewCollector(capacity int) *Collector {
	if capacity <= 0 {
		capacity = defaultCollectorCapacity
	}
	return &Collector{next: 1, capacity: capacity}
}

// Emit implements the Emitter interface.
func (c *Collector) Emit(evt Event) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	evt.Sequence = c.next
	c.next++
	c.buffer = append(c.buffer, evt)
	if len(c.buffer) > c.capacity {
		c.buffer = c.buffer[len(c.buffer)-c.capacity:]
	}
}

// Since returns retained events with a sequence strictly greater than the
// supplied cursor, oldest first.
func (c *Collector) Since(cursor uint64) []Event {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Event, 0, len(c.buffer))
	for _, evt := range c.buffer {
		if evt.Sequence > cursor {
			out = append(out, evt)
		}
	}
	return out
}

// Latest reports the sequence assigned to the most recent event, or zero when
// nothing has been emitted yet.
func (c *Collector) Latest() uint64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.next - 1
}
