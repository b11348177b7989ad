package ring

import "sync"

// Buffer is a bounded ring of fixed-size raw sample blocks shared
// between exactly one producer and one consumer. Slots are allocated
// once and overwritten in place, so steady-state operation performs no
// allocations. The mutex guards only the head/used indices and the
// slot contents during copy; sample conversion happens outside the
// lock on the view returned by PopView.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots [][]byte
	lens  []int

	head   int  // oldest unread slot
	used   int  // filled slots, 0..len(slots)
	pinned bool // consumer holds a view of the head slot

	closed    bool
	overflows uint64
}

// New allocates a ring of slotCount blocks of slotLen bytes each.
func New(slotCount, slotLen int) *Buffer {
	if slotCount <= 0 || slotLen <= 0 {
		panic("ring: slot count and length must be positive")
	}
	b := &Buffer{
		slots: make([][]byte, slotCount),
		lens:  make([]int, slotCount),
	}
	for i := range b.slots {
		b.slots[i] = make([]byte, slotLen)
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push copies p into the slot at tail and signals the consumer.
// Producer side only. When the ring is full the oldest unread block is
// overwritten and head advances past it; if the consumer currently
// holds a view of the head slot the incoming block is discarded
// instead, so an in-flight view is never written under the consumer.
// Returns false when a block was dropped either way.
func (b *Buffer) Push(p []byte) bool {
	b.mu.Lock()
	n := len(b.slots)
	if b.closed {
		b.mu.Unlock()
		return false
	}
	if b.used == n && b.pinned {
		b.overflows++
		b.mu.Unlock()
		b.cond.Signal()
		return false
	}
	tail := (b.head + b.used) % n
	b.lens[tail] = copy(b.slots[tail], p)
	overflow := b.used == n
	if overflow {
		b.overflows++
		b.head = (b.head + 1) % n
	} else {
		b.used++
	}
	b.mu.Unlock()
	b.cond.Signal()
	return !overflow
}

// PopView blocks until at least minFill blocks are buffered or the
// ring is closed, then returns a read-only view of the oldest block.
// Consumer side only. The head slot stays pinned until Advance.
// A false result means the ring is closed and fully drained.
func (b *Buffer) PopView(minFill int) ([]byte, bool) {
	if minFill < 1 {
		minFill = 1
	}
	if minFill > len(b.slots) {
		minFill = len(b.slots)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.used < minFill && !b.closed {
		b.cond.Wait()
	}
	return b.viewLocked()
}

// TryPopView is the non-blocking variant of PopView.
func (b *Buffer) TryPopView() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewLocked()
}

func (b *Buffer) viewLocked() ([]byte, bool) {
	if b.used == 0 {
		return nil, false
	}
	b.pinned = true
	return b.slots[b.head][:b.lens[b.head]], true
}

// Advance releases the pinned head slot after the consumer has fully
// drained it. Must be called exactly once per consumed block.
func (b *Buffer) Advance() {
	b.mu.Lock()
	if b.used > 0 {
		b.head = (b.head + 1) % len(b.slots)
		b.used--
	}
	b.pinned = false
	b.mu.Unlock()
}

// Close marks the ring as no longer fed and wakes any waiting
// consumer. Buffered blocks stay readable until drained. Idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Used returns the number of filled, unconsumed blocks.
func (b *Buffer) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Overflows returns the number of blocks dropped so far.
func (b *Buffer) Overflows() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflows
}

// Slots returns the configured slot count.
func (b *Buffer) Slots() int { return len(b.slots) }

// SlotLen returns the byte capacity of each slot.
func (b *Buffer) SlotLen() int { return cap(b.slots[0]) }
