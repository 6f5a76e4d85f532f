package relay

import (
	"sort"
	"sync"
)

// DefaultBufferCap bounds the per-session pending queue used while the
// destination stream handle is unknown.
const DefaultBufferCap = 20

// PendingBuffer holds audio envelopes that cannot be delivered yet because
// the transport-level stream handle is not known. Drop-oldest on overflow.
type PendingBuffer struct {
	mu      sync.Mutex
	entries []Envelope
	cap     int
	dropped int64
}

func NewPendingBuffer(capacity int) *PendingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCap
	}
	return &PendingBuffer{cap: capacity}
}

// Push appends an envelope, evicting the oldest entry when full. Returns the
// evicted envelope and true when an eviction happened.
func (b *PendingBuffer) Push(e Envelope) (Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var evicted Envelope
	var didEvict bool
	if len(b.entries) >= b.cap {
		evicted = b.entries[0]
		b.entries = b.entries[1:]
		b.dropped++
		didEvict = true
	}
	b.entries = append(b.entries, e)
	return evicted, didEvict
}

// Drain removes and returns all buffered envelopes, sorted by sequence number
// when more than one entry is present.
func (b *PendingBuffer) Drain() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.entries
	b.entries = nil
	if len(out) > 1 {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	}
	return out
}

func (b *PendingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped reports how many envelopes were evicted over the buffer's lifetime.
func (b *PendingBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
