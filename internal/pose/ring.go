package pose

import "sync"

// DefaultDepth matches the display pipeline's buffering depth, so the ring
// always covers the poses a still-in-flight frame could have been rendered
// against.
const DefaultDepth = 4

// Ring is a fixed-capacity circular history of the most recently submitted
// device poses. Push and the read paths may run on different goroutines; the
// mutex is held only across the array copy/compare, never across I/O.
type Ring struct {
	mu     sync.Mutex
	slots  []Matrix34
	cursor int
}

// NewRing creates a ring holding depth poses. A depth below one falls back
// to DefaultDepth.
func NewRing(depth int) *Ring {
	if depth < 1 {
		depth = DefaultDepth
	}
	return &Ring{slots: make([]Matrix34, depth)}
}

// Depth returns the ring capacity.
func (r *Ring) Depth() int {
	return len(r.slots)
}

// Push appends the latest device pose, evicting the oldest slot.
func (r *Ring) Push(m Matrix34) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.slots[r.cursor] = m
	r.cursor = (r.cursor + 1) % len(r.slots)
}

// Latest returns the most recently pushed pose.
func (r *Ring) Latest() Matrix34 {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.cursor - 1
	if idx < 0 {
		idx = len(r.slots) - 1
	}
	return r.slots[idx]
}

// OffsetLookup scans from the most recent slot backward and returns the
// smallest offset (0 = most recent) whose stored pose matches candidate
// within DefaultTolerance on all twelve components. When nothing matches it
// returns 0: the caller treats the frame as zero-latency rather than failing.
func (r *Ring) OffsetLookup(candidate Matrix34) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.slots)
	for offset := 0; offset < n; offset++ {
		idx := (r.cursor - 1 - offset + 2*n) % n
		if r.slots[idx].ApproxEqual(candidate, DefaultTolerance) {
			return offset
		}
	}
	return 0
}
