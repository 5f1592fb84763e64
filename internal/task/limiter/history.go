package limiter

import "time"

// history is a fixed-size ring of dispatch offsets, measured from the owning
// service's start on the monotonic clock.
//
// Slots are overwritten cyclically and never evicted; whether an entry still
// counts is decided at query time.
type history struct {
	slots  []time.Duration
	next   int
	filled int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 1
	}
	return &history{slots: make([]time.Duration, capacity)}
}

func (h *history) record(at time.Duration) {
	h.slots[h.next] = at
	h.next++
	if h.next == len(h.slots) {
		h.next = 0
	}
	if h.filled < len(h.slots) {
		h.filled++
	}
}

// countWithin counts offsets ts with at-window < ts <= at.
func (h *history) countWithin(window, at time.Duration) int {
	lo := at - window
	n := 0
	for _, ts := range h.slots[:h.filled] {
		if ts > lo && ts <= at {
			n++
		}
	}
	return n
}

func (h *history) capacity() int { return len(h.slots) }
