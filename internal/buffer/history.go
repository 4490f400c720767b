// Package buffer provides a bounded history of recent relay frames.
package buffer

import (
	"sync"
)

// History is a thread-safe ring of the most recent frames. When it is full
// the oldest frame is discarded.
//
// The broadcast core uses it to replay recent traffic to peers that join or
// come back after a reconnect.
type History struct {
	mu     sync.RWMutex
	frames []string
	start  int
	size   int
}

// NewHistory creates a History holding up to capacity frames.
// A capacity below 1 defaults to 1.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{frames: make([]string, capacity)}
}

// Push appends frame, evicting the oldest one when full.
func (h *History) Push(frame string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	capacity := len(h.frames)
	if h.size < capacity {
		h.frames[(h.start+h.size)%capacity] = frame
		h.size++
		return
	}
	h.frames[h.start] = frame
	h.start = (h.start + 1) % capacity
}

// Snapshot returns a copy of the stored frames, oldest first.
func (h *History) Snapshot() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.size == 0 {
		return nil
	}
	out := make([]string, h.size)
	for i := range out {
		out[i] = h.frames[(h.start+i)%len(h.frames)]
	}
	return out
}

// Len returns the number of stored frames.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Cap returns the maximum number of frames kept.
func (h *History) Cap() int {
	return len(h.frames)
}
