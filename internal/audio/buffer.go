package audio

import (
	"sync"
)

// SampleRing is a thread-safe ring of the most recent audio samples.
// Writes never block or fail: once full, the oldest samples are overwritten.
type SampleRing struct {
	buffer []int16
	size   int
	write  int
	count  int
	mu     sync.RWMutex
}

// NewSampleRing creates a ring holding the last size samples
func NewSampleRing(size int) *SampleRing {
	if size < 1 {
		size = 1
	}
	return &SampleRing{
		buffer: make([]int16, size),
		size:   size,
	}
}

// Write appends samples, overwriting the oldest when full
func (r *SampleRing) Write(samples []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Only the tail can survive a write longer than the ring
	if len(samples) > r.size {
		samples = samples[len(samples)-r.size:]
	}

	for _, s := range samples {
		r.buffer[r.write] = s
		r.write = (r.write + 1) % r.size
	}
	r.count += len(samples)
	if r.count > r.size {
		r.count = r.size
	}
}

// Snapshot copies the window into dst ordered oldest to newest.
// dst must hold Size() samples; positions not yet written are zero.
func (r *SampleRing) Snapshot(dst []int16) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.size
	if len(dst) < n {
		n = len(dst)
	}

	// Zero-fill the part of the window that has never been written
	missing := r.size - r.count
	for i := 0; i < n; i++ {
		if i < missing {
			dst[i] = 0
			continue
		}
		dst[i] = r.buffer[(r.write+i)%r.size]
	}
}

// Available returns the number of real samples in the window
func (r *SampleRing) Available() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Size returns the window length
func (r *SampleRing) Size() int {
	return r.size
}

// Clear empties the window
func (r *SampleRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.write = 0
	r.count = 0
	for i := range r.buffer {
		r.buffer[i] = 0
	}
}
