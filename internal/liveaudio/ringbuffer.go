package liveaudio

import (
	"github.com/scorefollow/scorefollow-go/internal/errors"
)

// RingBuffer is a fixed-capacity sample window. Writes overwrite the
// oldest samples once the capacity is exceeded; reads return the most
// recent samples in chronological order without consuming them. All
// storage is allocated at construction.
//
// A RingBuffer is owned by a single goroutine and is not safe for
// concurrent use.
type RingBuffer struct {
	data     []float32
	scratch  []float32
	writePos int
	filled   int
}

// NewRingBuffer creates a ring holding capacity samples.
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, errors.Newf("ring buffer capacity must be positive, got %d", capacity).
			Component("liveaudio").
			Category(errors.CategoryValidation).
			Build()
	}
	return &RingBuffer{
		data:    make([]float32, capacity),
		scratch: make([]float32, capacity),
	}, nil
}

// Write appends samples, overwriting the oldest once the ring is full.
// When the input alone exceeds capacity only its trailing samples are
// kept.
func (r *RingBuffer) Write(samples []float32) {
	c := len(r.data)
	if len(samples) >= c {
		copy(r.data, samples[len(samples)-c:])
		r.writePos = 0
		r.filled = c
		return
	}

	n := copy(r.data[r.writePos:], samples)
	if n < len(samples) {
		copy(r.data, samples[n:])
	}
	r.writePos = (r.writePos + len(samples)) % c
	r.filled = min(r.filled+len(samples), c)
}

// Read returns the most recent n samples oldest-first, or everything
// written so far if fewer than n are available. The returned slice is
// backed by internal scratch storage and is valid until the next Read.
func (r *RingBuffer) Read(n int) []float32 {
	if n <= 0 {
		return r.scratch[:0]
	}
	if n > r.filled {
		n = r.filled
	}

	c := len(r.data)
	start := (r.writePos - n + c) % c
	out := r.scratch[:n]
	m := copy(out, r.data[start:])
	if m < n {
		copy(out[m:], r.data[:n-m])
	}
	return out
}

// ReadAll returns every sample currently held, oldest first.
func (r *RingBuffer) ReadAll() []float32 {
	return r.Read(r.filled)
}

// Len returns the number of samples currently held.
func (r *RingBuffer) Len() int { return r.filled }

// Capacity returns the fixed capacity set at construction.
func (r *RingBuffer) Capacity() int { return len(r.data) }
