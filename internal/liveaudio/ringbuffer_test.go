package liveaudio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start + i)
	}
	return out
}

func TestNewRingBufferRejectsBadCapacity(t *testing.T) {
	for _, c := range []int{0, -1} {
		_, err := NewRingBuffer(c)
		require.Error(t, err)
	}
}

func TestReadReturnsLastNInOrder(t *testing.T) {
	// the contract must hold for any capacity, including 1 and sizes
	// that do not divide the write lengths evenly
	for _, capacity := range []int{1, 3, 8, 17, 64} {
		rb, err := NewRingBuffer(capacity)
		require.NoError(t, err)

		written := 0
		for _, chunk := range []int{1, 2, 3, 5, 7, 11} {
			rb.Write(ramp(written, chunk))
			written += chunk

			for n := 1; n <= capacity; n++ {
				avail := min(written, capacity)
				want := min(n, avail)
				got := rb.Read(n)
				require.Len(t, got, want, "capacity=%d written=%d n=%d", capacity, written, n)
				for i, v := range got {
					assert.Equal(t, float32(written-want+i), v,
						"capacity=%d written=%d n=%d index=%d", capacity, written, n, i)
				}
			}
		}
	}
}

func TestWriteLargerThanCapacityKeepsTail(t *testing.T) {
	rb, err := NewRingBuffer(4)
	require.NoError(t, err)

	rb.Write(ramp(0, 10))
	assert.Equal(t, []float32{6, 7, 8, 9}, append([]float32(nil), rb.ReadAll()...))
	assert.Equal(t, 4, rb.Len())

	rb.Write([]float32{100})
	assert.Equal(t, []float32{7, 8, 9, 100}, append([]float32(nil), rb.ReadAll()...))
}

func TestReadDoesNotConsume(t *testing.T) {
	rb, err := NewRingBuffer(8)
	require.NoError(t, err)
	rb.Write(ramp(0, 6))

	first := append([]float32(nil), rb.Read(4)...)
	second := append([]float32(nil), rb.Read(4)...)
	assert.Equal(t, first, second)
	assert.Equal(t, 6, rb.Len())
}

func TestReadClampsToAvailable(t *testing.T) {
	rb, err := NewRingBuffer(16)
	require.NoError(t, err)
	rb.Write(ramp(0, 3))

	assert.Len(t, rb.Read(10), 3)
	assert.Empty(t, rb.Read(0))
	assert.Empty(t, rb.Read(-1))
}

func TestEmptyRing(t *testing.T) {
	rb, err := NewRingBuffer(4)
	require.NoError(t, err)
	assert.Empty(t, rb.ReadAll())
	assert.Equal(t, 0, rb.Len())
	assert.Equal(t, 4, rb.Capacity())
}
