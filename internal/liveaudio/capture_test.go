package liveaudio

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/errors"
)

func testAudioSettings(blockSize, queueCap int) conf.AudioSettings {
	return conf.AudioSettings{
		Source:     "default",
		SampleRate: 44100,
		BlockSize:  blockSize,
		Channels:   1,
		Queue: conf.QueueSettings{
			Capacity:    queueCap,
			ReadTimeout: 100 * time.Millisecond,
		},
	}
}

func TestQueueDropsNewestWhenFull(t *testing.T) {
	c := NewCapture(testAudioSettings(4, 10), nil)
	c.started.Store(true)

	// 50 produced blocks against a capacity-10 queue with no consumer
	for i := 0; i < 50; i++ {
		c.enqueue(Block{Samples: []float32{float32(i)}, Channels: 1, Timestamp: time.Now()})
	}

	s := c.Stats()
	assert.Equal(t, uint64(10), s.Captured)
	assert.Equal(t, uint64(40), s.Dropped)
	assert.Equal(t, 10, s.QueueLen)
	assert.InDelta(t, 0.8, s.DropRate(), 1e-9)

	// the oldest blocks survive, newest are the ones dropped
	for i := 0; i < 10; i++ {
		b, ok := c.ReadBlockNoWait()
		require.True(t, ok)
		assert.Equal(t, float32(i), b.Samples[0])
	}
	_, ok := c.ReadBlockNoWait()
	assert.False(t, ok)
}

func TestReadBlockTimesOut(t *testing.T) {
	c := NewCapture(testAudioSettings(4, 2), nil)
	c.started.Store(true)

	start := time.Now()
	_, err := c.ReadBlock(context.Background(), 30*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoBlock)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestReadBlockHonorsContext(t *testing.T) {
	c := NewCapture(testAudioSettings(4, 2), nil)
	c.started.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.ReadBlock(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadBeforeStartIsStartupError(t *testing.T) {
	c := NewCapture(testAudioSettings(4, 2), nil)

	_, err := c.ReadBlock(context.Background(), 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))

	_, ok := c.ReadBlockNoWait()
	assert.False(t, ok)
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	c := NewCapture(testAudioSettings(4, 2), nil)
	assert.NoError(t, c.Stop())
	assert.NoError(t, c.Stop())
}

func TestFramerCutsExactBlocks(t *testing.T) {
	c := NewCapture(testAudioSettings(4, 8), nil)
	c.started.Store(true)

	// 10 mono S16 frames: two full blocks of 4, remainder of 2 stays
	// buffered until more audio arrives
	raw := make([]byte, 2*10)
	for i := 0; i < 10; i++ {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(int16(i*1000))) //nolint:gosec // test values fit
	}
	_, err := c.ring.Write(raw)
	require.NoError(t, err)

	c.wg.Add(1)
	go c.frame()

	ctx := context.Background()
	for blockIdx := 0; blockIdx < 2; blockIdx++ {
		b, err := c.ReadBlock(ctx, 500*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, b.Samples, 4)
		assert.Equal(t, 1, b.Channels)
		assert.False(t, b.Timestamp.IsZero())
		for j, sample := range b.Samples {
			want := float32((blockIdx*4+j)*1000) / 32768.0
			assert.InDelta(t, want, sample, 1e-6)
		}
	}

	_, err = c.ReadBlock(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoBlock, "partial block must not be emitted")

	require.NoError(t, c.Stop())
}

func TestStartAfterStopFails(t *testing.T) {
	c := NewCapture(testAudioSettings(4, 2), nil)
	c.started.Store(true)
	require.NoError(t, c.Stop())

	err := c.Start()
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
}
