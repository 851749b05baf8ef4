package liveaudio

import (
	"context"
	"time"

	"github.com/scorefollow/scorefollow-go/internal/errors"
)

// ErrNoBlock is returned by ReadBlock when no block arrived within the
// timeout. It marks an empty read, not a failure.
var ErrNoBlock = errors.NewStd("no audio block available")

// Block is one fixed-length run of mono float32 samples handed from a
// block source to the analysis loop. Channels records the source channel
// count before mixdown.
type Block struct {
	Samples   []float32
	Channels  int
	Timestamp time.Time
}

// Stats reports the produced/dropped accounting of a block source.
type Stats struct {
	Captured uint64
	Dropped  uint64
	Overruns uint64
	Restarts uint64
	QueueLen int
	Uptime   time.Duration
}

// DropRate returns the fraction of produced blocks that were dropped
// because the queue was full.
func (s Stats) DropRate() float64 {
	total := s.Captured + s.Dropped
	if total == 0 {
		return 0
	}
	return float64(s.Dropped) / float64(total)
}

// BlockSource is anything that yields fixed-size audio blocks: the live
// capture device or a WAV file playback source.
type BlockSource interface {
	// Start begins block production. Starting twice is an error.
	Start() error

	// ReadBlock blocks the caller up to timeout for the next block and
	// fails with ErrNoBlock when none arrives. Context cancellation
	// interrupts the wait.
	ReadBlock(ctx context.Context, timeout time.Duration) (Block, error)

	// ReadBlockNoWait returns the next block only if one is already
	// queued.
	ReadBlockNoWait() (Block, bool)

	// Stop releases the source. Stop is idempotent.
	Stop() error

	// Stats returns produced/dropped counters.
	Stats() Stats
}
