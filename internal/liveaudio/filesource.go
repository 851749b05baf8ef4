package liveaudio

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/errors"
	"github.com/scorefollow/scorefollow-go/internal/logging"
)

// FileSource replays a WAV file as fixed-size blocks, optionally paced at
// realtime speed so a recording drives a session exactly like a live
// device. Block timestamps are synthesized from the sample offset, which
// keeps file runs deterministic.
//
// A FileSource is consumed by a single goroutine.
type FileSource struct {
	path      string
	blockSize int
	realtime  bool
	logger    *slog.Logger

	file       *os.File
	decoder    *wav.Decoder
	buf        *audio.IntBuffer
	divisor    float32
	channels   int
	sampleRate int

	pending   []float32
	decodeEOF bool

	startTime      time.Time
	nextAt         time.Time
	emittedSamples int64

	started atomic.Bool
	stopped atomic.Bool

	produced atomic.Uint64
}

// NewFileSource prepares a file block source. The file is opened at Start.
func NewFileSource(path string, blockSize int, realtime bool, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = logging.ForService("liveaudio")
	}
	if blockSize < 1 {
		blockSize = 512
	}
	return &FileSource{
		path:      path,
		blockSize: blockSize,
		realtime:  realtime,
		logger:    logger,
	}
}

// Start opens and validates the WAV file.
func (f *FileSource) Start() error {
	if f.stopped.Load() {
		return errors.Newf("file source cannot be restarted after stop").
			Component("liveaudio").
			Category(errors.CategoryState).
			Build()
	}
	if f.started.Swap(true) {
		return errors.Newf("file source already started").
			Component("liveaudio").
			Category(errors.CategoryState).
			Build()
	}

	file, err := os.Open(f.path)
	if err != nil {
		f.started.Store(false)
		return errors.New(err).
			Component("liveaudio").
			Category(errors.CategoryFileIO).
			Context("path", f.path).
			Build()
	}

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		_ = file.Close()
		f.started.Store(false)
		return errors.Newf("input is not a valid WAV audio file").
			Component("liveaudio").
			Category(errors.CategoryFileParsing).
			Context("path", f.path).
			Build()
	}

	divisor, err := pcmDivisor(int(decoder.BitDepth))
	if err != nil {
		_ = file.Close()
		f.started.Store(false)
		return err
	}
	if decoder.NumChans < 1 || decoder.NumChans > conf.MaxChannels {
		_ = file.Close()
		f.started.Store(false)
		return errors.Newf("unsupported number of channels: %d", decoder.NumChans).
			Component("liveaudio").
			Category(errors.CategoryAudioFormat).
			Context("path", f.path).
			Build()
	}

	f.file = file
	f.decoder = decoder
	f.divisor = divisor
	f.channels = int(decoder.NumChans)
	f.sampleRate = int(decoder.SampleRate)
	f.buf = &audio.IntBuffer{
		Data:   make([]int, 8192*f.channels),
		Format: &audio.Format{SampleRate: f.sampleRate, NumChannels: f.channels},
	}
	f.startTime = time.Now()
	f.nextAt = f.startTime

	f.logger.Info("file source started",
		"path", f.path,
		"sample_rate", f.sampleRate,
		"channels", f.channels,
		"bit_depth", decoder.BitDepth,
		"realtime", f.realtime,
	)
	return nil
}

// SampleRate returns the file's sample rate. Valid after Start.
func (f *FileSource) SampleRate() int { return f.sampleRate }

// Channels returns the file's channel count. Valid after Start.
func (f *FileSource) Channels() int { return f.channels }

// ReadBlock returns the next block, waiting for its scheduled time in
// realtime mode. End of file yields io.EOF.
func (f *FileSource) ReadBlock(ctx context.Context, timeout time.Duration) (Block, error) {
	if !f.started.Load() {
		return Block{}, errors.Newf("file source not started").
			Component("liveaudio").
			Category(errors.CategoryState).
			Build()
	}

	if f.realtime {
		wait := time.Until(f.nextAt)
		if timeout > 0 && wait > timeout {
			return Block{}, ErrNoBlock
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return Block{}, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return f.cutBlock()
}

// ReadBlockNoWait returns a block only if one is due immediately.
func (f *FileSource) ReadBlockNoWait() (Block, bool) {
	if !f.started.Load() {
		return Block{}, false
	}
	if f.realtime && time.Now().Before(f.nextAt) {
		return Block{}, false
	}
	b, err := f.cutBlock()
	return b, err == nil
}

func (f *FileSource) cutBlock() (Block, error) {
	if err := f.fillPending(); err != nil {
		return Block{}, err
	}
	if len(f.pending) == 0 {
		return Block{}, io.EOF
	}

	// pad the final short block with silence
	if len(f.pending) < f.blockSize {
		f.pending = append(f.pending, make([]float32, f.blockSize-len(f.pending))...)
	}

	samples := make([]float32, f.blockSize)
	copy(samples, f.pending[:f.blockSize])
	f.pending = f.pending[f.blockSize:]

	offset := time.Duration(f.emittedSamples) * time.Second / time.Duration(f.sampleRate)
	f.emittedSamples += int64(f.blockSize)
	blockDur := time.Duration(f.blockSize) * time.Second / time.Duration(f.sampleRate)
	f.nextAt = f.startTime.Add(offset).Add(blockDur)

	f.produced.Add(1)
	return Block{
		Samples:   samples,
		Channels:  f.channels,
		Timestamp: f.startTime.Add(offset),
	}, nil
}

// fillPending decodes until a whole block is buffered or the file ends.
func (f *FileSource) fillPending() error {
	for len(f.pending) < f.blockSize && !f.decodeEOF {
		n, err := f.decoder.PCMBuffer(f.buf)
		if err != nil {
			return errors.New(err).
				Component("liveaudio").
				Category(errors.CategoryFileParsing).
				Context("path", f.path).
				Build()
		}
		if n == 0 {
			f.decodeEOF = true
			break
		}
		n -= n % f.channels
		f.pending = append(f.pending, monoFromInts(f.buf.Data[:n], f.channels, f.divisor)...)
	}
	return nil
}

// Stop closes the file. Stop is idempotent.
func (f *FileSource) Stop() error {
	if !f.started.Load() || f.stopped.Swap(true) {
		return nil
	}
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
	f.logger.Info("file source stopped", "blocks", f.produced.Load())
	return nil
}

// Stats returns the block production counters. A file source never drops.
func (f *FileSource) Stats() Stats {
	s := Stats{Captured: f.produced.Load()}
	if f.started.Load() {
		s.Uptime = time.Since(f.startTime)
	}
	return s
}
