// Package liveaudio captures fixed-size mono sample blocks from a live
// input device. The device callback runs on the audio backend's realtime
// context and only copies bytes into a lock-light ring; a framing
// goroutine cuts exact blocks from the ring, converts them to mono
// float32, and hands them to the consumer through a bounded queue with
// drop-newest backpressure.
package liveaudio

import (
	"context"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/smallnest/ringbuffer"

	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/errors"
	"github.com/scorefollow/scorefollow-go/internal/logging"
)

const framePollInterval = 10 * time.Millisecond

// Capture reads audio from a malgo capture device and produces Blocks.
type Capture struct {
	settings conf.AudioSettings
	logger   *slog.Logger

	frameBytes int
	blockBytes int

	ring   *ringbuffer.RingBuffer
	blocks chan Block

	mctx   *malgo.AllocatedContext
	device *malgo.Device

	quit      chan struct{}
	wg        sync.WaitGroup
	started   atomic.Bool
	stopped   atomic.Bool
	startedAt time.Time

	captured atomic.Uint64
	dropped  atomic.Uint64
	overruns atomic.Uint64
	restarts atomic.Uint64
}

// NewCapture prepares a capture source for the given audio settings. No
// device is touched until Start.
func NewCapture(settings conf.AudioSettings, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = logging.ForService("liveaudio")
	}
	if settings.Channels < 1 {
		settings.Channels = 1
	}
	if settings.Channels > conf.MaxChannels {
		settings.Channels = conf.MaxChannels
	}

	frameBytes := conf.BitDepth / 8 * settings.Channels
	blockBytes := settings.BlockSize * frameBytes

	// hold roughly one second of raw audio between the device callback
	// and the framer
	ringBytes := settings.SampleRate * frameBytes
	if ringBytes < 8*blockBytes {
		ringBytes = 8 * blockBytes
	}

	queueCap := settings.Queue.Capacity
	if queueCap < 1 {
		queueCap = 1
	}

	return &Capture{
		settings:   settings,
		logger:     logger,
		frameBytes: frameBytes,
		blockBytes: blockBytes,
		ring:       ringbuffer.New(ringBytes),
		blocks:     make(chan Block, queueCap),
		quit:       make(chan struct{}),
	}
}

// Start opens the configured device and begins producing blocks. Starting
// twice, or after Stop, is a startup error.
func (c *Capture) Start() error {
	if c.stopped.Load() {
		return errors.Newf("audio capture cannot be restarted after stop").
			Component("liveaudio").
			Category(errors.CategoryState).
			Build()
	}
	if c.started.Swap(true) {
		return errors.Newf("audio capture already started").
			Component("liveaudio").
			Category(errors.CategoryState).
			Build()
	}
	// a failed start leaves the capture restartable
	startedOK := false
	defer func() {
		if !startedOK {
			c.started.Store(false)
		}
	}()

	var backends []malgo.Backend
	switch runtime.GOOS {
	case "linux":
		backends = []malgo.Backend{malgo.BackendAlsa}
	case "windows":
		backends = []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		backends = []malgo.Backend{malgo.BackendCoreaudio}
	}

	mctx, err := malgo.InitContext(backends, malgo.ContextConfig{}, func(message string) {
		c.logger.Debug("malgo", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return errors.New(err).
			Component("liveaudio").
			Category(errors.CategoryAudioDevice).
			Context("operation", "init_context").
			Build()
	}
	c.mctx = mctx

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(c.settings.Channels) //nolint:gosec // validated 1..2
	deviceConfig.SampleRate = uint32(c.settings.SampleRate)     //nolint:gosec // validated positive
	deviceConfig.Alsa.NoMMap = 1

	deviceName := "default"
	if c.settings.Source != "" && c.settings.Source != "default" {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			c.teardownContext()
			return errors.New(err).
				Component("liveaudio").
				Category(errors.CategoryAudioDevice).
				Context("operation", "enumerate_devices").
				Build()
		}
		idx, err := findDevice(infos, c.settings.Source)
		if err != nil {
			c.teardownContext()
			return err
		}
		deviceConfig.Capture.DeviceID = infos[idx].ID.Pointer()
		deviceName = infos[idx].Name()
	}

	onReceiveFrames := func(_, pSamples []byte, _ uint32) {
		// realtime context: copy into the ring and leave
		if _, err := c.ring.Write(pSamples); err != nil {
			c.overruns.Add(1)
		}
	}

	// called when the device stops unexpectedly as well as on Stop;
	// try one delayed restart unless we are quitting
	onStopDevice := func() {
		go func() {
			select {
			case <-c.quit:
				return
			case <-time.After(100 * time.Millisecond):
				c.restarts.Add(1)
				if err := c.device.Start(); err != nil {
					c.logger.Error("failed to restart audio device", "error", err)
				} else {
					c.logger.Warn("audio device restarted after unexpected stop")
				}
			}
		}()
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onReceiveFrames,
		Stop: onStopDevice,
	})
	if err != nil {
		c.teardownContext()
		return errors.New(err).
			Component("liveaudio").
			Category(errors.CategoryAudioDevice).
			Context("operation", "init_device").
			Context("device", deviceName).
			Build()
	}
	c.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		c.teardownContext()
		return errors.New(err).
			Component("liveaudio").
			Category(errors.CategoryAudioDevice).
			Context("operation", "start_device").
			Context("device", deviceName).
			Build()
	}

	c.startedAt = time.Now()
	c.wg.Add(1)
	go c.frame()
	startedOK = true

	c.logger.Info("audio capture started",
		"device", deviceName,
		"sample_rate", c.settings.SampleRate,
		"channels", c.settings.Channels,
		"block_size", c.settings.BlockSize,
		"queue_capacity", cap(c.blocks),
	)
	return nil
}

// frame polls the ring and cuts exact block-size chunks into the queue.
func (c *Capture) frame() {
	defer c.wg.Done()

	ticker := time.NewTicker(framePollInterval)
	defer ticker.Stop()

	raw := make([]byte, c.blockBytes)
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			for c.ring.Length() >= c.blockBytes {
				n, err := c.ring.Read(raw)
				if err != nil || n < c.blockBytes {
					break
				}
				c.enqueue(Block{
					Samples:   monoFromS16(raw, c.settings.Channels),
					Channels:  c.settings.Channels,
					Timestamp: time.Now(),
				})
			}
		}
	}
}

func (c *Capture) enqueue(b Block) {
	select {
	case c.blocks <- b:
		c.captured.Add(1)
	default:
		if d := c.dropped.Add(1); d%32 == 1 {
			c.logger.Debug("block queue full, dropping newest", "dropped", d)
		}
	}
}

// ReadBlock waits up to timeout for the next block. A non-positive
// timeout uses the configured queue read timeout. ErrNoBlock marks an
// empty wait.
func (c *Capture) ReadBlock(ctx context.Context, timeout time.Duration) (Block, error) {
	if !c.started.Load() {
		return Block{}, errors.Newf("audio capture not started").
			Component("liveaudio").
			Category(errors.CategoryState).
			Build()
	}
	if timeout <= 0 {
		timeout = c.settings.Queue.ReadTimeout
	}

	select {
	case b := <-c.blocks:
		return b, nil
	case <-ctx.Done():
		return Block{}, ctx.Err()
	case <-time.After(timeout):
		return Block{}, ErrNoBlock
	}
}

// ReadBlockNoWait returns a queued block if one is immediately available.
func (c *Capture) ReadBlockNoWait() (Block, bool) {
	if !c.started.Load() {
		return Block{}, false
	}
	select {
	case b := <-c.blocks:
		return b, true
	default:
		return Block{}, false
	}
}

// Stop releases the device and halts the framer. Stop is idempotent.
func (c *Capture) Stop() error {
	if !c.started.Load() || c.stopped.Swap(true) {
		return nil
	}

	close(c.quit)
	c.wg.Wait()

	if c.device != nil {
		if err := c.device.Stop(); err != nil {
			c.logger.Debug("device stop", "error", err)
		}
		c.device.Uninit()
		c.device = nil
	}
	c.teardownContext()

	s := c.Stats()
	c.logger.Info("audio capture stopped",
		"captured", s.Captured,
		"dropped", s.Dropped,
		"drop_rate", s.DropRate(),
		"overruns", s.Overruns,
	)
	return nil
}

func (c *Capture) teardownContext() {
	if c.mctx != nil {
		c.mctx.Uninit() //nolint:errcheck
		c.mctx = nil
	}
}

// Stats returns produced/dropped counters for this capture source.
func (c *Capture) Stats() Stats {
	s := Stats{
		Captured: c.captured.Load(),
		Dropped:  c.dropped.Load(),
		Overruns: c.overruns.Load(),
		Restarts: c.restarts.Load(),
		QueueLen: len(c.blocks),
	}
	if !c.startedAt.IsZero() {
		s.Uptime = time.Since(c.startedAt)
	}
	return s
}
