package session

import (
	"context"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scorefollow/scorefollow-go/internal/bus"
	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/datastore"
	"github.com/scorefollow/scorefollow-go/internal/errors"
	"github.com/scorefollow/scorefollow-go/internal/liveaudio"
	"github.com/scorefollow/scorefollow-go/internal/songmap"
	"github.com/scorefollow/scorefollow-go/internal/tracker"
)

const (
	testSampleRate = 44100
	testBlockSize  = 512
)

// scriptedSource feeds a prepared block sequence as fast as the consumer
// reads it, then reports end of input. Timestamps are assigned at Start,
// spaced one block apart, exactly like a file run.
type scriptedSource struct {
	mu       sync.Mutex
	blocks   []liveaudio.Block
	next     int
	started  atomic.Bool
	stopped  atomic.Bool
	produced atomic.Uint64
}

func newScriptedSource(samples [][]float32) *scriptedSource {
	blocks := make([]liveaudio.Block, len(samples))
	for i, s := range samples {
		blocks[i] = liveaudio.Block{Samples: s, Channels: 1}
	}
	return &scriptedSource{blocks: blocks}
}

func (s *scriptedSource) Start() error {
	if s.started.Swap(true) {
		return fmt.Errorf("scripted source already started")
	}
	blockDur := time.Duration(testBlockSize) * time.Second / time.Duration(testSampleRate)
	base := time.Now()
	s.mu.Lock()
	for i := range s.blocks {
		s.blocks[i].Timestamp = base.Add(time.Duration(i) * blockDur)
	}
	s.mu.Unlock()
	return nil
}

func (s *scriptedSource) ReadBlock(_ context.Context, _ time.Duration) (liveaudio.Block, error) {
	if !s.started.Load() {
		return liveaudio.Block{}, fmt.Errorf("scripted source not started")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.blocks) {
		return liveaudio.Block{}, io.EOF
	}
	b := s.blocks[s.next]
	s.next++
	s.produced.Add(1)
	return b, nil
}

func (s *scriptedSource) ReadBlockNoWait() (liveaudio.Block, bool) {
	b, err := s.ReadBlock(context.Background(), 0)
	return b, err == nil
}

func (s *scriptedSource) Stop() error {
	s.stopped.Store(true)
	return nil
}

func (s *scriptedSource) Stats() liveaudio.Stats {
	return liveaudio.Stats{Captured: s.produced.Load()}
}

// sink collects delivered messages per type.
type sink struct {
	mu   sync.Mutex
	msgs []*bus.Message
}

func (k *sink) handle(m *bus.Message) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.msgs = append(k.msgs, m)
	return nil
}

func (k *sink) all() []*bus.Message {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]*bus.Message, len(k.msgs))
	copy(out, k.msgs)
	return out
}

func (k *sink) typed(messageType string) []*bus.Message {
	var out []*bus.Message
	for _, m := range k.all() {
		if m.Type == messageType {
			out = append(out, m)
		}
	}
	return out
}

func (k *sink) count(messageType string) int {
	return len(k.typed(messageType))
}

func subscribeAll(t *testing.T, b *bus.Bus, k *sink, types ...string) {
	t.Helper()
	for _, typ := range types {
		_, err := b.Subscribe(typ, bus.PriorityLow, k.handle)
		require.NoError(t, err)
	}
}

func testSettings() *conf.Settings {
	s := &conf.Settings{}
	s.Main.Name = "bench-rig"
	s.Realtime.Audio = conf.AudioSettings{
		SampleRate: testSampleRate,
		BlockSize:  testBlockSize,
		Channels:   1,
		Queue:      conf.QueueSettings{Capacity: 16, ReadTimeout: 20 * time.Millisecond},
	}
	s.Realtime.Analyzer = conf.AnalyzerSettings{
		FrameSize:      1024,
		RingSize:       4096,
		OnsetThreshold: 0.05,
		RiseFactor:     1.2,
		Tempo: conf.TempoSettings{
			InitialBPM:       120,
			MinIntervalRatio: 0.7,
			RecomputeBeats:   4,
			UpdateInterval:   2 * time.Second,
			MaxDeltaBPM:      20,
			Smoothing:        0.3,
		},
	}
	s.Realtime.Tracker = conf.TrackerSettings{
		MatchWindow:        150 * time.Millisecond,
		MinConfidence:      0.6,
		TempoSmoothing:     0.3,
		ConfidenceHalfLife: time.Second,
		CandidateSpan:      10,
	}
	s.Realtime.Bus = conf.BusSettings{Capacity: 4096, DrainTimeout: 5 * time.Second}
	return s
}

func testMap() *songmap.SongMap {
	return &songmap.SongMap{
		Title: "Test Song",
		BPM:   120,
		Sections: []songmap.Section{
			{
				Name: "Intro",
				Lines: []songmap.Line{
					{Syllables: []songmap.Syllable{
						{Text: "oh", StartTime: 0.05, Duration: 0.2},
					}},
				},
			},
			{
				Name: "Verse 1",
				Lines: []songmap.Line{
					{Syllables: []songmap.Syllable{
						{Text: "la", StartTime: 0.37, Duration: 0.2, Chord: "C"},
						{Text: "la", StartTime: 0.60, Duration: 0.2},
						{Text: "da", StartTime: 0.85, Duration: 0.25, Chord: "G"},
					}},
				},
			},
		},
	}
}

func silentBlock() []float32 {
	return make([]float32, testBlockSize)
}

func sineBlock(freq, amp float64, phase int) []float32 {
	out := make([]float32, testBlockSize)
	for i := range out {
		n := float64(phase*testBlockSize + i)
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*n/testSampleRate))
	}
	return out
}

// scriptBlocks builds total blocks of silence with a sine burst starting at
// burstAt.
func scriptBlocks(total, burstAt, burstLen int) [][]float32 {
	out := make([][]float32, 0, total)
	for i := 0; i < total; i++ {
		if i >= burstAt && i < burstAt+burstLen {
			out = append(out, sineBlock(990, 0.8, i-burstAt))
		} else {
			out = append(out, silentBlock())
		}
	}
	return out
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish reading the scripted source")
	}
}

func TestSessionPublishesLifecycleMessages(t *testing.T) {
	defer goleak.VerifyNone(t)

	const numBlocks = 64
	src := newScriptedSource(scriptBlocks(numBlocks, 30, 4))
	sess, err := New(testSettings(), testMap(), "maps/test.json", src, nil)
	require.NoError(t, err)

	k := &sink{}
	subscribeAll(t, sess.Bus(), k,
		bus.TypeSessionStarted,
		bus.TypePositionUpdate,
		bus.TypeOnsetDetected,
		bus.TypeSectionChange,
		bus.TypeSessionStopped,
	)

	require.NoError(t, sess.Start())
	waitDone(t, sess)
	require.NoError(t, sess.Stop())

	msgs := k.all()
	require.NotEmpty(t, msgs)

	// Equal priorities deliver in publish order, so the normal-priority
	// stream is bracketed by the lifecycle pair. High-priority onset and
	// section messages may legally jump ahead of it.
	var normals []*bus.Message
	for _, m := range msgs {
		if m.Priority == bus.PriorityNormal {
			normals = append(normals, m)
		}
	}
	require.NotEmpty(t, normals)
	assert.Equal(t, bus.TypeSessionStarted, normals[0].Type)
	assert.Equal(t, bus.TypeSessionStopped, normals[len(normals)-1].Type)

	start, ok := normals[0].Payload.(StartInfo)
	require.True(t, ok, "session_started payload should be a StartInfo")
	assert.Equal(t, "Test Song", start.Title)
	assert.Equal(t, "maps/test.json", start.MapPath)
	assert.False(t, start.StartedAt.IsZero())

	assert.Equal(t, numBlocks, k.count(bus.TypePositionUpdate))
	for _, m := range k.typed(bus.TypePositionUpdate) {
		_, ok := m.Payload.(tracker.Position)
		require.True(t, ok, "position_update payload should be a Position")
	}

	require.GreaterOrEqual(t, k.count(bus.TypeOnsetDetected), 1)
	onset, ok := k.typed(bus.TypeOnsetDetected)[0].Payload.(OnsetInfo)
	require.True(t, ok)
	assert.Greater(t, onset.Strength, 0.0)
	assert.True(t, onset.Matched)
	assert.InDelta(t, 0.37, onset.SongTime, 0.01)

	require.GreaterOrEqual(t, k.count(bus.TypeSectionChange), 1)
	change, ok := k.typed(bus.TypeSectionChange)[0].Payload.(SectionChange)
	require.True(t, ok)
	assert.Equal(t, 1, change.Section)
	assert.Equal(t, "Verse 1", change.SectionName)

	stop, ok := normals[len(normals)-1].Payload.(StopInfo)
	require.True(t, ok, "session_stopped payload should be a StopInfo")
	assert.Equal(t, uint64(numBlocks), stop.Summary.Blocks)
	assert.GreaterOrEqual(t, stop.Summary.Matches, uint64(1))
	assert.Greater(t, stop.Summary.AvgConfidence, 0.0)
}

func TestSessionPublishesLookahead(t *testing.T) {
	defer goleak.VerifyNone(t)

	settings := testSettings()
	settings.Realtime.Tracker.Lookahead = conf.LookaheadSettings{
		Horizon:  5 * time.Second,
		Interval: 10 * time.Millisecond,
	}

	src := newScriptedSource(scriptBlocks(20, 20, 0))
	sess, err := New(settings, testMap(), "", src, nil)
	require.NoError(t, err)

	k := &sink{}
	subscribeAll(t, sess.Bus(), k, bus.TypeLookahead)

	require.NoError(t, sess.Start())
	waitDone(t, sess)

	require.Eventually(t, func() bool {
		return k.count(bus.TypeLookahead) >= 1
	}, 2*time.Second, 5*time.Millisecond, "no lookahead message published")

	require.NoError(t, sess.Stop())

	upcoming, ok := k.typed(bus.TypeLookahead)[0].Payload.([]tracker.Upcoming)
	require.True(t, ok, "lookahead payload should be a []tracker.Upcoming")
	require.NotEmpty(t, upcoming)
	assert.Greater(t, upcoming[0].Time, 0.0)
	assert.NotEmpty(t, upcoming[0].Text)
}

func TestSessionForwardsBuiltErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newScriptedSource(scriptBlocks(4, 4, 0))
	sess, err := New(testSettings(), testMap(), "", src, nil)
	require.NoError(t, err)

	k := &sink{}
	subscribeAll(t, sess.Bus(), k, bus.TypeSystemError)

	require.NoError(t, sess.Start())
	waitDone(t, sess)

	_ = errors.Newf("pedalboard link lost").
		Component("liveaudio").
		Category(errors.CategoryAudioDevice).
		Build()

	require.Eventually(t, func() bool {
		return k.count(bus.TypeSystemError) >= 1
	}, 2*time.Second, 5*time.Millisecond, "built error never reached the bus")

	require.NoError(t, sess.Stop())

	info, ok := k.typed(bus.TypeSystemError)[0].Payload.(ErrorInfo)
	require.True(t, ok, "system_error payload should be an ErrorInfo")
	assert.Equal(t, "liveaudio", info.Component)
	assert.Equal(t, string(errors.CategoryAudioDevice), info.Category)
	assert.Contains(t, info.Message, "pedalboard link lost")
}

func TestSessionPersistsToDatastore(t *testing.T) {
	settings := testSettings()
	settings.Output.Database = conf.DatabaseSettings{
		Enabled:          true,
		Path:             filepath.Join(t.TempDir(), "sessions.db"),
		SnapshotInterval: 100 * time.Millisecond,
	}

	const numBlocks = 100
	src := newScriptedSource(scriptBlocks(numBlocks, 30, 4))
	sess, err := New(settings, testMap(), "maps/test.json", src, nil)
	require.NoError(t, err)

	require.NoError(t, sess.Start())
	waitDone(t, sess)
	require.NoError(t, sess.Stop())

	store, err := datastore.Open(settings.Output.Database, nil, nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	sessions, err := store.RecentSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	rec := sessions[0]
	assert.Equal(t, "bench-rig", rec.Name)
	assert.Equal(t, "Test Song", rec.MapTitle)
	require.NotNil(t, rec.StoppedAt)
	assert.Equal(t, uint64(numBlocks), rec.Blocks)
	assert.GreaterOrEqual(t, rec.Matches, uint64(1))
	assert.Greater(t, rec.FinalSongTime, 0.3)

	snapshots, err := store.SessionSnapshots(ctx, rec.ID, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(snapshots), 9, "one snapshot per 100ms of block time")

	onsets, err := store.SessionOnsets(ctx, rec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, onsets)
	assert.True(t, onsets[0].Matched)
}

func TestSessionLifecycleGuards(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("new requires settings and source", func(t *testing.T) {
		_, err := New(nil, testMap(), "", newScriptedSource(nil), nil)
		require.Error(t, err)

		_, err = New(testSettings(), testMap(), "", nil, nil)
		require.Error(t, err)

		_, err = New(testSettings(), nil, "", newScriptedSource(nil), nil)
		require.Error(t, err)
	})

	t.Run("start twice fails, stop is idempotent", func(t *testing.T) {
		src := newScriptedSource(scriptBlocks(2, 2, 0))
		sess, err := New(testSettings(), testMap(), "", src, nil)
		require.NoError(t, err)

		require.NoError(t, sess.Start())
		require.Error(t, sess.Start())
		waitDone(t, sess)
		require.NoError(t, sess.Stop())
		require.NoError(t, sess.Stop())
		require.Error(t, sess.Start())
	})

	t.Run("stop before start is a no-op", func(t *testing.T) {
		sess, err := New(testSettings(), testMap(), "", newScriptedSource(nil), nil)
		require.NoError(t, err)
		require.NoError(t, sess.Stop())
	})
}
