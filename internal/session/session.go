// Package session wires one tracking run together: a block source feeding
// the analyzer and tracker, position and event publishing on the message
// bus, and the optional datastore, resource monitor and metric sinks around
// them. The consumer loop is the single owner of the analyzer and tracker;
// everything downstream observes through the bus.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scorefollow/scorefollow-go/internal/analyzer"
	"github.com/scorefollow/scorefollow-go/internal/bus"
	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/datastore"
	"github.com/scorefollow/scorefollow-go/internal/errors"
	"github.com/scorefollow/scorefollow-go/internal/liveaudio"
	"github.com/scorefollow/scorefollow-go/internal/logging"
	"github.com/scorefollow/scorefollow-go/internal/monitor"
	"github.com/scorefollow/scorefollow-go/internal/observability"
	"github.com/scorefollow/scorefollow-go/internal/observability/metrics"
	"github.com/scorefollow/scorefollow-go/internal/songmap"
	"github.com/scorefollow/scorefollow-go/internal/tracker"
)

// Session owns one live tracking run. It is built once, started once, and
// stopped once; a failed Start leaves it stopped.
type Session struct {
	settings *conf.Settings
	songMap  *songmap.SongMap
	mapPath  string

	source   liveaudio.BlockSource
	analyzer *analyzer.Analyzer
	tracker  *tracker.Tracker
	bus      *bus.Bus
	store    *datastore.Store
	monitor  *monitor.Monitor
	metrics  *observability.Metrics
	log      *slog.Logger

	sourceLabel string
	sessionID   string
	startedAt   time.Time

	quit     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool

	// consumer-loop state, never touched outside it
	lastSection  int
	lastSnapshot time.Time

	mu        sync.Mutex
	confSum   float64
	confTicks uint64

	publishDrops atomic.Uint64
}

// Summary aggregates one session's tracking outcome.
type Summary struct {
	Blocks          uint64  `json:"blocks"`
	Onsets          uint64  `json:"onsets"`
	Matches         uint64  `json:"matches"`
	Rejects         uint64  `json:"rejects"`
	FinalSongTime   float64 `json:"final_song_time"`
	FinalTempoRatio float64 `json:"final_tempo_ratio"`
	AvgConfidence   float64 `json:"avg_confidence"`
}

// New builds a session over an already prepared block source. The bus,
// analyzer and tracker are always created; the datastore, resource monitor
// and metric collectors only when the settings enable them. The source is
// not started until Start.
func New(settings *conf.Settings, songMap *songmap.SongMap, mapPath string, source liveaudio.BlockSource, log *slog.Logger) (*Session, error) {
	if settings == nil {
		return nil, errors.Newf("session requires settings").
			Component("session").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if source == nil {
		return nil, errors.Newf("session requires a block source").
			Component("session").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if log == nil {
		log = logging.ForService("session")
	}

	var m *observability.Metrics
	if settings.Output.Metrics.Enabled {
		var err error
		m, err = observability.NewMetrics()
		if err != nil {
			return nil, errors.New(err).
				Component("session").
				Category(errors.CategoryConfiguration).
				Build()
		}
	}

	b := bus.New(settings.Realtime.Bus.Capacity, settings.Realtime.Bus.DrainTimeout, nil)
	if m != nil {
		b.SetMetrics(m.Bus)
	}

	an, err := analyzer.New(settings.Realtime.Analyzer, settings.Realtime.Audio.SampleRate, nil)
	if err != nil {
		return nil, err
	}

	tr, err := tracker.New(songMap, settings.Realtime.Tracker, nil)
	if err != nil {
		return nil, err
	}

	var store *datastore.Store
	if settings.Output.Database.Enabled {
		var dm *metrics.DatastoreMetrics
		if m != nil {
			dm = m.Datastore
		}
		store, err = datastore.Open(settings.Output.Database, dm, nil)
		if err != nil {
			return nil, err
		}
	}

	var mon *monitor.Monitor
	if settings.Realtime.Monitor.Enabled {
		var mm *metrics.MonitorMetrics
		if m != nil {
			mm = m.Monitor
		}
		mon = monitor.New(settings.Realtime.Monitor, b, mm, nil)
	}

	label := settings.Realtime.Audio.Source
	if label == "" {
		label = "default"
	}

	return &Session{
		settings:    settings,
		songMap:     songMap,
		mapPath:     mapPath,
		source:      source,
		analyzer:    an,
		tracker:     tr,
		bus:         b,
		store:       store,
		monitor:     mon,
		metrics:     m,
		log:         log,
		sourceLabel: label,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Start brings the pipeline up: error reporting onto the bus, the bus
// dispatch loop, the persisted session row, the tracker clock, the block
// source, the resource monitor, and finally the consumer and periodic
// publisher goroutines. A failed Start shuts the session down; build a new
// one to retry.
func (s *Session) Start() error {
	if s.stopped.Load() {
		return errors.Newf("session cannot be restarted after stop").
			Component("session").
			Category(errors.CategoryState).
			Build()
	}
	if s.started.Swap(true) {
		return errors.Newf("session already started").
			Component("session").
			Category(errors.CategoryState).
			Build()
	}

	errors.SetReporter(busReporter{bus: s.bus})

	if err := s.bus.Start(); err != nil {
		s.abortStart()
		return errors.New(err).
			Component("session").
			Category(errors.CategoryMessageBus).
			Build()
	}

	s.startedAt = time.Now()
	s.lastSnapshot = s.startedAt

	if s.store != nil {
		rec, err := s.store.BeginSession(context.Background(), s.settings.Main.Name, s.songMap.Title, s.mapPath, s.startedAt)
		if err != nil {
			s.log.Error("session will not be persisted", "error", err)
		} else {
			s.sessionID = rec.ID
		}
	}

	s.publish(bus.TypeSessionStarted, StartInfo{
		SessionID: s.sessionID,
		Name:      s.settings.Main.Name,
		Title:     s.songMap.Title,
		MapPath:   s.mapPath,
		StartedAt: s.startedAt,
	})

	s.tracker.Start(s.startedAt)

	if err := s.source.Start(); err != nil {
		s.abortStart()
		return err
	}

	if s.monitor != nil {
		s.monitor.Start()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consume()
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.statsLoop()
	}()
	if s.settings.Realtime.Tracker.Lookahead.Interval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.lookaheadLoop()
		}()
	}

	s.log.Info("session started",
		"name", s.settings.Main.Name,
		"map", s.songMap.Title,
		"syllables", s.songMap.SyllableCount(),
		"session_id", s.sessionID,
	)
	return nil
}

// abortStart tears down whatever a failing Start already brought up and
// leaves the session in its stopped state.
func (s *Session) abortStart() {
	s.stopped.Store(true)
	errors.SetReporter(nil)
	if err := s.bus.Stop(); err != nil {
		s.log.Warn("bus stop during aborted start", "error", err)
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn("datastore close during aborted start", "error", err)
		}
	}
	s.signalDone()
}

// Stop shuts the pipeline down in dependency order: the block source first
// so no new blocks arrive, then the consumer drains what is queued, then
// the monitor, the session_stopped message, the bus drain, and last the
// datastore summary and close. Stop is idempotent.
func (s *Session) Stop() error {
	if !s.started.Load() || s.stopped.Swap(true) {
		return nil
	}

	s.log.Info("stopping session")

	if err := s.source.Stop(); err != nil {
		s.log.Warn("block source stop", "error", err)
	}

	close(s.quit)
	s.wg.Wait()

	if s.monitor != nil {
		s.monitor.Stop()
	}

	summary := s.Summary()
	stoppedAt := time.Now()

	s.publish(bus.TypeSessionStopped, StopInfo{
		SessionID: s.sessionID,
		StoppedAt: stoppedAt,
		Duration:  stoppedAt.Sub(s.startedAt).Seconds(),
		Summary:   summary,
	})

	errors.SetReporter(nil)

	var errs []error
	if err := s.bus.Stop(); err != nil {
		errs = append(errs, err)
	}

	if s.store != nil {
		if s.sessionID != "" {
			err := s.store.EndSession(context.Background(), s.sessionID, stoppedAt, datastore.Summary{
				Blocks:          summary.Blocks,
				Onsets:          summary.Onsets,
				Matches:         summary.Matches,
				Rejects:         summary.Rejects,
				FinalSongTime:   summary.FinalSongTime,
				FinalTempoRatio: summary.FinalTempoRatio,
				AvgConfidence:   summary.AvgConfidence,
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.signalDone()

	s.log.Info("session stopped",
		"duration", stoppedAt.Sub(s.startedAt),
		"blocks", summary.Blocks,
		"onsets", summary.Onsets,
		"matches", summary.Matches,
		"rejects", summary.Rejects,
		"final_song_time", summary.FinalSongTime,
		"avg_confidence", summary.AvgConfidence,
	)
	return errors.Join(errs...)
}

func (s *Session) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Bus returns the session's message bus for subscribers.
func (s *Session) Bus() *bus.Bus { return s.bus }

// Metrics returns the session's metric collectors, or nil when the metrics
// output is disabled.
func (s *Session) Metrics() *observability.Metrics { return s.metrics }

// Done is closed when the block source is exhausted or the session has
// stopped. File-driven sessions use it to detect end of input.
func (s *Session) Done() <-chan struct{} { return s.done }

// Position returns the tracker's latest snapshot.
func (s *Session) Position() tracker.Position { return s.tracker.Current() }

// Summary returns the session's aggregate counters so far. The confidence
// average is over every position update published.
func (s *Session) Summary() Summary {
	st := s.tracker.Stats()

	s.mu.Lock()
	sum, ticks := s.confSum, s.confTicks
	s.mu.Unlock()

	avg := 0.0
	if ticks > 0 {
		avg = sum / float64(ticks)
	}
	return Summary{
		Blocks:          st.Updates,
		Onsets:          st.Onsets,
		Matches:         st.Matches,
		Rejects:         st.Rejects,
		FinalSongTime:   st.SongTime,
		FinalTempoRatio: st.TempoRatio,
		AvgConfidence:   avg,
	}
}
