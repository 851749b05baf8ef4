package session

import (
	"context"
	"io"
	"time"

	"github.com/scorefollow/scorefollow-go/internal/bus"
	"github.com/scorefollow/scorefollow-go/internal/errors"
	"github.com/scorefollow/scorefollow-go/internal/liveaudio"
	"github.com/scorefollow/scorefollow-go/internal/observability/metrics"
	"github.com/scorefollow/scorefollow-go/internal/tracker"
)

const (
	// statsInterval is how often capture health is sampled into metrics.
	statsInterval = 10 * time.Second

	// dropWarnRate is the block drop rate above which the stats sampler
	// starts warning.
	dropWarnRate = 0.05

	// readErrorBackoff spaces retries after a failing (not merely empty)
	// block read.
	readErrorBackoff = 50 * time.Millisecond
)

// consume is the single pipeline loop: it reads blocks from the source and
// runs each through the analyzer and tracker. It exits when the source is
// exhausted or the session is quitting, draining queued blocks on quit so
// nothing already captured is lost.
func (s *Session) consume() {
	ctx := context.Background()
	timeout := s.settings.Realtime.Audio.Queue.ReadTimeout

	for {
		select {
		case <-s.quit:
			s.drain()
			return
		default:
		}

		block, err := s.source.ReadBlock(ctx, timeout)
		switch {
		case err == nil:
			s.processBlock(block)
		case errors.Is(err, liveaudio.ErrNoBlock):
			if s.metrics != nil {
				s.metrics.Capture.RecordReadTimeout(s.sourceLabel)
			}
		case errors.Is(err, io.EOF):
			s.log.Info("block source exhausted", "blocks", s.tracker.Stats().Updates)
			s.signalDone()
			return
		default:
			if s.quitting() {
				continue
			}
			s.log.Warn("block read failed", "error", err)
			time.Sleep(readErrorBackoff)
		}
	}
}

func (s *Session) quitting() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// drain empties whatever the source still has queued after quit.
func (s *Session) drain() {
	for {
		block, ok := s.source.ReadBlockNoWait()
		if !ok {
			return
		}
		s.processBlock(block)
	}
}

// processBlock advances the whole pipeline by one block: onset analysis,
// beat and tempo tracking, the position update, and the resulting bus
// messages and persistence.
func (s *Session) processBlock(block liveaudio.Block) {
	onset := s.analyzer.Analyze(block.Samples)
	ast := s.analyzer.Stats()

	perfTime := block.Timestamp.Sub(s.startedAt).Seconds()
	if perfTime < 0 {
		perfTime = 0
	}
	s.analyzer.TrackBeat(onset, perfTime)
	tempo := s.analyzer.EstimateTempo(perfTime)

	trackStart := time.Now()
	pos := s.tracker.Update(onset, block.Timestamp)
	trackSeconds := time.Since(trackStart).Seconds()

	if m := s.metrics; m != nil {
		m.Capture.RecordBlock(s.sourceLabel)
		m.Capture.SetAudioLevel(s.sourceLabel, float64(liveaudio.BlockLevel(block.Samples).Level))
		m.Analyzer.RecordAnalysis(ast.LastAnalysisTime.Seconds(), ast.LastStrength, onset)
		m.Analyzer.SetTempo(tempo)
		m.Tracker.RecordUpdate(updateOutcome(onset, pos.Matched), trackSeconds)
		m.Tracker.SetPosition(pos.SongTime, pos.Confidence, pos.TempoRatio)
	}

	s.mu.Lock()
	s.confSum += pos.Confidence
	s.confTicks++
	s.mu.Unlock()

	s.publish(bus.TypePositionUpdate, pos)

	if onset {
		s.publish(bus.TypeOnsetDetected, OnsetInfo{
			PerformanceTime: perfTime,
			Strength:        ast.LastStrength,
			Matched:         pos.Matched,
			SongTime:        pos.SongTime,
			Confidence:      pos.Confidence,
		})
		s.recordOnset(block.Timestamp, perfTime, ast.LastStrength, pos)
	}

	if pos.Section != s.lastSection {
		s.lastSection = pos.Section
		s.publish(bus.TypeSectionChange, SectionChange{
			Section:     pos.Section,
			SectionName: pos.SectionName,
			SongTime:    pos.SongTime,
		})
	}

	s.maybeSnapshot(block.Timestamp, perfTime, pos)
}

func updateOutcome(onset, matched bool) string {
	switch {
	case !onset:
		return metrics.OutcomeExtrapolated
	case matched:
		return metrics.OutcomeMatched
	default:
		return metrics.OutcomeRejected
	}
}

func (s *Session) recordOnset(at time.Time, perfTime, strength float64, pos tracker.Position) {
	if s.store == nil || s.sessionID == "" {
		return
	}
	if err := s.store.RecordOnset(context.Background(), s.sessionID, at, perfTime, strength, pos); err != nil {
		s.log.Warn("onset not persisted", "error", err)
	}
}

// maybeSnapshot persists the position at the configured cadence, clocked on
// block timestamps so file runs snapshot in song time rather than wall time.
func (s *Session) maybeSnapshot(at time.Time, perfTime float64, pos tracker.Position) {
	if s.store == nil || s.sessionID == "" {
		return
	}
	interval := s.settings.Output.Database.SnapshotInterval
	if interval <= 0 {
		interval = time.Second
	}
	if at.Sub(s.lastSnapshot) < interval {
		return
	}
	s.lastSnapshot = at

	if err := s.store.RecordSnapshot(context.Background(), s.sessionID, at, perfTime, pos); err != nil {
		s.log.Warn("position snapshot not persisted", "error", err)
	}
}

// lookaheadLoop periodically publishes the syllables coming up within the
// configured horizon. Ticks with nothing upcoming publish nothing.
func (s *Session) lookaheadLoop() {
	cfg := s.settings.Realtime.Tracker.Lookahead

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			upcoming := s.tracker.Lookahead(cfg.Horizon)
			if len(upcoming) == 0 {
				continue
			}
			s.publish(bus.TypeLookahead, upcoming)
		}
	}
}

// statsLoop samples source health into metrics and warns when blocks are
// dropping.
func (s *Session) statsLoop() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			st := s.source.Stats()
			if s.metrics != nil {
				s.metrics.Capture.UpdateCaptureStats(s.sourceLabel, st.Dropped, st.Overruns, st.Restarts, st.QueueLen)
			}
			if r := st.DropRate(); r > dropWarnRate {
				s.log.Warn("audio blocks dropping",
					"dropped", st.Dropped,
					"captured", st.Captured,
					"drop_rate", r,
				)
			}
		}
	}
}
