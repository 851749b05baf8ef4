// Package tracker follows a performer through a song map. Detected onsets
// are matched against the map's pre-analyzed onset times by bounded
// nearest-neighbor search around the expected position; ticks without an
// onset extrapolate from the last match at the estimated tempo ratio.
package tracker

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/errors"
	"github.com/scorefollow/scorefollow-go/internal/logging"
	"github.com/scorefollow/scorefollow-go/internal/songmap"
)

const (
	// tempo ratio measurements outside this range are treated as noise
	minTempoRatio = 0.5
	maxTempoRatio = 2.0

	// ratioWindow is how many recent tempo ratio measurements feed the
	// median; onsetHistory is how many detected onset times are kept.
	ratioWindow  = 4
	onsetHistory = 8

	// expectedNextBoost favors the candidate immediately after the
	// previous match when scoring.
	expectedNextBoost = 1.5
)

// Position is the tracker's estimate of where the performer is, published
// on every update.
type Position struct {
	SongTime    float64 `json:"song_time"`
	Section     int     `json:"section_index"`
	Line        int     `json:"line_index"`
	Syllable    int     `json:"syllable_index"`
	SectionName string  `json:"section,omitempty"`
	Chord       string  `json:"chord,omitempty"`
	Confidence  float64 `json:"confidence"`
	TempoRatio  float64 `json:"tempo_ratio"`
	// LastOnset is the performance-elapsed time of the most recent
	// accepted match, negative before the first one.
	LastOnset float64 `json:"last_onset_time"`
	// Matched reports whether this snapshot was anchored on a map onset
	// in the tick that produced it, as opposed to extrapolated.
	Matched bool `json:"matched"`
}

// Upcoming is one future syllable within the lookahead horizon.
type Upcoming struct {
	Time     float64 `json:"time"`
	Section  string  `json:"section"`
	Text     string  `json:"text"`
	Chord    string  `json:"chord,omitempty"`
	Duration float64 `json:"duration"`
}

// Stats is a snapshot of tracking counters.
type Stats struct {
	Updates      uint64
	Onsets       uint64
	Matches      uint64
	Rejects      uint64
	RecentOnsets int
	MapOnsets    int
	SongTime     float64
	Confidence   float64
	TempoRatio   float64
	Section      string
}

// Tracker matches detected onsets against a song map and extrapolates
// between matches. All methods are safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	settings conf.TrackerSettings
	index    *songmap.Index
	log      *slog.Logger

	started  bool
	startRef time.Time

	pos Position

	// anchors from the most recent accepted match
	anchored      bool
	lastMatchIdx  int
	lastMatchPerf float64 // performance elapsed at the match
	lastMatchSong float64 // map time of the matched onset
	lastMatchConf float64
	expectedNext  int

	recentOnsets []float64
	ratios       []float64

	updates uint64
	onsets  uint64
	matches uint64
	rejects uint64
}

// New builds a tracker over the given song map. The onset index is derived
// once here; the map itself is never mutated.
func New(m *songmap.SongMap, settings conf.TrackerSettings, log *slog.Logger) (*Tracker, error) {
	if m == nil {
		return nil, errors.Newf("tracker requires a song map").
			Component("tracker").
			Category(errors.CategoryTracking).
			Build()
	}
	if log == nil {
		log = logging.ForService("tracker")
	}

	t := &Tracker{
		settings:     settings,
		index:        songmap.NewIndex(m),
		log:          log,
		recentOnsets: make([]float64, 0, onsetHistory),
		ratios:       make([]float64, 0, ratioWindow),
	}
	t.resetLocked(time.Time{})

	log.Debug("tracker ready",
		"title", m.Title,
		"map_onsets", t.index.Len(),
		"match_window", settings.MatchWindow,
		"min_confidence", settings.MinConfidence)
	return t, nil
}

// Start resets all tracking state and records the start reference. A zero
// ref uses the wall clock.
func (t *Tracker) Start(ref time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked(ref)
	t.started = true
}

func (t *Tracker) resetLocked(ref time.Time) {
	if ref.IsZero() {
		ref = time.Now()
	}
	t.startRef = ref
	t.pos = Position{TempoRatio: 1.0, LastOnset: -1}
	t.anchored = false
	t.lastMatchIdx = -1
	t.lastMatchPerf = 0
	t.lastMatchSong = 0
	t.lastMatchConf = 0
	t.expectedNext = 0
	t.recentOnsets = t.recentOnsets[:0]
	t.ratios = t.ratios[:0]
	t.updates = 0
	t.onsets = 0
	t.matches = 0
	t.rejects = 0
}

// Update advances the tracker by one analyzed block and returns the
// resulting position snapshot. A zero now uses the wall clock; the first
// Update on an unstarted tracker starts it implicitly. Elapsed time before
// the start reference is treated as "before start", not an error.
func (t *Tracker) Update(onsetDetected bool, now time.Time) Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.IsZero() {
		now = time.Now()
	}
	if !t.started {
		t.resetLocked(now)
		t.started = true
	}
	elapsed := now.Sub(t.startRef).Seconds()

	if onsetDetected {
		t.onsets++
		t.recentOnsets = append(t.recentOnsets, elapsed)
		if len(t.recentOnsets) > onsetHistory {
			t.recentOnsets = t.recentOnsets[1:]
		}
		t.matchOnset(elapsed)
	} else {
		t.extrapolate(elapsed)
	}

	t.updates++
	return t.pos
}

// Current returns the latest position snapshot without advancing anything.
func (t *Tracker) Current() Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

// matchOnset runs the onset-match procedure: score candidates around the
// expected song time and re-anchor on the best one if it is confident
// enough. A rejected onset leaves the position unchanged; that is the
// common case for spurious detections, not an error.
func (t *Tracker) matchOnset(elapsed float64) {
	idx, conf := t.findMatch(elapsed)
	if idx < 0 || conf < t.settings.MinConfidence {
		t.rejects++
		t.pos.Matched = false
		return
	}

	onset := t.index.At(idx)

	// The tempo ratio compares this match against the previous one, so
	// it must be computed before the anchors are overwritten.
	if t.anchored && idx != t.lastMatchIdx {
		t.updateTempo(onset.Time, elapsed)
	}

	t.pos.SongTime = onset.Time
	t.pos.Section = onset.Section
	t.pos.Line = onset.Line
	t.pos.Syllable = onset.Syllable
	t.pos.SectionName = t.sectionName(onset.Section)
	t.pos.Chord = onset.Chord
	t.pos.Confidence = conf
	t.pos.LastOnset = elapsed
	t.pos.Matched = true

	t.anchored = true
	t.lastMatchIdx = idx
	t.lastMatchPerf = elapsed
	t.lastMatchSong = onset.Time
	t.lastMatchConf = conf
	t.expectedNext = idx + 1
	t.matches++

	t.log.Debug("position matched",
		"song_time", onset.Time,
		"section", t.pos.SectionName,
		"confidence", conf,
		"tempo_ratio", t.pos.TempoRatio)
}

// findMatch scores map onsets around the expected song time and returns
// the best candidate index with its confidence, or (-1, 0) when nothing
// lies within the match window.
func (t *Tracker) findMatch(elapsed float64) (int, float64) {
	n := t.index.Len()
	if n == 0 {
		return -1, 0
	}

	expected := elapsed
	if t.anchored {
		expected = t.lastMatchSong + (elapsed-t.lastMatchPerf)*t.pos.TempoRatio
	}

	window := t.settings.MatchWindow.Seconds()
	center := t.index.Search(expected)

	bestIdx, bestConf := -1, 0.0
	for off := -t.settings.CandidateSpan; off <= t.settings.CandidateSpan; off++ {
		i := center + off
		if i < 0 || i >= n {
			continue
		}
		dist := math.Abs(t.index.At(i).Time - expected)
		if dist > window {
			continue
		}
		conf := 1 - dist/window
		if i == t.expectedNext {
			conf = math.Min(1, conf*expectedNextBoost)
		}
		if conf > bestConf {
			bestIdx, bestConf = i, conf
		}
	}
	return bestIdx, bestConf
}

// updateTempo folds one (map interval / performance interval) measurement
// into the smoothed tempo ratio. Measurements are clamped before entering
// the rolling median, which keeps the blended ratio inside the same range.
func (t *Tracker) updateTempo(songTime, elapsed float64) {
	mapInterval := songTime - t.lastMatchSong
	perfInterval := elapsed - t.lastMatchPerf
	if mapInterval <= 0 || perfInterval <= 0 {
		return
	}

	ratio := mapInterval / perfInterval
	if ratio < minTempoRatio {
		ratio = minTempoRatio
	} else if ratio > maxTempoRatio {
		ratio = maxTempoRatio
	}

	t.ratios = append(t.ratios, ratio)
	if len(t.ratios) > ratioWindow {
		t.ratios = t.ratios[1:]
	}

	s := t.settings.TempoSmoothing
	t.pos.TempoRatio = s*median(t.ratios) + (1-s)*t.pos.TempoRatio
}

// extrapolate advances the position through a tick without an onset. Before
// the first match the position stays at the start with zero confidence.
// Afterwards the song time advances from the last match at the current
// tempo ratio and confidence decays with the configured half-life.
func (t *Tracker) extrapolate(elapsed float64) {
	t.pos.Matched = false
	if !t.anchored {
		t.pos.Confidence = 0
		return
	}

	since := elapsed - t.lastMatchPerf
	if since < 0 {
		since = 0
	}

	t.pos.SongTime = t.lastMatchSong + since*t.pos.TempoRatio
	halfLife := t.settings.ConfidenceHalfLife.Seconds()
	t.pos.Confidence = t.lastMatchConf * math.Exp(-math.Ln2*since/halfLife)

	if o, ok := t.index.Locate(t.pos.SongTime); ok {
		t.pos.Section = o.Section
		t.pos.Line = o.Line
		t.pos.Syllable = o.Syllable
		t.pos.SectionName = t.sectionName(o.Section)
		t.pos.Chord = o.Chord
	}
}

// Lookahead returns every syllable strictly after the current song time
// within the horizon, in time order. It never mutates tracking state, so
// repeated calls between updates return the same slice contents.
func (t *Tracker) Lookahead(horizon time.Duration) []Upcoming {
	t.mu.Lock()
	defer t.mu.Unlock()

	if horizon <= 0 {
		return nil
	}

	from := t.pos.SongTime
	onsets := t.index.Between(from, from+horizon.Seconds())
	out := make([]Upcoming, 0, len(onsets))
	for _, o := range onsets {
		syl, section, ok := t.index.Resolve(o)
		if !ok {
			continue
		}
		out = append(out, Upcoming{
			Time:     o.Time,
			Section:  section,
			Text:     syl.Text,
			Chord:    syl.Chord,
			Duration: syl.Duration,
		})
	}
	return out
}

// Stats returns a snapshot of tracking counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Updates:      t.updates,
		Onsets:       t.onsets,
		Matches:      t.matches,
		Rejects:      t.rejects,
		RecentOnsets: len(t.recentOnsets),
		MapOnsets:    t.index.Len(),
		SongTime:     t.pos.SongTime,
		Confidence:   t.pos.Confidence,
		TempoRatio:   t.pos.TempoRatio,
		Section:      t.pos.SectionName,
	}
}

func (t *Tracker) sectionName(i int) string {
	sections := t.index.Map().Sections
	if i < 0 || i >= len(sections) {
		return ""
	}
	return sections[i].Name
}

// median returns the middle value of vals, averaging the two middle values
// for even lengths. vals is copied before sorting.
func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
