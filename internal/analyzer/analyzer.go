// Package analyzer turns mono audio blocks into onset flags and a running
// tempo estimate. Onsets are detected from spectral flux between
// consecutive analysis frames over a sliding sample window; beats are
// accepted from onsets with an interval gate and feed a median-smoothed
// tempo estimate. Every operation is bounded-time and numerical failures
// degrade to "no onset / no update" instead of propagating.
//
// An Analyzer is owned by a single session loop and is not safe for
// concurrent use.
package analyzer

import (
	"log/slog"
	"math"
	"math/cmplx"
	"sort"
	"time"

	"github.com/mjibson/go-dsp/fft"

	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/liveaudio"
	"github.com/scorefollow/scorefollow-go/internal/logging"
)

// beatHistory is how many accepted beat times are kept for interval
// estimation.
const beatHistory = 8

// Analyzer detects onsets and tracks tempo for one session.
type Analyzer struct {
	settings conf.AnalyzerSettings
	logger   *slog.Logger

	window  *liveaudio.RingBuffer
	hamming []float64
	frame   []float64
	prevMag []float64
	haveRef bool

	prevStrength float64
	lastStrength float64

	beatTimes       []float64
	acceptedBeats   int
	tempoEstimate   float64
	lastTempoUpdate float64

	onsets       uint64
	failures     uint64
	lastAnalysis time.Duration
}

// Stats reports analyzer health for monitoring.
type Stats struct {
	LastAnalysisTime time.Duration
	LastStrength     float64
	TempoBPM         float64
	BeatsTracked     int
	Onsets           uint64
	Failures         uint64
	OnsetThreshold   float64
}

// New creates an analyzer for the given sample rate.
func New(settings conf.AnalyzerSettings, sampleRate int, logger *slog.Logger) (*Analyzer, error) {
	if logger == nil {
		logger = logging.ForService("analyzer")
	}

	window, err := liveaudio.NewRingBuffer(settings.RingSize)
	if err != nil {
		return nil, err
	}

	n := settings.FrameSize
	hamming := make([]float64, n)
	for i := range hamming {
		hamming[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}

	logger.Debug("analyzer ready",
		"sample_rate", sampleRate,
		"frame_size", n,
		"ring_size", settings.RingSize,
		"onset_threshold", settings.OnsetThreshold,
	)

	return &Analyzer{
		settings:      settings,
		logger:        logger,
		window:        window,
		hamming:       hamming,
		frame:         make([]float64, n),
		prevMag:       make([]float64, n/2),
		tempoEstimate: settings.Tempo.InitialBPM,
	}, nil
}

// Analyze appends a block to the analysis window and reports whether it
// contains an onset: the spectral-flux strength must exceed the absolute
// threshold and rise above the previous strength by the rise factor.
// Non-finite input or internal failures yield no onset.
func (a *Analyzer) Analyze(block []float32) (onset bool) {
	start := time.Now()
	defer func() {
		a.lastAnalysis = time.Since(start)
		if r := recover(); r != nil {
			a.failures++
			a.logger.Warn("analysis failure recovered", "panic", r)
			onset = false
		}
	}()

	for _, s := range block {
		f := float64(s)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			// keep the window clean, skip the whole block
			a.failures++
			return false
		}
	}

	a.window.Write(block)
	if a.window.Len() < a.settings.FrameSize {
		return false
	}

	samples := a.window.Read(a.settings.FrameSize)
	for i, s := range samples {
		a.frame[i] = float64(s) * a.hamming[i]
	}

	spectrum := fft.FFTReal(a.frame)
	half := len(spectrum) / 2

	if !a.haveRef {
		for i := 0; i < half; i++ {
			a.prevMag[i] = cmplx.Abs(spectrum[i])
		}
		a.haveRef = true
		return false
	}

	var flux float64
	for i := 0; i < half; i++ {
		mag := cmplx.Abs(spectrum[i])
		if d := mag - a.prevMag[i]; d > 0 {
			flux += d
		}
		a.prevMag[i] = mag
	}
	strength := flux / float64(half)

	if math.IsNaN(strength) || math.IsInf(strength, 0) {
		a.failures++
		return false
	}

	onset = strength > a.settings.OnsetThreshold &&
		strength > a.prevStrength*a.settings.RiseFactor
	a.prevStrength = strength
	a.lastStrength = strength
	if onset {
		a.onsets++
	}
	return onset
}

// TrackBeat accepts an onset as a beat when at least MinIntervalRatio of
// the current beat interval has elapsed since the last accepted beat.
// Every RecomputeBeats accepted beats the tempo estimate is refreshed
// from the median inter-beat interval, blended with the prior estimate.
func (a *Analyzer) TrackBeat(onsetDetected bool, t float64) bool {
	if !onsetDetected {
		return false
	}

	if len(a.beatTimes) == 0 {
		a.beatTimes = append(a.beatTimes, t)
		a.acceptedBeats++
		return true
	}

	beatInterval := 60.0 / a.tempoEstimate
	if t-a.beatTimes[len(a.beatTimes)-1] < beatInterval*a.settings.Tempo.MinIntervalRatio {
		return false
	}

	a.beatTimes = append(a.beatTimes, t)
	if len(a.beatTimes) > beatHistory {
		a.beatTimes = a.beatTimes[1:]
	}
	a.acceptedBeats++

	recompute := a.settings.Tempo.RecomputeBeats
	if recompute > 0 && a.acceptedBeats%recompute == 0 && len(a.beatTimes) >= 2 {
		if m := a.medianBeatInterval(); m > 0 {
			measured := 60.0 / m
			s := a.settings.Tempo.Smoothing
			a.tempoEstimate = (1-s)*a.tempoEstimate + s*measured
		}
	}
	return true
}

// EstimateTempo refreshes the tempo estimate from tracked beats at most
// once per update interval, clamping the adjustment to MaxDeltaBPM and
// blending with the prior estimate. It always returns the current
// estimate.
func (a *Analyzer) EstimateTempo(t float64) float64 {
	if t-a.lastTempoUpdate < a.settings.Tempo.UpdateInterval.Seconds() {
		return a.tempoEstimate
	}
	if len(a.beatTimes) < 2 {
		return a.tempoEstimate
	}
	m := a.medianBeatInterval()
	if m <= 0 {
		return a.tempoEstimate
	}

	measured := 60.0 / m
	diff := measured - a.tempoEstimate
	if diff > a.settings.Tempo.MaxDeltaBPM {
		diff = a.settings.Tempo.MaxDeltaBPM
	} else if diff < -a.settings.Tempo.MaxDeltaBPM {
		diff = -a.settings.Tempo.MaxDeltaBPM
	}

	a.tempoEstimate += diff * a.settings.Tempo.Smoothing
	a.lastTempoUpdate = t
	return a.tempoEstimate
}

// Tempo returns the current tempo estimate in BPM.
func (a *Analyzer) Tempo() float64 { return a.tempoEstimate }

func (a *Analyzer) medianBeatInterval() float64 {
	intervals := make([]float64, 0, len(a.beatTimes)-1)
	for i := 1; i < len(a.beatTimes); i++ {
		intervals = append(intervals, a.beatTimes[i]-a.beatTimes[i-1])
	}
	if len(intervals) == 0 {
		return 0
	}
	sort.Float64s(intervals)
	mid := len(intervals) / 2
	if len(intervals)%2 == 0 {
		return (intervals[mid-1] + intervals[mid]) / 2
	}
	return intervals[mid]
}

// Stats returns a snapshot of analyzer counters.
func (a *Analyzer) Stats() Stats {
	return Stats{
		LastAnalysisTime: a.lastAnalysis,
		LastStrength:     a.lastStrength,
		TempoBPM:         a.tempoEstimate,
		BeatsTracked:     len(a.beatTimes),
		Onsets:           a.onsets,
		Failures:         a.failures,
		OnsetThreshold:   a.settings.OnsetThreshold,
	}
}
