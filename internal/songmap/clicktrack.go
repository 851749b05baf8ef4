package songmap

import (
	"math"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/scorefollow/scorefollow-go/internal/errors"
)

// Click track rendering constants. Clicks land on the GM percussion channel
// so any synth renders them without a program change.
const (
	clickPPQ          = 960 // ticks per quarter note
	clickChannel      = 9   // GM percussion
	clickKey          = 37  // side stick
	clickVelocity     = 100
	sectionVelocity   = 120 // accent on the first syllable of a section
	defaultClickBPM   = 120
	clickGateFraction = 4 // note length as a fraction of a quarter note
)

// ClickTrack renders the map's syllable onsets as a standard MIDI file with
// one percussion hit per onset, for rehearsing against the map's timing.
func ClickTrack(m *SongMap) (*smf.SMF, error) {
	ix := NewIndex(m)
	if ix.Len() == 0 {
		return nil, errors.Newf("song map has no onsets to render").
			Category(errors.CategoryValidation).
			Build()
	}

	bpm := m.BPM
	if bpm <= 0 {
		bpm = defaultClickBPM
	}

	clock := smf.MetricTicks(clickPPQ)
	s := smf.New()
	s.TimeFormat = clock

	name := m.Title
	if name == "" {
		name = "click"
	}

	var tr smf.Track
	tr.Add(0, smf.MetaTrackSequenceName(name))
	tr.Add(0, smf.MetaTempo(bpm))

	// seconds to absolute ticks at the fixed tempo
	toTicks := func(seconds float64) uint32 {
		return uint32(math.Round(seconds * bpm / 60.0 * clickPPQ))
	}
	gate := uint32(clickPPQ / clickGateFraction)

	var cursor uint32
	for i := 0; i < ix.Len(); i++ {
		o := ix.At(i)
		at := toTicks(o.Time)
		if at < cursor {
			at = cursor
		}

		velocity := uint8(clickVelocity)
		if o.Line == 0 && o.Syllable == 0 {
			velocity = sectionVelocity
		}

		noteGate := gate
		if i+1 < ix.Len() {
			if next := toTicks(ix.At(i + 1).Time); next > at && next-at < noteGate {
				noteGate = next - at
			}
		}

		tr.Add(at-cursor, midi.NoteOn(clickChannel, clickKey, velocity))
		tr.Add(noteGate, midi.NoteOff(clickChannel, clickKey))
		cursor = at + noteGate
	}
	tr.Close(0)

	if err := s.Add(tr); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryFileIO).
			Context("operation", "assemble-click-track").
			Build()
	}
	return s, nil
}

// WriteClickTrack renders the click track and writes it to path.
func WriteClickTrack(m *SongMap, path string) error {
	s, err := ClickTrack(m)
	if err != nil {
		return err
	}
	if err := s.WriteFile(path); err != nil {
		return errors.New(err).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	return nil
}
