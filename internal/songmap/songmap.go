// Package songmap loads and indexes Song Map documents: the precomputed,
// immutable timeline of a song's sections, lines and syllables that live
// tracking aligns against. Maps are validated once at load and never
// mutated afterwards.
package songmap

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/scorefollow/scorefollow-go/internal/errors"
)

// Syllable is one sung syllable with its timing and optional chord.
type Syllable struct {
	Text      string  `json:"text"`
	StartTime float64 `json:"startTime"`
	Duration  float64 `json:"duration"`
	Chord     string  `json:"chord,omitempty"`
}

// Line is one lyric line.
type Line struct {
	Syllables []Syllable `json:"syllables"`
}

// Section is a named part of the song (verse, chorus, bridge).
type Section struct {
	Name  string `json:"name"`
	Lines []Line `json:"lines"`
}

// SongMap is the full precomputed timeline for one song.
type SongMap struct {
	Title    string    `json:"title,omitempty"`
	BPM      float64   `json:"bpm,omitempty"`
	Sections []Section `json:"sections"`
}

// Load reads and validates a song map document from disk.
func Load(path string) (*SongMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err).
			Context("path", path).
			Build()
	}
	return m, nil
}

// Parse decodes and validates a song map document.
func Parse(data []byte) (*SongMap, error) {
	m := &SongMap{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryFileParsing).
			Context("operation", "decode-song-map").
			Build()
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the document for malformed values. A map with zero
// syllables is valid; a map without a sections key is not.
func (m *SongMap) Validate() error {
	var problems []string

	if m.Sections == nil {
		problems = append(problems, "sections key is missing")
	}

	if m.BPM < 0 || math.IsNaN(m.BPM) || math.IsInf(m.BPM, 0) {
		problems = append(problems, "bpm must be a non-negative finite number")
	}

	for si := range m.Sections {
		for li := range m.Sections[si].Lines {
			for yi := range m.Sections[si].Lines[li].Syllables {
				syl := &m.Sections[si].Lines[li].Syllables[yi]
				where := fmt.Sprintf("section %d line %d syllable %d", si, li, yi)

				if math.IsNaN(syl.StartTime) || math.IsInf(syl.StartTime, 0) || syl.StartTime < 0 {
					problems = append(problems, where+": start time must be a non-negative finite number")
				}
				if math.IsNaN(syl.Duration) || math.IsInf(syl.Duration, 0) || syl.Duration < 0 {
					problems = append(problems, where+": duration must be a non-negative finite number")
				}
			}
		}
	}

	if len(problems) > 0 {
		return errors.Newf("invalid song map: %d problem(s), first: %s", len(problems), problems[0]).
			Category(errors.CategoryValidation).
			Context("problems", problems).
			Build()
	}
	return nil
}

// SyllableCount returns the total number of syllables across all sections.
func (m *SongMap) SyllableCount() int {
	n := 0
	for si := range m.Sections {
		for li := range m.Sections[si].Lines {
			n += len(m.Sections[si].Lines[li].Syllables)
		}
	}
	return n
}

// Duration returns the end time of the last syllable in seconds.
func (m *SongMap) Duration() float64 {
	end := 0.0
	for si := range m.Sections {
		for li := range m.Sections[si].Lines {
			for yi := range m.Sections[si].Lines[li].Syllables {
				syl := &m.Sections[si].Lines[li].Syllables[yi]
				if t := syl.StartTime + syl.Duration; t > end {
					end = t
				}
			}
		}
	}
	return end
}
