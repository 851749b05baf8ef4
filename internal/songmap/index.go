package songmap

import (
	"sort"
)

// Onset is one syllable start resolved into flat indices, the unit the
// position tracker matches detected onsets against.
type Onset struct {
	Time     float64 // seconds from the start of the song
	Section  int
	Line     int
	Syllable int
	Chord    string
}

// Index is the derived, time-sorted onset view over a song map. The Times
// slice is non-decreasing, which is what makes binary search over it valid.
type Index struct {
	m      *SongMap
	onsets []Onset
	times  []float64
}

// NewIndex derives the onset index from a validated song map. Syllables are
// stable-sorted by start time, so documents whose sections overlap in time
// still yield a sorted index.
func NewIndex(m *SongMap) *Index {
	var onsets []Onset
	for si := range m.Sections {
		for li := range m.Sections[si].Lines {
			for yi := range m.Sections[si].Lines[li].Syllables {
				syl := &m.Sections[si].Lines[li].Syllables[yi]
				onsets = append(onsets, Onset{
					Time:     syl.StartTime,
					Section:  si,
					Line:     li,
					Syllable: yi,
					Chord:    syl.Chord,
				})
			}
		}
	}

	sort.SliceStable(onsets, func(i, j int) bool {
		return onsets[i].Time < onsets[j].Time
	})

	times := make([]float64, len(onsets))
	for i := range onsets {
		times[i] = onsets[i].Time
	}

	return &Index{m: m, onsets: onsets, times: times}
}

// Map returns the song map this index was derived from.
func (ix *Index) Map() *SongMap {
	return ix.m
}

// Len returns the number of onsets.
func (ix *Index) Len() int {
	return len(ix.onsets)
}

// At returns the onset at position i.
func (ix *Index) At(i int) Onset {
	return ix.onsets[i]
}

// Times returns the sorted onset times. Callers must not modify the slice.
func (ix *Index) Times() []float64 {
	return ix.times
}

// Search returns the smallest index whose onset time is >= t.
func (ix *Index) Search(t float64) int {
	return sort.SearchFloat64s(ix.times, t)
}

// Locate returns the onset at or immediately before song time t. ok is false
// when t falls before the first onset.
func (ix *Index) Locate(t float64) (o Onset, ok bool) {
	i := sort.SearchFloat64s(ix.times, t)
	if i < len(ix.times) && ix.times[i] == t {
		return ix.onsets[i], true
	}
	if i == 0 {
		return Onset{}, false
	}
	return ix.onsets[i-1], true
}

// Between returns, in time order, every onset with after < time <= until.
func (ix *Index) Between(after, until float64) []Onset {
	if until <= after || len(ix.onsets) == 0 {
		return nil
	}

	// first onset strictly after `after`
	start := sort.SearchFloat64s(ix.times, after)
	for start < len(ix.times) && ix.times[start] <= after {
		start++
	}

	var out []Onset
	for i := start; i < len(ix.onsets) && ix.times[i] <= until; i++ {
		out = append(out, ix.onsets[i])
	}
	return out
}

// Resolve returns the syllable record and section name behind an onset.
// ok is false when the onset's indices do not exist in the map.
func (ix *Index) Resolve(o Onset) (syl Syllable, sectionName string, ok bool) {
	if o.Section < 0 || o.Section >= len(ix.m.Sections) {
		return Syllable{}, "", false
	}
	section := &ix.m.Sections[o.Section]
	if o.Line < 0 || o.Line >= len(section.Lines) {
		return Syllable{}, "", false
	}
	line := &section.Lines[o.Line]
	if o.Syllable < 0 || o.Syllable >= len(line.Syllables) {
		return Syllable{}, "", false
	}
	return line.Syllables[o.Syllable], section.Name, true
}
