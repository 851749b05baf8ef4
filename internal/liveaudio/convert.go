package liveaudio

import (
	"encoding/binary"
	"math"

	"github.com/scorefollow/scorefollow-go/internal/errors"
)

// LevelData describes the loudness of one block for display and
// diagnostics.
type LevelData struct {
	// Level is a scaled 0-100 loudness value.
	Level int
	// Clipping is set when any sample hit full scale.
	Clipping bool
}

// monoFromS16 converts little-endian signed 16-bit PCM to mono float32 in
// [-1, 1), averaging interleaved channels down to one.
func monoFromS16(raw []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frameBytes := 2 * channels
	frames := len(raw) / frameBytes

	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		base := f * frameBytes
		for ch := 0; ch < channels; ch++ {
			s := int16(binary.LittleEndian.Uint16(raw[base+2*ch : base+2*ch+2]))
			sum += float32(s) / 32768.0
		}
		out[f] = sum / float32(channels)
	}
	return out
}

// monoFromInts converts decoded PCM integers to mono float32, dividing by
// the full-scale value for the source bit depth.
func monoFromInts(data []int, channels int, divisor float32) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(data) / channels

	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		base := f * channels
		for ch := 0; ch < channels; ch++ {
			sum += float32(data[base+ch]) / divisor
		}
		out[f] = sum / float32(channels)
	}
	return out
}

// pcmDivisor returns the full-scale divisor for a PCM bit depth.
func pcmDivisor(bitDepth int) (float32, error) {
	switch bitDepth {
	case 16:
		return 32768.0, nil
	case 24:
		return 8388608.0, nil
	case 32:
		return 2147483648.0, nil
	default:
		return 0, errors.Newf("unsupported bit depth: %d", bitDepth).
			Component("liveaudio").
			Category(errors.CategoryAudioFormat).
			Build()
	}
}

// BlockLevel computes a 0-100 loudness value from mono float32 samples,
// derived from RMS in decibels with -60 dB mapping to 0.
func BlockLevel(samples []float32) LevelData {
	if len(samples) == 0 {
		return LevelData{}
	}

	var sum float64
	clipping := false
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		if v >= 0.999969 || v <= -1.0 {
			clipping = true
		}
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	db := 20 * math.Log10(rms)
	scaled := (db + 60) * (100.0 / 50.0)

	if clipping {
		scaled = math.Max(scaled, 95)
	}
	if scaled < 0 || math.IsNaN(scaled) {
		scaled = 0
	} else if scaled > 100 {
		scaled = 100
	}

	return LevelData{Level: int(scaled), Clipping: clipping}
}
