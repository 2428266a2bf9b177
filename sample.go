package main

import (
	"math"
	"strconv"
)

// missingCurrent marks a sample slot whose value was lost or could not be decoded.
var missingCurrent = float32(math.NaN())

func isMissing(v float32) bool {
	return v != v
}

// jsonCurrent is a current value that encodes a missing sample as null
type jsonCurrent float32

func (v jsonCurrent) MarshalJSON() ([]byte, error) {
	if isMissing(float32(v)) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, float64(v), 'g', -1, 32), nil
}

// Sample is one point of the session timeline
type Sample struct {
	Timestamp int64   // Microseconds since the start of the session
	Current   float32 // Calibrated current in microamps (NaN when missing)
	Bits      uint16  // Digital channel states, two bits per channel (0 = absent)
}

// Missing reports whether the sample is a placeholder for lost data
func (s Sample) Missing() bool {
	return isMissing(s.Current)
}

// DigitalState describes one logic channel over a sample or an aggregated bucket
type DigitalState uint8

const (
	DigitalUnknown DigitalState = iota // No logic data
	DigitalLow                         // Channel was low for every sample
	DigitalHigh                        // Channel was high for every sample
	DigitalToggled                     // Channel changed inside the bucket
)

const digitalChannelCount = 8

// expandLogic turns an 8-bit logic port reading into the two-bit-per-channel
// state word that is stored. A low channel becomes 01, a high channel 10, so
// OR-ing words of several samples yields 11 for a channel that toggled.
func expandLogic(mask uint8) uint16 {
	var word uint16
	for ch := 0; ch < digitalChannelCount; ch++ {
		v := uint16(mask>>ch) & 1
		word |= (v + 1) << (2 * ch)
	}
	return word
}

// channelState extracts the state of channel ch from a state word
func channelState(word uint16, ch int) DigitalState {
	if ch < 0 || ch >= digitalChannelCount {
		return DigitalUnknown
	}
	return DigitalState((word >> (2 * ch)) & 3)
}

// logicMask folds a state word back to an 8-bit mask. ok is false when any
// channel is absent or toggled.
func logicMask(word uint16) (mask uint8, ok bool) {
	for ch := 0; ch < digitalChannelCount; ch++ {
		switch channelState(word, ch) {
		case DigitalHigh:
			mask |= 1 << ch
		case DigitalLow:
		default:
			return 0, false
		}
	}
	return mask, true
}

// Timeline is the global metadata of a session's sample sequence
type Timeline struct {
	PeriodMicros int64 `json:"sampling_period_us"`
	TotalSamples int64 `json:"total_samples"`
}

// LiveTimestamp is the exclusive upper bound of every valid query range
func (t Timeline) LiveTimestamp() int64 {
	return t.TotalSamples * t.PeriodMicros
}

// SampleRate returns samples per second
func (t Timeline) SampleRate() float64 {
	if t.PeriodMicros <= 0 {
		return 0
	}
	return 1e6 / float64(t.PeriodMicros)
}

func indexToTimestamp(index, periodMicros int64) int64 {
	return index * periodMicros
}

// timestampToIndex rounds to the nearest sample index
func timestampToIndex(ts, periodMicros int64) int64 {
	if periodMicros <= 0 {
		return 0
	}
	if ts < 0 {
		return -((-ts + periodMicros/2) / periodMicros)
	}
	return (ts + periodMicros/2) / periodMicros
}

// clampWindow converts a microsecond window to a half-open index range
// inside [0, total). Windows overshooting either edge are clamped.
func (t Timeline) clampWindow(beginMicros, endMicros int64) (begin, end int64) {
	begin = timestampToIndex(beginMicros, t.PeriodMicros)
	end = timestampToIndex(endMicros, t.PeriodMicros)
	if begin < 0 {
		begin = 0
	}
	if begin > t.TotalSamples {
		begin = t.TotalSamples
	}
	if end > t.TotalSamples {
		end = t.TotalSamples
	}
	if end < begin {
		end = begin
	}
	return begin, end
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
