package main

// SampleAverager reduces the native device rate to the session rate by
// averaging consecutive readings. Missing readings are left out of the mean;
// a group with no valid reading produces a missing reading. Logic states of
// the group are OR-ed together so toggles inside a group are not lost.
type SampleAverager struct {
	factor int

	n     int
	valid int
	sum   float64
	bits  uint16
}

// NewSampleAverager averages factor readings into one. A factor of 1 passes
// readings through unchanged.
func NewSampleAverager(factor int) *SampleAverager {
	if factor < 1 {
		factor = 1
	}
	return &SampleAverager{factor: factor}
}

// Factor returns how many device readings make one stored sample
func (a *SampleAverager) Factor() int {
	return a.factor
}

// Add accumulates r, emitting an averaged reading when a group completes
func (a *SampleAverager) Add(r Reading, emit func(Reading)) {
	if a.factor == 1 {
		emit(r)
		return
	}

	a.n++
	a.bits |= r.Bits
	if !isMissing(r.Current) {
		a.valid++
		a.sum += float64(r.Current)
	}
	if a.n == a.factor {
		emit(a.take())
	}
}

// Flush emits a partially filled group, if any
func (a *SampleAverager) Flush(emit func(Reading)) {
	if a.n > 0 {
		emit(a.take())
	}
}

// Reset drops a partially filled group
func (a *SampleAverager) Reset() {
	a.n, a.valid, a.sum, a.bits = 0, 0, 0, 0
}

func (a *SampleAverager) take() Reading {
	out := Reading{Current: missingCurrent, Bits: a.bits}
	if a.valid > 0 {
		out.Current = float32(a.sum / float64(a.valid))
	}
	a.Reset()
	return out
}
