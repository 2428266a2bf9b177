package main

const defaultQuarantineThreshold = 4

// Reading is a calibrated measurement that has not been placed on the
// timeline yet
type Reading struct {
	Current float32
	Bits    uint16
}

var missingReading = Reading{Current: missingCurrent}

// TrackResult summarises what a single Track call did
type TrackResult struct {
	Missing  int // Placeholders emitted for lost frames
	Replayed int // Quarantined readings released as a transient glitch
}

// SequenceTracker checks the rolling frame counter and keeps the timeline
// continuous. Out-of-sequence readings are held in a quarantine until the
// counter either realigns (the readings are released unchanged) or the
// quarantine exceeds the threshold, at which point the gap is filled with
// missing placeholders and the tracker resynchronises.
type SequenceTracker struct {
	threshold  int
	expected   int // -1 until the first frame
	quarantine []Reading
}

// NewSequenceTracker creates a tracker that tolerates up to threshold
// out-of-sequence frames before declaring data loss
func NewSequenceTracker(threshold int) *SequenceTracker {
	if threshold <= 0 {
		threshold = defaultQuarantineThreshold
	}
	return &SequenceTracker{
		threshold:  threshold,
		expected:   -1,
		quarantine: make([]Reading, 0, threshold+1),
	}
}

// Track places one reading with its frame counter. Readings leave through
// emit in timeline order, possibly delayed while quarantined.
func (t *SequenceTracker) Track(counter uint8, r Reading, emit func(Reading)) TrackResult {
	var res TrackResult
	c := int(counter) % counterModulus

	switch {
	case t.expected < 0:
		t.expected = c
		emit(r)

	case len(t.quarantine) > 0 && c == t.expected:
		res.Replayed = len(t.quarantine)
		t.release(emit)
		emit(r)

	case len(t.quarantine) > t.threshold:
		// The expected counter advanced once per quarantined frame, so the
		// distance to the observed counter is the number of frames that
		// never arrived.
		res.Missing = (c - t.expected + counterModulus) % counterModulus
		for i := 0; i < res.Missing; i++ {
			emit(missingReading)
		}
		t.release(emit)
		emit(r)
		t.expected = c

	case c != t.expected:
		t.quarantine = append(t.quarantine, r)

	default:
		emit(r)
	}

	t.expected = (t.expected + 1) % counterModulus
	return res
}

// Flush releases quarantined readings, used when the stream ends
func (t *SequenceTracker) Flush(emit func(Reading)) int {
	n := len(t.quarantine)
	t.release(emit)
	return n
}

// Quarantined returns the number of readings waiting for a verdict
func (t *SequenceTracker) Quarantined() int {
	return len(t.quarantine)
}

// Reset forgets the counter position and drops the quarantine
func (t *SequenceTracker) Reset() {
	t.expected = -1
	t.quarantine = t.quarantine[:0]
}

func (t *SequenceTracker) release(emit func(Reading)) {
	for _, q := range t.quarantine {
		emit(q)
	}
	t.quarantine = t.quarantine[:0]
}
