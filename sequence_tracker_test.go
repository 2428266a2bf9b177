package main

import "testing"

// trackCounters feeds readings whose current equals their counter and
// returns the emitted timeline
func trackCounters(t *testing.T, tr *SequenceTracker, counters []int) ([]Reading, TrackResult) {
	t.Helper()
	var out []Reading
	emit := func(r Reading) { out = append(out, r) }

	var total TrackResult
	for _, c := range counters {
		res := tr.Track(uint8(c%counterModulus), Reading{Current: float32(c)}, emit)
		total.Missing += res.Missing
		total.Replayed += res.Replayed
	}
	return out, total
}

func seq(from, to int) []int {
	var s []int
	for i := from; i <= to; i++ {
		s = append(s, i)
	}
	return s
}

func TestSequenceTrackerInOrder(t *testing.T) {
	tr := NewSequenceTracker(4)
	out, res := trackCounters(t, tr, seq(0, 200))
	if len(out) != 201 || res.Missing != 0 || res.Replayed != 0 {
		t.Fatalf("got %d readings, %+v", len(out), res)
	}
	if tr.Quarantined() != 0 {
		t.Fatalf("quarantine holds %d readings", tr.Quarantined())
	}
}

func TestSequenceTrackerLargeGap(t *testing.T) {
	const period = 10
	for _, k := range []int{5, 10, 30, 63} {
		tr := NewSequenceTracker(4)
		counters := append(seq(0, 9), seq(10+k, 10+k+20)...)
		out, res := trackCounters(t, tr, counters)

		if res.Missing != k {
			t.Fatalf("k=%d: %d placeholders, want %d", k, res.Missing, k)
		}
		missing := 0
		for _, r := range out {
			if isMissing(r.Current) {
				missing++
			}
		}
		if missing != k {
			t.Fatalf("k=%d: %d missing readings on the timeline", k, missing)
		}

		// Readings 0..9, then k placeholders, then the first reading after
		// the gap lands (k+1) periods after the last one before it
		last := 9
		firstAfter := last + k + 1
		if out[firstAfter].Current != float32(10+k) {
			t.Fatalf("k=%d: index %d holds %v, want %d", k, firstAfter, out[firstAfter].Current, 10+k)
		}
		gotDelta := int64(firstAfter-last) * period
		if gotDelta != int64(k+1)*period {
			t.Fatalf("k=%d: timestamp delta %d", k, gotDelta)
		}
		if len(out) != len(counters)+k {
			t.Fatalf("k=%d: %d readings emitted, want %d", k, len(out), len(counters)+k)
		}
	}
}

func TestSequenceTrackerGlitchReplay(t *testing.T) {
	tr := NewSequenceTracker(4)
	var out []Reading
	emit := func(r Reading) { out = append(out, r) }

	for c := 0; c < 3; c++ {
		tr.Track(uint8(c), Reading{Current: float32(c)}, emit)
	}
	// Frame 3 arrives with a corrupted counter
	tr.Track(50, Reading{Current: 3}, emit)
	if tr.Quarantined() != 1 {
		t.Fatalf("quarantine = %d, want 1", tr.Quarantined())
	}
	res := tr.Track(4, Reading{Current: 4}, emit)
	if res.Replayed != 1 || res.Missing != 0 {
		t.Fatalf("result %+v, want one replayed reading", res)
	}

	for i, r := range out {
		if r.Current != float32(i) {
			t.Fatalf("reading %d = %v", i, r.Current)
		}
	}
}

func TestSequenceTrackerSmallGap(t *testing.T) {
	tr := NewSequenceTracker(4)
	counters := append(seq(0, 2), seq(4, 20)...)
	out, res := trackCounters(t, tr, counters)
	if res.Missing != 1 {
		t.Fatalf("%d placeholders, want 1", res.Missing)
	}
	if !isMissing(out[3].Current) || out[4].Current != 4 {
		t.Fatalf("gap not at index 3: %v %v", out[3].Current, out[4].Current)
	}
}

func TestSequenceTrackerWraparound(t *testing.T) {
	tr := NewSequenceTracker(4)
	// 60..63 then 0..4 are lost, resuming at 5
	counters := append(seq(56, 63), seq(69, 80)...)
	_, res := trackCounters(t, tr, counters)
	if res.Missing != 5 {
		t.Fatalf("%d placeholders, want 5", res.Missing)
	}

	tr = NewSequenceTracker(4)
	_, res = trackCounters(t, tr, seq(0, 300))
	if res.Missing != 0 {
		t.Fatalf("counter wrap treated as loss: %+v", res)
	}
}

func TestSequenceTrackerThreshold(t *testing.T) {
	tr := NewSequenceTracker(8)
	counters := append(seq(0, 9), seq(20, 40)...)
	_, res := trackCounters(t, tr, counters)
	if res.Missing != 10 {
		t.Fatalf("%d placeholders, want 10", res.Missing)
	}
}

func TestSequenceTrackerFlush(t *testing.T) {
	tr := NewSequenceTracker(4)
	counters := append(seq(0, 4), 30, 31)
	out, _ := trackCounters(t, tr, counters)
	if len(out) != 5 {
		t.Fatalf("%d readings emitted before flush", len(out))
	}

	n := tr.Flush(func(r Reading) { out = append(out, r) })
	if n != 2 || len(out) != 7 {
		t.Fatalf("flush released %d, timeline %d", n, len(out))
	}

	tr.Reset()
	if tr.Quarantined() != 0 {
		t.Fatal("Reset kept quarantined readings")
	}
}
