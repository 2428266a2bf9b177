package main

import "testing"

func TestCalcStats(t *testing.T) {
	s := newTestStore(t, StoreOptions{Capacity: 1000})
	for _, v := range []float32{5, 5, 5_000_000, missingCurrent} {
		s.Append(v, 0)
	}

	st := calcStats(s, 0, 40)
	if st.Count != 3 || st.Missing != 1 || st.Delta != 40 {
		t.Fatalf("stats %+v", st)
	}
	wantAvg := (5 + 5 + 5_000_000) / 3.0
	if !closeTo(st.Average, wantAvg, 1e-12) || st.Max != 5_000_000 || st.Min != 5 {
		t.Fatalf("stats %+v", st)
	}
	if !closeTo(st.Charge, wantAvg*40/1e6, 1e-12) {
		t.Fatalf("charge %v", st.Charge)
	}

	empty := calcStats(s, 1000, 2000)
	if empty.Count != 0 || empty.Average != 0 || empty.Delta != 0 {
		t.Fatalf("empty window %+v", empty)
	}

	gap := calcStats(s, 30, 40)
	if gap.Count != 0 || gap.Missing != 1 || gap.Average != 0 || gap.Max != 0 {
		t.Fatalf("missing-only window %+v", gap)
	}
}

func TestCalcStatsStdDev(t *testing.T) {
	s := newTestStore(t, StoreOptions{Capacity: 1000})
	for _, v := range []float32{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Append(v, 0)
	}
	st := calcStats(s, 0, 80)
	if st.Average != 5 || st.StdDev != 2 {
		t.Fatalf("average %v stddev %v, want 5 2", st.Average, st.StdDev)
	}

	one := calcStats(s, 70, 80)
	if one.StdDev != 0 || one.Average != 9 {
		t.Fatalf("single sample %+v", one)
	}
}

func TestCalcStatsAcrossChunks(t *testing.T) {
	const n = 3*statsChunk + 17
	s := newTestStore(t, StoreOptions{Capacity: n + 1})
	for i := 0; i < n; i++ {
		v := float32(1)
		if i%2 == 1 {
			v = 3
		}
		s.Append(v, 0)
	}

	st := calcStats(s, 0, n*10)
	if st.Count != n || st.Min != 1 || st.Max != 3 {
		t.Fatalf("stats %+v", st)
	}
	want := float64(n/2*3+(n-n/2)*1) / n
	if !closeTo(st.Average, want, 1e-12) {
		t.Fatalf("average %v, want %v", st.Average, want)
	}
}
