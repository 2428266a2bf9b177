package main

import "testing"

func TestMinimapFoldsPairwise(t *testing.T) {
	s := newTestStore(t, StoreOptions{Capacity: 1000})
	for i := 0; i < 10; i++ {
		s.Append(float32(i), 0)
	}

	m := NewMinimap(4)
	m.Update(s)
	if m.Step() != 4 {
		t.Fatalf("step = %d, want 4", m.Step())
	}

	want := []MinimapPoint{
		{Timestamp: 0, Min: 0, Max: 3},
		{Timestamp: 40, Min: 4, Max: 7},
		{Timestamp: 80, Min: 8, Max: 9},
	}
	got := m.Points(10)
	if len(got) != len(want) {
		t.Fatalf("got %d points: %+v", len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("point %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestMinimapIncrementalEqualsBulk(t *testing.T) {
	s := newTestStore(t, StoreOptions{Capacity: 100_000})
	inc := NewMinimap(50)
	for i := 0; i < 5000; i++ {
		v := float32(i % 97)
		if i%311 == 0 {
			v = missingCurrent
		}
		s.Append(v, 0)
		if i%123 == 0 {
			inc.Update(s)
		}
	}
	inc.Update(s)

	bulk := NewMinimap(50)
	bulk.Update(s)

	a, b := inc.Points(10), bulk.Points(10)
	if len(a) != len(b) || len(a) > 51 {
		t.Fatalf("%d and %d points", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("point %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestMinimapGapAndReset(t *testing.T) {
	s := newTestStore(t, StoreOptions{Capacity: 1000})
	s.Append(missingCurrent, 0)
	s.Append(2, 0)

	m := NewMinimap(10)
	m.Update(s)
	pts := m.Points(10)
	if !isMissing(float32(pts[0].Min)) || pts[1].Max != 2 {
		t.Fatalf("points %+v", pts)
	}

	if err := s.Reset(10, s.Capacity()); err != nil {
		t.Fatal(err)
	}
	s.Append(7, 0)
	m.Update(s)
	pts = m.Points(10)
	if len(pts) != 1 || pts[0].Min != 7 || m.Step() != 1 {
		t.Fatalf("after reset %+v", pts)
	}
}
