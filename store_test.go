package main

import (
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestStore(t *testing.T, opts StoreOptions) *Store {
	t.Helper()
	if opts.PeriodMicros == 0 {
		opts.PeriodMicros = 10
	}
	if opts.Name == "" {
		opts.Name = "test"
	}
	s, err := NewStore(opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sameCurrent(a, b float32) bool {
	return a == b || (isMissing(a) && isMissing(b))
}

func TestStoreEndToEnd(t *testing.T) {
	s := newTestStore(t, StoreOptions{PeriodMicros: 10, Capacity: 1 << 20})
	for i := 0; i < 1_000_000; i++ {
		s.Append(5.0, 0)
	}

	tl := s.Timeline()
	if tl.TotalSamples != 1_000_000 || tl.LiveTimestamp() != 10_000_000 {
		t.Fatalf("timeline %+v", tl)
	}

	data := s.GetData(0, 5_000_000)
	if len(data) != 500_000 {
		t.Fatalf("got %d samples, want 500000", len(data))
	}
	for i, d := range data {
		if d.Current != 5.0 || d.Timestamp != int64(i)*10 {
			t.Fatalf("sample %d = %+v", i, d)
		}
	}

	stats := calcStats(s, 0, 5_000_000)
	if stats.Average != 5.0 || stats.Max != 5.0 || stats.Min != 5.0 || stats.Delta != 5_000_000 {
		t.Fatalf("stats %+v", stats)
	}
}

func TestStoreGetDataClamps(t *testing.T) {
	s := newTestStore(t, StoreOptions{Capacity: 1000})
	for i := 0; i < 100; i++ {
		s.Append(float32(i), uint16(i))
	}

	if got := s.GetData(-1000, 50); len(got) != 5 || got[0].Timestamp != 0 {
		t.Fatalf("negative begin: %d samples", len(got))
	}
	got := s.GetData(900, 1_000_000)
	if len(got) != 10 || got[9].Current != 99 || got[9].Bits != 99 {
		t.Fatalf("overshooting end: %+v", got)
	}
	if got := s.GetData(5000, 6000); len(got) != 0 {
		t.Fatalf("window past the live edge returned %d samples", len(got))
	}
	if got := s.GetData(500, 100); len(got) != 0 {
		t.Fatalf("reversed window returned %d samples", len(got))
	}
}

func TestStoreGetDataIdempotent(t *testing.T) {
	s := newTestStore(t, StoreOptions{Capacity: 1000})
	for i := 0; i < 500; i++ {
		s.Append(float32(i)*0.5, 0)
	}
	a := s.GetData(100, 4000)
	b := s.GetData(100, 4000)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("repeated GetData differs")
	}
}

func TestStoreSpillStitching(t *testing.T) {
	s := newTestStore(t, StoreOptions{
		Capacity:   64,
		SpillBatch: 16,
		SpillDir:   t.TempDir(),
	})
	if s.Capacity() != 64 {
		t.Fatalf("capacity = %d", s.Capacity())
	}

	const n = 1000
	for i := 0; i < n; i++ {
		s.Append(float32(i), uint16(i%7))
		// Keep the log ahead of the writer regardless of worker scheduling
		if (i+1)%32 == 0 {
			if err := s.Flush(); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if s.Spilled() != n {
		t.Fatalf("spilled %d, want %d", s.Spilled(), n)
	}

	data := s.GetData(0, n*10)
	if len(data) != n {
		t.Fatalf("got %d samples", len(data))
	}
	for i, d := range data {
		if d.Current != float32(i) || d.Bits != uint16(i%7) {
			t.Fatalf("sample %d = %+v", i, d)
		}
	}

	// A window straddling the ring boundary
	tail := s.GetData((n-100)*10, n*10)
	for i, d := range tail {
		if d.Current != float32(n-100+i) {
			t.Fatalf("tail sample %d = %v", i, d.Current)
		}
	}
}

func TestStoreWithoutSpillDiscardsOldest(t *testing.T) {
	s := newTestStore(t, StoreOptions{Capacity: 64, SpillBatch: 16})
	for i := 0; i < 100; i++ {
		s.Append(float32(i), 0)
	}

	data := s.GetData(0, 1000)
	if len(data) != 100 {
		t.Fatalf("got %d samples", len(data))
	}
	// The last 64 samples survive, including the oldest one still in the ring
	firstKept := 100 - 64
	for i, d := range data {
		if i < firstKept && !d.Missing() {
			t.Fatalf("evicted sample %d returned %v", i, d.Current)
		}
		if i >= firstKept && d.Current != float32(i) {
			t.Fatalf("sample %d = %v", i, d.Current)
		}
	}
}

func TestStoreFullRingKeepsOldest(t *testing.T) {
	s := newTestStore(t, StoreOptions{Capacity: 40, SpillBatch: 10})
	for i := 0; i < 40; i++ {
		s.Append(float32(i+1), 0)
	}
	data := s.GetData(0, 400)
	for i, d := range data {
		if d.Current != float32(i+1) {
			t.Fatalf("sample %d = %v", i, d.Current)
		}
	}

	s.Append(41, 0)
	if got := s.GetData(0, 20); !got[0].Missing() || got[1].Current != 2 {
		t.Fatalf("after one eviction: %+v", got)
	}
}

// spillMetrics holds just the collectors the store records into
func spillMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		spilledSamples:    prometheus.NewCounter(prometheus.CounterOpts{Name: "spilled"}),
		spillBatches:      prometheus.NewCounter(prometheus.CounterOpts{Name: "batches"}),
		spillErrors:       prometheus.NewCounter(prometheus.CounterOpts{Name: "errors"}),
		spillLatency:      prometheus.NewHistogram(prometheus.HistogramOpts{Name: "latency"}),
		overwrittenLosses: prometheus.NewCounter(prometheus.CounterOpts{Name: "overwritten"}),
	}
}

func TestStoreSpillFailureKeepsRing(t *testing.T) {
	metrics := spillMetrics()
	s, err := NewStore(StoreOptions{PeriodMicros: 10, Capacity: 40, SpillBatch: 10, SpillDir: t.TempDir(), Name: "test"}, metrics)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	for i := 0; i < 20; i++ {
		s.Append(float32(i), 0)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	// Writes to a closed file fail like a full or vanished disk
	s.log.file.Close()
	for i := 20; i < 35; i++ {
		s.Append(float32(i), 0)
	}
	if err := s.Flush(); err == nil {
		t.Fatal("flush to a closed spill file succeeded")
	}
	if s.Spilled() != 20 {
		t.Fatalf("spilled %d after a failed write", s.Spilled())
	}
	if testutil.ToFloat64(metrics.spillErrors) == 0 {
		t.Fatal("spill error not counted")
	}

	data := s.GetData(0, 350)
	if len(data) != 35 {
		t.Fatalf("got %d samples", len(data))
	}
	for i, d := range data {
		if d.Current != float32(i) {
			t.Fatalf("sample %d = %v", i, d.Current)
		}
	}
}

func TestStoreOverwriteBeforeSpill(t *testing.T) {
	metrics := spillMetrics()
	s, err := NewStore(StoreOptions{PeriodMicros: 10, Capacity: 40, SpillBatch: 10, SpillDir: t.TempDir(), Name: "test"}, metrics)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	// Hold the spill lock so no batch reaches disk while the ring laps
	s.spillMu.Lock()
	for i := 0; i < 100; i++ {
		s.Append(float32(i), 0)
	}
	check := func(stage string) {
		t.Helper()
		data := s.GetData(0, 1000)
		for i, d := range data {
			if i < 60 && !d.Missing() {
				t.Fatalf("%s: lapped sample %d = %v", stage, i, d.Current)
			}
			if i >= 60 && d.Current != float32(i) {
				t.Fatalf("%s: sample %d = %v", stage, i, d.Current)
			}
		}
	}
	check("before spill")
	s.spillMu.Unlock()

	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if s.Spilled() != 100 {
		t.Fatalf("spilled %d", s.Spilled())
	}
	if lost := testutil.ToFloat64(metrics.overwrittenLosses); lost != 60 {
		t.Fatalf("%v overwritten samples recorded, want 60", lost)
	}
	check("after spill")
}

func TestStoreReset(t *testing.T) {
	s := newTestStore(t, StoreOptions{Capacity: 64, SpillBatch: 16, SpillDir: t.TempDir()})
	for i := 0; i < 200; i++ {
		s.Append(1, 0)
	}
	s.Flush()
	gen := s.Generation()

	if err := s.Reset(20, 128); err != nil {
		t.Fatal(err)
	}
	tl := s.Timeline()
	if tl.TotalSamples != 0 || tl.PeriodMicros != 20 || s.Spilled() != 0 || s.Capacity() != 128 {
		t.Fatalf("after reset: %s", s)
	}
	if s.Generation() == gen {
		t.Fatal("generation unchanged")
	}

	s.Append(2, 0)
	if got := s.GetData(0, 100); len(got) != 1 || got[0].Current != 2 {
		t.Fatalf("after reset: %+v", got)
	}

	if err := s.Reset(0, 128); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("zero period: %v", err)
	}
}

func TestStoreConcurrentReaders(t *testing.T) {
	s := newTestStore(t, StoreOptions{Capacity: 256, SpillBatch: 64, SpillDir: t.TempDir()})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				tl := s.Timeline()
				for _, d := range s.GetData(0, tl.LiveTimestamp()) {
					// Values are either correct or missing, never torn
					if !d.Missing() && d.Current != float32(d.Timestamp/10) {
						t.Errorf("sample at %d = %v", d.Timestamp, d.Current)
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 20000; i++ {
		s.Append(float32(i), 0)
	}
	close(stop)
	wg.Wait()
}

func TestNewStoreRejectsBadPeriod(t *testing.T) {
	if _, err := NewStore(StoreOptions{PeriodMicros: 0}, nil); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("got %v", err)
	}
}

func TestPackSlot(t *testing.T) {
	for _, v := range []float32{0, -1.5, 1e9, float32(math.Inf(1)), missingCurrent} {
		got, bits := unpackSlot(packSlot(v, 0xbeef))
		if !sameCurrent(got, v) || bits != 0xbeef {
			t.Fatalf("%v round trip gave %v %x", v, got, bits)
		}
	}
}
