package main

import (
	"errors"
	"sync"
	"testing"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Sampling.BufferSeconds = 1
	cfg.Storage.SpillBatch = 1024
	return cfg
}

func newTestSession(t *testing.T, cfg *Config) *Session {
	t.Helper()
	if cfg.Storage.SpillDir == DefaultConfig().Storage.SpillDir {
		cfg.Storage.SpillDir = t.TempDir()
	}
	s, err := NewSession(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// frameBytes encodes one range 2 frame per counter
func frameBytes(counters []int, logic uint8) []byte {
	var out []byte
	for _, c := range counters {
		out = append(out, encodeFrame(RawFrame{ADC: 1000, Range: 2, Counter: uint8(c % counterModulus), Logic: logic}, defaultFrameWidth)...)
	}
	return out
}

func counterRun(from, to int) []int {
	var out []int
	for c := from; c < to; c++ {
		out = append(out, c)
	}
	return out
}

func TestSessionFeedWithGap(t *testing.T) {
	s := newTestSession(t, testConfig())

	var mu sync.Mutex
	var reports []DataLossReport
	s.OnDataLoss(func(r DataLossReport) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	})

	if err := s.StartSession(10); err != nil {
		t.Fatal(err)
	}
	stream := append(frameBytes(counterRun(0, 10), 0), frameBytes(counterRun(20, 30), 0)...)
	// Feed in odd-sized chunks that split frames
	for len(stream) > 0 {
		n := 7
		if n > len(stream) {
			n = len(stream)
		}
		if err := s.Feed(stream[:n]); err != nil {
			t.Fatal(err)
		}
		stream = stream[n:]
	}
	if err := s.StopSession(); err != nil {
		t.Fatal(err)
	}

	data := s.GetData(0, s.Timeline().LiveTimestamp())
	if len(data) != 30 {
		t.Fatalf("got %d samples, want 30", len(data))
	}
	for i, d := range data {
		gap := i >= 10 && i < 20
		if d.Missing() != gap {
			t.Fatalf("sample %d missing=%v", i, d.Missing())
		}
	}

	if len(reports) != 1 || reports[0].Missing != 10 || reports[0].Total != 10 || reports[0].SessionID != s.ID() {
		t.Fatalf("reports %+v", reports)
	}
	// The gap starts right after the tenth sample
	if reports[0].Timestamp != 100 {
		t.Fatalf("gap reported at %dus, want 100us", reports[0].Timestamp)
	}
	if info := s.Info(); info.MissingSamples != 10 || info.Running {
		t.Fatalf("info %+v", info)
	}

	st := s.CalcStats(0, 300)
	if st.Count != 20 || st.Missing != 10 {
		t.Fatalf("stats %+v", st)
	}
}

func TestSessionControlErrors(t *testing.T) {
	s := newTestSession(t, testConfig())

	if err := s.Feed(frameBytes([]int{0}, 0)); !errors.Is(err, ErrSessionNotRunning) {
		t.Fatalf("feed while stopped: %v", err)
	}
	if err := s.StopSession(); !errors.Is(err, ErrSessionNotRunning) {
		t.Fatalf("stop while stopped: %v", err)
	}
	for _, period := range []int64{0, -10, 15} {
		if err := s.StartSession(period); !errors.Is(err, ErrInvalidPeriod) {
			t.Fatalf("period %d: %v", period, err)
		}
	}

	if err := s.StartSession(10); err != nil {
		t.Fatal(err)
	}
	if err := s.StartSession(10); !errors.Is(err, ErrSessionRunning) {
		t.Fatalf("second start: %v", err)
	}
	if err := s.SetUserGain(5, 1.0); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("user gain range 5: %v", err)
	}
}

func TestSessionResetKeepsRunState(t *testing.T) {
	s := newTestSession(t, testConfig())
	if err := s.StartSession(10); err != nil {
		t.Fatal(err)
	}
	if err := s.Feed(frameBytes(counterRun(0, 50), 0)); err != nil {
		t.Fatal(err)
	}
	id := s.ID()

	if err := s.ResetSession(); err != nil {
		t.Fatal(err)
	}
	info := s.Info()
	if !info.Running || info.TotalSamples != 0 || info.ID == id {
		t.Fatalf("after reset %+v", info)
	}

	// The counter position is forgotten, so the next frame is not a gap
	if err := s.Feed(frameBytes(counterRun(40, 45), 0)); err != nil {
		t.Fatal(err)
	}
	if info := s.Info(); info.TotalSamples != 5 || info.MissingSamples != 0 {
		t.Fatalf("after feeding %+v", info)
	}
}

func TestSessionAveraging(t *testing.T) {
	s := newTestSession(t, testConfig())
	if err := s.StartSession(100); err != nil {
		t.Fatal(err)
	}
	if err := s.Feed(frameBytes(counterRun(0, 25), 0)); err != nil {
		t.Fatal(err)
	}
	if got := s.Timeline().TotalSamples; got != 2 {
		t.Fatalf("%d samples before stop, want 2", got)
	}
	if err := s.StopSession(); err != nil {
		t.Fatal(err)
	}

	info := s.Info()
	if info.TotalSamples != 3 || info.AveragingFactor != 10 || info.PeriodMicros != 100 {
		t.Fatalf("info %+v", info)
	}
	if live := s.Timeline().LiveTimestamp(); live != 300 {
		t.Fatalf("live timestamp %d", live)
	}
}

func TestSessionDigitalChannels(t *testing.T) {
	cfg := testConfig()
	s := newTestSession(t, cfg)
	s.StartSession(10)
	s.Feed(frameBytes(counterRun(0, 3), 0xff))
	for _, d := range s.GetData(0, 30) {
		if d.Bits != 0 {
			t.Fatalf("states stored with digital channels disabled: %04x", d.Bits)
		}
	}

	cfg = testConfig()
	cfg.Device.DigitalChannels = true
	s = newTestSession(t, cfg)
	s.StartSession(10)
	s.Feed(frameBytes(counterRun(0, 3), 0x81))
	for _, d := range s.GetData(0, 30) {
		if d.Bits != expandLogic(0x81) {
			t.Fatalf("states = %04x", d.Bits)
		}
	}
}

func TestSessionCalibrationUpdates(t *testing.T) {
	s := newTestSession(t, testConfig())

	if err := s.SetRegulatorVoltage(3300); err != nil {
		t.Fatal(err)
	}
	if err := s.SetUserGain(1, 1.05); err != nil {
		t.Fatal(err)
	}
	cal := s.Calibration()
	if cal.RegulatorMilliVolts != 3300 || cal.UserGains[1] != 1.05 {
		t.Fatalf("calibration %+v", cal)
	}

	if err := s.SetSpikeFilter(SpikeFilterConfig{Samples: 5, Alpha: 2}); err == nil {
		t.Fatal("alpha above 1 accepted")
	}
	want := SpikeFilterConfig{Samples: 5, Alpha: 0.2, Alpha5: 0.1, Range4Settling: 3}
	if err := s.SetSpikeFilter(want); err != nil {
		t.Fatal(err)
	}
	if got := s.SpikeFilter(); got != want {
		t.Fatalf("spike filter %+v", got)
	}
}

func TestSessionSpillsByDefault(t *testing.T) {
	s := newTestSession(t, testConfig())
	s.StartSession(10)
	s.Feed(frameBytes(counterRun(0, 100), 0))
	if err := s.StopSession(); err != nil {
		t.Fatal(err)
	}
	if info := s.Info(); info.SpilledSamples != 100 {
		t.Fatalf("spilled %d of %d samples", info.SpilledSamples, info.TotalSamples)
	}
}
