package main

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionRunning    = errors.New("a sampling session is already running")
	ErrSessionNotRunning = errors.New("no sampling session is running")
	ErrInvalidRange      = errors.New("range index out of bounds")
)

// SessionInfo describes the current session for status endpoints
type SessionInfo struct {
	ID              string    `json:"id"`
	Running         bool      `json:"running"`
	StartedAt       time.Time `json:"started_at"`
	StoppedAt       time.Time `json:"stopped_at,omitempty"`
	PeriodMicros    int64     `json:"sampling_period_us"`
	SampleRate      float64   `json:"sample_rate"`
	TotalSamples    int64     `json:"total_samples"`
	LiveTimestamp   int64     `json:"live_timestamp_us"`
	MissingSamples  int64     `json:"missing_samples"`
	RingCapacity    int64     `json:"ring_capacity"`
	SpilledSamples  int64     `json:"spilled_samples"`
	AveragingFactor int       `json:"averaging_factor"`
	Imported        bool      `json:"imported"`
}

// DataLossReport is raised each time the decoder fills a sequence gap
type DataLossReport struct {
	SessionID string    `json:"session_id"`
	Missing   int       `json:"missing"`      // Placeholders inserted for this gap
	Total     int64     `json:"total"`        // Placeholders inserted in the session so far
	Timestamp int64     `json:"timestamp_us"` // Timeline position of the gap
	Time      time.Time `json:"time"`
}

type sessionState struct {
	id        string
	running   bool
	imported  bool
	startedAt time.Time
	stoppedAt time.Time
}

// Session is the context object that owns one measurement timeline and the
// decode pipeline feeding it. All producer calls (Feed) and session control
// calls are serialised; queries run concurrently with both.
type Session struct {
	config  *Config
	metrics *PrometheusMetrics

	mu         sync.Mutex
	decoder    *FrameDecoder
	tracker    *SequenceTracker
	calibrator *Calibrator
	averager   *SampleAverager
	frames     []RawFrame
	appended   int
	emitFn     func(Reading)
	appendFn   func(Reading)

	store      *Store
	aggregator *Aggregator
	minimap    *Minimap

	state        atomic.Pointer[sessionState]
	missingTotal atomic.Int64
	lossLog      logThrottle

	handlersMu   sync.RWMutex
	lossHandlers []func(DataLossReport)
}

// NewSession builds the pipeline and an empty, stopped timeline
func NewSession(config *Config, metrics *PrometheusMetrics) (*Session, error) {
	decoder, err := NewFrameDecoder(config.Device.FrameWidth)
	if err != nil {
		return nil, err
	}

	calibrator, err := NewCalibrator(config.InitialCalibration(), config.SpikeFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to apply calibration: %w", err)
	}

	period := config.Sampling.DefaultPeriodMicros
	store, err := NewStore(StoreOptions{
		PeriodMicros: period,
		Capacity:     ringCapacity(config.Sampling, period),
		SpillBatch:   int64(config.Storage.SpillBatch),
		SpillDir:     config.Storage.spillDirectory(),
		Name:         "ppk-" + uuid.NewString(),
	}, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create sample store: %w", err)
	}

	s := &Session{
		config:     config,
		metrics:    metrics,
		decoder:    decoder,
		tracker:    NewSequenceTracker(config.Decoder.QuarantineThreshold),
		calibrator: calibrator,
		averager:   NewSampleAverager(int(period / config.Device.NativePeriodMicros)),
		store:      store,
		aggregator: NewAggregator(store, config.Aggregator.MaxCachedBuckets, metrics),
		minimap:    NewMinimap(config.Aggregator.MinimapSize),
	}
	s.appendFn = func(r Reading) {
		s.store.Append(r.Current, r.Bits)
		s.appended++
	}
	s.emitFn = func(r Reading) {
		s.averager.Add(r, s.appendFn)
	}
	s.state.Store(&sessionState{id: uuid.NewString()})

	return s, nil
}

// ID returns the identifier of the current timeline
func (s *Session) ID() string {
	return s.state.Load().id
}

// Running reports whether samples are being recorded
func (s *Session) Running() bool {
	return s.state.Load().running
}

// StartSession clears the timeline and starts recording at the given period
func (s *Session) StartSession(periodMicros int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Load().running {
		return ErrSessionRunning
	}
	native := s.config.Device.NativePeriodMicros
	if periodMicros <= 0 || periodMicros%native != 0 {
		return fmt.Errorf("%w: %d us is not a multiple of the device period (%d us)", ErrInvalidPeriod, periodMicros, native)
	}

	if err := s.resetLocked(periodMicros); err != nil {
		return err
	}
	s.state.Store(&sessionState{id: uuid.NewString(), running: true, startedAt: time.Now()})
	s.metrics.RecordSessionState(true, periodMicros, s.store.Capacity())

	log.Printf("Session %s started: period=%dus (%.0f samples/s), averaging=%d, ring=%d samples",
		s.ID(), periodMicros, s.store.Timeline().SampleRate(), s.averager.Factor(), s.store.Capacity())
	return nil
}

// StopSession stops recording. Quarantined and partially averaged readings
// are committed and the spill log is brought up to date.
func (s *Session) StopSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state.Load()
	if !st.running {
		return ErrSessionNotRunning
	}

	s.tracker.Flush(s.emitFn)
	s.averager.Flush(s.appendFn)
	s.decoder.Reset()

	if err := s.store.Flush(); err != nil {
		log.Printf("Warning: failed to spill session tail: %v", err)
	}

	s.state.Store(&sessionState{id: st.id, startedAt: st.startedAt, stoppedAt: time.Now()})
	tl := s.store.Timeline()
	s.metrics.RecordSessionState(false, tl.PeriodMicros, s.store.Capacity())

	log.Printf("Session %s stopped: %d samples (%d missing)", st.id, tl.TotalSamples, s.missingTotal.Load())
	return nil
}

// ResetSession clears the timeline, keeping the current period and run state
func (s *Session) ResetSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state.Load()
	if err := s.resetLocked(s.store.Timeline().PeriodMicros); err != nil {
		return err
	}
	next := &sessionState{id: uuid.NewString(), running: st.running}
	if st.running {
		next.startedAt = time.Now()
	}
	s.state.Store(next)

	log.Printf("Session %s reset", next.id)
	return nil
}

func (s *Session) resetLocked(periodMicros int64) error {
	if err := s.store.Reset(periodMicros, ringCapacity(s.config.Sampling, periodMicros)); err != nil {
		return fmt.Errorf("failed to reset sample store: %w", err)
	}
	s.decoder.Reset()
	s.tracker.Reset()
	s.calibrator.Reset()
	s.averager = NewSampleAverager(int(periodMicros / s.config.Device.NativePeriodMicros))
	s.missingTotal.Store(0)
	return nil
}

// Feed decodes a chunk of raw device bytes and appends the resulting
// samples. Chunk boundaries may fall anywhere inside a frame.
func (s *Session) Feed(chunk []byte) error {
	s.metrics.RecordBytes(len(chunk))

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Load().running {
		return ErrSessionNotRunning
	}

	s.frames = s.decoder.Feed(chunk, s.frames[:0])
	s.appended = 0
	invalid := 0

	for _, f := range s.frames {
		r, ok := s.calibrator.Calibrate(f)
		if !ok {
			invalid++
		}
		if !s.config.Device.DigitalChannels {
			r.Bits = 0
		}

		// A gap starts at the live edge: quarantined frames follow it
		gapAt := s.store.Timeline().LiveTimestamp()
		res := s.tracker.Track(f.Counter, r, s.emitFn)
		if res.Missing > 0 {
			s.reportLoss(res.Missing, gapAt)
		}
		s.metrics.RecordSequence(res)
	}

	s.metrics.RecordFrames(len(s.frames), invalid)
	s.metrics.RecordAppended(s.appended, s.store.Timeline().TotalSamples)
	return nil
}

// OnDataLoss registers a handler called from the producer for every gap.
// Handlers must not block.
func (s *Session) OnDataLoss(fn func(DataLossReport)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.lossHandlers = append(s.lossHandlers, fn)
}

func (s *Session) reportLoss(missing int, gapAt int64) {
	total := s.missingTotal.Add(int64(missing))
	report := DataLossReport{
		SessionID: s.ID(),
		Missing:   missing,
		Total:     total,
		Timestamp: gapAt,
		Time:      time.Now(),
	}

	s.lossLog.logf("Warning: Decoder: %d samples missing at %dus (session total %d)", missing, report.Timestamp, total)

	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	for _, fn := range s.lossHandlers {
		fn(report)
	}
}

// SetCalibration replaces every calibration coefficient
func (s *Session) SetCalibration(cal CalibrationState) error {
	return s.calibrator.SetState(cal)
}

// Calibration returns the coefficients in effect
func (s *Session) Calibration() CalibrationState {
	return s.calibrator.State()
}

// SetRegulatorVoltage updates the regulator voltage used by the calibration
func (s *Session) SetRegulatorVoltage(milliVolts int) error {
	return s.calibrator.update(func(c *CalibrationState) {
		c.RegulatorMilliVolts = milliVolts
	})
}

// SetUserGain sets the user gain trim of one range. Values outside
// 0.9..1.1 fall back to 1.
func (s *Session) SetUserGain(rng int, gain float64) error {
	if rng < 0 || rng > maxRangeIndex {
		return fmt.Errorf("%w: %d", ErrInvalidRange, rng)
	}
	return s.calibrator.update(func(c *CalibrationState) {
		c.UserGains[rng] = gain
	})
}

// SetSpikeFilter replaces the spike filter settings
func (s *Session) SetSpikeFilter(cfg SpikeFilterConfig) error {
	if cfg.Alpha < 0 || cfg.Alpha > 1 || cfg.Alpha5 < 0 || cfg.Alpha5 > 1 || cfg.Samples < 0 || cfg.Range4Settling < 0 {
		return fmt.Errorf("invalid spike filter settings: %+v", cfg)
	}
	s.calibrator.Filter().SetConfig(cfg)
	return nil
}

// SpikeFilter returns the spike filter settings in effect
func (s *Session) SpikeFilter() SpikeFilterConfig {
	return s.calibrator.Filter().Config()
}

// Timeline returns sample rate, sample count and live timestamp
func (s *Session) Timeline() Timeline {
	return s.store.Timeline()
}

// GetData returns raw samples of [beginMicros, endMicros)
func (s *Session) GetData(beginMicros, endMicros int64) []Sample {
	start := time.Now()
	defer func() {
		s.metrics.RecordQueryLatency("get_data", time.Since(start).Seconds())
	}()
	return s.store.GetData(beginMicros, endMicros)
}

// Process returns chart points for [beginMicros, endMicros)
func (s *Session) Process(beginMicros, endMicros int64, budget int, removeZero bool) ChartSeries {
	return s.aggregator.Process(beginMicros, endMicros, budget, removeZero)
}

// CalcStats summarises [beginMicros, endMicros)
func (s *Session) CalcStats(beginMicros, endMicros int64) Stats {
	return s.aggregator.CalcStats(beginMicros, endMicros)
}

// Minimap returns the whole-session overview, folding in new samples first
func (s *Session) Minimap() []MinimapPoint {
	s.minimap.Update(s.store)
	return s.minimap.Points(s.store.Timeline().PeriodMicros)
}

// Info returns a status snapshot
func (s *Session) Info() SessionInfo {
	st := s.state.Load()
	tl := s.store.Timeline()
	return SessionInfo{
		ID:              st.id,
		Running:         st.running,
		StartedAt:       st.startedAt,
		StoppedAt:       st.stoppedAt,
		PeriodMicros:    tl.PeriodMicros,
		SampleRate:      tl.SampleRate(),
		TotalSamples:    tl.TotalSamples,
		LiveTimestamp:   tl.LiveTimestamp(),
		MissingSamples:  s.missingTotal.Load(),
		RingCapacity:    s.store.Capacity(),
		SpilledSamples:  s.store.Spilled(),
		AveragingFactor: int(tl.PeriodMicros / s.config.Device.NativePeriodMicros),
		Imported:        st.imported,
	}
}

// Close stops a running session and releases the spill log
func (s *Session) Close() error {
	if s.Running() {
		if err := s.StopSession(); err != nil && !errors.Is(err, ErrSessionNotRunning) {
			log.Printf("Warning: failed to stop session: %v", err)
		}
	}
	return s.store.Close()
}
