package main

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

const (
	ringSlotSize      = 8 // bytes per packed sample in memory
	defaultSpillBatch = 64 * 1024
	minRingBatches    = 4
)

var ErrInvalidPeriod = errors.New("sampling period must be positive")

// StoreOptions configures a Store
type StoreOptions struct {
	PeriodMicros int64  // Sampling period of the timeline
	Capacity     int64  // Samples held in memory
	SpillBatch   int64  // Samples written to the spill log per batch
	SpillDir     string // Directory for the spill log, empty keeps everything in memory
	Name         string // Spill file name (session ID)
}

// ring is the fixed-capacity in-memory window. Each slot packs a float32
// current (low 32 bits) and a state word (next 16 bits) so a slot is always
// read and written as a unit.
//
// There is one slot more than capacity: the writer fills the spare slot, so
// the last capacity published samples stay readable while it does.
type ring struct {
	slots    []atomic.Uint64
	capacity int64
}

func newRing(capacity int64) *ring {
	return &ring{slots: make([]atomic.Uint64, capacity+1), capacity: capacity}
}

func (r *ring) slot(i int64) *atomic.Uint64 {
	return &r.slots[i%int64(len(r.slots))]
}

// start is the oldest index still held when total samples are published
func (r *ring) start(total int64) int64 {
	if total < r.capacity {
		return 0
	}
	return total - r.capacity
}

func packSlot(v float32, bits uint16) uint64 {
	return uint64(math.Float32bits(v)) | uint64(bits)<<32
}

func unpackSlot(s uint64) (float32, uint16) {
	return math.Float32frombits(uint32(s)), uint16(s >> 32)
}

// Store is the canonical sample timeline of a session: a ring buffer with
// the most recent samples plus a spill log holding everything older.
//
// There is a single writer (Append). Readers may call any read method
// concurrently with it: a sample index becomes visible only after its slot
// is written and total is published, and a read from the ring is validated
// against total afterwards so slots overwritten during the copy are served
// from the spill log instead.
type Store struct {
	opts    StoreOptions
	metrics *PrometheusMetrics

	period     atomic.Int64
	ring       atomic.Pointer[ring]
	total      atomic.Int64 // published sample count
	spilled    atomic.Int64 // samples durably in the spill log
	generation atomic.Uint64

	log       *spillLog
	spillMu   sync.Mutex
	spillBuf  []float32
	spillBits []uint16

	notify   chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	closed   bool

	spillErrors   logThrottle
	overwriteLogs logThrottle
	evictionNoted atomic.Bool
}

// NewStore creates a store and starts its spill worker when a spill
// directory is configured
func NewStore(opts StoreOptions, metrics *PrometheusMetrics) (*Store, error) {
	if opts.PeriodMicros <= 0 {
		return nil, ErrInvalidPeriod
	}
	if opts.SpillBatch <= 0 {
		opts.SpillBatch = defaultSpillBatch
	}
	if opts.Capacity < opts.SpillBatch*minRingBatches {
		opts.Capacity = opts.SpillBatch * minRingBatches
	}

	s := &Store{
		opts:     opts,
		metrics:  metrics,
		notify:   make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
	s.period.Store(opts.PeriodMicros)
	s.ring.Store(newRing(opts.Capacity))

	if opts.SpillDir != "" {
		l, err := openSpillLog(opts.SpillDir, opts.Name)
		if err != nil {
			return nil, err
		}
		s.log = l
		s.spillBuf = make([]float32, opts.SpillBatch)
		s.spillBits = make([]uint16, opts.SpillBatch)

		s.wg.Add(1)
		go s.spillLoop()
	}

	return s, nil
}

// Timeline returns the published timeline metadata
func (s *Store) Timeline() Timeline {
	return Timeline{
		PeriodMicros: s.period.Load(),
		TotalSamples: s.total.Load(),
	}
}

// Capacity returns the number of samples the ring holds
func (s *Store) Capacity() int64 {
	return s.ring.Load().capacity
}

// Generation changes whenever the timeline is reset
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// Spilled returns the number of samples durably written to the spill log
func (s *Store) Spilled() int64 {
	return s.spilled.Load()
}

// Persistent reports whether evicted samples go to a spill log
func (s *Store) Persistent() bool {
	return s.log != nil
}

// Discarded returns how many leading samples a store without a spill log has
// already dropped from its ring. These read back as missing for good.
func (s *Store) Discarded() int64 {
	if s.log != nil {
		return 0
	}
	return s.ring.Load().start(s.total.Load())
}

// Append adds one sample at the live edge. Only one goroutine may append.
func (s *Store) Append(current float32, bits uint16) {
	r := s.ring.Load()
	t := s.total.Load()

	if evicted := t - r.capacity; evicted >= 0 && s.log == nil && !s.evictionNoted.Swap(true) {
		log.Printf("Warning: spill log disabled, samples older than %d are being discarded", r.capacity)
	}

	r.slot(t).Store(packSlot(current, bits))
	s.total.Store(t + 1)

	if s.log != nil && (t+1)%s.opts.SpillBatch == 0 {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// GetData returns the samples inside [beginMicros, endMicros), clamped to
// the recorded timeline
func (s *Store) GetData(beginMicros, endMicros int64) []Sample {
	tl := s.Timeline()
	begin, end := tl.clampWindow(beginMicros, endMicros)
	n := end - begin
	if n <= 0 {
		return []Sample{}
	}

	values := make([]float32, n)
	bits := make([]uint16, n)
	s.readIndexes(begin, end, values, bits)

	out := make([]Sample, n)
	for i := range out {
		out[i] = Sample{
			Timestamp: indexToTimestamp(begin+int64(i), tl.PeriodMicros),
			Current:   values[i],
			Bits:      bits[i],
		}
	}
	return out
}

// readIndexes fills values and bits with samples [begin, end). The caller
// guarantees 0 <= begin <= end <= published total and len(values) >= end-begin.
func (s *Store) readIndexes(begin, end int64, values []float32, bits []uint16) {
	if end <= begin {
		return
	}
	r := s.ring.Load()

	mid := clampIndex(r.start(s.total.Load()), begin, end)

	if begin < mid {
		s.readLog(begin, mid, values[:mid-begin], bits[:mid-begin])
	}
	for i := mid; i < end; i++ {
		values[i-begin], bits[i-begin] = unpackSlot(r.slot(i).Load())
	}

	// Anything the writer lapped while we were copying comes from the log
	if stale := r.start(s.total.Load()); stale > mid {
		hi := clampIndex(stale, mid, end)
		s.readLog(mid, hi, values[mid-begin:hi-begin], bits[mid-begin:hi-begin])
	}
}

// readLog serves [begin, end) from the spill log. Samples that never made it
// to disk are reported missing.
func (s *Store) readLog(begin, end int64, values []float32, bits []uint16) {
	valid := clampIndex(s.spilled.Load(), begin, end)
	if s.log != nil && valid > begin {
		if err := s.log.readAt(begin, values[:valid-begin], bits[:valid-begin]); err != nil {
			s.spillErrors.logf("ERROR: Spill: %v", err)
			valid = begin
		}
	} else {
		valid = begin
	}
	for i := valid - begin; i < end-begin; i++ {
		values[i] = missingCurrent
		bits[i] = 0
	}
}

func clampIndex(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *Store) spillLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-s.notify:
			if err := s.spill(false); err != nil && DebugMode {
				log.Printf("DEBUG: Spill: deferred after error: %v", err)
			}
		}
	}
}

// spill writes ring samples to the log in batches, preserving order. With
// all set the trailing partial batch is written too. Failures leave the
// samples in the ring so the next attempt retries them.
func (s *Store) spill(all bool) error {
	s.spillMu.Lock()
	defer s.spillMu.Unlock()

	if s.log == nil {
		return nil
	}
	r := s.ring.Load()
	batch := s.opts.SpillBatch

	for {
		from := s.spilled.Load()
		n := s.total.Load() - from
		if !all {
			n -= n % batch
		}
		if n <= 0 {
			return nil
		}
		if n > batch {
			n = batch
		}

		values, bits := s.spillBuf[:n], s.spillBits[:n]
		for i := int64(0); i < n; i++ {
			values[i], bits[i] = unpackSlot(r.slot(from + i).Load())
		}

		// Slots the writer reached before we copied them hold newer data
		if lapped := r.start(s.total.Load()); lapped > from {
			lost := clampIndex(lapped, from, from+n) - from
			for i := int64(0); i < lost; i++ {
				values[i], bits[i] = missingCurrent, 0
			}
			s.metrics.RecordOverwriteLoss(lost)
			s.overwriteLogs.logf("Warning: Spill: %d samples at index %d were overwritten before reaching disk", lost, from)
		}

		start := time.Now()
		if err := s.log.writeAt(from, values, bits); err != nil {
			s.metrics.RecordSpillError()
			s.spillErrors.logf("ERROR: Spill: %v (keeping samples in memory)", err)
			return err
		}
		s.spilled.Store(from + n)
		s.metrics.RecordSpillBatch(n, time.Since(start).Seconds())
	}
}

// Flush synchronously spills every published sample
func (s *Store) Flush() error {
	return s.spill(true)
}

// Reset empties the timeline and starts a new one with the given period and
// ring capacity. The writer must be idle.
func (s *Store) Reset(periodMicros, capacity int64) error {
	if periodMicros <= 0 {
		return ErrInvalidPeriod
	}
	if capacity < s.opts.SpillBatch*minRingBatches {
		capacity = s.opts.SpillBatch * minRingBatches
	}

	s.spillMu.Lock()
	defer s.spillMu.Unlock()

	if capacity != s.ring.Load().capacity {
		s.ring.Store(newRing(capacity))
	}
	s.total.Store(0)
	s.spilled.Store(0)
	s.period.Store(periodMicros)
	s.evictionNoted.Store(false)
	s.generation.Add(1)

	if s.log != nil {
		if err := s.log.truncate(); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the spill worker and removes the spill log
func (s *Store) Close() error {
	s.spillMu.Lock()
	if s.closed {
		s.spillMu.Unlock()
		return nil
	}
	s.closed = true
	s.spillMu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	if s.log != nil {
		return s.log.close()
	}
	return nil
}

// ringCapacity sizes the ring for a session from the configured duration,
// the configured memory cap and the memory actually available
func ringCapacity(cfg SamplingConfig, periodMicros int64) int64 {
	capacity := int64(cfg.BufferSeconds) * 1_000_000 / periodMicros

	if limit := int64(cfg.MaxBufferMB) * 1024 * 1024 / ringSlotSize; limit > 0 && capacity > limit {
		capacity = limit
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		if limit := int64(vm.Available/2) / ringSlotSize; capacity > limit {
			log.Printf("Warning: ring buffer reduced to %d samples to fit available memory", limit)
			capacity = limit
		}
	} else if DebugMode {
		log.Printf("DEBUG: failed to read memory statistics: %v", err)
	}

	return capacity
}

// logThrottle limits a recurring log line to one per second
type logThrottle struct {
	mu   sync.Mutex
	last time.Time
}

func (t *logThrottle) logf(format string, args ...interface{}) {
	t.mu.Lock()
	now := time.Now()
	if now.Sub(t.last) < time.Second {
		t.mu.Unlock()
		return
	}
	t.last = now
	t.mu.Unlock()
	log.Printf(format, args...)
}

func (s *Store) String() string {
	tl := s.Timeline()
	return fmt.Sprintf("store{period=%dus total=%d spilled=%d capacity=%d}", tl.PeriodMicros, tl.TotalSamples, s.Spilled(), s.Capacity())
}
