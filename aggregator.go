package main

import (
	"sync"
	"time"
)

const (
	aggregationBase         = 10
	defaultMaxCachedBuckets = 256 * 1024
	rawReadChunk            = 64 * 1000 // multiple of aggregationBase
)

// Bucket is the reduction of a run of consecutive samples
type Bucket struct {
	Min   float32
	Max   float32
	Sum   float64
	Count int64  // Non-missing samples
	Bits  uint16 // OR of the state words
}

func emptyBucket() Bucket {
	return Bucket{Min: missingCurrent, Max: missingCurrent}
}

func (b *Bucket) add(v float32, bits uint16, removeZero bool) {
	b.Bits |= bits
	if isMissing(v) || (removeZero && v == 0) {
		return
	}
	if b.Count == 0 {
		b.Min, b.Max = v, v
	} else {
		if v < b.Min {
			b.Min = v
		}
		if v > b.Max {
			b.Max = v
		}
	}
	b.Sum += float64(v)
	b.Count++
}

func (b *Bucket) merge(o Bucket) {
	b.Bits |= o.Bits
	if o.Count == 0 {
		return
	}
	if b.Count == 0 {
		b.Min, b.Max = o.Min, o.Max
	} else {
		if o.Min < b.Min {
			b.Min = o.Min
		}
		if o.Max > b.Max {
			b.Max = o.Max
		}
	}
	b.Sum += o.Sum
	b.Count += o.Count
}

// ChartPoint is one point of a chart series. Raw points have Min == Max ==
// Avg; points whose bucket had no valid sample carry NaN and must be drawn as
// a gap.
type ChartPoint struct {
	Timestamp int64
	Min       float32
	Max       float32
	Avg       float32
	Bits      uint16
}

// Empty reports whether the point has no valid value
func (p ChartPoint) Empty() bool {
	return isMissing(p.Min)
}

// ChartSeries is the result of Process
type ChartSeries struct {
	Begin     int64 // Effective window after clamping (microseconds)
	End       int64
	GroupSize int64 // Samples per point, 1 for raw samples
	Points    []ChartPoint
}

// Raw reports whether the points are single samples
func (s ChartSeries) Raw() bool {
	return s.GroupSize <= 1
}

// tierEntry is the cached span of complete buckets of one tier
type tierEntry struct {
	first   int64
	buckets []Bucket
}

func (e *tierEntry) end() int64 {
	return e.first + int64(len(e.buckets))
}

// tier is one resolution level: buckets of aggregationBase^level samples
type tier struct {
	groupSize int64
	entries   [2]tierEntry // indexed by removeZero
}

type cacheMode int

const (
	cacheUpdate   cacheMode = iota // Use tier entries and keep computed spans
	cacheReadOnly                  // Use tier entries, never replace them
	cacheBypass                    // Compute from the store without touching entries
)

// Aggregator reduces arbitrary windows of a Store to a bounded number of
// chart points. Buckets are aligned to multiples of their group size, and
// group sizes are powers of aggregationBase, so every level forms a fixed
// grid. A bucket of level L is always the in-order merge of the ten level
// L-1 buckets below it, which makes cached and freshly computed buckets
// identical.
//
// Only complete buckets whose samples can no longer change are cached. With
// a spill log that means buckets already on disk when the query started.
// Without one, ring samples are final until eviction turns them missing, so
// cached buckets are dropped as soon as eviction reaches them. The bucket at
// the live edge is rebuilt on every query from complete lower-level buckets
// plus its own partial tail.
type Aggregator struct {
	store     *Store
	metrics   *PrometheusMetrics
	maxCached int64

	mu         sync.Mutex
	generation uint64
	period     int64
	settled    int64   // spilled samples when the current query started
	tiers      []*tier // tiers[0] is the raw level and never caches

	values []float32
	bits   []uint16
}

// NewAggregator creates an aggregator over store
func NewAggregator(store *Store, maxCachedBuckets int, metrics *PrometheusMetrics) *Aggregator {
	if maxCachedBuckets <= 0 {
		maxCachedBuckets = defaultMaxCachedBuckets
	}
	return &Aggregator{
		store:     store,
		metrics:   metrics,
		maxCached: int64(maxCachedBuckets),
		tiers:     []*tier{{groupSize: 1}},
		values:    make([]float32, rawReadChunk),
		bits:      make([]uint16, rawReadChunk),
	}
}

// tierFor picks the level whose group size is the smallest power of the base
// giving no more than budget points for n samples
func tierFor(n int64, budget int) (level int, groupSize int64) {
	want := ceilDiv(n, int64(budget))
	groupSize = 1
	for groupSize < want {
		groupSize *= aggregationBase
		level++
	}
	return level, groupSize
}

// Process returns chart points for [beginMicros, endMicros) using at most
// about budget points. With removeZero, samples that are exactly zero are
// treated as missing.
func (a *Aggregator) Process(beginMicros, endMicros int64, budget int, removeZero bool) ChartSeries {
	start := time.Now()
	defer func() {
		a.metrics.RecordQueryLatency("process", time.Since(start).Seconds())
	}()

	tl := a.store.Timeline()
	begin, end := tl.clampWindow(beginMicros, endMicros)
	series := ChartSeries{
		Begin:     indexToTimestamp(begin, tl.PeriodMicros),
		End:       indexToTimestamp(end, tl.PeriodMicros),
		GroupSize: 1,
	}
	if budget <= 0 || end <= begin {
		series.Points = []ChartPoint{}
		return series
	}

	level, g := tierFor(end-begin, budget)
	series.GroupSize = g

	a.mu.Lock()
	defer a.mu.Unlock()
	a.syncGeneration(tl)
	a.settled = a.store.Spilled()

	if level == 0 {
		series.Points = a.rawPoints(begin, end, tl.PeriodMicros, removeZero)
		return series
	}
	a.ensureTiers(level)

	first := begin / g
	last := ceilDiv(end, g)
	complete := tl.TotalSamples / g

	buckets := a.tierBuckets(level, first, minInt64(last, complete), removeZero, cacheUpdate)
	points := make([]ChartPoint, 0, last-first)
	for i, b := range buckets {
		points = append(points, bucketPoint(b, (first+int64(i))*g*tl.PeriodMicros))
	}
	if last > complete {
		b := a.partialBucket(level, complete, tl.TotalSamples, removeZero)
		points = append(points, bucketPoint(b, complete*g*tl.PeriodMicros))
	}

	series.Points = points
	return series
}

func bucketPoint(b Bucket, ts int64) ChartPoint {
	p := ChartPoint{Timestamp: ts, Min: b.Min, Max: b.Max, Avg: missingCurrent, Bits: b.Bits}
	if b.Count > 0 {
		p.Avg = float32(b.Sum / float64(b.Count))
	} else {
		p.Min, p.Max = missingCurrent, missingCurrent
	}
	return p
}

func (a *Aggregator) rawPoints(begin, end, period int64, removeZero bool) []ChartPoint {
	points := make([]ChartPoint, 0, end-begin)
	for from := begin; from < end; from += rawReadChunk {
		to := minInt64(end, from+rawReadChunk)
		n := to - from
		a.store.readIndexes(from, to, a.values[:n], a.bits[:n])
		for i := int64(0); i < n; i++ {
			v := a.values[i]
			if removeZero && v == 0 {
				v = missingCurrent
			}
			points = append(points, ChartPoint{
				Timestamp: (from + i) * period,
				Min:       v,
				Max:       v,
				Avg:       v,
				Bits:      a.bits[i],
			})
		}
	}
	return points
}

// syncGeneration drops every cached bucket when the store was reset or the
// sampling period changed
func (a *Aggregator) syncGeneration(tl Timeline) {
	gen := a.store.Generation()
	if gen == a.generation && tl.PeriodMicros == a.period {
		return
	}
	a.generation = gen
	a.period = tl.PeriodMicros
	for _, t := range a.tiers {
		t.entries = [2]tierEntry{}
	}
}

// ensureTiers grows the tier table up to level
func (a *Aggregator) ensureTiers(level int) {
	for len(a.tiers) <= level {
		prev := a.tiers[len(a.tiers)-1]
		a.tiers = append(a.tiers, &tier{groupSize: prev.groupSize * aggregationBase})
	}
}

// Invalidate drops every cached bucket
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.tiers {
		t.entries = [2]tierEntry{}
	}
}

// tierBuckets returns complete buckets [first, last) of a level, splicing
// cached buckets and computing only the missing front and back spans
func (a *Aggregator) tierBuckets(level int, first, last int64, removeZero bool, mode cacheMode) []Bucket {
	if last <= first {
		return nil
	}
	if mode == cacheBypass {
		return a.computeBuckets(level, first, last, removeZero, mode)
	}

	g := a.tiers[level].groupSize
	entry := &a.tiers[level].entries[boolIndex(removeZero)]
	a.trim(entry, g)
	overlaps := len(entry.buckets) > 0 && entry.first < last && entry.end() > first

	if !overlaps {
		a.metrics.RecordCacheLookup("miss")
		out := a.computeBuckets(level, first, last, removeZero, mode)
		a.keep(entry, g, first, out, mode)
		return out
	}

	if first >= entry.first && last <= entry.end() {
		a.metrics.RecordCacheLookup("hit")
		return entry.buckets[first-entry.first : last-entry.first]
	}

	a.metrics.RecordCacheLookup("partial")
	out := make([]Bucket, 0, last-first)
	if first < entry.first {
		out = append(out, a.computeBuckets(level, first, entry.first, removeZero, mode)...)
	}
	lo := maxInt64(first, entry.first)
	hi := minInt64(last, entry.end())
	out = append(out, entry.buckets[lo-entry.first:hi-entry.first]...)
	if last > entry.end() {
		out = append(out, a.computeBuckets(level, entry.end(), last, removeZero, mode)...)
	}
	a.keep(entry, g, first, out, mode)
	return out
}

// keep caches the final part of buckets, which start at bucket first of a
// level with group size g
func (a *Aggregator) keep(entry *tierEntry, g, first int64, buckets []Bucket, mode cacheMode) {
	if mode != cacheUpdate {
		return
	}
	lo, hi := first, first+int64(len(buckets))
	if a.store.Persistent() {
		hi = minInt64(hi, a.settled/g)
	} else {
		lo = maxInt64(lo, ceilDiv(a.store.Discarded(), g))
	}
	if hi <= lo || hi-lo > a.maxCached {
		return
	}
	entry.first = lo
	entry.buckets = buckets[lo-first : hi-first]
}

// trim drops cached buckets that eviction has reached since they were
// computed. Only stores without a spill log evict samples for good.
func (a *Aggregator) trim(entry *tierEntry, g int64) {
	if a.store.Persistent() || len(entry.buckets) == 0 {
		return
	}
	valid := ceilDiv(a.store.Discarded(), g)
	switch {
	case valid <= entry.first:
	case valid >= entry.end():
		*entry = tierEntry{}
	default:
		entry.buckets = entry.buckets[valid-entry.first:]
		entry.first = valid
	}
}

// computeBuckets builds complete buckets [first, last) of a level from the
// level below. Spans too large to cache are produced in blocks without
// touching the lower tier entries.
func (a *Aggregator) computeBuckets(level int, first, last int64, removeZero bool, mode cacheMode) []Bucket {
	if last <= first {
		return nil
	}
	// Buckets made only of discarded samples are empty without reading them
	if gone := a.store.Discarded() / a.tiers[level].groupSize; first < gone {
		n := minInt64(last, gone) - first
		out := make([]Bucket, n, last-first)
		for i := range out {
			out[i] = emptyBucket()
		}
		return append(out, a.computeBuckets(level, first+n, last, removeZero, mode)...)
	}
	if level == 1 {
		return a.reduceRaw(first, last, removeZero)
	}

	if mode != cacheBypass && (last-first)*aggregationBase <= a.maxCached {
		lower := a.tierBuckets(level-1, first*aggregationBase, last*aggregationBase, removeZero, mode)
		return foldBuckets(lower)
	}

	out := make([]Bucket, 0, last-first)
	step := maxInt64(1, a.maxCached/aggregationBase)
	for k := first; k < last; k += step {
		hi := minInt64(last, k+step)
		lower := a.computeBuckets(level-1, k*aggregationBase, hi*aggregationBase, removeZero, cacheBypass)
		out = append(out, foldBuckets(lower)...)
	}
	return out
}

// reduceRaw builds level 1 buckets [first, last) straight from samples
func (a *Aggregator) reduceRaw(first, last int64, removeZero bool) []Bucket {
	out := make([]Bucket, 0, last-first)
	end := last * aggregationBase
	for from := first * aggregationBase; from < end; from += rawReadChunk {
		to := minInt64(end, from+rawReadChunk)
		n := to - from
		a.store.readIndexes(from, to, a.values[:n], a.bits[:n])
		for i := int64(0); i < n; i += aggregationBase {
			b := emptyBucket()
			for j := i; j < i+aggregationBase; j++ {
				b.add(a.values[j], a.bits[j], removeZero)
			}
			out = append(out, b)
		}
	}
	return out
}

// foldBuckets merges each run of aggregationBase buckets into one
func foldBuckets(lower []Bucket) []Bucket {
	out := make([]Bucket, 0, len(lower)/aggregationBase)
	for i := 0; i+aggregationBase <= len(lower); i += aggregationBase {
		b := emptyBucket()
		for _, l := range lower[i : i+aggregationBase] {
			b.merge(l)
		}
		out = append(out, b)
	}
	return out
}

// partialBucket reduces bucket k of a level that is still filling up: its
// complete lower buckets followed by the partial lower bucket at total
func (a *Aggregator) partialBucket(level int, k, total int64, removeZero bool) Bucket {
	b := emptyBucket()

	if level == 1 {
		from := k * aggregationBase
		n := total - from
		if n <= 0 {
			return b
		}
		a.store.readIndexes(from, total, a.values[:n], a.bits[:n])
		for i := int64(0); i < n; i++ {
			b.add(a.values[i], a.bits[i], removeZero)
		}
		return b
	}

	lowerSize := a.tiers[level-1].groupSize
	lowerFirst := k * aggregationBase
	lowerComplete := total / lowerSize
	for _, l := range a.tierBuckets(level-1, lowerFirst, lowerComplete, removeZero, cacheReadOnly) {
		b.merge(l)
	}
	if lowerComplete*lowerSize < total {
		b.merge(a.partialBucket(level-1, lowerComplete, total, removeZero))
	}
	return b
}

// CalcStats summarises the samples in [beginMicros, endMicros)
func (a *Aggregator) CalcStats(beginMicros, endMicros int64) Stats {
	start := time.Now()
	defer func() {
		a.metrics.RecordQueryLatency("stats", time.Since(start).Seconds())
	}()
	return calcStats(a.store, beginMicros, endMicros)
}

func boolIndex(b bool) int {
	if b {
		return 1
	}
	return 0
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
