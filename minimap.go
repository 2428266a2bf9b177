package main

import "sync"

const defaultMinimapSize = 2000

// MinimapPoint is one min/max pair of the session overview
type MinimapPoint struct {
	Timestamp int64       `json:"ts"`
	Min       jsonCurrent `json:"min"`
	Max       jsonCurrent `json:"max"`
}

// Minimap keeps a fixed-size min/max overview of the whole session. Each
// point covers step samples; when the overview fills up adjacent points are
// merged pairwise and the step doubles.
type Minimap struct {
	mu         sync.Mutex
	size       int
	step       int64
	generation uint64
	consumed   int64
	pending    Bucket
	pendingN   int64
	points     []Bucket

	values []float32
	bits   []uint16
}

// NewMinimap creates an overview of at most size points
func NewMinimap(size int) *Minimap {
	if size < 2 {
		size = defaultMinimapSize
	}
	if size%2 == 1 {
		size++
	}
	return &Minimap{
		size:    size,
		step:    1,
		pending: emptyBucket(),
		points:  make([]Bucket, 0, size),
		values:  make([]float32, rawReadChunk),
		bits:    make([]uint16, rawReadChunk),
	}
}

// Update folds samples recorded since the previous call
func (m *Minimap) Update(store *Store) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen := store.Generation(); gen != m.generation {
		m.generation = gen
		m.clear()
	}

	total := store.Timeline().TotalSamples
	for m.consumed < total {
		to := minInt64(total, m.consumed+rawReadChunk)
		n := to - m.consumed
		store.readIndexes(m.consumed, to, m.values[:n], m.bits[:n])
		for i := int64(0); i < n; i++ {
			m.pending.add(m.values[i], m.bits[i], false)
			m.pendingN++
			if m.pendingN == m.step {
				m.push()
			}
		}
		m.consumed = to
	}
}

func (m *Minimap) push() {
	m.points = append(m.points, m.pending)
	m.pending = emptyBucket()
	m.pendingN = 0

	if len(m.points) < m.size {
		return
	}
	half := m.points[:0]
	for i := 0; i+1 < len(m.points); i += 2 {
		b := m.points[i]
		b.merge(m.points[i+1])
		half = append(half, b)
	}
	m.points = half
	m.step *= 2
}

func (m *Minimap) clear() {
	m.step = 1
	m.consumed = 0
	m.pending = emptyBucket()
	m.pendingN = 0
	m.points = m.points[:0]
}

// Points returns the overview with timestamps for the given period. The
// partially filled last point is included.
func (m *Minimap) Points(periodMicros int64) []MinimapPoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]MinimapPoint, 0, len(m.points)+1)
	for i, b := range m.points {
		out = append(out, minimapPoint(b, int64(i)*m.step*periodMicros))
	}
	if m.pendingN > 0 {
		out = append(out, minimapPoint(m.pending, int64(len(m.points))*m.step*periodMicros))
	}
	return out
}

// Step returns the number of samples per overview point
func (m *Minimap) Step() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step
}

func minimapPoint(b Bucket, ts int64) MinimapPoint {
	p := MinimapPoint{Timestamp: ts, Min: jsonCurrent(b.Min), Max: jsonCurrent(b.Max)}
	if b.Count == 0 {
		p.Min, p.Max = jsonCurrent(missingCurrent), jsonCurrent(missingCurrent)
	}
	return p
}
