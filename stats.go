package main

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

const statsChunk = 64 * 1024

// Stats summarises a window of samples. Values are in microamps; missing
// samples are excluded. Count is zero when the window holds no valid sample,
// in which case every value field is zero.
type Stats struct {
	Average float64 `json:"average"`
	Max     float64 `json:"max"`
	Min     float64 `json:"min"`
	StdDev  float64 `json:"stddev"`
	Delta   int64   `json:"delta"`  // Window length after clamping (us)
	Charge  float64 `json:"charge"` // Average x delta (uC)
	Count   int64   `json:"count"`
	Missing int64   `json:"missing"`
}

// calcStats reads the window in chunks and reduces each chunk with the
// gonum vector helpers
func calcStats(store *Store, beginMicros, endMicros int64) Stats {
	tl := store.Timeline()
	begin, end := tl.clampWindow(beginMicros, endMicros)

	st := Stats{Delta: (end - begin) * tl.PeriodMicros}
	if end <= begin {
		return st
	}

	size := minInt64(end-begin, statsChunk)
	values := make([]float32, size)
	bits := make([]uint16, size)
	valid := make([]float64, 0, size)

	var sum, sumSq float64
	min, max := math.Inf(1), math.Inf(-1)

	for from := begin; from < end; from += statsChunk {
		to := minInt64(end, from+statsChunk)
		n := to - from
		store.readIndexes(from, to, values[:n], bits[:n])

		valid = valid[:0]
		for _, v := range values[:n] {
			if !isMissing(v) {
				valid = append(valid, float64(v))
			}
		}
		st.Missing += n - int64(len(valid))
		if len(valid) == 0 {
			continue
		}

		sum += floats.Sum(valid)
		sumSq += floats.Dot(valid, valid)
		min = math.Min(min, floats.Min(valid))
		max = math.Max(max, floats.Max(valid))
		st.Count += int64(len(valid))
	}

	if st.Count == 0 {
		return st
	}

	n := float64(st.Count)
	st.Average = sum / n
	st.Min = min
	st.Max = max
	if variance := sumSq/n - st.Average*st.Average; variance > 0 {
		st.StdDev = math.Sqrt(variance)
	}
	st.Charge = st.Average * float64(st.Delta) / 1e6
	return st
}
