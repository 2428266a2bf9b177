package main

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Binary Chart Packet Format
// ==========================
//
// Live chart clients receive ChartSeries results as binary WebSocket
// messages. When compression is enabled for the connection the whole packet
// (header + points) is zstd-compressed and the client must decompress first.
//
// HEADER (48 bytes):
// ------------------
// Offset | Size | Type    | Description
// -------|------|---------|--------------------------------------------------
// 0      | 2    | uint16  | Magic bytes: 0x4350 ("CP" for chart points)
// 2      | 1    | uint8   | Version: 1
// 3      | 1    | uint8   | Flags: bit 0 = raw samples (min == max == avg)
// 4      | 8    | int64   | Window begin (microseconds)
// 12     | 8    | int64   | Window end (microseconds)
// 20     | 8    | int64   | Group size (samples per point)
// 28     | 8    | int64   | Samples recorded in the session
// 36     | 8    | int64   | Sampling period (microseconds)
// 44     | 4    | uint32  | Number of points
//
// POINT (22 bytes each):
// ----------------------
// 0      | 8    | int64   | Timestamp (microseconds)
// 8      | 4    | float32 | Min (NaN = gap)
// 12     | 4    | float32 | Max (NaN = gap)
// 16     | 4    | float32 | Average (NaN = gap)
// 20     | 2    | uint16  | Digital channel states
//
// All fields are little-endian.
const (
	ChartBinaryMagic   uint16 = 0x4350
	ChartBinaryVersion uint8  = 1

	ChartFlagRaw uint8 = 1 << 0

	ChartHeaderSize = 48
	ChartPointSize  = 22
)

// chartZstdPool provides reusable zstd encoders
var chartZstdPool = sync.Pool{
	New: func() interface{} {
		encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		return encoder
	},
}

// ChartBinaryEncoder encodes chart series for one connection
type ChartBinaryEncoder struct {
	useCompression bool
	zstdEncoder    *zstd.Encoder
	buf            []byte
}

// NewChartBinaryEncoder creates an encoder; Release must be called when the
// connection closes
func NewChartBinaryEncoder(useCompression bool) *ChartBinaryEncoder {
	e := &ChartBinaryEncoder{useCompression: useCompression}
	if useCompression {
		e.zstdEncoder = chartZstdPool.Get().(*zstd.Encoder)
	}
	return e
}

// Release returns the zstd encoder to the pool
func (e *ChartBinaryEncoder) Release() {
	if e.zstdEncoder != nil {
		chartZstdPool.Put(e.zstdEncoder)
		e.zstdEncoder = nil
	}
}

// Encode builds a packet for series. The returned slice is only valid until
// the next call.
func (e *ChartBinaryEncoder) Encode(series ChartSeries, tl Timeline) []byte {
	size := ChartHeaderSize + len(series.Points)*ChartPointSize
	if cap(e.buf) < size {
		e.buf = make([]byte, size)
	}
	packet := e.buf[:size]

	binary.LittleEndian.PutUint16(packet[0:], ChartBinaryMagic)
	packet[2] = ChartBinaryVersion
	packet[3] = 0
	if series.Raw() {
		packet[3] |= ChartFlagRaw
	}
	binary.LittleEndian.PutUint64(packet[4:], uint64(series.Begin))
	binary.LittleEndian.PutUint64(packet[12:], uint64(series.End))
	binary.LittleEndian.PutUint64(packet[20:], uint64(series.GroupSize))
	binary.LittleEndian.PutUint64(packet[28:], uint64(tl.TotalSamples))
	binary.LittleEndian.PutUint64(packet[36:], uint64(tl.PeriodMicros))
	binary.LittleEndian.PutUint32(packet[44:], uint32(len(series.Points)))

	offset := ChartHeaderSize
	for _, p := range series.Points {
		binary.LittleEndian.PutUint64(packet[offset:], uint64(p.Timestamp))
		binary.LittleEndian.PutUint32(packet[offset+8:], math.Float32bits(p.Min))
		binary.LittleEndian.PutUint32(packet[offset+12:], math.Float32bits(p.Max))
		binary.LittleEndian.PutUint32(packet[offset+16:], math.Float32bits(p.Avg))
		binary.LittleEndian.PutUint16(packet[offset+20:], p.Bits)
		offset += ChartPointSize
	}

	if e.useCompression && e.zstdEncoder != nil {
		return e.zstdEncoder.EncodeAll(packet, make([]byte, 0, len(packet)/2))
	}
	return packet
}

// decodeChartPacket parses an uncompressed packet, used by tests and tools
func decodeChartPacket(packet []byte) (ChartSeries, Timeline, bool) {
	var series ChartSeries
	var tl Timeline
	if len(packet) < ChartHeaderSize || binary.LittleEndian.Uint16(packet) != ChartBinaryMagic {
		return series, tl, false
	}
	series.Begin = int64(binary.LittleEndian.Uint64(packet[4:]))
	series.End = int64(binary.LittleEndian.Uint64(packet[12:]))
	series.GroupSize = int64(binary.LittleEndian.Uint64(packet[20:]))
	tl.TotalSamples = int64(binary.LittleEndian.Uint64(packet[28:]))
	tl.PeriodMicros = int64(binary.LittleEndian.Uint64(packet[36:]))
	n := int(binary.LittleEndian.Uint32(packet[44:]))
	if len(packet) < ChartHeaderSize+n*ChartPointSize {
		return series, tl, false
	}

	series.Points = make([]ChartPoint, n)
	offset := ChartHeaderSize
	for i := range series.Points {
		series.Points[i] = ChartPoint{
			Timestamp: int64(binary.LittleEndian.Uint64(packet[offset:])),
			Min:       math.Float32frombits(binary.LittleEndian.Uint32(packet[offset+8:])),
			Max:       math.Float32frombits(binary.LittleEndian.Uint32(packet[offset+12:])),
			Avg:       math.Float32frombits(binary.LittleEndian.Uint32(packet[offset+16:])),
			Bits:      binary.LittleEndian.Uint16(packet[offset+20:]),
		}
		offset += ChartPointSize
	}
	return series, tl, true
}
