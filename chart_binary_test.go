package main

import (
	"testing"

	"github.com/klauspost/compress/zstd"
)

func testSeries() (ChartSeries, Timeline) {
	series := ChartSeries{
		Begin:     1000,
		End:       5000,
		GroupSize: 10,
		Points: []ChartPoint{
			{Timestamp: 1000, Min: 1, Max: 3, Avg: 2, Bits: 0x5555},
			{Timestamp: 1100, Min: missingCurrent, Max: missingCurrent, Avg: missingCurrent},
			{Timestamp: 1200, Min: -0.5, Max: 1e6, Avg: 12.25, Bits: 0xffff},
		},
	}
	return series, Timeline{PeriodMicros: 10, TotalSamples: 123456}
}

func checkDecoded(t *testing.T, packet []byte, want ChartSeries, wantTL Timeline) {
	t.Helper()
	got, tl, ok := decodeChartPacket(packet)
	if !ok {
		t.Fatal("packet rejected")
	}
	if tl != wantTL || got.Begin != want.Begin || got.End != want.End || got.GroupSize != want.GroupSize {
		t.Fatalf("header %+v %+v", got, tl)
	}
	if !samePoints(got.Points, want.Points) {
		t.Fatalf("points %+v", got.Points)
	}
}

func TestChartBinaryEncode(t *testing.T) {
	series, tl := testSeries()
	e := NewChartBinaryEncoder(false)
	defer e.Release()

	packet := e.Encode(series, tl)
	if len(packet) != ChartHeaderSize+3*ChartPointSize {
		t.Fatalf("packet is %d bytes", len(packet))
	}
	if packet[3]&ChartFlagRaw != 0 {
		t.Fatal("aggregated series flagged raw")
	}
	checkDecoded(t, packet, series, tl)

	series.GroupSize = 1
	if packet = e.Encode(series, tl); packet[3]&ChartFlagRaw == 0 {
		t.Fatal("raw series not flagged")
	}
}

func TestChartBinaryCompressed(t *testing.T) {
	series, tl := testSeries()
	e := NewChartBinaryEncoder(true)
	defer e.Release()

	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	packet, err := dec.DecodeAll(e.Encode(series, tl), nil)
	if err != nil {
		t.Fatal(err)
	}
	checkDecoded(t, packet, series, tl)
}

func TestDecodeChartPacketRejectsGarbage(t *testing.T) {
	if _, _, ok := decodeChartPacket([]byte{1, 2, 3}); ok {
		t.Fatal("short packet accepted")
	}
	series, tl := testSeries()
	packet := NewChartBinaryEncoder(false).Encode(series, tl)
	if _, _, ok := decodeChartPacket(packet[:len(packet)-1]); ok {
		t.Fatal("truncated packet accepted")
	}
}
