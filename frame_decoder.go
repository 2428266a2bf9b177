package main

import (
	"encoding/binary"
	"fmt"
)

// Measurement frame layout
// ========================
//
// The device streams fixed-width little-endian frames. Only the low 32 bits
// carry data; wider frames (if a protocol revision uses them) are padded.
//
// Bits   | Field     | Description
// -------|-----------|-------------------------------------------------
// 0-13   | ADC code  | Raw 14-bit conversion result (scaled by 4 before use)
// 14-16  | Range     | Measurement range 0..4 (5..7 are invalid)
// 17     | -         | Unused
// 18-23  | Counter   | Rolling 6-bit sequence counter
// 24-31  | Logic     | Digital channel levels, bit n = channel n
const (
	frameADCMask      = 0x3fff
	frameRangeShift   = 14
	frameRangeMask    = 0x7
	frameCounterShift = 18
	frameCounterMask  = 0x3f
	frameLogicShift   = 24
	frameLogicMask    = 0xff

	minFrameWidth     = 4
	maxFrameWidth     = 8
	defaultFrameWidth = 4

	counterModulus = frameCounterMask + 1
	maxRangeIndex  = 4
	rangeCount     = maxRangeIndex + 1
)

// RawFrame is one decoded device frame before calibration
type RawFrame struct {
	ADC     uint16 // 14-bit ADC code
	Range   uint8  // Measurement range (values above maxRangeIndex are invalid)
	Counter uint8  // 6-bit sequence counter
	Logic   uint8  // Digital channel levels
}

// FrameDecoder splits an arbitrarily chunked byte stream into frames. Bytes
// of an incomplete trailing frame are carried over to the next Feed call.
type FrameDecoder struct {
	width     int
	remainder []byte
}

// NewFrameDecoder creates a decoder for frames of the given byte width
func NewFrameDecoder(width int) (*FrameDecoder, error) {
	if width == 0 {
		width = defaultFrameWidth
	}
	if width < minFrameWidth || width > maxFrameWidth {
		return nil, fmt.Errorf("invalid frame width %d (must be %d-%d bytes)", width, minFrameWidth, maxFrameWidth)
	}
	return &FrameDecoder{
		width:     width,
		remainder: make([]byte, 0, width),
	}, nil
}

// Feed decodes every complete frame available after prepending the bytes
// left over from the previous call, appending them to dst.
func (d *FrameDecoder) Feed(chunk []byte, dst []RawFrame) []RawFrame {
	data := chunk

	if len(d.remainder) > 0 {
		need := d.width - len(d.remainder)
		if len(data) < need {
			d.remainder = append(d.remainder, data...)
			return dst
		}
		d.remainder = append(d.remainder, data[:need]...)
		dst = append(dst, decodeFrame(d.remainder))
		d.remainder = d.remainder[:0]
		data = data[need:]
	}

	complete := len(data) - len(data)%d.width
	for off := 0; off < complete; off += d.width {
		dst = append(dst, decodeFrame(data[off:off+d.width]))
	}
	d.remainder = append(d.remainder, data[complete:]...)

	return dst
}

// Pending returns the number of buffered bytes of an incomplete frame
func (d *FrameDecoder) Pending() int {
	return len(d.remainder)
}

// Reset drops any partial frame
func (d *FrameDecoder) Reset() {
	d.remainder = d.remainder[:0]
}

func decodeFrame(b []byte) RawFrame {
	word := binary.LittleEndian.Uint32(b)
	return RawFrame{
		ADC:     uint16(word & frameADCMask),
		Range:   uint8((word >> frameRangeShift) & frameRangeMask),
		Counter: uint8((word >> frameCounterShift) & frameCounterMask),
		Logic:   uint8((word >> frameLogicShift) & frameLogicMask),
	}
}

// encodeFrame is the inverse of decodeFrame, used by replay tooling and tests
func encodeFrame(f RawFrame, width int) []byte {
	b := make([]byte, width)
	word := uint32(f.ADC)&frameADCMask |
		(uint32(f.Range)&frameRangeMask)<<frameRangeShift |
		(uint32(f.Counter)&frameCounterMask)<<frameCounterShift |
		(uint32(f.Logic)&frameLogicMask)<<frameLogicShift
	binary.LittleEndian.PutUint32(b, word)
	return b
}
