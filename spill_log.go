package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// Spill log record format
// =======================
//
// The spill log holds every sample that has left (or is about to leave) the
// in-memory ring, as fixed-size records addressed by sample index:
//
// Offset | Size | Type    | Description
// -------|------|---------|---------------------------------------
// 0      | 4    | float32 | Current in microamps (NaN = missing)
// 4      | 2    | uint16  | Digital channel state word
//
// Record i lives at byte offset i*6, so reads never need an index.
const spillRecordSize = 6

// spillLog is the append-only on-disk tail of a session. Writes come from the
// store's spill worker only; reads may run concurrently from any goroutine
// and only ever touch records that were fully written before.
type spillLog struct {
	path string
	file *os.File
	buf  []byte
}

// spillReadPool recycles read buffers for concurrent readers
var spillReadPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 64*1024)
		return &b
	},
}

// openSpillLog creates (or truncates) the spill file for a session
func openSpillLog(dir, name string) (*spillLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}

	path := filepath.Join(dir, name+".spill")
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open spill file: %w", err)
	}

	return &spillLog{path: path, file: file}, nil
}

// writeAt stores records for samples [index, index+len(values))
func (l *spillLog) writeAt(index int64, values []float32, bits []uint16) error {
	size := len(values) * spillRecordSize
	if cap(l.buf) < size {
		l.buf = make([]byte, size)
	}
	buf := l.buf[:size]

	for i, v := range values {
		off := i * spillRecordSize
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		binary.LittleEndian.PutUint16(buf[off+4:], bits[i])
	}

	if _, err := l.file.WriteAt(buf, index*spillRecordSize); err != nil {
		return fmt.Errorf("failed to write spill records at %d: %w", index, err)
	}
	return nil
}

// readAt loads records for samples [index, index+len(values))
func (l *spillLog) readAt(index int64, values []float32, bits []uint16) error {
	size := len(values) * spillRecordSize
	bp := spillReadPool.Get().(*[]byte)
	defer spillReadPool.Put(bp)
	if cap(*bp) < size {
		*bp = make([]byte, size)
	}
	buf := (*bp)[:size]

	if _, err := l.file.ReadAt(buf, index*spillRecordSize); err != nil {
		return fmt.Errorf("failed to read spill records at %d: %w", index, err)
	}

	for i := range values {
		off := i * spillRecordSize
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		bits[i] = binary.LittleEndian.Uint16(buf[off+4:])
	}
	return nil
}

// truncate discards every record
func (l *spillLog) truncate() error {
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate spill file: %w", err)
	}
	return nil
}

// close closes and removes the spill file; its content has no value once the
// owning store is gone
func (l *spillLog) close() error {
	err := l.file.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}
