package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"github.com/klauspost/compress/flate"
	"github.com/shirou/gopsutil/v3/mem"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Session file format
// ===================
//
// A session file is a raw-deflate stream of length-prefixed chunks, the
// layout the nRF Connect Power Profiler writes:
//
// Chunk | Length prefix      | Payload
// ------|--------------------|------------------------------------------------
// 1     | int32 LE (BSON)    | Metadata, one BSON document (see SessionMetadata)
// 2     | uint32 LE          | Current values, float32 LE per sample (NaN = missing)
// 3     | uint32 LE          | Optional digital state words, uint16 LE per sample
//
// The metadata length is the BSON document's own size field, so it counts
// itself. The bits chunk, when present, holds exactly one word per sample of
// chunk 2. Metadata carries a "version" (string or number); legacy files
// have none and hold two documents instead, the recording options followed
// by the chart state. The sampling period of files from the desktop
// application comes from their samplingTime or samplesPerSecond keys.
const (
	sessionFormatVersion    = "2.0.0"
	sessionFormatConstraint = ">= 1.0, < 3.0"
	legacyFormatVersion     = "1.0.0"

	maxChunkBytes   = math.MaxUint32
	maxMetadataSize = 1 << 20
	minBSONDocSize  = 5
	exportChunk     = 64 * 1024
)

var (
	ErrUnsupportedFormat = errors.New("unsupported session file")
	ErrTruncatedFile     = errors.New("truncated session file")
	ErrImportTooLarge    = errors.New("session file too large")
)

var sizePrinter = message.NewPrinter(language.English)

// ImportTooLargeError reports the memory an import would need
type ImportTooLargeError struct {
	Required  uint64
	Available uint64
}

func (e *ImportTooLargeError) Error() string {
	return sizePrinter.Sprintf("session file too large: needs %d bytes, %d bytes available", e.Required, e.Available)
}

func (e *ImportTooLargeError) Unwrap() error {
	return ErrImportTooLarge
}

// SessionMetadata is the first chunk of a session file. Version is stored
// separately because the desktop application writes it as a number.
type SessionMetadata struct {
	Version          string             `bson:"-"`
	SessionID        string             `bson:"session_id,omitempty"`
	StartedAt        time.Time          `bson:"started_at"`
	ExportedAt       time.Time          `bson:"exported_at"`
	PeriodMicros     int64              `bson:"sampling_period_us"`
	SamplesPerSecond float64            `bson:"samplesPerSecond"`
	TotalSamples     int64              `bson:"total_samples"`
	BeginMicros      int64              `bson:"begin_us"` // Offset of the first sample in the source session
	DigitalChannels  bool               `bson:"digital_channels"`
	Calibration      *CalibrationState  `bson:"calibration,omitempty"`
	SpikeFilter      *SpikeFilterConfig `bson:"spike_filter,omitempty"`
}

// metadataDocument is SessionMetadata as written to disk
type metadataDocument struct {
	Version         string `bson:"version"`
	SessionMetadata `bson:",inline"`
}

// rateFields are the keys the desktop application keeps its sample rate
// under, at the top level or inside its options and metadata documents
type rateFields struct {
	SamplesPerSecond float64     `bson:"samplesPerSecond"`
	SamplingTime     float64     `bson:"samplingTime"` // Microseconds per sample
	Options          *rateFields `bson:"options"`
	Metadata         *rateFields `bson:"metadata"`
}

func (r *rateFields) periodMicros() int64 {
	if r == nil {
		return 0
	}
	switch {
	case r.SamplingTime > 0:
		return int64(math.Round(r.SamplingTime))
	case r.SamplesPerSecond > 0:
		return int64(math.Round(1e6 / r.SamplesPerSecond))
	}
	if p := r.Options.periodMicros(); p > 0 {
		return p
	}
	return r.Metadata.periodMicros()
}

// decodeMetadata reads SessionMetadata from the metadata documents of a
// file; legacy files have a second document with the chart state
func decodeMetadata(docs []bson.Raw) (SessionMetadata, error) {
	var m SessionMetadata
	if err := bson.Unmarshal(docs[0], &m); err != nil {
		return m, fmt.Errorf("%w: bad metadata: %v", ErrUnsupportedFormat, err)
	}
	if v, err := docs[0].LookupErr("version"); err == nil {
		m.Version = bsonVersionString(v)
		if m.Version == "" {
			return m, fmt.Errorf("%w: version of BSON type %s", ErrUnsupportedFormat, v.Type)
		}
	}

	if m.PeriodMicros <= 0 {
		for _, doc := range docs {
			var rates rateFields
			if err := bson.Unmarshal(doc, &rates); err != nil {
				continue
			}
			if p := rates.periodMicros(); p > 0 {
				m.PeriodMicros = p
				break
			}
		}
	}
	return m, m.checkVersion()
}

func bsonVersionString(v bson.RawValue) string {
	if s, ok := v.StringValueOK(); ok {
		return s
	}
	if f, ok := v.DoubleOK(); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if n, ok := v.AsInt64OK(); ok {
		return strconv.FormatInt(n, 10)
	}
	return ""
}

// checkVersion accepts current and legacy files
func (m *SessionMetadata) checkVersion() error {
	raw := m.Version
	if raw == "" {
		raw = legacyFormatVersion
	}
	v, err := version.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("%w: bad version %q: %v", ErrUnsupportedFormat, m.Version, err)
	}
	constraint, err := version.NewConstraint(sessionFormatConstraint)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: version %s (supported %s)", ErrUnsupportedFormat, v, sessionFormatConstraint)
	}

	if m.PeriodMicros <= 0 {
		return fmt.Errorf("%w: missing sampling period", ErrUnsupportedFormat)
	}
	return nil
}

// readBSONDocument reads one length-prefixed BSON document
func readBSONDocument(r io.Reader) (bson.Raw, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedFile, err)
	}
	size := int64(binary.LittleEndian.Uint32(hdr[:]))
	if size < minBSONDocSize || size > maxMetadataSize {
		return nil, fmt.Errorf("%w: metadata size %d", ErrUnsupportedFormat, size)
	}
	doc := make([]byte, size)
	copy(doc, hdr[:])
	if _, err := io.ReadFull(r, doc[4:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedFile, err)
	}
	if err := bson.Raw(doc).Validate(); err != nil {
		return nil, fmt.Errorf("%w: bad metadata: %v", ErrUnsupportedFormat, err)
	}
	return doc, nil
}

func writeChunkHeader(w io.Writer, n int64) error {
	if n > maxChunkBytes {
		return fmt.Errorf("chunk of %d bytes exceeds the format limit", n)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(n))
	_, err := w.Write(hdr[:])
	return err
}

func readChunkHeader(r io.Reader) (int64, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint32(hdr[:])), nil
}

// Export writes the samples of [beginMicros, endMicros) as a session file.
// A zero or negative end exports up to the live edge.
func (s *Session) Export(w io.Writer, beginMicros, endMicros int64) (err error) {
	defer func() { s.metrics.RecordExport(err) }()

	tl := s.store.Timeline()
	if endMicros <= 0 {
		endMicros = tl.LiveTimestamp()
	}
	begin, end := tl.clampWindow(beginMicros, endMicros)
	n := end - begin

	st := s.state.Load()
	cal, filter := s.Calibration(), s.SpikeFilter()
	meta := SessionMetadata{
		Version:          sessionFormatVersion,
		SessionID:        st.id,
		StartedAt:        st.startedAt,
		ExportedAt:       time.Now().UTC(),
		PeriodMicros:     tl.PeriodMicros,
		SamplesPerSecond: tl.SampleRate(),
		TotalSamples:     n,
		BeginMicros:      indexToTimestamp(begin, tl.PeriodMicros),
		DigitalChannels:  s.config.Device.DigitalChannels,
		Calibration:      &cal,
		SpikeFilter:      &filter,
	}
	metaBytes, err := bson.Marshal(metadataDocument{Version: meta.Version, SessionMetadata: meta})
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	fw, err := flate.NewWriter(w, flate.DefaultCompression)
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}
	bw := bufio.NewWriterSize(fw, 256*1024)

	// The document starts with its own length
	if _, err := bw.Write(metaBytes); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	values := make([]float32, minInt64(n, exportChunk))
	bits := make([]uint16, len(values))
	buf := make([]byte, len(values)*4)

	if err := writeChunkHeader(bw, n*4); err != nil {
		return fmt.Errorf("failed to write values: %w", err)
	}
	for from := begin; from < end; from += exportChunk {
		to := minInt64(end, from+exportChunk)
		c := to - from
		s.store.readIndexes(from, to, values[:c], bits[:c])
		for i, v := range values[:c] {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		if _, err := bw.Write(buf[:c*4]); err != nil {
			return fmt.Errorf("failed to write values: %w", err)
		}
	}

	if meta.DigitalChannels {
		if err := writeChunkHeader(bw, n*2); err != nil {
			return fmt.Errorf("failed to write digital states: %w", err)
		}
		for from := begin; from < end; from += exportChunk {
			to := minInt64(end, from+exportChunk)
			c := to - from
			s.store.readIndexes(from, to, values[:c], bits[:c])
			for i, b := range bits[:c] {
				binary.LittleEndian.PutUint16(buf[i*2:], b)
			}
			if _, err := bw.Write(buf[:c*2]); err != nil {
				return fmt.Errorf("failed to write digital states: %w", err)
			}
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush session file: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("failed to finish session file: %w", err)
	}

	log.Printf("Exported %d samples of session %s", n, st.id)
	return nil
}

// fileLayout is what the validation pass learns about a session file
type fileLayout struct {
	meta         SessionMetadata
	metaSize     int64 // Bytes of the metadata documents
	samples      int64
	hasBits      bool
	decompressed uint64
}

// scanSessionFile decompresses the whole file once, validating its chunk
// structure and measuring its decompressed size
func scanSessionFile(r io.Reader) (*fileLayout, error) {
	counter := &countingReader{r: flate.NewReader(r)}
	br := bufio.NewReaderSize(counter, 256*1024)

	first, err := readBSONDocument(br)
	if err != nil {
		return nil, err
	}
	docs := []bson.Raw{first}
	if _, err := first.LookupErr("version"); err != nil {
		chart, err := readBSONDocument(br)
		if err != nil {
			return nil, err
		}
		docs = append(docs, chart)
	}

	layout := &fileLayout{}
	for _, doc := range docs {
		layout.metaSize += int64(len(doc))
	}
	if layout.meta, err = decodeMetadata(docs); err != nil {
		return nil, err
	}

	valueSize, err := readChunkHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedFile, err)
	}
	if valueSize%4 != 0 {
		return nil, fmt.Errorf("%w: value chunk of %d bytes", ErrUnsupportedFormat, valueSize)
	}
	if _, err := io.CopyN(io.Discard, br, valueSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedFile, err)
	}
	layout.samples = valueSize / 4

	bitsSize, err := readChunkHeader(br)
	switch {
	case err == io.EOF:
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrTruncatedFile, err)
	default:
		if bitsSize != layout.samples*2 {
			return nil, fmt.Errorf("%w: digital chunk holds %d bytes for %d samples", ErrUnsupportedFormat, bitsSize, layout.samples)
		}
		if _, err := io.CopyN(io.Discard, br, bitsSize); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncatedFile, err)
		}
		layout.hasBits = true
	}

	if _, err := io.Copy(io.Discard, br); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedFile, err)
	}
	layout.decompressed = counter.n
	return layout, nil
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}

// importBudget is the number of bytes an import may decompress to
func (s *Session) importBudget() uint64 {
	budget := uint64(s.config.Import.MaxMB) * 1024 * 1024
	if vm, err := mem.VirtualMemory(); err == nil && vm.Available < budget {
		budget = vm.Available
	}
	return budget
}

// ImportSession replaces the timeline with the content of a session file.
// The file is validated in full before anything is touched, so a file that
// is rejected leaves the current timeline as it was. Once loading has begun
// the old timeline is gone: if reading the samples back or spilling them
// fails, the session is left empty under a new ID.
func (s *Session) ImportSession(ra io.ReaderAt, size int64) (err error) {
	defer func() { s.metrics.RecordImport(err) }()

	layout, err := scanSessionFile(io.NewSectionReader(ra, 0, size))
	if err != nil {
		return err
	}

	if available := s.importBudget(); layout.decompressed > available {
		return &ImportTooLargeError{Required: layout.decompressed, Available: available}
	}

	meta := layout.meta
	capacity := ringCapacity(s.config.Sampling, meta.PeriodMicros)
	if !s.store.Persistent() && layout.samples > capacity {
		return &ImportTooLargeError{
			Required:  uint64(layout.samples) * ringSlotSize,
			Available: uint64(capacity) * ringSlotSize,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Load().running {
		return ErrSessionRunning
	}
	if err := s.store.Reset(meta.PeriodMicros, capacity); err != nil {
		return fmt.Errorf("failed to reset sample store: %w", err)
	}

	s.missingTotal.Store(0)

	if err := s.loadSamples(ra, size, layout); err != nil {
		if resetErr := s.store.Reset(meta.PeriodMicros, capacity); resetErr != nil {
			log.Printf("Warning: failed to clear partial import: %v", resetErr)
		}
		s.state.Store(&sessionState{id: uuid.NewString()})
		return err
	}

	// Files from the desktop application carry neither
	if meta.Calibration != nil {
		if err := s.calibrator.SetState(*meta.Calibration); err != nil {
			log.Printf("Warning: imported calibration rejected, keeping current: %v", err)
		}
	}
	if meta.SpikeFilter != nil {
		s.calibrator.Filter().SetConfig(*meta.SpikeFilter)
	}

	id := meta.SessionID
	if id == "" {
		id = s.ID()
	}
	s.state.Store(&sessionState{id: id, imported: true, startedAt: meta.StartedAt})

	log.Printf("Imported %d samples (period %dus, format %s) into session %s",
		layout.samples, meta.PeriodMicros, meta.Version, id)
	return nil
}

// loadSamples streams values (and states) into the empty store. Values and
// states are separate chunks, so each gets its own decompressor.
func (s *Session) loadSamples(ra io.ReaderAt, size int64, layout *fileLayout) error {
	values := bufio.NewReaderSize(flate.NewReader(io.NewSectionReader(ra, 0, size)), 256*1024)
	if _, err := values.Discard(int(layout.metaSize + 4)); err != nil {
		return fmt.Errorf("%w: %v", ErrTruncatedFile, err)
	}

	var states *bufio.Reader
	if layout.hasBits {
		states = bufio.NewReaderSize(flate.NewReader(io.NewSectionReader(ra, 0, size)), 128*1024)
		skip := layout.metaSize + 4 + layout.samples*4 + 4
		if _, err := io.CopyN(io.Discard, states, skip); err != nil {
			return fmt.Errorf("%w: %v", ErrTruncatedFile, err)
		}
	}

	flushEvery := s.store.Capacity() / 2
	var vb [4]byte
	var sb [2]byte
	for i := int64(0); i < layout.samples; i++ {
		if _, err := io.ReadFull(values, vb[:]); err != nil {
			return fmt.Errorf("%w: %v", ErrTruncatedFile, err)
		}
		var bits uint16
		if states != nil {
			if _, err := io.ReadFull(states, sb[:]); err != nil {
				return fmt.Errorf("%w: %v", ErrTruncatedFile, err)
			}
			bits = binary.LittleEndian.Uint16(sb[:])
		}
		s.store.Append(math.Float32frombits(binary.LittleEndian.Uint32(vb[:])), bits)

		// The import outpaces the background spill worker, so spill inline
		// before the ring laps itself
		if (i+1)%flushEvery == 0 {
			if err := s.store.Flush(); err != nil {
				return fmt.Errorf("failed to spill imported samples: %w", err)
			}
		}
	}

	if err := s.store.Flush(); err != nil {
		return fmt.Errorf("failed to spill imported samples: %w", err)
	}
	s.metrics.RecordAppended(int(layout.samples), layout.samples)
	return nil
}
