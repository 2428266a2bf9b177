package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"
)

const (
	sourceReadBuffer  = 64 * 1024
	serialReadTimeout = 100 * time.Millisecond
)

// ByteSource produces the raw device byte stream
type ByteSource interface {
	Name() string
	Open() (io.ReadCloser, error)
	// Restart reports whether the source should be reopened after it ends
	Restart() bool
}

// NewByteSource creates the source selected in the device configuration.
// It returns nil for the "none" source.
func NewByteSource(cfg DeviceConfig) (ByteSource, error) {
	switch cfg.Source {
	case "serial":
		return &serialSource{cfg: cfg}, nil
	case "replay":
		return &replaySource{cfg: cfg}, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown device source %q", cfg.Source)
	}
}

// serialSource reads from the measurement device's serial port
type serialSource struct {
	cfg DeviceConfig
}

func (s *serialSource) Name() string  { return "serial " + s.cfg.Port }
func (s *serialSource) Restart() bool { return true }

func (s *serialSource) Open() (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(s.cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", s.cfg.Port, err)
	}

	// Timed reads let the pump notice cancellation
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	if s.cfg.InitSequence != "" {
		init, err := parseInitSequence(s.cfg.InitSequence)
		if err != nil {
			port.Close()
			return nil, err
		}
		if _, err := port.Write(init); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to write init sequence: %w", err)
		}
	}

	return port, nil
}

// parseInitSequence decodes hex bytes, allowing spaces between them
func parseInitSequence(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid device.init_sequence: %w", err)
	}
	return b, nil
}

// replaySource replays a raw capture file at a fixed pace
type replaySource struct {
	cfg DeviceConfig
}

func (s *replaySource) Name() string  { return "replay " + s.cfg.ReplayFile }
func (s *replaySource) Restart() bool { return false }

func (s *replaySource) Open() (io.ReadCloser, error) {
	f, err := os.Open(s.cfg.ReplayFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	return &pacedReader{
		f:        f,
		chunk:    s.cfg.ReplayChunkBytes,
		interval: time.Duration(s.cfg.ReplayIntervalMs) * time.Millisecond,
	}, nil
}

// pacedReader hands out at most chunk bytes per interval
type pacedReader struct {
	f        *os.File
	chunk    int
	interval time.Duration
	next     time.Time
}

func (p *pacedReader) Read(b []byte) (int, error) {
	if wait := time.Until(p.next); wait > 0 {
		time.Sleep(wait)
	}
	p.next = time.Now().Add(p.interval)
	if len(b) > p.chunk {
		b = b[:p.chunk]
	}
	return p.f.Read(b)
}

func (p *pacedReader) Close() error {
	return p.f.Close()
}

// RunByteSource pumps the source into the session until ctx is cancelled.
// Bytes arriving while no session is running are discarded.
func RunByteSource(ctx context.Context, src ByteSource, session *Session, reconnectDelay time.Duration) {
	for {
		err := pump(ctx, src, session)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			log.Printf("Warning: Device: %s failed: %v", src.Name(), err)
		} else {
			log.Printf("Device: %s ended", src.Name())
		}
		if !src.Restart() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func pump(ctx context.Context, src ByteSource, session *Session) error {
	r, err := src.Open()
	if err != nil {
		return err
	}
	log.Printf("Device: reading from %s", src.Name())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			r.Close()
		case <-stop:
			r.Close()
		}
	}()

	buf := make([]byte, sourceReadBuffer)
	var discarded int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := session.Feed(buf[:n]); ferr != nil {
				if !errors.Is(ferr, ErrSessionNotRunning) {
					return ferr
				}
				discarded += int64(n)
			}
		}
		if err != nil {
			if DebugMode && discarded > 0 {
				log.Printf("DEBUG: Device: discarded %d bytes while no session was running", discarded)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
