package port

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tarm/serial"
)

// SerialLine is a printer on an RS-232 or USB-serial adapter
type SerialLine struct {
	device string
	opts   Options

	mu   sync.Mutex
	port *serial.Port
}

// NewSerialLine creates an unopened serial port for device
func NewSerialLine(device string, opts Options) *SerialLine {
	return &SerialLine{
		device: device,
		opts:   opts.withDefaults(),
	}
}

// Open opens the serial device
func (s *SerialLine) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return nil
	}

	config := &serial.Config{
		Name:        s.device,
		Baud:        s.opts.Baud,
		ReadTimeout: s.opts.ReadTimeout,
	}

	port, err := serial.OpenPort(config)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.device, err)
	}
	s.port = port
	return nil
}

// Write sends data to the printer
func (s *SerialLine) Write(data []byte) (int, error) {
	p := s.current()
	if p == nil {
		return 0, ErrNotOpen
	}
	return p.Write(data)
}

// Read reads a printer response
func (s *SerialLine) Read(buf []byte) (int, error) {
	p := s.current()
	if p == nil {
		return 0, ErrClosed
	}
	n, err := p.Read(buf)
	// with a read timeout set, an idle line reads as 0 bytes + EOF
	if n == 0 && errors.Is(err, io.EOF) && s.current() == p {
		return 0, nil
	}
	return n, err
}

// Close closes the serial device
func (s *SerialLine) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *SerialLine) current() *serial.Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}
