package port

import (
	"fmt"
	"sync"

	"go.bug.st/serial"
)

// BluetoothPort talks to a paired printer through its Serial Port Profile
// device: /dev/rfcommN on Linux, /dev/cu.* on macOS, an outgoing COM port on
// Windows. The address is that device path.
type BluetoothPort struct {
	device string
	opts   Options

	mu   sync.Mutex
	port serial.Port
}

// NewBluetoothPort creates an unopened Bluetooth SPP port
func NewBluetoothPort(device string, opts Options) *BluetoothPort {
	return &BluetoothPort{
		device: device,
		opts:   opts.withDefaults(),
	}
}

// Open connects to the SPP device
func (b *BluetoothPort) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.port != nil {
		return nil
	}

	mode := &serial.Mode{
		BaudRate: b.opts.Baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(b.device, mode)
	if err != nil {
		return fmt.Errorf("failed to open bluetooth port %s: %w", b.device, err)
	}
	if err := p.SetReadTimeout(b.opts.ReadTimeout); err != nil {
		p.Close()
		return fmt.Errorf("failed to set read timeout on %s: %w", b.device, err)
	}
	b.port = p
	return nil
}

// Write sends data to the printer
func (b *BluetoothPort) Write(data []byte) (int, error) {
	p := b.current()
	if p == nil {
		return 0, ErrNotOpen
	}
	return p.Write(data)
}

// Read reads a printer response. A read timeout yields 0, nil.
func (b *BluetoothPort) Read(buf []byte) (int, error) {
	p := b.current()
	if p == nil {
		return 0, ErrClosed
	}
	return p.Read(buf)
}

// Close drops the SPP link
func (b *BluetoothPort) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	return err
}

func (b *BluetoothPort) current() serial.Port {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port
}
