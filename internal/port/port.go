// Package port opens raw byte transports to printers: serial, Bluetooth SPP,
// USB and Wi-Fi/LAN sockets.
package port

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Port is the transport handle for one device address.
//
// Read blocks until data arrives, the transport's read timeout expires
// (returning 0, nil) or the port is closed.
type Port interface {
	Open() error
	Close() error
	Write(data []byte) (int, error)
	Read(buf []byte) (int, error)
}

// Common errors
var (
	ErrClosed      = errors.New("port closed")
	ErrNotOpen     = errors.New("port not open")
	ErrUnsupported = errors.New("unsupported connection method")
)

// Method is the physical transport used to reach a printer
type Method int

const (
	Bluetooth Method = iota
	USB
	WiFi
	SerialPort
)

func (m Method) String() string {
	switch m {
	case Bluetooth:
		return "bluetooth"
	case USB:
		return "usb"
	case WiFi:
		return "wifi"
	case SerialPort:
		return "serial"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// MarshalText renders the method by name
func (m Method) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a method name
func (m *Method) UnmarshalText(text []byte) error {
	parsed, err := ParseMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMethod converts a method name into a Method
func ParseMethod(name string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bluetooth", "bt":
		return Bluetooth, nil
	case "usb":
		return USB, nil
	case "wifi", "network", "tcp":
		return WiFi, nil
	case "serial", "serial_port", "serialport":
		return SerialPort, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupported, name)
	}
}

// Options tune the transports
type Options struct {
	Baud        int
	ReadTimeout time.Duration
	DialTimeout time.Duration
}

// DefaultOptions returns settings that work for most thermal printers
func DefaultOptions() Options {
	return Options{
		Baud:        9600,
		ReadTimeout: 500 * time.Millisecond,
		DialTimeout: 5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Baud == 0 {
		o.Baud = d.Baud
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	return o
}

// Factory builds an unopened Port for an address
type Factory func(method Method, address string) (Port, error)

// NewFactory returns a Factory producing the real transports
func NewFactory(opts Options) Factory {
	opts = opts.withDefaults()
	return func(method Method, address string) (Port, error) {
		switch method {
		case SerialPort:
			return NewSerialLine(address, opts), nil
		case Bluetooth:
			return NewBluetoothPort(address, opts), nil
		case USB:
			vid, pid, err := ParseUSBAddress(address)
			if err != nil {
				return nil, err
			}
			return NewUSBPort(vid, pid, opts), nil
		case WiFi:
			return NewNetworkPort(address, opts), nil
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, method)
		}
	}
}
