package port

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/gousb"
	"go.uber.org/multierr"
)

// USBPort represents a USB printer connection
type USBPort struct {
	vid, pid uint16
	opts     Options

	mu       sync.Mutex
	ctx      *gousb.Context
	device   *gousb.Device
	done     func()
	iface    *gousb.Interface
	out      *gousb.OutEndpoint
	in       *gousb.InEndpoint
	closed   chan struct{}
	isOpened bool
}

// ParseUSBAddress parses a "VID:PID" address in hex, e.g. "04B8:0E15"
func ParseUSBAddress(address string) (vid, pid uint16, err error) {
	parts := strings.Split(strings.TrimSpace(address), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid USB address %q, want VID:PID", address)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(parts[0]), "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid USB vendor id %q: %w", parts[0], err)
	}
	p, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(parts[1]), "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid USB product id %q: %w", parts[1], err)
	}
	return uint16(v), uint16(p), nil
}

// FormatUSBAddress renders vid/pid the way ParseUSBAddress expects
func FormatUSBAddress(vid, pid uint16) string {
	return fmt.Sprintf("%04X:%04X", vid, pid)
}

// NewUSBPort creates an unopened USB port
func NewUSBPort(vid, pid uint16, opts Options) *USBPort {
	return &USBPort{
		vid:  vid,
		pid:  pid,
		opts: opts.withDefaults(),
	}
}

// Open claims the printer interface and its bulk endpoints.
// Returns an error if USB support is not available (libusb not installed).
func (u *USBPort) Open() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.isOpened {
		return nil
	}

	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(u.vid), gousb.ID(u.pid))
	if err != nil {
		ctx.Close()
		return fmt.Errorf("failed to open USB device: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return fmt.Errorf("device not found: %s", FormatUSBAddress(u.vid, u.pid))
	}

	// Try without auto-detach first; some devices work without it
	iface, done, err := dev.DefaultInterface()
	if err != nil {
		dev.SetAutoDetach(true)
		iface, done, err = dev.DefaultInterface()
	}
	if err != nil {
		dev.Close()
		ctx.Close()
		return fmt.Errorf("failed to claim USB interface: %w", err)
	}

	var out *gousb.OutEndpoint
	var in *gousb.InEndpoint
	for _, epDesc := range iface.Setting.Endpoints {
		switch {
		case epDesc.Direction == gousb.EndpointDirectionOut && out == nil:
			if ep, err := iface.OutEndpoint(epDesc.Number); err == nil {
				out = ep
			}
		case epDesc.Direction == gousb.EndpointDirectionIn && in == nil:
			if ep, err := iface.InEndpoint(epDesc.Number); err == nil {
				in = ep
			}
		}
	}
	if out == nil {
		done()
		dev.Close()
		ctx.Close()
		return fmt.Errorf("no OUT endpoint on USB printer %s", FormatUSBAddress(u.vid, u.pid))
	}

	u.ctx = ctx
	u.device = dev
	u.done = done
	u.iface = iface
	u.out = out
	u.in = in
	u.closed = make(chan struct{})
	u.isOpened = true
	return nil
}

// Write sends data to the USB printer
func (u *USBPort) Write(data []byte) (int, error) {
	u.mu.Lock()
	out := u.out
	u.mu.Unlock()

	if out == nil {
		return 0, ErrNotOpen
	}
	return out.Write(data)
}

// Read reads from the IN endpoint, giving up after the read timeout.
// Printers without an IN endpoint never answer; Read then just idles.
func (u *USBPort) Read(buf []byte) (int, error) {
	u.mu.Lock()
	in, closed, opened := u.in, u.closed, u.isOpened
	u.mu.Unlock()

	if !opened {
		return 0, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), u.opts.ReadTimeout)
	defer cancel()

	if in == nil {
		select {
		case <-closed:
			return 0, ErrClosed
		case <-ctx.Done():
			return 0, nil
		}
	}

	n, err := in.ReadContext(ctx, buf)
	if err != nil {
		select {
		case <-closed:
			return n, ErrClosed
		default:
		}
		if ctx.Err() != nil {
			return n, nil
		}
	}
	return n, err
}

// Close releases the interface, the device and the libusb context
func (u *USBPort) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.isOpened {
		return nil
	}
	close(u.closed)

	if u.done != nil {
		u.done()
	}
	var err error
	if u.device != nil {
		err = multierr.Append(err, u.device.Close())
	}
	if u.ctx != nil {
		err = multierr.Append(err, u.ctx.Close())
	}

	u.ctx, u.device, u.done, u.iface, u.out, u.in = nil, nil, nil, nil, nil, nil
	u.isOpened = false
	return err
}
