package port

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// DefaultNetworkPort is the raw printing port most LAN/Wi-Fi printers listen on
const DefaultNetworkPort = 9100

// NetworkPort represents a network printer connection
type NetworkPort struct {
	address string
	opts    Options

	mu   sync.Mutex
	conn net.Conn
}

// NewNetworkPort creates an unopened network port. A missing port in
// address defaults to 9100.
func NewNetworkPort(address string, opts Options) *NetworkPort {
	return &NetworkPort{
		address: normalizeHostPort(address),
		opts:    opts.withDefaults(),
	}
}

func normalizeHostPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(strings.Trim(address, "[]"), fmt.Sprint(DefaultNetworkPort))
}

// Open dials the printer
func (n *NetworkPort) Open() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", n.address, n.opts.DialTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to network printer: %w", err)
	}
	n.conn = conn
	return nil
}

// Write sends data to the network printer
func (n *NetworkPort) Write(data []byte) (int, error) {
	conn := n.current()
	if conn == nil {
		return 0, ErrNotOpen
	}
	return conn.Write(data)
}

// Read waits up to the read timeout for a response
func (n *NetworkPort) Read(buf []byte) (int, error) {
	conn := n.current()
	if conn == nil {
		return 0, ErrClosed
	}
	if err := conn.SetReadDeadline(time.Now().Add(n.opts.ReadTimeout)); err != nil {
		return 0, err
	}
	count, err := conn.Read(buf)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return count, nil
	}
	return count, err
}

// Close closes the network connection
func (n *NetworkPort) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		return nil
	}
	err := n.conn.Close()
	n.conn = nil
	return err
}

func (n *NetworkPort) current() net.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn
}
