package printer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thereceipt/printer-link/internal/port"
	"github.com/thereceipt/printer-link/internal/protocol"
	"github.com/thereceipt/printer-link/internal/scheduler"
)

// Connection errors
var (
	ErrNotRegistered   = errors.New("connection is not registered")
	ErrNotOpen         = errors.New("connection is not open")
	ErrNotReady        = errors.New("printer protocol not detected yet")
	ErrDetectionFailed = errors.New("no response to any protocol probe")
)

// State is the lifecycle stage of a Connection
type State string

const (
	StateClosed    State = "closed"
	StateOpening   State = "opening"
	StateDetecting State = "detecting"
	StateReady     State = "ready"
	StateFaulted   State = "faulted"
)

// Connection is the link to one printer. It owns the port, the reader
// goroutine and the protocol detection state of the current session.
type Connection struct {
	address string
	method  port.Method
	manager *ConnectionManager
	newPort port.Factory
	queue   *scheduler.SerialQueue
	bus     *EventBus
	log     *zap.Logger

	probePeriod time.Duration

	// lifecycle serializes Open and Close
	lifecycle sync.Mutex

	mu        sync.Mutex
	port      port.Port
	isOpen    bool
	opening   bool
	faulted   bool
	protocol  protocol.Protocol
	round     int
	lastProbe protocol.Protocol
	connected bool
	session   uint64
	cancel    context.CancelFunc
	waiters   []chan protocol.Response
}

// Snapshot is a point-in-time view of a Connection
type Snapshot struct {
	Address  string            `json:"address"`
	Method   port.Method       `json:"method"`
	State    State             `json:"state"`
	Open     bool              `json:"open"`
	Protocol protocol.Protocol `json:"protocol"`
}

// Address returns the transport address, which is also the registry key
func (c *Connection) Address() string {
	return c.address
}

// Method returns the transport used for this printer
func (c *Connection) Method() port.Method {
	return c.method
}

// IsOpen reports whether the port is open
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpen
}

// Protocol returns the confirmed protocol, Unknown while detection runs
func (c *Connection) Protocol() protocol.Protocol {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// State returns the lifecycle stage
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Connection) stateLocked() State {
	switch {
	case c.opening:
		return StateOpening
	case c.isOpen && c.protocol == protocol.Unknown:
		return StateDetecting
	case c.isOpen:
		return StateReady
	case c.faulted:
		return StateFaulted
	default:
		return StateClosed
	}
}

// Snapshot returns the current state of the connection
func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Address:  c.address,
		Method:   c.method,
		State:    c.stateLocked(),
		Open:     c.isOpen,
		Protocol: c.protocol,
	}
}

// Open opens a fresh port and starts protocol detection. A connection that
// is no longer the manager's entry for its address does nothing and returns
// ErrNotRegistered. Failures leave the connection closed; there is no retry.
func (c *Connection) Open() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.manager.holds(c) {
		c.log.Debug("open skipped, connection superseded")
		return ErrNotRegistered
	}

	if err := c.closeSession(nil, false); err != nil {
		return fmt.Errorf("failed to close previous session: %w", err)
	}

	c.mu.Lock()
	c.isOpen = false
	c.opening = true
	c.mu.Unlock()

	p, err := c.openPort()
	if err != nil {
		c.mu.Lock()
		c.opening = false
		c.mu.Unlock()
		c.log.Warn("open failed", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.port = p
	c.isOpen = true
	c.opening = false
	c.faulted = false
	c.protocol = protocol.Unknown
	c.round = 0
	c.lastProbe = protocol.Unknown
	c.connected = false
	c.session++
	c.cancel = cancel
	session := c.session
	c.mu.Unlock()

	c.log.Info("port opened, detecting protocol")

	responses := make(chan []byte, 16)
	go c.readLoop(ctx, p, responses)
	go c.dispatch(ctx, session, responses)
	go c.detect(ctx, session)
	return nil
}

func (c *Connection) openPort() (port.Port, error) {
	p, err := c.newPort(c.method, c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s port for %s: %w", c.method, c.address, err)
	}
	if err := p.Open(); err != nil {
		return nil, fmt.Errorf("failed to open %s port for %s: %w", c.method, c.address, err)
	}
	return p, nil
}

// Close stops the reader and closes the port. It is a no-op when no port
// is held. If the port refuses to close the state is left as it was.
func (c *Connection) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.closeSession(nil, false)
}

// closeSession closes the held port. With expected set it only closes that
// port, so a stale reader never tears down a newer session. With force set
// the state is cleared even when the port fails to close.
func (c *Connection) closeSession(expected port.Port, force bool) error {
	c.mu.Lock()
	p := c.port
	if p == nil || (expected != nil && p != expected) {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.mu.Unlock()

	// the reader notices on its next read return
	if cancel != nil {
		cancel()
	}

	err := p.Close()
	if err != nil && !force {
		c.log.Warn("close failed", zap.Error(err))
		return fmt.Errorf("failed to close %s: %w", c.address, err)
	}

	c.mu.Lock()
	if c.port == p {
		c.resetLocked()
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("port close failed, state cleared anyway", zap.Error(err))
	} else {
		c.log.Info("port closed")
	}
	return nil
}

// resetLocked returns the connection to its closed state and releases any
// QueryStatus callers
func (c *Connection) resetLocked() {
	c.port = nil
	c.isOpen = false
	c.protocol = protocol.Unknown
	c.lastProbe = protocol.Unknown
	c.round = 0
	c.cancel = nil
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
}

// fail force-closes the session after an I/O failure and notifies clients
func (c *Connection) fail(p port.Port, kind EventKind, cause error) {
	c.mu.Lock()
	if c.port != p {
		// already closed or re-opened by someone else
		c.mu.Unlock()
		return
	}
	c.faulted = true
	c.mu.Unlock()

	c.closeSession(p, true)
	c.publish(Event{Kind: kind, Error: errString(cause)})
}

// Send writes raw bytes through the connection's serial queue. Nothing is
// written when ctx is done before the task's turn comes.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	return c.queue.Do(ctx, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return c.write(data)
	})
}

// Print writes an already-encoded job once the protocol is known
func (c *Connection) Print(ctx context.Context, data []byte) error {
	return c.queue.Do(ctx, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return c.print(data)
	})
}

// PrintDocument encodes doc for the detected protocol and prints it
func (c *Connection) PrintDocument(ctx context.Context, doc protocol.Document) error {
	p := c.Protocol()
	if p == protocol.Unknown {
		return ErrNotReady
	}
	data, err := doc.Encode(p)
	if err != nil {
		return fmt.Errorf("failed to encode document for %s: %w", p, err)
	}
	return c.Print(ctx, data)
}

func (c *Connection) print(data []byte) error {
	c.mu.Lock()
	open, detected := c.isOpen, c.protocol != protocol.Unknown
	c.mu.Unlock()

	if !open {
		return ErrNotOpen
	}
	if !detected {
		return ErrNotReady
	}
	return c.write(data)
}

// QueryStatus sends the status probe of the detected protocol and waits for
// the printer's next response
func (c *Connection) QueryStatus(ctx context.Context) (protocol.Response, error) {
	w := make(chan protocol.Response, 1)

	err := c.queue.Do(ctx, func() error {
		// the caller gave up while the queue was busy
		if err := ctx.Err(); err != nil {
			return err
		}
		c.mu.Lock()
		if c.port == nil {
			c.mu.Unlock()
			return ErrNotOpen
		}
		if c.protocol == protocol.Unknown {
			c.mu.Unlock()
			return ErrNotReady
		}
		p := c.protocol
		c.lastProbe = p
		c.waiters = append(c.waiters, w)
		c.mu.Unlock()

		return c.write(p.Probe())
	})
	if err != nil {
		c.dropWaiter(w)
		return protocol.Response{}, err
	}

	select {
	case resp, ok := <-w:
		if !ok {
			return protocol.Response{}, ErrNotOpen
		}
		return resp, nil
	case <-ctx.Done():
		c.dropWaiter(w)
		return protocol.Response{}, ctx.Err()
	}
}

func (c *Connection) dropWaiter(w chan protocol.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, waiter := range c.waiters {
		if waiter == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// write sends data immediately. It must run on the serial queue.
// A failed write is an abnormal disconnect and is not retried.
func (c *Connection) write(data []byte) error {
	c.mu.Lock()
	p := c.port
	c.mu.Unlock()

	if p == nil {
		return ErrNotOpen
	}

	if _, err := p.Write(data); err != nil {
		c.log.Warn("write failed", zap.Error(err))
		c.fail(p, EventDisconnected, err)
		return fmt.Errorf("failed to write to %s: %w", c.address, err)
	}
	return nil
}

func (c *Connection) publish(e Event) {
	e.DeviceID = c.address
	e.Method = c.method
	c.bus.Publish(e)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
