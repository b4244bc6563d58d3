// Package printer manages printer connections: protocol detection, the read
// loop, status decoding and the registry of open devices.
package printer

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/thereceipt/printer-link/internal/port"
	"github.com/thereceipt/printer-link/internal/registry"
	"github.com/thereceipt/printer-link/internal/scheduler"
)

// ConnectionManager maps device addresses to connections. Addresses stay
// known after their connection is closed; the slot is just emptied.
type ConnectionManager struct {
	sched   *scheduler.Scheduler
	factory port.Factory
	bus     *EventBus
	book    *registry.Registry
	log     *zap.Logger

	probePeriod time.Duration

	mu    sync.RWMutex
	conns map[string]*Connection
}

// Option configures a ConnectionManager
type Option func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(m *ConnectionManager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithPortFactory replaces the transports, mostly for tests
func WithPortFactory(f port.Factory) Option {
	return func(m *ConnectionManager) {
		if f != nil {
			m.factory = f
		}
	}
}

// WithEventBus publishes connection events on bus
func WithEventBus(bus *EventBus) Option {
	return func(m *ConnectionManager) {
		if bus != nil {
			m.bus = bus
		}
	}
}

// WithDeviceBook records printers opened through Connect in book
func WithDeviceBook(book *registry.Registry) Option {
	return func(m *ConnectionManager) {
		m.book = book
	}
}

// WithProbePeriod changes the detection interval, mostly for tests
func WithProbePeriod(d time.Duration) Option {
	return func(m *ConnectionManager) {
		if d > 0 {
			m.probePeriod = d
		}
	}
}

// NewConnectionManager creates an empty manager whose connections queue
// their work on sched
func NewConnectionManager(sched *scheduler.Scheduler, opts ...Option) *ConnectionManager {
	m := &ConnectionManager{
		sched:       sched,
		factory:     port.NewFactory(port.DefaultOptions()),
		bus:         NewEventBus(0),
		log:         zap.NewNop(),
		probePeriod: ProbePeriod,
		conns:       make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Named("printer")
	return m
}

// Events returns the bus connection events are published on
func (m *ConnectionManager) Events() *EventBus {
	return m.bus
}

// NewConnection builds an unregistered connection for address
func (m *ConnectionManager) NewConnection(address string, method port.Method) *Connection {
	return &Connection{
		address:     address,
		method:      method,
		manager:     m,
		newPort:     m.factory,
		queue:       m.sched.NewSerialQueue(method.String() + ":" + address),
		bus:         m.bus,
		log:         m.log.With(zap.String("device", address), zap.Stringer("method", method)),
		probePeriod: m.probePeriod,
	}
}

// Get returns the connection registered for address
func (m *ConnectionManager) Get(address string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.conns[address]
	return c, c != nil
}

// Put registers c for address, superseding any previous entry. The
// superseded connection is returned so the caller can close it.
func (m *ConnectionManager) Put(address string, c *Connection) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.conns[address]
	m.conns[address] = c
	if prev == c {
		return nil
	}
	return prev
}

func (m *ConnectionManager) holds(c *Connection) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[c.address] == c
}

// Connect returns an open connection for address, opening it when needed.
// An entry with a different method is superseded and closed.
func (m *ConnectionManager) Connect(address string, method port.Method) (*Connection, error) {
	if c, ok := m.Get(address); ok && c.Method() == method {
		if c.IsOpen() {
			return c, nil
		}
		return c, c.Open()
	}

	c := m.NewConnection(address, method)
	if prev := m.Put(address, c); prev != nil {
		if err := prev.Close(); err != nil {
			m.log.Warn("failed to close superseded connection",
				zap.String("device", address), zap.Error(err))
		}
	}

	if m.book != nil {
		m.book.Register(registry.DeviceInfo{Method: method, Address: address})
	}

	if err := c.Open(); err != nil {
		return c, err
	}
	return c, nil
}

// Disconnect closes the connection for address and empties its slot
func (m *ConnectionManager) Disconnect(address string) error {
	c, ok := m.Get(address)
	if !ok {
		return ErrNotRegistered
	}

	wasOpen := c.IsOpen()

	// empty the slot first so the reader exits silently
	m.mu.Lock()
	if m.conns[address] == c {
		m.conns[address] = nil
	}
	m.mu.Unlock()

	if err := c.Close(); err != nil {
		m.mu.Lock()
		if m.conns[address] == nil {
			m.conns[address] = c
		}
		m.mu.Unlock()
		return err
	}

	if wasOpen {
		m.publishClosed(c)
	}
	return nil
}

// CloseAll closes every connection and empties every slot. A failure on
// one device does not stop the others.
func (m *ConnectionManager) CloseAll() error {
	m.mu.Lock()
	closing := make([]*Connection, 0, len(m.conns))
	for address, c := range m.conns {
		if c != nil {
			closing = append(closing, c)
		}
		m.conns[address] = nil
	}
	m.mu.Unlock()

	var errs error
	for _, c := range closing {
		wasOpen := c.IsOpen()
		if err := c.Close(); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if wasOpen {
			m.publishClosed(c)
		}
	}
	return errs
}

// Known returns every address ever registered, including emptied slots
func (m *ConnectionManager) Known() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addresses := make([]string, 0, len(m.conns))
	for address := range m.conns {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	return addresses
}

// Connections returns the registered connections ordered by address
func (m *ConnectionManager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		if c != nil {
			conns = append(conns, c)
		}
	}
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].address < conns[j].address
	})
	return conns
}

func (m *ConnectionManager) publishClosed(c *Connection) {
	c.publish(Event{Kind: EventDisconnected})
}
