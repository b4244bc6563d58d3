package printer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/thereceipt/printer-link/internal/port"
	"github.com/thereceipt/printer-link/internal/registry"
	"github.com/thereceipt/printer-link/internal/scheduler"
)

// ScanFunc lists the transport endpoints currently present
type ScanFunc func() ([]port.Candidate, error)

// Monitor periodically scans for printers and publishes device_added and
// device_removed events for the differences
type Monitor struct {
	sched    *scheduler.Scheduler
	bus      *EventBus
	book     *registry.Registry
	scan     ScanFunc
	interval time.Duration
	log      *zap.Logger

	scanning atomic.Bool

	mu       sync.Mutex
	previous map[string]port.Candidate
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewMonitor creates a monitor. Scans run on sched's worker pool; a tick
// that finds the pool full is skipped.
func NewMonitor(sched *scheduler.Scheduler, bus *EventBus, book *registry.Registry, interval time.Duration, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		sched:    sched,
		bus:      bus,
		book:     book,
		scan:     port.Scan,
		interval: interval,
		log:      log.Named("monitor"),
		previous: make(map[string]port.Candidate),
	}
}

// Start begins monitoring for printer changes
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.trigger()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.trigger()
			}
		}
	}(m.done)
}

// Stop stops the monitor
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Current returns the endpoints seen by the last scan
func (m *Monitor) Current() []port.Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]port.Candidate, 0, len(m.previous))
	for _, c := range m.previous {
		out = append(out, c)
	}
	return out
}

func (m *Monitor) trigger() {
	if !m.scanning.CompareAndSwap(false, true) {
		return
	}
	accepted := m.sched.TrySubmit(func() error {
		defer m.scanning.Store(false)
		m.CheckChanges()
		return nil
	})
	if !accepted {
		m.scanning.Store(false)
		m.log.Debug("scan skipped, worker pool busy")
	}
}

// CheckChanges scans once and publishes the differences from the last scan
func (m *Monitor) CheckChanges() {
	current, err := m.scan()
	if err != nil {
		m.log.Warn("printer detection failed", zap.Error(err))
		return
	}

	currentMap := make(map[string]port.Candidate, len(current))
	for _, c := range current {
		currentMap[c.Key()] = c
	}

	m.mu.Lock()
	previous := m.previous
	m.previous = currentMap
	m.mu.Unlock()

	for key, c := range currentMap {
		if _, exists := previous[key]; exists {
			continue
		}
		if m.book != nil {
			m.book.Register(registry.DeviceInfo{Method: c.Method, Address: c.Address, Description: c.Description})
		}
		m.log.Info("printer added", zap.String("device", c.Address), zap.String("description", c.Description))
		m.bus.Publish(Event{Kind: EventDeviceAdded, DeviceID: c.Address, Method: c.Method})
	}

	for key, c := range previous {
		if _, exists := currentMap[key]; exists {
			continue
		}
		m.log.Info("printer removed", zap.String("device", c.Address), zap.String("description", c.Description))
		m.bus.Publish(Event{Kind: EventDeviceRemoved, DeviceID: c.Address, Method: c.Method})
	}
}
