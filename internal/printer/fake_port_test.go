package printer

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/thereceipt/printer-link/internal/port"
	"github.com/thereceipt/printer-link/internal/protocol"
	"github.com/thereceipt/printer-link/internal/scheduler"
)

// fakePort is an in-memory printer. respond, when set, produces the reply
// to each write.
type fakePort struct {
	respond func(data []byte) [][]byte

	mu       sync.Mutex
	openErr  error
	closeErr error
	writeErr error
	opened   bool
	closed   bool
	written  [][]byte

	reads   chan []byte
	readErr chan error
	done    chan struct{}
}

func newFakePort(respond func(data []byte) [][]byte) *fakePort {
	return &fakePort{
		respond: respond,
		reads:   make(chan []byte, 32),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (f *fakePort) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return f.closeErr
	}
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakePort) Write(data []byte) (int, error) {
	f.mu.Lock()
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return 0, err
	}
	f.written = append(f.written, append([]byte(nil), data...))
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		for _, reply := range respond(data) {
			f.reads <- reply
		}
	}
	return len(data), nil
}

func (f *fakePort) Read(buf []byte) (int, error) {
	select {
	case data := <-f.reads:
		return copy(buf, data), nil
	case err := <-f.readErr:
		return 0, err
	case <-f.done:
		return 0, port.ErrClosed
	}
}

func (f *fakePort) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakePort) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakePort) set(fn func(f *fakePort)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// answers returns a responder that replies to the probe of p only
func answers(p protocol.Protocol, replies ...[]byte) func([]byte) [][]byte {
	probe := p.Probe()
	return func(data []byte) [][]byte {
		if bytes.Equal(data, probe) {
			return replies
		}
		return nil
	}
}

// scripted replies to successive probes of p with replies in turn, then
// stays silent
func scripted(p protocol.Protocol, replies ...[]byte) func([]byte) [][]byte {
	probe := p.Probe()
	var mu sync.Mutex
	return func(data []byte) [][]byte {
		if !bytes.Equal(data, probe) {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if len(replies) == 0 {
			return nil
		}
		reply := replies[0]
		replies = replies[1:]
		return [][]byte{reply}
	}
}

// fakeFactory hands out prepared ports in order and records every request
type fakeFactory struct {
	mu    sync.Mutex
	ports []*fakePort
	made  []*fakePort
}

func (f *fakeFactory) factory(method port.Method, address string) (port.Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var p *fakePort
	if len(f.ports) > 0 {
		p, f.ports = f.ports[0], f.ports[1:]
	} else {
		p = newFakePort(nil)
	}
	f.made = append(f.made, p)
	return p, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

const testProbePeriod = 20 * time.Millisecond

func newTestManager(t *testing.T, ports ...*fakePort) (*ConnectionManager, <-chan Event, *fakeFactory) {
	t.Helper()
	ff := &fakeFactory{ports: ports}
	m, events := newManagerWithFactory(t, ff.factory)
	return m, events, ff
}

func newManagerWithFactory(t *testing.T, factory port.Factory) (*ConnectionManager, <-chan Event) {
	t.Helper()

	sched := scheduler.New(8, zap.NewNop())
	t.Cleanup(sched.Stop)

	bus := NewEventBus(128)
	events, unsub := bus.Subscribe()
	t.Cleanup(unsub)

	m := NewConnectionManager(sched,
		WithLogger(zap.NewNop()),
		WithPortFactory(factory),
		WithEventBus(bus),
		WithProbePeriod(testProbePeriod),
	)
	t.Cleanup(func() { m.CloseAll() })
	return m, events
}

// waitEvent returns the next event of kind, failing after timeout
func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

// drain collects events published within d
func drain(events <-chan Event, d time.Duration) []Event {
	var out []Event
	timeout := time.After(d)
	for {
		select {
		case e := <-events:
			out = append(out, e)
		case <-timeout:
			return out
		}
	}
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func requireClosed(t *testing.T, c *Connection) {
	t.Helper()
	require.Eventually(t, func() bool { return !c.IsOpen() }, 2*time.Second, time.Millisecond)
}
