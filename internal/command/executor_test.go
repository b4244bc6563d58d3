package command

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/thereceipt/printer-link/internal/port"
	"github.com/thereceipt/printer-link/internal/printer"
	"github.com/thereceipt/printer-link/internal/protocol"
	"github.com/thereceipt/printer-link/internal/registry"
	"github.com/thereceipt/printer-link/internal/scheduler"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", []string{}},
		{"   ", []string{}},
		{"list", []string{"list"}},
		{"connect  wifi\t10.0.0.5", []string{"connect", "wifi", "10.0.0.5"}},
		{`rename abc "Kitchen Printer"`, []string{"rename", "abc", "Kitchen Printer"}},
		{`print x --text 'hello world'`, []string{"print", "x", "--text", "hello world"}},
		{`rename abc ""`, []string{"rename", "abc", ""}},
		{`say "it's"`, []string{"say", "it's"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCommand(tt.in))
		})
	}
}

// statusPrinter answers every ESC status probe with 0x30: real-time, paper out
type statusPrinter struct {
	mu      sync.Mutex
	written [][]byte
	reads   chan []byte
	done    chan struct{}
	once    sync.Once
}

func newStatusPrinter() *statusPrinter {
	return &statusPrinter{reads: make(chan []byte, 8), done: make(chan struct{})}
}

func (p *statusPrinter) Open() error { return nil }

func (p *statusPrinter) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *statusPrinter) Write(data []byte) (int, error) {
	p.mu.Lock()
	p.written = append(p.written, append([]byte(nil), data...))
	p.mu.Unlock()
	if bytes.Equal(data, protocol.ESC.Probe()) {
		p.reads <- []byte{0x30}
	}
	return len(data), nil
}

func (p *statusPrinter) Read(buf []byte) (int, error) {
	select {
	case data := <-p.reads:
		return copy(buf, data), nil
	case <-p.done:
		return 0, port.ErrClosed
	}
}

func (p *statusPrinter) writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.written...)
}

type harness struct {
	exec    *Executor
	manager *printer.ConnectionManager
	book    *registry.Registry

	mu    sync.Mutex
	ports map[string]*statusPrinter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	sched := scheduler.New(4, zap.NewNop())
	t.Cleanup(sched.Stop)

	book, err := registry.New("", nil)
	require.NoError(t, err)

	h := &harness{book: book, ports: make(map[string]*statusPrinter)}
	h.manager = printer.NewConnectionManager(sched,
		printer.WithPortFactory(func(method port.Method, address string) (port.Port, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			p := newStatusPrinter()
			h.ports[address] = p
			return p, nil
		}),
		printer.WithDeviceBook(book),
		printer.WithProbePeriod(10*time.Millisecond),
	)
	t.Cleanup(func() { h.manager.CloseAll() })

	jobs := printer.NewJobTracker(h.manager, nil)
	h.exec = NewExecutor(h.manager, jobs, book, nil)
	return h
}

func (h *harness) run(t *testing.T, cmd string) *Result {
	t.Helper()
	return h.exec.Execute(context.Background(), cmd)
}

func (h *harness) ready(t *testing.T, address string) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, ok := h.manager.Get(address)
		return ok && c.Protocol() == protocol.ESC
	}, 2*time.Second, 5*time.Millisecond)
}

func TestExecute_EmptyAndUnknown(t *testing.T) {
	h := newHarness(t)

	res := h.run(t, "  ")
	assert.False(t, res.Success)
	assert.Equal(t, "empty command", res.Error)

	res = h.run(t, "fly away")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown command: fly")
}

func TestExecute_Usage(t *testing.T) {
	h := newHarness(t)

	for _, cmd := range []string{"connect", "connect wifi", "disconnect", "status", "rename x", "print", "print x", "print x --hex", "jobs status"} {
		res := h.run(t, cmd)
		assert.False(t, res.Success, cmd)
		assert.Contains(t, res.Error, "usage", cmd)
	}
}

func TestExecute_ConnectListDisconnect(t *testing.T) {
	h := newHarness(t)

	res := h.run(t, "connect bogus 10.0.0.5")
	assert.False(t, res.Success)

	res = h.run(t, "CONNECT wifi 10.0.0.5")
	require.True(t, res.Success, res.Error)
	h.ready(t, "10.0.0.5")

	res = h.run(t, "list")
	require.True(t, res.Success)
	assert.Len(t, res.Data["printers"], 1)
	assert.Equal(t, []string{"10.0.0.5"}, res.Data["known"])
	assert.Len(t, res.Data["devices"], 1)

	res = h.run(t, "disconnect 10.0.0.5")
	require.True(t, res.Success, res.Error)

	res = h.run(t, "disconnect 10.0.0.5")
	assert.False(t, res.Success)

	res = h.run(t, "list")
	assert.Empty(t, res.Data["printers"])
	assert.Equal(t, []string{"10.0.0.5"}, res.Data["known"])
}

func TestExecute_Status(t *testing.T) {
	h := newHarness(t)

	res := h.run(t, "status 10.0.0.5")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")

	require.True(t, h.run(t, "connect wifi 10.0.0.5").Success)
	h.ready(t, "10.0.0.5")

	res = h.run(t, "status 10.0.0.5")
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Message, "paper out")

	resp := res.Data["response"].(protocol.Response)
	assert.Equal(t, protocol.KindRealtime, resp.Kind)
	assert.True(t, resp.Status.PaperOut)
}

func TestExecute_PrintAndJobs(t *testing.T) {
	h := newHarness(t)

	res := h.run(t, "print 10.0.0.5 --text hello")
	assert.False(t, res.Success)

	require.True(t, h.run(t, "connect wifi 10.0.0.5").Success)
	h.ready(t, "10.0.0.5")

	res = h.run(t, "print 10.0.0.5 --hex zz")
	assert.False(t, res.Success)

	res = h.run(t, "print 10.0.0.5 --hex 1b40 4869 0a")
	require.True(t, res.Success, res.Error)
	jobID := res.Data["job_id"].(string)

	res = h.run(t, "print 10.0.0.5 --hex 53495a45 0d0a")
	require.True(t, res.Success, res.Error)

	res = h.run(t, `print 10.0.0.5 --text "two words"`)
	require.True(t, res.Success, res.Error)

	res = h.run(t, "jobs status "+jobID)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 5, res.Data["job"].(printer.PrintJob).Size)

	require.Eventually(t, func() bool {
		jobs := h.run(t, "jobs").Data["jobs"].([]printer.PrintJob)
		for _, job := range jobs {
			if job.Status != printer.JobCompleted {
				return false
			}
		}
		return len(jobs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		p := h.ports["10.0.0.5"]
		h.mu.Unlock()
		for _, w := range p.writes() {
			if string(w) == "two words\n" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	res = h.run(t, "jobs")
	require.True(t, res.Success)
	assert.Len(t, res.Data["jobs"], 3)

	assert.True(t, h.run(t, "jobs clear").Success)
	assert.Empty(t, h.run(t, "jobs list").Data["jobs"])
	assert.False(t, h.run(t, "jobs status "+jobID).Success)
	assert.False(t, h.run(t, "jobs purge").Success)

}

func TestExecute_PrintDoesNotReadServerFiles(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.run(t, "connect wifi 10.0.0.5").Success)
	h.ready(t, "10.0.0.5")

	file := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(file, []byte("do not print"), 0o600))

	res := h.run(t, "print 10.0.0.5 "+file)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "usage")
	assert.Empty(t, h.run(t, "jobs").Data["jobs"])

	h.mu.Lock()
	p := h.ports["10.0.0.5"]
	h.mu.Unlock()
	for _, w := range p.writes() {
		assert.NotEqual(t, "do not print", string(w))
	}
}

func TestExecute_Rename(t *testing.T) {
	h := newHarness(t)
	id := h.book.Register(registry.DeviceInfo{Method: port.USB, Address: "04B8:0E15"})

	res := h.run(t, `rename `+id+` "Front Desk"`)
	require.True(t, res.Success, res.Error)

	entry, ok := h.book.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Front Desk", entry.Name)

	assert.False(t, h.run(t, "rename nope Bar").Success)
}

func TestExecute_Scan(t *testing.T) {
	h := newHarness(t)
	h.exec.SetScanner(func() ([]port.Candidate, error) {
		return []port.Candidate{{Method: port.Bluetooth, Address: "/dev/rfcomm0"}}, nil
	})

	res := h.run(t, "scan")
	require.True(t, res.Success)
	assert.Len(t, res.Data["ports"], 1)

	h.exec.SetScanner(func() ([]port.Candidate, error) { return nil, errors.New("no usb") })
	res = h.run(t, "detect")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no usb")
}

func TestExecute_Help(t *testing.T) {
	h := newHarness(t)
	res := h.run(t, "help")
	require.True(t, res.Success)
	assert.Contains(t, res.Message, "connect <bluetooth|usb|wifi|serial> <address>")
}
