package printer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereceipt/printer-link/internal/port"
	"github.com/thereceipt/printer-link/internal/protocol"
)

const addr = "/dev/rfcomm0"

func TestDetect_ESCAnswersFirstRound(t *testing.T) {
	fp := newFakePort(answers(protocol.ESC, []byte{0x12}))
	m, events, _ := newTestManager(t, fp)

	c, err := m.Connect(addr, port.Bluetooth)
	require.NoError(t, err)
	assert.True(t, c.IsOpen())

	e := waitEvent(t, events, EventConnected)
	assert.Equal(t, protocol.ESC, e.Protocol)
	assert.Equal(t, addr, e.DeviceID)
	assert.Equal(t, port.Bluetooth, e.Method)
	assert.Equal(t, protocol.ESC, c.Protocol())
	assert.Equal(t, StateReady, c.State())

	// several more periods: no TSC or CPCL probe may follow
	time.Sleep(10 * testProbePeriod)
	assert.Equal(t, [][]byte{protocol.ESC.Probe()}, fp.writes())

	got, ok := m.Get(addr)
	require.True(t, ok)
	assert.True(t, got.IsOpen())
}

func TestDetect_FallsBackInOrder(t *testing.T) {
	tests := []struct {
		name   string
		answer protocol.Protocol
		probes [][]byte
	}{
		{
			name:   "TSC",
			answer: protocol.TSC,
			probes: [][]byte{protocol.ESC.Probe(), protocol.TSC.Probe()},
		},
		{
			name:   "CPCL",
			answer: protocol.CPCL,
			probes: [][]byte{protocol.ESC.Probe(), protocol.TSC.Probe(), protocol.CPCL.Probe()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := newFakePort(answers(tt.answer, []byte{0x00}))
			m, events, _ := newTestManager(t, fp)

			c, err := m.Connect(addr, port.SerialPort)
			require.NoError(t, err)

			e := waitEvent(t, events, EventConnected)
			assert.Equal(t, tt.answer, e.Protocol)
			assert.Equal(t, tt.answer, c.Protocol())

			time.Sleep(5 * testProbePeriod)
			assert.Equal(t, tt.probes, fp.writes())
		})
	}
}

func TestDetect_AbandonsAfterAllProbes(t *testing.T) {
	fp := newFakePort(nil)
	m, events, _ := newTestManager(t, fp)

	c, err := m.Connect(addr, port.USB)
	require.NoError(t, err)

	e := waitEvent(t, events, EventAbandoned)
	assert.Equal(t, ErrDetectionFailed.Error(), e.Error)

	requireClosed(t, c)
	assert.True(t, fp.isClosed())
	assert.Equal(t, protocol.Unknown, c.Protocol())
	assert.Equal(t, StateFaulted, c.State())
	assert.Len(t, fp.writes(), len(protocol.ProbeOrder))

	// probing stops for good
	time.Sleep(5 * testProbePeriod)
	assert.Len(t, fp.writes(), len(protocol.ProbeOrder))

	// still registered, the caller decides whether to re-open
	_, ok := m.Get(addr)
	assert.True(t, ok)
}

func TestDetect_ConnectedFiresOncePerSession(t *testing.T) {
	// the printer answers twice; only the first answer confirms
	fp := newFakePort(answers(protocol.ESC, []byte{0x12}, []byte{0x12}))
	m, events, _ := newTestManager(t, fp)

	_, err := m.Connect(addr, port.Bluetooth)
	require.NoError(t, err)

	waitEvent(t, events, EventConnected)
	rest := drain(events, 10*testProbePeriod)
	assert.Zero(t, countKind(rest, EventConnected))
	assert.Equal(t, 1, countKind(rest, EventStatus), "second answer is decoded as status")
}

func TestDetect_ResponseBeforeProbeIsIgnored(t *testing.T) {
	fp := newFakePort(nil)
	fp.reads <- []byte{0x12}
	m, events, _ := newTestManager(t, fp)
	m.probePeriod = time.Hour

	c, err := m.Connect(addr, port.Bluetooth)
	require.NoError(t, err)

	assert.Empty(t, drain(events, 50*time.Millisecond))
	assert.Equal(t, protocol.Unknown, c.Protocol())
	assert.Equal(t, StateDetecting, c.State())
}

func TestReopen_StartsNewSession(t *testing.T) {
	first := newFakePort(answers(protocol.TSC, []byte{0x00}))
	second := newFakePort(answers(protocol.ESC, []byte{0x12}))
	m, events, ff := newTestManager(t, first, second)

	c, err := m.Connect(addr, port.SerialPort)
	require.NoError(t, err)
	assert.Equal(t, protocol.TSC, waitEvent(t, events, EventConnected).Protocol)

	require.NoError(t, c.Open())
	assert.True(t, first.isClosed(), "open releases the previous port")
	assert.Equal(t, protocol.ESC, waitEvent(t, events, EventConnected).Protocol)
	assert.Equal(t, 2, ff.count())
}

func TestOpen_FailureLeavesClosedWithoutEvent(t *testing.T) {
	fp := newFakePort(nil)
	fp.openErr = errors.New("device busy")
	m, events, _ := newTestManager(t, fp)

	c, err := m.Connect(addr, port.SerialPort)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")

	assert.False(t, c.IsOpen())
	assert.Equal(t, StateClosed, c.State())
	assert.Empty(t, drain(events, 5*testProbePeriod))
	assert.Empty(t, fp.writes(), "no probing without a port")
}

func TestOpen_UnregisteredIsNoop(t *testing.T) {
	m, _, ff := newTestManager(t)

	c := m.NewConnection(addr, port.WiFi)
	assert.ErrorIs(t, c.Open(), ErrNotRegistered)
	assert.Zero(t, ff.count())
	assert.False(t, c.IsOpen())
}

func TestClose(t *testing.T) {
	fp := newFakePort(answers(protocol.ESC, []byte{0x12}))
	m, events, _ := newTestManager(t, fp)

	c, err := m.Connect(addr, port.Bluetooth)
	require.NoError(t, err)
	waitEvent(t, events, EventConnected)

	require.NoError(t, c.Close())
	assert.False(t, c.IsOpen())
	assert.Equal(t, protocol.Unknown, c.Protocol())
	assert.True(t, fp.isClosed())

	require.NoError(t, c.Close(), "close without a port is a no-op")

	// deliberate close: the reader exits without a disconnect event
	assert.Zero(t, countKind(drain(events, 5*testProbePeriod), EventDisconnected))
}

func TestClose_FailureKeepsState(t *testing.T) {
	fp := newFakePort(answers(protocol.ESC, []byte{0x12}))
	m, events, _ := newTestManager(t, fp)

	c, err := m.Connect(addr, port.Bluetooth)
	require.NoError(t, err)
	waitEvent(t, events, EventConnected)

	fp.set(func(f *fakePort) { f.closeErr = errors.New("busy") })
	assert.Error(t, c.Close())
	assert.True(t, c.IsOpen())
	assert.Equal(t, protocol.ESC, c.Protocol())

	fp.set(func(f *fakePort) { f.closeErr = nil })
	require.NoError(t, c.Close())
	assert.False(t, c.IsOpen())
}

func TestReader_FailureDisconnects(t *testing.T) {
	fp := newFakePort(answers(protocol.ESC, []byte{0x12}))
	m, events, _ := newTestManager(t, fp)

	c, err := m.Connect(addr, port.Bluetooth)
	require.NoError(t, err)
	waitEvent(t, events, EventConnected)

	fp.readErr <- errors.New("link lost")

	e := waitEvent(t, events, EventDisconnected)
	assert.Equal(t, "link lost", e.Error)
	requireClosed(t, c)
	assert.True(t, fp.isClosed())
	assert.Equal(t, StateFaulted, c.State())
}

func TestReader_FailureAfterRemovalIsSilent(t *testing.T) {
	fp := newFakePort(answers(protocol.ESC, []byte{0x12}))
	m, events, _ := newTestManager(t, fp)

	c, err := m.Connect(addr, port.Bluetooth)
	require.NoError(t, err)
	waitEvent(t, events, EventConnected)

	m.Put(addr, nil)
	fp.readErr <- errors.New("link lost")

	assert.Zero(t, countKind(drain(events, 5*testProbePeriod), EventDisconnected))
	assert.False(t, fp.isClosed(), "a removed connection is not closed by its reader")

	require.NoError(t, c.Close())
}

func TestSend_WriteFailureDisconnects(t *testing.T) {
	fp := newFakePort(answers(protocol.ESC, []byte{0x12}))
	m, events, _ := newTestManager(t, fp)

	c, err := m.Connect(addr, port.Bluetooth)
	require.NoError(t, err)
	waitEvent(t, events, EventConnected)

	fp.set(func(f *fakePort) { f.writeErr = errors.New("broken pipe") })
	err = c.Send(context.Background(), []byte("hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")

	e := waitEvent(t, events, EventDisconnected)
	assert.Equal(t, "broken pipe", e.Error)
	assert.False(t, c.IsOpen())

	assert.ErrorIs(t, c.Send(context.Background(), []byte("again")), ErrNotOpen)
}

func TestPrint(t *testing.T) {
	fp := newFakePort(answers(protocol.TSC, []byte{0x00}))
	m, events, _ := newTestManager(t, fp)

	c, err := m.Connect(addr, port.WiFi)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Print(context.Background(), []byte("early")), ErrNotReady)

	waitEvent(t, events, EventConnected)
	require.NoError(t, c.Print(context.Background(), []byte("PRINT 1\r\n")))

	writes := fp.writes()
	assert.Equal(t, []byte("PRINT 1\r\n"), writes[len(writes)-1])
}

type recordingDoc struct {
	got protocol.Protocol
	err error
}

func (d *recordingDoc) Encode(p protocol.Protocol) ([]byte, error) {
	d.got = p
	if d.err != nil {
		return nil, d.err
	}
	return []byte("! 0 200 200 210 1\r\nPRINT\r\n"), nil
}

func TestPrintDocument(t *testing.T) {
	fp := newFakePort(answers(protocol.CPCL, []byte{0x00}))
	m, events, _ := newTestManager(t, fp)

	c, err := m.Connect(addr, port.Bluetooth)
	require.NoError(t, err)

	doc := &recordingDoc{}
	assert.ErrorIs(t, c.PrintDocument(context.Background(), doc), ErrNotReady)

	waitEvent(t, events, EventConnected)
	require.NoError(t, c.PrintDocument(context.Background(), doc))
	assert.Equal(t, protocol.CPCL, doc.got)

	doc.err = errors.New("unsupported element")
	assert.ErrorIs(t, c.PrintDocument(context.Background(), doc), doc.err)
}

func TestQueryStatus(t *testing.T) {
	// 0x32: real-time marker plus paper-out
	fp := newFakePort(answers(protocol.ESC, []byte{0x32}))
	m, events, _ := newTestManager(t, fp)

	c, err := m.Connect(addr, port.Bluetooth)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = c.QueryStatus(ctx)
	assert.ErrorIs(t, err, ErrNotReady)

	waitEvent(t, events, EventConnected)

	resp, err := c.QueryStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindRealtime, resp.Kind)
	assert.True(t, resp.Status.PaperOut)
	assert.False(t, resp.Status.CoverOpen)

	e := waitEvent(t, events, EventStatus)
	require.NotNil(t, e.Status)
	assert.True(t, e.Status.PaperOut)
}

func TestQueryStatus_GeneralReplyAsksForFollowUp(t *testing.T) {
	// bit 4 clear: a general status reply
	fp := newFakePort(answers(protocol.ESC, []byte{0x02}))
	m, events, _ := newTestManager(t, fp)

	c, err := m.Connect(addr, port.Bluetooth)
	require.NoError(t, err)
	waitEvent(t, events, EventConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.QueryStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindQuery, resp.Kind)
	waitEvent(t, events, EventQueryStatus)
}

func TestQueryStatus_ReleasedOnClose(t *testing.T) {
	// only the detection probe is answered
	var answered atomic.Bool
	fp := newFakePort(func(data []byte) [][]byte {
		if answered.CompareAndSwap(false, true) {
			return [][]byte{{0x12}}
		}
		return nil
	})
	m, events, _ := newTestManager(t, fp)

	c, err := m.Connect(addr, port.Bluetooth)
	require.NoError(t, err)
	waitEvent(t, events, EventConnected)

	errc := make(chan error, 1)
	go func() {
		_, err := c.QueryStatus(context.Background())
		errc <- err
	}()

	require.Eventually(t, func() bool { return len(fp.writes()) >= 2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrNotOpen)
	case <-time.After(2 * time.Second):
		t.Fatal("QueryStatus did not return after close")
	}
}

func TestQueryStatus_ExpiredWhileQueuedWritesNothing(t *testing.T) {
	fp := newFakePort(answers(protocol.ESC, []byte{0x12}))
	m, events, _ := newTestManager(t, fp)

	c, err := m.Connect(addr, port.Bluetooth)
	require.NoError(t, err)
	waitEvent(t, events, EventConnected)

	release := make(chan struct{})
	require.NoError(t, c.queue.Submit(func() error {
		<-release
		return nil
	}))
	before := len(fp.writes())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = c.QueryStatus(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, c.Send(ctx, []byte("late")), context.DeadlineExceeded)
	assert.ErrorIs(t, c.Print(ctx, []byte("late")), context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool { return c.queue.Len() == 0 }, 2*time.Second, time.Millisecond)

	assert.Len(t, fp.writes(), before)
	c.mu.Lock()
	assert.Empty(t, c.waiters)
	c.mu.Unlock()
}

// overlapPort records the most writes ever in flight at once
type overlapPort struct {
	*fakePort
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (o *overlapPort) Write(data []byte) (int, error) {
	n := o.inFlight.Add(1)
	defer o.inFlight.Add(-1)
	for {
		p := o.peak.Load()
		if n <= p || o.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return o.fakePort.Write(data)
}

func TestSend_SerializedWithDetection(t *testing.T) {
	op := &overlapPort{fakePort: newFakePort(answers(protocol.TSC, []byte{0x00}))}
	m, events := newManagerWithFactory(t, func(port.Method, string) (port.Port, error) {
		return op, nil
	})

	c, err := m.Connect(addr, port.WiFi)
	require.NoError(t, err)

	var stop atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 200 && !stop.Load(); n++ {
				assert.NoError(t, c.Send(context.Background(), []byte("user")))
			}
		}()
	}

	e := waitEvent(t, events, EventConnected)
	stop.Store(true)
	wg.Wait()

	assert.Equal(t, protocol.TSC, e.Protocol)
	assert.Equal(t, int32(1), op.peak.Load())

	var probes [][]byte
	user := 0
	for _, w := range op.writes() {
		if string(w) == "user" {
			user++
			continue
		}
		probes = append(probes, w)
	}
	assert.Equal(t, [][]byte{protocol.ESC.Probe(), protocol.TSC.Probe()}, probes)
	assert.Positive(t, user)
}

func TestQueryStatus_AfterDetection(t *testing.T) {
	tests := []struct {
		name     string
		protocol protocol.Protocol
		general  []byte
		realtime byte
		want     protocol.Status
	}{
		{
			name:     "TSC",
			protocol: protocol.TSC,
			general:  []byte{0x00, 0x00, 0x00},
			realtime: 0x05,
			want:     protocol.Status{PaperOut: true, CoverOpen: true},
		},
		{
			name:     "CPCL",
			protocol: protocol.CPCL,
			general:  []byte{0x00, 0x01},
			realtime: 0x02,
			want:     protocol.Status{CoverOpen: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// first reply confirms detection, then a general and a real-time reply
			fp := newFakePort(scripted(tt.protocol, []byte{0x00}, tt.general, []byte{tt.realtime}))
			m, events, _ := newTestManager(t, fp)

			c, err := m.Connect(addr, port.Bluetooth)
			require.NoError(t, err)
			e := waitEvent(t, events, EventConnected)
			require.Equal(t, tt.protocol, e.Protocol)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			resp, err := c.QueryStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, protocol.KindQuery, resp.Kind)
			e = waitEvent(t, events, EventQueryStatus)
			assert.Equal(t, tt.protocol, e.Protocol)
			assert.Nil(t, e.Status)

			resp, err = c.QueryStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, protocol.KindRealtime, resp.Kind)
			assert.Equal(t, tt.want, resp.Status)

			e = waitEvent(t, events, EventStatus)
			assert.Equal(t, tt.protocol, e.Protocol)
			require.NotNil(t, e.Status)
			assert.Equal(t, tt.want, *e.Status)
		})
	}
}
