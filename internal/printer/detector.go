package printer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/thereceipt/printer-link/internal/protocol"
)

// ProbePeriod is the delay before the first probe and between probes
const ProbePeriod = 1500 * time.Millisecond

// detect probes ESC, TSC then CPCL, one per tick, until a response confirms
// a protocol. A session with no answer after the last probe is abandoned.
func (c *Connection) detect(ctx context.Context, session uint64) {
	ticker := time.NewTicker(c.probePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// probes share the serial queue with user commands so writes never interleave
		finished := make(chan bool, 1)
		err := c.queue.Do(ctx, func() error {
			done, err := c.probe(session)
			finished <- done || err != nil
			return err
		})
		if err != nil || <-finished {
			return
		}
	}
}

// probe runs one detection step and reports whether detection is over
func (c *Connection) probe(session uint64) (bool, error) {
	c.mu.Lock()
	if c.session != session || c.port == nil || c.protocol != protocol.Unknown {
		c.mu.Unlock()
		return true, nil
	}
	if c.round >= len(protocol.ProbeOrder) {
		c.mu.Unlock()
		c.abandon(session)
		return true, nil
	}

	next := protocol.ProbeOrder[c.round]
	c.lastProbe = next
	c.round++
	round := c.round
	c.mu.Unlock()

	c.log.Debug("sending probe", zap.Stringer("protocol", next), zap.Int("round", round))

	// a failed probe write already disconnected the session
	if err := c.write(next.Probe()); err != nil {
		return true, err
	}
	return false, nil
}

// abandon force-closes a session whose printer never answered
func (c *Connection) abandon(session uint64) {
	c.mu.Lock()
	if c.session != session || c.port == nil {
		c.mu.Unlock()
		return
	}
	p := c.port
	cancel := c.cancel
	c.resetLocked()
	c.faulted = true
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := p.Close(); err != nil {
		c.log.Warn("port close failed after detection timeout", zap.Error(err))
	}

	c.log.Warn("protocol detection abandoned", zap.Int("probes", len(protocol.ProbeOrder)))
	c.publish(Event{Kind: EventAbandoned, Error: ErrDetectionFailed.Error()})
}

// confirm records the protocol whose probe was answered. It returns true
// only for the first confirmation of a session.
func (c *Connection) confirm(session uint64) (protocol.Protocol, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != session || c.protocol != protocol.Unknown || c.lastProbe == protocol.Unknown {
		return protocol.Unknown, false
	}
	c.protocol = c.lastProbe
	if c.connected {
		return c.protocol, false
	}
	c.connected = true
	return c.protocol, true
}
