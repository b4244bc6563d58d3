package printer

import (
	"context"

	"go.uber.org/zap"

	"github.com/thereceipt/printer-link/internal/port"
	"github.com/thereceipt/printer-link/internal/protocol"
)

const readBufferSize = 100

// readLoop reads responses from p until the session is cancelled or the
// connection lets go of p. Each read is one response; n is authoritative.
func (c *Connection) readLoop(ctx context.Context, p port.Port, out chan<- []byte) {
	defer close(out)

	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil || !c.owns(p) {
			return
		}

		n, err := p.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !c.manager.holds(c) {
				// torn down on purpose
				c.log.Debug("reader exiting, connection removed", zap.Error(err))
				return
			}
			c.log.Warn("read failed, disconnecting", zap.Error(err))
			c.fail(p, EventDisconnected, err)
			return
		}
		if n <= 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connection) owns(p port.Port) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port == p
}

// dispatch interprets responses in the order the reader produced them
func (c *Connection) dispatch(ctx context.Context, session uint64, in <-chan []byte) {
	for data := range in {
		if ctx.Err() != nil {
			continue
		}
		c.handle(session, data)
	}
}

func (c *Connection) handle(session uint64, data []byte) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	detected, probe := c.protocol, c.lastProbe
	c.mu.Unlock()

	if detected == protocol.Unknown {
		if probe == protocol.Unknown {
			c.log.Debug("response before any probe ignored", zap.Binary("data", data))
			return
		}
		p, first := c.confirm(session)
		if !first {
			return
		}
		c.log.Info("protocol detected", zap.Stringer("protocol", p))
		c.publish(Event{Kind: EventConnected, Protocol: p})
		return
	}

	if probe == protocol.Unknown {
		probe = detected
	}
	resp := protocol.Classify(probe, data)
	c.complete(resp)

	if resp.Kind == protocol.KindQuery {
		c.publish(Event{Kind: EventQueryStatus, Protocol: detected})
		return
	}

	status := resp.Status
	c.log.Info("printer status",
		zap.Bool("paper_out", status.PaperOut),
		zap.Bool("cover_open", status.CoverOpen),
		zap.Bool("error", status.Error))
	c.publish(Event{Kind: EventStatus, Protocol: detected, Status: &status})
}

// complete hands resp to every pending QueryStatus call
func (c *Connection) complete(resp protocol.Response) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, w := range waiters {
		w <- resp
	}
}
