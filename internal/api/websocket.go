package api

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thereceipt/printer-link/internal/printer"
)

// WebSocket message types. Printer events go out with their own kind
// (connected, status, device_added, ...) as the event name.
const (
	EventCommand  = "command"
	EventResponse = "response"
	EventError    = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// wsRequest is what clients send. Data carries {"command": "..."}.
type wsRequest struct {
	Event string `json:"event"`
	Data  struct {
		Command string `json:"command"`
	} `json:"data"`
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn   *websocket.Conn
	send   chan WSMessage
	events <-chan printer.Event
	unsub  func()
	server *Server
	log    *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// handleWebSocket upgrades the request and streams printer events to the client
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	events, unsub := s.manager.Events().Subscribe()
	client := &WSClient{
		conn:   conn,
		send:   make(chan WSMessage, 256),
		events: events,
		unsub:  unsub,
		server: s,
		log:    s.log.With(zap.String("remote", conn.RemoteAddr().String())),
		done:   make(chan struct{}),
	}

	client.log.Debug("websocket client connected")

	go client.readPump()
	go client.writePump()
}

func (c *WSClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.unsub()
		c.conn.Close()
	})
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		var msg WSMessage
		select {
		case <-c.done:
			return
		case e, ok := <-c.events:
			if !ok {
				return
			}
			msg = WSMessage{Event: string(e.Kind), Data: e}
		case msg = <-c.send:
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			c.log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.close()
		c.log.Debug("websocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req wsRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		c.handleMessage(&req)
	}
}

func (c *WSClient) handleMessage(req *wsRequest) {
	switch req.Event {
	case EventCommand:
		if req.Data.Command == "" {
			c.sendError("command is required")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), StatusTimeout+time.Second)
		defer cancel()
		c.reply(WSMessage{Event: EventResponse, Data: c.server.executor.Execute(ctx, req.Data.Command)})
	default:
		c.sendError("unknown event: " + req.Event)
	}
}

func (c *WSClient) sendError(message string) {
	c.reply(WSMessage{
		Event: EventError,
		Data: map[string]interface{}{
			"error": message,
		},
	})
}

func (c *WSClient) reply(msg WSMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}
