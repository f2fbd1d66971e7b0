package control

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/partscout/internal/bus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize  = 4096
	sendChannelSize = 256
)

// MsgTypeStop is accepted from clients and stops the running session.
const MsgTypeStop MessageType = "Stop"

// MsgTypeSystemError reports a rejected client message.
const MsgTypeSystemError MessageType = "SystemError"

// wsClient is one connection on the event stream.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	send   chan WSMessage
	done   chan struct{}
}

func (s *Server) newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
}

// handleEvents upgrades the connection and streams log and completion events
// until the peer disconnects or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Warn("Failed to upgrade connection to WebSocket", zap.Error(err))
		return
	}
	s.logger.Info("Event stream connected.", zap.String("remoteAddr", r.RemoteAddr))

	client := &wsClient{
		server: s,
		conn:   conn,
		send:   make(chan WSMessage, sendChannelSize),
		done:   make(chan struct{}),
	}

	events, unsubscribe := s.bus.Subscribe(bus.KindLog, bus.KindComplete)
	forwardCtx, stopForward := context.WithCancel(s.baseCtx)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		client.forward(forwardCtx, events)
	}()

	client.sendMessage(MsgTypeStatus, s.controller.Status())
	go client.writePump()
	client.readPump()

	close(client.done)
	stopForward()
	<-forwarded
	unsubscribe()
	s.logger.Debug("Event stream disconnected.", zap.String("remoteAddr", r.RemoteAddr))
}

// forward relays bus events to the client. It closes the connection when the
// server is shutting down so readPump returns.
func (c *wsClient) forward(ctx context.Context, events <-chan bus.Envelope) {
	for {
		select {
		case <-ctx.Done():
			c.conn.Close()
			return
		case env, ok := <-events:
			if !ok {
				c.conn.Close()
				return
			}
			c.server.bus.Acknowledge(env)
			switch env.Kind {
			case bus.KindLog:
				c.sendMessage(MsgTypeLog, env.Payload)
			case bus.KindComplete:
				c.sendMessage(MsgTypeComplete, env.Payload)
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("Event stream closed unexpectedly", zap.Error(err))
			}
			return
		}
		c.processMessage(msg)
	}
}

func (c *wsClient) processMessage(msg WSMessage) {
	switch msg.Type {
	case MsgTypeStop:
		ctx, cancel := context.WithTimeout(c.server.baseCtx, writeWait)
		defer cancel()
		if err := c.server.controller.Stop(ctx); err != nil {
			c.sendMessage(MsgTypeSystemError, map[string]string{"error": err.Error()})
			return
		}
		c.sendMessage(MsgTypeStatus, c.server.controller.Status())
	default:
		c.server.logger.Warn("Received unknown message type from client", zap.String("type", string(msg.Type)))
		c.sendMessage(MsgTypeSystemError, map[string]string{"error": "unsupported message type: " + string(msg.Type)})
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debug("Error writing to event stream", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMessage queues msg without blocking. A slow client loses messages
// rather than stalling the bus.
func (c *wsClient) sendMessage(msgType MessageType, data interface{}) {
	msg := WSMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	select {
	case c.send <- msg:
	default:
		c.server.logger.Warn("Event stream buffer full, dropping message.", zap.String("type", string(msgType)))
	}
}
