package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/parklink-core/internal/infrastructure/config"
	"github.com/nerrad567/parklink-core/internal/notify"
)

// The stream is read-only and served on the site LAN, so any origin may
// connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSClient is one connected dashboard or integration.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// status, when set, answers status subscriptions with a snapshot.
	status StatusSource

	// mu guards subscriptions and closed. send is only written or closed
	// while holding it.
	mu            sync.RWMutex
	subscriptions map[string]struct{}
	closed        bool
}

// wsTimings converts the configured seconds, falling back to defaults for
// non-positive values so a zero config cannot stop the ping ticker.
func wsTimings(cfg config.WebSocketConfig) (ping, pong time.Duration) {
	ping, pong = defaultPingInterval, defaultPongTimeout
	if cfg.PingInterval > 0 {
		ping = time.Duration(cfg.PingInterval) * time.Second
	}
	if cfg.PongTimeout > 0 {
		pong = time.Duration(cfg.PongTimeout) * time.Second
	}
	return ping, pong
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		status:        s.status,
		subscriptions: make(map[string]struct{}),
	}
	s.hub.Register(c)

	go c.writeLoop(s.wsCfg)
	go c.readLoop(s.wsCfg)
}

func (c *WSClient) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close() //nolint:errcheck // Already leaving
	}()

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	ping, pong := wsTimings(cfg)
	window := ping + pong
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(window)) }

	extend() //nolint:errcheck // Read below reports a dead connection
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		extend() //nolint:errcheck // Same as above
		c.handle(data)
	}
}

func (c *WSClient) writeLoop(cfg config.WebSocketConfig) {
	interval, writeWait := wsTimings(cfg)
	ping := time.NewTicker(interval)
	defer func() {
		ping.Stop()
		c.conn.Close() //nolint:errcheck // Already leaving
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // Write reports failure
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // Closing anyway
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // Write reports failure
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handle(data []byte) {
	var req WSRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(WSMessage{Type: WSTypeError, Payload: map[string]string{"message": "invalid JSON message"}})
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		c.mu.Lock()
		for _, ch := range req.Channels {
			c.subscriptions[ch] = struct{}{}
		}
		c.mu.Unlock()
		c.reply(WSMessage{Type: WSTypeResponse, ID: req.ID, Payload: map[string]any{"subscribed": req.Channels}})
		c.sendStatusSnapshot(req.Channels)

	case WSTypeUnsubscribe:
		c.mu.Lock()
		for _, ch := range req.Channels {
			delete(c.subscriptions, ch)
		}
		c.mu.Unlock()
		c.reply(WSMessage{Type: WSTypeResponse, ID: req.ID, Payload: map[string]any{"unsubscribed": req.Channels}})

	case WSTypePing:
		c.reply(WSMessage{Type: WSTypePong, ID: req.ID})

	default:
		c.reply(WSMessage{Type: WSTypeError, ID: req.ID, Payload: map[string]string{"message": "unknown message type: " + req.Type}})
	}
}

// sendStatusSnapshot sends the current status of every endpoint whose
// status channel one of the new patterns covers.
func (c *WSClient) sendStatusSnapshot(patterns []string) {
	if c.status == nil {
		return
	}
	for _, st := range c.status.Snapshot() {
		channel := notify.StatusTopic(st.EndpointID)
		for _, p := range patterns {
			if channelMatches(p, channel) {
				c.reply(WSMessage{Type: WSTypeSnapshot, Channel: channel, Payload: newDeviceStatusResponse(st)})
				break
			}
		}
	}
}

// wants reports whether any subscription covers channel.
func (c *WSClient) wants(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for p := range c.subscriptions {
		if channelMatches(p, channel) {
			return true
		}
	}
	return false
}

func (c *WSClient) reply(msg WSMessage) {
	data, err := encodeWS(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue drops data when the client is slow or already unregistered.
func (c *WSClient) enqueue(data []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// closeSend closes the send queue once, ending writeLoop.
func (c *WSClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
