package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/svcwatch/internal/broadcast"
	"github.com/loykin/svcwatch/internal/snapshot"
)

// Websocket event names.
const (
	EventConnected          = "connected"
	EventSubscribeUpdates   = "subscribe_updates"
	EventUnsubscribeUpdates = "unsubscribe_updates"
	EventSubscribed         = "subscribed"
	EventUnsubscribed       = "unsubscribed"
	EventServicesUpdate     = "services_update"
	EventSystemUpdate       = "system_update"
	EventError              = "error"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 8
)

var errClientClosed = errors.New("websocket client closed")

// Envelope is the frame format in both directions.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func newFrame(event string, data any) ([]byte, error) {
	env := Envelope{Event: event, Timestamp: time.Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Hub tracks websocket clients. Each subscribed client is a Broadcaster
// observer; a client that cannot keep up drops frames instead of stalling
// the cycle, and a client whose connection fails is unsubscribed.
type Hub struct {
	b        *broadcast.Broadcaster
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	cacheMu    sync.Mutex
	cachedSnap *snapshot.Snapshot
	cached     [][]byte
}

func NewHub(b *broadcast.Broadcaster, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		b:      b,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// read-only API without auth; any origin may watch
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	cs := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		cs = append(cs, c)
	}
	h.mu.Unlock()
	for _, c := range cs {
		c.close()
	}
}

// frames renders a snapshot once and shares the frames between clients.
func (h *Hub) frames(s *snapshot.Snapshot) ([][]byte, error) {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	if h.cachedSnap == s {
		return h.cached, nil
	}
	services, err := newFrame(EventServicesUpdate, s.Services)
	if err != nil {
		return nil, err
	}
	system, err := newFrame(EventSystemUpdate, s.System)
	if err != nil {
		return nil, err
	}
	h.cachedSnap, h.cached = s, [][]byte{services, system}
	return h.cached, nil
}

// Handle upgrades the request and serves the client until it disconnects.
func (h *Hub) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	cl := &client{hub: h, conn: conn, send: make(chan [][]byte, sendBuffer), done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "remote", conn.RemoteAddr().String())

	go cl.writeLoop()
	cl.reply(EventConnected, map[string]any{
		"interval": h.b.Interval().String(),
		"services": h.b.Catalog().IDs(),
	})
	cl.readLoop()
	cl.close()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan [][]byte
	done chan struct{}

	mu        sync.Mutex
	unsub     func()
	closed    bool
	closeOnce sync.Once
}

// Notify implements broadcast.Observer.
func (c *client) Notify(s *snapshot.Snapshot) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	frames, err := c.hub.frames(s)
	if err != nil {
		return err
	}
	select {
	case c.send <- frames:
		return nil
	default:
		return broadcast.ErrObserverBusy
	}
}

func (c *client) subscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsub == nil && !c.closed {
		c.unsub = c.hub.b.Subscribe(c)
	}
}

func (c *client) unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
}

func (c *client) reply(event string, data any) {
	frame, err := newFrame(event, data)
	if err != nil {
		c.hub.logger.Error("websocket encode failed", "event", event, "error", err)
		return
	}
	select {
	case c.send <- [][]byte{frame}:
	case <-c.done:
	}
}

func (c *client) readLoop() {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		var in Envelope
		if err := json.Unmarshal(msg, &in); err != nil {
			c.reply(EventError, errorResp{Error: "invalid message"})
			continue
		}
		switch in.Event {
		case EventSubscribeUpdates:
			c.subscribe()
			c.reply(EventSubscribed, nil)
		case EventUnsubscribeUpdates:
			c.unsubscribe()
			c.reply(EventUnsubscribed, nil)
		default:
			c.reply(EventError, errorResp{Error: "unknown event: " + in.Event})
		}
	}
}

func (c *client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case frames := <-c.send:
			for _, f := range frames {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, f); err != nil {
					c.hub.logger.Debug("websocket write failed", "error", err)
					c.close()
					return
				}
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.unsub != nil {
			c.unsub()
			c.unsub = nil
		}
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
		c.hub.logger.Info("websocket client disconnected", "remote", c.conn.RemoteAddr().String())
	})
}
