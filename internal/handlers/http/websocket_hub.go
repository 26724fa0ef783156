package http

import (
	"net/http"
	"sync"
	"time"

	"ratepilot/internal/core/domain"
	"ratepilot/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	clientSendBuffer = 16
	wsWriteTimeout   = 10 * time.Second
)

// SettingEvent is pushed to websocket clients whenever a bus key changes.
type SettingEvent struct {
	Type      string    `json:"type"`
	Key       string    `json:"key"`
	Value     int       `json:"value"`
	Label     string    `json:"label,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan SettingEvent
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans settings bus updates out to websocket clients (encoder UIs). A
// client that cannot keep up is disconnected rather than allowed to stall
// the bus.
type Hub struct {
	bus          ports.SettingsBus
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	readTimeout  time.Duration
	logger       *zap.SugaredLogger
	now          func() time.Time

	mu          sync.Mutex
	clients     map[*wsClient]struct{}
	closed      bool
	unsubscribe func()
}

func NewHub(bus ports.SettingsBus, pingInterval time.Duration, logger *zap.SugaredLogger) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	h := &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		pingInterval: pingInterval,
		readTimeout:  2 * pingInterval,
		logger:       logger,
		now:          time.Now,
		clients:      make(map[*wsClient]struct{}),
	}
	h.unsubscribe = bus.Subscribe(h.broadcast)
	return h
}

func (h *Hub) SetupRoutes(router gin.IRouter) {
	router.GET("/api/v1/ws", h.HandleWebSocket)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close unsubscribes from the bus and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	h.unsubscribe()
	for c := range clients {
		c.close()
	}
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan SettingEvent, clientSendBuffer)}
	for _, key := range []string{ports.KeyTargetBitrate, ports.KeyNetworkQuality, ports.KeyAppliedBitrate} {
		if v, ok := h.bus.Get(key); ok {
			client.send <- h.event(key, v)
		}
	}
	if !h.register(client) {
		conn.Close()
		return
	}
	h.logger.Infow("websocket client connected", "remote_addr", c.ClientIP())

	go h.writePump(client)
	h.readPump(client)

	h.unregister(client)
	h.logger.Infow("websocket client disconnected", "remote_addr", c.ClientIP())
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// broadcast runs on the publisher's goroutine and never blocks.
func (h *Hub) broadcast(key string, value int) {
	ev := h.event(key, value)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Warnw("dropping slow websocket client", "key", key)
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *Hub) event(key string, value int) SettingEvent {
	ev := SettingEvent{Type: "setting", Key: key, Value: value, Timestamp: h.now()}
	if key == ports.KeyNetworkQuality {
		ev.Label = domain.QualityLevel(value).String()
	}
	return ev
}

// readPump discards client messages and returns when the connection fails
// or the peer stops answering pings.
func (h *Hub) readPump(c *wsClient) {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debugw("websocket read failed", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				h.logger.Debugw("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
