package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/xmrswap/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSEvent is one swap lifecycle transition broadcast to admin WS clients.
type WSEvent struct {
	Type      string      `json:"type"`
	SwapID    string      `json:"swap_id"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// wsClient is a single connected admin WebSocket client.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *wsHub
}

// wsHub fans swap-transition events out to every connected admin client,
// the same register/unregister/broadcast shape the rest of this corpus
// uses for its peer-event feed.
type wsHub struct {
	clients    map[*wsClient]bool
	broadcast  chan *WSEvent
	register   chan *wsClient
	unregister chan *wsClient
	log        *logging.Logger
	mu         sync.RWMutex
}

func newWSHub() *wsHub {
	return &wsHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan *WSEvent, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		log:        logging.GetDefault().Component("ws"),
	}
}

func (h *wsHub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Debug("admin ws client connected", "clients", len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("marshal ws event", "err", err)
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.log.Warn("admin ws client send buffer full, dropping", "type", ev.Type)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast emits a swap-transition event to every connected client. It
// never blocks the caller: a full hub-broadcast channel drops the event
// rather than stall the swap state machine's registry lock.
func (h *wsHub) Broadcast(eventType, swapID string, data interface{}) {
	ev := &WSEvent{Type: eventType, SwapID: swapID, Data: data, Timestamp: time.Now().Unix()}
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("ws broadcast channel full, dropping event", "type", eventType)
	}
}

// ClientCount reports how many admin WS clients are currently connected.
func (h *wsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("ws upgrade failed", "err", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, 64), hub: s.wsHub}
	s.wsHub.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
