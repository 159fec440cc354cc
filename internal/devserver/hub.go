package devserver

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/msageha/fieldagent/internal/push"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type hubClient struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	username string
}

func (c *hubClient) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Hub fans broadcast messages out to every connected websocket.
type Hub struct {
	mu      sync.Mutex
	clients map[*hubClient]bool
	joined  chan string
	logger  *log.Logger
}

func newHub(logger *log.Logger) *Hub {
	return &Hub{
		clients: make(map[*hubClient]bool),
		joined:  make(chan string, 64),
		logger:  logger,
	}
}

// Broadcast sends m to every client and returns how many received it.
func (h *Hub) Broadcast(m push.Message) int {
	b, err := json.Marshal(m)
	if err != nil {
		h.logger.Printf("ws marshal %q: %v", m.Type, err)
		return 0
	}

	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	n := 0
	for _, c := range clients {
		if err := c.write(b); err != nil {
			h.logger.Printf("ws write error: %v", err)
			h.remove(c)
			continue
		}
		n++
	}
	h.logger.Printf("broadcast %q to %d client(s)", m.Type, n)
	return n
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Joined yields usernames as clients send join-responder.
func (h *Hub) Joined() <-chan string { return h.joined }

// CloseAll drops every connection, which clients see as a disconnect.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*hubClient]bool)
	h.mu.Unlock()
	for c := range clients {
		_ = c.conn.Close()
	}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.conn.Close()
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade: %v", err)
		return
	}
	c := &hubClient{conn: conn}
	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("ws connected (%d total)", total)

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(20 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	for {
		var msg push.Message
		if err := conn.ReadJSON(&msg); err != nil {
			h.remove(c)
			h.logger.Printf("ws disconnected (%d total)", h.ClientCount())
			return
		}
		if msg.Type == push.TypeJoinResponder {
			var username string
			_ = json.Unmarshal(msg.Data, &username)
			c.writeMu.Lock()
			c.username = username
			c.writeMu.Unlock()
			select {
			case h.joined <- username:
			default:
			}
		}
	}
}
