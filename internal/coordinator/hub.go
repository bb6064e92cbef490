package coordinator

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nightpress/nightpress/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Engine daemons are not browsers and send no Origin header.
		// Browser connections must match the hub's own host.
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host
	},
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// hubClient represents one connected instance.
type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub relays broadcast messages between connected instances. The first
// instance on a machine hosts it; every instance (including the host)
// connects as a client. A message is relayed to every client except its
// sender, matching broadcast-channel semantics.
type Hub struct {
	clients    map[*hubClient]bool
	register   chan *hubClient
	unregister chan *hubClient
	relay      chan relayed

	mu     sync.Mutex
	server *http.Server
}

type relayed struct {
	from *hubClient
	data []byte
}

// NewHub creates a Hub and starts its relay loop.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[*hubClient]bool),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		relay:      make(chan relayed, 256),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}

		case msg := <-h.relay:
			for client := range h.clients {
				if client == msg.from {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow client: drop it rather than stall the hub.
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// ServeWS upgrades an HTTP request to a hub connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("Failed to upgrade hub connection", err, nil)
		return
	}

	client := &hubClient{
		conn: conn,
		send: make(chan []byte, 64),
		hub:  h,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// ListenAndServe starts an HTTP server hosting the hub at /bus.
func (h *Hub) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/bus", h.ServeWS)

	server := &http.Server{Addr: addr, Handler: mux}
	h.mu.Lock()
	h.server = server
	h.mu.Unlock()

	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the hub's HTTP server.
func (h *Hub) Shutdown() error {
	h.mu.Lock()
	server := h.server
	h.mu.Unlock()

	if server != nil {
		return server.Close()
	}
	return nil
}

func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.hub.relay <- relayed{from: c, data: data}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
