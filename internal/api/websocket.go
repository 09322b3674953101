package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/veritydir/chainlog/internal/events"
	"github.com/veritydir/chainlog/internal/logging"
	"github.com/veritydir/chainlog/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-Site WebSocket Hijacking guard: same-origin upgrades only,
	// with localhost allowed for development and proxying.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		host := r.Host
		if len(origin) > 7 && origin[:7] == "http://" {
			return origin[7:] == host
		}
		if len(origin) > 8 && origin[:8] == "https://" {
			return origin[8:] == host
		}
		return false
	},
}

// WSMessage is the wire frame sent to stream clients.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu    sync.Mutex
	kinds map[events.Kind]bool
}

// wants reports whether the client's filter admits the kind. An empty
// filter admits everything.
func (c *wsClient) wants(kind events.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.kinds) == 0 || c.kinds[kind]
}

// WSManager fans hub events out to connected stream clients. A slow client
// only loses its own frames; it never backs up the hub or other clients.
type WSManager struct {
	hub        *events.Hub
	logger     *logging.Logger
	sendBuffer int

	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex

	done     chan struct{}
	stopOnce sync.Once
}

func NewWSManager(hub *events.Hub, logger *logging.Logger, sendBuffer int) *WSManager {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	m := &WSManager{
		hub:        hub,
		logger:     logger.WithComponent("stream"),
		sendBuffer: sendBuffer,
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
	go m.run()
	go m.bridge()
	return m
}

func (m *WSManager) run() {
	for {
		select {
		case client := <-m.register:
			m.mu.Lock()
			m.clients[client] = true
			m.mu.Unlock()
			metrics.Get().StreamClients.Inc()
		case client := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.send)
				client.conn.Close()
				metrics.Get().StreamClients.Dec()
			}
			m.mu.Unlock()
		case <-m.done:
			m.mu.Lock()
			for client := range m.clients {
				delete(m.clients, client)
				close(client.send)
				client.conn.Close()
				metrics.Get().StreamClients.Dec()
			}
			m.mu.Unlock()
			return
		}
	}
}

// bridge subscribes to the hub and forwards every event to the clients
// whose kind filter matches.
func (m *WSManager) bridge() {
	ch := m.hub.Subscribe(4 * m.sendBuffer)
	defer m.hub.Unsubscribe(ch)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.broadcast(ev)
		case <-m.done:
			return
		}
	}
}

func (m *WSManager) broadcast(ev events.Event) {
	frame, err := json.Marshal(WSMessage{Type: string(ev.Kind), Data: ev.Data})
	if err != nil {
		m.logger.Error("marshal stream frame", "error", err)
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for client := range m.clients {
		if !client.wants(ev.Kind) {
			continue
		}
		select {
		case client.send <- frame:
		default:
			// Client buffer full, drop this frame for this client.
		}
	}
}

// ClientCount reports the number of connected stream clients.
func (m *WSManager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Close disconnects all clients and stops the manager.
func (m *WSManager) Close() {
	m.stopOnce.Do(func() { close(m.done) })
}

// readPump drains client messages. Clients may narrow their feed with
// {"action":"subscribe","kinds":["LOG","ALERT"]}; an empty filter means all.
func (c *wsClient) readPump(m *WSManager) {
	defer func() {
		select {
		case m.unregister <- c:
		case <-m.done:
		}
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var msg struct {
			Action string   `json:"action"`
			Kinds  []string `json:"kinds"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		c.mu.Lock()
		switch msg.Action {
		case "subscribe":
			for _, k := range msg.Kinds {
				c.kinds[events.Kind(strings.ToUpper(k))] = true
			}
		case "unsubscribe":
			for _, k := range msg.Kinds {
				delete(c.kinds, events.Kind(strings.ToUpper(k)))
			}
		}
		c.mu.Unlock()
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}
}

// HandleStream upgrades the connection and attaches it to the manager.
func (m *WSManager) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := &wsClient{
		conn:  conn,
		kinds: make(map[events.Kind]bool),
		send:  make(chan []byte, m.sendBuffer),
	}

	select {
	case m.register <- client:
	case <-m.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(m)
}
