// Package realtime pushes pipeline updates to authenticated websocket
// subscribers. Delivery is best effort: nothing is queued for offline
// subscribers and slow ones are dropped.
package realtime

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"mf_backend_project/models"

	"github.com/gorilla/websocket"
)

const (
	MaxWebSocketClients   = 100
	WebSocketWriteTimeout = 10 * time.Second
	WebSocketPongTimeout  = 60 * time.Second
	WebSocketPingInterval = 30 * time.Second

	clientSendBuffer = 256
	broadcastBuffer  = 256
)

// Rooms and events
const (
	IndicesRoom        = "indices"
	EventIndicesUpdate = "indices:update"
)

// UserRoom is the private room of a subscriber
func UserRoom(userID string) string {
	return "user:" + userID
}

// Authenticator resolves the subscriber identity of a handshake request
type Authenticator func(r *http.Request) (string, error)

// Message is the frame sent to subscribers
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time string      `json:"time"`
}

type envelope struct {
	room string
	data []byte
}

// Client is one websocket connection
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
	rooms  []string
}

// Hub fans messages out to rooms of clients
type Hub struct {
	clients      map[*Client]bool
	rooms        map[string]map[*Client]bool
	broadcast    chan envelope
	register     chan *Client
	unregister   chan *Client
	shutdown     chan struct{}
	mu           sync.RWMutex
	upgrader     websocket.Upgrader
	authenticate Authenticator
	maxClients   int
	once         sync.Once
}

// NewHub creates a hub and starts its loop
func NewHub(auth Authenticator) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan envelope, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		authenticate: auth,
		maxClients:   MaxWebSocketClients,
	}
	go h.run()
	log.Println("Live update hub initialized")
	return h
}

// Shutdown disconnects every client and stops the loop
func (h *Hub) Shutdown() {
	h.once.Do(func() {
		close(h.shutdown)

		h.mu.Lock()
		for client := range h.clients {
			close(client.send)
			client.conn.Close()
		}
		h.clients = make(map[*Client]bool)
		h.rooms = make(map[string]map[*Client]bool)
		h.mu.Unlock()

		log.Println("Live update hub shutdown complete")
	})
}

func (h *Hub) run() {
	for {
		select {
		case <-h.shutdown:
			return

		case client := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= h.maxClients {
				h.mu.Unlock()
				client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Server at capacity"))
				client.conn.Close()
				log.Printf("WebSocket client rejected: max clients reached (%d)", h.maxClients)
				continue
			}
			h.clients[client] = true
			for _, room := range client.rooms {
				if h.rooms[room] == nil {
					h.rooms[room] = make(map[*Client]bool)
				}
				h.rooms[room][client] = true
			}
			clientCount := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client %s connected. Total clients: %d", client.userID, clientCount)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			clientCount := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client %s disconnected. Total clients: %d", client.userID, clientCount)

		case msg := <-h.broadcast:
			h.mu.Lock()
			var dead []*Client
			for client := range h.rooms[msg.room] {
				select {
				case client.send <- msg.data:
				default:
					dead = append(dead, client)
				}
			}
			for _, client := range dead {
				log.Printf("Warning: dropping slow WebSocket client %s", client.userID)
				h.remove(client)
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with h.mu held
func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for _, room := range client.rooms {
		delete(h.rooms[room], client)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	close(client.send)
}

// HandleWebSocket authenticates the handshake and upgrades the connection.
// Unauthenticated requests are rejected before joining any room.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil || userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.RLock()
	atCapacity := len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if atCapacity {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
		userID: userID,
		rooms:  []string{UserRoom(userID), IndicesRoom},
	}

	select {
	case h.register <- client:
	case <-h.shutdown:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

// Emit sends an event to every client of room. It never blocks; when the
// hub is saturated the event is dropped.
func (h *Hub) Emit(room, event string, data interface{}) error {
	payload, err := json.Marshal(Message{
		Type: event,
		Data: data,
		Time: time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	select {
	case <-h.shutdown:
		return errors.New("hub is shut down")
	default:
	}

	select {
	case h.broadcast <- envelope{room: room, data: payload}:
		return nil
	default:
		log.Printf("Warning: broadcast queue full, dropping %s for %s", event, room)
		return errors.New("broadcast queue full")
	}
}

// BroadcastIndices pushes the latest snapshots to every subscriber
func (h *Hub) BroadcastIndices(snapshots []models.IndexSnapshot) error {
	return h.Emit(IndicesRoom, EventIndicesUpdate, snapshots)
}

// EmitToUser sends an event to the connections of one subscriber
func (h *Hub) EmitToUser(userID, event string, data interface{}) error {
	return h.Emit(UserRoom(userID), event, data)
}

// Status returns hub status info
func (h *Hub) Status() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"client_count": len(h.clients),
		"max_clients":  h.maxClients,
		"rooms":        len(h.rooms),
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; subscribers do not send commands
func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}
	}
}
