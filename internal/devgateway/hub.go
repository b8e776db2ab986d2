package devgateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/yegors/webchat/internal/timeline"
	"github.com/yegors/webchat/pkg/logger"
)

// Frame is a realtime channel frame, matching the webchat wire
// contract in both directions
type Frame struct {
	Type           string            `json:"type"`
	Token          string            `json:"token,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Text           string            `json:"text,omitempty"`
	TempID         string            `json:"temp_id,omitempty"`
	SessionID      string            `json:"sessionId,omitempty"`
	Message        *timeline.Message `json:"message,omitempty"`
	Roster         []string          `json:"roster,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// roomFrame targets a frame at one conversation room
type roomFrame struct {
	room  string
	frame *Frame
}

// WSClient represents one websocket connection to the hub
type WSClient struct {
	conn      *websocket.Conn
	send      chan *Frame
	hub       *Hub
	mu        sync.Mutex
	closed    bool
	closeChan chan struct{}
	room      string
}

// FrameHandler handles inbound frames from a connection
type FrameHandler interface {
	HandleFrame(client *WSClient, frame *Frame)
}

// Hub fans realtime frames out to per-conversation rooms
type Hub struct {
	clients      map[*WSClient]bool
	rooms        map[string]map[*WSClient]bool
	register     chan *WSClient
	unregister   chan *WSClient
	broadcast    chan roomFrame
	upgrader     websocket.Upgrader
	logger       *logger.Logger
	mu           sync.RWMutex
	frameHandler FrameHandler
}

// NewHub creates a new realtime hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*WSClient]bool),
		rooms:      make(map[string]map[*WSClient]bool),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		broadcast:  make(chan roomFrame, 64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		logger: log.Named("devgw-hub"),
	}
}

// SetFrameHandler sets the handler for inbound frames
func (h *Hub) SetFrameHandler(handler FrameHandler) {
	h.frameHandler = handler
}

// Run starts the hub loop
func (h *Hub) Run() {
	h.logger.Info("Starting realtime hub")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client registered", logger.Int("client_count", count))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.leaveRoomLocked(client)
				client.mu.Lock()
				client.closed = true
				client.mu.Unlock()
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", logger.Int("client_count", count))

		case rf := <-h.broadcast:
			h.mu.RLock()
			members := h.rooms[rf.room]
			var stale []*WSClient
			for client := range members {
				select {
				case client.send <- rf.frame:
				default:
					stale = append(stale, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range stale {
				client.Close()
			}
		}
	}
}

// JoinRoom subscribes a client to a conversation room and broadcasts
// the updated presence roster
func (h *Hub) JoinRoom(client *WSClient, room string) {
	h.mu.Lock()
	h.leaveRoomLocked(client)
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*WSClient]bool)
	}
	h.rooms[room][client] = true
	client.room = room
	roster := make([]string, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		roster = append(roster, c.conn.RemoteAddr().String())
	}
	h.mu.Unlock()

	h.logger.Debug("Client joined room", logger.String("room", room))
	h.BroadcastToRoom(room, &Frame{Type: "presence", Roster: roster})
}

// leaveRoomLocked removes a client from its room. Caller holds h.mu.
func (h *Hub) leaveRoomLocked(client *WSClient) {
	if client.room == "" {
		return
	}
	if members, ok := h.rooms[client.room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, client.room)
		}
	}
	client.room = ""
}

// BroadcastToRoom sends a frame to every member of a conversation room
func (h *Hub) BroadcastToRoom(room string, frame *Frame) {
	h.broadcast <- roomFrame{room: room, frame: frame}
}

// HandleConnection upgrades an HTTP request and runs the connection
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", logger.Error(err))
		return
	}

	client := &WSClient{
		conn:      conn,
		send:      make(chan *Frame, 64),
		hub:       h,
		closeChan: make(chan struct{}),
	}

	h.register <- client

	go client.readPump()
	go client.writePump()
}

// readPump pumps frames from the connection to the frame handler
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("Read error", logger.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.hub.logger.Warn("Failed to parse frame", logger.Error(err))
			continue
		}

		if c.hub.frameHandler != nil {
			c.hub.frameHandler.HandleFrame(c, &frame)
		}
	}
}

// writePump pumps frames from the hub to the connection
func (c *WSClient) writePump() {
	defer c.conn.Close()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

// Send queues a frame for this client, dropping it when the client is
// closed or its queue is full
func (c *WSClient) Send(frame *Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close closes the client connection
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeChan)
	c.conn.Close()
}

// Room returns the conversation room this client has joined
func (c *WSClient) Room() string {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.room
}
