package devgateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yegors/webchat/internal/timeline"
	"github.com/yegors/webchat/pkg/logger"
)

// Options configures the development gateway
type Options struct {
	// TenantID embedded in issued tokens and handshake responses
	TenantID string
	// WSBaseURL advertised to clients as ws_server_url, e.g.
	// "ws://127.0.0.1:8095/ws"
	WSBaseURL string
	// TokenLifetime controls expires_in; keep it short to exercise the
	// client's proactive refresh locally
	TokenLifetime time.Duration
	// BotReply, when non-empty, echoes a canned bot response to every
	// user message
	BotReply string
}

// conversation is one in-memory chat thread
type conversation struct {
	id        string
	visitorID string
	messages  []timeline.Message
	closedAt  string
}

// Server is a local stand-in for the remote chat gateway: the same
// HTTP+push wire contract, in-memory state, unsigned JWT-shaped
// tokens. A development fixture, not a production gateway.
type Server struct {
	opts   Options
	hub    *Hub
	logger *logger.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
	bySession     map[string]string // client session id -> conversation id
	seq           int
}

// NewServer creates a development gateway server
func NewServer(opts Options, hub *Hub, log *logger.Logger) *Server {
	if opts.TenantID == "" {
		opts.TenantID = "dev-tenant"
	}
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = 15 * time.Minute
	}

	s := &Server{
		opts:          opts,
		hub:           hub,
		logger:        log.Named("devgw"),
		conversations: make(map[string]*conversation),
		bySession:     make(map[string]string),
	}
	hub.SetFrameHandler(s)
	return s
}

// Routes returns the HTTP router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/webchat/init", s.handleInit)
	r.Post("/webchat/message", s.handleMessage)
	r.Get("/webchat/messages", s.handleHistory)
	r.Post("/webchat/session", s.handleTrack)
	r.Post("/webchat/open", s.handleTrack)
	r.Get("/ws", s.hub.HandleConnection)

	return r
}

type initBody struct {
	SessionID string `json:"sessionId"`
	VisitorID string `json:"visitorId"`
	TenantID  string `json:"tenantId"`
	Domain    string `json:"domain"`
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var body initBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	conv := s.findOrCreateLocked(body.SessionID, body.VisitorID)
	closedAt := conv.closedAt
	s.mu.Unlock()

	token := s.mintToken()

	resp := map[string]any{
		"session_id":    conv.id,
		"visitor_id":    conv.visitorID,
		"ws_token":      token,
		"ws_server_url": s.opts.WSBaseURL,
		"tenant_id":     s.opts.TenantID,
		"expires_in":    int(s.opts.TokenLifetime.Seconds()),
	}
	if closedAt != "" {
		resp["closed_at"] = closedAt
	}

	s.logger.Debug("Init handshake",
		logger.String("conversation_id", conv.id),
		logger.String("client_session", body.SessionID))
	writeJSON(w, http.StatusOK, resp)
}

type messageBody struct {
	Text           string `json:"text"`
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversation_id"`
	TempID         string `json:"temp_id"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	var conv *conversation
	if body.ConversationID != "" {
		conv = s.conversations[body.ConversationID]
	}
	if conv != nil && conv.closedAt != "" {
		s.mu.Unlock()
		http.Error(w, "conversation closed", http.StatusGone)
		return
	}
	if conv == nil {
		conv = s.findOrCreateLocked(body.SessionID, "")
	}
	msg := s.appendLocked(conv, body.Text, timeline.SenderUser)
	s.mu.Unlock()

	s.hub.BroadcastToRoom(conv.id, &Frame{Type: "message", Message: &msg})
	s.maybeBotReply(conv.id)

	writeJSON(w, http.StatusOK, map[string]any{
		"message":   msg,
		"sessionId": conv.id,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	sessionID := r.URL.Query().Get("sessionId")

	s.mu.Lock()
	var conv *conversation
	if conversationID != "" {
		conv = s.conversations[conversationID]
	}
	if conv == nil && sessionID != "" {
		if id, ok := s.bySession[sessionID]; ok {
			conv = s.conversations[id]
		}
	}
	var messages []timeline.Message
	if conv != nil {
		messages = append(messages, conv.messages...)
	}
	s.mu.Unlock()

	if messages == nil {
		messages = []timeline.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleFrame dispatches inbound realtime frames
func (s *Server) HandleFrame(client *WSClient, frame *Frame) {
	switch frame.Type {
	case "auth":
		// Tokens are unsigned in the dev gateway; accept and move on
	case "join":
		if frame.ConversationID != "" {
			s.hub.JoinRoom(client, frame.ConversationID)
		}
	case "message":
		s.handleRealtimeMessage(client, frame)
	default:
		s.logger.Debug("Ignoring unknown frame", logger.String("type", frame.Type))
	}
}

func (s *Server) handleRealtimeMessage(client *WSClient, frame *Frame) {
	if frame.Text == "" {
		return
	}

	s.mu.Lock()
	var conv *conversation
	if frame.ConversationID != "" {
		conv = s.conversations[frame.ConversationID]
	}
	if conv == nil {
		conv = s.findOrCreateLocked(frame.SessionID, "")
	}
	if conv.closedAt != "" {
		s.mu.Unlock()
		client.Send(&Frame{Type: "error", Error: "conversation closed"})
		return
	}
	msg := s.appendLocked(conv, frame.Text, timeline.SenderUser)
	s.mu.Unlock()

	if client.Room() == "" {
		s.hub.JoinRoom(client, conv.id)
	}
	s.hub.BroadcastToRoom(conv.id, &Frame{Type: "message", Message: &msg})
	s.maybeBotReply(conv.id)
}

// CloseConversation marks a conversation closed so recovery paths can
// be exercised locally
func (s *Server) CloseConversation(id string) {
	s.mu.Lock()
	if conv, ok := s.conversations[id]; ok {
		conv.closedAt = time.Now().UTC().Format(time.RFC3339)
	}
	s.mu.Unlock()
}

// findOrCreateLocked resolves the conversation for a client session,
// creating one when none exists. Caller holds s.mu.
func (s *Server) findOrCreateLocked(sessionID, visitorID string) *conversation {
	if sessionID != "" {
		if id, ok := s.bySession[sessionID]; ok {
			return s.conversations[id]
		}
	}

	s.seq++
	conv := &conversation{
		id:        fmt.Sprintf("conv-%d-%d", time.Now().UnixMilli(), s.seq),
		visitorID: visitorID,
	}
	if conv.visitorID == "" {
		conv.visitorID = fmt.Sprintf("visitor-%d", s.seq)
	}
	s.conversations[conv.id] = conv
	if sessionID != "" {
		s.bySession[sessionID] = conv.id
	}
	return conv
}

// appendLocked stores a new message on a conversation. Caller holds s.mu.
func (s *Server) appendLocked(conv *conversation, text string, sender timeline.Sender) timeline.Message {
	s.seq++
	msg := timeline.Message{
		ID:        fmt.Sprintf("msg-%d-%d", time.Now().UnixMilli(), s.seq),
		Text:      text,
		Sender:    sender,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	conv.messages = append(conv.messages, msg)
	return msg
}

// maybeBotReply echoes the canned bot response into a room
func (s *Server) maybeBotReply(conversationID string) {
	if s.opts.BotReply == "" {
		return
	}

	s.mu.Lock()
	conv := s.conversations[conversationID]
	if conv == nil {
		s.mu.Unlock()
		return
	}
	msg := s.appendLocked(conv, s.opts.BotReply, timeline.SenderBot)
	s.mu.Unlock()

	s.hub.BroadcastToRoom(conversationID, &Frame{Type: "message", Message: &msg})
}

// mintToken issues an unsigned JWT-shaped token with the tenant claims
// embedded, mirroring the redundant-claims behavior of the real
// gateway
func (s *Server) mintToken() string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims, _ := json.Marshal(map[string]any{
		"tenant_id": s.opts.TenantID,
		"exp":       time.Now().Add(s.opts.TokenLifetime).Unix(),
	})
	payload := base64.RawURLEncoding.EncodeToString(claims)
	return strings.Join([]string{header, payload, "dev"}, ".")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
