// Package devserver is an in-memory development backend implementing the
// REST and push contracts the chat client consumes. The lostchat CLI serves
// it for local use and the client tests run against it through httptest.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"nhooyr.io/websocket"
)

const tokenPrefix = "dev-"

// Options configures a Server.
type Options struct {
	Logger *slog.Logger
	// DisableWebSocket makes /ws answer 404 so clients fall back to SSE.
	DisableWebSocket bool
	// SSEHeartbeat is the interval of keep-alive comments on SSE streams.
	SSEHeartbeat time.Duration
}

// Server is the development backend.
type Server struct {
	data   *data
	hub    *hub
	logger *slog.Logger
	opts   Options
	router *mux.Router

	mu             sync.Mutex
	failSends      int
	restReads      map[int64]int
	transportReads map[int64]int
}

// New creates an empty backend.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.SSEHeartbeat == 0 {
		opts.SSEHeartbeat = 15 * time.Second
	}
	s := &Server{
		data:           newData(),
		logger:         opts.Logger.With("component", "devserver"),
		opts:           opts,
		restReads:      make(map[int64]int),
		transportReads: make(map[int64]int),
	}
	s.hub = newHub(s.logger)
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.auth)
	api.HandleFunc("/auth/me", s.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations", s.handleEnsureConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id:[0-9]+}", s.handleDeleteConversation).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id:[0-9]+}/messages", s.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id:[0-9]+}/messages", s.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id:[0-9]+}/read", s.handleMarkRead).Methods(http.MethodPost)
	api.HandleFunc("/realtime/emit", s.handleEmit).Methods(http.MethodPost)

	r.Handle("/ws", s.auth(http.HandlerFunc(s.handleWS)))
	r.Handle("/sse", s.auth(http.HandlerFunc(s.handleSSE))).Methods(http.MethodGet)
	return r
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }

// ============================================================================
// Test and demo controls
// ============================================================================

// AddUser creates a user and returns its id.
func (s *Server) AddUser(name string) int64 { return s.data.addUser(name) }

// AddItem creates an item owned by ownerID and returns its id.
func (s *Server) AddItem(ownerID int64, title string) int64 { return s.data.addItem(ownerID, title) }

// Token returns the bearer token authenticating as userID.
func Token(userID int64) string { return tokenPrefix + strconv.FormatInt(userID, 10) }

// Post stores a message from senderID and pushes it, as if sent by another client.
func (s *Server) Post(convID, senderID int64, text string) (int64, error) {
	m, users, err := s.data.addMessage(convID, senderID, text, "")
	if err != nil {
		return 0, err
	}
	s.broadcast(m, users)
	return m.ID, nil
}

// Redeliver pushes an existing message again and returns how many peers got it.
func (s *Server) Redeliver(convID, msgID int64) int {
	m, ok := s.data.message(convID, msgID)
	if !ok {
		return 0
	}
	users, _ := s.data.participants(convID)
	return s.hub.deliver(convID, users, frame("message:new", eventOf(m)))
}

// FailSends makes the next n REST sends fail with 503.
func (s *Server) FailSends(n int) {
	s.mu.Lock()
	s.failSends = n
	s.mu.Unlock()
}

// Rooms returns the rooms joined by any connection of userID.
func (s *Server) Rooms(userID int64) []int64 { return s.hub.rooms(userID) }

// Connections returns the number of push connections of userID.
func (s *Server) Connections(userID int64) int { return s.hub.count(userID) }

// Kick closes every push connection of userID.
func (s *Server) Kick(userID int64) int { return s.hub.kick(userID) }

// ReadMarks returns how many REST and transport read marks a conversation got.
func (s *Server) ReadMarks(convID int64) (rest, transport int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restReads[convID], s.transportReads[convID]
}

// Messages returns the stored history of a conversation as seen by userID.
func (s *Server) Messages(convID, userID int64) (int, error) {
	msgs, err := s.data.listMessages(convID, userID)
	return len(msgs), err
}

// Demo identifies the seeded demo data.
type Demo struct {
	Alice, Bob, Carol int64
	Umbrella, IDCard  int64
	Conversation      int64
}

// SeedDemo creates three users, two items and one conversation with history.
func (s *Server) SeedDemo() Demo {
	var d Demo
	d.Alice = s.AddUser("Alice")
	d.Bob = s.AddUser("Bob")
	d.Carol = s.AddUser("Carol")
	d.Umbrella = s.AddItem(d.Alice, "Blue umbrella found at library desk")
	d.IDCard = s.AddItem(d.Carol, "Student ID card, name starts with B")

	conv, _, _ := s.data.ensureConversation(d.Umbrella, d.Bob)
	d.Conversation = conv.ID
	s.data.addMessage(conv.ID, d.Bob, "Hi, I think the umbrella is mine.", "")
	s.data.addMessage(conv.ID, d.Alice, "Sure, what colour is the handle?", "")
	s.data.addMessage(conv.ID, d.Bob, "Black, with a scratch near the top.", "")
	return d
}

// ============================================================================
// Auth
// ============================================================================

type ctxKey struct{}

func parseToken(tok string) (int64, bool) {
	rest, ok := strings.CutPrefix(tok, tokenPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	return id, err == nil
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tok string
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tok = strings.TrimPrefix(h, "Bearer ")
		} else if c, err := r.Cookie("session"); err == nil {
			tok = c.Value
		}
		id, ok := parseToken(tok)
		if ok {
			_, ok = s.data.user(id)
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "not signed in")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(ctxKey{}).(int64)
	return id
}

// ============================================================================
// REST handlers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func writeDataError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not a participant")
	case errors.Is(err, errInvalid):
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid body")
		return
	}
	u, ok := s.data.user(req.UserID)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unknown user")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "session", Value: Token(u.ID), Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, _ := s.data.user(userID(r))
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.data.listConversations(userID(r)))
}

func (s *Server) handleEnsureConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID int64 `json:"item_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ItemID == 0 {
		writeError(w, http.StatusBadRequest, "invalid", "item_id is required")
		return
	}
	conv, created, err := s.data.ensureConversation(req.ItemID, userID(r))
	if err != nil {
		if errors.Is(err, errNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid", "cannot contact yourself")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.data.deleteConversation(pathID(r), userID(r)); err != nil {
		writeDataError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.data.listMessages(pathID(r), userID(r))
	if err != nil {
		writeDataError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fail := s.failSends > 0
	if fail {
		s.failSends--
	}
	s.mu.Unlock()
	if fail {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "message service unavailable")
		return
	}

	var req struct {
		Text     string `json:"text"`
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid body")
		return
	}
	m, users, err := s.data.addMessage(pathID(r), userID(r), req.Text, req.ClientID)
	if err != nil {
		writeDataError(w, err)
		return
	}
	s.broadcast(m, users)
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if _, err := s.data.markRead(id, userID(r)); err != nil {
		writeDataError(w, err)
		return
	}
	s.mu.Lock()
	s.restReads[id]++
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) broadcast(m messageJSON, users [2]int64) {
	n := s.hub.deliver(m.ConversationID, users, frame("message:new", eventOf(m)))
	s.logger.Debug("message pushed", "conversation_id", m.ConversationID, "message_id", m.ID, "peers", n)
}

// ============================================================================
// Push channel
// ============================================================================

type roomPayload struct {
	ConversationID int64 `json:"conversation_id"`
}

type sendPayload struct {
	ConversationID int64  `json:"conversation_id"`
	Text           string `json:"text"`
	ClientID       string `json:"client_id"`
}

// command applies one client frame for p.
func (s *Server) command(p *peer, raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}
	switch env.Type {
	case "conversation:join", "conversation:leave", "conversation:read":
		var room roomPayload
		if err := json.Unmarshal(env.Payload, &room); err != nil {
			return fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		if env.Type == "conversation:leave" {
			// Leaving needs no access check; the conversation may be gone.
			s.hub.leave(p, room.ConversationID)
			return nil
		}
		users, ok := s.data.participants(room.ConversationID)
		if !ok || (users[0] != p.userID && users[1] != p.userID) {
			return fmt.Errorf("conversation %d not available", room.ConversationID)
		}
		switch env.Type {
		case "conversation:join":
			s.hub.join(p, room.ConversationID)
		default:
			if _, err := s.data.markRead(room.ConversationID, p.userID); err != nil {
				return err
			}
			s.mu.Lock()
			s.transportReads[room.ConversationID]++
			s.mu.Unlock()
		}
	case "message:send":
		var req sendPayload
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return fmt.Errorf("malformed message:send: %w", err)
		}
		m, users, err := s.data.addMessage(req.ConversationID, p.userID, req.Text, req.ClientID)
		if err != nil {
			return err
		}
		s.broadcast(m, users)
	case "ping":
		s.hub.sendTo(p, frame("pong", nil))
	default:
		return fmt.Errorf("unknown event %q", env.Type)
	}
	return nil
}

func (s *Server) reject(p *peer, err error) {
	s.logger.Debug("command rejected", "peer", p.id, "error", err)
	s.hub.sendTo(p, frame("error", map[string]string{"message": err.Error()}))
}

func hello(p *peer) []byte {
	return frame("connected", map[string]any{"user_id": p.userID, "connection_id": p.id})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.opts.DisableWebSocket {
		http.NotFound(w, r)
		return
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	p := s.hub.register(userID(r), "websocket")
	defer s.hub.unregister(p)

	if err := c.Write(ctx, websocket.MessageText, hello(p)); err != nil {
		c.Close(websocket.StatusInternalError, "hello failed")
		return
	}

	go func() {
		defer cancel()
		for data := range p.send {
			if err := c.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		c.Close(websocket.StatusGoingAway, "closed by server")
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if err := s.command(p, data); err != nil {
			s.reject(p, err)
		}
	}
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	p := s.hub.register(userID(r), "sse")
	defer s.hub.unregister(p)

	fmt.Fprintf(w, "data: %s\n\n", hello(p))
	flusher.Flush()

	ticker := time.NewTicker(s.opts.SSEHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-p.send:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	p, ok := s.hub.peer(r.Header.Get("X-Connection-ID"))
	if !ok || p.userID != userID(r) {
		writeError(w, http.StatusNotFound, "not_found", "unknown connection")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid body")
		return
	}
	if err := s.command(p, raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
