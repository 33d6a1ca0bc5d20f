package devserver

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// envelope is the push channel frame.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func frame(typ string, payload any) []byte {
	env := envelope{Type: typ}
	if payload != nil {
		env.Payload, _ = json.Marshal(payload)
	}
	data, _ := json.Marshal(env)
	return data
}

type messageEvent struct {
	ConversationID int64  `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
	SenderID       int64  `json:"sender_id"`
	Text           string `json:"text"`
	CreatedAt      string `json:"created_at"`
	ClientID       string `json:"client_id,omitempty"`
}

func eventOf(m messageJSON) messageEvent {
	return messageEvent{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt.Format(time.RFC3339Nano),
		ClientID:       m.ClientID,
	}
}

// peer is one push connection, over WebSocket or SSE.
type peer struct {
	id     string
	userID int64
	kind   string
	send   chan []byte
	rooms  map[int64]bool
	once   sync.Once
}

func (p *peer) close() {
	p.once.Do(func() { close(p.send) })
}

// hub tracks connected peers and their rooms.
type hub struct {
	mu     sync.RWMutex
	peers  map[string]*peer
	logger *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{peers: make(map[string]*peer), logger: logger}
}

func (h *hub) register(userID int64, kind string) *peer {
	p := &peer{
		id:     uuid.NewString(),
		userID: userID,
		kind:   kind,
		send:   make(chan []byte, 256),
		rooms:  make(map[int64]bool),
	}
	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()
	h.logger.Info("peer connected", "peer", p.id, "user_id", userID, "transport", kind)
	return p
}

func (h *hub) unregister(p *peer) {
	h.mu.Lock()
	if _, ok := h.peers[p.id]; ok {
		delete(h.peers, p.id)
		p.close()
	}
	h.mu.Unlock()
	h.logger.Info("peer disconnected", "peer", p.id, "user_id", p.userID)
}

func (h *hub) peer(id string) (*peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[id]
	return p, ok
}

func (h *hub) join(p *peer, convID int64) {
	h.mu.Lock()
	p.rooms[convID] = true
	h.mu.Unlock()
}

func (h *hub) leave(p *peer, convID int64) {
	h.mu.Lock()
	delete(p.rooms, convID)
	h.mu.Unlock()
}

// deliver queues data once to every peer that joined the room or belongs
// to one of users. Slow peers are dropped.
func (h *hub) deliver(convID int64, users [2]int64, data []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, p := range h.peers {
		if !p.rooms[convID] && p.userID != users[0] && p.userID != users[1] {
			continue
		}
		select {
		case p.send <- data:
			n++
		default:
			delete(h.peers, id)
			p.close()
			h.logger.Warn("dropping slow peer", "peer", id)
		}
	}
	return n
}

// sendTo queues data for a single peer.
func (h *hub) sendTo(p *peer, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.peers[p.id]; !ok {
		return
	}
	select {
	case p.send <- data:
	default:
	}
}

// kick closes every connection of a user.
func (h *hub) kick(userID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, p := range h.peers {
		if p.userID == userID {
			delete(h.peers, id)
			p.close()
			n++
		}
	}
	return n
}

func (h *hub) rooms(userID int64) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[int64]bool)
	for _, p := range h.peers {
		if p.userID != userID {
			continue
		}
		for id := range p.rooms {
			seen[id] = true
		}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *hub) count(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, p := range h.peers {
		if p.userID == userID {
			n++
		}
	}
	return n
}
