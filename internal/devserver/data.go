package devserver

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const maxMessageLength = 2000

var (
	errNotFound  = errors.New("not found")
	errForbidden = errors.New("forbidden")
	errInvalid   = errors.New("invalid request")
)

// Wire shapes. They are declared here rather than shared with the client
// package so the dev backend checks the JSON contract independently.

type userJSON struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type conversationJSON struct {
	ID            int64      `json:"id"`
	ItemID        int64      `json:"item_id"`
	ItemTitle     string     `json:"item_title"`
	OtherUserID   int64      `json:"other_user_id"`
	OtherUserName string     `json:"other_user_name"`
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int        `json:"unread_count"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type messageJSON struct {
	ID             int64     `json:"id"`
	ClientID       string    `json:"client_id,omitempty"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Text           string    `json:"text"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

type item struct {
	id      int64
	ownerID int64
	title   string
}

type conversation struct {
	id          int64
	itemID      int64
	ownerID     int64
	requesterID int64
	updatedAt   time.Time
}

func (c *conversation) has(userID int64) bool {
	return c.ownerID == userID || c.requesterID == userID
}

func (c *conversation) other(userID int64) int64 {
	if c.ownerID == userID {
		return c.requesterID
	}
	return c.ownerID
}

// data is the in-memory backing store of the dev backend.
type data struct {
	mu            sync.Mutex
	now           func() time.Time
	users         map[int64]string
	items         map[int64]*item
	conversations map[int64]*conversation
	messages      map[int64][]*messageJSON
	nextID        int64
	historyLimit  int
}

func newData() *data {
	return &data{
		now:           time.Now,
		users:         make(map[int64]string),
		items:         make(map[int64]*item),
		conversations: make(map[int64]*conversation),
		messages:      make(map[int64][]*messageJSON),
		historyLimit:  200,
	}
}

func (d *data) id() int64 {
	d.nextID++
	return d.nextID
}

func (d *data) addUser(name string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.id()
	d.users[id] = name
	return id
}

func (d *data) user(id int64) (userJSON, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, ok := d.users[id]
	return userJSON{ID: id, Name: name}, ok
}

func (d *data) addItem(ownerID int64, title string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.id()
	d.items[id] = &item{id: id, ownerID: ownerID, title: title}
	return id
}

// conversationFor returns the conversation if userID takes part in it.
func (d *data) conversationFor(id, userID int64) (*conversation, error) {
	c, ok := d.conversations[id]
	if !ok {
		return nil, errNotFound
	}
	if !c.has(userID) {
		return nil, errForbidden
	}
	return c, nil
}

func (d *data) summary(c *conversation, userID int64) conversationJSON {
	other := c.other(userID)
	out := conversationJSON{
		ID:            c.id,
		ItemID:        c.itemID,
		OtherUserID:   other,
		OtherUserName: d.users[other],
		UpdatedAt:     c.updatedAt,
	}
	if it := d.items[c.itemID]; it != nil {
		out.ItemTitle = it.title
	}
	msgs := d.messages[c.id]
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		at := last.CreatedAt
		out.LastMessage = last.Text
		out.LastMessageAt = &at
	}
	for _, m := range msgs {
		if m.SenderID != userID && !m.IsRead {
			out.UnreadCount++
		}
	}
	return out
}

func (d *data) listConversations(userID int64) []conversationJSON {
	d.mu.Lock()
	defer d.mu.Unlock()
	var convs []*conversation
	for _, c := range d.conversations {
		if c.has(userID) {
			convs = append(convs, c)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].updatedAt.Equal(convs[j].updatedAt) {
			return convs[i].id > convs[j].id
		}
		return convs[i].updatedAt.After(convs[j].updatedAt)
	})
	out := make([]conversationJSON, 0, len(convs))
	for _, c := range convs {
		out = append(out, d.summary(c, userID))
	}
	return out
}

// ensureConversation returns the requester's conversation about an item,
// creating it on first contact.
func (d *data) ensureConversation(itemID, requesterID int64) (conversationJSON, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[itemID]
	if !ok {
		return conversationJSON{}, false, errNotFound
	}
	if it.ownerID == requesterID {
		return conversationJSON{}, false, errInvalid
	}
	for _, c := range d.conversations {
		if c.itemID == itemID && c.requesterID == requesterID {
			return d.summary(c, requesterID), false, nil
		}
	}
	c := &conversation{id: d.id(), itemID: itemID, ownerID: it.ownerID, requesterID: requesterID, updatedAt: d.now()}
	d.conversations[c.id] = c
	return d.summary(c, requesterID), true, nil
}

func (d *data) listMessages(convID, userID int64) ([]messageJSON, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.conversationFor(convID, userID); err != nil {
		return nil, err
	}
	msgs := d.messages[convID]
	if len(msgs) > d.historyLimit {
		msgs = msgs[len(msgs)-d.historyLimit:]
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out, nil
}

// addMessage stores a message and returns it with the participants to notify.
func (d *data) addMessage(convID, senderID int64, text, clientID string) (messageJSON, [2]int64, error) {
	if strings.TrimSpace(text) == "" || utf8.RuneCountInString(text) > maxMessageLength {
		return messageJSON{}, [2]int64{}, errInvalid
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.conversationFor(convID, senderID)
	if err != nil {
		return messageJSON{}, [2]int64{}, err
	}
	if clientID != "" {
		// Retried sends with the same correlation id are stored once.
		for _, m := range d.messages[convID] {
			if m.ClientID == clientID && m.SenderID == senderID {
				return *m, [2]int64{c.ownerID, c.requesterID}, nil
			}
		}
	}
	m := &messageJSON{
		ID:             d.id(),
		ClientID:       clientID,
		ConversationID: convID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      d.now().UTC(),
	}
	d.messages[convID] = append(d.messages[convID], m)
	c.updatedAt = m.CreatedAt
	return *m, [2]int64{c.ownerID, c.requesterID}, nil
}

// markRead flags the counterpart messages read and returns how many changed.
func (d *data) markRead(convID, userID int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.conversationFor(convID, userID); err != nil {
		return 0, err
	}
	n := 0
	for _, m := range d.messages[convID] {
		if m.SenderID != userID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

func (d *data) deleteConversation(convID, userID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.conversationFor(convID, userID); err != nil {
		return err
	}
	delete(d.conversations, convID)
	delete(d.messages, convID)
	return nil
}

func (d *data) participants(convID int64) ([2]int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conversations[convID]
	if !ok {
		return [2]int64{}, false
	}
	return [2]int64{c.ownerID, c.requesterID}, true
}

func (d *data) message(convID, msgID int64) (messageJSON, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.messages[convID] {
		if m.ID == msgID {
			return *m, true
		}
	}
	return messageJSON{}, false
}
