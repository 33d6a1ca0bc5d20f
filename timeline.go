package chatsync

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle refers to one optimistic send for later confirmation or rollback.
type Handle struct {
	ConversationID int64
	local          string
}

// ClientID returns the correlation id sent with the message.
func (h Handle) ClientID() string { return h.local }

// IsZero reports whether h refers to no send.
func (h Handle) IsZero() bool { return h.local == "" }

// Timeline is the ordered message log of one conversation. It merges
// fetched history, optimistic local sends and push events. Display order is
// insertion order: confirmations update entries in place and never move them.
type Timeline struct {
	conversationID int64

	mu      sync.Mutex
	entries []Message
	now     func() time.Time
}

// NewTimeline creates an empty timeline for a conversation.
func NewTimeline(conversationID int64) *Timeline {
	return &Timeline{conversationID: conversationID, now: time.Now}
}

func (tl *Timeline) ConversationID() int64 { return tl.conversationID }

// Messages returns a copy of the log.
func (tl *Timeline) Messages() []Message {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]Message(nil), tl.entries...)
}

// Len returns the number of entries.
func (tl *Timeline) Len() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.entries)
}

// PendingCount returns the number of unconfirmed entries.
func (tl *Timeline) PendingCount() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	n := 0
	for _, m := range tl.entries {
		if m.Pending() {
			n++
		}
	}
	return n
}

// Replace installs fetched history. Pending entries survive at the tail, as
// do confirmed entries newer than anything in msgs, unless msgs already
// contains them.
func (tl *Timeline) Replace(msgs []Message) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	seenID := make(map[int64]bool, len(msgs))
	seenClient := make(map[string]bool)
	var maxID int64
	for _, m := range msgs {
		if id, ok := m.ID.Server(); ok {
			seenID[id] = true
			maxID = max(maxID, id)
		}
		if m.ClientID != "" {
			seenClient[m.ClientID] = true
		}
	}

	next := make([]Message, 0, len(msgs)+len(tl.entries))
	next = append(next, msgs...)
	for _, m := range tl.entries {
		if m.ClientID != "" && seenClient[m.ClientID] {
			continue
		}
		if id, ok := m.ID.Server(); ok {
			if seenID[id] || id <= maxID {
				continue
			}
		}
		next = append(next, m)
	}
	tl.entries = next
}

// AppendOptimistic validates text and inserts a pending entry at the tail.
// Nothing is inserted when validation fails.
func (tl *Timeline) AppendOptimistic(text string, selfID int64) (Handle, Message, error) {
	if err := ValidateText(text); err != nil {
		return Handle{}, Message{}, err
	}
	local := uuid.NewString()
	msg := Message{
		ID:             PendingID(local),
		ClientID:       local,
		ConversationID: tl.conversationID,
		SenderID:       selfID,
		Text:           text,
		CreatedAt:      tl.now(),
	}

	tl.mu.Lock()
	tl.entries = append(tl.entries, msg)
	tl.mu.Unlock()
	return Handle{ConversationID: tl.conversationID, local: local}, msg, nil
}

// ConfirmSend upgrades the entry of h with the server's record, keeping its
// position. Confirming twice, or after a push already confirmed the entry,
// is a no-op. It reports whether the log changed.
func (tl *Timeline) ConfirmSend(h Handle, msg Message) (bool, error) {
	serverID, ok := msg.ID.Server()
	if !ok {
		return false, ErrUnknownHandle
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()

	i := tl.indexOfHandle(h)
	if i < 0 {
		if tl.indexOfServerID(serverID) >= 0 {
			return false, nil
		}
		return false, ErrUnknownHandle
	}

	entry := tl.entries[i]
	if !entry.Pending() {
		pushID, _ := entry.ID.Server()
		if pushID == serverID {
			return false, nil
		}
		// A push event claimed this entry by text match but carried a
		// different message. The entry takes the id the backend assigned to
		// our send; the pushed message becomes its own entry after it.
		tl.entries[i] = upgraded(entry, msg)
		tl.removeDuplicateOf(i, serverID)
		pushed := entry
		pushed.ClientID = ""
		if tl.indexOfServerID(pushID) < 0 {
			tl.insertAt(tl.indexOfServerID(serverID)+1, pushed)
		}
		return true, nil
	}

	if j := tl.indexOfServerID(serverID); j >= 0 {
		// Already present as a separate entry; the pending copy goes away.
		tl.entries = append(tl.entries[:i:i], tl.entries[i+1:]...)
		return true, nil
	}
	tl.entries[i] = upgraded(entry, msg)
	return true, nil
}

// Rollback removes the pending entry of h and returns its text. It reports
// false when the entry is gone or was already confirmed by a push event, in
// which case the message was delivered and nothing is removed.
func (tl *Timeline) Rollback(h Handle) (string, bool) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	i := tl.indexOfHandle(h)
	if i < 0 || !tl.entries[i].Pending() {
		return "", false
	}
	text := tl.entries[i].Text
	tl.entries = append(tl.entries[:i:i], tl.entries[i+1:]...)
	return text, true
}

// HasUnreadFrom reports whether any message not sent by selfID is unread.
func (tl *Timeline) HasUnreadFrom(selfID int64) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for _, m := range tl.entries {
		if m.SenderID != selfID && !m.IsRead {
			return true
		}
	}
	return false
}

// MarkRead flags every counterpart message read and returns how many changed.
func (tl *Timeline) MarkRead(selfID int64) int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	n := 0
	for i := range tl.entries {
		if tl.entries[i].SenderID != selfID && !tl.entries[i].IsRead {
			tl.entries[i].IsRead = true
			n++
		}
	}
	return n
}

// ============================================================================
// Lookup helpers; callers hold tl.mu.
// ============================================================================

func upgraded(entry, confirmed Message) Message {
	entry.ID = confirmed.ID
	if !confirmed.CreatedAt.IsZero() {
		entry.CreatedAt = confirmed.CreatedAt
	}
	if confirmed.Text != "" {
		entry.Text = confirmed.Text
	}
	entry.IsRead = entry.IsRead || confirmed.IsRead
	return entry
}

func (tl *Timeline) indexOfHandle(h Handle) int {
	if h.local == "" {
		return -1
	}
	for i := range tl.entries {
		if tl.entries[i].ID.Local() == h.local || tl.entries[i].ClientID == h.local {
			return i
		}
	}
	return -1
}

func (tl *Timeline) indexOfServerID(id int64) int {
	for i := range tl.entries {
		if sid, ok := tl.entries[i].ID.Server(); ok && sid == id {
			return i
		}
	}
	return -1
}

func (tl *Timeline) indexOfClientID(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range tl.entries {
		if tl.entries[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

// latestPendingMatch returns the most recent pending entry from sender with
// exactly text, or -1.
func (tl *Timeline) latestPendingMatch(sender int64, text string) int {
	for i := len(tl.entries) - 1; i >= 0; i-- {
		m := tl.entries[i]
		if m.Pending() && m.SenderID == sender && m.Text == text {
			return i
		}
	}
	return -1
}

// removeDuplicateOf drops any entry other than keep holding server id id.
func (tl *Timeline) removeDuplicateOf(keep int, id int64) {
	for i := len(tl.entries) - 1; i >= 0; i-- {
		if i == keep {
			continue
		}
		if sid, ok := tl.entries[i].ID.Server(); ok && sid == id {
			tl.entries = append(tl.entries[:i:i], tl.entries[i+1:]...)
		}
	}
}

func (tl *Timeline) insertAt(i int, m Message) {
	tl.entries = append(tl.entries, Message{})
	copy(tl.entries[i+1:], tl.entries[i:])
	tl.entries[i] = m
}
