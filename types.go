package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageLength is the largest message body, in characters, the backend accepts.
const MaxMessageLength = 2000

var (
	ErrMessageTooLong       = fmt.Errorf("message exceeds %d characters", MaxMessageLength)
	ErrEmptyMessage         = errors.New("message is empty")
	ErrNotConnected         = errors.New("not connected")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrNotAuthenticated     = errors.New("no authenticated user")
	ErrUnknownHandle        = errors.New("unknown message handle")
	ErrClosed               = errors.New("session closed")
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned when the backend answers with a non-2xx status.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}

// SendError is returned by Session.Send when the message could not be
// delivered. The optimistic entry has already been rolled back and Draft
// holds the text so the caller can restore its input.
type SendError struct {
	Draft string
	Err   error
}

func (e *SendError) Error() string { return "send failed: " + e.Err.Error() }

func (e *SendError) Unwrap() error { return e.Err }

// User is the authenticated account the session acts for.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// ============================================================================
// Message identity
// ============================================================================

// MessageID identifies a message either by a local pending id (optimistic,
// not yet acknowledged) or by the id the server assigned. The two never
// compare equal.
type MessageID struct {
	local  string
	server int64
}

// PendingID returns the id of an optimistic message.
func PendingID(local string) MessageID { return MessageID{local: local} }

// ConfirmedID returns the id of a server-acknowledged message.
func ConfirmedID(id int64) MessageID { return MessageID{server: id} }

func (id MessageID) IsPending() bool { return id.local != "" }

func (id MessageID) IsZero() bool { return id.local == "" && id.server == 0 }

// Server returns the server id and whether the message is confirmed.
func (id MessageID) Server() (int64, bool) { return id.server, id.local == "" && id.server != 0 }

// Local returns the pending id, or "" for confirmed messages.
func (id MessageID) Local() string { return id.local }

func (id MessageID) String() string {
	if id.local != "" {
		return "pending:" + id.local
	}
	return strconv.FormatInt(id.server, 10)
}

// MarshalJSON encodes confirmed ids as numbers and pending ids as strings.
func (id MessageID) MarshalJSON() ([]byte, error) {
	if id.local != "" {
		return json.Marshal("pending:" + id.local)
	}
	return json.Marshal(id.server)
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if local, ok := strings.CutPrefix(s, "pending:"); ok {
			*id = PendingID(local)
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid message id %q", s)
		}
		*id = ConfirmedID(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ConfirmedID(n)
	return nil
}

// ============================================================================
// Data Types
// ============================================================================

// Message is one entry of a conversation timeline.
type Message struct {
	ID             MessageID `json:"id"`
	ClientID       string    `json:"client_id,omitempty"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Text           string    `json:"text"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// Pending reports whether the message is still waiting for confirmation.
func (m Message) Pending() bool { return m.ID.IsPending() }

// Conversation is a conversation summary as listed by the backend.
type Conversation struct {
	ID              int64      `json:"id"`
	ItemID          int64      `json:"item_id"`
	ItemTitle       string     `json:"item_title"`
	CounterpartID   int64      `json:"other_user_id"`
	CounterpartName string     `json:"other_user_name"`
	LastMessage     string     `json:"last_message,omitempty"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	UnreadCount     int        `json:"unread_count"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SendMessageRequest is the body of POST /conversations/{id}/messages.
type SendMessageRequest struct {
	Text     string `json:"text"`
	ClientID string `json:"client_id,omitempty"`
}

// EnsureConversationRequest is the body of POST /conversations.
type EnsureConversationRequest struct {
	ItemID int64 `json:"item_id"`
}

// ValidateText checks a message body against the backend limits before any
// network round trip.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}
