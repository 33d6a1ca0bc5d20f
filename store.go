package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
)

// ============================================================================
// Store
// ============================================================================

// Store persists the last known conversation list and confirmed message
// history so a session can show stale data while the backend is
// unreachable. Pending entries are never persisted.
type Store interface {
	SaveConversations(convs []Conversation) error
	// LoadConversations returns the last saved list, or nil when none exists.
	LoadConversations() ([]Conversation, error)
	SaveMessages(conversationID int64, msgs []Message) error
	LoadMessages(conversationID int64) ([]Message, error)
	DeleteConversation(conversationID int64) error
	Close() error
}

func confirmedOnly(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Pending() {
			out = append(out, m)
		}
	}
	return out
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations []Conversation
	saved         bool
	messages      map[int64][]Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[int64][]Message)}
}

func (s *MemoryStore) SaveConversations(convs []Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append([]Conversation(nil), convs...)
	s.saved = true
	return nil
}

func (s *MemoryStore) LoadConversations() ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.saved {
		return nil, nil
	}
	return append([]Conversation{}, s.conversations...), nil
}

func (s *MemoryStore) SaveMessages(conversationID int64, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[conversationID] = confirmedOnly(msgs)
	return nil
}

func (s *MemoryStore) LoadMessages(conversationID int64) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, ok := s.messages[conversationID]
	if !ok {
		return nil, nil
	}
	return append([]Message{}, msgs...), nil
}

func (s *MemoryStore) DeleteConversation(conversationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, conversationID)
	for i, c := range s.conversations {
		if c.ID == conversationID {
			s.conversations = append(s.conversations[:i:i], s.conversations[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// ============================================================================
// PebbleStore
// ============================================================================

const (
	keyConversations = "conversations"
	prefixMessages   = "messages:"
)

// PebbleStore is a Store backed by a Pebble database on disk.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens or creates the database at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func messagesKey(conversationID int64) []byte {
	return []byte(prefixMessages + strconv.FormatInt(conversationID, 10))
}

func (s *PebbleStore) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set(key, data, pebble.Sync)
}

// get decodes the value at key into out. It reports false when the key is absent.
func (s *PebbleStore) get(key []byte, out any) (bool, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	// v is only valid until closer is closed; Unmarshal copies what it keeps.
	if err := json.Unmarshal(v, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) SaveConversations(convs []Conversation) error {
	if convs == nil {
		convs = []Conversation{}
	}
	return s.put([]byte(keyConversations), convs)
}

func (s *PebbleStore) LoadConversations() ([]Conversation, error) {
	var convs []Conversation
	if _, err := s.get([]byte(keyConversations), &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (s *PebbleStore) SaveMessages(conversationID int64, msgs []Message) error {
	return s.put(messagesKey(conversationID), confirmedOnly(msgs))
}

func (s *PebbleStore) LoadMessages(conversationID int64) ([]Message, error) {
	var msgs []Message
	if _, err := s.get(messagesKey(conversationID), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// DeleteConversation drops the conversation's history and its list entry.
func (s *PebbleStore) DeleteConversation(conversationID int64) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(messagesKey(conversationID), nil); err != nil {
		return err
	}

	var convs []Conversation
	found, err := s.get([]byte(keyConversations), &convs)
	if err != nil {
		return err
	}
	if found {
		kept := convs[:0]
		for _, c := range convs {
			if c.ID != conversationID {
				kept = append(kept, c)
			}
		}
		data, err := json.Marshal(kept)
		if err != nil {
			return err
		}
		if err := b.Set([]byte(keyConversations), data, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// CachedConversationIDs lists the conversations that have persisted history.
func (s *PebbleStore) CachedConversationIDs() ([]int64, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	prefix := []byte(prefixMessages)
	var ids []int64
	for it.SeekGE(prefix); it.Valid(); it.Next() {
		k := it.Key()
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		id, err := strconv.ParseInt(string(k[len(prefix):]), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, it.Error()
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
