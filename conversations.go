package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultFreshness is how long a fetched conversation list is served
	// without revalidation.
	DefaultFreshness = 30 * time.Second

	historyCacheSize = 64
	historyTTL       = 10 * time.Minute
	probeCacheSize   = 256
	inboundCacheSize = 1024
	inboundTTL       = 10 * time.Minute
)

// ============================================================================
// ConversationCache
// ============================================================================

// CacheOption configures a ConversationCache.
type CacheOption func(*ConversationCache)

// WithFreshness sets the list freshness window.
func WithFreshness(d time.Duration) CacheOption {
	return func(c *ConversationCache) { c.freshness = d }
}

// WithStore persists every fetched list and history to s.
func WithStore(s Store) CacheOption {
	return func(c *ConversationCache) { c.store = s }
}

func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *ConversationCache) { c.logger = logger }
}

func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *ConversationCache) { c.metrics = m }
}

// ConversationCache is the single source of truth for the conversation
// list. It preserves server order and applies optimistic local changes
// (unread zeroing, send previews, inbound unread bumps) on top of it.
type ConversationCache struct {
	client    *Client
	store     Store
	logger    *slog.Logger
	metrics   *Metrics
	freshness time.Duration

	group   singleflight.Group
	history *expirable.LRU[int64, []Message]
	probes  *expirable.LRU[int64, *Conversation]
	inbound *expirable.LRU[[2]int64, struct{}] // {conversation, message} already counted

	mu        sync.Mutex
	list      []Conversation
	loaded    bool
	fetchedAt time.Time
	gen       uint64
	previews  map[int64]*previewState
	zeroedAt  map[int64]uint64
	nextToken uint64
	listeners map[int]func([]Conversation)
	nextLis   int
}

// NewConversationCache creates an empty cache backed by client.
func NewConversationCache(client *Client, opts ...CacheOption) *ConversationCache {
	c := &ConversationCache{
		client:    client,
		freshness: DefaultFreshness,
		previews:  make(map[int64]*previewState),
		zeroedAt:  make(map[int64]uint64),
		listeners: make(map[int]func([]Conversation)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = orDiscard(c.logger).With("component", "conversations")
	c.metrics = orNewMetrics(c.metrics)
	c.history = expirable.NewLRU[int64, []Message](historyCacheSize, nil, historyTTL)
	c.probes = expirable.NewLRU[int64, *Conversation](probeCacheSize, nil, c.freshness)
	c.inbound = expirable.NewLRU[[2]int64, struct{}](inboundCacheSize, nil, inboundTTL)
	return c
}

// OnChange registers fn to receive the list after every change and returns
// a function that unregisters it.
func (c *ConversationCache) OnChange(fn func([]Conversation)) func() {
	c.mu.Lock()
	id := c.nextLis
	c.nextLis++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// notify must be called without c.mu held.
func (c *ConversationCache) notify() {
	c.mu.Lock()
	snapshot := append([]Conversation(nil), c.list...)
	fns := make([]func([]Conversation), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(snapshot)
	}
}

// Snapshot returns the cached list without fetching.
func (c *ConversationCache) Snapshot() []Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Conversation(nil), c.list...)
}

// Get returns the cached summary of a conversation.
func (c *ConversationCache) Get(id int64) (Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.list[i], true
	}
	return Conversation{}, false
}

// TotalUnread sums the unread counts of the cached list.
func (c *ConversationCache) TotalUnread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, conv := range c.list {
		total += conv.UnreadCount
	}
	return total
}

func (c *ConversationCache) indexLocked(id int64) int {
	for i := range c.list {
		if c.list[i].ID == id {
			return i
		}
	}
	return -1
}

// ============================================================================
// Fetching
// ============================================================================

// List returns the conversation list, fetching it when the cached copy is
// older than the freshness window. When the fetch fails, List returns the
// stale list (or the persisted snapshot) together with the error.
func (c *ConversationCache) List(ctx context.Context) ([]Conversation, error) {
	c.mu.Lock()
	if c.loaded && time.Since(c.fetchedAt) < c.freshness {
		list := append([]Conversation(nil), c.list...)
		c.mu.Unlock()
		return list, nil
	}
	c.mu.Unlock()
	return c.fetch(ctx)
}

// Refresh revalidates the list regardless of its age.
func (c *ConversationCache) Refresh(ctx context.Context) ([]Conversation, error) {
	return c.fetch(ctx)
}

// Invalidate marks the list stale so the next List fetches.
func (c *ConversationCache) Invalidate() {
	c.mu.Lock()
	c.gen++
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func (c *ConversationCache) fetch(ctx context.Context) ([]Conversation, error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.group.Do("list", func() (any, error) {
		return c.client.ListConversations(ctx)
	})
	c.metrics.ListRefreshes.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		c.logger.Warn("list conversations failed", "error", err)
		return c.fallback(), fmt.Errorf("list conversations: %w", err)
	}

	fetched := v.([]Conversation)
	c.mu.Lock()
	list := make([]Conversation, len(fetched))
	copy(list, fetched)
	for i := range list {
		if list[i].UnreadCount < 0 || c.zeroedAt[list[i].ID] > gen {
			// Read locally after this fetch started.
			list[i].UnreadCount = 0
		}
		if ps := c.previews[list[i].ID]; ps != nil {
			ps.base = preview{text: list[i].LastMessage, at: list[i].LastMessageAt}
			ps.apply(&list[i])
		}
	}
	c.list = list
	c.loaded = true
	if gen == c.gen {
		c.fetchedAt = time.Now()
	}
	out := append([]Conversation(nil), list...)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveConversations(fetched); err != nil {
			c.logger.Warn("persist conversations failed", "error", err)
		}
	}
	c.notify()
	return out, nil
}

func (c *ConversationCache) fallback() []Conversation {
	c.mu.Lock()
	if c.loaded {
		list := append([]Conversation(nil), c.list...)
		c.mu.Unlock()
		return list
	}
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	list, err := c.store.LoadConversations()
	if err != nil {
		c.logger.Warn("load persisted conversations failed", "error", err)
		return nil
	}
	return list
}

// ============================================================================
// Mutations
// ============================================================================

// Ensure creates or returns the conversation about an item and invalidates
// the list and the item's exists-probe.
func (c *ConversationCache) Ensure(ctx context.Context, itemID int64) (*Conversation, error) {
	conv, err := c.client.EnsureConversation(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation for item %d: %w", itemID, err)
	}
	c.probes.Remove(itemID)
	c.Invalidate()
	return conv, nil
}

// FindByItem returns the current user's conversation about an item, or nil
// when none exists. Answers are cached per item for the freshness window.
func (c *ConversationCache) FindByItem(ctx context.Context, itemID int64) (*Conversation, error) {
	if conv, ok := c.probes.Get(itemID); ok {
		return conv, nil
	}
	list, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	var found *Conversation
	for i := range list {
		if list[i].ItemID == itemID {
			conv := list[i]
			found = &conv
			break
		}
	}
	c.probes.Add(itemID, found)
	return found, nil
}

// ZeroUnread sets a conversation's unread count to zero locally, also for
// list fetches already in flight. It reports whether anything changed.
func (c *ConversationCache) ZeroUnread(id int64) bool {
	c.mu.Lock()
	c.gen++
	c.zeroedAt[id] = c.gen
	i := c.indexLocked(id)
	changed := i >= 0 && c.list[i].UnreadCount != 0
	if changed {
		c.list[i].UnreadCount = 0
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return changed
}

// MarkRead zeroes the unread count optimistically, confirms with the
// backend and drops the cached history so the next read reflects server
// truth. The optimistic zero is kept when the request fails.
func (c *ConversationCache) MarkRead(ctx context.Context, id int64) error {
	c.ZeroUnread(id)
	err := c.client.MarkConversationRead(ctx, id)
	c.history.Remove(id)
	if err != nil {
		return fmt.Errorf("mark conversation %d read: %w", id, err)
	}
	return nil
}

// Remove deletes a conversation server-side and drops everything cached
// for it.
func (c *ConversationCache) Remove(ctx context.Context, id int64) error {
	if err := c.client.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("delete conversation %d: %w", id, err)
	}

	c.mu.Lock()
	var itemID int64
	if i := c.indexLocked(id); i >= 0 {
		itemID = c.list[i].ItemID
		c.list = append(c.list[:i:i], c.list[i+1:]...)
	}
	delete(c.previews, id)
	delete(c.zeroedAt, id)
	c.gen++
	c.fetchedAt = time.Time{}
	c.mu.Unlock()

	if itemID != 0 {
		c.probes.Remove(itemID)
	}
	c.history.Remove(id)
	if c.store != nil {
		if err := c.store.DeleteConversation(id); err != nil {
			c.logger.Warn("drop persisted conversation failed", "conversation_id", id, "error", err)
		}
	}
	c.notify()
	return nil
}

// NoteInbound applies a push message to the list locally: it updates the
// preview and, for counterpart messages in conversations not being viewed,
// bumps the unread count. Self-sent messages never bump. It reports whether
// the unread count changed. A message already noted is ignored.
func (c *ConversationCache) NoteInbound(ev MessageEvent, selfID int64, viewing bool) bool {
	if ev.MessageID != 0 {
		key := [2]int64{ev.ConversationID, ev.MessageID}
		if c.inbound.Contains(key) {
			return false
		}
		c.inbound.Add(key, struct{}{})
	}
	c.mu.Lock()
	i := c.indexLocked(ev.ConversationID)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	conv := &c.list[i]
	bumped := false
	if ev.SenderID != selfID && !viewing {
		conv.UnreadCount++
		bumped = true
	}
	if conv.LastMessageAt == nil || !ev.CreatedAt.Before(*conv.LastMessageAt) {
		at := ev.CreatedAt
		conv.LastMessage = ev.Text
		conv.LastMessageAt = &at
		if ps := c.previews[ev.ConversationID]; ps != nil {
			ps.base = preview{text: ev.Text, at: &at}
		}
	}
	c.mu.Unlock()
	c.notify()
	return bumped
}

// ============================================================================
// Previews
// ============================================================================

type preview struct {
	text string
	at   *time.Time
}

type previewOverlay struct {
	token uint64
	preview
}

// previewState tracks optimistic previews of in-flight sends on top of the
// last server-known preview.
type previewState struct {
	base     preview
	overlays []previewOverlay
}

func (ps *previewState) current() preview {
	if n := len(ps.overlays); n > 0 {
		return ps.overlays[n-1].preview
	}
	return ps.base
}

func (ps *previewState) apply(conv *Conversation) {
	p := ps.current()
	conv.LastMessage = p.text
	conv.LastMessageAt = p.at
}

func (ps *previewState) take(token uint64) (previewOverlay, bool) {
	for i, o := range ps.overlays {
		if o.token == token {
			ps.overlays = append(ps.overlays[:i:i], ps.overlays[i+1:]...)
			return o, true
		}
	}
	return previewOverlay{}, false
}

// PreviewToken identifies one optimistic preview.
type PreviewToken struct {
	conversationID int64
	token          uint64
}

// SetPreview shows text as the conversation's last message until the
// returned token is committed or restored.
func (c *ConversationCache) SetPreview(id int64, text string, at time.Time) PreviewToken {
	c.mu.Lock()
	c.nextToken++
	tok := PreviewToken{conversationID: id, token: c.nextToken}
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return tok
	}
	ps := c.previews[id]
	if ps == nil {
		ps = &previewState{base: preview{text: c.list[i].LastMessage, at: c.list[i].LastMessageAt}}
		c.previews[id] = ps
	}
	ps.overlays = append(ps.overlays, previewOverlay{token: tok.token, preview: preview{text: text, at: &at}})
	ps.apply(&c.list[i])
	c.mu.Unlock()
	c.notify()
	return tok
}

// CommitPreview makes a confirmed send's preview the server-known one.
func (c *ConversationCache) CommitPreview(tok PreviewToken, msg Message) {
	c.settlePreview(tok, &msg)
}

// RestorePreview reverts a failed send's preview to what was shown before it.
func (c *ConversationCache) RestorePreview(tok PreviewToken) {
	c.settlePreview(tok, nil)
}

func (c *ConversationCache) settlePreview(tok PreviewToken, confirmed *Message) {
	c.mu.Lock()
	ps := c.previews[tok.conversationID]
	if ps == nil {
		c.mu.Unlock()
		return
	}
	if _, ok := ps.take(tok.token); !ok {
		c.mu.Unlock()
		return
	}
	if confirmed != nil && (ps.base.at == nil || !confirmed.CreatedAt.Before(*ps.base.at)) {
		at := confirmed.CreatedAt
		ps.base = preview{text: confirmed.Text, at: &at}
	}
	if i := c.indexLocked(tok.conversationID); i >= 0 {
		ps.apply(&c.list[i])
	}
	if len(ps.overlays) == 0 {
		delete(c.previews, tok.conversationID)
	}
	c.mu.Unlock()
	c.notify()
}

// ============================================================================
// History
// ============================================================================

// Messages fetches a conversation's confirmed history. When the fetch
// fails, the last known history (cached, else persisted) is returned
// together with the error.
func (c *ConversationCache) Messages(ctx context.Context, id int64) ([]Message, error) {
	msgs, err := c.client.ListMessages(ctx, id)
	if err != nil {
		return c.staleHistory(id), fmt.Errorf("list messages of conversation %d: %w", id, err)
	}
	c.StoreHistory(id, msgs)
	return msgs, nil
}

func (c *ConversationCache) staleHistory(id int64) []Message {
	if msgs, ok := c.history.Get(id); ok {
		return append([]Message(nil), msgs...)
	}
	if c.store == nil {
		return nil
	}
	msgs, err := c.store.LoadMessages(id)
	if err != nil {
		c.logger.Debug("load persisted messages failed", "conversation_id", id, "error", err)
	}
	return msgs
}

// StoreHistory caches a conversation's confirmed messages.
func (c *ConversationCache) StoreHistory(id int64, msgs []Message) {
	confirmed := confirmedOnly(msgs)
	c.history.Add(id, confirmed)
	if c.store != nil {
		if err := c.store.SaveMessages(id, confirmed); err != nil {
			c.logger.Warn("persist messages failed", "conversation_id", id, "error", err)
		}
	}
}

// InvalidateHistory drops a conversation's cached history.
func (c *ConversationCache) InvalidateHistory(id int64) {
	c.history.Remove(id)
}
