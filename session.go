package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const backgroundTimeout = 15 * time.Second

// ============================================================================
// Options
// ============================================================================

// SessionOption configures a Session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	logger          *slog.Logger
	metrics         *Metrics
	store           Store
	freshness       time.Duration
	refreshInterval time.Duration
	transportSend   bool
}

func WithLogger(logger *slog.Logger) SessionOption {
	return func(c *sessionConfig) { c.logger = logger }
}

func WithMetrics(m *Metrics) SessionOption {
	return func(c *sessionConfig) { c.metrics = m }
}

// WithSessionStore persists conversation lists and histories to s.
func WithSessionStore(s Store) SessionOption {
	return func(c *sessionConfig) { c.store = s }
}

// WithListFreshness sets how long a fetched conversation list is reused.
func WithListFreshness(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.freshness = d }
}

// WithRefreshInterval sets the minimum spacing of push-triggered list refreshes.
func WithRefreshInterval(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.refreshInterval = d }
}

// WithTransportSend sends messages over the push channel when it is
// connected, falling back to REST otherwise.
func WithTransportSend(enabled bool) SessionOption {
	return func(c *sessionConfig) { c.transportSend = enabled }
}

// ============================================================================
// State
// ============================================================================

// SessionState is a snapshot of everything a UI renders.
type SessionState struct {
	User               *User
	Connected          bool
	ActiveConversation int64 // 0 when none is open
	Messages           []Message
	Conversations      []Conversation
	TotalUnread        int
	Loading            bool
	Sending            bool
	// Draft holds the text of the last failed send until the next send.
	Draft string
	// Err is the last history or list fetch failure; cleared by the next success.
	Err error
}

// ============================================================================
// Session
// ============================================================================

// Session wires the transport, conversation cache, active timeline,
// reconciliation and read tracking together for one authenticated user.
// Network calls run without holding the session lock; their results are
// applied only if the conversation they were issued for is still active.
type Session struct {
	client     *Client
	transport  Transport
	cache      *ConversationCache
	reconciler *Reconciler
	reads      *ReadTracker
	signal     *RefreshSignal
	logger     *slog.Logger
	metrics    *Metrics

	transportSend bool

	lifeMu   sync.Mutex // serializes SetUser and Close
	switchMu sync.Mutex // serializes room switches

	mu            sync.Mutex
	user          *User
	active        *Timeline
	gen           uint64
	loading       bool
	sending       int
	draft         string
	listErr       error
	historyErr    error
	connected     bool
	everConnected bool
	closed        bool
	listeners     map[int]func(SessionState)
	nextListener  int

	stop context.CancelFunc
	done chan struct{}
}

// NewSession creates a session. transport may be nil, in which case the
// session works over REST only.
func NewSession(client *Client, transport Transport, opts ...SessionOption) *Session {
	cfg := sessionConfig{
		freshness:       DefaultFreshness,
		refreshInterval: DefaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := orDiscard(cfg.logger)
	metrics := orNewMetrics(cfg.metrics)

	cacheOpts := []CacheOption{WithFreshness(cfg.freshness), WithCacheLogger(logger), WithCacheMetrics(metrics)}
	if cfg.store != nil {
		cacheOpts = append(cacheOpts, WithStore(cfg.store))
	}
	cache := NewConversationCache(client, cacheOpts...)
	signal := NewRefreshSignal(cfg.refreshInterval)

	ctx, stop := context.WithCancel(context.Background())
	s := &Session{
		client:        client,
		transport:     transport,
		cache:         cache,
		reconciler:    NewReconciler(signal, metrics, logger),
		reads:         NewReadTracker(transport, cache, metrics, logger),
		signal:        signal,
		logger:        logger.With("component", "session"),
		metrics:       metrics,
		transportSend: cfg.transportSend,
		listeners:     make(map[int]func(SessionState)),
		stop:          stop,
		done:          make(chan struct{}),
	}
	cache.OnChange(func([]Conversation) { s.notify() })

	go func() {
		defer close(s.done)
		signal.Run(ctx, s.refreshList)
	}()
	return s
}

// Cache exposes the conversation cache.
func (s *Session) Cache() *ConversationCache { return s.cache }

// RefreshSignal exposes the list refresh signal so mutations outside the
// session can request a refresh.
func (s *Session) RefreshSignal() *RefreshSignal { return s.signal }

func (s *Session) refreshList(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, backgroundTimeout)
	defer cancel()
	if _, err := s.cache.Refresh(ctx); err != nil {
		s.logger.Warn("background list refresh failed", "error", err)
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start authenticates the session as user and connects the transport.
func (s *Session) Start(ctx context.Context, user *User) error {
	return s.SetUser(ctx, user)
}

// SetUser ties the transport to the authenticated user. A nil user tears
// the connection down; the first user connects it exactly once; a
// different user reconnects. Connection failures are not returned: the
// transport keeps retrying and the failure shows only in State().Connected.
func (s *Session) SetUser(ctx context.Context, user *User) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.user
	if user != nil && prev != nil && prev.ID == user.ID {
		s.mu.Unlock()
		return nil
	}
	if user != nil {
		u := *user
		s.user = &u
	} else {
		s.user = nil
	}
	s.mu.Unlock()

	if prev != nil {
		s.teardown()
	}
	if user == nil {
		s.notify()
		return nil
	}

	if s.transport != nil {
		s.transport.OnStatus(s.handleStatus)
		s.transport.OnMessage(s.handlePush)
		if err := s.transport.Connect(ctx); err != nil {
			s.logger.Warn("transport connect failed", "error", err)
		}
	}
	s.notify()
	return nil
}

// teardown disconnects and forgets the active conversation.
func (s *Session) teardown() {
	s.mu.Lock()
	s.gen++
	s.active = nil
	s.connected = false
	s.everConnected = false
	s.draft = ""
	s.listErr = nil
	s.historyErr = nil
	s.mu.Unlock()
	if s.transport != nil {
		if err := s.transport.Disconnect(); err != nil {
			s.logger.Debug("disconnect", "error", err)
		}
	}
}

// Close disconnects the transport and stops background work. The session
// cannot be used afterwards.
func (s *Session) Close() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.user = nil
	s.mu.Unlock()

	s.teardown()
	s.stop()
	<-s.done
	return nil
}

// ============================================================================
// Observation
// ============================================================================

// OnChange registers fn to receive a state snapshot after every change and
// returns a function that unregisters it.
func (s *Session) OnChange(fn func(SessionState)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// State returns the current snapshot.
func (s *Session) State() SessionState {
	s.mu.Lock()
	st := SessionState{
		Connected: s.connected,
		Loading:   s.loading,
		Sending:   s.sending > 0,
		Draft:     s.draft,
		Err:       s.historyErr,
	}
	if st.Err == nil {
		st.Err = s.listErr
	}
	if s.user != nil {
		u := *s.user
		st.User = &u
	}
	tl := s.active
	s.mu.Unlock()

	if tl != nil {
		st.ActiveConversation = tl.ConversationID()
		st.Messages = tl.Messages()
	}
	st.Conversations = s.cache.Snapshot()
	st.TotalUnread = s.cache.TotalUnread()
	return st
}

func (s *Session) notify() {
	s.mu.Lock()
	fns := make([]func(SessionState), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	st := s.State()
	for _, fn := range fns {
		fn(st)
	}
}

func (s *Session) self() (*User, *Timeline, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.active, s.gen
}

func (s *Session) setErr(gen uint64, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	s.loading = false
	s.historyErr = err
	return true
}

// ============================================================================
// Conversations
// ============================================================================

// Conversations returns the conversation list. On failure the last known
// list is returned with the error, which also shows in State().Err.
func (s *Session) Conversations(ctx context.Context) ([]Conversation, error) {
	list, err := s.cache.List(ctx)
	s.mu.Lock()
	s.listErr = err
	s.mu.Unlock()
	if err != nil {
		s.notify()
	}
	return list, err
}

// SelectConversation makes id the active conversation: it leaves the
// previous room before joining the new one, loads the history and marks
// the conversation read. A response that arrives after another
// conversation was selected is discarded. Selecting the open conversation
// again only retries its history if the last load failed.
func (s *Session) SelectConversation(ctx context.Context, id int64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.active != nil && s.active.ConversationID() == id {
		failed := s.historyErr != nil && !s.loading
		s.mu.Unlock()
		if failed {
			return s.Reload(ctx)
		}
		return nil
	}
	s.mu.Unlock()

	s.switchMu.Lock()
	s.mu.Lock()
	prev := s.active
	tl := NewTimeline(id)
	s.gen++
	gen := s.gen
	s.active = tl
	s.loading = true
	s.historyErr = nil
	s.draft = ""
	s.mu.Unlock()

	if prev != nil {
		s.cache.StoreHistory(prev.ConversationID(), prev.Messages())
	}
	if s.transport != nil {
		if prev != nil {
			if err := s.transport.LeaveRoom(ctx, prev.ConversationID()); err != nil {
				s.logger.Warn("leave room failed", "conversation_id", prev.ConversationID(), "error", err)
			}
		}
		s.transport.OnMessage(s.handlePush)
		if err := s.transport.JoinRoom(ctx, id); err != nil {
			s.logger.Warn("join room failed", "conversation_id", id, "error", err)
		}
	}
	s.switchMu.Unlock()
	s.notify()

	return s.load(ctx, tl, gen)
}

// Reload fetches the open conversation's history again, as after a failed
// load. Pending sends stay in the timeline.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	tl, gen := s.active, s.gen
	if tl == nil {
		s.mu.Unlock()
		return ErrNoActiveConversation
	}
	s.loading = true
	s.mu.Unlock()
	s.notify()
	return s.load(ctx, tl, gen)
}

func (s *Session) load(ctx context.Context, tl *Timeline, gen uint64) error {
	msgs, err := s.cache.Messages(ctx, tl.ConversationID())
	if !s.setErr(gen, err) {
		s.logger.Debug("discarding late history", "conversation_id", tl.ConversationID())
		return nil
	}
	if msgs != nil {
		tl.Replace(msgs)
	}
	s.notify()
	if err != nil {
		return err
	}

	if user, _, _ := s.self(); user != nil && s.reads.OnOpen(ctx, tl, user.ID) {
		s.notify()
	}
	return nil
}

// StartConversation creates or reuses the conversation about an item and
// opens it.
func (s *Session) StartConversation(ctx context.Context, itemID int64) (*Conversation, error) {
	conv, err := s.cache.Ensure(ctx, itemID)
	if err != nil {
		return nil, err
	}
	s.signal.Raise()
	if err := s.SelectConversation(ctx, conv.ID); err != nil {
		return conv, err
	}
	return conv, nil
}

// MarkRead marks a conversation read on both channels. Failures are
// logged, never returned.
func (s *Session) MarkRead(ctx context.Context, id int64) {
	user, tl, _ := s.self()
	if tl != nil && tl.ConversationID() == id && user != nil {
		s.reads.mark(ctx, tl, user.ID)
		s.notify()
		return
	}
	if err := s.cache.MarkRead(ctx, id); err != nil {
		s.logger.Warn("mark read failed", "conversation_id", id, "error", err)
	}
}

// DeleteConversation deletes a conversation and closes it if it is active.
func (s *Session) DeleteConversation(ctx context.Context, id int64) error {
	if err := s.cache.Remove(ctx, id); err != nil {
		return err
	}

	s.switchMu.Lock()
	s.mu.Lock()
	wasActive := s.active != nil && s.active.ConversationID() == id
	if wasActive {
		s.gen++
		s.active = nil
		s.loading = false
	}
	s.mu.Unlock()
	if wasActive && s.transport != nil {
		if err := s.transport.LeaveRoom(ctx, id); err != nil {
			s.logger.Warn("leave room failed", "conversation_id", id, "error", err)
		}
	}
	s.switchMu.Unlock()

	s.notify()
	return nil
}

// ============================================================================
// Sending
// ============================================================================

// Send appends text optimistically to the active conversation and
// dispatches it. On failure the entry is removed, the preview reverts, the
// text is kept as State().Draft and a *SendError is returned. Validation
// errors return before anything is inserted.
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	user, tl, _ := s.self()
	if user == nil {
		return Message{}, ErrNotAuthenticated
	}
	if tl == nil {
		return Message{}, ErrNoActiveConversation
	}
	id := tl.ConversationID()

	h, pending, err := tl.AppendOptimistic(text, user.ID)
	if err != nil {
		return Message{}, err
	}
	tok := s.cache.SetPreview(id, text, pending.CreatedAt)

	s.mu.Lock()
	s.sending++
	s.draft = ""
	s.mu.Unlock()
	s.notify()

	path := "rest"
	var confirmed *Message
	if s.transportSend && s.transport != nil && s.transport.Connected() {
		path = "transport"
		err = s.transport.SendMessage(ctx, id, text, h.ClientID())
	} else {
		confirmed, err = s.client.SendMessage(ctx, id, &SendMessageRequest{Text: text, ClientID: h.ClientID()})
	}

	s.mu.Lock()
	s.sending--
	s.mu.Unlock()
	s.metrics.Sends.WithLabelValues(path, resultLabel(err)).Inc()

	if err != nil {
		draft, removed := tl.Rollback(h)
		if !removed {
			// A push event confirmed it while the request failed.
			s.logger.Info("send reported failure after delivery", "conversation_id", id, "error", err)
			s.cache.CommitPreview(tok, pending)
			s.notify()
			return s.entryFor(tl, h, pending), nil
		}
		s.cache.RestorePreview(tok)
		s.mu.Lock()
		if s.active == tl {
			s.draft = draft
		}
		s.mu.Unlock()
		s.notify()
		return Message{}, &SendError{Draft: draft, Err: fmt.Errorf("%s send: %w", path, err)}
	}

	if confirmed == nil {
		// Transport path: the push event confirms it.
		s.cache.CommitPreview(tok, pending)
		s.notify()
		return pending, nil
	}

	if _, err := tl.ConfirmSend(h, *confirmed); err != nil && !errors.Is(err, ErrUnknownHandle) {
		s.logger.Warn("confirm send", "conversation_id", id, "error", err)
	}
	s.cache.CommitPreview(tok, *confirmed)
	s.signal.Raise()
	s.notify()
	return *confirmed, nil
}

func (s *Session) entryFor(tl *Timeline, h Handle, fallback Message) Message {
	for _, m := range tl.Messages() {
		if m.ClientID == h.ClientID() {
			return m
		}
	}
	return fallback
}

// ============================================================================
// Push handling
// ============================================================================

// handlePush runs on the transport's read goroutine.
func (s *Session) handlePush(ev MessageEvent) {
	user, tl, gen := s.self()
	if user == nil {
		return
	}

	outcome := s.reconciler.Apply(tl, ev)
	switch outcome {
	case OutcomeOtherConversation:
		s.cache.InvalidateHistory(ev.ConversationID)
		s.cache.NoteInbound(ev, user.ID, false)
	case OutcomeConfirmed:
		s.cache.NoteInbound(ev, user.ID, true)
	case OutcomeAppended:
		s.cache.NoteInbound(ev, user.ID, true)
		if ev.SenderID != user.ID {
			go s.markInbound(tl, gen, ev, user.ID)
		}
	}
	s.notify()
}

func (s *Session) markInbound(tl *Timeline, gen uint64, ev MessageEvent, selfID int64) {
	if _, _, cur := s.self(); cur != gen {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()
	if s.reads.OnInbound(ctx, tl, ev, selfID) {
		s.notify()
	}
}

func (s *Session) handleStatus(state RealtimeState) {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = state == StateConnected
	catchUp := s.connected && !wasConnected && s.everConnected
	if s.connected {
		s.everConnected = true
	}
	s.mu.Unlock()

	if state == StateConnected {
		s.joinActive()
	}
	if catchUp {
		go s.catchUp()
	}
	s.notify()
}

// joinActive joins the active conversation's room on a fresh connection,
// covering conversations selected while disconnected.
func (s *Session) joinActive() {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	_, tl, _ := s.self()
	if tl == nil || s.transport == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()
	if err := s.transport.JoinRoom(ctx, tl.ConversationID()); err != nil {
		s.logger.Warn("join room failed", "conversation_id", tl.ConversationID(), "error", err)
	}
}

// catchUp recovers what push missed while disconnected.
func (s *Session) catchUp() {
	s.signal.Raise()
	user, tl, gen := s.self()
	if tl == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	id := tl.ConversationID()
	msgs, err := s.cache.Messages(ctx, id)
	if !s.setErr(gen, err) {
		return
	}
	if err != nil {
		s.logger.Warn("catch-up fetch failed", "conversation_id", id, "error", err)
		s.notify()
		return
	}
	tl.Replace(msgs)
	s.logger.Info("caught up after reconnect", "conversation_id", id, "messages", len(msgs))
	if user != nil {
		s.reads.OnOpen(ctx, tl, user.ID)
	}
	s.notify()
}
