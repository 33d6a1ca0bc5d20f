package chatsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Push channel event types.
const (
	EventConnected  = "connected"
	EventMessageNew = "message:new"
	EventError      = "error"

	EventJoin  = "conversation:join"
	EventLeave = "conversation:leave"
	EventRead  = "conversation:read"
	EventSend  = "message:send"
)

// Envelope is the wire format of every push channel frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	env := Envelope{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return env, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = data
	}
	return env, nil
}

// ConnectedPayload is the first frame the server sends on a new connection.
type ConnectedPayload struct {
	UserID       int64  `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// RoomPayload addresses one conversation room.
type RoomPayload struct {
	ConversationID int64 `json:"conversation_id"`
}

// SendPayload is the body of a direct transport send.
type SendPayload struct {
	ConversationID int64  `json:"conversation_id"`
	Text           string `json:"text"`
	ClientID       string `json:"client_id,omitempty"`
}

// ErrorPayload is sent when the server rejects a command.
type ErrorPayload struct {
	Message string `json:"message"`
}

// MessageEvent is the payload of a message:new push event.
type MessageEvent struct {
	ConversationID int64     `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	SenderID       int64     `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	ClientID       string    `json:"client_id,omitempty"`
}

// Message converts the event into a confirmed, unread timeline entry.
func (e MessageEvent) Message() Message {
	return Message{
		ID:             ConfirmedID(e.MessageID),
		ClientID:       e.ClientID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Text:           e.Text,
		CreatedAt:      e.CreatedAt,
	}
}

// ============================================================================
// Transport
// ============================================================================

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// Transport is the push channel as seen by the session.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	JoinRoom(ctx context.Context, conversationID int64) error
	LeaveRoom(ctx context.Context, conversationID int64) error
	MarkRead(ctx context.Context, conversationID int64) error
	SendMessage(ctx context.Context, conversationID int64, text, clientID string) error
	// OnMessage replaces the active message handler; only the last one registered receives events.
	OnMessage(h func(MessageEvent))
	OffMessage()
	OnStatus(h func(RealtimeState))
}

// TransportKind names a push mechanism.
type TransportKind string

const (
	TransportWebSocket TransportKind = "websocket"
	TransportSSE       TransportKind = "sse"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures RealtimeClient.
type RealtimeConfig struct {
	// Transports lists the mechanisms to try, in order.
	Transports           []TransportKind
	NoReconnect          bool
	MaxReconnectAttempts int // 0 retries forever
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	StaleAfter           time.Duration
	Logger               *slog.Logger
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if len(c.Transports) == 0 {
		c.Transports = []TransportKind{TransportWebSocket, TransportSSE}
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 45 * time.Second
	}
	c.Logger = orDiscard(c.Logger)
	c.Metrics = orNewMetrics(c.Metrics)
}

// ============================================================================
// RealtimeClient
// ============================================================================

// conn is one established push connection.
type conn interface {
	kind() TransportKind
	read(ctx context.Context) (Envelope, error)
	send(ctx context.Context, env Envelope) error
	close() error
}

// RealtimeClient owns the single push connection of a session. It dials
// WebSocket first and falls back to Server-Sent Events, re-joins its rooms
// after a reconnect, and delivers message:new events in arrival order.
type RealtimeClient struct {
	client *Client
	config RealtimeConfig
	logger *slog.Logger

	group singleflight.Group

	mu          sync.Mutex
	conn        conn
	state       RealtimeState
	userID      int64
	rooms       map[int64]struct{}
	onMessage   func(MessageEvent)
	onStatus    func(RealtimeState)
	cancelLoops context.CancelFunc
	lifeCtx     context.Context
	cancelLife  context.CancelFunc
	retrying    bool
}

// NewRealtimeClient creates a disconnected push client that shares the
// REST client's credentials. config may be nil.
func NewRealtimeClient(client *Client, config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		client: client,
		config: cfg,
		logger: cfg.Logger.With("component", "realtime"),
		state:  StateDisconnected,
		rooms:  make(map[int64]struct{}),
	}
}

// OnMessage replaces the message:new handler.
func (rt *RealtimeClient) OnMessage(h func(MessageEvent)) {
	rt.mu.Lock()
	rt.onMessage = h
	rt.mu.Unlock()
}

// OffMessage clears the message:new handler.
func (rt *RealtimeClient) OffMessage() {
	rt.OnMessage(nil)
}

// OnStatus replaces the connection status listener.
func (rt *RealtimeClient) OnStatus(h func(RealtimeState)) {
	rt.mu.Lock()
	rt.onStatus = h
	rt.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connected reports whether a connection is established.
func (rt *RealtimeClient) Connected() bool {
	return rt.State() == StateConnected
}

// UserID returns the user the server authenticated on the current connection.
func (rt *RealtimeClient) UserID() int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.userID
}

// Transport returns the mechanism of the current connection, or "".
func (rt *RealtimeClient) Transport() TransportKind {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.conn == nil {
		return ""
	}
	return rt.conn.kind()
}

// Rooms returns the joined conversation ids in ascending order.
func (rt *RealtimeClient) Rooms() []int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ids := make([]int64, 0, len(rt.rooms))
	for id := range rt.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Connect establishes the connection. It returns immediately when already
// connected, and concurrent callers share a single dial. When the dial
// fails, the error is returned and reconnecting continues in the
// background unless disabled.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.lifeCtx == nil || rt.lifeCtx.Err() != nil {
		rt.lifeCtx, rt.cancelLife = context.WithCancel(context.Background())
	}
	lifeCtx := rt.lifeCtx
	rt.mu.Unlock()

	_, err, _ := rt.group.Do("connect", func() (any, error) {
		return nil, rt.connect(ctx)
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		rt.scheduleReconnect(lifeCtx)
	}
	return err
}

func (rt *RealtimeClient) connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.conn != nil {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.mu.Unlock()

	c, hello, err := rt.dial(ctx)
	if err != nil {
		rt.setState(StateDisconnected)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	rt.mu.Lock()
	if rt.lifeCtx == nil || rt.lifeCtx.Err() != nil {
		// Disconnect raced with the dial.
		rt.mu.Unlock()
		cancel()
		_ = c.close()
		return ErrClosed
	}
	rt.conn = c
	rt.userID = hello.UserID
	rt.cancelLoops = cancel
	rooms := make([]int64, 0, len(rt.rooms))
	for id := range rt.rooms {
		rooms = append(rooms, id)
	}
	rt.mu.Unlock()

	rt.config.Metrics.Connections.WithLabelValues(string(c.kind())).Inc()
	rt.logger.Info("connected", "transport", c.kind(), "user_id", hello.UserID)

	for _, id := range rooms {
		if err := rt.emit(ctx, EventJoin, RoomPayload{ConversationID: id}); err != nil {
			rt.logger.Warn("rejoin room failed", "conversation_id", id, "error", err)
		}
	}

	go rt.readLoop(loopCtx, c)
	if c.kind() == TransportWebSocket {
		go rt.heartbeatLoop(loopCtx, c.(*wsConn))
	}

	rt.setState(StateConnected)
	return nil
}

func (rt *RealtimeClient) dial(ctx context.Context) (conn, ConnectedPayload, error) {
	var errs []error
	for _, kind := range rt.config.Transports {
		var (
			c     conn
			hello ConnectedPayload
			err   error
		)
		switch kind {
		case TransportWebSocket:
			c, hello, err = rt.dialWS(ctx)
		case TransportSSE:
			c, hello, err = rt.dialSSE(ctx)
		default:
			err = fmt.Errorf("unknown transport %q", kind)
		}
		if err == nil {
			return c, hello, nil
		}
		rt.logger.Debug("transport unavailable", "transport", kind, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, ConnectedPayload{}, errors.Join(errs...)
}

// streamingClient returns a copy of the REST HTTP client without the
// overall timeout, which would cut long-lived streams.
func (rt *RealtimeClient) streamingClient() *http.Client {
	hc := *rt.client.HTTPClient()
	hc.Timeout = 0
	return &hc
}

// Disconnect tears down the connection, stops reconnecting and clears all
// handlers and rooms. It is safe to call when not connected.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	if rt.cancelLife != nil {
		rt.cancelLife()
	}
	if rt.cancelLoops != nil {
		rt.cancelLoops()
		rt.cancelLoops = nil
	}
	c := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.onMessage = nil
	rt.onStatus = nil
	rt.rooms = make(map[int64]struct{})
	rt.mu.Unlock()

	if c != nil {
		rt.logger.Info("disconnected", "transport", c.kind())
		return c.close()
	}
	return nil
}

// JoinRoom subscribes to a conversation's events. It is a no-op when not connected.
func (rt *RealtimeClient) JoinRoom(ctx context.Context, conversationID int64) error {
	rt.mu.Lock()
	if rt.conn == nil {
		rt.mu.Unlock()
		return nil
	}
	rt.rooms[conversationID] = struct{}{}
	rt.mu.Unlock()
	return rt.emit(ctx, EventJoin, RoomPayload{ConversationID: conversationID})
}

// LeaveRoom unsubscribes from a conversation. It is a no-op when not connected.
func (rt *RealtimeClient) LeaveRoom(ctx context.Context, conversationID int64) error {
	rt.mu.Lock()
	if rt.conn == nil {
		rt.mu.Unlock()
		return nil
	}
	delete(rt.rooms, conversationID)
	rt.mu.Unlock()
	return rt.emit(ctx, EventLeave, RoomPayload{ConversationID: conversationID})
}

// MarkRead emits the read marker for a conversation.
func (rt *RealtimeClient) MarkRead(ctx context.Context, conversationID int64) error {
	return rt.emit(ctx, EventRead, RoomPayload{ConversationID: conversationID})
}

// SendMessage sends a message over the push channel instead of REST. The
// confirmation arrives as a message:new event carrying clientID.
func (rt *RealtimeClient) SendMessage(ctx context.Context, conversationID int64, text, clientID string) error {
	return rt.emit(ctx, EventSend, SendPayload{ConversationID: conversationID, Text: text, ClientID: clientID})
}

func (rt *RealtimeClient) emit(ctx context.Context, typ string, payload any) error {
	rt.mu.Lock()
	c := rt.conn
	rt.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	return c.send(ctx, env)
}

func (rt *RealtimeClient) setState(s RealtimeState) {
	rt.mu.Lock()
	rt.state = s
	h := rt.onStatus
	rt.mu.Unlock()
	if h != nil {
		h(s)
	}
}

func (rt *RealtimeClient) readLoop(ctx context.Context, c conn) {
	for {
		env, err := c.read(ctx)
		if err != nil {
			rt.handleDrop(c, err)
			return
		}
		rt.dispatch(env)
	}
}

// dispatch runs handlers on the read goroutine so events are delivered in
// the order the server sent them.
func (rt *RealtimeClient) dispatch(env Envelope) {
	switch env.Type {
	case EventMessageNew:
		var ev MessageEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			rt.logger.Warn("malformed message event", "error", err)
			return
		}
		rt.mu.Lock()
		h := rt.onMessage
		rt.mu.Unlock()
		if h != nil {
			h(ev)
		}
	case EventError:
		var p ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		rt.logger.Warn("server error event", "message", p.Message)
	default:
		rt.logger.Debug("ignored event", "type", env.Type)
	}
}

func (rt *RealtimeClient) handleDrop(c conn, cause error) {
	rt.mu.Lock()
	if rt.conn != c {
		// Intentional disconnect or already replaced.
		rt.mu.Unlock()
		return
	}
	rt.conn = nil
	if rt.cancelLoops != nil {
		rt.cancelLoops()
		rt.cancelLoops = nil
	}
	lifeCtx := rt.lifeCtx
	rt.mu.Unlock()

	_ = c.close()
	rt.logger.Warn("connection lost", "transport", c.kind(), "error", cause)
	rt.setState(StateDisconnected)

	rt.scheduleReconnect(lifeCtx)
}

// scheduleReconnect starts the reconnect loop unless one is running.
func (rt *RealtimeClient) scheduleReconnect(lifeCtx context.Context) {
	if rt.config.NoReconnect || lifeCtx == nil || lifeCtx.Err() != nil {
		return
	}
	rt.mu.Lock()
	if rt.retrying {
		rt.mu.Unlock()
		return
	}
	rt.retrying = true
	rt.mu.Unlock()

	go func() {
		defer func() {
			rt.mu.Lock()
			rt.retrying = false
			rt.mu.Unlock()
		}()
		rt.reconnectLoop(lifeCtx)
	}()
}

func (rt *RealtimeClient) reconnectLoop(lifeCtx context.Context) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = rt.config.ReconnectBaseDelay
	eb.MaxInterval = rt.config.ReconnectMaxDelay
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	if rt.config.MaxReconnectAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(rt.config.MaxReconnectAttempts))
	}
	b = backoff.WithContext(b, lifeCtx)

	attempt := 0
	op := func() error {
		if lifeCtx.Err() != nil {
			return backoff.Permanent(lifeCtx.Err())
		}
		ctx, cancel := context.WithTimeout(lifeCtx, rt.config.ReconnectMaxDelay)
		defer cancel()
		_, err, _ := rt.group.Do("connect", func() (any, error) {
			return nil, rt.connect(ctx)
		})
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		attempt++
		rt.config.Metrics.Reconnects.Inc()
		rt.logger.Info("reconnecting", "attempt", attempt, "delay", delay, "error", err)
		rt.setState(StateReconnecting)
	}

	rt.setState(StateReconnecting)
	// First attempt waits one interval like every later one.
	select {
	case <-lifeCtx.Done():
		return
	case <-time.After(eb.NextBackOff()):
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		rt.logger.Warn("giving up reconnecting", "error", err)
		rt.setState(StateDisconnected)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, rt.config.PongTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				rt.logger.Warn("heartbeat failed", "error", err)
				c.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// ============================================================================
// WebSocket transport
// ============================================================================

type wsConn struct {
	conn *websocket.Conn
}

func (rt *RealtimeClient) dialWS(ctx context.Context) (conn, ConnectedPayload, error) {
	header := http.Header{}
	rt.client.authorize(header)

	c, _, err := websocket.Dial(ctx, rt.client.realtimeURL("/ws", true), &websocket.DialOptions{
		HTTPClient: rt.streamingClient(),
		HTTPHeader: header,
	})
	if err != nil {
		return nil, ConnectedPayload{}, fmt.Errorf("websocket dial: %w", err)
	}

	w := &wsConn{conn: c}
	env, err := w.read(ctx)
	if err != nil {
		c.Close(websocket.StatusNormalClosure, "")
		return nil, ConnectedPayload{}, fmt.Errorf("read hello: %w", err)
	}
	hello, err := decodeHello(env)
	if err != nil {
		c.Close(websocket.StatusPolicyViolation, "")
		return nil, ConnectedPayload{}, err
	}
	return w, hello, nil
}

func (w *wsConn) kind() TransportKind { return TransportWebSocket }

func (w *wsConn) read(ctx context.Context) (Envelope, error) {
	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			return Envelope{}, err
		}
		var env Envelope
		if json.Unmarshal(data, &env) == nil && env.Type != "" {
			return env, nil
		}
	}
}

func (w *wsConn) send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) close() error {
	err := w.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	var ce websocket.CloseError
	if err == nil || errors.As(err, &ce) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ============================================================================
// SSE transport
// ============================================================================

// sseConn receives events over a text/event-stream response and sends
// commands with plain POSTs tagged with the stream's connection id.
type sseConn struct {
	rt       *RealtimeClient
	body     io.ReadCloser
	scanner  *bufio.Scanner
	cancel   context.CancelFunc
	connID   string
	lastData atomic.Int64
}

func (rt *RealtimeClient) dialSSE(ctx context.Context) (conn, ConnectedPayload, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, rt.client.realtimeURL("/sse", false), nil)
	if err != nil {
		cancel()
		return nil, ConnectedPayload{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	rt.client.authorize(req.Header)

	resp, err := rt.streamingClient().Do(req)
	if err != nil {
		cancel()
		return nil, ConnectedPayload{}, fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, ConnectedPayload{}, fmt.Errorf("sse HTTP %d", resp.StatusCode)
	}

	s := &sseConn{rt: rt, body: resp.Body, scanner: bufio.NewScanner(resp.Body), cancel: cancel}
	s.lastData.Store(time.Now().UnixNano())

	env, err := s.read(ctx)
	if !stop() {
		// ctx ended while reading the hello; the stream is already cancelled.
		s.close()
		return nil, ConnectedPayload{}, fmt.Errorf("read hello: %w", ctx.Err())
	}
	if err != nil {
		s.close()
		return nil, ConnectedPayload{}, fmt.Errorf("read hello: %w", err)
	}
	hello, err := decodeHello(env)
	if err != nil {
		s.close()
		return nil, ConnectedPayload{}, err
	}
	s.connID = hello.ConnectionID
	go s.watchdog(streamCtx, rt.config.StaleAfter)
	return s, hello, nil
}

func (s *sseConn) kind() TransportKind { return TransportSSE }

func (s *sseConn) read(ctx context.Context) (Envelope, error) {
	for s.scanner.Scan() {
		if ctx.Err() != nil {
			return Envelope{}, ctx.Err()
		}
		s.lastData.Store(time.Now().UnixNano())

		line := s.scanner.Text()
		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var env Envelope
		if json.Unmarshal([]byte(data), &env) == nil && env.Type != "" {
			return env, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Envelope{}, err
	}
	return Envelope{}, io.EOF
}

func (s *sseConn) send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rt.client.realtimeURL("/api/realtime/emit", false), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Connection-ID", s.connID)
	s.rt.client.authorize(req.Header)

	resp, err := s.rt.client.HTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("emit %s: %w", env.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("emit %s: HTTP %d", env.Type, resp.StatusCode)
	}
	return nil
}

func (s *sseConn) close() error {
	s.cancel()
	return s.body.Close()
}

func (s *sseConn) watchdog(ctx context.Context, staleAfter time.Duration) {
	ticker := time.NewTicker(staleAfter / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastData.Load())) > staleAfter {
				s.rt.logger.Warn("sse stream stale", "stale_after", staleAfter)
				s.cancel()
				return
			}
		}
	}
}

func decodeHello(env Envelope) (ConnectedPayload, error) {
	var hello ConnectedPayload
	if env.Type != EventConnected {
		return hello, fmt.Errorf("expected %q, got %q", EventConnected, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		return hello, fmt.Errorf("decode hello: %w", err)
	}
	return hello, nil
}
