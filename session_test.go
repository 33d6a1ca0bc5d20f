package chatsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifound/chatsync/internal/devserver"
)

// ============================================================================
// Test Helpers
// ============================================================================

type sessionSetup struct {
	realtime bool
	rtConfig RealtimeConfig
	opts     []SessionOption
}

func (b *backend) session(t *testing.T, userID int64, setup sessionSetup) *Session {
	t.Helper()
	var transport Transport
	if setup.realtime {
		transport = b.realtime(t, userID, setup.rtConfig)
	}
	opts := append([]SessionOption{WithRefreshInterval(10 * time.Millisecond)}, setup.opts...)
	s := NewSession(b.client(userID), transport, opts...)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Start(context.Background(), &User{ID: userID}))
	return s
}

func countText(msgs []Message, text string) (total, pending int) {
	for _, m := range msgs {
		if m.Text == text {
			total++
			if m.Pending() {
				pending++
			}
		}
	}
	return total, pending
}

// historyGate sits in front of the backend and fails or delays history
// requests for one conversation.
type historyGate struct {
	conversation int64
	fail         atomic.Bool
	delay        atomic.Int64
}

// gatedSession is a REST-only session whose requests pass through gate.
func (b *backend) gatedSession(t *testing.T, userID int64, gate *historyGate) *Session {
	t.Helper()
	path := "/api/conversations/" + strconv.FormatInt(gate.conversation, 10) + "/messages"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == path {
			if gate.fail.Load() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"error":"history unavailable"}`))
				return
			}
			time.Sleep(time.Duration(gate.delay.Load()))
		}
		b.srv.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	client := NewClient(WithBaseURL(ts.URL), WithToken(devserver.Token(userID)), WithTimeout(5*time.Second))
	s := NewSession(client, nil, WithRefreshInterval(10*time.Millisecond))
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Start(context.Background(), &User{ID: userID}))
	return s
}

func (b *backend) conversationWithCarol(t *testing.T) int64 {
	t.Helper()
	conv, err := b.client(b.demo.Alice).EnsureConversation(context.Background(), b.demo.IDCard)
	require.NoError(t, err)
	return conv.ID
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	s := b.session(t, b.demo.Alice, sessionSetup{realtime: true})

	st := s.State()
	require.NotNil(t, st.User)
	assert.Equal(t, b.demo.Alice, st.User.ID)
	assert.True(t, st.Connected)
	assert.Equal(t, 1, b.srv.Connections(b.demo.Alice))

	require.NoError(t, s.SetUser(ctx, &User{ID: b.demo.Alice}))
	assert.Equal(t, 1, b.srv.Connections(b.demo.Alice), "same user does not reconnect")

	require.NoError(t, s.SetUser(ctx, nil))
	assert.Nil(t, s.State().User)
	assert.False(t, s.State().Connected)
	assert.Eventually(t, func() bool { return b.srv.Connections(b.demo.Alice) == 0 }, waitFor, tick)

	_, err := s.Send(ctx, "hello")
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.SelectConversation(ctx, b.demo.Conversation), ErrClosed)
	assert.ErrorIs(t, s.SetUser(ctx, &User{ID: b.demo.Alice}), ErrClosed)
	assert.NoError(t, s.Close(), "close twice")
}

func TestSessionSendWithoutConversation(t *testing.T) {
	b := newBackend(t, devserver.Options{})
	s := b.session(t, b.demo.Alice, sessionSetup{})
	_, err := s.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoActiveConversation)
	assert.ErrorIs(t, s.Reload(context.Background()), ErrNoActiveConversation)
}

// ============================================================================
// Rooms
// ============================================================================

func TestSessionRoomSwitch(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	a, c := b.demo.Conversation, b.conversationWithCarol(t)
	s := b.session(t, b.demo.Alice, sessionSetup{realtime: true})

	for _, id := range []int64{a, c, a} {
		require.NoError(t, s.SelectConversation(ctx, id))
		assert.Equal(t, id, s.State().ActiveConversation)
		require.Eventually(t, func() bool {
			rooms := b.srv.Rooms(b.demo.Alice)
			return len(rooms) == 1 && rooms[0] == id
		}, waitFor, tick, "exactly one room joined")
	}

	// Re-selecting the open conversation is a no-op.
	require.NoError(t, s.SelectConversation(ctx, a))
	assert.Equal(t, []int64{a}, b.srv.Rooms(b.demo.Alice))

	require.NoError(t, s.DeleteConversation(ctx, a))
	assert.Zero(t, s.State().ActiveConversation)
	assert.Eventually(t, func() bool { return len(b.srv.Rooms(b.demo.Alice)) == 0 }, waitFor, tick)
}

func TestSessionDiscardsLateHistory(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	a, c := b.demo.Conversation, b.conversationWithCarol(t)
	gate := &historyGate{conversation: a}
	gate.delay.Store(int64(300 * time.Millisecond))
	s := b.gatedSession(t, b.demo.Alice, gate)

	done := make(chan error, 1)
	go func() { done <- s.SelectConversation(ctx, a) }()
	require.Eventually(t, func() bool { return s.State().ActiveConversation == a }, waitFor, tick)
	require.NoError(t, s.SelectConversation(ctx, c))

	select {
	case err := <-done:
		assert.NoError(t, err, "a superseded load is dropped quietly")
	case <-time.After(waitFor):
		t.Fatal("first load never returned")
	}
	st := s.State()
	assert.Equal(t, c, st.ActiveConversation)
	assert.Empty(t, st.Messages)
	assert.False(t, st.Loading)
	assert.NoError(t, st.Err)

	rest, transport := b.srv.ReadMarks(a)
	assert.Zero(t, rest+transport, "late history does not mark the old conversation read")
}

func TestSessionJoinsRoomSelectedBeforeConnecting(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	rt := b.realtime(t, b.demo.Alice, RealtimeConfig{})
	s := NewSession(b.client(b.demo.Alice), rt)
	defer s.Close()

	// Select first, as a UI restoring its last view would.
	require.NoError(t, s.SelectConversation(ctx, b.demo.Conversation))
	assert.Empty(t, b.srv.Rooms(b.demo.Alice))

	require.NoError(t, s.Start(ctx, &User{ID: b.demo.Alice}))
	assert.Eventually(t, func() bool {
		rooms := b.srv.Rooms(b.demo.Alice)
		return len(rooms) == 1 && rooms[0] == b.demo.Conversation
	}, waitFor, tick)
}

// ============================================================================
// Read state
// ============================================================================

func TestSessionOpenMarksRead(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	metrics := NewMetrics(nil)
	s := b.session(t, b.demo.Alice, sessionSetup{realtime: true, opts: []SessionOption{WithMetrics(metrics)}})
	id := b.demo.Conversation

	_, err := s.Conversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.State().TotalUnread)

	require.NoError(t, s.SelectConversation(ctx, id))
	st := s.State()
	require.Len(t, st.Messages, 3)
	for _, m := range st.Messages {
		assert.True(t, m.IsRead || m.SenderID == b.demo.Alice)
	}
	assert.Zero(t, st.TotalUnread)

	rest, _ := b.srv.ReadMarks(id)
	assert.Equal(t, 1, rest, "exactly one REST read mark on open")
	assert.Eventually(t, func() bool {
		_, transport := b.srv.ReadMarks(id)
		return transport == 1
	}, waitFor, tick, "transport read marker sent too")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReadMarks.WithLabelValues("rest", "ok")))

	// Own message pushed back never bumps unread.
	_, err = s.Send(ctx, "I'm at the desk now")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	conv, _ := s.Cache().Get(id)
	assert.Zero(t, conv.UnreadCount)
	rest, _ = b.srv.ReadMarks(id)
	assert.Equal(t, 1, rest)

	// A counterpart message in the open conversation is read on arrival.
	_, err = b.srv.Post(id, b.demo.Bob, "on my way")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		rest, _ := b.srv.ReadMarks(id)
		return rest == 2
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		msgs := s.State().Messages
		last := msgs[len(msgs)-1]
		return last.Text == "on my way" && last.IsRead
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		conv, _ := s.Cache().Get(id)
		return conv.UnreadCount == 0
	}, waitFor, tick)
}

func TestSessionOpenWithoutUnreadSendsNoMark(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	s := b.session(t, b.demo.Bob, sessionSetup{})

	// Mark Alice's message read up front so the conversation opens with
	// nothing unread.
	require.NoError(t, b.client(b.demo.Bob).MarkConversationRead(ctx, b.demo.Conversation))
	require.NoError(t, s.SelectConversation(ctx, b.demo.Conversation))
	rest, _ := b.srv.ReadMarks(b.demo.Conversation)
	assert.Equal(t, 1, rest, "only the explicit mark")
}

func TestSessionUnreadInOtherConversation(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	other := b.conversationWithCarol(t)
	s := b.session(t, b.demo.Alice, sessionSetup{realtime: true})
	_, err := s.Conversations(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SelectConversation(ctx, b.demo.Conversation))

	_, err = b.srv.Post(other, b.demo.Carol, "is this your card?")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		conv, ok := s.Cache().Get(other)
		return ok && conv.UnreadCount == 1 && conv.LastMessage == "is this your card?"
	}, waitFor, tick)
	total, _ := countText(s.State().Messages, "is this your card?")
	assert.Zero(t, total, "timeline of the open conversation untouched")
	assert.Equal(t, 1, s.State().TotalUnread)

	// Opening it clears the count.
	require.NoError(t, s.SelectConversation(ctx, other))
	conv, _ := s.Cache().Get(other)
	assert.Zero(t, conv.UnreadCount)
}

// ============================================================================
// Sending
// ============================================================================

func TestSessionSendREST(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	s := b.session(t, b.demo.Alice, sessionSetup{realtime: true})
	require.NoError(t, s.SelectConversation(ctx, b.demo.Conversation))

	msg, err := s.Send(ctx, "Come by at noon")
	require.NoError(t, err)
	assert.False(t, msg.Pending())

	// The push copy of our own message arrives too; it must not duplicate.
	time.Sleep(50 * time.Millisecond)
	total, pending := countText(s.State().Messages, "Come by at noon")
	assert.Equal(t, 1, total)
	assert.Zero(t, pending)

	n, err := b.srv.Messages(b.demo.Conversation, b.demo.Alice)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	conv, _ := s.Cache().Get(b.demo.Conversation)
	assert.Equal(t, "Come by at noon", conv.LastMessage)

	_, err = s.Send(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Len(t, s.State().Messages, 4, "invalid text inserts nothing")
}

func TestSessionSendOverTransport(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	metrics := NewMetrics(nil)
	s := b.session(t, b.demo.Alice, sessionSetup{realtime: true, opts: []SessionOption{WithTransportSend(true), WithMetrics(metrics)}})
	require.NoError(t, s.SelectConversation(ctx, b.demo.Conversation))

	msg, err := s.Send(ctx, "via push")
	require.NoError(t, err)
	assert.True(t, msg.Pending(), "confirmed later by the push event")

	assert.Eventually(t, func() bool {
		total, pending := countText(s.State().Messages, "via push")
		return total == 1 && pending == 0
	}, waitFor, tick)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Sends.WithLabelValues("transport", "ok")))
}

func TestSessionSendFailureRestoresDraft(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	s := b.session(t, b.demo.Alice, sessionSetup{})
	_, err := s.Conversations(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SelectConversation(ctx, b.demo.Conversation))
	before, _ := s.Cache().Get(b.demo.Conversation)

	b.srv.FailSends(1)
	_, err = s.Send(ctx, "Hello")
	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, "Hello", sendErr.Draft)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 503, apiErr.Status)

	st := s.State()
	assert.Equal(t, "Hello", st.Draft)
	assert.False(t, st.Sending)
	total, _ := countText(st.Messages, "Hello")
	assert.Zero(t, total, "optimistic entry rolled back")
	assert.Len(t, st.Messages, 3)

	conv, _ := s.Cache().Get(b.demo.Conversation)
	assert.Equal(t, before.LastMessage, conv.LastMessage, "preview reverted")

	// Retrying succeeds and clears the draft.
	_, err = s.Send(ctx, st.Draft)
	require.NoError(t, err)
	assert.Empty(t, s.State().Draft)
	total, _ = countText(s.State().Messages, "Hello")
	assert.Equal(t, 1, total)
}

func TestSessionTwoTabs(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	tab1 := b.session(t, b.demo.Alice, sessionSetup{realtime: true})
	tab2 := b.session(t, b.demo.Alice, sessionSetup{realtime: true, rtConfig: RealtimeConfig{Transports: []TransportKind{TransportSSE}}})
	require.NoError(t, tab1.SelectConversation(ctx, b.demo.Conversation))
	require.NoError(t, tab2.SelectConversation(ctx, b.demo.Conversation))

	_, err := tab1.Send(ctx, "see you at noon")
	require.NoError(t, err)
	_, err = b.srv.Post(b.demo.Conversation, b.demo.Bob, "great")
	require.NoError(t, err)

	for _, tab := range []*Session{tab1, tab2} {
		require.Eventually(t, func() bool {
			mine, _ := countText(tab.State().Messages, "see you at noon")
			theirs, _ := countText(tab.State().Messages, "great")
			return mine == 1 && theirs == 1
		}, waitFor, tick)
	}
	time.Sleep(50 * time.Millisecond)
	for _, tab := range []*Session{tab1, tab2} {
		mine, pending := countText(tab.State().Messages, "see you at noon")
		assert.Equal(t, 1, mine, "exactly one entry per tab")
		assert.Zero(t, pending)
		assert.Len(t, tab.State().Messages, 5)
	}
}

func TestSessionRedeliveryIgnored(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	s := b.session(t, b.demo.Alice, sessionSetup{realtime: true})
	require.NoError(t, s.SelectConversation(ctx, b.demo.Conversation))

	id, err := b.srv.Post(b.demo.Conversation, b.demo.Bob, "once")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, _ := countText(s.State().Messages, "once")
		return n == 1
	}, waitFor, tick)

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, b.srv.Redeliver(b.demo.Conversation, id))
	}
	time.Sleep(50 * time.Millisecond)
	n, _ := countText(s.State().Messages, "once")
	assert.Equal(t, 1, n)
}

// ============================================================================
// Reconnect
// ============================================================================

func TestSessionCatchUpAfterReconnect(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	s := b.session(t, b.demo.Alice, sessionSetup{
		realtime: true,
		rtConfig: RealtimeConfig{ReconnectBaseDelay: 300 * time.Millisecond, ReconnectMaxDelay: time.Second},
	})
	require.NoError(t, s.SelectConversation(ctx, b.demo.Conversation))
	raised := s.RefreshSignal().Raised()

	require.Equal(t, 1, b.srv.Kick(b.demo.Alice))
	require.Eventually(t, func() bool { return !s.State().Connected }, waitFor, tick)

	// Missed by push: nobody is connected for Alice.
	_, err := b.srv.Post(b.demo.Conversation, b.demo.Bob, "while you were away")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.State().Connected }, waitFor, tick)
	assert.Eventually(t, func() bool {
		n, _ := countText(s.State().Messages, "while you were away")
		return n == 1
	}, waitFor, tick, "history reloaded after reconnect")
	assert.Greater(t, s.RefreshSignal().Raised(), raised, "list refresh requested")
	assert.Eventually(t, func() bool {
		rooms := b.srv.Rooms(b.demo.Alice)
		return len(rooms) == 1 && rooms[0] == b.demo.Conversation
	}, waitFor, tick)
}

func TestSessionReopenShowsMessagesMissedOffline(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	a, c := b.demo.Conversation, b.conversationWithCarol(t)
	s := b.session(t, b.demo.Alice, sessionSetup{
		realtime: true,
		rtConfig: RealtimeConfig{ReconnectBaseDelay: 300 * time.Millisecond, ReconnectMaxDelay: time.Second},
	})
	require.NoError(t, s.SelectConversation(ctx, a))
	require.NoError(t, s.SelectConversation(ctx, c))

	require.Equal(t, 1, b.srv.Kick(b.demo.Alice))
	require.Eventually(t, func() bool { return !s.State().Connected }, waitFor, tick)
	_, err := b.srv.Post(a, b.demo.Bob, "missed while offline")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State().Connected }, waitFor, tick)

	require.NoError(t, s.SelectConversation(ctx, a))
	n, _ := countText(s.State().Messages, "missed while offline")
	assert.Equal(t, 1, n, "reopening fetches history instead of reusing the copy taken on switch")
	assert.Len(t, s.State().Messages, 4)
}

func TestSessionRetriesFailedHistory(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	id := b.demo.Conversation
	gate := &historyGate{conversation: id}
	gate.fail.Store(true)
	s := b.gatedSession(t, b.demo.Alice, gate)

	require.Error(t, s.SelectConversation(ctx, id))
	st := s.State()
	assert.Equal(t, id, st.ActiveConversation)
	assert.Empty(t, st.Messages)
	require.Error(t, st.Err)

	_, err := s.Conversations(ctx)
	require.NoError(t, err)
	assert.Error(t, s.State().Err, "a good list fetch keeps the history error visible")

	gate.fail.Store(false)
	require.NoError(t, s.SelectConversation(ctx, id), "selecting the failed conversation again retries")
	st = s.State()
	assert.NoError(t, st.Err)
	assert.Len(t, st.Messages, 3)

	gate.fail.Store(true)
	assert.Error(t, s.Reload(ctx))
	assert.Len(t, s.State().Messages, 3, "last known history stays on screen")
	gate.fail.Store(false)
	require.NoError(t, s.Reload(ctx))
	assert.NoError(t, s.State().Err)
	assert.False(t, s.State().Loading)
}

func TestSessionListRefreshOnPush(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	s := b.session(t, b.demo.Alice, sessionSetup{realtime: true, opts: []SessionOption{WithListFreshness(time.Hour)}})
	_, err := s.Conversations(ctx)
	require.NoError(t, err)

	// A conversation Alice has never seen: the push only reaches her as a
	// participant, and the refreshed list picks it up.
	other := b.conversationWithCarol(t)
	_, err = b.srv.Post(other, b.demo.Carol, "hello?")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		conv, ok := s.Cache().Get(other)
		return ok && conv.UnreadCount == 1
	}, waitFor, tick)
}

func TestSessionOfflineList(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, devserver.Options{})
	store := NewMemoryStore()
	warm := b.session(t, b.demo.Alice, sessionSetup{opts: []SessionOption{WithSessionStore(store)}})
	_, err := warm.Conversations(ctx)
	require.NoError(t, err)
	require.NoError(t, warm.SelectConversation(ctx, b.demo.Conversation))

	b.ts.Close()
	cold := NewSession(b.client(b.demo.Alice), nil, WithSessionStore(store))
	defer cold.Close()
	require.NoError(t, cold.Start(ctx, &User{ID: b.demo.Alice}))

	list, err := cold.Conversations(ctx)
	assert.Error(t, err)
	assert.Len(t, list, 1)
	assert.Error(t, cold.State().Err)

	err = cold.SelectConversation(ctx, b.demo.Conversation)
	assert.Error(t, err)
	assert.Len(t, cold.State().Messages, 3, "persisted history shown while offline")
}
