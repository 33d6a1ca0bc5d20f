package chatsync

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	alice = int64(1)
	bob   = int64(2)
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func confirmed(id, conv, sender int64, text string) Message {
	return Message{
		ID:             ConfirmedID(id),
		ConversationID: conv,
		SenderID:       sender,
		Text:           text,
		CreatedAt:      t0.Add(time.Duration(id) * time.Second),
	}
}

func serverIDs(msgs []Message) []int64 {
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		id, _ := m.ID.Server()
		ids = append(ids, id)
	}
	return ids
}

func texts(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

// ============================================================================
// Optimistic sends
// ============================================================================

func TestAppendOptimistic(t *testing.T) {
	t.Run("appends pending entry at tail", func(t *testing.T) {
		tl := NewTimeline(42)
		tl.Replace([]Message{confirmed(1, 42, bob, "hi")})

		h, msg, err := tl.AppendOptimistic("hello", alice)
		require.NoError(t, err)
		assert.False(t, h.IsZero())
		assert.True(t, msg.Pending())
		assert.Equal(t, h.ClientID(), msg.ClientID)
		assert.Equal(t, h.ClientID(), msg.ID.Local())

		msgs := tl.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "hello", msgs[1].Text)
		assert.Equal(t, 1, tl.PendingCount())
	})

	t.Run("rejects empty and whitespace text", func(t *testing.T) {
		tl := NewTimeline(42)
		for _, text := range []string{"", "   ", "\n\t"} {
			_, _, err := tl.AppendOptimistic(text, alice)
			assert.ErrorIs(t, err, ErrEmptyMessage)
		}
		assert.Zero(t, tl.Len())
	})

	t.Run("rejects text over the limit", func(t *testing.T) {
		tl := NewTimeline(42)
		_, _, err := tl.AppendOptimistic(strings.Repeat("a", MaxMessageLength+1), alice)
		assert.ErrorIs(t, err, ErrMessageTooLong)
		assert.Zero(t, tl.Len())

		_, _, err = tl.AppendOptimistic(strings.Repeat("é", MaxMessageLength), alice)
		assert.NoError(t, err, "limit counts characters, not bytes")
	})

	t.Run("distinct handles for identical texts", func(t *testing.T) {
		tl := NewTimeline(42)
		h1, _, _ := tl.AppendOptimistic("same", alice)
		h2, _, _ := tl.AppendOptimistic("same", alice)
		assert.NotEqual(t, h1.ClientID(), h2.ClientID())
	})
}

func TestConfirmSend(t *testing.T) {
	t.Run("upgrades in place", func(t *testing.T) {
		tl := NewTimeline(42)
		h, _, _ := tl.AppendOptimistic("first", alice)
		tl.AppendOptimistic("second", alice)

		changed, err := tl.ConfirmSend(h, confirmed(10, 42, alice, "first"))
		require.NoError(t, err)
		assert.True(t, changed)

		msgs := tl.Messages()
		require.Len(t, msgs, 2)
		id, ok := msgs[0].ID.Server()
		assert.True(t, ok)
		assert.Equal(t, int64(10), id)
		assert.Equal(t, h.ClientID(), msgs[0].ClientID, "correlation id survives confirmation")
		assert.True(t, msgs[1].Pending())
	})

	t.Run("second confirmation is a no-op", func(t *testing.T) {
		tl := NewTimeline(42)
		h, _, _ := tl.AppendOptimistic("once", alice)
		_, err := tl.ConfirmSend(h, confirmed(10, 42, alice, "once"))
		require.NoError(t, err)

		changed, err := tl.ConfirmSend(h, confirmed(10, 42, alice, "once"))
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, 1, tl.Len())
	})

	t.Run("unknown handle", func(t *testing.T) {
		tl := NewTimeline(42)
		_, err := tl.ConfirmSend(Handle{ConversationID: 42, local: "nope"}, confirmed(10, 42, alice, "x"))
		assert.ErrorIs(t, err, ErrUnknownHandle)
	})

	t.Run("pending entry dropped when the id is already present", func(t *testing.T) {
		tl := NewTimeline(42)
		h, _, _ := tl.AppendOptimistic("dup", alice)
		tl.Replace([]Message{confirmed(10, 42, alice, "dup")})
		// Replace keeps the pending entry because the fetched copy has no client id.
		require.Equal(t, 2, tl.Len())

		changed, err := tl.ConfirmSend(h, confirmed(10, 42, alice, "dup"))
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, []int64{10}, serverIDs(tl.Messages()))
	})
}

func TestRollback(t *testing.T) {
	t.Run("removes pending entry and returns text", func(t *testing.T) {
		tl := NewTimeline(42)
		tl.Replace([]Message{confirmed(1, 42, bob, "hi")})
		h, _, _ := tl.AppendOptimistic("Hello", alice)

		text, ok := tl.Rollback(h)
		assert.True(t, ok)
		assert.Equal(t, "Hello", text)
		assert.Equal(t, []string{"hi"}, texts(tl.Messages()))
	})

	t.Run("no-op after push confirmation", func(t *testing.T) {
		tl := NewTimeline(42)
		h, _, _ := tl.AppendOptimistic("Hello", alice)
		Reconcile(tl, MessageEvent{ConversationID: 42, MessageID: 7, SenderID: alice, Text: "Hello", ClientID: h.ClientID()})

		_, ok := tl.Rollback(h)
		assert.False(t, ok)
		assert.Equal(t, 1, tl.Len())
	})
}

// ============================================================================
// Confirmation order
// ============================================================================

func TestConfirmationCommutes(t *testing.T) {
	run := func(t *testing.T, restFirst bool, withClientID bool) []Message {
		tl := NewTimeline(42)
		tl.Replace([]Message{confirmed(1, 42, bob, "hi")})
		h, _, err := tl.AppendOptimistic("on my way", alice)
		require.NoError(t, err)

		rest := confirmed(5, 42, alice, "on my way")
		rest.ClientID = h.ClientID()
		ev := MessageEvent{ConversationID: 42, MessageID: 5, SenderID: alice, Text: "on my way", CreatedAt: rest.CreatedAt}
		if withClientID {
			ev.ClientID = h.ClientID()
		}

		if restFirst {
			_, err := tl.ConfirmSend(h, rest)
			require.NoError(t, err)
			assert.Equal(t, OutcomeDuplicate, Reconcile(tl, ev))
		} else {
			assert.Equal(t, OutcomeConfirmed, Reconcile(tl, ev))
			_, err := tl.ConfirmSend(h, rest)
			require.NoError(t, err)
		}
		return tl.Messages()
	}

	for _, withClientID := range []bool{true, false} {
		a := run(t, true, withClientID)
		b := run(t, false, withClientID)
		assert.Equal(t, serverIDs(a), serverIDs(b))
		assert.Equal(t, []int64{1, 5}, serverIDs(a))
		assert.Zero(t, countPending(a))
		assert.Zero(t, countPending(b))
	}
}

func TestConfirmSendAfterMismatchedPush(t *testing.T) {
	// A push without correlation id claimed the pending entry by text, but
	// it was a different message than the one the backend stored for us.
	tl := NewTimeline(42)
	h, _, _ := tl.AppendOptimistic("ok", alice)
	assert.Equal(t, OutcomeConfirmed, Reconcile(tl, MessageEvent{ConversationID: 42, MessageID: 8, SenderID: alice, Text: "ok"}))

	changed, err := tl.ConfirmSend(h, confirmed(9, 42, alice, "ok"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []int64{9, 8}, serverIDs(tl.Messages()))
}

func countPending(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Pending() {
			n++
		}
	}
	return n
}

// ============================================================================
// History
// ============================================================================

func TestReplace(t *testing.T) {
	t.Run("keeps pending tail", func(t *testing.T) {
		tl := NewTimeline(42)
		tl.AppendOptimistic("draft", alice)
		tl.Replace([]Message{confirmed(1, 42, bob, "a"), confirmed(2, 42, alice, "b")})

		msgs := tl.Messages()
		assert.Equal(t, []string{"a", "b", "draft"}, texts(msgs))
		assert.True(t, msgs[2].Pending())
	})

	t.Run("drops pending entries the fetch already contains", func(t *testing.T) {
		tl := NewTimeline(42)
		h, _, _ := tl.AppendOptimistic("sent", alice)
		fetched := confirmed(3, 42, alice, "sent")
		fetched.ClientID = h.ClientID()
		tl.Replace([]Message{fetched})
		assert.Equal(t, []int64{3}, serverIDs(tl.Messages()))
	})

	t.Run("keeps pushed entries newer than the fetch", func(t *testing.T) {
		tl := NewTimeline(42)
		Reconcile(tl, MessageEvent{ConversationID: 42, MessageID: 9, SenderID: bob, Text: "late"})
		tl.Replace([]Message{confirmed(1, 42, bob, "a"), confirmed(2, 42, bob, "b")})
		assert.Equal(t, []int64{1, 2, 9}, serverIDs(tl.Messages()))

		tl.Replace([]Message{confirmed(1, 42, bob, "a"), confirmed(2, 42, bob, "b"), confirmed(9, 42, bob, "late")})
		assert.Equal(t, []int64{1, 2, 9}, serverIDs(tl.Messages()))
	})
}

func TestTimelineMarkRead(t *testing.T) {
	tl := NewTimeline(42)
	tl.Replace([]Message{confirmed(1, 42, bob, "a"), confirmed(2, 42, alice, "b"), confirmed(3, 42, bob, "c")})
	assert.True(t, tl.HasUnreadFrom(alice))

	assert.Equal(t, 2, tl.MarkRead(alice))
	assert.False(t, tl.HasUnreadFrom(alice))
	assert.Zero(t, tl.MarkRead(alice))
}

func TestMessageIDJSON(t *testing.T) {
	for _, id := range []MessageID{ConfirmedID(17), PendingID("abc")} {
		data, err := id.MarshalJSON()
		require.NoError(t, err)
		var got MessageID
		require.NoError(t, got.UnmarshalJSON(data))
		assert.Equal(t, id, got)
	}
	assert.NotEqual(t, ConfirmedID(1), PendingID("1"))
}
