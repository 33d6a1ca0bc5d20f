//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/unifound/chatsync"
)

// These tests run against a live backend:
//
//	LOSTCHAT_BASE_URL_TEST    backend origin
//	LOSTCHAT_TOKEN_TEST       token of the requester
//	LOSTCHAT_PEER_TOKEN_TEST  token of the item owner
//	LOSTCHAT_ITEM_ID_TEST     an item owned by the peer

// helpers ---------------------------------------------------------------

func requireEnv(t *testing.T, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Fatalf("%s environment variable is required", name)
	}
	return v
}

func newClient(t *testing.T, tokenVar string) *chatsync.Client {
	t.Helper()
	return chatsync.NewClient(
		chatsync.WithBaseURL(requireEnv(t, "LOSTCHAT_BASE_URL_TEST")),
		chatsync.WithToken(requireEnv(t, tokenVar)),
	)
}

func itemID(t *testing.T) int64 {
	t.Helper()
	id, err := strconv.ParseInt(requireEnv(t, "LOSTCHAT_ITEM_ID_TEST"), 10, 64)
	if err != nil {
		t.Fatalf("LOSTCHAT_ITEM_ID_TEST: %v", err)
	}
	return id
}

func uniqueText(prefix string) string {
	return fmt.Sprintf("%s %d", prefix, time.Now().UnixNano())
}

func waitUntil(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// =======================================================================
// REST
// =======================================================================

func TestIntegration_REST(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	client := newClient(t, "LOSTCHAT_TOKEN_TEST")

	me, err := client.Me(ctx)
	if err != nil {
		t.Fatalf("Me error: %v", err)
	}
	t.Logf("Me: id=%d name=%s", me.ID, me.Name)

	conv, err := client.EnsureConversation(ctx, itemID(t))
	if err != nil {
		t.Fatalf("EnsureConversation error: %v", err)
	}
	again, err := client.EnsureConversation(ctx, itemID(t))
	if err != nil {
		t.Fatalf("EnsureConversation (again) error: %v", err)
	}
	if again.ID != conv.ID {
		t.Fatalf("expected the same conversation, got %d and %d", conv.ID, again.ID)
	}

	text := uniqueText("rest")
	msg, err := client.SendMessage(ctx, conv.ID, &chatsync.SendMessageRequest{Text: text, ClientID: "it-" + strconv.FormatInt(time.Now().UnixNano(), 10)})
	if err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if msg.Pending() || msg.Text != text {
		t.Fatalf("unexpected send result: %+v", msg)
	}

	history, err := client.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages error: %v", err)
	}
	if len(history) == 0 || history[len(history)-1].ID != msg.ID {
		t.Fatalf("sent message is not last in history (%d messages)", len(history))
	}

	list, err := client.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations error: %v", err)
	}
	found := false
	for _, c := range list {
		found = found || c.ID == conv.ID
	}
	if !found {
		t.Fatalf("conversation %d missing from list", conv.ID)
	}
	t.Logf("REST: conversation=%d messages=%d conversations=%d", conv.ID, len(history), len(list))
}

// =======================================================================
// Sessions
// =======================================================================

func TestIntegration_SessionRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	start := func(tokenVar string) (*chatsync.Session, *chatsync.User) {
		client := newClient(t, tokenVar)
		user, err := client.Me(ctx)
		if err != nil {
			t.Fatalf("Me error: %v", err)
		}
		rt := chatsync.NewRealtimeClient(client, nil)
		s := chatsync.NewSession(client, rt)
		if err := s.Start(ctx, user); err != nil {
			t.Fatalf("Start error: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s, user
	}
	requester, _ := start("LOSTCHAT_TOKEN_TEST")
	owner, ownerUser := start("LOSTCHAT_PEER_TOKEN_TEST")

	conv, err := requester.StartConversation(ctx, itemID(t))
	if err != nil {
		t.Fatalf("StartConversation error: %v", err)
	}
	if err := requester.SelectConversation(ctx, conv.ID); err != nil {
		t.Fatalf("SelectConversation (requester) error: %v", err)
	}
	if err := owner.SelectConversation(ctx, conv.ID); err != nil {
		t.Fatalf("SelectConversation (owner) error: %v", err)
	}

	hasText := func(s *chatsync.Session, text string, wantSender int64) func() bool {
		return func() bool {
			for _, m := range s.State().Messages {
				if m.Text == text && !m.Pending() && (wantSender == 0 || m.SenderID == wantSender) {
					return true
				}
			}
			return false
		}
	}

	t.Run("Requester_To_Owner", func(t *testing.T) {
		text := uniqueText("ping")
		if _, err := requester.Send(ctx, text); err != nil {
			t.Fatalf("Send error: %v", err)
		}
		waitUntil(t, 15*time.Second, "owner to receive", hasText(owner, text, 0))
		waitUntil(t, 15*time.Second, "requester to confirm", hasText(requester, text, 0))
	})

	t.Run("Owner_Reply", func(t *testing.T) {
		text := uniqueText("pong")
		if _, err := owner.Send(ctx, text); err != nil {
			t.Fatalf("Send error: %v", err)
		}
		waitUntil(t, 15*time.Second, "requester to receive", hasText(requester, text, ownerUser.ID))
	})

	t.Run("No_Duplicates", func(t *testing.T) {
		seen := make(map[string]bool)
		for _, m := range requester.State().Messages {
			if seen[m.ID.String()] {
				t.Fatalf("message %s appears twice", m.ID)
			}
			seen[m.ID.String()] = true
		}
	})
}
