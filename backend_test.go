package chatsync

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/unifound/chatsync/internal/devserver"
)

// ============================================================================
// Test Helpers
// ============================================================================

// backend is a dev backend served over httptest, seeded with the demo data:
// Alice owns the umbrella item and Bob asked about it in Demo.Conversation,
// leaving two messages unread for Alice.
type backend struct {
	srv  *devserver.Server
	ts   *httptest.Server
	demo devserver.Demo
}

func newBackend(t *testing.T, opts devserver.Options) *backend {
	t.Helper()
	srv := devserver.New(opts)
	b := &backend{srv: srv, demo: srv.SeedDemo()}
	b.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		b.ts.CloseClientConnections()
		b.ts.Close()
	})
	return b
}

func (b *backend) client(userID int64) *Client {
	return NewClient(WithBaseURL(b.ts.URL), WithToken(devserver.Token(userID)), WithTimeout(5*time.Second))
}

func (b *backend) realtime(t *testing.T, userID int64, cfg RealtimeConfig) *RealtimeClient {
	t.Helper()
	if cfg.ReconnectBaseDelay == 0 {
		cfg.ReconnectBaseDelay = 20 * time.Millisecond
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = 200 * time.Millisecond
	}
	rt := NewRealtimeClient(b.client(userID), &cfg)
	t.Cleanup(func() { rt.Disconnect() })
	return rt
}

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)
