package chatsync

import (
	"context"
	"errors"
	"log/slog"
)

// ReadTracker keeps unread state consistent across the open timeline, the
// conversation list and the backend. Every mark is sent on both channels:
// the transport read marker, and REST as the durable fallback. Failures are
// logged and never returned; the next interaction repeats the mark.
type ReadTracker struct {
	transport Transport
	cache     *ConversationCache
	metrics   *Metrics
	logger    *slog.Logger
}

// NewReadTracker creates a tracker. transport may be nil for REST-only use.
func NewReadTracker(transport Transport, cache *ConversationCache, metrics *Metrics, logger *slog.Logger) *ReadTracker {
	return &ReadTracker{
		transport: transport,
		cache:     cache,
		metrics:   orNewMetrics(metrics),
		logger:    orDiscard(logger).With("component", "readstate"),
	}
}

// OnOpen marks a just-opened conversation read when it has unread
// counterpart messages, either in the loaded timeline or according to the
// list. It reports whether a mark was sent.
func (r *ReadTracker) OnOpen(ctx context.Context, tl *Timeline, selfID int64) bool {
	unread := tl.HasUnreadFrom(selfID)
	if conv, ok := r.cache.Get(tl.ConversationID()); ok && conv.UnreadCount > 0 {
		unread = true
	}
	if !unread {
		return false
	}
	r.mark(ctx, tl, selfID)
	return true
}

// OnInbound marks the open conversation read after a counterpart message
// was appended to it, since the message is presumed seen. Self-sent
// messages are ignored.
func (r *ReadTracker) OnInbound(ctx context.Context, tl *Timeline, ev MessageEvent, selfID int64) bool {
	if ev.SenderID == selfID || ev.ConversationID != tl.ConversationID() {
		return false
	}
	r.mark(ctx, tl, selfID)
	return true
}

func (r *ReadTracker) mark(ctx context.Context, tl *Timeline, selfID int64) {
	id := tl.ConversationID()
	tl.MarkRead(selfID)

	if r.transport != nil {
		err := r.transport.MarkRead(ctx, id)
		switch {
		case errors.Is(err, ErrNotConnected):
			r.logger.Debug("transport read marker skipped", "conversation_id", id)
		case err != nil:
			r.metrics.ReadMarks.WithLabelValues("transport", "error").Inc()
			r.logger.Warn("transport read marker failed", "conversation_id", id, "error", err)
		default:
			r.metrics.ReadMarks.WithLabelValues("transport", "ok").Inc()
		}
	}

	err := r.cache.MarkRead(ctx, id)
	r.metrics.ReadMarks.WithLabelValues("rest", resultLabel(err)).Inc()
	if err != nil {
		r.logger.Warn("mark read failed", "conversation_id", id, "error", err)
	}
}
