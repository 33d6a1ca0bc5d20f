package chatsync

import "log/slog"

// Outcome is the classification of one inbound push message.
type Outcome int

const (
	// OutcomeOtherConversation: the event targets a conversation that is not open.
	OutcomeOtherConversation Outcome = iota + 1
	// OutcomeDuplicate: the message is already in the timeline.
	OutcomeDuplicate
	// OutcomeConfirmed: the event confirmed a pending local send.
	OutcomeConfirmed
	// OutcomeAppended: the message was new and appended at the tail.
	OutcomeAppended
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOtherConversation:
		return "other_conversation"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeAppended:
		return "appended"
	default:
		return "unknown"
	}
}

// Reconcile classifies ev against tl, the timeline of the open conversation
// (nil when none is open), and applies exactly one outcome:
//
//  1. other conversation: ignored for the timeline
//  2. a confirmed entry already has the server id: ignored
//  3. a pending entry matches: upgraded in place. The correlation id is
//     matched first; events without one fall back to the most recent
//     pending entry from the same sender with the same text
//  4. otherwise: appended unread
//
// Because REST confirmation and push delivery race, whichever arrives
// second hits branch 2 or the idempotent path of ConfirmSend, so the
// result is the same in either order.
func Reconcile(tl *Timeline, ev MessageEvent) Outcome {
	if tl == nil || tl.conversationID != ev.ConversationID {
		return OutcomeOtherConversation
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()

	if tl.indexOfServerID(ev.MessageID) >= 0 {
		return OutcomeDuplicate
	}

	msg := ev.Message()
	if i := tl.indexOfClientID(ev.ClientID); i >= 0 {
		if !tl.entries[i].Pending() {
			// Confirmed by REST under another id; the correlation id wins.
			return OutcomeDuplicate
		}
		tl.entries[i] = upgraded(tl.entries[i], msg)
		return OutcomeConfirmed
	}
	if ev.ClientID == "" {
		if i := tl.latestPendingMatch(ev.SenderID, ev.Text); i >= 0 {
			tl.entries[i] = upgraded(tl.entries[i], msg)
			return OutcomeConfirmed
		}
	}

	tl.entries = append(tl.entries, msg)
	return OutcomeAppended
}

// Reconciler runs Reconcile for every push message and raises the refresh
// signal after each one, whatever the outcome.
type Reconciler struct {
	signal  *RefreshSignal
	metrics *Metrics
	logger  *slog.Logger
}

// NewReconciler creates a reconciler raising signal. metrics and logger may be nil.
func NewReconciler(signal *RefreshSignal, metrics *Metrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		signal:  signal,
		metrics: orNewMetrics(metrics),
		logger:  orDiscard(logger),
	}
}

// Apply reconciles ev against the open timeline.
func (r *Reconciler) Apply(tl *Timeline, ev MessageEvent) Outcome {
	outcome := Reconcile(tl, ev)
	r.metrics.Reconcile.WithLabelValues(outcome.String()).Inc()
	r.logger.Debug("reconciled push message",
		"conversation_id", ev.ConversationID, "message_id", ev.MessageID, "outcome", outcome.String())
	if r.signal != nil {
		r.signal.Raise()
	}
	return outcome
}
