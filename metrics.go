package chatsync

import (
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by the sync layer.
type Metrics struct {
	Reconcile     *prometheus.CounterVec
	Sends         *prometheus.CounterVec
	ReadMarks     *prometheus.CounterVec
	Connections   *prometheus.CounterVec
	Reconnects    prometheus.Counter
	ListRefreshes *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reconcile: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconcile_total",
			Help:      "Inbound push messages by reconciliation outcome",
		}, []string{"outcome"}),
		Sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Message sends by dispatch path and result",
		}, []string{"path", "result"}),
		ReadMarks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "read_marks_total",
			Help:      "Mark-read signals by channel and result",
		}, []string{"channel", "result"}),
		Connections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "transport_connections_total",
			Help:      "Established push connections by transport",
		}, []string{"transport"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "transport_reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts",
		}),
		ListRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "conversation_list_fetches_total",
			Help:      "Conversation list fetches by result",
		}, []string{"result"}),
	}
}

func orNewMetrics(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return NewMetrics(nil)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return discardLogger()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
