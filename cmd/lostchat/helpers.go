package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/unifound/chatsync"
)

// ============================================================================
// Client construction
// ============================================================================

// app bundles everything a chat command needs.
type app struct {
	cfg         *Config
	client      *chatsync.Client
	rt          *chatsync.RealtimeClient
	session     *chatsync.Session
	store       chatsync.Store
	me          *chatsync.User
	stopMetrics func()
}

func resolvedConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)
	if flagBaseURL != "" {
		cfg.Default.BaseURL = flagBaseURL
	}
	if flagToken != "" {
		cfg.Auth.Token = flagToken
	}
	if cfg.Default.BaseURL == "" {
		cfg.Default.BaseURL = chatsync.DefaultBaseURL
	}
	return cfg, nil
}

func newClient(cfg *Config) *chatsync.Client {
	return chatsync.NewClient(
		chatsync.WithBaseURL(cfg.Default.BaseURL),
		chatsync.WithToken(cfg.Auth.Token),
		chatsync.WithClientLogger(logger),
	)
}

// openApp authenticates and starts a session. With realtime false the
// session runs over REST only, which suits one-shot commands.
func openApp(ctx context.Context, realtime bool) (*app, error) {
	cfg, err := resolvedConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Token == "" {
		return nil, errors.New("no token configured; run 'lostchat init <base-url> <token>' first")
	}

	a := &app{cfg: cfg, client: newClient(cfg), stopMetrics: func() {}}
	a.me, err = a.client.Me(ctx)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics := chatsync.NewMetrics(reg)
	if cfg.Default.MetricsAddr != "" {
		a.stopMetrics = serveMetrics(cfg.Default.MetricsAddr, reg)
	}

	opts := []chatsync.SessionOption{
		chatsync.WithLogger(logger),
		chatsync.WithMetrics(metrics),
		chatsync.WithTransportSend(cfg.Default.TransportSend),
	}
	if cfg.Default.StorePath != "" {
		store, err := chatsync.OpenPebbleStore(cfg.Default.StorePath)
		if err != nil {
			return nil, err
		}
		a.store = store
		opts = append(opts, chatsync.WithSessionStore(store))
	}

	var transport chatsync.Transport
	if realtime {
		a.rt = chatsync.NewRealtimeClient(a.client, &chatsync.RealtimeConfig{Logger: logger, Metrics: metrics})
		transport = a.rt
	}
	a.session = chatsync.NewSession(a.client, transport, opts...)
	if err := a.session.Start(ctx, a.me); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	a.session.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}
	a.stopMetrics()
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}

// ============================================================================
// Rendering
// ============================================================================

var (
	styled = term.IsTerminal(int(os.Stdout.Fd()))

	unreadStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F59E0B"))
	selfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	otherStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
)

func style(s lipgloss.Style, text string) string {
	if !styled {
		return text
	}
	return s.Render(text)
}

func formatConversation(c chatsync.Conversation) string {
	line := fmt.Sprintf("%4d  %-32s  %s", c.ID, truncate(c.ItemTitle, 32), c.CounterpartName)
	if c.UnreadCount > 0 {
		line += "  " + style(unreadStyle, fmt.Sprintf("(%d unread)", c.UnreadCount))
	}
	if c.LastMessage != "" {
		when := ""
		if c.LastMessageAt != nil {
			when = humanize.Time(*c.LastMessageAt) + ": "
		}
		line += "\n      " + style(mutedStyle, when+truncate(c.LastMessage, 60))
	}
	return line
}

func formatMessage(m chatsync.Message, selfID int64, counterpart string) string {
	who, st := counterpart, otherStyle
	if m.SenderID == selfID {
		who, st = "you", selfStyle
	}
	ts := m.CreatedAt.Local().Format("15:04")
	line := fmt.Sprintf("[%s] %s: %s", ts, style(st, who), m.Text)
	if m.Pending() {
		line += " " + style(mutedStyle, "(sending)")
	}
	return line
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "listen"
}
