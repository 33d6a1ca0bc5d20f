package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/unifound/chatsync"
)

const commandTimeout = 15 * time.Second

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(startCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations with unread counts",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		convs, err := a.session.Conversations(ctx)
		if err != nil && convs == nil {
			return err
		}
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), style(errorStyle, "offline, showing saved list: "+err.Error()))
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), convs)
		}
		if len(convs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No conversations found.")
			return nil
		}
		for _, c := range convs {
			fmt.Fprintln(cmd.OutOrStdout(), formatConversation(c))
		}
		if total := a.session.State().TotalUnread; total > 0 {
			fmt.Fprintln(cmd.OutOrStdout(), style(unreadStyle, fmt.Sprintf("%d unread in total", total)))
		}
		return nil
	},
}

// ============================================================================
// open (interactive)
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Open a conversation and chat interactively",
	Long: "Open a conversation, print its history and follow new messages in real time.\n" +
		"Each input line is sent as a message. Type /reload to fetch the history again,\n" +
		"/read to mark the conversation read and /quit to leave.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		startCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		a, err := openApp(startCtx, true)
		cancel()
		if err != nil {
			return err
		}
		defer a.Close()

		return chat(ctx, a, id, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

// printer writes each timeline entry once, keyed by its correlation id
// when it has one so a confirmed send is not printed twice.
type printer struct {
	mu          sync.Mutex
	out         io.Writer
	selfID      int64
	counterpart string
	printed     map[string]bool
	connected   bool
}

func messageKey(m chatsync.Message) string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return m.ID.String()
}

func (p *printer) render(st chatsync.SessionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st.Connected != p.connected {
		p.connected = st.Connected
		status := "disconnected, retrying"
		if st.Connected {
			status = "connected"
		}
		fmt.Fprintln(p.out, style(mutedStyle, "-- "+status))
	}
	for _, m := range st.Messages {
		k := messageKey(m)
		if p.printed[k] {
			continue
		}
		p.printed[k] = true
		fmt.Fprintln(p.out, formatMessage(m, p.selfID, p.counterpart))
	}
}

func chat(ctx context.Context, a *app, id int64, in io.Reader, out io.Writer) error {
	loadErr := a.session.SelectConversation(ctx, id)
	if loadErr != nil && (chatsync.IsNotFound(loadErr) || a.session.State().ActiveConversation != id) {
		return fmt.Errorf("open conversation %d: %w", id, loadErr)
	}

	counterpart := "them"
	if _, err := a.session.Conversations(ctx); err != nil {
		logger.Debug("conversation list unavailable", "error", err)
	}
	if conv, ok := a.session.Cache().Get(id); ok {
		counterpart = conv.CounterpartName
		fmt.Fprintf(out, "%s with %s\n", style(unreadStyle, conv.ItemTitle), conv.CounterpartName)
	}

	p := &printer{out: out, selfID: a.me.ID, counterpart: counterpart, printed: make(map[string]bool), connected: true}
	p.render(a.session.State())
	if loadErr != nil {
		fmt.Fprintln(out, style(errorStyle, fmt.Sprintf("history unavailable (%v); type /reload to retry", loadErr)))
	}
	unsubscribe := a.session.OnChange(p.render)
	defer unsubscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "/quit", "/q":
				return nil
			case "/read":
				a.session.MarkRead(ctx, id)
				continue
			case "/reload":
				reloadCtx, cancel := context.WithTimeout(ctx, commandTimeout)
				err := a.session.Reload(reloadCtx)
				cancel()
				if err != nil {
					fmt.Fprintln(out, style(errorStyle, "reload failed: "+err.Error()))
				}
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, commandTimeout)
			_, err := a.session.Send(sendCtx, line)
			cancel()
			var sendErr *chatsync.SendError
			switch {
			case errors.As(err, &sendErr):
				fmt.Fprintln(out, style(errorStyle, fmt.Sprintf("not sent (%v); draft kept: %s", sendErr.Err, sendErr.Draft)))
			case err != nil:
				fmt.Fprintln(out, style(errorStyle, err.Error()))
			}
		}
	}
}

// ============================================================================
// One-shot commands
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		if err := chatsync.ValidateText(text); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.session.SelectConversation(ctx, id); err != nil {
			return err
		}
		msg, err := a.session.Send(ctx, text)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), msg)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent message %s\n", msg.ID)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.session.Cache().MarkRead(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conversation %d marked read\n", id)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation and all its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.session.DeleteConversation(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conversation %d deleted\n", id)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <item-id>",
	Short: "Start (or reopen) the conversation about an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		itemID, err := parseID(args[0], "item id")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		existing, err := a.session.Cache().FindByItem(ctx, itemID)
		if err != nil {
			return err
		}
		conv, err := a.session.StartConversation(ctx, itemID)
		if err != nil {
			return err
		}
		if existing != nil && !flagJSON {
			fmt.Fprintln(cmd.OutOrStdout(), style(mutedStyle, "You already have a conversation about this item."))
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), conv)
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatConversation(*conv))
		return nil
	},
}
