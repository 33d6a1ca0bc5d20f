package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/unifound/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, check the token against the backend, and try a realtime connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolvedConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", cfg.Default.BaseURL)
		fmt.Fprintf(out, "  Store:       %s\n", valueOrDefault(cfg.Default.StorePath, "(memory only)"))
		fmt.Fprintf(out, "  Send via:    %s\n", map[bool]string{true: "realtime transport", false: "REST"}[cfg.Default.TransportSend])
		if cfg.Default.StorePath != "" {
			fmt.Fprintf(out, "  Saved chats: %s\n", savedChats(cfg.Default.StorePath))
		}
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:       %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  Token:       (not set)")
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		client := newClient(cfg)
		me, err := client.Me(ctx)
		if err != nil {
			fmt.Fprintf(out, "  %s\n", style(errorStyle, "Error fetching account: "+err.Error()))
			return nil
		}
		fmt.Fprintf(out, "  User:        %s (#%d)\n", me.Name, me.ID)

		if convs, err := client.ListConversations(ctx); err == nil {
			unread := 0
			for _, c := range convs {
				unread += c.UnreadCount
			}
			fmt.Fprintf(out, "  Chats:       %d (%d unread)\n", len(convs), unread)
		}

		rt := chatsync.NewRealtimeClient(client, &chatsync.RealtimeConfig{Logger: logger, NoReconnect: true})
		defer rt.Disconnect()
		if err := rt.Connect(ctx); err != nil {
			fmt.Fprintf(out, "  Realtime:    %s\n", style(errorStyle, "unavailable: "+err.Error()))
			return nil
		}
		fmt.Fprintf(out, "  Realtime:    connected over %s\n", rt.Transport())
		return nil
	},
}

func savedChats(path string) string {
	store, err := chatsync.OpenPebbleStore(path)
	if err != nil {
		return style(errorStyle, "unreadable: "+err.Error())
	}
	defer store.Close()
	ids, err := store.CachedConversationIDs()
	if err != nil {
		return style(errorStyle, "unreadable: "+err.Error())
	}
	return strconv.Itoa(len(ids))
}

// maskToken shows the first and last 4 characters of a token.
func maskToken(tok string) string {
	if len(tok) <= 8 {
		return "****"
	}
	return tok[:4] + "..." + tok[len(tok)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
