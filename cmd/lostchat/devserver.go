package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/unifound/chatsync/internal/devserver"
)

var (
	devAddr  string
	devNoWS  bool
	devSeed  bool
	devSSEHB time.Duration
)

func init() {
	devserverCmd.Flags().StringVar(&devAddr, "addr", ":8080", "listen address")
	devserverCmd.Flags().BoolVar(&devNoWS, "no-ws", false, "refuse WebSocket upgrades so clients fall back to SSE")
	devserverCmd.Flags().BoolVar(&devSeed, "seed", true, "create demo users, items and a conversation")
	devserverCmd.Flags().DurationVar(&devSSEHB, "sse-heartbeat", 15*time.Second, "interval between SSE keep-alive comments")
	rootCmd.AddCommand(devserverCmd)
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory chat backend for local development",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := devserver.New(devserver.Options{
			Logger:           logger,
			DisableWebSocket: devNoWS,
			SSEHeartbeat:     devSSEHB,
		})
		out := cmd.OutOrStdout()
		if devSeed {
			d := srv.SeedDemo()
			fmt.Fprintln(out, "Demo users:")
			fmt.Fprintf(out, "  Alice  %s\n", devserver.Token(d.Alice))
			fmt.Fprintf(out, "  Bob    %s\n", devserver.Token(d.Bob))
			fmt.Fprintf(out, "  Carol  %s\n", devserver.Token(d.Carol))
			fmt.Fprintf(out, "Demo conversation: %d (umbrella item %d, ID card item %d)\n", d.Conversation, d.Umbrella, d.IDCard)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		httpSrv := &http.Server{
			Addr:              devAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()
		fmt.Fprintf(out, "Listening on %s\n", devAddr)

		select {
		case err := <-errCh:
			if isAddrInUse(err) {
				return fmt.Errorf("cannot listen on %s (address in use?): %w", devAddr, err)
			}
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Open SSE streams keep Shutdown waiting until the deadline.
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("forced shutdown", "error", err)
			httpSrv.Close()
		}
		fmt.Fprintln(out, "Stopped")
		return nil
	},
}
