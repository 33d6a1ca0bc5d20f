package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
)

// ============================================================================
// Global flags
// ============================================================================

var (
	flagBaseURL  string
	flagToken    string
	flagLogLevel string
	flagJSON     bool

	logger       *slog.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	closeLogFile              = func() error { return nil }
)

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "lostchat",
	Short: "Lost-and-found marketplace chat CLI",
	Long: "Command-line client for the lost-and-found marketplace messaging service.\n" +
		"List conversations, chat in real time, and run a local development backend.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyEnv(cfg)
		if flagLogLevel != "" {
			cfg.Log.Level = flagLogLevel
		}
		level, err := parseLevel(cfg.Log.Level)
		if err != nil {
			return err
		}
		logger, closeLogFile = setupLogger(cfg.Log.File, level)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLogFile()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "backend address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "bearer token (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print JSON instead of text")
}

// ============================================================================
// Logging
// ============================================================================

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// setupLogger logs text to stderr and, when logFile is set, JSON to that
// file as well.
func setupLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if logFile == "" {
		return slog.New(stderrHandler), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l := slog.New(stderrHandler)
		l.Error("failed to open log file, using stderr only", "error", err, "file", logFile)
		return l, func() error { return nil }
	}
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler)), file.Close
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
