// membankd is the context-memory daemon: an authenticated, multi-tenant
// JSON-RPC service that lets coding agents persist and retrieve a knowledge
// graph plus markdown documents over a streamable HTTP session.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/config"
)

var (
	configPath string
	logLevel   string
	logFile    string
	jsonOutput bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "membankd",
	Short: "membankd - graph memory server for coding agents",
	Long: `A multi-tenant memory bank. Agents connect over a streamable HTTP
session, record entities, observations, relations and documents, and pull
token-budgeted context packs back out. State lives in per-tenant JSONL
stores or in Postgres.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			printVersion()
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Phase 1: configuration. Flags beat env beats file beats defaults.
		if err := config.Initialize(configPath); err != nil {
			return err
		}
		applyFlagOverrides(cmd)

		// Phase 2: logging.
		logger = buildLogger(config.Current().Log)
		slog.SetDefault(logger)
		if used := config.ConfigFileUsed(); used != "" {
			logger.Debug("loaded configuration", "file", used)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: discover membank.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log to a rotating file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output command results as JSON")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

// applyFlagOverrides pushes explicitly set flags over config and env
// values. Unset flags leave the config untouched.
func applyFlagOverrides(cmd *cobra.Command) {
	if cmd.Flags().Changed("log-level") {
		config.Set("log.level", logLevel)
	}
	if cmd.Flags().Changed("log-file") {
		config.Set("log.file", logFile)
	}
}

func buildLogger(cfg config.LogSettings) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// outputJSON prints a command result for --json consumers.
func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
