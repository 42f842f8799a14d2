package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Nightline-AI/iphone-bridge/internal/bridge"
)

var version = bridge.Version

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "bridge",
	Short:         "Relay iMessage/SMS between this Mac and a Nightline server",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(sendCmd, failuresCmd, sendsCmd, configCmd, mcpCmd)
}

func main() {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		noColor = true
	}
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// parseLevel maps log.level to a slog level; unknown values mean info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogging(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})))
}

func versionLine() string {
	return fmt.Sprintf("iphone-bridge version %s", version)
}
