package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/Nightline-AI/iphone-bridge/internal/api"
	"github.com/Nightline-AI/iphone-bridge/internal/config"
	"github.com/Nightline-AI/iphone-bridge/internal/sink"
	"github.com/Nightline-AI/iphone-bridge/internal/storage"
)

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send <phone> <text>",
	Short: "Send a message through the running bridge",
	Long: `Send a message through the running bridge.

Examples:
  bridge send +15551234567 "On my way"
  bridge send someone@icloud.com "See you at 6"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		phone := args[0]
		text := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runSend(cmd.Context(), client, phone, text)
	},
}

func runSend(ctx context.Context, client *apiClient, phone, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out, _, err := client.send(ctx, phone, text)
	if err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("send failed: %s", out.Error)
	}
	printSuccess("Sent %s", out.MessageID)
	return nil
}

// --- failures ---

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Inspect webhook deliveries the bridge gave up on",
}

var failuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed forwards, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		rows, err := remoteBridge{client: client, timeout: 30 * time.Second}.ListFailedForwards(limit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			printSuccess("No failed forwards")
			return nil
		}
		return writeFailures(os.Stdout, rows)
	},
}

func writeFailures(w io.Writer, rows []storage.FailedForward) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tEVENT\tPHONE\tMESSAGE\tATTEMPTS\tREASON\tLAST ERROR")
	for _, f := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			f.CreatedAt.Local().Format(time.DateTime), f.Event, f.Phone, f.MessageID,
			f.Attempts, f.Reason, sink.Truncate(f.LastError, 60))
	}
	return tw.Flush()
}

func init() {
	failuresListCmd.Flags().Int("limit", 20, "maximum number of rows to list")
	failuresCmd.AddCommand(failuresListCmd)
}

// --- sends ---

var sendsCmd = &cobra.Command{
	Use:   "sends",
	Short: "Inspect the outbound send log",
}

var sendsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sends, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		rows, err := remoteBridge{client: client, timeout: 30 * time.Second}.GetRecentSends(limit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			printSuccess("No sends recorded")
			return nil
		}
		return writeSends(os.Stdout, rows)
	},
}

func writeSends(w io.Writer, rows []storage.SentMessage) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tID\tPHONE\tOK\tTEXT")
	for _, m := range rows {
		status := "yes"
		if !m.Success {
			status = "no: " + sink.Truncate(m.Error, 40)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			m.CreatedAt.Local().Format(time.DateTime), m.ID, m.Phone, status, sink.Truncate(m.Text, 50))
	}
	return tw.Flush()
}

func init() {
	sendsListCmd.Flags().Int("limit", 20, "maximum number of rows to list")
	sendsCmd.AddCommand(sendsListCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the bridge over MCP (stdio), backed by the running bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		rb := remoteBridge{client: client, timeout: 30 * time.Second}
		mcpSrv := api.NewMCPServer(api.MCPDeps{Bridge: rb, History: rb})

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		stdioSrv := server.NewStdioServer(mcpSrv)
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadUnvalidated()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		if err := cfg.Validate(); err != nil {
			printWarning("%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value.\n\nValid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if key == "remote.webhook_secret" {
			printSuccess("Stored %s in the platform secret store", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
