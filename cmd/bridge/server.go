package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/Nightline-AI/iphone-bridge/internal/api"
	"github.com/Nightline-AI/iphone-bridge/internal/bridge"
	"github.com/Nightline-AI/iphone-bridge/internal/chatdb"
	"github.com/Nightline-AI/iphone-bridge/internal/config"
	"github.com/Nightline-AI/iphone-bridge/internal/sink"
	"github.com/Nightline-AI/iphone-bridge/internal/storage"
	"github.com/Nightline-AI/iphone-bridge/internal/watcher"
	"github.com/Nightline-AI/iphone-bridge/internal/webhook"
)

// sendLogRetention bounds how long the send log keeps rows.
const sendLogRetention = 30 * 24 * time.Hour

// maxAPIConns caps concurrent connections to the local API. Sends are
// serialized through Messages anyway.
const maxAPIConns = 64

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		mock, _ := cmd.Flags().GetBool("mock")
		return runServer(mock)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bridge status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mock", false, "run without chat.db or Messages (overrides mock.enabled)")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "bridge.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// bridgeConfig maps the loaded configuration onto the pipeline settings.
func bridgeConfig(cfg config.Config) (bridge.Config, error) {
	policy, err := watcher.ParseStartPolicy(cfg.Watcher.StartFrom)
	if err != nil {
		return bridge.Config{}, err
	}
	retry := webhook.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Delivery.MaxAttempts
	retry.InitialDelay = cfg.Delivery.InitialBackoff
	retry.MaxDelay = cfg.Delivery.MaxBackoff

	bc := bridge.Config{
		PollInterval:  cfg.Watcher.PollInterval,
		BatchLimit:    cfg.Watcher.BatchLimit,
		StartPolicy:   policy,
		EchoTTL:       cfg.Echo.TTL,
		Retry:         retry,
		EventTimeout:  cfg.Delivery.EventTimeout,
		SenderTimeout: cfg.Sender.Timeout,
	}
	if cfg.Watcher.FSNotify {
		bc.NotifyPath = cfg.Watcher.DBPath
	}
	return bc, nil
}

func runServer(forceMock bool) error {
	fmt.Fprintln(os.Stderr, versionLine())

	if forceMock {
		os.Setenv("BRIDGE_MOCK_ENABLED", "true")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	setupLogging(cfg.Log.Level)

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(localURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("bridge is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("bridge is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	if n, err := store.PruneSends(time.Now().Add(-sendLogRetention)); err != nil {
		slog.Warn("pruning send log", "error", err)
	} else if n > 0 {
		slog.Info("pruned send log", "rows", n)
	}

	bc, err := bridgeConfig(cfg)
	if err != nil {
		return err
	}

	client := webhook.NewClient(webhook.ClientOptions{
		BaseURL:        cfg.Remote.BaseURL,
		ClientID:       cfg.Remote.ClientID,
		Secret:         cfg.Remote.WebhookSecret,
		AttemptTimeout: cfg.Delivery.AttemptTimeout,
	})

	var b *bridge.Bridge
	if cfg.Mock.Enabled {
		slog.Warn("mock mode: chat.db is not read and sends are recorded in memory")
		if cfg.Remote.WebhookSecret == "" {
			slog.Warn("remote.webhook_secret is unset; authenticated endpoints will reject every request")
		}
		b = bridge.New(nil, sink.NewMockSender(), client, store, bc)
	} else {
		printStep("Watching %s", cfg.Watcher.DBPath)
		reader := chatdb.NewReader(cfg.Watcher.DBPath)
		defer reader.Close()
		b = bridge.New(reader, sink.NewAppleScriptSender(), client, store, bc)
	}

	handler := api.NewHandler(api.Deps{
		Bridge:  b,
		History: store,
		Secret:  cfg.Remote.WebhookSecret,
		Mock:    cfg.Mock.Enabled,
	})

	addr := cfg.Server.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxAPIConns)

	// The bridge outlives the HTTP server so requests still in flight during
	// Shutdown reach a running dispatcher.
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- b.Run(bridgeCtx) }()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("bridge listening", "addr", addr, "remote", client.URL(""), "mock", cfg.Mock.Enabled)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}

	// The bridge drains its delivery queue before returning.
	stopBridge()
	if err := <-bridgeDone; err != nil && !errors.Is(err, context.Canceled) && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func stopServer() error {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("bridge is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop bridge (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to bridge (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(localURL(cfg) + "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	apiC, err := newAPIClient()
	if err != nil {
		printWarning("detailed status unavailable: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	report, err := remoteBridge{client: apiC, timeout: 10 * time.Second}.Status(ctx)
	if err != nil {
		printWarning("detailed status unavailable: %v", err)
		return nil
	}
	printReport(report)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printReport(r bridge.StatusReport) {
	printStatus("Version", "%s", r.Version)
	if r.MockMode {
		printStatus("Mode", "mock")
	}
	watcherState := "stopped"
	switch {
	case r.MockMode:
		watcherState = "disabled"
	case r.WatcherRunning:
		watcherState = "running"
	}
	printStatus("Watcher", "%s (cursor %d, poll every %s, start %s)", watcherState, r.Cursor, r.PollInterval, r.StartPolicy)
	remoteState := "unreachable"
	if r.RemoteReachable {
		remoteState = "connected"
	}
	printStatus("Remote", "%s (%s)", remoteState, r.RemoteURL)
	printStatus("Uptime", "%s", (time.Duration(r.UptimeSeconds) * time.Second).String())
	printStatus("Received", "%d", r.MessagesReceived)
	printStatus("Forwarded", "%d (transient failures %d, permanent %d, dropped %d)",
		r.MessagesForwarded, r.ForwardTransientFailures, r.ForwardPermanentFailures, r.ForwardDropped)
	printStatus("Echoes suppressed", "%d", r.EchoesSuppressed)
	printStatus("Sends", "%d accepted, %d failed", r.SendsAccepted, r.SendsFailed)
	printStatus("Status updates", "%d", r.StatusUpdatesSent)
	printStatus("Poll failures", "%d", r.PollFailures)
	printStatus("Pending batches", "%d", r.PendingBatches)
	printStatus("Failed forwards", "%d", r.FailedForwards)
}
