package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/canvass/canvass/internal/agent"
	"github.com/canvass/canvass/internal/anthropic"
	"github.com/canvass/canvass/internal/api"
	"github.com/canvass/canvass/internal/brief"
	"github.com/canvass/canvass/internal/config"
	"github.com/canvass/canvass/internal/eval"
	"github.com/canvass/canvass/internal/insights"
	"github.com/canvass/canvass/internal/orchestrator"
	"github.com/canvass/canvass/internal/payment"
	"github.com/canvass/canvass/internal/storage"
	"github.com/canvass/canvass/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the canvass server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running canvass server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show canvass system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "canvass.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "canvass version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.EnsureAPIToken(&cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Check if a server is already running before writing the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("canvass is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("canvass is already running on port %d", cfg.Server.Port)
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

	// Build the generation stack: one Anthropic client shared by the
	// briefer, the evaluator, and the insight aggregator.
	client := anthropic.NewClient(cfg.Anthropic.APIKey)
	if cfg.Anthropic.Model != "" {
		client.SetModel(cfg.Anthropic.Model)
	}
	runner := agent.New(client)
	briefer := brief.New(runner)
	evaluator := eval.New(runner)
	aggregator := insights.New(runner)

	var payments payment.Sender
	if cfg.Payment.BaseURL != "" {
		payments = payment.NewClient(cfg.Payment.BaseURL, cfg.Payment.APIKey, cfg.Payment.Recipient)
		slog.Info("payment provider configured", "base_url", cfg.Payment.BaseURL)
	} else {
		payments = payment.Stub{}
		slog.Warn("no payment provider configured, payments will be simulated")
	}

	flow := orchestrator.New(store, briefer, evaluator, payments, aggregator)

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Flow:     flow,
		Designer: briefer,
		Token:    apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Background insight generation.
	w := worker.NewWorker(store, flow, 500*time.Millisecond)
	go w.Run(ctx)

	// MCP server over stdio for agent clients.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Designer: briefer,
		Flow:     flow,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "canvass listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("canvass is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop canvass (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to canvass (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Model", "%s", cfg.Anthropic.Model)
	if cfg.Payment.BaseURL != "" {
		printStatus("Payments", "%s", cfg.Payment.BaseURL)
	} else {
		printStatus("Payments", "simulated (no provider configured)")
	}

	if resp != nil && resp.StatusCode == 200 {
		if c, err := newAPIClient(); err == nil {
			if listResp, err := c.get(context.Background(), "/surveys"); err == nil {
				var surveys []struct {
					ID string `json:"survey_id"`
				}
				if decodeJSON(listResp, &surveys) == nil {
					printStatus("Surveys", "%d", len(surveys))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
