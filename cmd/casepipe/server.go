package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/casepipe/internal/api"
	"github.com/kalambet/casepipe/internal/config"
	"github.com/kalambet/casepipe/internal/ingest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and extraction capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func listenAddr(cfg config.Config) string {
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "casepipe version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing resources: %v\n", err)
		}
	}()

	handler := api.NewAppHandler(api.AppDeps{
		Cases:     a.cases,
		Extractor: a.extractor,
		Analyzer:  a.analyzer,
		Registry:  a.registry,
		Events:    a.notifier,
		Audit:     a.audit,
		Limiter:   a.limiter,
		Token:     cfg.Server.Token,
		Keepalive: cfg.Events.Keepalive,
		Logger:    logger,
	})

	addr := listenAddr(cfg)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if cfg.Ingest.AutoExtract {
		worker := ingest.NewWorker(a.store, a.extractor, cfg.Ingest.PollInterval, cfg.Ingest.Concurrency, logger)
		go worker.Run(ctx)
		logger.Info("ingest worker started", "poll", cfg.Ingest.PollInterval, "concurrency", cfg.Ingest.Concurrency)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("casepipe listening", "addr", addr, "provider", a.provider.Name(), "auth", cfg.Server.Token != "")
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

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol, so logs go to stderr only.
	logger := newLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Cases:     a.cases,
		Extractor: a.extractor,
		Analyzer:  a.analyzer,
		Logger:    logger,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	logger.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status       string `json:"status"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Capabilities []struct {
		Name      string `json:"name"`
		Available bool   `json:"available"`
		Detail    string `json:"detail"`
	} `json:"capabilities"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := newClientFor(cfg, 2*time.Second)
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped (%s)", listenAddr(cfg))
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}

	var h healthResponse
	if err := decodeJSON(resp, &h); err != nil {
		printStatus("Server", "error (%v)", err)
		return nil
	}
	printStatus("Server", "running on %s", listenAddr(cfg))
	model := h.Model
	if model == "" {
		model = "-"
	}
	printStatus("Provider", "%s (%s)", h.Provider, model)
	for _, c := range h.Capabilities {
		state := colorize(colorGreen, "available")
		if !c.Available {
			state = colorize(colorYellow, "unavailable")
		}
		if c.Detail != "" {
			state += " - " + c.Detail
		}
		printStatus("  "+c.Name, "%s", state)
	}
	printStatus("Database", "%s", databaseLabel(cfg))
	printStatus("Blob store", "%s", cfg.Blob.Backend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func databaseLabel(cfg config.Config) string {
	if cfg.Database.DSN == "" {
		return "in-memory (fixtures)"
	}
	return cfg.Database.Driver
}
