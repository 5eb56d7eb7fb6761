package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/cvehunter/internal/api"
	"github.com/kalambet/cvehunter/internal/config"
	"github.com/kalambet/cvehunter/internal/notes"
	"github.com/kalambet/cvehunter/internal/nvd"
	"github.com/kalambet/cvehunter/internal/ollama"
	"github.com/kalambet/cvehunter/internal/pipeline"
	"github.com/kalambet/cvehunter/internal/storage"
	"github.com/kalambet/cvehunter/internal/summary"
	"github.com/kalambet/cvehunter/internal/worker"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dashboard, chat endpoint, analysis worker and MCP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(stdio)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cvehunter system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", true, "serve MCP over stdin/stdout")
}

// app is the wired set of components shared by serve and analyze.
type app struct {
	cfg    config.Config
	store  *storage.Store
	ollama *ollama.Client
	notes  *notes.Writer
	hunter *pipeline.Hunter
}

func newApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	oc := ollama.New(cfg.Ollama.BaseURL)
	nw := notes.New(cfg.NotesDir())
	hunter := pipeline.New(
		nvd.New(cfg.NVD.BaseURL, cfg.NVD.APIKey, version),
		summary.New(oc, cfg.Ollama.Model),
		store,
		nw,
	)
	return &app{cfg: cfg, store: store, ollama: oc, notes: nw, hunter: hunter}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func runServer(stdio bool) error {
	fmt.Fprintf(os.Stderr, "cvehunter version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateChatToken(); err != nil {
		return fmt.Errorf("%w: set it with `cvehunter config set-secret chat.token <token>` or CVEHUNTER_CHAT_TOKEN", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// A missing model is not fatal: each analysis degrades to an error summary.
	if err := ollama.EnsureReady(ctx, a.ollama, cfg.Ollama.Model, os.Stderr); err != nil {
		slog.Warn("ollama not ready, summaries will fail until it is", "error", err)
	}

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: api.NewHandler(api.Deps{
			Store:     a.store,
			ChatToken: cfg.Chat.Token,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "cvehunter listening on http://%s\n", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		worker.New(a.store, a.hunter, 0).Run(gctx)
		return nil
	})

	if stdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:   a.store,
			Hunter:  a.hunter,
			Version: version,
		})
		g.Go(func() error {
			slog.Info("MCP server started (stdio transport)")
			err := server.NewStdioServer(mcpSrv).Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + cfg.Addr() + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on %s", cfg.Addr())
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.ValidateChatToken() != nil {
		printStatus("Chat token", "%s", colorize(colorYellow, "not configured"))
	} else {
		printStatus("Chat token", "configured")
	}

	oc := ollama.New(cfg.Ollama.BaseURL)
	if oc.IsRunning(ctx) {
		printStatus("Ollama", "running at %s", oc.BaseURL())
		if oc.HasModel(ctx, cfg.Ollama.Model) {
			printStatus("Model", "%s", cfg.Ollama.Model)
		} else {
			printStatus("Model", "%s (not pulled)", cfg.Ollama.Model)
		}
	} else {
		printStatus("Ollama", "not running")
		printStatus("Model", "%s", cfg.Ollama.Model)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		printStatus("Database", "error: %v", err)
	} else {
		defer store.Close()
		if n, err := store.TotalCVEs(); err != nil {
			printStatus("CVEs", "error: %v", err)
		} else {
			printStatus("CVEs", "%d analyzed", n)
		}
		if versions, err := store.AppliedMigrations(); err == nil {
			printStatus("Migrations", "%v", versions)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Notes dir", "%s", cfg.NotesDir())
	return nil
}
