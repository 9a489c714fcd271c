package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatcore/internal/api"
	"chatcore/internal/config"
	"chatcore/internal/directory"
	"chatcore/internal/logging"
	"chatcore/internal/session"
	"chatcore/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "chatcore",
	Short: "chatcore - session lifecycle coordinator for the chat UI",
	Long: `chatcore owns the client side of the conversation session lifecycle:
restore-or-create synchronization against the session directory, login/
logout/page-load sequencing, and the canonical in-memory session state,
exposed to the browser UI over a local HTTP API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chatcore.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Logging.Development {
		dev, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		logger = dev
	}

	if err := logging.Initialize(cfg.DataDir, logging.Config{
		Debug:      cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logging.CloseAll()
	logging.Boot("chatcore starting (listen=%s)", cfg.Listen)

	local, err := store.NewLocalStore(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer local.Close()

	sessionStore := session.NewStore(session.WithMarkerPersister(local))

	// Rehydrate the durable marker so a matching sync after restart can
	// adopt the prior session without network activity. Readiness stays
	// false until a lifecycle event runs.
	if marker, err := local.LoadMarker(); err != nil {
		logging.Boot("Marker rehydration failed: %v", err)
	} else if marker != nil {
		sessionStore.SetMarker(marker)
		logging.Boot("Rehydrated marker: role=%d project=%d session=%s",
			marker.RoleID, marker.ProjectID, marker.SessionID)
	}

	dirClient := directory.NewClient(cfg.Directory.BaseURL, cfg.DirectoryTimeout())
	authClient := directory.NewAuthClient(cfg.Auth.BaseURL, cfg.AuthTimeout())
	projects := directory.NewProjectCache(dirClient, cfg.ProjectCacheTTL())

	selection := session.NewSelection(local)
	selection.Hydrate()

	ctrl := session.NewController(sessionStore, dirClient, projects)
	lifecycle := session.NewManager(sessionStore, ctrl, authClient, projects, selection, local,
		session.ManagerConfig{
			DefaultRoleID:    cfg.Session.DefaultRoleID,
			HydrationTimeout: cfg.HydrationTimeout(),
		})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Page-load restore runs once at boot; later HTTP callers join it.
	go func() {
		if err := lifecycle.RestoreOnLoad(ctx); err != nil {
			logger.Warn("restore on load failed", zap.Error(err))
		}
	}()

	// Only the logging section is applied on config reload.
	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		logging.Reconfigure(logging.Config{
			Debug:      next.Logging.Debug,
			Level:      next.Logging.Level,
			Categories: next.Logging.Categories,
		})
	})
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	apiServer := api.NewServer(sessionStore, ctrl, lifecycle, selection, dirClient, projects,
		logger, cfg.WaitReadyTimeout())
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewRouter(apiServer, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Listen))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	logging.Boot("chatcore stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
