package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonathan/asset-pipeline/internal/config"
	"github.com/jonathan/asset-pipeline/internal/db"
	"github.com/jonathan/asset-pipeline/internal/server"
	"github.com/jonathan/asset-pipeline/internal/server/ratelimit"
	"github.com/jonathan/asset-pipeline/internal/storage"
	"github.com/spf13/cobra"
)

// shutdownGrace bounds how long running tasks may finish after a signal
const shutdownGrace = 30 * time.Second

var (
	servePort       int
	serveNoRecover  bool
	serveFilePrefix string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server exposing the asset processing endpoints.

Assets left PROCESSING by a previous process for longer than stale_after are
moved to ERROR on startup. When storage_root is set, signed downloads are
served from that directory under --files-prefix.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoRecover, "no-recover", false, "Skip the stale run sweep at startup")
	serveCmd.Flags().StringVar(&serveFilePrefix, "files-prefix", "/files/", "Path prefix for signed storage downloads")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jwtConfig, err := config.NewJWTConfig()
	if err != nil {
		return fmt.Errorf("failed to create JWT config: %w", err)
	}

	a, err := newApp(ctx, modeProcess)
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		a.Close(drainCtx)
	}()

	if a.cfg.RunMigration {
		if err := db.MigrateUp(a.cfg.DatabaseURL); err != nil {
			return err
		}
		a.logger.Info("migrations applied")
	}

	if !serveNoRecover {
		recovered, err := a.controller.RecoverStale(ctx, a.cfg.StaleAfter.Std())
		if err != nil {
			return fmt.Errorf("failed to recover stale runs: %w", err)
		}
		if len(recovered) > 0 {
			a.logger.Warn("recovered interrupted runs", "count", len(recovered), "older_than", a.cfg.StaleAfter.Std())
		}
	}

	port := a.cfg.Port
	if servePort > 0 {
		port = servePort
	}

	deps := server.Deps{
		Processor:   a.controller,
		Assets:      a.db,
		Transcripts: a.transcripts,
		Tokens:      server.NewJWTService(jwtConfig).AsTokenValidator(),
		Logger:      a.logger,
	}
	if a.cfg.StorageRoot != "" {
		deps.Files = storage.NewFileServer(a.cfg.StorageRoot, serveFilePrefix, a.resolver, a.logger)
	}

	srv := server.New(server.Config{
		Port:          port,
		EventInterval: min(a.cfg.PollInterval.Std(), 2*time.Second),
		FilesPrefix:   serveFilePrefix,
		RateLimit:     ratelimit.LoadConfig(),
	}, deps)
	return srv.Run(ctx)
}
