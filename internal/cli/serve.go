package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mediad/internal/mediad/blob"
	"mediad/internal/mediad/catalog"
	"mediad/internal/mediad/enrich"
	"mediad/internal/mediad/events"
	"mediad/internal/mediad/ingest"
	"mediad/internal/mediad/queue"
	"mediad/internal/mediad/quota"
	"mediad/internal/mediad/server"
	"mediad/internal/mediad/session"
	"mediad/pkg/config"
	"mediad/pkg/logger"
)

func newServeCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the media ingestion daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dataDir)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "/var/lib/mediad/blobs",
		"Directory for locally stored blobs")

	return cmd
}

func runServe(dataDir string) error {
	cfg, cfgPath, err := config.LoadConfig()
	if err != nil {
		return err
	}

	if level, err := logger.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormat(cfg.Logging.Format)

	log := logger.WithField("component", "serve")
	if cfgPath == "" {
		cfgPath = "built-in defaults"
	}
	log.Info("starting mediad", "config", cfgPath, "addr", cfg.GetServerAddress())

	// composition root: one bus instance injected everywhere
	bus := events.New(cfg.Events.MaxListeners)

	blobs, err := blob.NewLocalStore(dataDir)
	if err != nil {
		return err
	}

	mediaCatalog := catalog.NewMemory()
	ledger := quota.New(cfg.Quota, mediaCatalog, bus)
	sessions := session.New(cfg.Upload, bus)
	jobs := queue.New(cfg.Queue, bus)
	enrich.RegisterBuiltins(jobs, blobs)

	ingestSvc := ingest.New(sessions, ledger, blobs, mediaCatalog, jobs, bus)
	handler := server.NewHandler(sessions, ledger, jobs, ingestSvc)
	srv := server.New(cfg.Server, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions.Start(ctx)
	jobs.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown did not complete cleanly", "error", err)
	}

	jobs.Stop()
	sessions.Stop()

	log.Info("mediad stopped")
	return nil
}
