package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/outpostrun/outpost/internal/api"
	"github.com/outpostrun/outpost/internal/artifacts"
)

var serverCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  `Start the dispatch control plane's HTTP front door (Echo) plus its background warm-pool reaper.`,
	RunE:  runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	application, err := buildApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	application.pool.Start()
	defer application.pool.Stop()

	go runArtifactSweeper(ctx, application.arts, cfg.Artifacts.SweepInterval, application.log)

	server := api.New(cfg, application.orch, application.store, application.tracker, application.arts, application.health, application.log)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		application.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// runArtifactSweeper periodically enforces artifact retention (§4.6's
// sweep_expired, "intended for periodic invocation") for as long as ctx
// stays alive, the same "background ticker alongside the server" shape
// as warmpool's idle reaper.
func runArtifactSweeper(ctx context.Context, arts *artifacts.Store, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, freed, err := arts.SweepExpired(ctx)
			if err != nil {
				log.Warn("artifact retention sweep failed", "error", err)
				continue
			}
			log.Info("artifact retention sweep complete", "deleted_count", deleted, "freed_bytes", freed)
		}
	}
}
