package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run the task-terminated event consumer standalone",
	Long:  `Run the Reconciler's SQS long-poll loop as its own process, separate from the HTTP front door, so event consumption can scale independently of request volume.`,
	RunE:  runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	application, err := buildApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	application.pool.Start()
	defer application.pool.Stop()

	application.log.Info("starting outpost reconciler")
	if err := application.recon.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reconciler error: %w", err)
	}

	application.log.Info("reconciler stopped")
	return nil
}
