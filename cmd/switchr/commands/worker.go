package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/switchr/internal/logger"
	"github.com/bryanchriswhite/switchr/internal/orchestrator"
	"github.com/bryanchriswhite/switchr/internal/worker"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one isolated scan cycle",
	Long:   `Read one scan request from stdin, run the isolated providers and write their results to stdout as JSON lines. Launched by the host; not meant to be run by hand.`,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	if id := os.Getenv(orchestrator.CycleEnv); id != "" {
		logger.AddField("cycle", id)
	}
	log := logger.WithComponent("worker")

	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, release, err := openSettings(configMgr)
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Debug().Int("pid", os.Getpid()).Msg("Worker started")
	if err := worker.New(catalogFor(cfg), store).Run(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}
