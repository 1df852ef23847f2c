package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zerverless/jobqueue/internal/task"
	"github.com/zerverless/jobqueue/internal/worker"
)

var (
	workerHeartbeat time.Duration
	workerTimeout   time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker [url]",
	Short: "Connect to a jobqueue server and execute jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := "ws://localhost:8000/ws/volunteer"
		if len(args) > 0 {
			url = args[0]
		}

		executor := task.NewExecutor(workerTimeout)
		defer executor.Close(context.Background())

		w := worker.NewWithOptions(url, executor, worker.Options{
			HeartbeatInterval: workerHeartbeat,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Printf("Starting worker, connecting to %s", url)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Println("Worker stopped")
		return nil
	},
}

func init() {
	workerCmd.Flags().DurationVar(&workerHeartbeat, "heartbeat", 30*time.Second, "Heartbeat interval")
	workerCmd.Flags().DurationVar(&workerTimeout, "timeout", task.DefaultTimeout, "Default task timeout")
	rootCmd.AddCommand(workerCmd)
}
