package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zerverless/jobqueue/internal/api"
	"github.com/zerverless/jobqueue/internal/config"
	"github.com/zerverless/jobqueue/internal/db"
	"github.com/zerverless/jobqueue/internal/job"
	"github.com/zerverless/jobqueue/internal/queue"
	"github.com/zerverless/jobqueue/internal/task"
	"github.com/zerverless/jobqueue/internal/volunteer"
	"github.com/zerverless/jobqueue/internal/worker"
	"github.com/zerverless/jobqueue/internal/ws"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue with its HTTP API and websocket endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if servePort > 0 {
			cfg.HTTPPort = servePort
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// openQueue builds the configured backend. The returned cleanup releases
// resources the queue does not own.
func openQueue(cfg *config.Config) (queue.JobQueue, func(), error) {
	switch cfg.QueueBackend {
	case config.BackendRedis:
		q, err := queue.NewRedisQueue(cfg.RedisURL, queue.RedisOptions{
			Capacity:        cfg.QueueCapacity,
			CallbackWorkers: cfg.CallbackWorkers,
		})
		if err != nil {
			return nil, nil, err
		}
		return q, func() {}, nil

	case config.BackendBadger:
		dbStore, err := db.NewStore(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		store := job.NewPersistentStore(dbStore)
		q, err := queue.New(
			queue.WithStore(store),
			queue.WithCapacity(cfg.QueueCapacity),
			queue.WithCallbackWorkers(cfg.CallbackWorkers),
		)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return q, func() { store.Close() }, nil

	default:
		q, err := queue.New(
			queue.WithCapacity(cfg.QueueCapacity),
			queue.WithCallbackWorkers(cfg.CallbackWorkers),
		)
		if err != nil {
			return nil, nil, err
		}
		return q, func() {}, nil
	}
}

func serve(cfg *config.Config) error {
	log.Printf("Starting jobqueue node: %s", cfg.NodeID)
	log.Printf("HTTP port: %d, backend: %s", cfg.HTTPPort, cfg.QueueBackend)

	q, cleanup, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	vm := volunteer.NewManager()
	wsServer := ws.NewServer(vm, q, ws.Options{
		DefaultTimeout: cfg.JobTimeout,
		Grace:          cfg.JobTimeoutGrace,
	})
	router := api.NewRouter(cfg, vm, q, wsServer)

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Server listening on %s", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.LocalWorkers > 0 {
		executor := task.NewExecutor(cfg.JobTimeout)
		defer executor.Close(context.Background())
		pool := worker.NewPool(q, executor, cfg.LocalWorkers)
		log.Printf("Starting %d local workers", cfg.LocalWorkers)
		g.Go(func() error {
			pool.Run(ctx)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		q.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Println("Server stopped")
	return nil
}
