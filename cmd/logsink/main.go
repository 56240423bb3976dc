package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coffersTech/logsink/internal/config"
	"github.com/coffersTech/logsink/internal/engine"
	"github.com/coffersTech/logsink/internal/logger"
	"github.com/coffersTech/logsink/internal/render"
	"github.com/coffersTech/logsink/internal/server"
	"github.com/coffersTech/logsink/internal/storage"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Usage of logsink:\n%s", config.Usage())
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logsink: %v\n", err)
		os.Exit(2)
	}

	colored := cfg.ColorEnabled(os.Stdout)
	log, err := logger.New(cfg.LogLevel, os.Stdout, colored)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logsink: %v\n", err)
		os.Exit(2)
	}

	log.Info("Starting Logging Server...")

	// 1. Statistics, restored from the storage directory
	stats := engine.NewStats(cfg.StorageDir)

	// 2. Durable writer
	writer, err := storage.NewWriter(cfg.StorageDir, log,
		storage.WithQueueSize(cfg.QueueSize),
		storage.WithCompression(cfg.Compress),
		storage.WithObserver(stats),
	)
	if err != nil {
		log.Fatalf("Failed to create writer: %v", err)
	}
	log.Infof("Writing logs to %s", cfg.StorageDir)

	// 3. Listeners
	dispatcher := engine.NewDispatcher(log, render.New(colored), writer, stats)
	srv := server.NewIngestServer(cfg.Addr(), dispatcher, stats, log, cfg.ReadBufferSize)
	if err := srv.Listen(); err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	// 4. Retention cleaner
	cleaner := storage.NewCleaner(cfg.StorageDir, cfg.RetentionDays, log)
	if err := cleaner.Start(storage.DefaultCleanSchedule); err != nil {
		log.Fatalf("Failed to start cleaner: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stats.StartRateTicker(ctx, time.Second)

	// 5. Optional status endpoint
	var status *server.StatusServer
	if cfg.StatusAddr != "" {
		status = server.NewStatusServer(cfg.StatusAddr, stats, log)
		go func() {
			if err := status.Start(); err != nil {
				log.Errorf("Status endpoint stopped: %v", err)
			}
		}()
	}

	// Graceful Shutdown Hook
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Infof("Received signal: %v. Shutting down...", sig)
		cancel()
	}()

	if err := srv.Serve(ctx); err != nil {
		log.Errorf("Server stopped: %v", err)
	}

	log.Info("Stopping Logging Server...")
	if err := writer.Close(); err != nil {
		log.Errorf("Writer close failed: %v", err)
	}
	if err := stats.Save(); err != nil {
		log.Errorf("Failed to save stats: %v", err)
	}
	cleaner.Stop()

	if status != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := status.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Status endpoint shutdown error: %v", err)
		}
	}

	log.Info("Logging Server exited gracefully.")
}
