// Meetingd is a meeting transcript indexing daemon.
//
// This binary pulls meeting transcripts from the configured provider, stores
// rendered copies, chunks and embeds them, and serves search over HTTP.
//
// Configuration is loaded from an optional YAML file plus environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	meetingd
//
//	# Configure via file and environment
//	FIREFLIES_API_KEY=... meetingd -config meetingd.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/meetingd/internal/blobstore"
	"github.com/fyrsmithlabs/meetingd/internal/chunker"
	"github.com/fyrsmithlabs/meetingd/internal/config"
	"github.com/fyrsmithlabs/meetingd/internal/embeddings"
	"github.com/fyrsmithlabs/meetingd/internal/fireflies"
	"github.com/fyrsmithlabs/meetingd/internal/http"
	"github.com/fyrsmithlabs/meetingd/internal/logging"
	"github.com/fyrsmithlabs/meetingd/internal/metastore"
	"github.com/fyrsmithlabs/meetingd/internal/orchestrator"
	"github.com/fyrsmithlabs/meetingd/internal/retriever"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("meetingd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// run wires all components and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting meetingd",
		zap.String("version", version),
		zap.String("commit", gitCommit))

	meta, err := metastore.Open(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer func() { _ = meta.Close() }()

	blobs, err := blobstore.New(cfg.Blobs, logger)
	if err != nil {
		return fmt.Errorf("initializing blob store: %w", err)
	}

	source, err := fireflies.NewClient(cfg.Fireflies, logger)
	if err != nil {
		return fmt.Errorf("initializing transcript client: %w", err)
	}

	splitter, err := chunker.New(cfg.Chunking)
	if err != nil {
		return fmt.Errorf("initializing chunker: %w", err)
	}

	embedder, err := embeddings.NewService(cfg.Embeddings, logger)
	if err != nil {
		return fmt.Errorf("initializing embedding service: %w", err)
	}

	orch, err := orchestrator.NewService(source, blobs, meta, splitter, embedder, cfg.Sync, logger)
	if err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}

	searcher, err := retriever.New(meta, embedder, logger)
	if err != nil {
		return fmt.Errorf("initializing retriever: %w", err)
	}

	server, err := http.NewServer(orch, searcher, meta, logger, cfg.Server)
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	// Periodic sync schedule. Run exits when the context is cancelled.
	go func() {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
