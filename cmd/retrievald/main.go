// Retrievald is the multimodal retrieval and context-assembly daemon.
//
// It fans vector similarity searches out across per-modality Qdrant
// collections, enriches the hits from the metadata store, assembles a
// citation-bearing context bundle, and persists search sessions.
//
// Configuration is loaded from an optional YAML file and environment
// variables. See internal/config for the recognised options.
//
// Usage:
//
//	# Start with defaults
//	retrievald
//
//	# Configure via environment
//	SERVER_PORT=8004 QDRANT_HOST=localhost retrievald
//
//	# Configure via file
//	retrievald -config /etc/retrievald/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/retrievald/internal/blobstore"
	"github.com/fyrsmithlabs/retrievald/internal/config"
	"github.com/fyrsmithlabs/retrievald/internal/embedclient"
	"github.com/fyrsmithlabs/retrievald/internal/httpapi"
	"github.com/fyrsmithlabs/retrievald/internal/logging"
	"github.com/fyrsmithlabs/retrievald/internal/metadata"
	"github.com/fyrsmithlabs/retrievald/internal/retrieval"
	"github.com/fyrsmithlabs/retrievald/internal/vectorindex"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  retrievald            Start the retrieval daemon\n")
			fmt.Fprintf(os.Stderr, "  retrievald version    Show version information\n")
			os.Exit(1)
		}
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

func printVersion() {
	fmt.Printf("retrievald\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run initializes all dependencies and blocks until ctx is cancelled:
//
//  1. Load and validate configuration
//  2. Initialize logger and metrics registry
//  3. Open the metadata store and vector index (ensuring collections)
//  4. Create the blob store and embedding client
//  5. Wire the retrieval engine and HTTP server
//  6. Start the background session pruner
//  7. Graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting retrievald",
		zap.String("version", version),
		zap.Int("vector_size", cfg.Qdrant.VectorSize),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := metadata.OpenSQLite(cfg.Metadata.Path)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer func() { _ = store.Close() }()

	index, err := vectorindex.NewQdrantIndex(vectorindex.QdrantConfig{
		Host:   cfg.Qdrant.Host,
		Port:   cfg.Qdrant.Port,
		UseTLS: cfg.Qdrant.UseTLS,
		Collections: map[vectorindex.Modality]string{
			vectorindex.ModalityText:  cfg.Qdrant.CollectionText,
			vectorindex.ModalityImage: cfg.Qdrant.CollectionImage,
			vectorindex.ModalityVideo: cfg.Qdrant.CollectionVideo,
		},
		VectorSize:             cfg.Qdrant.VectorSize,
		MaxRetries:             cfg.Qdrant.MaxRetries,
		RetryBackoff:           cfg.Qdrant.RetryBackoff,
		SearchTimeout:          cfg.Qdrant.SearchTimeout,
		ConcurrencyPerModality: cfg.Qdrant.ConcurrencyPerModality,
	}, logger.Named("vectorindex"))
	if err != nil {
		return fmt.Errorf("connecting to vector index: %w", err)
	}
	defer func() { _ = index.Close() }()

	if err := index.EnsureCollections(ctx); err != nil {
		return fmt.Errorf("ensuring vector collections: %w", err)
	}

	blobs, err := blobstore.NewMinIOStore(ctx, blobstore.MinIOConfig{
		Endpoint:  cfg.BlobStore.Endpoint,
		AccessKey: cfg.BlobStore.AccessKey,
		SecretKey: cfg.BlobStore.SecretKey.Value(),
		Bucket:    cfg.BlobStore.Bucket,
		UseSSL:    cfg.BlobStore.UseSSL,
		URLExpiry: cfg.BlobStore.URLExpiry,
	}, logger.Named("blobstore"))
	if err != nil {
		return fmt.Errorf("connecting to blob store: %w", err)
	}

	embedder, err := embedclient.NewClient(embedclient.Config{
		BaseURL:    cfg.Worker.URL,
		Dimension:  cfg.Qdrant.VectorSize,
		Timeout:    cfg.Worker.EmbedTimeout,
		MaxRetries: cfg.Worker.MaxRetries,
	}, logger.Named("embedclient"))
	if err != nil {
		return fmt.Errorf("creating embedding client: %w", err)
	}

	engine := retrieval.NewEngine(store, index, blobs, embedder, retrieval.Config{
		DefaultLimit:          cfg.Search.DefaultLimit,
		MaxLimit:              cfg.Search.MaxLimit,
		SimilarityThreshold:   cfg.Search.SimilarityThreshold,
		MaxQueryBytes:         cfg.Search.MaxQueryBytes,
		EnrichmentTimeout:     cfg.Metadata.EnrichmentTimeout,
		EnrichmentConcurrency: cfg.Metadata.EnrichmentConcurrency,
		SessionWriteTimeout:   cfg.Metadata.SessionWriteTimeout,
		CacheSize:             cfg.Search.CacheSize,
		CacheTTL:              cfg.Search.CacheTTL,
	}, logger.Named("retrieval"), retrieval.NewMetrics(registry))

	server, err := httpapi.NewServer(engine, logger.Named("http"), httpapi.Config{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		InboundConcurrency: cfg.Server.InboundConcurrency,
		RequestTimeout:     cfg.Server.RequestTimeout,
	}, registry)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	if cfg.Metadata.SessionRetention > 0 {
		go pruneSessions(ctx, store, cfg.Metadata.SessionRetention, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// pruneSessions garbage-collects search sessions past the retention window.
func pruneSessions(ctx context.Context, store metadata.Store, retention time.Duration, logger *zap.Logger) {
	interval := retention / 10
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneSessions(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("session pruning failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("pruned search sessions", zap.Int64("count", n))
			}
		}
	}
}
