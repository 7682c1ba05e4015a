// dicomindex - versioned DICOM instance index and extended query tag worker
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/radwork/dicomindex"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			runMigrate(os.Args[2:])
			return
		case "worker":
			runWorker(os.Args[2:])
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	printHelp()
	os.Exit(2)
}

func printHelp() {
	fmt.Println(`dicomindex - DICOM instance index and extended query tag worker

Usage:
  dicomindex migrate [flags]       Apply index schema migrations
  dicomindex worker [flags]        Run the reindex worker

Migrate flags:
  --db string      PostgreSQL connection string (or DATABASE_URL)
  --version int    Target schema version (default: latest)

Worker flags:
  --db string         PostgreSQL connection string (or DATABASE_URL)
  --metadata string   Metadata directory for the filesystem backend (default "./metadata")
  --poll duration     Scheduled-operation poll interval (default 5s)
  --metrics string    Prometheus listen address, empty disables (default ":9090")

Redis is configured via REDIS_ADDR, REDIS_PASSWORD and REDIS_DB.`)
}

func databaseURL(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("DATABASE_URL")
}

// metadataBackend builds the metadata blob backend, encrypting at rest when a
// key is configured
func metadataBackend(dir, hexKey string) (dicomindex.Backend, error) {
	if hexKey == "" {
		hexKey = os.Getenv("METADATA_KEY")
	}

	backend := dicomindex.NewFilesystemBackend(dir)
	if hexKey == "" {
		return backend, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode metadata key: %w", err)
	}
	return dicomindex.NewEncryptionBackend(backend, key)
}

func runMigrate(args []string) {
	flags := flag.NewFlagSet("migrate", flag.ExitOnError)
	db := flags.String("db", "", "PostgreSQL connection string")
	version := flags.Int("version", int(dicomindex.MaxSupportedSchemaVersion), "Target schema version")
	flags.Parse(args) //nolint:errcheck // ExitOnError

	logger, err := dicomindex.NewProductionZapLogger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck // Flush on exit

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, databaseURL(*db))
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	manager := dicomindex.NewSQLSchemaManager(pool, logger)
	if err := manager.Apply(ctx, dicomindex.SchemaVersion(*version)); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	logger.Info("schema migration complete", "version", *version)
}

func runWorker(args []string) {
	flags := flag.NewFlagSet("worker", flag.ExitOnError)
	db := flags.String("db", "", "PostgreSQL connection string")
	metadataDir := flags.String("metadata", "./metadata", "Metadata directory")
	metadataKey := flags.String("metadata-key", "", "Hex-encoded 32-byte AES key for metadata at rest (METADATA_KEY env)")
	poll := flags.Duration("poll", 5*time.Second, "Scheduled-operation poll interval")
	metricsAddr := flags.String("metrics", ":9090", "Prometheus listen address")
	flags.Parse(args) //nolint:errcheck // ExitOnError

	logger, err := dicomindex.NewProductionZapLogger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck // Flush on exit

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL(*db))
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	registry := prometheus.NewRegistry()
	metrics := dicomindex.NewPrometheusMetrics(registry)
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, registry, logger)
	}

	resolver, err := dicomindex.NewBackgroundSchemaResolver(ctx,
		dicomindex.NewSQLSchemaManager(pool, logger),
		dicomindex.DefaultSchemaRefreshInterval, logger)
	if err != nil {
		log.Fatalf("schema resolver: %v", err)
	}
	resolver.Start()
	defer resolver.Stop()

	tagStores := dicomindex.NewSQLTagStoreFamily(pool, logger, metrics)
	indexStores := dicomindex.NewSQLIndexStoreFamily(pool, logger, metrics)
	tagProvider := dicomindex.NewExtendedQueryTagStoreFactory(resolver, tagStores)
	indexProvider := dicomindex.NewIndexDataStoreFactory(resolver, indexStores)

	backend, err := metadataBackend(*metadataDir, *metadataKey)
	if err != nil {
		log.Fatalf("metadata backend: %v", err)
	}
	metadata := dicomindex.NewMetadataStore(backend).
		WithLogger(logger).
		WithMetrics(metrics)

	reindexer := dicomindex.NewInstanceReindexer(indexProvider, metadata).
		WithLogger(logger).
		WithMetrics(metrics)

	redisClient := redis.NewClient(dicomindex.RedisOptions())
	defer redisClient.Close() //nolint:errcheck // Close on exit
	lock := dicomindex.NewDistributedLock(redisClient, "dicomindex").WithMetrics(metrics)
	tagCache := dicomindex.NewQueryTagCache(redisClient, "dicomindex", 0).
		WithLogger(logger).
		WithMetrics(metrics)

	orchestrator := dicomindex.NewReindexOrchestrator(
		dicomindex.NewSQLOperationStore(pool, logger),
		dicomindex.NewSQLReindexStateStore(pool, logger),
		tagProvider,
		reindexer,
		dicomindex.DefaultReindexConfig(),
	).WithLogger(logger).WithMetrics(metrics).WithCache(tagCache)

	worker := dicomindex.NewReindexWorker(
		dicomindex.NewSQLOperationStore(pool, logger),
		orchestrator, lock, *poll,
	).WithLogger(logger)

	logger.Info("reindex worker starting", "poll", poll.String())
	worker.Start(ctx)

	<-ctx.Done()
	logger.Info("shutting down")
	worker.Stop()
}

func serveMetrics(addr string, registry *prometheus.Registry, logger dicomindex.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener failed", "error", err)
	}
}
