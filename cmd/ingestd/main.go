package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/askdocs/askdocs/internal/audit"
	"github.com/askdocs/askdocs/internal/broker"
	"github.com/askdocs/askdocs/internal/chunker"
	"github.com/askdocs/askdocs/internal/config"
	"github.com/askdocs/askdocs/internal/embedding"
	"github.com/askdocs/askdocs/internal/extract"
	"github.com/askdocs/askdocs/internal/repository/postgres"
	"github.com/askdocs/askdocs/internal/storage"
	"github.com/askdocs/askdocs/internal/vectorstore"
	"github.com/askdocs/askdocs/internal/worker"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run worker", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting ingestion worker",
		"concurrency", cfg.WorkerConcurrency,
		"environment", cfg.Environment,
	)

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	documentRepo := postgres.NewDocumentRepo(db)
	auditlog := audit.NewWriter(postgres.NewAuditRepo(db))

	store, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:         cfg.S3Bucket,
		Region:         cfg.S3Region,
		Endpoint:       cfg.S3Endpoint,
		ForcePathStyle: cfg.S3ForcePathStyle,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	taskBroker, err := broker.NewSQSBroker(ctx, cfg.AWSRegion, broker.Queues{
		Ingest:     cfg.IngestQueueURL,
		Retry:      cfg.RetryQueueURL,
		DeadLetter: cfg.DeadLetterQueueURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize task broker: %w", err)
	}

	ocr, err := ocrStrategy(ctx, cfg)
	if err != nil {
		return err
	}

	embedder := embedding.NewOllamaEmbedder(embedding.OllamaConfig{
		BaseURL:   cfg.OllamaURL,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDimension,
	})

	storeFactory, err := vectorStoreFactory(cfg, db, embedder.Dimension())
	if err != nil {
		return err
	}

	processor := worker.NewProcessor(
		documentRepo,
		store,
		extract.NewExtractor(ocr),
		chunker.New(cfg.ChunkMinChars, cfg.ChunkMaxChars),
		embedding.NewPipeline(embedder),
		storeFactory,
		auditlog,
		cfg.S3Bucket,
	)

	w := worker.New(taskBroker, processor, worker.Options{
		Concurrency:   cfg.WorkerConcurrency,
		SoftTimeLimit: cfg.SoftTimeLimit,
		HardTimeLimit: cfg.HardTimeLimit,
	})
	scanner := worker.NewScanner(documentRepo, taskBroker, cfg.ScanInterval)
	reaper := worker.NewReaper(documentRepo, storeFactory, cfg.ReapInterval)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	err = w.Run(ctx)
	wg.Wait()
	return err
}

// ocrStrategy picks the OCR backend for scanned documents.
func ocrStrategy(ctx context.Context, cfg *config.Config) (extract.Strategy, error) {
	switch cfg.OCRBackend {
	case "textract":
		s, err := extract.NewTextractStrategy(ctx, cfg.TextractRegion)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Textract: %w", err)
		}
		return s, nil
	case "local":
		return extract.NewLocalOCRStrategy(cfg.LocalOCRURL, nil), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown OCR backend %q", cfg.OCRBackend)
	}
}

// vectorStoreFactory returns a per-tenant vector store opener for the
// configured backend.
func vectorStoreFactory(cfg *config.Config, db *postgres.DB, dimension int) (worker.StoreFactory, error) {
	switch cfg.VectorBackend {
	case "qdrant":
		client, err := vectorstore.NewQdrantClient(cfg.QdrantGRPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
		}
		return func(tenantID uuid.UUID) (vectorstore.Store, error) {
			return vectorstore.NewQdrantStore(client, tenantID, dimension), nil
		}, nil
	case "pgvector":
		return func(tenantID uuid.UUID) (vectorstore.Store, error) {
			return vectorstore.NewPgvectorStore(db, tenantID), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}
