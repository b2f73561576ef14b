package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/askdocs/askdocs/internal/audit"
	"github.com/askdocs/askdocs/internal/auth"
	"github.com/askdocs/askdocs/internal/broker"
	"github.com/askdocs/askdocs/internal/config"
	"github.com/askdocs/askdocs/internal/embedding"
	"github.com/askdocs/askdocs/internal/ingestion"
	"github.com/askdocs/askdocs/internal/llm"
	"github.com/askdocs/askdocs/internal/progress"
	"github.com/askdocs/askdocs/internal/prompt"
	"github.com/askdocs/askdocs/internal/repository/postgres"
	"github.com/askdocs/askdocs/internal/reranker"
	"github.com/askdocs/askdocs/internal/retriever"
	"github.com/askdocs/askdocs/internal/server"
	"github.com/askdocs/askdocs/internal/service"
	"github.com/askdocs/askdocs/internal/storage"
	"github.com/askdocs/askdocs/internal/vectorstore"
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
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting API service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	tenantRepo := postgres.NewTenantRepo(db)
	documentRepo := postgres.NewDocumentRepo(db)
	auditRepo := postgres.NewAuditRepo(db)
	promptRepo := postgres.NewPromptRepo(db)
	usageRepo := postgres.NewUsageRepo(db)
	auditlog := audit.NewWriter(auditRepo)

	store, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:         cfg.S3Bucket,
		Region:         cfg.S3Region,
		Endpoint:       cfg.S3Endpoint,
		ForcePathStyle: cfg.S3ForcePathStyle,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}
	slog.Info("connected to object storage", "bucket", cfg.S3Bucket)

	taskBroker, err := broker.NewSQSBroker(ctx, cfg.AWSRegion, broker.Queues{
		Ingest:     cfg.IngestQueueURL,
		Retry:      cfg.RetryQueueURL,
		DeadLetter: cfg.DeadLetterQueueURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize task broker: %w", err)
	}

	embedder := embedding.NewOllamaEmbedder(embedding.OllamaConfig{
		BaseURL:   cfg.OllamaURL,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDimension,
	})
	slog.Info("initialized embedder", "model", cfg.EmbeddingModel)

	storeFactory, err := vectorStoreFactory(cfg, db, embedder.Dimension())
	if err != nil {
		return err
	}

	var rr reranker.Reranker
	if cfg.RerankerEnabled && cfg.RerankerURL != "" {
		rr = reranker.NewHTTPReranker(cfg.RerankerURL, nil)
		slog.Info("reranker enabled", "url", cfg.RerankerURL)
	}

	retrieverFactory := func(tenantID uuid.UUID) (*retriever.Retriever, error) {
		vs, err := storeFactory(tenantID)
		if err != nil {
			return nil, err
		}
		return retriever.New(embedder, vs, rr), nil
	}

	gateway := llm.NewGateway(
		llm.DefaultCatalog(cfg.LocalLLMModel),
		buildProviders(cfg),
		usageRepo,
	)

	verifier := auth.NewVerifier(
		auth.NewJWKSCache(auth.WithJWKSTTL(cfg.JWKSCacheTTL)),
		auth.VerifierConfig{
			Issuer:         cfg.JWTIssuer,
			Audience:       cfg.JWTAudience,
			ClaimNamespace: cfg.ClaimNamespace,
		},
		slog.Default(),
	)

	hub := progress.NewHub(progress.DefaultTTL)
	defer hub.Stop()

	srv := server.New(server.Config{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: cfg.AllowedOrigins,
		ReadyCheck:     db.Pool.Ping,
	}, server.Deps{
		Verifier:     verifier,
		Orchestrator: ingestion.NewOrchestrator(store, documentRepo, auditlog, taskBroker, cfg.MaxUploadBytes),
		Documents:    service.NewDocumentService(documentRepo, auditlog),
		RAG: service.NewRAGService(
			tenantRepo,
			retrieverFactory,
			prompt.NewManager(promptRepo, nil),
			gateway,
			auditlog,
		),
		Tenants:  service.NewTenantService(tenantRepo),
		Progress: hub,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// vectorStoreFactory returns a per-tenant vector store opener for the
// configured backend.
func vectorStoreFactory(cfg *config.Config, db *postgres.DB, dimension int) (func(uuid.UUID) (vectorstore.Store, error), error) {
	switch cfg.VectorBackend {
	case "qdrant":
		client, err := vectorstore.NewQdrantClient(cfg.QdrantGRPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
		}
		slog.Info("connected to Qdrant", "url", cfg.QdrantGRPCURL)
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

// buildProviders wires every configured generation backend.
func buildProviders(cfg *config.Config) []llm.Provider {
	providers := []llm.Provider{llm.NewOllamaProvider(cfg.OllamaURL)}
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, llm.NewOpenAIProvider(llm.OpenAIConfig{
			Name:    "openai",
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
		}))
	}
	if cfg.AzureBaseURL != "" && cfg.AzureAPIKey != "" {
		providers = append(providers, llm.NewOpenAIProvider(llm.OpenAIConfig{
			Name:      "azure",
			BaseURL:   cfg.AzureBaseURL,
			APIKey:    cfg.AzureAPIKey,
			AzureAuth: true,
		}))
	}
	return providers
}
