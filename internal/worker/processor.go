// Package worker runs the asynchronous ingestion pipeline behind the
// task queues: extraction, chunking, embedding and vector indexing.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/askdocs/askdocs/internal/audit"
	"github.com/askdocs/askdocs/internal/broker"
	"github.com/askdocs/askdocs/internal/chunker"
	"github.com/askdocs/askdocs/internal/embedding"
	"github.com/askdocs/askdocs/internal/extract"
	"github.com/askdocs/askdocs/internal/repository"
	"github.com/askdocs/askdocs/internal/storage"
	"github.com/askdocs/askdocs/internal/tenant"
	"github.com/askdocs/askdocs/internal/vectorstore"
)

// permanentError marks a failure that retrying cannot fix. The worker
// sends these straight to the dead letter queue.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// IsPermanent reports whether retrying the task is pointless.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// StoreFactory opens a tenant-bound vector store.
type StoreFactory func(tenantID uuid.UUID) (vectorstore.Store, error)

// Processor executes one process_document task end to end.
type Processor struct {
	docs      repository.DocumentRepository
	store     storage.ObjectStorage
	extractor *extract.Extractor
	chunker   *chunker.Chunker
	pipeline  *embedding.Pipeline
	vectors   StoreFactory
	auditlog  *audit.Writer
	bucket    string
}

// NewProcessor wires the ingestion pipeline stages.
func NewProcessor(
	docs repository.DocumentRepository,
	store storage.ObjectStorage,
	extractor *extract.Extractor,
	ck *chunker.Chunker,
	pipeline *embedding.Pipeline,
	vectors StoreFactory,
	auditlog *audit.Writer,
	bucket string,
) *Processor {
	return &Processor{
		docs:      docs,
		store:     store,
		extractor: extractor,
		chunker:   ck,
		pipeline:  pipeline,
		vectors:   vectors,
		auditlog:  auditlog,
		bucket:    bucket,
	}
}

// Process runs the pipeline for one task. Re-deliveries of an already
// processed document are acknowledged as no-ops, which makes at-least
// once delivery safe.
func (p *Processor) Process(ctx context.Context, task broker.Task) error {
	start := time.Now()
	log := slog.With("tenant_id", task.TenantID, "document_id", task.DocumentID)

	doc, err := p.docs.GetByID(ctx, task.TenantID, task.DocumentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("document vanished before processing, skipping")
			return nil
		}
		return fmt.Errorf("failed to load document: %w", err)
	}

	switch doc.Status {
	case repository.StatusReady, repository.StatusProcessing:
		log.Info("document already handled, skipping", "status", doc.Status)
		return nil
	case repository.StatusDeleted:
		log.Info("document deleted before processing, skipping")
		return nil
	}

	tc := tenant.NewForWorker(task.TenantID)
	if !tc.OwnsKey(doc.StorageKey) {
		err := fmt.Errorf("storage key %q outside tenant prefix", doc.StorageKey)
		p.markFailed(ctx, task, doc, err)
		return permanent(err)
	}

	if err := p.docs.UpdateStatus(ctx, task.TenantID, doc.ID, repository.StatusProcessing, ""); err != nil {
		return fmt.Errorf("failed to mark processing: %w", err)
	}

	data, err := p.fetchObject(ctx, doc.StorageKey)
	if err != nil {
		p.markFailed(ctx, task, doc, err)
		return fmt.Errorf("failed to fetch object: %w", err)
	}

	extracted, err := p.extractor.Extract(ctx, extract.Source{
		Data:   data,
		MIME:   doc.DetectedMIME,
		Bucket: p.bucket,
		Key:    doc.StorageKey,
	})
	if err != nil {
		p.markFailed(ctx, task, doc, err)
		return fmt.Errorf("extraction failed: %w", err)
	}

	text := extracted.FullText()
	if text == "" {
		err := errors.New("document contains no extractable text")
		p.markFailed(ctx, task, doc, err)
		return permanent(err)
	}

	chunks := p.chunker.Chunk(task.TenantID, doc.ID, text, extracted.PageMap())
	if len(chunks) == 0 {
		err := errors.New("chunker produced no chunks")
		p.markFailed(ctx, task, doc, err)
		return permanent(err)
	}

	embedded := p.pipeline.Run(ctx, task.TenantID, doc.ID, doc.StorageKey, chunks)
	if len(embedded.Records) == 0 {
		err := errors.New("embedding produced no vectors")
		p.markFailed(ctx, task, doc, err)
		return fmt.Errorf("embedding failed: %w", err)
	}

	vs, err := p.vectors(task.TenantID)
	if err != nil {
		p.markFailed(ctx, task, doc, err)
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	if err := vs.EnsureReady(ctx); err != nil {
		p.markFailed(ctx, task, doc, err)
		return fmt.Errorf("vector store not ready: %w", err)
	}
	// Permission tags ride along on every vector so retrieval can
	// filter without a database join.
	perms := doc.Permissions()
	for i := range embedded.Records {
		if len(perms) > 0 {
			embedded.Records[i].Metadata["document_permissions"] = perms
		}
	}
	upserted, err := vs.Upsert(ctx, embedded.Records)
	if err != nil {
		p.markFailed(ctx, task, doc, err)
		return fmt.Errorf("vector upsert failed: %w", err)
	}

	rows := chunkRows(task.TenantID, doc.ID, chunks, embedded.FailedChunkIndices, vs.Name())
	if err := p.docs.FinalizeProcessing(ctx, task.TenantID, doc.ID, rows, upserted); err != nil {
		p.markFailed(ctx, task, doc, err)
		return fmt.Errorf("failed to finalize document: %w", err)
	}

	p.auditlog.Record(ctx, audit.Entry{
		TenantID: task.TenantID,
		UserID:   doc.UploaderID,
		Action:   audit.ActionProcessed,
		Resource: doc.ID.String(),
		Success:  true,
		Metadata: map[string]any{
			"strategy":      extracted.StrategyName,
			"used_ocr":      extracted.UsedOCR,
			"pages":         len(extracted.Pages),
			"chunk_count":   len(chunks),
			"vector_count":  upserted,
			"failed_chunks": len(embedded.FailedChunkIndices),
			"extract_ms":    extracted.ElapsedMS,
			"embed_ms":      embedded.ElapsedMS,
			"total_ms":      time.Since(start).Milliseconds(),
		},
	})
	log.Info("document processed",
		"chunks", len(chunks), "vectors", upserted, "elapsed", time.Since(start))
	return nil
}

// chunkRows builds the relational rows for the chunks whose embeddings
// succeeded. Chunks of failed batches carry no vector and are left out;
// the retry path regenerates everything from the source object.
func chunkRows(tenantID, documentID uuid.UUID, chunks []chunker.Chunk, failed []int, storeName string) []*repository.Chunk {
	failedSet := make(map[int]struct{}, len(failed))
	for _, idx := range failed {
		failedSet[idx] = struct{}{}
	}

	now := time.Now().UTC()
	rows := make([]*repository.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if _, skip := failedSet[c.Index]; skip {
			continue
		}
		rows = append(rows, &repository.Chunk{
			ID:          uuid.New(),
			TenantID:    tenantID,
			DocumentID:  documentID,
			ChunkIndex:  c.Index,
			Text:        c.Text,
			TokenCount:  c.TokenCount,
			VectorID:    c.VectorID,
			VectorStore: storeName,
			CreatedAt:   now,
		})
	}
	return rows
}

func (p *Processor) fetchObject(ctx context.Context, key string) ([]byte, error) {
	body, err := p.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// markFailed transitions the document to failed and records the audit
// trail. Uses a fresh context so a cancelled task context cannot block
// the bookkeeping.
func (p *Processor) markFailed(ctx context.Context, task broker.Task, doc *repository.Document, cause error) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := p.docs.UpdateStatus(bg, task.TenantID, doc.ID, repository.StatusFailed, cause.Error()); err != nil {
		slog.Error("failed to mark document failed",
			"document_id", doc.ID, "cause", cause, "error", err)
	}
	p.auditlog.Record(bg, audit.Entry{
		TenantID: task.TenantID,
		UserID:   doc.UploaderID,
		Action:   audit.ActionProcessingFailed,
		Resource: doc.ID.String(),
		Success:  false,
		Metadata: map[string]any{
			"error":       cause.Error(),
			"retry_count": task.RetryCount,
		},
	})
}
