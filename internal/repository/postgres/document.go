package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/askdocs/askdocs/internal/repository"
)

const documentColumns = `id, tenant_id, uploader_id, storage_key, original_filename, display_name,
	detected_mime, size_bytes, md5_checksum, status, chunk_count, vector_count,
	error_message, metadata, created_at, updated_at`

// DocumentRepo implements repository.DocumentRepository
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// Create creates a new document row. A unique-constraint violation on
// (tenant_id, md5_checksum) maps to repository.ErrDuplicate so the
// orchestrator can resolve upload races.
func (r *DocumentRepo) Create(ctx context.Context, doc *repository.Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO saas.documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	return r.db.RunInTenant(ctx, doc.TenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			doc.ID, doc.TenantID, doc.UploaderID, doc.StorageKey, doc.OriginalFilename,
			doc.DisplayName, doc.DetectedMIME, doc.SizeBytes, doc.MD5Checksum,
			doc.Status, doc.ChunkCount, doc.VectorCount, doc.ErrorMessage,
			metadataJSON, doc.CreatedAt, doc.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return repository.ErrDuplicate
			}
			return fmt.Errorf("failed to create document: %w", err)
		}
		return nil
	})
}

// GetByID retrieves a document by ID within the tenant
func (r *DocumentRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM saas.documents WHERE id = $1`
	return r.scanOne(ctx, tenantID, query, id)
}

// GetByChecksum retrieves a non-deleted document by MD5 within the tenant
func (r *DocumentRepo) GetByChecksum(ctx context.Context, tenantID uuid.UUID, md5 string) (*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM saas.documents
		WHERE md5_checksum = $1 AND status != 'deleted'`
	return r.scanOne(ctx, tenantID, query, md5)
}

func (r *DocumentRepo) scanOne(ctx context.Context, tenantID uuid.UUID, query string, args ...any) (*repository.Document, error) {
	var doc *repository.Document
	err := r.db.RunInTenant(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, query, args...)
		var err error
		doc, err = scanDocumentRow(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocumentRow(row rowScanner) (*repository.Document, error) {
	var doc repository.Document
	var metadataJSON []byte

	err := row.Scan(
		&doc.ID, &doc.TenantID, &doc.UploaderID, &doc.StorageKey, &doc.OriginalFilename,
		&doc.DisplayName, &doc.DetectedMIME, &doc.SizeBytes, &doc.MD5Checksum,
		&doc.Status, &doc.ChunkCount, &doc.VectorCount, &doc.ErrorMessage,
		&metadataJSON, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}

	doc.Metadata = make(map[string]any)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &doc, nil
}

// List retrieves documents for a tenant with pagination
func (r *DocumentRepo) List(ctx context.Context, tenantID uuid.UUID, status string, limit, offset int) ([]*repository.Document, int, error) {
	countQuery := `SELECT COUNT(*) FROM saas.documents WHERE status != 'deleted'`
	listQuery := `SELECT ` + documentColumns + ` FROM saas.documents WHERE status != 'deleted'`
	args := []any{}

	if status != "" {
		countQuery = `SELECT COUNT(*) FROM saas.documents WHERE status = $1`
		listQuery = `SELECT ` + documentColumns + ` FROM saas.documents WHERE status = $1`
		args = append(args, status)
	}

	listQuery += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)

	var docs []*repository.Document
	var total int
	err := r.db.RunInTenant(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
			return fmt.Errorf("failed to count documents: %w", err)
		}

		rows, err := tx.Query(ctx, listQuery, append(args, limit, offset)...)
		if err != nil {
			return fmt.Errorf("failed to list documents: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			doc, err := scanDocumentRow(rows)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

// UpdateStatus transitions a document's processing status
func (r *DocumentRepo) UpdateStatus(ctx context.Context, tenantID, id uuid.UUID, status repository.DocumentStatus, errorMessage string) error {
	query := `
		UPDATE saas.documents
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1
	`
	return r.db.RunInTenant(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		result, err := tx.Exec(ctx, query, id, status, errorMessage)
		if err != nil {
			return fmt.Errorf("failed to update document status: %w", err)
		}
		if result.RowsAffected() == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

// SoftDelete marks a document deleted. Its vectors are purged later by
// the background reaper.
func (r *DocumentRepo) SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error {
	query := `
		UPDATE saas.documents
		SET status = 'deleted', updated_at = NOW()
		WHERE id = $1 AND status != 'deleted'
	`
	return r.db.RunInTenant(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		result, err := tx.Exec(ctx, query, id)
		if err != nil {
			return fmt.Errorf("failed to soft-delete document: %w", err)
		}
		if result.RowsAffected() == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

// FinalizeProcessing persists chunk rows and the ready transition in one
// transaction so a crash cannot leave a ready document without chunks.
func (r *DocumentRepo) FinalizeProcessing(ctx context.Context, tenantID, id uuid.UUID, chunks []*repository.Chunk, vectorCount int) error {
	return r.db.RunInTenant(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM saas.chunks WHERE document_id = $1`, id); err != nil {
			return fmt.Errorf("failed to clear previous chunks: %w", err)
		}

		batch := &pgx.Batch{}
		for _, chunk := range chunks {
			batch.Queue(`
				INSERT INTO saas.chunks (id, tenant_id, document_id, chunk_index, text, token_count, vector_id, vector_store, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, chunk.ID, chunk.TenantID, chunk.DocumentID, chunk.ChunkIndex,
				chunk.Text, chunk.TokenCount, chunk.VectorID, chunk.VectorStore, chunk.CreatedAt)
		}
		results := tx.SendBatch(ctx, batch)
		for range chunks {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("failed to create chunk: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("failed to flush chunk batch: %w", err)
		}

		result, err := tx.Exec(ctx, `
			UPDATE saas.documents
			SET status = 'ready', chunk_count = $2, vector_count = $3, error_message = '', updated_at = NOW()
			WHERE id = $1
		`, id, len(chunks), vectorCount)
		if err != nil {
			return fmt.Errorf("failed to mark document ready: %w", err)
		}
		if result.RowsAffected() == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

// DeleteChunks deletes all chunk rows for a document
func (r *DocumentRepo) DeleteChunks(ctx context.Context, tenantID, documentID uuid.UUID) error {
	return r.db.RunInTenant(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM saas.chunks WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
		return nil
	})
}

// ListStuckPending selects pending documents older than the cutoff across
// all tenants. Runs as a system sweep, which the row-level security
// policy admits for reads; each re-queue carries its owner's tenant id.
func (r *DocumentRepo) ListStuckPending(ctx context.Context, olderThan time.Time, limit int) ([]*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM saas.documents
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`
	return r.scanSystem(ctx, query, olderThan, limit)
}

// ListDeletedWithVectors selects soft-deleted documents whose vectors have
// not been purged yet.
func (r *DocumentRepo) ListDeletedWithVectors(ctx context.Context, limit int) ([]*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM saas.documents
		WHERE status = 'deleted' AND vector_count > 0
		ORDER BY updated_at ASC
		LIMIT $1`
	return r.scanSystem(ctx, query, limit)
}

func (r *DocumentRepo) scanSystem(ctx context.Context, query string, args ...any) ([]*repository.Document, error) {
	var docs []*repository.Document
	err := r.db.RunAsSystem(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query documents: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			doc, err := scanDocumentRow(rows)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// ClearVectors records that a document's vectors were purged by the reaper
func (r *DocumentRepo) ClearVectors(ctx context.Context, tenantID, id uuid.UUID) error {
	return r.db.RunInTenant(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE saas.documents SET vector_count = 0, updated_at = NOW() WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to clear vector count: %w", err)
		}
		return nil
	})
}

// Ensure DocumentRepo implements the interface
var _ repository.DocumentRepository = (*DocumentRepo)(nil)
