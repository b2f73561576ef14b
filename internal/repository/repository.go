// Package repository defines domain models and data access interfaces for
// tenants, documents, chunks, prompts, audit entries and usage counters.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist within
// the caller's tenant.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint rejects a write,
// e.g. two non-deleted documents with the same checksum in one tenant.
var ErrDuplicate = errors.New("duplicate")

// DocumentStatus is the processing state of a document.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
	StatusDeleted    DocumentStatus = "deleted"
)

// Tenant represents a customer isolation boundary.
type Tenant struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Document represents one uploaded file.
type Document struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	UploaderID       string
	StorageKey       string
	OriginalFilename string
	DisplayName      string
	DetectedMIME     string
	SizeBytes        int64
	MD5Checksum      string
	Status           DocumentStatus
	ChunkCount       int
	VectorCount      int
	ErrorMessage     string
	Metadata         map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Permissions returns the document's access-permission tags, if any.
// A document without tags is world-readable inside its tenant.
func (d *Document) Permissions() []string {
	raw, ok := d.Metadata["document_permissions"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Chunk represents one text segment derived from a document.
type Chunk struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	DocumentID  uuid.UUID
	ChunkIndex  int
	Text        string
	TokenCount  int
	VectorID    string // deterministic 32-char hex
	VectorStore string
	CreatedAt   time.Time
}

// AuditEntry is one append-only audit record. Entries are never updated
// or deleted by the application.
type AuditEntry struct {
	ID        int64
	TenantID  uuid.UUID
	UserID    string
	Action    string
	Resource  string
	Metadata  map[string]any
	IPAddress string
	Success   bool
	CreatedAt time.Time
}

// PromptTemplate is a versioned system prompt. A nil TenantID marks a
// global default.
type PromptTemplate struct {
	ID           uuid.UUID
	TenantID     *uuid.UUID
	Name         string
	Version      int
	TemplateText string
	IsActive     bool
	ABWeight     int
	CreatedAt    time.Time
}

// TokenUsage is one additive billing accumulator keyed by
// (tenant, user, model, provider, month).
type TokenUsage struct {
	TenantID     uuid.UUID
	UserID       string
	Model        string
	Provider     string
	Month        string // YYYY-MM
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// TenantRepository defines operations for tenant persistence.
type TenantRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	Upsert(ctx context.Context, t *Tenant) error
}

// DocumentRepository defines tenant-scoped operations for document and
// chunk persistence. Every method runs under row-level security bound to
// the given tenant id, except the cross-tenant scanner queries.
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*Document, error)
	// GetByChecksum looks up a non-deleted document by MD5 within the tenant.
	GetByChecksum(ctx context.Context, tenantID uuid.UUID, md5 string) (*Document, error)
	List(ctx context.Context, tenantID uuid.UUID, status string, limit, offset int) ([]*Document, int, error)
	UpdateStatus(ctx context.Context, tenantID, id uuid.UUID, status DocumentStatus, errorMessage string) error
	SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error

	// FinalizeProcessing persists chunk rows and transitions the document
	// to ready inside one transaction.
	FinalizeProcessing(ctx context.Context, tenantID, id uuid.UUID, chunks []*Chunk, vectorCount int) error
	DeleteChunks(ctx context.Context, tenantID, documentID uuid.UUID) error

	// ListStuckPending selects pending documents older than the cutoff
	// across all tenants, for the retry scanner.
	ListStuckPending(ctx context.Context, olderThan time.Time, limit int) ([]*Document, error)
	// ListDeletedWithVectors selects soft-deleted documents whose vectors
	// have not been purged yet, for the background reaper.
	ListDeletedWithVectors(ctx context.Context, limit int) ([]*Document, error)
	// ClearVectors records that a document's vectors were purged.
	ClearVectors(ctx context.Context, tenantID, id uuid.UUID) error
}

// AuditRepository appends audit entries. There is no update or delete.
type AuditRepository interface {
	Insert(ctx context.Context, entry *AuditEntry) error
}

// PromptRepository reads versioned prompt templates.
type PromptRepository interface {
	// ListActive returns active templates for the (tenant, name) pair.
	// A nil tenantID selects global templates.
	ListActive(ctx context.Context, tenantID *uuid.UUID, name string) ([]*PromptTemplate, error)
}

// UsageRepository accumulates token usage with additive upsert semantics.
type UsageRepository interface {
	Add(ctx context.Context, usage *TokenUsage) error
}
