package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/askdocs/askdocs/internal/audit"
	"github.com/askdocs/askdocs/internal/auth"
	"github.com/askdocs/askdocs/internal/repository"
	"github.com/askdocs/askdocs/internal/tenant"
)

// ErrForbidden is returned when the caller's role does not permit the
// operation.
var ErrForbidden = errors.New("insufficient role")

// List pagination bounds.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// DocumentStatus is the API view of one document's lifecycle.
type DocumentStatus struct {
	DocumentID   string `json:"document_id"`
	DisplayName  string `json:"display_name"`
	Filename     string `json:"filename"`
	MIMEType     string `json:"mime_type"`
	SizeBytes    int64  `json:"size_bytes"`
	Status       string `json:"status"`
	ChunkCount   int    `json:"chunk_count"`
	VectorCount  int    `json:"vector_count"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// DocumentPage is one page of a tenant's document listing.
type DocumentPage struct {
	Documents []DocumentStatus `json:"documents"`
	Total     int              `json:"total"`
	Page      int              `json:"page"`
	Limit     int              `json:"limit"`
}

// DocumentService serves document lifecycle reads and deletion. Uploads
// go through the ingestion orchestrator.
type DocumentService struct {
	docs     repository.DocumentRepository
	auditlog *audit.Writer
}

// NewDocumentService creates the document lifecycle service.
func NewDocumentService(docs repository.DocumentRepository, auditlog *audit.Writer) *DocumentService {
	return &DocumentService{docs: docs, auditlog: auditlog}
}

// Status returns one document's processing state.
func (s *DocumentService) Status(ctx context.Context, tc *tenant.Context, id uuid.UUID) (*DocumentStatus, error) {
	doc, err := s.docs.GetByID(ctx, tc.TenantID(), id)
	if err != nil {
		return nil, err
	}
	view := statusView(doc)
	return &view, nil
}

// List returns a page of the tenant's documents, newest first. page is
// 1-based; limit is clamped to [1, 100]. An empty status matches all.
func (s *DocumentService) List(ctx context.Context, tc *tenant.Context, status string, page, limit int) (*DocumentPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	docs, total, err := s.docs.List(ctx, tc.TenantID(), status, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	out := make([]DocumentStatus, len(docs))
	for i, doc := range docs {
		out[i] = statusView(doc)
	}
	return &DocumentPage{Documents: out, Total: total, Page: page, Limit: limit}, nil
}

// Delete soft-deletes a document. The row flips to deleted immediately;
// the background reaper purges its vectors afterwards. Requires admin.
func (s *DocumentService) Delete(ctx context.Context, tc *tenant.Context, id uuid.UUID) error {
	if !tc.Role().AtLeast(auth.RoleAdmin) {
		return ErrForbidden
	}

	doc, err := s.docs.GetByID(ctx, tc.TenantID(), id)
	if err != nil {
		return err
	}
	if err := s.docs.SoftDelete(ctx, tc.TenantID(), id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	s.auditlog.Record(ctx, audit.Entry{
		TenantID: tc.TenantID(),
		UserID:   tc.UserID(),
		Action:   audit.ActionDeleted,
		Resource: id.String(),
		IP:       tc.ClientIP(),
		Success:  true,
		Metadata: map[string]any{
			"display_name": doc.DisplayName,
			"size_bytes":   doc.SizeBytes,
			"chunk_count":  doc.ChunkCount,
		},
	})
	return nil
}

func statusView(doc *repository.Document) DocumentStatus {
	return DocumentStatus{
		DocumentID:   doc.ID.String(),
		DisplayName:  doc.DisplayName,
		Filename:     doc.OriginalFilename,
		MIMEType:     doc.DetectedMIME,
		SizeBytes:    doc.SizeBytes,
		Status:       string(doc.Status),
		ChunkCount:   doc.ChunkCount,
		VectorCount:  doc.VectorCount,
		ErrorMessage: doc.ErrorMessage,
		CreatedAt:    doc.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:    doc.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}
