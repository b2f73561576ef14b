// Package audit records security-relevant actions to the append-only
// audit log.
package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/askdocs/askdocs/internal/repository"
)

// Action names recorded in the audit log.
const (
	ActionUploadAttempt     = "document.upload_attempt"
	ActionUploaded          = "document.uploaded"
	ActionDuplicateRejected = "document.duplicate_rejected"
	ActionUploadFailed      = "document.upload_failed"
	ActionQueueFailed       = "document.queue_failed"
	ActionProcessed         = "document.processed"
	ActionProcessingFailed  = "document.processing_failed"
	ActionDeleted           = "document.deleted"
	ActionQueryRAG          = "query.rag"
)

// Entry is one audit event before persistence.
type Entry struct {
	TenantID uuid.UUID
	UserID   string
	Action   string
	Resource string
	Metadata map[string]any
	IP       string
	Success  bool
}

// Writer appends entries to the audit log. Audit writes are
// best-effort: a failed insert is logged, never propagated, so audit
// outages cannot take down uploads or queries.
type Writer struct {
	repo repository.AuditRepository
}

// NewWriter creates an audit writer.
func NewWriter(repo repository.AuditRepository) *Writer {
	return &Writer{repo: repo}
}

// Record persists one entry.
func (w *Writer) Record(ctx context.Context, e Entry) {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	err := w.repo.Insert(ctx, &repository.AuditEntry{
		TenantID:  e.TenantID,
		UserID:    e.UserID,
		Action:    e.Action,
		Resource:  e.Resource,
		Metadata:  e.Metadata,
		IPAddress: e.IP,
		Success:   e.Success,
	})
	if err != nil {
		slog.Error("failed to write audit entry",
			"action", e.Action, "tenant_id", e.TenantID, "error", err)
	}
}
