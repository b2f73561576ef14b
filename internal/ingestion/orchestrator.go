package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/askdocs/askdocs/internal/audit"
	"github.com/askdocs/askdocs/internal/repository"
	"github.com/askdocs/askdocs/internal/storage"
	"github.com/askdocs/askdocs/internal/tenant"
)

// MaxNameLength bounds display names.
const MaxNameLength = 255

// DuplicateRetention is how long a duplicate's uploaded bytes linger in
// storage before the lifecycle rule purges them.
const DuplicateRetention = 24 * time.Hour

// TaskQueue enqueues async processing work for uploaded documents.
type TaskQueue interface {
	EnqueueIngest(ctx context.Context, tenantID, documentID uuid.UUID) error
}

// UploadRequest carries one upload through the pipeline.
type UploadRequest struct {
	Filename      string
	DisplayName   string
	Body          io.Reader
	ContentLength int64  // declared hint, -1 when unknown
	PermissionsJS string // optional JSON array of principals
	Progress      storage.ProgressFunc
}

// UploadResult is the 202-shaped success payload.
type UploadResult struct {
	DocumentID       uuid.UUID `json:"document_id"`
	Status           string    `json:"status"`
	ProcessingStatus string    `json:"processing_status"`
	Checksum         string    `json:"checksum"`
	StorageKey       string    `json:"storage_key"`
	SizeBytes        int64     `json:"size_bytes"`
	MimeType         string    `json:"mime_type"`
	CreatedAt        time.Time `json:"created_at"`
}

// Orchestrator runs the synchronous upload pipeline: validate, sniff,
// stream to storage, dedupe, persist, audit, enqueue.
type Orchestrator struct {
	store    storage.ObjectStorage
	docs     repository.DocumentRepository
	auditlog *audit.Writer
	queue    TaskQueue
	maxBytes int64
}

// NewOrchestrator creates an upload orchestrator.
func NewOrchestrator(store storage.ObjectStorage, docs repository.DocumentRepository, auditlog *audit.Writer, queue TaskQueue, maxBytes int64) *Orchestrator {
	return &Orchestrator{
		store:    store,
		docs:     docs,
		auditlog: auditlog,
		queue:    queue,
		maxBytes: maxBytes,
	}
}

// Upload executes the pipeline for one document. Validation failures
// surface as the package's typed errors; queue failure is absorbed
// because the stuck-task scanner re-queues pending documents.
func (o *Orchestrator) Upload(ctx context.Context, tc *tenant.Context, req UploadRequest) (*UploadResult, error) {
	name, err := validateName(req.DisplayName)
	if err != nil {
		return nil, err
	}

	perms, err := parsePermissions(req.PermissionsJS)
	if err != nil {
		return nil, err
	}

	if req.ContentLength > o.maxBytes {
		return nil, ErrPayloadTooLarge
	}
	if req.Body == nil {
		return nil, ErrMissingFile
	}

	o.auditlog.Record(ctx, audit.Entry{
		TenantID: tc.TenantID(),
		UserID:   tc.UserID(),
		Action:   audit.ActionUploadAttempt,
		Resource: name,
		Metadata: map[string]any{"filename": req.Filename, "declared_bytes": req.ContentLength},
		IP:       tc.ClientIP(),
		Success:  true,
	})

	mime, body, err := Sniff(req.Body, req.Filename)
	if err != nil {
		if errors.Is(err, ErrUnsupportedType) {
			return nil, ErrUnsupportedType
		}
		return nil, fmt.Errorf("failed to read upload stream: %w", err)
	}

	documentID := uuid.New()
	key := tc.DocumentKey(documentID.String() + extensionFor(mime))

	up, err := storage.StreamUpload(ctx, o.store, key, mime, tc.EncryptionKeyID(), body, o.maxBytes, req.Progress)
	if err != nil {
		return nil, o.uploadFailed(ctx, tc, name, err)
	}

	// Early duplicate probe. The partial unique index on
	// (tenant_id, md5) is the authoritative guard; this avoids the
	// insert round-trip for the common case.
	if existing, err := o.docs.GetByChecksum(ctx, tc.TenantID(), up.MD5Checksum); err == nil && existing != nil {
		return nil, o.rejectDuplicate(ctx, tc, name, key, existing.ID)
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		slog.Warn("duplicate probe failed, relying on unique constraint", "error", err)
	}

	now := time.Now().UTC()
	doc := &repository.Document{
		ID:               documentID,
		TenantID:         tc.TenantID(),
		UploaderID:       tc.UserID(),
		StorageKey:       key,
		OriginalFilename: req.Filename,
		DisplayName:      name,
		DetectedMIME:     mime,
		SizeBytes:        up.SizeBytes,
		MD5Checksum:      up.MD5Checksum,
		Status:           repository.StatusPending,
		Metadata:         map[string]any{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if perms != nil {
		doc.Metadata["document_permissions"] = perms
	}

	if err := o.docs.Create(ctx, doc); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost the insert race: another upload of the same bytes
			// won. This copy is removed outright.
			if delErr := o.store.Delete(ctx, key); delErr != nil {
				slog.Warn("failed to delete losing duplicate object", "key", key, "error", delErr)
			}
			existingID := uuid.Nil
			if existing, probeErr := o.docs.GetByChecksum(ctx, tc.TenantID(), up.MD5Checksum); probeErr == nil && existing != nil {
				existingID = existing.ID
			}
			return nil, o.rejectDuplicate(ctx, tc, name, "", existingID)
		}
		return nil, o.uploadFailed(ctx, tc, name, fmt.Errorf("failed to persist document: %w", err))
	}

	o.auditlog.Record(ctx, audit.Entry{
		TenantID: tc.TenantID(),
		UserID:   tc.UserID(),
		Action:   audit.ActionUploaded,
		Resource: documentID.String(),
		Metadata: map[string]any{
			"display_name": name,
			"mime":         mime,
			"size_bytes":   up.SizeBytes,
			"md5":          up.MD5Checksum,
			"part_count":   up.PartCount,
			"storage_key":  key,
		},
		IP:      tc.ClientIP(),
		Success: true,
	})

	processing := "queued"
	if err := o.queue.EnqueueIngest(ctx, tc.TenantID(), documentID); err != nil {
		slog.Error("failed to enqueue ingest task, scanner will recover",
			"document_id", documentID, "error", err)
		o.auditlog.Record(ctx, audit.Entry{
			TenantID: tc.TenantID(),
			UserID:   tc.UserID(),
			Action:   audit.ActionQueueFailed,
			Resource: documentID.String(),
			Metadata: map[string]any{"error": err.Error()},
			IP:       tc.ClientIP(),
			Success:  false,
		})
		processing = "queue_deferred"
	}

	return &UploadResult{
		DocumentID:       documentID,
		Status:           "uploaded",
		ProcessingStatus: processing,
		Checksum:         up.MD5Checksum,
		StorageKey:       key,
		SizeBytes:        up.SizeBytes,
		MimeType:         mime,
		CreatedAt:        doc.CreatedAt,
	}, nil
}

func (o *Orchestrator) uploadFailed(ctx context.Context, tc *tenant.Context, name string, err error) error {
	o.auditlog.Record(ctx, audit.Entry{
		TenantID: tc.TenantID(),
		UserID:   tc.UserID(),
		Action:   audit.ActionUploadFailed,
		Resource: name,
		Metadata: map[string]any{"error": err.Error()},
		IP:       tc.ClientIP(),
		Success:  false,
	})

	switch {
	case errors.Is(err, storage.ErrPayloadTooLarge):
		return ErrPayloadTooLarge
	case errors.Is(err, storage.ErrEmptyPayload):
		return ErrMissingFile
	case errors.Is(err, repository.ErrDuplicate):
		return err
	}
	slog.Error("document upload failed", "display_name", name, "error", err)
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

// rejectDuplicate audits the rejection and tags the just-uploaded
// object for lifecycle expiry rather than deleting it inline.
func (o *Orchestrator) rejectDuplicate(ctx context.Context, tc *tenant.Context, name, uploadedKey string, existingID uuid.UUID) error {
	if uploadedKey != "" {
		if err := o.store.TagForExpiry(ctx, uploadedKey, DuplicateRetention); err != nil {
			slog.Warn("failed to tag duplicate upload for expiry", "key", uploadedKey, "error", err)
		}
	}
	o.auditlog.Record(ctx, audit.Entry{
		TenantID: tc.TenantID(),
		UserID:   tc.UserID(),
		Action:   audit.ActionDuplicateRejected,
		Resource: name,
		Metadata: map[string]any{"existing_document_id": existingID.String()},
		IP:       tc.ClientIP(),
		Success:  false,
	})
	return &DuplicateError{ExistingID: existingID}
}

// validateName trims and validates a display name.
func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > MaxNameLength {
		return "", ErrInvalidName
	}
	if strings.ContainsAny(name, `/\<>:"|?*`) {
		return "", ErrInvalidName
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7F {
			return "", ErrInvalidName
		}
	}
	return name, nil
}

// parsePermissions decodes the optional permissions field, which must
// be a JSON array of principal strings.
func parsePermissions(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var perms []string
	if err := json.Unmarshal([]byte(raw), &perms); err != nil {
		return nil, ErrBadPermissions
	}
	return perms, nil
}
