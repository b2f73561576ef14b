package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/askdocs/askdocs/internal/repository"
)

// reapBatchLimit bounds one reaper sweep.
const reapBatchLimit = 50

// Reaper purges vectors of soft-deleted documents. Deletion at request
// time only flips the status row; the heavy vector cleanup happens here
// so the API call stays fast.
type Reaper struct {
	docs     repository.DocumentRepository
	vectors  StoreFactory
	interval time.Duration
}

// NewReaper creates the vector reaper.
func NewReaper(docs repository.DocumentRepository, vectors StoreFactory, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{docs: docs, vectors: vectors, interval: interval}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	docs, err := r.docs.ListDeletedWithVectors(ctx, reapBatchLimit)
	if err != nil {
		slog.Error("reaper scan failed", "error", err)
		return
	}

	for _, doc := range docs {
		log := slog.With("tenant_id", doc.TenantID, "document_id", doc.ID)

		vs, err := r.vectors(doc.TenantID)
		if err != nil {
			log.Error("failed to open vector store for purge", "error", err)
			continue
		}
		if err := vs.DeleteByDocument(ctx, doc.ID); err != nil {
			log.Error("failed to purge vectors, will retry next sweep", "error", err)
			continue
		}
		if err := r.docs.ClearVectors(ctx, doc.TenantID, doc.ID); err != nil {
			log.Error("failed to record vector purge", "error", err)
			continue
		}
		log.Info("purged vectors for deleted document", "vector_count", doc.VectorCount)
	}
}
