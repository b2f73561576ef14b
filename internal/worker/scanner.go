package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/askdocs/askdocs/internal/broker"
	"github.com/askdocs/askdocs/internal/repository"
)

const (
	// stuckAge is how long a document may sit pending before the
	// scanner assumes its task was lost.
	stuckAge = 5 * time.Minute

	// scanBatchLimit bounds one sweep so a large backlog is worked off
	// gradually.
	scanBatchLimit = 50
)

// Scanner re-enqueues documents stuck in pending, recovering from
// dropped queue messages and worker crashes between insert and enqueue.
type Scanner struct {
	docs     repository.DocumentRepository
	broker   broker.Broker
	interval time.Duration
}

// NewScanner creates the stuck-document scanner.
func NewScanner(docs repository.DocumentRepository, b broker.Broker, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scanner{docs: docs, broker: b, interval: interval}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scanner) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-stuckAge)
	docs, err := s.docs.ListStuckPending(ctx, cutoff, scanBatchLimit)
	if err != nil {
		slog.Error("stuck scan failed", "error", err)
		return
	}
	if len(docs) == 0 {
		return
	}

	slog.Warn("re-enqueueing stuck pending documents", "count", len(docs))
	for _, doc := range docs {
		if err := s.broker.EnqueueIngest(ctx, doc.TenantID, doc.ID); err != nil {
			slog.Error("failed to re-enqueue stuck document",
				"tenant_id", doc.TenantID, "document_id", doc.ID, "error", err)
		}
	}
}
