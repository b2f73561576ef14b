// Package vectorstore provides tenant-isolated vector similarity
// search. Every store instance is bound to one tenant at construction;
// the isolation boundary (collection or namespace column) is derived
// from the bound tenant and provisioned idempotently at first use.
package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// UpsertBatchSize is the number of records written per backend call.
	UpsertBatchSize = 100

	// MaxTopK caps a single query's result count.
	MaxTopK = 100
)

// ErrTenantMismatch is returned when a record's metadata names a tenant
// other than the bound one. Upserts fail closed on the first mismatch.
var ErrTenantMismatch = errors.New("record tenant does not match bound tenant")

// Record is one embedded chunk ready for storage. Metadata must be
// self-contained for retrieval without a relational join: tenant_id,
// document_id, chunk_index, text, source_key, page_number, heading,
// token_est.
type Record struct {
	ID       string // 32 lowercase hex chars
	Vector   []float32
	Text     string
	Metadata map[string]any
}

// Match is one query hit. Scores are cosine similarity normalized to
// [0, 1].
type Match struct {
	ID       string
	Score    float32
	Text     string
	Metadata map[string]any
}

// Store is a tenant-bound vector index.
type Store interface {
	// EnsureReady provisions the tenant's isolation boundary. Safe to
	// call repeatedly.
	EnsureReady(ctx context.Context) error

	// Upsert writes records in batches and returns how many were
	// written. Any record bound to a different tenant aborts the whole
	// call with ErrTenantMismatch.
	Upsert(ctx context.Context, records []Record) (int, error)

	// Query returns the topK nearest records. A caller filter is ANDed
	// with the tenant binding, never substituted for it.
	Query(ctx context.Context, vector []float32, topK int, filter map[string]any) ([]Match, error)

	Delete(ctx context.Context, ids []string) error
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
	Count(ctx context.Context) (uint64, error)

	// Name identifies the backend for persistence bookkeeping.
	Name() string
}

// checkTenant validates every record's tenant binding before any write.
func checkTenant(records []Record, tenantID uuid.UUID) error {
	want := tenantID.String()
	for _, r := range records {
		got, ok := r.Metadata["tenant_id"].(string)
		if !ok || got != want {
			return fmt.Errorf("%w: record %s carries tenant %q", ErrTenantMismatch, r.ID, got)
		}
	}
	return nil
}

// clampTopK applies the query result ceiling.
func clampTopK(topK int) int {
	if topK <= 0 {
		return 1
	}
	if topK > MaxTopK {
		return MaxTopK
	}
	return topK
}

// normalizeScore maps backend cosine scores into [0, 1].
func normalizeScore(score float32) float32 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
