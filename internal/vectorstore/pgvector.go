package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/askdocs/askdocs/internal/repository/postgres"
)

// PgvectorStore realizes namespaced isolation: one shared table where
// the tenant id is the namespace column, enforced both by the WHERE
// clause and by the table's row-level security policy.
type PgvectorStore struct {
	db       *postgres.DB
	tenantID uuid.UUID
}

// NewPgvectorStore binds a store to one tenant.
func NewPgvectorStore(db *postgres.DB, tenantID uuid.UUID) *PgvectorStore {
	return &PgvectorStore{db: db, tenantID: tenantID}
}

func (s *PgvectorStore) Name() string { return "pgvector" }

// EnsureReady verifies the shared table exists. The namespace needs no
// per-tenant provisioning; migrations create the table and its
// policies.
func (s *PgvectorStore) EnsureReady(ctx context.Context) error {
	var one int
	err := s.db.Pool.QueryRow(ctx, `SELECT 1 FROM saas.chunk_vectors LIMIT 1`).Scan(&one)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("chunk_vectors table not ready: %w", err)
	}
	return nil
}

// Upsert writes records in batches inside tenant-bound transactions.
func (s *PgvectorStore) Upsert(ctx context.Context, records []Record) (int, error) {
	if err := checkTenant(records, s.tenantID); err != nil {
		return 0, err
	}

	query := `
		INSERT INTO saas.chunk_vectors (vector_id, tenant_id, document_id, chunk_index, text, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7::vector)
		ON CONFLICT (vector_id)
		DO UPDATE SET text = EXCLUDED.text, metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding
	`

	written := 0
	for start := 0; start < len(records); start += UpsertBatchSize {
		end := start + UpsertBatchSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		err := s.db.RunInTenant(ctx, s.tenantID, func(ctx context.Context, tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, r := range chunk {
				docID, _ := r.Metadata["document_id"].(string)
				idx := metadataInt(r.Metadata, "chunk_index")
				meta, err := json.Marshal(r.Metadata)
				if err != nil {
					return fmt.Errorf("failed to marshal metadata for %s: %w", r.ID, err)
				}
				batch.Queue(query, r.ID, s.tenantID, docID, idx, r.Text, meta, vectorLiteral(r.Vector))
			}
			return tx.SendBatch(ctx, batch).Close()
		})
		if err != nil {
			return written, fmt.Errorf("failed to upsert vectors: %w", err)
		}
		written += len(chunk)
	}
	return written, nil
}

// Query runs cosine nearest-neighbor search within the namespace.
func (s *PgvectorStore) Query(ctx context.Context, vector []float32, topK int, filter map[string]any) ([]Match, error) {
	topK = clampTopK(topK)

	var sb strings.Builder
	sb.WriteString(`
		SELECT vector_id, text, metadata, 1 - (embedding <=> $1::vector) AS score
		FROM saas.chunk_vectors
		WHERE tenant_id = $2`)
	args := []any{vectorLiteral(vector), s.tenantID}
	for k, v := range filter {
		args = append(args, k, fmt.Sprintf("%v", v))
		fmt.Fprintf(&sb, " AND metadata->>$%d = $%d", len(args)-1, len(args))
	}
	args = append(args, topK)
	fmt.Fprintf(&sb, " ORDER BY embedding <=> $1::vector LIMIT $%d", len(args))

	var matches []Match
	err := s.db.RunInTenant(ctx, s.tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sb.String(), args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var m Match
			var meta []byte
			var score float64
			if err := rows.Scan(&m.ID, &m.Text, &meta, &score); err != nil {
				return err
			}
			m.ID = strings.TrimSpace(m.ID)
			m.Score = normalizeScore(float32(score))
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return fmt.Errorf("failed to unmarshal metadata for %s: %w", m.ID, err)
			}
			matches = append(matches, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	return matches, nil
}

// Delete removes vectors by ID within the namespace.
func (s *PgvectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.RunInTenant(ctx, s.tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM saas.chunk_vectors WHERE tenant_id = $1 AND vector_id = ANY($2)`,
			s.tenantID, ids)
		return err
	})
}

// DeleteByDocument removes every vector of one document.
func (s *PgvectorStore) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	return s.db.RunInTenant(ctx, s.tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM saas.chunk_vectors WHERE tenant_id = $1 AND document_id = $2`,
			s.tenantID, documentID)
		return err
	})
}

// Count returns the namespace's vector count.
func (s *PgvectorStore) Count(ctx context.Context) (uint64, error) {
	var count uint64
	err := s.db.RunInTenant(ctx, s.tenantID, func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM saas.chunk_vectors WHERE tenant_id = $1`,
			s.tenantID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return count, nil
}

// vectorLiteral renders a float32 slice in pgvector's text format.
func vectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// metadataInt reads an integer out of a metadata bag that may have
// passed through JSON.
func metadataInt(meta map[string]any, key string) int {
	switch t := meta[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}

var _ Store = (*PgvectorStore)(nil)
