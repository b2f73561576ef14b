package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/askdocs/askdocs/internal/repository"
)

// AuditRepo implements repository.AuditRepository. The saas.audit_logs
// table is INSERT-only for the application role; there are deliberately
// no update or delete methods.
type AuditRepo struct {
	db *DB
}

// NewAuditRepo creates a new audit repository
func NewAuditRepo(db *DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Insert appends one audit entry.
func (r *AuditRepo) Insert(ctx context.Context, entry *repository.AuditEntry) error {
	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	query := `
		INSERT INTO saas.audit_logs (tenant_id, user_id, action, resource, metadata, ip_address, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	return r.db.RunInTenant(ctx, entry.TenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			entry.TenantID, nullableString(entry.UserID), entry.Action, entry.Resource,
			metadataJSON, nullableString(entry.IPAddress), entry.Success)
		if err != nil {
			return fmt.Errorf("failed to insert audit entry: %w", err)
		}
		return nil
	})
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ repository.AuditRepository = (*AuditRepo)(nil)
