package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/askdocs/askdocs/internal/repository"
)

// PromptRepo implements repository.PromptRepository
type PromptRepo struct {
	db *DB
}

// NewPromptRepo creates a new prompt template repository
func NewPromptRepo(db *DB) *PromptRepo {
	return &PromptRepo{db: db}
}

// ListActive returns active templates for the (tenant, name) pair,
// newest version first. Global templates (tenant_id IS NULL) are read on
// the pool directly because they are not tenant-scoped rows.
func (r *PromptRepo) ListActive(ctx context.Context, tenantID *uuid.UUID, name string) ([]*repository.PromptTemplate, error) {
	query := `
		SELECT id, tenant_id, name, version, template_text, is_active, ab_weight, created_at
		FROM saas.prompt_templates
		WHERE name = $1 AND is_active AND tenant_id IS NOT DISTINCT FROM $2
		ORDER BY version DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, name, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompt templates: %w", err)
	}
	defer rows.Close()

	var templates []*repository.PromptTemplate
	for rows.Next() {
		var t repository.PromptTemplate
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.Version, &t.TemplateText,
			&t.IsActive, &t.ABWeight, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prompt template: %w", err)
		}
		templates = append(templates, &t)
	}
	return templates, rows.Err()
}

var _ repository.PromptRepository = (*PromptRepo)(nil)
