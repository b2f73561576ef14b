package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/askdocs/askdocs/internal/repository"
)

// UsageRepo implements repository.UsageRepository
type UsageRepo struct {
	db *DB
}

// NewUsageRepo creates a new token usage repository
func NewUsageRepo(db *DB) *UsageRepo {
	return &UsageRepo{db: db}
}

// Add upserts the (tenant, user, model, provider, month) accumulator with
// additive sums.
func (r *UsageRepo) Add(ctx context.Context, usage *repository.TokenUsage) error {
	query := `
		INSERT INTO saas.token_usage_logs (tenant_id, user_id, model, provider, month, input_tokens, output_tokens, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, user_id, model, provider, month)
		DO UPDATE SET
			input_tokens = saas.token_usage_logs.input_tokens + EXCLUDED.input_tokens,
			output_tokens = saas.token_usage_logs.output_tokens + EXCLUDED.output_tokens,
			cost_usd = saas.token_usage_logs.cost_usd + EXCLUDED.cost_usd
	`
	return r.db.RunInTenant(ctx, usage.TenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			usage.TenantID, usage.UserID, usage.Model, usage.Provider, usage.Month,
			usage.InputTokens, usage.OutputTokens, usage.CostUSD)
		if err != nil {
			return fmt.Errorf("failed to upsert token usage: %w", err)
		}
		return nil
	})
}

var _ repository.UsageRepository = (*UsageRepo)(nil)
