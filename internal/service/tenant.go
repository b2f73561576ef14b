package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/askdocs/askdocs/internal/repository"
)

// TenantService resolves and provisions tenant records. Tenants are
// created out of band in the identity provider; the first authenticated
// request materialises the local row.
type TenantService struct {
	repo repository.TenantRepository
}

// NewTenantService creates the tenant service.
func NewTenantService(repo repository.TenantRepository) *TenantService {
	return &TenantService{repo: repo}
}

// Ensure returns the tenant row, creating a placeholder named after the
// id when the token references a tenant not seen before.
func (s *TenantService) Ensure(ctx context.Context, id uuid.UUID) (*repository.Tenant, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err == nil {
		return t, nil
	}

	t = &repository.Tenant{ID: id, Name: "tenant-" + id.String()[:8]}
	if err := s.repo.Upsert(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to provision tenant: %w", err)
	}
	return t, nil
}

// Rename updates the tenant's display name.
func (s *TenantService) Rename(ctx context.Context, id uuid.UUID, name string) (*repository.Tenant, error) {
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	t := &repository.Tenant{ID: id, Name: name}
	if err := s.repo.Upsert(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to update tenant: %w", err)
	}
	return t, nil
}
