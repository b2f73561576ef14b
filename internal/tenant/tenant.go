// Package tenant binds a verified principal to every data-plane access.
//
// A Context is constructed once per request from the verified token and
// carries the tenant identity into the relational store (session
// variable), the object store (key prefix) and the vector store
// (namespace). There is no way to change the bound tenant afterwards.
package tenant

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/askdocs/askdocs/internal/auth"
)

// Context is the immutable tenant binding for one request or task.
type Context struct {
	tenantID    uuid.UUID
	userID      string
	role        auth.Role
	clientIP    string
	permissions []string
}

// New creates a tenant context from a verified principal.
func New(principal *auth.VerifiedPrincipal, clientIP string) *Context {
	return &Context{
		tenantID:    principal.TenantID,
		userID:      principal.UserID,
		role:        principal.Role,
		clientIP:    clientIP,
		permissions: principal.Permissions,
	}
}

// NewForWorker creates a tenant context for an async task that carries
// its owner's tenant id but no acting user.
func NewForWorker(tenantID uuid.UUID) *Context {
	return &Context{tenantID: tenantID}
}

// TenantID returns the bound tenant id.
func (c *Context) TenantID() uuid.UUID { return c.tenantID }

// UserID returns the acting user id, empty for worker contexts.
func (c *Context) UserID() string { return c.userID }

// Role returns the acting principal's role.
func (c *Context) Role() auth.Role { return c.role }

// Permissions returns the acting principal's access groups. Empty means
// unrestricted within the tenant.
func (c *Context) Permissions() []string { return c.permissions }

// ClientIP returns the request's client IP, empty for worker contexts.
func (c *Context) ClientIP() string { return c.clientIP }

// StoragePrefix returns the object-store key prefix all of the tenant's
// objects live under.
func (c *Context) StoragePrefix() string {
	return fmt.Sprintf("tenants/%s/", c.tenantID)
}

// DocumentKey builds the object-store key for a stored document.
func (c *Context) DocumentKey(name string) string {
	return c.StoragePrefix() + "documents/" + name
}

// OwnsKey reports whether a storage key lies inside the tenant's
// prefix. Queued tasks re-check this before touching storage.
func (c *Context) OwnsKey(key string) bool {
	return strings.HasPrefix(key, c.StoragePrefix())
}

// VectorNamespace returns the tenant's vector-store namespace label.
func (c *Context) VectorNamespace() string {
	return "tenant-" + strings.ReplaceAll(c.tenantID.String(), "_", "-")
}

// EncryptionKeyID returns the tenant-bound server-side encryption key
// alias used for every object-store write.
func (c *Context) EncryptionKeyID() string {
	return "alias/askdocs-tenant-" + c.tenantID.String()
}
