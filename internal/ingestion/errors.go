// Package ingestion validates uploads and orchestrates the synchronous
// half of document intake: sniff, dedup, stream to storage, persist,
// and enqueue for async processing.
package ingestion

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for upload validation and infrastructure failures.
// Handlers map these to API error codes; anything unrecognized is
// treated as internal.
var (
	ErrInvalidName     = errors.New("document name is invalid")
	ErrMissingFile     = errors.New("no file content provided")
	ErrPayloadTooLarge = errors.New("file exceeds maximum upload size")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrBadPermissions  = errors.New("document permissions must be a list of principals")
	ErrStorage         = errors.New("object storage unavailable")
	ErrBroker          = errors.New("task queue unavailable")
)

// DuplicateError reports a content-identical live document already
// present for the tenant.
type DuplicateError struct {
	ExistingID uuid.UUID
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate document content (existing document %s)", e.ExistingID)
}

// IsDuplicate reports whether err is a duplicate-content rejection and
// returns the surviving document ID.
func IsDuplicate(err error) (uuid.UUID, bool) {
	var dup *DuplicateError
	if errors.As(err, &dup) {
		return dup.ExistingID, true
	}
	return uuid.Nil, false
}
