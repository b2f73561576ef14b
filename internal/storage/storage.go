// Package storage provides tenant-scoped object storage for uploaded
// documents and a streaming multipart uploader on top of it.
package storage

import (
	"context"
	"io"
	"time"
)

// PartInfo identifies one uploaded part of a multipart upload.
type PartInfo struct {
	PartNumber int32
	ETag       string
}

// ObjectStorage abstracts the object store used for document bytes.
// Keys are always full tenant-prefixed keys; implementations must not
// invent or rewrite prefixes.
type ObjectStorage interface {
	// InitiateMultipart begins a multipart upload, encrypted with the
	// tenant's key, and returns the upload ID.
	InitiateMultipart(ctx context.Context, key, contentType, encryptionKeyID string) (string, error)

	// UploadPart uploads one part (1-based part numbers) and returns
	// its ETag.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error)

	// CompleteMultipart assembles the uploaded parts into the final
	// object.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []PartInfo) error

	// AbortMultipart discards a failed upload so no partial object
	// lingers.
	AbortMultipart(ctx context.Context, key, uploadID string) error

	// Get streams the object body. The caller must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object.
	Delete(ctx context.Context, key string) error

	// TagForExpiry marks the object so a lifecycle rule purges it
	// after the retention window instead of deleting it inline.
	TagForExpiry(ctx context.Context, key string, after time.Duration) error
}
