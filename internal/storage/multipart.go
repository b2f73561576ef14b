package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// PartSize is the fixed multipart part size. The final part may be
// smaller.
const PartSize = 5 * 1024 * 1024

// ErrPayloadTooLarge is returned when the cumulative stream exceeds the
// configured byte cap. The upload is aborted before it is returned.
var ErrPayloadTooLarge = errors.New("payload exceeds size limit")

// ErrEmptyPayload is returned when the stream yields zero bytes.
var ErrEmptyPayload = errors.New("payload is empty")

// ProgressFunc receives cumulative upload progress after each part.
// Errors from the callback are logged and ignored; progress reporting
// never fails an upload.
type ProgressFunc func(bytesUploaded int64, partsCompleted int) error

// UploadResult describes a completed streaming upload.
type UploadResult struct {
	Key         string
	SizeBytes   int64
	MD5Checksum string // lowercase hex
	PartCount   int
}

// StreamUpload reads src in PartSize chunks, uploads each as a
// multipart part, and completes the upload. It computes a running MD5
// of the stream and enforces maxBytes cumulatively, so an oversized
// stream is rejected without ever being buffered in full. On any
// failure the multipart upload is aborted.
func StreamUpload(ctx context.Context, store ObjectStorage, key, contentType, encryptionKeyID string, src io.Reader, maxBytes int64, progress ProgressFunc) (*UploadResult, error) {
	uploadID, err := store.InitiateMultipart(ctx, key, contentType, encryptionKeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to initiate upload: %w", err)
	}

	res, err := streamParts(ctx, store, key, uploadID, src, maxBytes, progress)
	if err != nil {
		if abortErr := store.AbortMultipart(ctx, key, uploadID); abortErr != nil {
			slog.Warn("failed to abort multipart upload", "key", key, "error", abortErr)
		}
		return nil, err
	}
	return res, nil
}

func streamParts(ctx context.Context, store ObjectStorage, key, uploadID string, src io.Reader, maxBytes int64, progress ProgressFunc) (*UploadResult, error) {
	var (
		parts []PartInfo
		total int64
	)
	hash := md5.New()
	buf := make([]byte, PartSize)

	for {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			total += int64(n)
			if total > maxBytes {
				return nil, ErrPayloadTooLarge
			}
			hash.Write(buf[:n])

			partNumber := int32(len(parts) + 1)
			etag, err := store.UploadPart(ctx, key, uploadID, partNumber, buf[:n])
			if err != nil {
				return nil, fmt.Errorf("failed to upload part %d: %w", partNumber, err)
			}
			parts = append(parts, PartInfo{PartNumber: partNumber, ETag: etag})

			if progress != nil {
				if err := progress(total, len(parts)); err != nil {
					slog.Warn("upload progress callback failed", "key", key, "error", err)
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("failed to read upload stream: %w", readErr)
		}
	}

	if total == 0 {
		return nil, ErrEmptyPayload
	}

	if err := store.CompleteMultipart(ctx, key, uploadID, parts); err != nil {
		return nil, fmt.Errorf("failed to complete upload: %w", err)
	}

	return &UploadResult{
		Key:         key,
		SizeBytes:   total,
		MD5Checksum: hex.EncodeToString(hash.Sum(nil)),
		PartCount:   len(parts),
	}, nil
}
