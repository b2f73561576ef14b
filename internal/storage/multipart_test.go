package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	initiated   int
	parts       map[int32][]byte
	completed   bool
	aborted     bool
	failPart    int32 // fail uploads of this part number
	failInit    bool
	failFinish  bool
	lastKeyID   string
	lastKey     string
	lastContent string
}

func newFakeStore() *fakeStore {
	return &fakeStore{parts: map[int32][]byte{}}
}

func (f *fakeStore) InitiateMultipart(_ context.Context, key, contentType, encryptionKeyID string) (string, error) {
	if f.failInit {
		return "", errors.New("init unavailable")
	}
	f.initiated++
	f.lastKey = key
	f.lastContent = contentType
	f.lastKeyID = encryptionKeyID
	return "upload-1", nil
}

func (f *fakeStore) UploadPart(_ context.Context, _, _ string, partNumber int32, data []byte) (string, error) {
	if f.failPart == partNumber {
		return "", errors.New("part upload failed")
	}
	f.parts[partNumber] = append([]byte(nil), data...)
	return "etag", nil
}

func (f *fakeStore) CompleteMultipart(_ context.Context, _, _ string, parts []PartInfo) error {
	if f.failFinish {
		return errors.New("complete failed")
	}
	f.completed = true
	return nil
}

func (f *fakeStore) AbortMultipart(_ context.Context, _, _ string) error {
	f.aborted = true
	return nil
}

func (f *fakeStore) Get(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStore) Delete(_ context.Context, _ string) error { return nil }

func (f *fakeStore) TagForExpiry(_ context.Context, _ string, _ time.Duration) error { return nil }

func TestStreamUploadSplitsIntoParts(t *testing.T) {
	store := newFakeStore()
	payload := bytes.Repeat([]byte("a"), PartSize+1000)

	res, err := StreamUpload(context.Background(), store, "tenants/t1/documents/x.pdf", "application/pdf", "alias/askdocs-tenant-t1", bytes.NewReader(payload), 100*1024*1024, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.PartCount)
	assert.Equal(t, int64(len(payload)), res.SizeBytes)
	assert.Len(t, store.parts[1], PartSize)
	assert.Len(t, store.parts[2], 1000)
	assert.True(t, store.completed)
	assert.False(t, store.aborted)
	assert.Equal(t, "alias/askdocs-tenant-t1", store.lastKeyID)

	sum := md5.Sum(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.MD5Checksum)
}

func TestStreamUploadRejectsOversize(t *testing.T) {
	store := newFakeStore()
	payload := bytes.Repeat([]byte("b"), 2*PartSize)

	_, err := StreamUpload(context.Background(), store, "k", "application/pdf", "", bytes.NewReader(payload), PartSize+10, nil)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.True(t, store.aborted, "oversize upload must be aborted")
	assert.False(t, store.completed)
}

func TestStreamUploadRejectsEmpty(t *testing.T) {
	store := newFakeStore()

	_, err := StreamUpload(context.Background(), store, "k", "text/plain", "", strings.NewReader(""), 100, nil)
	require.ErrorIs(t, err, ErrEmptyPayload)
	assert.True(t, store.aborted)
}

func TestStreamUploadAbortsOnPartFailure(t *testing.T) {
	store := newFakeStore()
	store.failPart = 2
	payload := bytes.Repeat([]byte("c"), PartSize+1)

	_, err := StreamUpload(context.Background(), store, "k", "application/pdf", "", bytes.NewReader(payload), 100*1024*1024, nil)
	require.Error(t, err)
	assert.True(t, store.aborted)
	assert.False(t, store.completed)
}

func TestStreamUploadProgressErrorsIgnored(t *testing.T) {
	store := newFakeStore()
	payload := bytes.Repeat([]byte("d"), PartSize*2)

	var calls []int64
	progress := func(uploaded int64, parts int) error {
		calls = append(calls, uploaded)
		return errors.New("sink unavailable")
	}

	res, err := StreamUpload(context.Background(), store, "k", "application/pdf", "", bytes.NewReader(payload), 100*1024*1024, progress)
	require.NoError(t, err, "progress failures must not fail the upload")
	assert.Equal(t, 2, res.PartCount)
	assert.Equal(t, []int64{PartSize, 2 * PartSize}, calls)
}

func TestStreamUploadInitFailure(t *testing.T) {
	store := newFakeStore()
	store.failInit = true

	_, err := StreamUpload(context.Background(), store, "k", "application/pdf", "", strings.NewReader("x"), 100, nil)
	require.Error(t, err)
	assert.False(t, store.aborted, "nothing to abort when initiate fails")
}

func TestStreamUploadCompleteFailureAborts(t *testing.T) {
	store := newFakeStore()
	store.failFinish = true

	_, err := StreamUpload(context.Background(), store, "k", "text/plain", "", strings.NewReader("hello"), 100, nil)
	require.Error(t, err)
	assert.True(t, store.aborted)
}
