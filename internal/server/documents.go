package server

import (
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/askdocs/askdocs/internal/auth"
	"github.com/askdocs/askdocs/internal/ingestion"
	"github.com/askdocs/askdocs/internal/progress"
	"github.com/askdocs/askdocs/internal/tenant"
)

// tenantContext builds the per-request tenant binding from the verified
// principal.
func tenantContext(r *http.Request) *tenant.Context {
	principal := auth.MustPrincipalFromContext(r.Context())
	return tenant.New(principal, clientIP(r))
}

func clientIP(r *http.Request) string {
	// middleware.RealIP has already rewritten RemoteAddr.
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// uploadDocument accepts a multipart upload and returns 202 with the
// pending document. The file part streams to object storage in fixed
// parts; it is never buffered whole.
func (h *handlers) uploadDocument(w http.ResponseWriter, r *http.Request) {
	tc := tenantContext(r)

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		writeError(w, r, http.StatusBadRequest, "INVALID_CONTENT_TYPE",
			"expected multipart/form-data")
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CONTENT_TYPE",
			"malformed multipart body: "+err.Error())
		return
	}

	// Scalar fields must precede the file part so they are available
	// before streaming starts.
	var documentName, permissionsJS, uploadToken, filename string
	var fileBody io.Reader
	for fileBody == nil {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_CONTENT_TYPE",
				"malformed multipart body: "+err.Error())
			return
		}
		switch part.FormName() {
		case "document_name":
			documentName = readSmallField(part)
		case "document_permissions":
			permissionsJS = readSmallField(part)
		case "upload_token":
			uploadToken = readSmallField(part)
		case "file":
			filename = part.FileName()
			fileBody = part
		default:
			_ = part.Close()
		}
	}
	if fileBody == nil {
		writeDomainError(w, r, ingestion.ErrMissingFile)
		return
	}
	if documentName == "" {
		documentName = filename
	}

	// Clients that want live progress send their own stream id and
	// subscribe to it before the upload finishes.
	uploadID := uploadToken
	if uploadID == "" {
		uploadID = r.Header.Get("X-Upload-ID")
	}
	if uploadID == "" {
		uploadID = uuid.NewString()
	}
	h.deps.Progress.Open(uploadID)

	result, err := h.deps.Orchestrator.Upload(r.Context(), tc, ingestion.UploadRequest{
		Filename:      filename,
		DisplayName:   documentName,
		Body:          fileBody,
		ContentLength: r.ContentLength,
		PermissionsJS: permissionsJS,
		Progress: func(bytesUploaded int64, partsCompleted int) error {
			h.deps.Progress.Publish(uploadID, progress.Event{
				Type:           progress.EventProgress,
				BytesUploaded:  bytesUploaded,
				PartsCompleted: partsCompleted,
			})
			return nil
		},
	})
	if err != nil {
		h.deps.Progress.Close(uploadID, progress.Event{
			Type:  progress.EventFailed,
			Error: err.Error(),
		})
		writeDomainError(w, r, err)
		return
	}

	h.deps.Progress.Close(uploadID, progress.Event{
		Type:       progress.EventDone,
		DocumentID: result.DocumentID.String(),
		Status:     result.Status,
	})

	w.Header().Set("Location",
		fmt.Sprintf("/api/v1/documents/%s/status", result.DocumentID))
	w.Header().Set("X-Document-ID", result.DocumentID.String())
	w.Header().Set("X-Tenant-ID", tc.TenantID().String())
	w.Header().Set("X-Upload-ID", uploadID)
	writeJSON(w, http.StatusAccepted, result)
}

// readSmallField reads a scalar multipart field with a sanity cap.
func readSmallField(part io.ReadCloser) string {
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, 64*1024))
	if err != nil {
		return ""
	}
	return string(data)
}

func (h *handlers) documentStatus(w http.ResponseWriter, r *http.Request) {
	tc := tenantContext(r)

	id, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_DOCUMENT_ID",
			"document id must be a UUID")
		return
	}

	status, err := h.deps.Documents.Status(r.Context(), tc, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handlers) listDocuments(w http.ResponseWriter, r *http.Request) {
	tc := tenantContext(r)

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 0)
	status := r.URL.Query().Get("status")

	result, err := h.deps.Documents.List(r.Context(), tc, status, page, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) deleteDocument(w http.ResponseWriter, r *http.Request) {
	tc := tenantContext(r)

	id, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_DOCUMENT_ID",
			"document id must be a UUID")
		return
	}

	if err := h.deps.Documents.Delete(r.Context(), tc, id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) getTenant(w http.ResponseWriter, r *http.Request) {
	tc := tenantContext(r)

	t, err := h.deps.Tenants.Ensure(r.Context(), tc.TenantID())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": t.ID.String(),
		"name":      t.Name,
	})
}

func (h *handlers) renameTenant(w http.ResponseWriter, r *http.Request) {
	tc := tenantContext(r)

	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if body.Name == "" {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "name is required")
		return
	}

	t, err := h.deps.Tenants.Rename(r.Context(), tc.TenantID(), body.Name)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": t.ID.String(),
		"name":      t.Name,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return def
	}
	return n
}
