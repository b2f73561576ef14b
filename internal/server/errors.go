package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/askdocs/askdocs/internal/ingestion"
	"github.com/askdocs/askdocs/internal/llm"
	"github.com/askdocs/askdocs/internal/repository"
	"github.com/askdocs/askdocs/internal/service"
)

// errorEnvelope is the uniform JSON error body.
type errorEnvelope struct {
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorDetails(w, r, status, code, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorEnvelope{
		ErrorCode: code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
		Details:   details,
	})
}

// writeDomainError maps service and ingestion errors onto HTTP statuses
// and stable error codes.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var dup *ingestion.DuplicateError
	var cfgErr *llm.ConfigurationError
	var allFailed *llm.AllProvidersFailed

	switch {
	case errors.As(err, &dup):
		writeErrorDetails(w, r, http.StatusConflict, "DUPLICATE_DOCUMENT",
			"an identical document already exists",
			map[string]any{"existing_document_id": dup.ExistingID.String()})

	case errors.Is(err, ingestion.ErrPayloadTooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
			"file exceeds the maximum upload size")

	case errors.Is(err, ingestion.ErrUnsupportedType):
		writeError(w, r, http.StatusUnsupportedMediaType, "UNSUPPORTED_FILE_TYPE",
			"file type is not supported; upload PDF, DOCX, DOC, TXT or MD")

	case errors.Is(err, ingestion.ErrInvalidName):
		writeError(w, r, http.StatusBadRequest, "INVALID_DOCUMENT_NAME", err.Error())

	case errors.Is(err, ingestion.ErrMissingFile):
		writeError(w, r, http.StatusBadRequest, "MISSING_FILE", "request contains no file")

	case errors.Is(err, ingestion.ErrBadPermissions):
		writeError(w, r, http.StatusBadRequest, "INVALID_PERMISSIONS_FORMAT",
			"document_permissions must be a JSON array of strings")

	case errors.Is(err, service.ErrEmptyQuestion):
		writeError(w, r, http.StatusBadRequest, "INVALID_QUESTION", "question is required")

	case errors.Is(err, service.ErrNoContext):
		writeError(w, r, http.StatusNotFound, "NO_CONTEXT",
			"no relevant documents found for this question")

	case errors.Is(err, service.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", err.Error())

	case errors.Is(err, repository.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "DOCUMENT_NOT_FOUND", "document not found")

	case errors.As(err, &cfgErr):
		writeError(w, r, http.StatusBadRequest, "NO_ELIGIBLE_MODEL", cfgErr.Error())

	case errors.As(err, &allFailed):
		writeError(w, r, http.StatusBadGateway, "GENERATION_UNAVAILABLE",
			"all language model providers are currently unavailable")

	case errors.Is(err, ingestion.ErrStorage):
		writeError(w, r, http.StatusBadGateway, "STORAGE_ERROR",
			"object storage is currently unavailable")

	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR",
			"an internal error occurred")
	}
}
