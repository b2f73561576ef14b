package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/askdocs/askdocs/internal/llm"
	"github.com/askdocs/askdocs/internal/service"
)

// maxQueryBody caps the JSON body of a query request.
const maxQueryBody = 1 << 20

type queryBody struct {
	Question    string   `json:"question"`
	TopK        int      `json:"top_k"`
	Strategy    string   `json:"strategy"`
	Privacy     string   `json:"privacy"`
	DocumentID  string   `json:"document_id"`
	Permissions []string `json:"document_permissions"`
}

func decodeJSONBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxQueryBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (b queryBody) toRequest() (service.QueryRequest, error) {
	req := service.QueryRequest{
		Question:    b.Question,
		TopK:        b.TopK,
		Strategy:    llm.Strategy(b.Strategy),
		DataClass:   llm.DataClass(b.Privacy),
		Permissions: b.Permissions,
	}
	if b.DocumentID != "" {
		id, err := uuid.Parse(b.DocumentID)
		if err != nil {
			return req, errors.New("document_id must be a UUID")
		}
		req.DocumentID = &id
	}
	return req, nil
}

func (h *handlers) query(w http.ResponseWriter, r *http.Request) {
	tc := tenantContext(r)

	var body queryBody
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	resp, err := h.deps.RAG.Query(r.Context(), tc, req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// queryStream answers a question over SSE: a sources event, token
// events as the model produces them, then a final event with the full
// response.
func (h *handlers) queryStream(w http.ResponseWriter, r *http.Request) {
	tc := tenantContext(r)

	var body queryBody
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	events, err := h.deps.RAG.QueryStream(r.Context(), tc, req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR",
			"streaming is not supported")
		return
	}

	setSSEHeaders(w)
	flusher.Flush()

	for ev := range events {
		switch {
		case ev.Err != nil:
			writeSSEEvent(w, "error", map[string]string{"message": "generation failed"})
			flusher.Flush()
			return
		case ev.Sources != nil:
			writeSSEEvent(w, "sources", ev.Sources)
		case ev.Final != nil:
			writeSSEEvent(w, "final", ev.Final)
		default:
			writeSSEEvent(w, "token", map[string]string{"token": ev.Token})
		}
		flusher.Flush()
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSEEvent(w io.Writer, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
