package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/askdocs/askdocs/internal/progress"
)

const progressHeartbeat = time.Second

// uploadProgress streams upload progress events for one upload id over
// SSE until the stream closes or the client disconnects.
func (h *handlers) uploadProgress(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")

	events, ok := h.deps.Progress.Subscribe(uploadID)
	if !ok {
		writeError(w, r, http.StatusNotFound, "DOCUMENT_NOT_FOUND", "unknown upload id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR",
			"streaming is not supported")
		return
	}

	setSSEHeaders(w)
	writeSSEEvent(w, progress.EventConnected, map[string]string{"upload_id": uploadID})
	flusher.Flush()

	heartbeat := time.NewTicker(progressHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			// Comment line keeps intermediaries from closing the idle
			// connection.
			_, _ = w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSEEvent(w, ev.Type, ev)
			flusher.Flush()
		}
	}
}
