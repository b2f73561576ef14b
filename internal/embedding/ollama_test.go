package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ollamaServer(t *testing.T, handler http.HandlerFunc) *OllamaEmbedder {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Dimension: 3})
}

func TestOllamaEmbed(t *testing.T) {
	e := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultOllamaModel, req.Model)
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float64{0.1, 0.2, 0.3}})
	})

	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, v)
}

func TestOllamaEmbedStatusClassification(t *testing.T) {
	status := http.StatusTooManyRequests
	e := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})

	_, err := e.Embed(context.Background(), "x")
	assert.True(t, IsTransient(err), "429 must be retriable")

	status = http.StatusInternalServerError
	_, err = e.Embed(context.Background(), "x")
	assert.True(t, IsTransient(err), "5xx must be retriable")

	status = http.StatusBadRequest
	_, err = e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.False(t, IsTransient(err), "4xx other than 429 is permanent")
}

func TestOllamaEmbedBatchPreservesOrder(t *testing.T) {
	e := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Encode the prompt length so each input maps to a distinct
		// vector.
		_ = json.NewEncoder(w).Encode(embedResponse{
			Embedding: []float64{float64(len(req.Prompt)), 0, 0},
		})
	})

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(2), vectors[1][0])
	assert.Equal(t, float32(3), vectors[2][0])
}

func TestOllamaEmbedBatchStopsOnFailure(t *testing.T) {
	e := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Prompt == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float64{1, 2, 3}})
	})

	_, err := e.EmbedBatch(context.Background(), []string{"ok", "bad", "ok"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to embed text 1")
}
