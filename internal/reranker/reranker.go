// Package reranker provides cross-encoder re-scoring of retrieval
// candidates.
//
// A cross-encoder sees the query and document together rather than
// independently, which sharpens ordering when the top vector hits have
// similar scores. The trade-off is an extra network call per query, so
// reranking is a deployment option rather than a hard dependency; the
// retriever falls back to fused order when no reranker is available.
package reranker

import "context"

// Candidate is one document sent for re-scoring.
type Candidate struct {
	ID   string
	Text string
}

// Scored is a re-scored candidate. OriginalRank preserves the 1-based
// pre-rerank position for observability.
type Scored struct {
	Candidate
	Score        float64
	OriginalRank int
}

// Reranker re-orders candidates by relevance to the query, returning at
// most topK results.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Scored, error)
}
