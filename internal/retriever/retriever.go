package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/askdocs/askdocs/internal/embedding"
	"github.com/askdocs/askdocs/internal/reranker"
	"github.com/askdocs/askdocs/internal/vectorstore"
)

const (
	// MaxTopK caps a retrieval request.
	MaxTopK = 20

	// MinDenseCandidates floors the dense fetch size.
	MinDenseCandidates = 20

	// RerankCeiling caps how many results survive reranking.
	RerankCeiling = 5

	// rrfK is the reciprocal-rank-fusion constant.
	rrfK = 60
)

// Request is one retrieval query.
type Request struct {
	Query          string
	TopK           int
	MetadataFilter map[string]any
	// AllowedPermissions restricts results to documents whose
	// permission tags intersect this set. Documents without tags are
	// world-readable within the tenant.
	AllowedPermissions []string
}

// Result is one retrieved chunk with its scores through the pipeline
// stages.
type Result struct {
	ID                 string
	Text               string
	Metadata           map[string]any
	VectorScore        float64
	RRFScore           float64
	RerankScore        float64
	RerankOriginalRank int
	Reranked           bool
}

// Retriever runs the hybrid pipeline: dense fetch, BM25 over the dense
// candidates, reciprocal rank fusion, permission filter, cross-encoder
// rerank.
type Retriever struct {
	embedder embedding.Embedder
	store    vectorstore.Store
	reranker reranker.Reranker // nil disables reranking
}

// New creates a hybrid retriever bound to one tenant's vector store.
func New(embedder embedding.Embedder, store vectorstore.Store, rr reranker.Reranker) *Retriever {
	return &Retriever{embedder: embedder, store: store, reranker: rr}
}

// Retrieve executes the pipeline.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]Result, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}

	vector, err := r.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	denseN := topK * 4
	if denseN < MinDenseCandidates {
		denseN = MinDenseCandidates
	}
	matches, err := r.store.Query(ctx, vector, denseN, req.MetadataFilter)
	if err != nil {
		return nil, fmt.Errorf("dense retrieval failed: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	candidates := make([]Result, len(matches))
	for i, m := range matches {
		candidates[i] = Result{
			ID:          m.ID,
			Text:        m.Text,
			Metadata:    m.Metadata,
			VectorScore: float64(m.Score),
		}
	}

	fused := fuse(candidates, lexicalRanks(req.Query, candidates))
	fused = filterByPermissions(fused, req.AllowedPermissions)

	return r.rerank(ctx, req.Query, fused, topK), nil
}

// lexicalRanks BM25-scores the query against the dense candidates and
// returns candidate indices in lexical rank order. A corpus BM25 cannot
// index degrades to dense-only.
func lexicalRanks(query string, candidates []Result) []int {
	corpus := make([]string, len(candidates))
	for i, c := range candidates {
		corpus[i] = c.Text
	}

	idx, ok := newBM25Index(corpus)
	if !ok {
		slog.Debug("BM25 index empty, using dense ranking only")
		return nil
	}

	scored := idx.scores(query)
	ranks := make([]int, len(scored))
	for i, s := range scored {
		ranks[i] = s.index
	}
	return ranks
}

// fuse combines dense order (the candidates slice is already ranked)
// with lexical order via reciprocal rank fusion: each 1-based rank r
// contributes 1/(60+r).
func fuse(candidates []Result, lexical []int) []Result {
	for i := range candidates {
		candidates[i].RRFScore = 1 / float64(rrfK+i+1)
	}
	for r, idx := range lexical {
		candidates[idx].RRFScore += 1 / float64(rrfK+r+1)
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].RRFScore > candidates[b].RRFScore
	})
	return candidates
}

// filterByPermissions drops candidates whose permission tags are
// disjoint from the allowed set. Untagged documents stay.
func filterByPermissions(candidates []Result, allowed []string) []Result {
	if len(allowed) == 0 {
		return candidates
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = struct{}{}
	}

	out := candidates[:0]
	for _, c := range candidates {
		tags := permissionTags(c.Metadata)
		if len(tags) == 0 {
			out = append(out, c)
			continue
		}
		for _, tag := range tags {
			if _, ok := allowedSet[tag]; ok {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// permissionTags reads document_permissions out of vector metadata,
// which may have round-tripped through JSON.
func permissionTags(meta map[string]any) []string {
	switch t := meta["document_permissions"].(type) {
	case []string:
		return t
	case []any:
		tags := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	}
	return nil
}

// rerank sends the fused candidates through the cross-encoder and keeps
// min(topK, 5). An unavailable reranker degrades to fused order.
func (r *Retriever) rerank(ctx context.Context, query string, fused []Result, topK int) []Result {
	finalK := topK
	if finalK > RerankCeiling {
		finalK = RerankCeiling
	}

	if r.reranker == nil || len(fused) == 0 {
		return truncate(fused, finalK)
	}

	candidates := make([]reranker.Candidate, len(fused))
	byID := make(map[string]int, len(fused))
	for i, c := range fused {
		candidates[i] = reranker.Candidate{ID: c.ID, Text: c.Text}
		byID[c.ID] = i
	}

	scored, err := r.reranker.Rerank(ctx, query, candidates, finalK)
	if err != nil {
		slog.Warn("reranker unavailable, returning fused order", "error", err)
		return truncate(fused, finalK)
	}

	out := make([]Result, 0, len(scored))
	for _, s := range scored {
		idx, ok := byID[s.ID]
		if !ok {
			continue
		}
		res := fused[idx]
		res.RerankScore = s.Score
		res.RerankOriginalRank = idx + 1
		res.Reranked = true
		out = append(out, res)
	}
	if len(out) == 0 {
		return truncate(fused, finalK)
	}
	return out
}

func truncate(results []Result, k int) []Result {
	if len(results) > k {
		return results[:k]
	}
	return results
}
