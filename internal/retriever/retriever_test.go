package retriever

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdocs/askdocs/internal/reranker"
	"github.com/askdocs/askdocs/internal/vectorstore"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fixedEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (fixedEmbedder) Dimension() int    { return 3 }
func (fixedEmbedder) ModelName() string { return "fixed" }

type fakeStore struct {
	matches   []vectorstore.Match
	lastTopK  int
	lastFilt  map[string]any
	queryErr  error
}

func (f *fakeStore) EnsureReady(context.Context) error { return nil }

func (f *fakeStore) Upsert(context.Context, []vectorstore.Record) (int, error) { return 0, nil }

func (f *fakeStore) Query(_ context.Context, _ []float32, topK int, filter map[string]any) ([]vectorstore.Match, error) {
	f.lastTopK = topK
	f.lastFilt = filter
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.matches) > topK {
		return f.matches[:topK], nil
	}
	return f.matches, nil
}

func (f *fakeStore) Delete(context.Context, []string) error              { return nil }
func (f *fakeStore) DeleteByDocument(context.Context, uuid.UUID) error   { return nil }
func (f *fakeStore) Count(context.Context) (uint64, error)               { return 0, nil }
func (f *fakeStore) Name() string                                        { return "fake" }

type fakeReranker struct {
	err    error
	calls  int
	gotLen int
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, candidates []reranker.Candidate, topK int) ([]reranker.Scored, error) {
	f.calls++
	f.gotLen = len(candidates)
	if f.err != nil {
		return nil, f.err
	}
	// Reverse order with descending synthetic scores.
	var out []reranker.Scored
	for i := len(candidates) - 1; i >= 0 && len(out) < topK; i-- {
		out = append(out, reranker.Scored{
			Candidate: candidates[i],
			Score:     float64(len(candidates) - i),
		})
	}
	return out, nil
}

func match(id, text string, score float32, perms ...string) vectorstore.Match {
	meta := map[string]any{"document_id": uuid.NewString()}
	if len(perms) > 0 {
		tags := make([]any, len(perms))
		for i, p := range perms {
			tags[i] = p
		}
		meta["document_permissions"] = tags
	}
	return vectorstore.Match{ID: id, Score: score, Text: text, Metadata: meta}
}

func TestRetrieveDenseCandidateCount(t *testing.T) {
	store := &fakeStore{matches: []vectorstore.Match{match("a", "alpha text", 0.9)}}
	r := New(fixedEmbedder{}, store, nil)

	_, err := r.Retrieve(context.Background(), Request{Query: "alpha", TopK: 10})
	require.NoError(t, err)
	assert.Equal(t, 40, store.lastTopK, "dense N = top_k * 4")

	_, err = r.Retrieve(context.Background(), Request{Query: "alpha", TopK: 3})
	require.NoError(t, err)
	assert.Equal(t, 20, store.lastTopK, "dense N floors at 20")
}

func TestRetrieveTopKClamped(t *testing.T) {
	store := &fakeStore{}
	r := New(fixedEmbedder{}, store, nil)

	_, err := r.Retrieve(context.Background(), Request{Query: "q", TopK: 500})
	require.NoError(t, err)
	assert.Equal(t, MaxTopK*4, store.lastTopK)
}

func TestRetrievePermissionFilter(t *testing.T) {
	// Two candidates: A tagged finance, B tagged hr. With
	// allowed=[finance], only A survives.
	store := &fakeStore{matches: []vectorstore.Match{
		match("a", "quarterly finance numbers", 0.9, "finance"),
		match("b", "hr onboarding guide", 0.8, "hr"),
	}}
	r := New(fixedEmbedder{}, store, nil)

	results, err := r.Retrieve(context.Background(), Request{
		Query:              "finance",
		TopK:               5,
		AllowedPermissions: []string{"finance"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestRetrieveUntaggedIsWorldReadable(t *testing.T) {
	store := &fakeStore{matches: []vectorstore.Match{
		match("a", "tagged doc", 0.9, "hr"),
		match("b", "untagged doc", 0.8),
	}}
	r := New(fixedEmbedder{}, store, nil)

	results, err := r.Retrieve(context.Background(), Request{
		Query:              "doc",
		TopK:               5,
		AllowedPermissions: []string{"finance"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestRetrieveRRFBoostsLexicalMatches(t *testing.T) {
	// Dense rank favors "a", but the query terms only appear in "c".
	// RRF should lift "c" above its dense position.
	store := &fakeStore{matches: []vectorstore.Match{
		match("a", "completely unrelated filler words", 0.9),
		match("b", "more unrelated filler content", 0.8),
		match("c", "kubernetes deployment rollback procedure", 0.7),
	}}
	r := New(fixedEmbedder{}, store, nil)

	results, err := r.Retrieve(context.Background(), Request{Query: "kubernetes rollback", TopK: 3})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "c", results[0].ID, "lexical hit should win fusion")
	assert.Greater(t, results[0].RRFScore, results[1].RRFScore)
}

func TestRetrieveRerankerOrdersAndAnnotates(t *testing.T) {
	store := &fakeStore{matches: []vectorstore.Match{
		match("a", "first text", 0.9),
		match("b", "second text", 0.8),
		match("c", "third text", 0.7),
	}}
	rr := &fakeReranker{}
	r := New(fixedEmbedder{}, store, rr)

	results, err := r.Retrieve(context.Background(), Request{Query: "zzz", TopK: 10})
	require.NoError(t, err)

	assert.Equal(t, 1, rr.calls)
	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), RerankCeiling, "rerank keeps min(top_k, 5)")
	for _, res := range results {
		assert.True(t, res.Reranked)
		assert.NotZero(t, res.RerankScore)
		assert.NotZero(t, res.RerankOriginalRank)
	}
	// fakeReranker reverses: the last fused candidate comes first.
	assert.Equal(t, "c", results[0].ID)
}

func TestRetrieveRerankerFailureFallsBack(t *testing.T) {
	store := &fakeStore{matches: []vectorstore.Match{
		match("a", "alpha", 0.9),
		match("b", "beta", 0.8),
	}}
	rr := &fakeReranker{err: errors.New("connection refused")}
	r := New(fixedEmbedder{}, store, rr)

	results, err := r.Retrieve(context.Background(), Request{Query: "alpha", TopK: 5})
	require.NoError(t, err, "reranker outage must not fail retrieval")
	require.NotEmpty(t, results)
	for _, res := range results {
		assert.False(t, res.Reranked)
	}
}

func TestRetrieveEmptyStore(t *testing.T) {
	r := New(fixedEmbedder{}, &fakeStore{}, nil)
	results, err := r.Retrieve(context.Background(), Request{Query: "q", TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"The quick brown fox", []string{"quick", "brown", "fox"}},
		{"state-of-the-art systems!", []string{"state-of-the-art", "systems"}},
		{"Hello, World. (again)", []string{"hello", "world", "again"}},
		{"the a an of", nil},
		{"", nil},
		{"-leading and trailing- hyphens-", []string{"leading", "trailing", "hyphens"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tokenize(tc.in), "input %q", tc.in)
	}
}

func TestBM25EmptyCorpusDegrades(t *testing.T) {
	_, ok := newBM25Index([]string{"", "the of a"})
	assert.False(t, ok)
}

func TestBM25RanksTermMatches(t *testing.T) {
	idx, ok := newBM25Index([]string{
		"postgres replication setup guide",
		"baking sourdough bread at home",
		"postgres vacuum tuning notes",
	})
	require.True(t, ok)

	scored := idx.scores("postgres tuning")
	require.NotEmpty(t, scored)
	assert.Equal(t, 2, scored[0].index, "doc with both terms ranks first")
}
