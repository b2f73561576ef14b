package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdocs/askdocs/internal/chunker"
)

type fakeEmbedder struct {
	mu        sync.Mutex
	calls     int
	failTexts map[string]error // batch containing this text fails
	failOnce  map[string]error // fails the first attempt only
	inFlight  int32
	maxSeen   int32
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{failTexts: map[string]error{}, failOnce: map[string]error{}}
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, cur) {
			break
		}
	}

	f.mu.Lock()
	f.calls++
	for _, t := range texts {
		if err, ok := f.failTexts[t]; ok {
			f.mu.Unlock()
			return nil, err
		}
		if err, ok := f.failOnce[t]; ok {
			delete(f.failOnce, t)
			f.mu.Unlock()
			return nil, err
		}
	}
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int    { return 2 }
func (f *fakeEmbedder) ModelName() string { return "fake" }

var _ Embedder = (*fakeEmbedder)(nil)

func makeChunks(n int) []chunker.Chunk {
	tenantID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	docID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	chunks := make([]chunker.Chunk, n)
	for i := range chunks {
		chunks[i] = chunker.Chunk{
			Index:      i,
			Text:       fmt.Sprintf("chunk number %d with some body text", i),
			VectorID:   chunker.VectorID(tenantID, docID, i),
			Page:       i/10 + 1,
			Heading:    "Section",
			TokenCount: 8,
		}
	}
	return chunks
}

func TestPipelineEmbedsAllChunks(t *testing.T) {
	emb := newFakeEmbedder()
	p := NewPipeline(emb)

	chunks := makeChunks(250) // 3 batches at size 100
	res := p.Run(context.Background(), uuid.New(), uuid.New(), "tenants/t/documents/d.pdf", chunks)

	require.Len(t, res.Records, 250)
	assert.Empty(t, res.FailedChunkIndices)
	assert.Equal(t, 250*8, res.TotalTokens)
	assert.Equal(t, 3, emb.calls)

	// Records come back ordered by chunk index with full metadata.
	for i, r := range res.Records {
		assert.Equal(t, i, r.Metadata["chunk_index"])
		assert.Equal(t, "tenants/t/documents/d.pdf", r.Metadata["source_key"])
		assert.NotEmpty(t, r.Metadata["tenant_id"])
		assert.Len(t, r.ID, 32)
	}
}

func TestPipelineConcurrencyCap(t *testing.T) {
	emb := newFakeEmbedder()
	p := NewPipeline(emb)

	p.Run(context.Background(), uuid.New(), uuid.New(), "k", makeChunks(1000))
	assert.LessOrEqual(t, emb.maxSeen, int32(MaxInFlight))
}

func TestPipelinePartialResultOnPermanentFailure(t *testing.T) {
	emb := newFakeEmbedder()
	chunks := makeChunks(250)
	// Poison a text in the second batch; non-transient fails without retry.
	emb.failTexts[chunks[150].Text] = errors.New("invalid request")

	res := NewPipeline(emb).Run(context.Background(), uuid.New(), uuid.New(), "k", chunks)

	assert.Len(t, res.Records, 150)
	require.Len(t, res.FailedChunkIndices, 100)
	assert.Equal(t, 100, res.FailedChunkIndices[0])
	assert.Equal(t, 199, res.FailedChunkIndices[99])
}

func TestPipelineRetriesTransientErrors(t *testing.T) {
	emb := newFakeEmbedder()
	chunks := makeChunks(5)
	emb.failOnce[chunks[0].Text] = &TransientError{Err: errors.New("status 429")}

	res := NewPipeline(emb).Run(context.Background(), uuid.New(), uuid.New(), "k", chunks)

	assert.Len(t, res.Records, 5)
	assert.Empty(t, res.FailedChunkIndices)
	assert.Equal(t, 2, emb.calls, "one failure plus one retry")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&TransientError{Err: errors.New("x")}))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", &TransientError{Err: errors.New("x")})))
	assert.False(t, IsTransient(errors.New("auth failed")))
	assert.False(t, IsTransient(nil))
}

func TestPipelineEmptyInput(t *testing.T) {
	res := NewPipeline(newFakeEmbedder()).Run(context.Background(), uuid.New(), uuid.New(), "k", nil)
	assert.Empty(t, res.Records)
	assert.Empty(t, res.FailedChunkIndices)
}
