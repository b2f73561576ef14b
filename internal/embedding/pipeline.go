package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/askdocs/askdocs/internal/chunker"
	"github.com/askdocs/askdocs/internal/vectorstore"
)

const (
	// BatchSize is the number of texts embedded per backend call.
	BatchSize = 100

	// MaxInFlight caps concurrent batches.
	MaxInFlight = 4

	// MaxRetries bounds retries per batch.
	MaxRetries = 3
)

// TransientError marks an embedding failure worth retrying: rate
// limits, 5xx responses, and network errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Result is the pipeline output. Batches fail independently: the
// records of successful batches are always returned, with the chunk
// indices of failed batches listed so the caller can decide whether the
// partial result suffices.
type Result struct {
	Records            []vectorstore.Record
	TotalTokens        int
	ElapsedMS          int64
	FailedChunkIndices []int
}

// Pipeline embeds chunk batches concurrently and assembles
// self-contained vector records.
type Pipeline struct {
	embedder Embedder
}

// NewPipeline creates an embedding pipeline.
func NewPipeline(embedder Embedder) *Pipeline {
	return &Pipeline{embedder: embedder}
}

// Run embeds all chunks of one document. sourceKey is carried into
// every record's metadata so retrieval can cite the original object
// without a relational join.
func (p *Pipeline) Run(ctx context.Context, tenantID, documentID uuid.UUID, sourceKey string, chunks []chunker.Chunk) *Result {
	start := time.Now()
	result := &Result{}
	if len(chunks) == 0 {
		return result
	}

	sem := semaphore.NewWeighted(MaxInFlight)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for batchStart := 0; batchStart < len(chunks); batchStart += BatchSize {
		batchEnd := batchStart + BatchSize
		if batchEnd > len(chunks) {
			batchEnd = len(chunks)
		}
		batch := chunks[batchStart:batchEnd]

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			for _, c := range batch {
				result.FailedChunkIndices = append(result.FailedChunkIndices, c.Index)
			}
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(batch []chunker.Chunk) {
			defer wg.Done()
			defer sem.Release(1)

			vectors, err := p.embedBatch(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("embedding batch failed",
					"document_id", documentID, "first_chunk", batch[0].Index, "error", err)
				for _, c := range batch {
					result.FailedChunkIndices = append(result.FailedChunkIndices, c.Index)
				}
				return
			}
			for i, c := range batch {
				result.Records = append(result.Records, vectorstore.Record{
					ID:     c.VectorID,
					Vector: vectors[i],
					Text:   c.Text,
					Metadata: map[string]any{
						"tenant_id":   tenantID.String(),
						"document_id": documentID.String(),
						"chunk_index": c.Index,
						"source_key":  sourceKey,
						"page_number": c.Page,
						"heading":     c.Heading,
						"token_est":   c.TokenCount,
					},
				})
				result.TotalTokens += c.TokenCount
			}
		}(batch)
	}
	wg.Wait()

	sort.Slice(result.Records, func(i, j int) bool {
		return result.Records[i].Metadata["chunk_index"].(int) < result.Records[j].Metadata["chunk_index"].(int)
	})
	sort.Ints(result.FailedChunkIndices)
	result.ElapsedMS = time.Since(start).Milliseconds()
	return result
}

// embedBatch embeds one batch with retries 2→4→8 s (capped at 60 s).
// Non-transient errors fail immediately.
func (p *Pipeline) embedBatch(ctx context.Context, batch []chunker.Chunk) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.Multiplier = 2
	policy.MaxInterval = 60 * time.Second
	policy.RandomizationFactor = 0

	var vectors [][]float32
	operation := func() error {
		var err error
		vectors, err = p.embedder.EmbedBatch(ctx, texts)
		if err == nil {
			if len(vectors) != len(texts) {
				return backoff.Permanent(fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts)))
			}
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, MaxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return vectors, nil
}
