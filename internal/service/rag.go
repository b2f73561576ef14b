// Package service orchestrates the request-level use cases: question
// answering over a tenant's documents and document lifecycle operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/askdocs/askdocs/internal/audit"
	"github.com/askdocs/askdocs/internal/llm"
	"github.com/askdocs/askdocs/internal/prompt"
	"github.com/askdocs/askdocs/internal/repository"
	"github.com/askdocs/askdocs/internal/retriever"
	"github.com/askdocs/askdocs/internal/tenant"
)

var (
	// ErrEmptyQuestion is returned for a blank or whitespace question.
	ErrEmptyQuestion = errors.New("question is required")

	// ErrNoContext is returned when retrieval surfaces nothing the
	// caller may read. The service refuses to answer from thin air.
	ErrNoContext = errors.New("no relevant context found")
)

// auditQuestionLimit caps how much of the question is stored in the
// audit log.
const auditQuestionLimit = 500

// promptName is the template the answer flow resolves.
const promptName = "rag_answer"

// RetrieverFactory opens a tenant-bound retriever.
type RetrieverFactory func(tenantID uuid.UUID) (*retriever.Retriever, error)

// QueryRequest is one question against the tenant's corpus.
type QueryRequest struct {
	Question  string
	TopK      int
	Strategy  llm.Strategy
	DataClass llm.DataClass

	// DocumentID narrows retrieval to one document when set.
	DocumentID *uuid.UUID

	// Permissions narrows retrieval to documents tagged with one of
	// these permission tags. Tags the caller does not hold are dropped;
	// an empty list means everything the caller may read.
	Permissions []string
}

// SourceChunk is one retrieved chunk cited in an answer.
type SourceChunk struct {
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	Text       string  `json:"text"`
	Page       int     `json:"page,omitempty"`
	Heading    string  `json:"heading,omitempty"`
	Score      float64 `json:"score"`
}

// QueryResponse is a grounded answer with its citations and timings.
type QueryResponse struct {
	Answer   string        `json:"answer"`
	Sources  []SourceChunk `json:"sources"`
	Model    string        `json:"model"`
	Provider string        `json:"provider"`

	RetrievalMS  int64 `json:"retrieval_ms"`
	GenerationMS int64 `json:"generation_ms"`
	TotalMS      int64 `json:"total_ms"`
	ChunksUsed   int   `json:"chunks_used"`
}

// StreamEvent is one server-sent fragment of a streamed answer.
type StreamEvent struct {
	Token   string
	Sources []SourceChunk
	Final   *QueryResponse
	Err     error
}

// RAGService answers questions from retrieved document context.
type RAGService struct {
	tenants    repository.TenantRepository
	retrievers RetrieverFactory
	prompts    *prompt.Manager
	gateway    *llm.Gateway
	auditlog   *audit.Writer
}

// NewRAGService wires the question answering flow.
func NewRAGService(
	tenants repository.TenantRepository,
	retrievers RetrieverFactory,
	prompts *prompt.Manager,
	gateway *llm.Gateway,
	auditlog *audit.Writer,
) *RAGService {
	return &RAGService{
		tenants:    tenants,
		retrievers: retrievers,
		prompts:    prompts,
		gateway:    gateway,
		auditlog:   auditlog,
	}
}

// Query runs retrieval, prompt assembly and generation for one question.
func (s *RAGService) Query(ctx context.Context, tc *tenant.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()

	prepared, err := s.prepare(ctx, tc, req)
	if err != nil {
		return nil, err
	}

	genStart := time.Now()
	answer, err := s.gateway.Generate(ctx, llm.Request{
		TenantID:     tc.TenantID(),
		UserID:       tc.UserID(),
		Prompt:       req.Question,
		SystemPrompt: prepared.systemPrompt,
		Strategy:     req.Strategy,
		DataClass:    req.DataClass,
	})
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	resp := &QueryResponse{
		Answer:       answer.Text,
		Sources:      prepared.sources,
		Model:        answer.Model,
		Provider:     answer.Provider,
		RetrievalMS:  prepared.retrievalMS,
		GenerationMS: time.Since(genStart).Milliseconds(),
		TotalMS:      time.Since(start).Milliseconds(),
		ChunksUsed:   len(prepared.sources),
	}
	s.auditQuery(ctx, tc, req.Question, resp)
	return resp, nil
}

// QueryStream is Query with a streamed answer. Sources are emitted
// before the first token so clients can render citations immediately.
func (s *RAGService) QueryStream(ctx context.Context, tc *tenant.Context, req QueryRequest) (<-chan StreamEvent, error) {
	start := time.Now()

	prepared, err := s.prepare(ctx, tc, req)
	if err != nil {
		return nil, err
	}

	genStart := time.Now()
	chunks, model, err := s.gateway.GenerateStream(ctx, llm.Request{
		TenantID:     tc.TenantID(),
		UserID:       tc.UserID(),
		Prompt:       req.Question,
		SystemPrompt: prepared.systemPrompt,
		Strategy:     req.Strategy,
		DataClass:    req.DataClass,
	})
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		events <- StreamEvent{Sources: prepared.sources}

		var answer strings.Builder
		for chunk := range chunks {
			if chunk.Error != nil {
				events <- StreamEvent{Err: chunk.Error}
				return
			}
			if chunk.Token != "" {
				answer.WriteString(chunk.Token)
				select {
				case events <- StreamEvent{Token: chunk.Token}:
				case <-ctx.Done():
					return
				}
			}
		}

		resp := &QueryResponse{
			Answer:       answer.String(),
			Sources:      prepared.sources,
			Model:        model.ID,
			Provider:     model.Provider,
			RetrievalMS:  prepared.retrievalMS,
			GenerationMS: time.Since(genStart).Milliseconds(),
			TotalMS:      time.Since(start).Milliseconds(),
			ChunksUsed:   len(prepared.sources),
		}
		s.auditQuery(ctx, tc, req.Question, resp)
		events <- StreamEvent{Final: resp}
	}()
	return events, nil
}

// preparedQuery holds the retrieval output shared by the blocking and
// streaming paths.
type preparedQuery struct {
	sources      []SourceChunk
	systemPrompt string
	retrievalMS  int64
}

func (s *RAGService) prepare(ctx context.Context, tc *tenant.Context, req QueryRequest) (*preparedQuery, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, ErrEmptyQuestion
	}

	tenantName := ""
	if t, err := s.tenants.GetByID(ctx, tc.TenantID()); err == nil {
		tenantName = t.Name
	}

	r, err := s.retrievers(tc.TenantID())
	if err != nil {
		return nil, fmt.Errorf("failed to open retriever: %w", err)
	}

	var filter map[string]any
	if req.DocumentID != nil {
		filter = map[string]any{"document_id": req.DocumentID.String()}
	}

	retrievalStart := time.Now()
	results, err := r.Retrieve(ctx, retriever.Request{
		Query:              req.Question,
		TopK:               req.TopK,
		MetadataFilter:     filter,
		AllowedPermissions: allowedPermissions(tc.Permissions(), req.Permissions),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	retrievalMS := time.Since(retrievalStart).Milliseconds()

	if len(results) == 0 {
		s.auditlog.Record(ctx, audit.Entry{
			TenantID: tc.TenantID(),
			UserID:   tc.UserID(),
			Action:   audit.ActionQueryRAG,
			IP:       tc.ClientIP(),
			Success:  false,
			Metadata: map[string]any{
				"question":    truncateQuestion(req.Question),
				"chunks_used": 0,
				"error":       "no_context",
			},
		})
		return nil, ErrNoContext
	}

	// Strongest chunks go first and last in the context window.
	ordered := prompt.ReorderLongContext(results)

	contextChunks := make([]prompt.ContextChunk, len(ordered))
	sources := make([]SourceChunk, len(ordered))
	for i, res := range ordered {
		contextChunks[i] = prompt.ContextChunk{
			Text:    res.Text,
			Heading: metadataString(res.Metadata, "heading"),
			Page:    metadataInt(res.Metadata, "page_number"),
		}
		score := res.RerankScore
		if !res.Reranked {
			score = res.RRFScore
		}
		sources[i] = SourceChunk{
			DocumentID: metadataString(res.Metadata, "document_id"),
			ChunkID:    res.ID,
			Text:       res.Text,
			Page:       metadataInt(res.Metadata, "page_number"),
			Heading:    metadataString(res.Metadata, "heading"),
			Score:      score,
		}
	}

	template := s.prompts.Resolve(ctx, tc.TenantID(), promptName)
	systemPrompt := prompt.Render(template, tenantName,
		prompt.BuildContext(contextChunks), req.Question)

	return &preparedQuery{
		sources:      sources,
		systemPrompt: systemPrompt,
		retrievalMS:  retrievalMS,
	}, nil
}

func (s *RAGService) auditQuery(ctx context.Context, tc *tenant.Context, question string, resp *QueryResponse) {
	s.auditlog.Record(ctx, audit.Entry{
		TenantID: tc.TenantID(),
		UserID:   tc.UserID(),
		Action:   audit.ActionQueryRAG,
		IP:       tc.ClientIP(),
		Success:  true,
		Metadata: map[string]any{
			"question":      truncateQuestion(question),
			"chunks_used":   resp.ChunksUsed,
			"model":         resp.Model,
			"provider":      resp.Provider,
			"retrieval_ms":  resp.RetrievalMS,
			"generation_ms": resp.GenerationMS,
		},
	})
}

// allowedPermissions intersects a requested permission filter with the
// tags the caller actually holds. Requesting a tag never grants it, and
// a request that names no held tag falls back to the caller's own tags
// because an empty set disables filtering downstream.
func allowedPermissions(held, requested []string) []string {
	if len(requested) == 0 {
		return held
	}
	heldSet := make(map[string]struct{}, len(held))
	for _, tag := range held {
		heldSet[tag] = struct{}{}
	}
	var allowed []string
	for _, tag := range requested {
		if _, ok := heldSet[tag]; ok {
			allowed = append(allowed, tag)
		}
	}
	if len(allowed) == 0 {
		return held
	}
	return allowed
}

func truncateQuestion(q string) string {
	runes := []rune(q)
	if len(runes) <= auditQuestionLimit {
		return q
	}
	return string(runes[:auditQuestionLimit])
}

func metadataString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

func metadataInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
