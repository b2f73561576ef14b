package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdocs/askdocs/internal/audit"
	"github.com/askdocs/askdocs/internal/auth"
	"github.com/askdocs/askdocs/internal/llm"
	"github.com/askdocs/askdocs/internal/prompt"
	"github.com/askdocs/askdocs/internal/repository"
	"github.com/askdocs/askdocs/internal/retriever"
	"github.com/askdocs/askdocs/internal/tenant"
	"github.com/askdocs/askdocs/internal/vectorstore"
)

type fakeTenants struct{ name string }

func (f *fakeTenants) GetByID(_ context.Context, id uuid.UUID) (*repository.Tenant, error) {
	if f.name == "" {
		return nil, repository.ErrNotFound
	}
	return &repository.Tenant{ID: id, Name: f.name}, nil
}

func (f *fakeTenants) Upsert(_ context.Context, _ *repository.Tenant) error { return nil }

type fakePrompts struct{}

func (fakePrompts) ListActive(_ context.Context, _ *uuid.UUID, _ string) ([]*repository.PromptTemplate, error) {
	return nil, nil
}

type fakeAuditRepo struct{ entries []*repository.AuditEntry }

func (f *fakeAuditRepo) Insert(_ context.Context, e *repository.AuditEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

type fakeUsage struct{}

func (fakeUsage) Add(_ context.Context, _ *repository.TokenUsage) error { return nil }

// fixedEmbedder returns the same vector for every input.
type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func (fixedEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (fixedEmbedder) Dimension() int    { return 3 }
func (fixedEmbedder) ModelName() string { return "fixed" }

// cannedStore serves a fixed set of matches.
type cannedStore struct{ matches []vectorstore.Match }

func (c *cannedStore) EnsureReady(_ context.Context) error { return nil }

func (c *cannedStore) Upsert(_ context.Context, _ []vectorstore.Record) (int, error) {
	return 0, nil
}

func (c *cannedStore) Query(_ context.Context, _ []float32, topK int, _ map[string]any) ([]vectorstore.Match, error) {
	if topK > len(c.matches) {
		topK = len(c.matches)
	}
	return c.matches[:topK], nil
}

func (c *cannedStore) Delete(_ context.Context, _ []string) error            { return nil }
func (c *cannedStore) DeleteByDocument(_ context.Context, _ uuid.UUID) error { return nil }
func (c *cannedStore) Count(_ context.Context) (uint64, error)               { return 0, nil }
func (c *cannedStore) Name() string                                          { return "canned" }

// echoProvider answers every prompt with a fixed string.
type echoProvider struct {
	answer     string
	lastSystem string
}

func (p *echoProvider) Name() string { return "local" }

func (p *echoProvider) Generate(_ context.Context, model, _ string, opts llm.GenerateOptions) (*llm.Response, error) {
	p.lastSystem = opts.SystemPrompt
	return &llm.Response{
		Text:     p.answer,
		Model:    model,
		Provider: "local",
		Usage:    llm.Usage{PromptTokens: 10, CompletionTokens: 5},
	}, nil
}

func (p *echoProvider) GenerateStream(_ context.Context, model, _ string, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	p.lastSystem = opts.SystemPrompt
	ch := make(chan llm.StreamChunk, 8)
	go func() {
		defer close(ch)
		for _, token := range strings.SplitAfter(p.answer, " ") {
			ch <- llm.StreamChunk{Token: token}
		}
		ch <- llm.StreamChunk{Done: true, Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 5}}
	}()
	return ch, nil
}

func testMatches(tenantID uuid.UUID) []vectorstore.Match {
	docID := uuid.NewString()
	mk := func(id, text string, score float32, page int) vectorstore.Match {
		return vectorstore.Match{
			ID:    id,
			Score: score,
			Text:  text,
			Metadata: map[string]any{
				"tenant_id":   tenantID.String(),
				"document_id": docID,
				"page_number": page,
				"heading":     "Benefits",
				"text":        text,
			},
		}
	}
	return []vectorstore.Match{
		mk(strings.Repeat("a", 32), "Employees accrue 25 vacation days per year.", 0.92, 3),
		mk(strings.Repeat("b", 32), "Unused vacation days carry over up to 5 days.", 0.85, 4),
		mk(strings.Repeat("c", 32), "Sick leave is unlimited with a doctor's note.", 0.71, 7),
	}
}

type ragFixture struct {
	svc      *RAGService
	provider *echoProvider
	audits   *fakeAuditRepo
	store    *cannedStore
}

func newRAGFixture(tenantID uuid.UUID) *ragFixture {
	f := &ragFixture{
		provider: &echoProvider{answer: "You get 25 vacation days."},
		audits:   &fakeAuditRepo{},
		store:    &cannedStore{matches: testMatches(tenantID)},
	}

	catalog := llm.NewCatalog([]llm.Model{{
		ID:                "test-model",
		Provider:          "local",
		ContextWindow:     8192,
		Quality:           60,
		DataClasses:       []llm.DataClass{llm.DataStandard, llm.DataSensitive, llm.DataPrivate},
		SupportsStreaming: true,
	}})
	gateway := llm.NewGateway(catalog, []llm.Provider{f.provider}, fakeUsage{})

	f.svc = NewRAGService(
		&fakeTenants{name: "Acme Corp"},
		func(uuid.UUID) (*retriever.Retriever, error) {
			return retriever.New(fixedEmbedder{}, f.store, nil), nil
		},
		prompt.NewManager(fakePrompts{}, nil),
		gateway,
		audit.NewWriter(f.audits),
	)
	return f
}

func ragTenantContext(tenantID uuid.UUID) *tenant.Context {
	return tenant.New(&auth.VerifiedPrincipal{
		UserID:   "user-1",
		TenantID: tenantID,
		Role:     auth.RoleMember,
	}, "203.0.113.9")
}

func TestQueryAnswersWithSources(t *testing.T) {
	tenantID := uuid.New()
	f := newRAGFixture(tenantID)

	resp, err := f.svc.Query(context.Background(), ragTenantContext(tenantID), QueryRequest{
		Question: "How many vacation days do I get?",
		TopK:     3,
	})
	require.NoError(t, err)

	assert.Equal(t, "You get 25 vacation days.", resp.Answer)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, "local", resp.Provider)
	assert.Len(t, resp.Sources, 3)
	assert.Equal(t, 3, resp.ChunksUsed)

	for _, src := range resp.Sources {
		assert.NotEmpty(t, src.DocumentID)
		assert.NotEmpty(t, src.Text)
		assert.Equal(t, "Benefits", src.Heading)
		assert.Greater(t, src.Score, 0.0)
	}

	assert.Contains(t, f.provider.lastSystem, "Acme Corp")
	assert.Contains(t, f.provider.lastSystem, "vacation days")
	assert.Contains(t, f.provider.lastSystem, "How many vacation days do I get?")

	require.Len(t, f.audits.entries, 1)
	entry := f.audits.entries[0]
	assert.Equal(t, audit.ActionQueryRAG, entry.Action)
	assert.True(t, entry.Success)
	assert.Equal(t, 3, entry.Metadata["chunks_used"])
}

func TestQueryEmptyQuestionRejected(t *testing.T) {
	tenantID := uuid.New()
	f := newRAGFixture(tenantID)

	_, err := f.svc.Query(context.Background(), ragTenantContext(tenantID), QueryRequest{
		Question: "   \t ",
	})
	assert.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Empty(t, f.audits.entries, "rejected questions are not audited")
}

func TestQueryNoContextAudited(t *testing.T) {
	tenantID := uuid.New()
	f := newRAGFixture(tenantID)
	f.store.matches = nil

	_, err := f.svc.Query(context.Background(), ragTenantContext(tenantID), QueryRequest{
		Question: "What is the dress code?",
	})
	assert.ErrorIs(t, err, ErrNoContext)

	require.Len(t, f.audits.entries, 1)
	entry := f.audits.entries[0]
	assert.False(t, entry.Success)
	assert.Equal(t, "no_context", entry.Metadata["error"])
	assert.Equal(t, 0, entry.Metadata["chunks_used"])
}

func TestQueryTruncatesAuditedQuestion(t *testing.T) {
	tenantID := uuid.New()
	f := newRAGFixture(tenantID)

	long := strings.Repeat("why ", 200)
	_, err := f.svc.Query(context.Background(), ragTenantContext(tenantID), QueryRequest{
		Question: long,
	})
	require.NoError(t, err)

	require.Len(t, f.audits.entries, 1)
	stored, _ := f.audits.entries[0].Metadata["question"].(string)
	assert.Len(t, []rune(stored), auditQuestionLimit)
}

func TestAllowedPermissionsNeverWiden(t *testing.T) {
	held := []string{"finance", "hr"}

	assert.Equal(t, held, allowedPermissions(held, nil))
	assert.Equal(t, []string{"finance"}, allowedPermissions(held, []string{"finance"}))
	assert.Equal(t, []string{"finance"}, allowedPermissions(held, []string{"finance", "legal"}))
	assert.Equal(t, held, allowedPermissions(held, []string{"legal"}),
		"a filter naming no held tag must not disable filtering")
}

func TestQueryRequestPermissionsNarrowRetrieval(t *testing.T) {
	tenantID := uuid.New()
	f := newRAGFixture(tenantID)
	f.store.matches[0].Metadata["document_permissions"] = []any{"finance"}
	f.store.matches[1].Metadata["document_permissions"] = []any{"hr"}

	tc := tenant.New(&auth.VerifiedPrincipal{
		UserID:      "user-1",
		TenantID:    tenantID,
		Role:        auth.RoleMember,
		Permissions: []string{"finance", "hr"},
	}, "203.0.113.9")

	resp, err := f.svc.Query(context.Background(), tc, QueryRequest{
		Question:    "How many vacation days do I get?",
		TopK:        3,
		Permissions: []string{"finance"},
	})
	require.NoError(t, err)

	// The hr-tagged chunk is excluded; the finance-tagged and untagged
	// chunks remain.
	assert.Len(t, resp.Sources, 2)
	for _, src := range resp.Sources {
		assert.NotContains(t, src.Text, "carry over")
	}
}

func TestQueryStreamEmitsSourcesFirst(t *testing.T) {
	tenantID := uuid.New()
	f := newRAGFixture(tenantID)

	events, err := f.svc.QueryStream(context.Background(), ragTenantContext(tenantID), QueryRequest{
		Question: "How many vacation days do I get?",
	})
	require.NoError(t, err)

	first, ok := <-events
	require.True(t, ok)
	require.NotNil(t, first.Sources, "sources must precede tokens")
	assert.Len(t, first.Sources, 3)

	var answer strings.Builder
	var final *QueryResponse
	deadline := time.After(5 * time.Second)
	for final == nil {
		select {
		case ev, open := <-events:
			if !open {
				t.Fatal("stream closed without a final event")
			}
			require.NoError(t, ev.Err)
			answer.WriteString(ev.Token)
			if ev.Final != nil {
				final = ev.Final
			}
		case <-deadline:
			t.Fatal("timed out waiting for the final event")
		}
	}

	assert.Equal(t, "You get 25 vacation days.", final.Answer)
	assert.Equal(t, final.Answer, answer.String())

	require.Len(t, f.audits.entries, 1)
	assert.True(t, f.audits.entries[0].Success)
}
