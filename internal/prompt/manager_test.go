package prompt

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdocs/askdocs/internal/repository"
)

type fakePromptRepo struct {
	tenant map[string][]*repository.PromptTemplate
	global map[string][]*repository.PromptTemplate
	err    error
	calls  int
}

func (f *fakePromptRepo) ListActive(_ context.Context, tenantID *uuid.UUID, name string) ([]*repository.PromptTemplate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if tenantID == nil {
		return f.global[name], nil
	}
	return f.tenant[name], nil
}

func tpl(text string, weight int) *repository.PromptTemplate {
	return &repository.PromptTemplate{
		ID:           uuid.New(),
		Name:         "rag_answer",
		Version:      1,
		TemplateText: text,
		IsActive:     true,
		ABWeight:     weight,
	}
}

func TestResolveTenantOverridesGlobal(t *testing.T) {
	repo := &fakePromptRepo{
		tenant: map[string][]*repository.PromptTemplate{
			"rag_answer": {tpl("tenant template {question}", 100)},
		},
		global: map[string][]*repository.PromptTemplate{
			"rag_answer": {tpl("global template {question}", 100)},
		},
	}
	m := NewManager(repo, rand.New(rand.NewSource(1)))

	got := m.Resolve(context.Background(), uuid.New(), "rag_answer")
	assert.Equal(t, "tenant template {question}", got)
}

func TestResolveFallsBackToGlobal(t *testing.T) {
	repo := &fakePromptRepo{
		global: map[string][]*repository.PromptTemplate{
			"rag_answer": {tpl("global template {question}", 100)},
		},
	}
	m := NewManager(repo, rand.New(rand.NewSource(1)))

	got := m.Resolve(context.Background(), uuid.New(), "rag_answer")
	assert.Equal(t, "global template {question}", got)
}

func TestResolveHardCodedFallback(t *testing.T) {
	m := NewManager(&fakePromptRepo{}, rand.New(rand.NewSource(1)))
	got := m.Resolve(context.Background(), uuid.New(), "rag_answer")
	assert.Equal(t, DefaultTemplate, got)
}

func TestResolveRepositoryErrorFallsBack(t *testing.T) {
	repo := &fakePromptRepo{err: errors.New("connection refused")}
	m := NewManager(repo, rand.New(rand.NewSource(1)))

	got := m.Resolve(context.Background(), uuid.New(), "rag_answer")
	assert.Equal(t, DefaultTemplate, got)
}

func TestResolveCachesLookups(t *testing.T) {
	repo := &fakePromptRepo{
		tenant: map[string][]*repository.PromptTemplate{
			"rag_answer": {tpl("cached {question}", 100)},
		},
	}
	m := NewManager(repo, rand.New(rand.NewSource(1)))
	tenantID := uuid.New()

	for i := 0; i < 5; i++ {
		m.Resolve(context.Background(), tenantID, "rag_answer")
	}
	assert.Equal(t, 1, repo.calls, "repeat resolves within the TTL hit the cache")
}

func TestPickWeightedSampling(t *testing.T) {
	a := tpl("variant a", 90)
	b := tpl("variant b", 10)
	m := NewManager(&fakePromptRepo{}, rand.New(rand.NewSource(42)))

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		counts[m.pick([]*repository.PromptTemplate{a, b}).TemplateText]++
	}
	assert.Greater(t, counts["variant a"], 800)
	assert.Greater(t, counts["variant b"], 50)
}

func TestPickZeroWeightTotal(t *testing.T) {
	a := tpl("first", 0)
	b := tpl("second", 0)
	m := NewManager(&fakePromptRepo{}, rand.New(rand.NewSource(1)))

	got := m.pick([]*repository.PromptTemplate{a, b})
	require.NotNil(t, got)
	assert.Equal(t, "first", got.TemplateText)
}

func TestRenderSubstitutes(t *testing.T) {
	got := Render("Hi {tenant_name}: {context} / {question}", "Acme", "CTX", "Q?")
	assert.Equal(t, "Hi Acme: CTX / Q?", got)
}

func TestRenderUnknownPlaceholderReturnsRaw(t *testing.T) {
	raw := "Hello {user_name}, answer {question}"
	got := Render(raw, "Acme", "CTX", "Q?")
	assert.Equal(t, raw, got)
}

func TestBuildContext(t *testing.T) {
	got := BuildContext([]ContextChunk{
		{Text: "first chunk", Heading: "# Intro", Page: 1},
		{Text: "second chunk"},
	})
	assert.Contains(t, got, "[1] (# Intro) (page 1)\nfirst chunk")
	assert.Contains(t, got, "[2]\nsecond chunk")
}
