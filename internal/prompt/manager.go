// Package prompt resolves, selects and renders system prompt templates.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/askdocs/askdocs/internal/repository"
)

// CacheTTL is how long resolved templates are served from memory before
// the database is consulted again.
const CacheTTL = 60 * time.Second

// DefaultTemplate is the hard-coded fallback used when neither a
// tenant-specific nor a global template row exists.
const DefaultTemplate = `You are a helpful assistant for {tenant_name}. Answer strictly from the provided context.

Context:
{context}

Question: {question}

If the context does not contain the answer, say so.`

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

var knownPlaceholders = map[string]struct{}{
	"tenant_name": {},
	"context":     {},
	"question":    {},
}

// Manager loads active templates with a TTL cache and picks among
// concurrently active versions by weighted sampling on ab_weight.
type Manager struct {
	repo  repository.PromptRepository
	cache *expirable.LRU[string, []*repository.PromptTemplate]

	mu  sync.Mutex
	rng *rand.Rand
}

// NewManager creates a prompt manager. rng drives A/B selection and may
// be seeded for deterministic tests; nil gets a time-seeded source.
func NewManager(repo repository.PromptRepository, rng *rand.Rand) *Manager {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Manager{
		repo:  repo,
		cache: expirable.NewLRU[string, []*repository.PromptTemplate](256, nil, CacheTTL),
		rng:   rng,
	}
}

// Resolve returns the template text for (tenant, name): tenant-specific
// active rows first, then global, then the hard-coded default.
func (m *Manager) Resolve(ctx context.Context, tenantID uuid.UUID, name string) string {
	if tpl := m.pick(m.activeTemplates(ctx, &tenantID, name)); tpl != nil {
		return tpl.TemplateText
	}
	if tpl := m.pick(m.activeTemplates(ctx, nil, name)); tpl != nil {
		return tpl.TemplateText
	}
	return DefaultTemplate
}

func (m *Manager) activeTemplates(ctx context.Context, tenantID *uuid.UUID, name string) []*repository.PromptTemplate {
	key := "global/" + name
	if tenantID != nil {
		key = tenantID.String() + "/" + name
	}
	if cached, ok := m.cache.Get(key); ok {
		return cached
	}

	templates, err := m.repo.ListActive(ctx, tenantID, name)
	if err != nil {
		slog.Warn("failed to load prompt templates", "name", name, "error", err)
		return nil
	}
	m.cache.Add(key, templates)
	return templates
}

// pick selects one template by weighted random sampling proportional to
// ab_weight. A zero weight total falls back to the first entry.
func (m *Manager) pick(templates []*repository.PromptTemplate) *repository.PromptTemplate {
	if len(templates) == 0 {
		return nil
	}
	if len(templates) == 1 {
		return templates[0]
	}

	total := 0
	for _, t := range templates {
		total += t.ABWeight
	}
	if total <= 0 {
		return templates[0]
	}

	m.mu.Lock()
	n := m.rng.Intn(total)
	m.mu.Unlock()

	for _, t := range templates {
		n -= t.ABWeight
		if n < 0 {
			return t
		}
	}
	return templates[len(templates)-1]
}

// Render substitutes {tenant_name}, {context} and {question}. A
// template with unknown placeholders is returned raw with a warning, so
// a bad tenant override degrades loudly instead of emitting half-filled
// prompts.
func Render(template, tenantName, contextText, question string) string {
	for _, match := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if _, ok := knownPlaceholders[match[1]]; !ok {
			slog.Warn("prompt template has unknown placeholder, using raw template",
				"placeholder", match[1])
			return template
		}
	}

	r := strings.NewReplacer(
		"{tenant_name}", tenantName,
		"{context}", contextText,
		"{question}", question,
	)
	return r.Replace(template)
}

// BuildContext renders retrieved chunks into the {context} block, each
// cited with its source position.
func BuildContext(chunks []ContextChunk) string {
	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d]", i+1)
		if c.Heading != "" {
			fmt.Fprintf(&b, " (%s)", c.Heading)
		}
		if c.Page > 0 {
			fmt.Fprintf(&b, " (page %d)", c.Page)
		}
		b.WriteString("\n")
		b.WriteString(c.Text)
	}
	return b.String()
}

// ContextChunk is one retrieved chunk headed for prompt injection.
type ContextChunk struct {
	Text    string
	Heading string
	Page    int
}
