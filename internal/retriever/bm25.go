// Package retriever combines dense vector search, lexical BM25 scoring
// and rank fusion into a single hybrid retrieval pipeline.
package retriever

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// BM25 free parameters, conventional values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "for": {}, "if": {}, "in": {},
	"into": {}, "is": {}, "it": {}, "no": {}, "not": {}, "of": {},
	"on": {}, "or": {}, "such": {}, "that": {}, "the": {}, "their": {},
	"then": {}, "there": {}, "these": {}, "they": {}, "this": {},
	"to": {}, "was": {}, "will": {}, "with": {},
}

// tokenize lowercases, strips punctuation except intra-word hyphens,
// and drops stopwords.
func tokenize(text string) []string {
	var tokens []string
	var current strings.Builder

	flush := func() {
		tok := strings.Trim(current.String(), "-")
		current.Reset()
		if tok == "" {
			return
		}
		if _, stop := stopwords[tok]; stop {
			return
		}
		tokens = append(tokens, tok)
	}

	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			current.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return tokens
}

// bm25Index is a transient in-memory index over one candidate set.
type bm25Index struct {
	docTokens [][]string
	docFreq   map[string]int
	avgLen    float64
}

// newBM25Index tokenizes the corpus. Returns ok=false for an empty or
// all-stopword corpus, which callers treat as "degrade to dense-only".
func newBM25Index(corpus []string) (*bm25Index, bool) {
	idx := &bm25Index{
		docTokens: make([][]string, len(corpus)),
		docFreq:   map[string]int{},
	}

	totalLen := 0
	nonEmpty := 0
	for i, doc := range corpus {
		tokens := tokenize(doc)
		idx.docTokens[i] = tokens
		totalLen += len(tokens)
		if len(tokens) > 0 {
			nonEmpty++
		}
		seen := map[string]struct{}{}
		for _, t := range tokens {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			idx.docFreq[t]++
		}
	}
	if nonEmpty == 0 {
		return nil, false
	}
	idx.avgLen = float64(totalLen) / float64(len(corpus))
	return idx, true
}

// scores ranks all documents against the query, best first, skipping
// zero scores.
func (idx *bm25Index) scores(query string) []scoredDoc {
	qTokens := tokenize(query)
	if len(qTokens) == 0 {
		return nil
	}

	n := float64(len(idx.docTokens))
	var out []scoredDoc
	for i, tokens := range idx.docTokens {
		tf := map[string]int{}
		for _, t := range tokens {
			tf[t]++
		}

		score := 0.0
		docLen := float64(len(tokens))
		for _, q := range qTokens {
			f := float64(tf[q])
			if f == 0 {
				continue
			}
			df := float64(idx.docFreq[q])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			score += idf * (f * (bm25K1 + 1)) /
				(f + bm25K1*(1-bm25B+bm25B*docLen/idx.avgLen))
		}
		if score > 0 {
			out = append(out, scoredDoc{index: i, score: score})
		}
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].score > out[b].score })
	return out
}

type scoredDoc struct {
	index int
	score float64
}
