// Package chunker splits extracted document text into retrieval-sized
// chunks along structural boundaries: headings first, then paragraphs,
// then sentences, with a hard character split as the last resort.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultMinChars is the lower bound below which chunks are merged
	// into a neighbor.
	DefaultMinChars = 200

	// DefaultMaxChars is the upper bound past which text is split.
	DefaultMaxChars = 2000

	// HardSplitOverlap is the character overlap carried between pieces
	// of a hard split.
	HardSplitOverlap = 100
)

// Chunk is one retrieval unit of a document.
type Chunk struct {
	Index      int
	Text       string
	VectorID   string // 32 lowercase hex chars, stable across re-processing
	Page       int    // 1-based source page, 0 if unknown
	Heading    string // nearest preceding heading, empty if none
	TokenCount int
}

// PageSpan marks where a source page begins in the concatenated text.
type PageSpan struct {
	Offset int // rune-safe byte offset into the full text
	Number int // 1-based page number
}

// PageMap maps character offsets back to source pages. Spans must be
// ordered by offset.
type PageMap []PageSpan

// PageAt returns the page containing the given offset, or 0 when the
// map is empty or the offset precedes every span.
func (m PageMap) PageAt(offset int) int {
	page := 0
	for _, span := range m {
		if span.Offset > offset {
			break
		}
		page = span.Number
	}
	return page
}

// Chunker holds the size bounds.
type Chunker struct {
	minChars int
	maxChars int
}

// New creates a Chunker, applying defaults for non-positive bounds.
func New(minChars, maxChars int) *Chunker {
	if minChars <= 0 {
		minChars = DefaultMinChars
	}
	if maxChars <= 0 || maxChars <= minChars {
		maxChars = DefaultMaxChars
	}
	return &Chunker{minChars: minChars, maxChars: maxChars}
}

var (
	markdownHeading = regexp.MustCompile(`^#{1,6}\s+\S`)
	numberedHeading = regexp.MustCompile(`^\d+(\.\d+)*\.?\s+\S`)
	sectionHeading  = regexp.MustCompile(`^(Chapter|Section|Part|Appendix|Article)\b`)
)

// Chunk splits text into chunks and assigns each a deterministic vector
// ID derived from (tenant, document, index), so re-processing the same
// document overwrites rather than duplicates its vectors.
func (c *Chunker) Chunk(tenantID, documentID uuid.UUID, text string, pages PageMap) []Chunk {
	text = normalize(text)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var pieces []piece
	for _, sec := range splitSections(text) {
		for _, p := range c.splitSection(sec.body) {
			pieces = append(pieces, piece{heading: sec.heading, text: p})
		}
	}
	pieces = c.mergeSmall(pieces)

	chunks := make([]Chunk, 0, len(pieces))
	for i, p := range pieces {
		chunks = append(chunks, Chunk{
			Index:      i,
			Text:       p.text,
			VectorID:   VectorID(tenantID, documentID, i),
			Page:       attributePage(text, p.text, pages),
			Heading:    p.heading,
			TokenCount: estimateTokens(p.text),
		})
	}
	return chunks
}

var (
	zeroWidth = strings.NewReplacer(
		"\u200b", "",
		"\u200c", "",
		"\u200d", "",
		"\ufeff", "",
		"\u00a0", " ",
	)
	newlineRuns = regexp.MustCompile(`\n{3,}`)
)

// normalize applies NFC, strips zero-width characters, and caps
// consecutive newlines at two so blank-line runs stay paragraph
// boundaries.
func normalize(text string) string {
	text = norm.NFC.String(text)
	text = zeroWidth.Replace(text)
	return newlineRuns.ReplaceAllString(text, "\n\n")
}

// VectorID derives the stable vector identifier for a chunk.
func VectorID(tenantID, documentID uuid.UUID, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", tenantID, documentID, index)))
	return hex.EncodeToString(sum[:])[:32]
}

// piece is an intermediate chunk body with its section heading.
type piece struct {
	heading string
	text    string
}

// section is a heading and the lines under it.
type section struct {
	heading string
	body    string
}

// splitSections groups lines into sections, starting a new section at
// every heading line. The heading line stays part of the body so chunks
// keep their local context.
func splitSections(text string) []section {
	lines := strings.Split(text, "\n")
	var sections []section
	var current []string
	heading := ""

	flush := func() {
		body := strings.TrimSpace(strings.Join(current, "\n"))
		if body != "" {
			sections = append(sections, section{heading: heading, body: body})
		}
		current = nil
	}

	for _, line := range lines {
		if isHeading(line) {
			if len(current) > 0 {
				flush()
			}
			heading = strings.TrimSpace(line)
		}
		current = append(current, line)
	}
	flush()
	return sections
}

func isHeading(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if markdownHeading.MatchString(trimmed) ||
		numberedHeading.MatchString(trimmed) ||
		sectionHeading.MatchString(trimmed) {
		return true
	}
	return isAllCapsHeading(trimmed)
}

// isAllCapsHeading treats short shouting lines ("EXECUTIVE SUMMARY") as
// headings: at least 8 runes, at least one letter, no lowercase.
func isAllCapsHeading(line string) bool {
	runes := []rune(line)
	if len(runes) < 8 {
		return false
	}
	hasLetter := false
	for _, r := range runes {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	return hasLetter
}

// splitSection accumulates paragraphs up to maxChars, descending to
// sentence and hard splits for oversized pieces.
func (c *Chunker) splitSection(section string) []string {
	paragraphs := regexp.MustCompile(`\n\s*\n`).Split(section, -1)

	var out []string
	var current strings.Builder

	flush := func() {
		piece := strings.TrimSpace(current.String())
		if piece != "" {
			out = append(out, piece)
		}
		current.Reset()
	}

	appendPiece := func(piece string) {
		if current.Len() > 0 && current.Len()+len(piece)+2 > c.maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(piece)
	}

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= c.maxChars {
			appendPiece(para)
			continue
		}
		for _, piece := range c.splitParagraph(para) {
			appendPiece(piece)
		}
	}
	flush()
	return out
}

// splitParagraph breaks an oversized paragraph at sentence boundaries,
// hard-splitting any sentence that alone exceeds maxChars.
func (c *Chunker) splitParagraph(para string) []string {
	var out []string
	var current strings.Builder

	flush := func() {
		piece := strings.TrimSpace(current.String())
		if piece != "" {
			out = append(out, piece)
		}
		current.Reset()
	}

	for _, sentence := range splitSentences(para) {
		if len(sentence) > c.maxChars {
			flush()
			out = append(out, c.hardSplit(sentence)...)
			continue
		}
		if current.Len() > 0 && current.Len()+len(sentence)+1 > c.maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sentence)
	}
	flush()
	return out
}

// hardSplit cuts text into maxChars windows with HardSplitOverlap runes
// of context carried into each subsequent window.
func (c *Chunker) hardSplit(text string) []string {
	runes := []rune(text)
	var out []string
	step := c.maxChars - HardSplitOverlap
	if step <= 0 {
		step = c.maxChars
	}

	for start := 0; start < len(runes); start += step {
		end := start + c.maxChars
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, strings.TrimSpace(string(runes[start:end])))
		if end == len(runes) {
			break
		}
	}
	return out
}

// mergeSmall folds undersized pieces into their successor (or
// predecessor for the last piece) when the result stays within bounds.
// The earlier piece keeps its heading.
func (c *Chunker) mergeSmall(pieces []piece) []piece {
	var out []piece
	for _, p := range pieces {
		if n := len(out); n > 0 && len(out[n-1].text) < c.minChars &&
			len(out[n-1].text)+len(p.text)+2 <= c.maxChars {
			out[n-1].text = out[n-1].text + "\n\n" + p.text
			continue
		}
		out = append(out, p)
	}

	// Trailing runt joins its predecessor even past minChars checks,
	// as long as the merge stays within the hard bound.
	if n := len(out); n >= 2 && len(out[n-1].text) < c.minChars &&
		len(out[n-2].text)+len(out[n-1].text)+2 <= c.maxChars {
		out[n-2].text = out[n-2].text + "\n\n" + out[n-1].text
		out = out[:n-1]
	}
	return out
}

// attributePage locates the chunk's first 40 characters in the full
// text and maps that offset to a page.
func attributePage(fullText, chunkText string, pages PageMap) int {
	if len(pages) == 0 {
		return 0
	}
	probe := chunkText
	if runes := []rune(probe); len(runes) > 40 {
		probe = string(runes[:40])
	}
	offset := strings.Index(fullText, probe)
	if offset < 0 {
		return 0
	}
	return pages.PageAt(offset)
}

// estimateTokens approximates token count as characters over four.
func estimateTokens(text string) int {
	n := len([]rune(text)) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// splitSentences splits text into sentences on . ! ? boundaries,
// skipping common abbreviations.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		if r == '.' || r == '!' || r == '?' {
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				sentence := strings.TrimSpace(current.String())
				if sentence != "" && !isAbbreviation(sentence) {
					sentences = append(sentences, sentence)
					current.Reset()
				}
			}
		}
	}

	remaining := strings.TrimSpace(current.String())
	if remaining != "" {
		sentences = append(sentences, remaining)
	}
	return sentences
}

// isAbbreviation checks if a sentence ends with a common abbreviation.
func isAbbreviation(text string) bool {
	abbreviations := []string{
		"mr.", "mrs.", "ms.", "dr.", "prof.",
		"inc.", "ltd.", "corp.",
		"etc.", "e.g.", "i.e.",
		"vs.", "v.",
		"st.", "ave.", "blvd.",
		"no.", "vol.", "pg.",
	}

	lower := strings.ToLower(text)
	for _, abbr := range abbreviations {
		if strings.HasSuffix(lower, abbr) {
			return true
		}
	}
	return false
}
