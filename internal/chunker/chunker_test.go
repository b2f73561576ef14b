package chunker

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

var (
	testTenant = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testDoc    = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func TestChunker_EmptyText(t *testing.T) {
	c := New(0, 0)

	if chunks := c.Chunk(testTenant, testDoc, "", nil); chunks != nil {
		t.Errorf("expected nil for empty text, got %v", chunks)
	}
	if chunks := c.Chunk(testTenant, testDoc, "   \n\t ", nil); chunks != nil {
		t.Errorf("expected nil for whitespace text, got %v", chunks)
	}
}

func TestChunker_Defaults(t *testing.T) {
	c := New(0, 0)
	if c.minChars != DefaultMinChars {
		t.Errorf("expected default min %d, got %d", DefaultMinChars, c.minChars)
	}
	if c.maxChars != DefaultMaxChars {
		t.Errorf("expected default max %d, got %d", DefaultMaxChars, c.maxChars)
	}
}

func TestChunker_SplitsAtHeadings(t *testing.T) {
	para := strings.Repeat("Some sentence here. ", 20) // ~400 chars
	text := "# Introduction\n\n" + para + "\n\n## Methods\n\n" + para

	chunks := New(200, 600).Chunk(testTenant, testDoc, text, nil)

	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks across headings, got %d", len(chunks))
	}
	if !strings.Contains(chunks[0].Text, "# Introduction") {
		t.Errorf("first chunk missing its heading: %q", chunks[0].Text[:40])
	}
	if chunks[0].Heading != "# Introduction" {
		t.Errorf("first chunk heading = %q, want %q", chunks[0].Heading, "# Introduction")
	}
	found := false
	for _, ch := range chunks {
		if strings.Contains(ch.Text, "## Methods") {
			found = true
		}
	}
	if !found {
		t.Error("no chunk carries the second heading")
	}
}

func TestChunker_HeadingDetection(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"# Title", true},
		{"### Deep title", true},
		{"1. Introduction", true},
		{"2.3.1 Sub point", true},
		{"EXECUTIVE SUMMARY", true},
		{"Chapter 4", true},
		{"Appendix B: Tables", true},
		{"SHORT", false},                 // under 8 runes
		{"A normal sentence here.", false},
		{"12345678", false},              // no letters
		{"", false},
	}

	for _, tc := range cases {
		if got := isHeading(tc.line); got != tc.want {
			t.Errorf("isHeading(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}

func TestChunker_RespectsMaxChars(t *testing.T) {
	// One unbroken run with no sentence boundaries forces hard splits.
	text := strings.Repeat("x", 5000)

	chunks := New(200, 2000).Chunk(testTenant, testDoc, text, nil)

	if len(chunks) < 3 {
		t.Fatalf("expected >= 3 chunks for 5000 chars at max 2000, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if len(ch.Text) > 2000 {
			t.Errorf("chunk %d exceeds max: %d chars", i, len(ch.Text))
		}
	}
}

func TestChunker_HardSplitOverlap(t *testing.T) {
	text := strings.Repeat("abcdefghij", 500) // 5000 chars, no boundaries

	chunks := New(200, 2000).Chunk(testTenant, testDoc, text, nil)

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	// The tail of chunk 0 must reappear at the head of chunk 1.
	tail := chunks[0].Text[len(chunks[0].Text)-HardSplitOverlap:]
	if !strings.HasPrefix(chunks[1].Text, tail) {
		t.Error("hard split did not carry overlap into the next chunk")
	}
}

func TestChunker_MergesSmallPieces(t *testing.T) {
	// Two tiny paragraphs under the 200-char floor should coalesce.
	text := "Short first paragraph.\n\nShort second paragraph."

	chunks := New(200, 2000).Chunk(testTenant, testDoc, text, nil)

	if len(chunks) != 1 {
		t.Fatalf("expected 1 merged chunk, got %d", len(chunks))
	}
	if !strings.Contains(chunks[0].Text, "first") || !strings.Contains(chunks[0].Text, "second") {
		t.Error("merged chunk missing one of the paragraphs")
	}
}

func TestChunker_DeterministicVectorIDs(t *testing.T) {
	text := strings.Repeat("A stable sentence for hashing. ", 30)

	first := New(200, 600).Chunk(testTenant, testDoc, text, nil)
	second := New(200, 600).Chunk(testTenant, testDoc, text, nil)

	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].VectorID != second[i].VectorID {
			t.Errorf("chunk %d vector ID not stable", i)
		}
		if len(first[i].VectorID) != 32 {
			t.Errorf("chunk %d vector ID length %d, want 32", i, len(first[i].VectorID))
		}
	}

	otherDoc := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	other := New(200, 600).Chunk(testTenant, otherDoc, text, nil)
	if other[0].VectorID == first[0].VectorID {
		t.Error("different documents produced the same vector ID")
	}
}

func TestChunker_PageAttribution(t *testing.T) {
	page1 := strings.Repeat("Alpha page one content here. ", 15)
	page2 := strings.Repeat("Beta page two content there. ", 15)
	text := page1 + page2
	pages := PageMap{
		{Offset: 0, Number: 1},
		{Offset: len(page1), Number: 2},
	}

	chunks := New(200, 450).Chunk(testTenant, testDoc, text, pages)

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	if chunks[0].Page != 1 {
		t.Errorf("first chunk attributed to page %d, want 1", chunks[0].Page)
	}
	last := chunks[len(chunks)-1]
	if last.Page != 2 {
		t.Errorf("last chunk attributed to page %d, want 2", last.Page)
	}
}

func TestPageMap_PageAt(t *testing.T) {
	m := PageMap{{Offset: 0, Number: 1}, {Offset: 100, Number: 2}, {Offset: 300, Number: 3}}

	cases := []struct {
		offset int
		want   int
	}{
		{0, 1}, {99, 1}, {100, 2}, {299, 2}, {300, 3}, {9999, 3},
	}
	for _, tc := range cases {
		if got := m.PageAt(tc.offset); got != tc.want {
			t.Errorf("PageAt(%d) = %d, want %d", tc.offset, got, tc.want)
		}
	}
	if got := (PageMap{}).PageAt(50); got != 0 {
		t.Errorf("empty map PageAt = %d, want 0", got)
	}
}

func TestSplitSentences_Abbreviations(t *testing.T) {
	text := "Dr. Smith arrived at 10 a.m. sharp. The meeting began."
	sentences := splitSentences(text)

	for _, s := range sentences {
		if strings.TrimSpace(s) == "Dr." {
			t.Error("abbreviation split into its own sentence")
		}
	}
	if len(sentences) < 2 {
		t.Errorf("expected at least 2 sentences, got %d: %v", len(sentences), sentences)
	}
}

func TestChunker_NormalizesUnicode(t *testing.T) {
	// "é" as e + combining acute must normalize to the precomposed form.
	decomposed := "Café menu. " + strings.Repeat("More text follows here. ", 15)

	chunks := New(100, 2000).Chunk(testTenant, testDoc, decomposed, nil)

	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	if !strings.Contains(chunks[0].Text, "Café") {
		t.Error("text not NFC-normalized")
	}
}
