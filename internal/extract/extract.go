// Package extract pulls text out of uploaded documents. The native
// text layer is always tried first; documents that yield almost no text
// are classified as scanned and routed through the configured OCR
// strategy.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/askdocs/askdocs/internal/chunker"
)

// ScannedThreshold is the average chars/page below which a document is
// treated as image-based.
const ScannedThreshold = 50

// ErrNoStrategy is returned when no strategy can handle the MIME type.
var ErrNoStrategy = errors.New("no extraction strategy for content type")

// Page is the text of one source page.
type Page struct {
	Number     int     // 1-based
	Text       string
	Confidence float64 // 0..1, -1 when the strategy does not score
}

// Result is the outcome of one strategy run.
type Result struct {
	Pages        []Page
	TotalChars   int
	StrategyName string
	UsedOCR      bool
	ElapsedMS    int64
}

// FullText concatenates non-empty pages with paragraph separators.
func (r *Result) FullText() string {
	var parts []string
	for _, p := range r.Pages {
		if strings.TrimSpace(p.Text) != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// AvgCharsPerPage is TotalChars over the page count.
func (r *Result) AvgCharsPerPage() float64 {
	if len(r.Pages) == 0 {
		return 0
	}
	return float64(r.TotalChars) / float64(len(r.Pages))
}

// LikelyScanned reports whether the document appears image-based.
func (r *Result) LikelyScanned() bool {
	return r.AvgCharsPerPage() < ScannedThreshold
}

// PageMap builds the offset→page map for the FullText concatenation,
// for downstream citation.
func (r *Result) PageMap() chunker.PageMap {
	var m chunker.PageMap
	offset := 0
	for _, p := range r.Pages {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		m = append(m, chunker.PageSpan{Offset: offset, Number: p.Number})
		offset += len(p.Text) + len("\n\n")
	}
	return m
}

// Source is the document handed to a strategy. OCR strategies that run
// as managed jobs read the object reference instead of the bytes.
type Source struct {
	Data     []byte
	MIME     string
	Bucket   string
	Key      string
	PageHint int // page count from a prior native pass, 0 if unknown
}

// Strategy extracts text from a document.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, src Source) (*Result, error)
}

// Extractor runs the cascade: native text layer, then OCR for scanned
// documents.
type Extractor struct {
	ocr Strategy // nil disables the OCR fallback
}

// NewExtractor creates an extraction cascade with the given OCR
// fallback strategy.
func NewExtractor(ocr Strategy) *Extractor {
	return &Extractor{ocr: ocr}
}

// Extract picks the native strategy for the MIME type, then falls back
// to OCR when the text layer is too sparse. An OCR run that yields
// nothing returns the native partial result instead of failing the
// task.
func (e *Extractor) Extract(ctx context.Context, src Source) (*Result, error) {
	native, err := nativeStrategy(src.MIME)
	if err != nil {
		return nil, err
	}

	res, err := native.Extract(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("%s extraction failed: %w", native.Name(), err)
	}
	return e.cascadeFromNative(ctx, src, res), nil
}

// cascadeFromNative decides whether the native result is good enough or
// the document needs the OCR pass.
func (e *Extractor) cascadeFromNative(ctx context.Context, src Source, res *Result) *Result {
	// Only PDFs carry an image layer worth OCRing.
	if src.MIME != "application/pdf" || !res.LikelyScanned() || e.ocr == nil {
		return res
	}

	slog.Info("document classified as scanned, invoking OCR",
		"key", src.Key, "avg_chars_per_page", res.AvgCharsPerPage())

	src.PageHint = len(res.Pages)
	start := time.Now()
	ocrRes, err := e.ocr.Extract(ctx, src)
	if err != nil {
		slog.Warn("OCR failed, keeping native partial result",
			"key", src.Key, "strategy", e.ocr.Name(), "error", err)
		return res
	}
	ocrRes.UsedOCR = true
	ocrRes.ElapsedMS = time.Since(start).Milliseconds()

	if ocrRes.TotalChars == 0 {
		return res
	}
	return ocrRes
}

func nativeStrategy(mime string) (Strategy, error) {
	switch mime {
	case "application/pdf":
		return &PDFStrategy{}, nil
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return &DOCXStrategy{}, nil
	case "application/msword":
		return &DOCStrategy{}, nil
	case "text/plain":
		return &TextStrategy{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoStrategy, mime)
}

// finishResult fills in the derived fields of a strategy result.
func finishResult(pages []Page, name string, start time.Time) *Result {
	total := 0
	for _, p := range pages {
		total += len(p.Text)
	}
	return &Result{
		Pages:        pages,
		TotalChars:   total,
		StrategyName: name,
		ElapsedMS:    time.Since(start).Milliseconds(),
	}
}
