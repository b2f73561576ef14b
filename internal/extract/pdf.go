package extract

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ledongthuc/pdf"
)

// PDFStrategy reads the PDF text layer in process. Scanned PDFs come
// back with empty pages; the cascade detects that and escalates to OCR.
type PDFStrategy struct{}

// Name identifies the strategy in results and audit metadata.
func (s *PDFStrategy) Name() string { return "pdf_text_layer" }

// Extract parses every page's text content.
func (s *PDFStrategy) Extract(ctx context.Context, src Source) (*Result, error) {
	start := time.Now()

	reader, err := pdf.NewReader(bytes.NewReader(src.Data), int64(len(src.Data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	numPages := reader.NumPage()
	pages := make([]Page, 0, numPages)
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, Page{Number: i, Confidence: -1})
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// Single bad page: keep going, the page stays empty.
			text = ""
		}
		pages = append(pages, Page{Number: i, Text: text, Confidence: -1})
	}

	return finishResult(pages, s.Name(), start), nil
}

var _ Strategy = (*PDFStrategy)(nil)
