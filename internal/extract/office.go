package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// DOCXStrategy reads word/document.xml out of the OOXML container and
// collects paragraph text. DOCX has no page concept before layout, so
// everything lands on page 1.
type DOCXStrategy struct{}

func (s *DOCXStrategy) Name() string { return "docx_native" }

func (s *DOCXStrategy) Extract(ctx context.Context, src Source) (*Result, error) {
	start := time.Now()

	zr, err := zip.NewReader(bytes.NewReader(src.Data), int64(len(src.Data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open DOCX container: %w", err)
	}

	var docXML io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docXML, err = f.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to open document.xml: %w", err)
			}
			break
		}
	}
	if docXML == nil {
		return nil, fmt.Errorf("not a Word document: word/document.xml missing")
	}
	defer docXML.Close()

	text, err := wordXMLText(docXML)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document.xml: %w", err)
	}

	pages := []Page{{Number: 1, Text: text, Confidence: -1}}
	return finishResult(pages, s.Name(), start), nil
}

// wordXMLText walks the WordprocessingML stream collecting run text
// (<w:t>), with paragraph (</w:p>) and tab boundaries preserved.
func wordXMLText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	inText := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}

var _ Strategy = (*DOCXStrategy)(nil)

// DOCStrategy handles legacy OLE2 Word files with a best-effort scan
// for printable text runs. There is no maintained Go parser for the
// binary .doc format; documents where this recovers too little text
// fall through to OCR like scanned PDFs do.
type DOCStrategy struct{}

func (s *DOCStrategy) Name() string { return "doc_legacy" }

func (s *DOCStrategy) Extract(ctx context.Context, src Source) (*Result, error) {
	start := time.Now()
	text := printableRuns(src.Data, 16)
	pages := []Page{{Number: 1, Text: text, Confidence: -1}}
	return finishResult(pages, s.Name(), start), nil
}

// printableRuns collects runs of printable characters at least minRun
// long, which skims readable content out of binary containers.
func printableRuns(data []byte, minRun int) string {
	var out strings.Builder
	var run []rune

	flush := func() {
		if len(run) >= minRun {
			if out.Len() > 0 {
				out.WriteByte('\n')
			}
			out.WriteString(strings.TrimSpace(string(run)))
		}
		run = run[:0]
	}

	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		i += size
		if r != utf8.RuneError && (unicode.IsPrint(r) || r == '\t') {
			run = append(run, r)
			continue
		}
		flush()
	}
	flush()
	return out.String()
}

var _ Strategy = (*DOCStrategy)(nil)

// TextStrategy decodes plain text and markdown, falling back to Latin-1
// when the bytes are not valid UTF-8.
type TextStrategy struct{}

func (s *TextStrategy) Name() string { return "plain_text" }

func (s *TextStrategy) Extract(ctx context.Context, src Source) (*Result, error) {
	start := time.Now()

	var text string
	if utf8.Valid(src.Data) {
		text = string(src.Data)
	} else {
		runes := make([]rune, len(src.Data))
		for i, b := range src.Data {
			runes[i] = rune(b)
		}
		text = string(runes)
	}

	pages := []Page{{Number: 1, Text: text, Confidence: -1}}
	return finishResult(pages, s.Name(), start), nil
}

var _ Strategy = (*TextStrategy)(nil)
