package ingestion

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
)

// Supported detected MIME types.
const (
	MimePDF  = "application/pdf"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeDOC  = "application/msword"
	MimeText = "text/plain"
)

var (
	magicPDF = []byte("%PDF")
	magicZIP = []byte{0x50, 0x4B, 0x03, 0x04}
	magicOLE = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
)

// Sniff determines the real content type from the first bytes of the
// stream, never from the client-declared Content-Type. The detected
// MIME must then agree with the filename extension: a PDF byte stream
// named report.doc is rejected, as is a ZIP container under anything
// but .docx. It returns the detected MIME and a reader that replays
// the consumed prefix.
func Sniff(r io.Reader, filename string) (string, io.Reader, error) {
	header := make([]byte, 8)
	n, err := io.ReadFull(r, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", nil, err
	}
	header = header[:n]
	replay := io.MultiReader(bytes.NewReader(header), r)
	ext := strings.ToLower(filepath.Ext(filename))

	var mime string
	switch {
	case bytes.HasPrefix(header, magicPDF):
		mime = MimePDF
	case bytes.HasPrefix(header, magicZIP):
		mime = MimeDOCX
	case bytes.HasPrefix(header, magicOLE):
		mime = MimeDOC
	default:
		if ext == ".txt" || ext == ".md" {
			return MimeText, replay, nil
		}
		return "", replay, ErrUnsupportedType
	}

	if !extensionMatches(mime, ext) {
		return "", replay, ErrUnsupportedType
	}
	return mime, replay, nil
}

// extensionMatches reports whether the filename extension belongs to
// the detected MIME type.
func extensionMatches(mime, ext string) bool {
	switch mime {
	case MimePDF:
		return ext == ".pdf"
	case MimeDOCX:
		return ext == ".docx"
	case MimeDOC:
		return ext == ".doc"
	case MimeText:
		return ext == ".txt" || ext == ".md"
	}
	return false
}

// extensionFor returns the canonical storage extension for a detected
// MIME type.
func extensionFor(mime string) string {
	switch mime {
	case MimePDF:
		return ".pdf"
	case MimeDOCX:
		return ".docx"
	case MimeDOC:
		return ".doc"
	case MimeText:
		return ".txt"
	}
	return ""
}
