package ingestion

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSniffDetectsByMagic(t *testing.T) {
	cases := []struct {
		name     string
		payload  string
		filename string
		want     string
	}{
		{"pdf", "%PDF-1.7\ncontent", "report.pdf", MimePDF},
		{"pdf uppercase ext", "%PDF-1.7\ncontent", "REPORT.PDF", MimePDF},
		{"docx", "PK\x03\x04rest of archive", "report.docx", MimeDOCX},
		{"legacy doc", "\xd0\xcf\x11\xe0\xa1\xb1\x1a\xe1rest", "report.doc", MimeDOC},
		{"text by extension", "plain notes", "notes.txt", MimeText},
		{"markdown by extension", "# heading", "notes.md", MimeText},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mime, replay, err := Sniff(strings.NewReader(tc.payload), tc.filename)
			require.NoError(t, err)
			assert.Equal(t, tc.want, mime)

			replayed, err := io.ReadAll(replay)
			require.NoError(t, err)
			assert.Equal(t, tc.payload, string(replayed), "sniffed prefix must be replayed")
		})
	}
}

func TestSniffRejectsExtensionMismatch(t *testing.T) {
	cases := []struct {
		name     string
		payload  string
		filename string
	}{
		{"pdf bytes with doc extension", "%PDF-1.7\ncontent", "report.doc"},
		{"pdf bytes with exe extension", "%PDF-1.7\ncontent", "evil.exe"},
		{"pdf bytes with txt extension", "%PDF-1.7\ncontent", "report.txt"},
		{"zip bytes with zip extension", "PK\x03\x04archive", "archive.zip"},
		{"zip bytes with pdf extension", "PK\x03\x04archive", "fake.pdf"},
		{"ole bytes with docx extension", "\xd0\xcf\x11\xe0\xa1\xb1\x1a\xe1rest", "old.docx"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Sniff(strings.NewReader(tc.payload), tc.filename)
			assert.ErrorIs(t, err, ErrUnsupportedType)
		})
	}
}

func TestSniffRejectsUnknownMagic(t *testing.T) {
	// PE executable header must never pass, whatever the filename says.
	_, _, err := Sniff(strings.NewReader("MZ\x90\x00rest"), "report.pdf")
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, _, err = Sniff(strings.NewReader("\x89PNG\r\n\x1a\nrest"), "image.png")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}
