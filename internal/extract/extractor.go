// Package extract turns source files into text. The Extractor interface is
// the boundary: the indexing pipeline never knows which file format it is
// reading, it only sees pages of text.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	pdxerrors "github.com/paperdex/paperdex/internal/errors"
)

// Extracted is the result of pulling text out of one file. Pages holds
// per-page text for paged formats; Text is the full concatenated body and is
// always populated. Author is best-effort document metadata, empty when the
// format carries none.
type Extracted struct {
	Pages  []string
	Text   string
	Author string
}

// Extractor extracts text from a file on disk.
type Extractor interface {
	// Extract reads the file at path and returns its text. A readable file
	// with no extractable text returns an Extracted with empty Text, not an
	// error.
	Extract(path string) (*Extracted, error)

	// Supports reports whether this extractor handles the file extension.
	Supports(path string) bool
}

// ForPath returns the extractor for the file's extension, or an error for
// unsupported formats.
func ForPath(path string) (Extractor, error) {
	for _, e := range []Extractor{&PDFExtractor{}, &PlainTextExtractor{}} {
		if e.Supports(path) {
			return e, nil
		}
	}
	return nil, pdxerrors.Newf(pdxerrors.ErrCodeConfigInvalid,
		"unsupported file format %q", filepath.Ext(path))
}

// PlainTextExtractor handles .txt and .md files as a single page.
type PlainTextExtractor struct{}

var _ Extractor = (*PlainTextExtractor)(nil)

func (e *PlainTextExtractor) Supports(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md":
		return true
	}
	return false
}

func (e *PlainTextExtractor) Extract(path string) (*Extracted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	text := string(data)
	return &Extracted{Pages: []string{text}, Text: text}, nil
}

// PDFExtractor extracts per-page plain text from PDF files.
type PDFExtractor struct{}

var _ Extractor = (*PDFExtractor)(nil)

func (e *PDFExtractor) Supports(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".pdf"
}

func (e *PDFExtractor) Extract(path string) (*Extracted, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, pdxerrors.New(pdxerrors.ErrCodeIO,
			fmt.Sprintf("parse pdf %s", path), err)
	}

	numPages := reader.NumPage()
	pages := make([]string, 0, numPages)
	var full strings.Builder
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		// Pages that fail text extraction become empty pages so page
		// numbering stays aligned with the source document.
		text, err := page.GetPlainText(nil)
		if err != nil {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
		full.WriteString(text)
		full.WriteString("\n")
	}

	return &Extracted{Pages: pages, Text: full.String(), Author: documentAuthor(reader)}, nil
}

// documentAuthor reads the Author entry from the PDF Info dictionary.
func documentAuthor(reader *pdf.Reader) string {
	info := reader.Trailer().Key("Info")
	if info.IsNull() {
		return ""
	}
	author := info.Key("Author")
	if author.Kind() != pdf.String {
		return ""
	}
	return strings.TrimSpace(author.Text())
}
