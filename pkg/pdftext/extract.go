// Package pdftext turns uploaded PDF bytes into plain text for prompting.
package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var (
	// ErrUnreadable means the bytes are not a PDF we can parse.
	ErrUnreadable = errors.New("pdf unreadable")
	// ErrNoText means the PDF parsed but holds no extractable text (e.g. scanned images).
	ErrNoText = errors.New("pdf contains no text")
	// ErrTooManyPages is returned when a document exceeds the configured page cap.
	ErrTooManyPages = errors.New("pdf has too many pages")
)

// Extractor pulls normalized text out of PDF bytes.
type Extractor struct {
	// MaxPages caps the pages read; zero means no cap.
	MaxPages int
}

// NewExtractor returns an Extractor with the given page cap.
func NewExtractor(maxPages int) *Extractor {
	return &Extractor{MaxPages: maxPages}
}

// Extract validates data as a PDF and returns its normalized text.
func (e *Extractor) Extract(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty input", ErrUnreadable)
	}
	if err := validate(data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	raw, err := e.plainText(ctx, data)
	if err != nil {
		return "", err
	}
	text := Normalize(raw)
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

func validate(data []byte) error {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.Validate(bytes.NewReader(data), conf)
}

func (e *Extractor) plainText(ctx context.Context, data []byte) (text string, err error) {
	// the pdf reader panics on some malformed object graphs
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: %v", ErrUnreadable, r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	total := reader.NumPage()
	if e.MaxPages > 0 && total > e.MaxPages {
		return "", fmt.Errorf("%w: %d > %d", ErrTooManyPages, total, e.MaxPages)
	}
	fonts := make(map[string]*pdf.Font)
	var sb strings.Builder
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := page.Font(name)
				fonts[name] = &f
			}
		}
		pageText, err := page.GetPlainText(fonts)
		if err != nil {
			// one bad page should not sink the document
			continue
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// Normalize strips NULs and invalid UTF-8, then collapses every whitespace
// run, line breaks included, to a single space. The result is one line.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	return strings.Join(strings.Fields(text), " ")
}
