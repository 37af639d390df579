package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledongthuc/pdf"
)

// Result carries everything the worker reports back for one document.
type Result struct {
	Text     string
	Metadata map[string]string
	Pages    int
	Duration time.Duration
}

// Extractor is file -> text + document info.
type Extractor interface {
	Extract(ctx context.Context, path string) (Result, error)
}

// PDFExtractor reads the plain text and the trailer Info dictionary of a
// PDF file.
type PDFExtractor struct {
	logger *slog.Logger
}

func NewPDFExtractor(logger *slog.Logger) *PDFExtractor {
	return &PDFExtractor{logger: logger}
}

func (x *PDFExtractor) Extract(ctx context.Context, path string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	start := time.Now()

	f, r, err := pdf.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	tr, err := r.GetPlainText()
	if err != nil {
		return Result{}, fmt.Errorf("extract text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(tr); err != nil {
		return Result{}, fmt.Errorf("read text: %w", err)
	}

	res := Result{
		Text:     buf.String(),
		Metadata: documentInfo(r),
		Pages:    r.NumPage(),
		Duration: time.Since(start),
	}
	x.logger.Info("pdf extracted", "path", path, "pages", res.Pages, "bytes", buf.Len(), "duration", res.Duration)
	return res, nil
}

// documentInfo flattens the trailer Info dictionary (Title, Author,
// Producer, dates...) into a string map. Non-string entries are skipped.
func documentInfo(r *pdf.Reader) map[string]string {
	meta := make(map[string]string)
	info := r.Trailer().Key("Info")
	if info.Kind() != pdf.Dict {
		return meta
	}
	for _, k := range info.Keys() {
		v := info.Key(k)
		switch v.Kind() {
		case pdf.String:
			meta[k] = v.RawString()
		case pdf.Name:
			meta[k] = v.Name()
		}
	}
	return meta
}
