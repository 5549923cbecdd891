// Package enrich turns saved attachments into text, tables and image records
// through pluggable document engines.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dhcgn/mail2mail/model"
)

var (
	// ErrUnsupported is returned by an engine that cannot handle a file type.
	ErrUnsupported = errors.New("unsupported document type")
	// ErrEnrichment wraps every per-file failure reported by Enricher.
	ErrEnrichment = errors.New("enrichment failed")
)

const maxDiagnostic = 200

// Options are passed to every engine call.
type Options struct {
	// PageLimit caps processed pages; zero leaves the engine default.
	PageLimit          int
	VisionDescriptions bool
}

// Result is what an engine extracted from one file.
type Result struct {
	Text   string
	Tables []map[string]any
	Images []map[string]any
	Notes  []string
}

// Engine processes a single local file.
type Engine interface {
	Process(ctx context.Context, path string, opts Options) (Result, error)
}

// Enricher aggregates engine results over a list of files.
type Enricher struct {
	engine Engine
	opts   Options
	logger *slog.Logger
}

func New(engine Engine, opts Options, logger *slog.Logger) *Enricher {
	return &Enricher{engine: engine, opts: opts, logger: logger}
}

// Process runs the engine on every path in order. A missing file or a failing
// engine call only adds a note; the remaining files are still processed. The
// returned errors wrap ErrEnrichment, one per failed file.
func (e *Enricher) Process(ctx context.Context, paths []string) (model.EnrichedContent, []error) {
	out := model.EnrichedContent{
		Tables: []map[string]any{},
		Images: []map[string]any{},
		Notes:  []string{},
	}
	var (
		texts    []string
		failures []error
	)

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				out.Notes = append(out.Notes, "missing: "+path)
				continue
			}
			failures = append(failures, e.failure(&out, path, err))
			continue
		}

		res, err := e.engine.Process(ctx, path, e.opts)
		if err != nil {
			failures = append(failures, e.failure(&out, path, err))
			continue
		}

		if strings.TrimSpace(res.Text) != "" {
			texts = append(texts, res.Text)
		}
		out.Tables = append(out.Tables, res.Tables...)
		out.Images = append(out.Images, res.Images...)
		out.Notes = append(out.Notes, res.Notes...)
	}

	out.ExtractedText = strings.Join(texts, "\n\n")
	return out, failures
}

func (e *Enricher) failure(out *model.EnrichedContent, path string, err error) error {
	name := filepath.Base(path)
	diag := truncate(strings.Join(strings.Fields(err.Error()), " "), maxDiagnostic)
	out.Notes = append(out.Notes, fmt.Sprintf("document processing failure: %s: %s", name, diag))
	if e.logger != nil {
		e.logger.Warn("document processing failed", "file", name, "error", err)
	}
	return fmt.Errorf("%w: %s: %w", ErrEnrichment, name, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
