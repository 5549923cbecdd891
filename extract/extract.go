// Package extract writes the attachment parts of a parsed message into a
// working directory, skipping denylisted and undecodable parts.
package extract

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dhcgn/mail2mail/filter"
	"github.com/dhcgn/mail2mail/model"
	"github.com/dhcgn/mail2mail/parser"
)

// ErrStorage is returned when the target directory cannot be created.
var ErrStorage = errors.New("attachment storage failed")

// Result describes one extraction run. Saved keeps part order and holds at
// most one entry per stored path.
type Result struct {
	Saved       []model.SavedAttachment
	Denied      []string
	Undecodable []string
	Unwritable  []string
}

type Extractor struct {
	denylist *filter.Denylist
	logger   *slog.Logger
}

// New returns an Extractor. A nil denylist still applies the built-in
// extension list.
func New(denylist *filter.Denylist, logger *slog.Logger) *Extractor {
	return &Extractor{denylist: denylist, logger: logger}
}

// Save writes every allowed part into dir, creating it when absent. Files are
// named by StoredName; a later part with the same stored name replaces the
// earlier one. A part that cannot be written is skipped.
func (e *Extractor) Save(parts []parser.Part, dir string) (Result, error) {
	result := Result{Saved: []model.SavedAttachment{}}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return result, fmt.Errorf("%w: create %s: %v", ErrStorage, dir, err)
	}

	index := make(map[string]int)
	for _, part := range parts {
		name := part.Meta.Filename
		if e.denylist.Denied(name) {
			result.Denied = append(result.Denied, name)
			if e.logger != nil {
				e.logger.Debug("attachment denied", "filename", name, "mediaType", part.Meta.MediaType)
			}
			continue
		}
		if part.Err != nil {
			result.Undecodable = append(result.Undecodable, name)
			if e.logger != nil {
				e.logger.Debug("attachment skipped", "filename", name, "error", part.Err)
			}
			continue
		}

		path := filepath.Join(dir, StoredName(name))
		if err := os.WriteFile(path, part.Content, 0o600); err != nil {
			result.Unwritable = append(result.Unwritable, name)
			if e.logger != nil {
				e.logger.Warn("attachment not written", "filename", name, "error", err)
			}
			continue
		}

		saved := model.SavedAttachment{SourceFilename: name, StoredPath: path}
		if i, ok := index[path]; ok {
			result.Saved[i] = saved
			continue
		}
		index[path] = len(result.Saved)
		result.Saved = append(result.Saved, saved)
	}

	return result, nil
}

// StoredName reduces a declared filename to a single path element.
func StoredName(filename string) string {
	return filter.BaseName(filename)
}
