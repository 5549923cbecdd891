package filter

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultFilename is used for attachment parts that declare no name.
const DefaultFilename = "attachment"

// deniedExtensions are never written to disk, whatever media type the part claims.
var deniedExtensions = map[string]struct{}{
	".exe":  {},
	".bat":  {},
	".cmd":  {},
	".sh":   {},
	".ps1":  {},
	".vbs":  {},
	".js":   {},
	".jar":  {},
	".com":  {},
	".scr":  {},
	".msi":  {},
	".dll":  {},
	".html": {},
	".htm":  {},
}

// DeniedExtensions returns the built-in denylist, sorted.
func DeniedExtensions() []string {
	out := make([]string, 0, len(deniedExtensions))
	for ext := range deniedExtensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Denylist refuses attachments by file extension. Extra patterns can only
// widen the built-in list. Content is never inspected.
type Denylist struct {
	extra []*regexp.Regexp
}

// NewDenylist compiles extra patterns, matched against the lower-cased filename.
func NewDenylist(extra []string) (*Denylist, error) {
	compiled, err := CompilePatterns(extra)
	if err != nil {
		return nil, fmt.Errorf("compile deny pattern: %w", err)
	}
	return &Denylist{extra: compiled}, nil
}

// Extension returns the lower-cased extension of filename, falling back to
// DefaultFilename when the name is empty.
func Extension(filename string) string {
	if strings.TrimSpace(filename) == "" {
		filename = DefaultFilename
	}
	return strings.ToLower(filepath.Ext(filename))
}

// BaseName reduces a declared filename to the single path element it would
// be stored under. Trailing dots and spaces are dropped since Windows drops
// them too.
func BaseName(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	name = strings.TrimRight(name, ". ")
	switch strings.TrimSpace(name) {
	case "", "/":
		return DefaultFilename
	}
	return name
}

// Denied reports whether an attachment called filename must be skipped. Both
// the declared name and its BaseName are checked.
func (d *Denylist) Denied(filename string) bool {
	for _, name := range []string{filename, BaseName(filename)} {
		if _, ok := deniedExtensions[Extension(name)]; ok {
			return true
		}
		if d != nil && len(d.extra) > 0 && MatchAny(d.extra, strings.ToLower(name)) {
			return true
		}
	}
	return false
}
