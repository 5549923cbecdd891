package enrich

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/k3a/html2text"
)

// DefaultMaxBytes bounds how much of a text document Builtin reads.
const DefaultMaxBytes = 4 << 20

var (
	textExtensions = map[string]struct{}{
		".txt": {}, ".csv": {}, ".tsv": {}, ".md": {}, ".json": {}, ".xml": {},
		".log": {}, ".eml": {}, ".ics": {}, ".vcf": {}, ".yaml": {}, ".yml": {},
	}
	markupExtensions = map[string]struct{}{
		".xhtml": {},
	}
	imageExtensions = map[string]string{
		".png":  "image/png",
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".gif":  "image/gif",
		".webp": "image/webp",
		".bmp":  "image/bmp",
		".tif":  "image/tiff",
		".tiff": "image/tiff",
	}
)

// Builtin handles text-like documents and images without any external tool.
// Everything else is reported as ErrUnsupported.
type Builtin struct {
	MaxBytes int64
}

func (b Builtin) Process(ctx context.Context, path string, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	ext := strings.ToLower(filepath.Ext(path))
	if mediaType, ok := imageExtensions[ext]; ok {
		return b.image(path, mediaType, opts)
	}
	_, isText := textExtensions[ext]
	_, isMarkup := markupExtensions[ext]
	if !isText && !isMarkup {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, ext)
	}

	text, truncated, err := b.read(path)
	if err != nil {
		return Result{}, err
	}
	if isMarkup {
		text = html2text.HTML2Text(text)
	}

	res := Result{Text: text}
	if truncated {
		res.Notes = append(res.Notes, fmt.Sprintf("truncated: %s after %d bytes", filepath.Base(path), b.limit()))
	}
	return res, nil
}

func (b Builtin) image(path, mediaType string, opts Options) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, err
	}
	name := filepath.Base(path)
	res := Result{Images: []map[string]any{{
		"name":       name,
		"media_type": mediaType,
		"size_bytes": info.Size(),
	}}}
	if opts.VisionDescriptions {
		res.Notes = append(res.Notes, "no vision engine configured: "+name)
	}
	return res, nil
}

func (b Builtin) read(path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	limit := b.limit()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return "", false, err
	}
	if int64(len(data)) > limit {
		return string(data[:limit]), true, nil
	}
	return string(data), false, nil
}

func (b Builtin) limit() int64 {
	if b.MaxBytes > 0 {
		return b.MaxBytes
	}
	return DefaultMaxBytes
}
