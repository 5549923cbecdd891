package enrich

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// Chain tries each engine in order and moves on only when an engine reports
// ErrUnsupported.
type Chain []Engine

func (c Chain) Process(ctx context.Context, path string, opts Options) (Result, error) {
	for _, engine := range c {
		res, err := engine.Process(ctx, path, opts)
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		return res, err
	}
	return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
}
