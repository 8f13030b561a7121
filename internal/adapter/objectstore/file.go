package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/couchcryptid/weather-ingest/internal/domain"
)

// File reads file:// locators from the local filesystem. It is meant for
// local runs and tests.
type File struct{}

// Fetch implements Store.
func (File) Fetch(_ context.Context, loc domain.Locator) (io.ReadCloser, error) {
	f, err := os.Open(loc.Path)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", domain.ErrObjectNotFound, loc)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %s", domain.ErrAccessDenied, loc)
	default:
		return nil, fmt.Errorf("open %s: %w", loc, err)
	}
}
