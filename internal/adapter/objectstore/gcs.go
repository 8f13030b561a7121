package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/couchcryptid/weather-ingest/internal/domain"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCS reads gs:// locators from Google Cloud Storage.
type GCS struct {
	client *storage.Client
}

// NewGCS creates a Cloud Storage client with the given options.
func NewGCS(ctx context.Context, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCS{client: client}, nil
}

// Fetch implements Store.
func (g *GCS) Fetch(ctx context.Context, loc domain.Locator) (io.ReadCloser, error) {
	r, err := g.client.Bucket(loc.Bucket).Object(loc.Path).NewReader(ctx)
	if err != nil {
		return nil, mapGCSError(loc, err)
	}
	return r, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func mapGCSError(loc domain.Locator, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %s", domain.ErrObjectNotFound, loc)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(loc, apiErr.Code, err)
	}
	return fmt.Errorf("read %s: %w", loc, err)
}

// classifyStatus maps an HTTP status from a storage API onto the domain errors.
func classifyStatus(loc domain.Locator, status int, err error) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrObjectNotFound, loc)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("%w: %s: %w", domain.ErrAccessDenied, loc, err)
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return domain.Retryable(fmt.Errorf("read %s: %w", loc, err))
	default:
		return fmt.Errorf("read %s: %w", loc, err)
	}
}
