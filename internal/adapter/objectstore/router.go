// Package objectstore fetches CSV objects from the stores a notification can
// point at: Google Cloud Storage, S3-compatible stores, and the local
// filesystem.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/couchcryptid/weather-ingest/internal/domain"
)

// Store opens objects for one location scheme.
type Store interface {
	Fetch(ctx context.Context, loc domain.Locator) (io.ReadCloser, error)
}

// Router dispatches fetches to the store registered for the locator's scheme.
type Router struct {
	stores map[string]Store
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{stores: make(map[string]Store)}
}

// Register routes locators with the given scheme to s, replacing any previous store.
func (r *Router) Register(scheme string, s Store) {
	r.stores[scheme] = s
}

// Schemes returns the registered schemes in sorted order.
func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.stores))
	for s := range r.stores {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Fetch implements pipeline.Fetcher.
func (r *Router) Fetch(ctx context.Context, loc domain.Locator) (io.ReadCloser, error) {
	s, ok := r.stores[loc.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedScheme, loc.Scheme)
	}
	return s.Fetch(ctx, loc)
}
