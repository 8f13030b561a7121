package objectstore

import (
	"context"
	"fmt"
	"io"

	"github.com/couchcryptid/weather-ingest/internal/domain"
	"golang.org/x/time/rate"
)

// Limited wraps a Store with a fetch rate limit and an object size cap.
type Limited struct {
	next     Store
	limiter  *rate.Limiter
	maxBytes int64
}

// NewLimited limits fetches to perSecond with the given burst. A perSecond of
// zero disables rate limiting; a maxBytes of zero disables the size cap.
func NewLimited(next Store, perSecond float64, burst int, maxBytes int64) *Limited {
	l := &Limited{next: next, maxBytes: maxBytes}
	if perSecond > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
	return l
}

// Fetch implements Store.
func (l *Limited) Fetch(ctx context.Context, loc domain.Locator) (io.ReadCloser, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("fetch rate limit: %w", err)
		}
	}
	rc, err := l.next.Fetch(ctx, loc)
	if err != nil {
		return nil, err
	}
	if l.maxBytes <= 0 {
		return rc, nil
	}
	return &cappedReader{rc: rc, remaining: l.maxBytes, loc: loc}, nil
}

// cappedReader fails with ErrObjectTooLarge once more than the cap has been read.
type cappedReader struct {
	rc        io.ReadCloser
	remaining int64
	loc       domain.Locator
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		return 0, fmt.Errorf("%w: %s", domain.ErrObjectTooLarge, c.loc)
	}
	// Read one byte past the cap so an object of exactly the cap still succeeds.
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.rc.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, fmt.Errorf("%w: %s", domain.ErrObjectTooLarge, c.loc)
	}
	return n, err
}

func (c *cappedReader) Close() error {
	return c.rc.Close()
}
