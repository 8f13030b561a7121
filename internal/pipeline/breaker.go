package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/weather-ingest/internal/domain"
	"github.com/sony/gobreaker"
)

// BreakerSink wraps a Sink with a circuit breaker. Only retryable failures
// count toward tripping it; an open breaker is reported as retryable so the
// delivery is redelivered once the sink recovers.
type BreakerSink struct {
	inner Sink
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerSink trips after failures consecutive retryable errors and stays
// open for openTimeout before probing again.
func NewBreakerSink(inner Sink, failures int, openTimeout time.Duration, logger *slog.Logger) *BreakerSink {
	threshold := uint32(max(failures, 1))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sink",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerSink{inner: inner, cb: cb}
}

// Append implements Sink.
func (b *BreakerSink) Append(ctx context.Context, target domain.Target, records []domain.Record) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Append(ctx, target, records)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Retryable(fmt.Errorf("sink unavailable: %w", err))
	}
	return err
}

// State reports the breaker state for readiness checks.
func (b *BreakerSink) State() gobreaker.State {
	return b.cb.State()
}

// CheckReadiness fails while the breaker is open.
func (b *BreakerSink) CheckReadiness(_ context.Context) error {
	if b.cb.State() == gobreaker.StateOpen {
		return errors.New("sink circuit breaker is open")
	}
	return nil
}
