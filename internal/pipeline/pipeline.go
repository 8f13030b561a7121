package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/weather-ingest/internal/domain"
	"github.com/couchcryptid/weather-ingest/internal/observability"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Subscriber yields notifications from the transport, blocking until one is
// available or ctx is done.
type Subscriber interface {
	Next(ctx context.Context) (domain.Delivery, error)
}

// Fetcher opens the full content of the object a locator points at.
type Fetcher interface {
	Fetch(ctx context.Context, loc domain.Locator) (io.ReadCloser, error)
}

// Sink appends records to the target table, creating it with
// [domain.ObservationSchema] if it does not exist. Transient failures are
// marked with [domain.Retryable].
type Sink interface {
	Append(ctx context.Context, target domain.Target, records []domain.Record) error
}

// Settings tunes the orchestrator. Zero values take the defaults below.
type Settings struct {
	Target           domain.Target
	Workers          int
	BatchSize        int
	MaxWriteAttempts int
	DrainTimeout     time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxLineBytes     int
	Clock            clockwork.Clock
}

func (s Settings) withDefaults() Settings {
	if s.Workers <= 0 {
		s.Workers = 8
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 50
	}
	if s.MaxWriteAttempts <= 0 {
		s.MaxWriteAttempts = 5
	}
	if s.DrainTimeout <= 0 {
		s.DrainTimeout = 30 * time.Second
	}
	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	if s.InitialBackoff <= 0 {
		s.InitialBackoff = 200 * time.Millisecond
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = 5 * time.Second
	}
	if s.MaxLineBytes <= 0 {
		s.MaxLineBytes = 64 << 20
	}
	if s.Clock == nil {
		s.Clock = clockwork.NewRealClock()
	}
	return s
}

// Pipeline consumes notifications and ingests the files they point at.
type Pipeline struct {
	subscriber Subscriber
	fetcher    Fetcher
	sink       Sink
	settings   Settings
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
	running    atomic.Bool
}

// New creates a Pipeline with the given stages and observability. The stages
// are shared by all workers and must be safe for concurrent use.
func New(sub Subscriber, fetcher Fetcher, sink Sink, settings Settings, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	settings = settings.withDefaults()
	return &Pipeline{
		subscriber: sub,
		fetcher:    fetcher,
		sink:       sink,
		settings:   settings,
		clock:      settings.Clock,
		logger:     logger,
		metrics:    metrics,
	}
}

// CheckReadiness returns nil while Run is consuming notifications and the
// sink, if it reports readiness, is healthy.
func (p *Pipeline) CheckReadiness(ctx context.Context) error {
	if !p.running.Load() {
		return errors.New("pipeline is not running")
	}
	if rc, ok := p.sink.(readinessChecker); ok {
		return rc.CheckReadiness(ctx)
	}
	return nil
}

type readinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Run consumes notifications until ctx is cancelled, then waits up to
// DrainTimeout for in-flight deliveries before returning.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started",
		"workers", p.settings.Workers,
		"batch_size", p.settings.BatchSize,
		"target", p.settings.Target.String(),
	)
	p.metrics.PipelineRunning.Set(1)
	p.running.Store(true)
	defer func() {
		p.running.Store(false)
		p.metrics.PipelineRunning.Set(0)
	}()

	// In-flight work outlives ctx so shutdown drains instead of abandoning it.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var g errgroup.Group
	g.SetLimit(p.settings.Workers)

	backoff := p.settings.InitialBackoff
	for {
		d, err := p.subscriber.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("receive failed", "error", err, "retry_in", backoff)
			if !sleepWithContext(ctx, p.clock, backoff) {
				break
			}
			backoff = nextBackoff(backoff, p.settings.MaxBackoff)
			continue
		}
		backoff = p.settings.InitialBackoff
		p.metrics.DeliveriesReceived.Inc()

		g.Go(func() error {
			p.handle(workCtx, d)
			return nil
		})
	}

	p.logger.Info("pipeline stopping", "reason", context.Cause(ctx))
	p.drain(&g, cancelWork)
	return nil
}

func (p *Pipeline) drain(g *errgroup.Group, cancelWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	timer := p.clock.NewTimer(p.settings.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.Chan():
		p.logger.Warn("drain timeout exceeded, cancelling in-flight deliveries", "timeout", p.settings.DrainTimeout)
		cancelWork()
		<-done
	}
}

// handle processes one delivery and settles it with the transport.
func (p *Pipeline) handle(ctx context.Context, d domain.Delivery) {
	p.metrics.InFlight.Inc()
	defer p.metrics.InFlight.Dec()

	outcome := p.Process(ctx, d)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if outcome == OutcomeRetry {
		p.metrics.DeliveriesNacked.Inc()
		if d.Nack == nil {
			return
		}
		if err := d.Nack(settleCtx); err != nil {
			p.logger.Warn("nack failed", "error", err, "delivery_id", d.ID, "source", d.Source)
		}
		return
	}

	// Filtered deliveries are acked too but counted once, as filtered.
	if outcome == OutcomeAck {
		p.metrics.DeliveriesAcked.Inc()
	}
	if d.Ack == nil {
		return
	}
	if err := d.Ack(settleCtx); err != nil {
		p.logger.Warn("ack failed", "error", err, "delivery_id", d.ID, "source", d.Source)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
