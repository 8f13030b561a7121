package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/weather-ingest/internal/domain"
	"github.com/oklog/ulid/v2"
)

// Outcome is the terminal result of processing one delivery.
type Outcome int

const (
	// OutcomeAck means the file was ingested (possibly with zero rows).
	OutcomeAck Outcome = iota
	// OutcomeFiltered means the notification carried no usable location.
	OutcomeFiltered
	// OutcomeRetry means processing was abandoned and the delivery should be redelivered.
	OutcomeRetry
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeFiltered:
		return "filtered"
	case OutcomeRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Process decodes the notification, fetches the referenced file, parses its
// rows, and appends the valid ones to the sink. Invalid rows are logged and
// dropped; fetch and sink failures abandon the whole file.
func (p *Pipeline) Process(ctx context.Context, d domain.Delivery) Outcome {
	start := p.clock.Now()
	logger := p.logger.With(
		"delivery_id", d.ID,
		"processing_id", ulid.Make().String(),
		"source", d.Source,
		"attempt", d.Attempt,
	)

	loc, err := domain.DecodeNotification(d.Payload)
	if err != nil {
		p.metrics.DeliveriesFiltered.Inc()
		logger.Error("skipping notification without usable location", "error", err, "payload_bytes", len(d.Payload))
		return OutcomeFiltered
	}
	logger = logger.With("location", loc.String())
	defer func() {
		p.metrics.FileProcessingDuration.Observe(p.clock.Since(start).Seconds())
	}()

	records, err := p.readRecords(ctx, loc, logger)
	if err != nil {
		p.metrics.FetchErrors.WithLabelValues(fetchReason(err)).Inc()
		logger.Error("fetch failed", "error", err)
		return OutcomeRetry
	}
	p.metrics.FilesFetched.Inc()

	if len(records) == 0 {
		logger.Info("no valid rows in file")
		return OutcomeAck
	}

	if err := p.write(ctx, records, logger); err != nil {
		logger.Error("sink append failed", "error", err, "records", len(records))
		return OutcomeRetry
	}

	logger.Info("file ingested", "records", len(records), "target", p.settings.Target.String())
	return OutcomeAck
}

// readRecords streams the object line by line through a fresh RowParser.
func (p *Pipeline) readRecords(ctx context.Context, loc domain.Locator, logger *slog.Logger) ([]domain.Record, error) {
	body, err := p.fetcher.Fetch(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), p.settings.MaxLineBytes)

	parser := domain.NewRowParser()
	var records []domain.Record
	for scanner.Scan() {
		line := scanner.Text()
		res := parser.Parse(line)
		p.metrics.Rows.WithLabelValues(res.Status.String()).Inc()

		switch res.Status {
		case domain.RowValid:
			records = append(records, res.Record)
		case domain.RowInvalid:
			logger.Warn("dropping invalid row", "line", parser.LinesSeen(), "row", line, "error", res.Err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", loc, err)
	}

	logger.Debug("file parsed",
		"lines", parser.LinesSeen(),
		"headers", parser.HeadersSeen(),
		"records", len(records),
	)
	return records, nil
}

// write appends records in BatchSize chunks, retrying transient failures with
// exponential backoff. Chunks already appended stay appended if a later one
// fails; redelivery then duplicates them.
func (p *Pipeline) write(ctx context.Context, records []domain.Record, logger *slog.Logger) error {
	for start := 0; start < len(records); start += p.settings.BatchSize {
		end := min(start+p.settings.BatchSize, len(records))
		if err := p.appendChunk(ctx, records[start:end], logger); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) appendChunk(ctx context.Context, chunk []domain.Record, logger *slog.Logger) error {
	backoff := p.settings.InitialBackoff
	for attempt := 1; ; attempt++ {
		start := p.clock.Now()
		err := p.sink.Append(ctx, p.settings.Target, chunk)
		p.metrics.SinkWriteDuration.Observe(p.clock.Since(start).Seconds())
		if err == nil {
			p.metrics.SinkBatchSize.Observe(float64(len(chunk)))
			p.metrics.RecordsWritten.Add(float64(len(chunk)))
			return nil
		}

		if !domain.IsRetryable(err) {
			p.metrics.SinkErrors.WithLabelValues("fatal").Inc()
			return err
		}
		p.metrics.SinkErrors.WithLabelValues("retryable").Inc()

		if attempt >= p.settings.MaxWriteAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		logger.Warn("sink append failed, retrying", "error", err, "attempt", attempt, "retry_in", backoff)
		if !sleepWithContext(ctx, p.clock, backoff) {
			return fmt.Errorf("sink retry interrupted: %w", errors.Join(ctx.Err(), err))
		}
		backoff = nextBackoff(backoff, p.settings.MaxBackoff)
	}
}

func fetchReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrObjectNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, domain.ErrObjectTooLarge):
		return "too_large"
	case errors.Is(err, domain.ErrUnsupportedScheme):
		return "unsupported"
	case domain.IsRetryable(err):
		return "transient"
	default:
		return "other"
	}
}
