package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/weather-ingest/internal/config"
	"github.com/couchcryptid/weather-ingest/internal/domain"
	json "github.com/goccy/go-json"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer publishes observation records to a Kafka topic.
// It implements pipeline.Sink.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Append serializes records and publishes them in a single WriteMessages call.
// Records are keyed by capital so each city's observations stay ordered.
func (w *Writer) Append(ctx context.Context, target domain.Target, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(records))
	for i := range records {
		msg, err := serializeToMessage(target, records[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return classifyWriteError(fmt.Errorf("publish %d records to %s: %w", len(msgs), w.writer.Topic, err))
	}
	w.logger.Debug("records published", "topic", w.writer.Topic, "count", len(msgs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a Record into a Kafka message.
func serializeToMessage(target domain.Target, rec domain.Record) (kafkago.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize record: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(rec.Capital),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "target", Value: []byte(target.String())},
			{Key: "observed_at", Value: []byte(rec.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}

// classifyWriteError marks everything except non-temporary broker errors as retryable.
func classifyWriteError(err error) error {
	var kerr kafkago.Error
	if errors.As(err, &kerr) && !kerr.Temporary() {
		return err
	}
	return domain.Retryable(err)
}
