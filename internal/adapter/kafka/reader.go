package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/couchcryptid/weather-ingest/internal/config"
	"github.com/couchcryptid/weather-ingest/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

const attemptHeader = "x-delivery-attempt"

// Reader consumes notifications from a Kafka topic in a consumer group.
// It implements pipeline.Subscriber.
//
// Deliveries may finish out of order, so offsets are committed only up to the
// highest contiguous finished offset of each partition. A nacked delivery is
// republished to the retry topic before its offset is released.
type Reader struct {
	reader  *kafkago.Reader
	retry   *kafkago.Writer
	tracker *offsetTracker
	logger  *slog.Logger
}

// NewReader creates a consumer group reader for the input topic.
func NewReader(cfg *config.Config, logger *slog.Logger) *Reader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		GroupID:        cfg.KafkaGroupID,
		Topic:          cfg.InputSubscription,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: cfg.BatchFlushInterval,
		StartOffset:    kafkago.FirstOffset,
	})
	retry := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaRetryTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Reader{
		reader:  r,
		retry:   retry,
		tracker: newOffsetTracker(),
		logger:  logger,
	}
}

// Next fetches the next message without committing it.
func (r *Reader) Next(ctx context.Context) (domain.Delivery, error) {
	msg, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return domain.Delivery{}, fmt.Errorf("fetch message: %w", err)
	}
	r.tracker.track(msg.Partition, msg.Offset)

	d := mapMessageToDelivery(msg)
	d.Ack = func(ctx context.Context) error {
		return r.finish(ctx, msg)
	}
	d.Nack = func(ctx context.Context) error {
		if err := r.republish(ctx, msg); err != nil {
			// Offset stays pending so the message is re-read after a restart.
			return err
		}
		return r.finish(ctx, msg)
	}
	return d, nil
}

func (r *Reader) finish(ctx context.Context, msg kafkago.Message) error {
	offset, ok := r.tracker.finish(msg.Partition, msg.Offset)
	if !ok {
		return nil
	}
	commit := kafkago.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: offset}
	if err := r.reader.CommitMessages(ctx, commit); err != nil {
		return fmt.Errorf("commit offset %d on partition %d: %w", offset, msg.Partition, err)
	}
	r.logger.Debug("offset committed",
		"partition", msg.Partition,
		"offset", offset,
		"pending", r.tracker.pending(msg.Partition),
	)
	return nil
}

func (r *Reader) republish(ctx context.Context, msg kafkago.Message) error {
	retryMsg := retryMessage(msg)
	if err := r.retry.WriteMessages(ctx, retryMsg); err != nil {
		return fmt.Errorf("republish to %s: %w", r.retry.Topic, err)
	}
	r.logger.Info("notification requeued",
		"topic", r.retry.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
	)
	return nil
}

func (r *Reader) Close() error {
	rerr := r.reader.Close()
	werr := r.retry.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// mapMessageToDelivery converts a Kafka message into a Delivery without ack callbacks.
func mapMessageToDelivery(msg kafkago.Message) domain.Delivery {
	attrs := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		attrs[h.Key] = string(h.Value)
	}
	attempt := 1
	if n, err := strconv.Atoi(attrs[attemptHeader]); err == nil && n > 0 {
		attempt = n
	}
	return domain.Delivery{
		ID:          fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
		Payload:     msg.Value,
		Attributes:  attrs,
		Source:      msg.Topic,
		PublishTime: msg.Time,
		Attempt:     attempt,
	}
}

// retryMessage copies msg for the retry topic with its attempt header incremented.
func retryMessage(msg kafkago.Message) kafkago.Message {
	attempt := mapMessageToDelivery(msg).Attempt + 1
	headers := make([]kafkago.Header, 0, len(msg.Headers)+1)
	for _, h := range msg.Headers {
		if h.Key != attemptHeader {
			headers = append(headers, h)
		}
	}
	headers = append(headers, kafkago.Header{Key: attemptHeader, Value: []byte(strconv.Itoa(attempt))})
	return kafkago.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}
}
