// Package pubsub adapts a Google Cloud Pub/Sub pull subscription to the
// pipeline's Subscriber interface.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	gcppubsub "cloud.google.com/go/pubsub"
	"github.com/couchcryptid/weather-ingest/internal/domain"
	"google.golang.org/api/option"
)

// Subscriber pulls messages from one subscription. Each received message is
// held open by its Receive callback until the pipeline acks or nacks it, so
// flow control tracks in-flight work.
type Subscriber struct {
	client *gcppubsub.Client
	sub    *gcppubsub.Subscription
	logger *slog.Logger

	msgs chan envelope

	mu   sync.Mutex
	done chan error
}

type envelope struct {
	msg     *gcppubsub.Message
	settled chan struct{}
}

// NewSubscriber connects to the subscription, given either as a full
// "projects/<p>/subscriptions/<s>" path or as a bare ID in defaultProject.
func NewSubscriber(ctx context.Context, subscription, defaultProject string, maxOutstanding int, logger *slog.Logger, opts ...option.ClientOption) (*Subscriber, error) {
	project, id, err := ParseSubscription(subscription, defaultProject)
	if err != nil {
		return nil, err
	}

	client, err := gcppubsub.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	sub := client.Subscription(id)
	if maxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	}

	return &Subscriber{
		client: client,
		sub:    sub,
		logger: logger,
		msgs:   make(chan envelope),
	}, nil
}

// Next implements pipeline.Subscriber. The first call starts the streaming
// pull, bound to ctx; it is restarted if it stops with an error.
func (s *Subscriber) Next(ctx context.Context) (domain.Delivery, error) {
	done := s.ensureReceiving(ctx)

	select {
	case env := <-s.msgs:
		return s.toDelivery(env), nil
	case err := <-done:
		s.mu.Lock()
		s.done = nil
		s.mu.Unlock()
		if err == nil {
			err = errors.New("receive stopped")
		}
		return domain.Delivery{}, fmt.Errorf("pubsub %s: %w", s.sub.ID(), err)
	case <-ctx.Done():
		return domain.Delivery{}, ctx.Err()
	}
}

// Close releases the client.
func (s *Subscriber) Close() error {
	return s.client.Close()
}

func (s *Subscriber) ensureReceiving(ctx context.Context) chan error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		done := make(chan error, 1)
		s.done = done
		s.logger.Info("pubsub receive starting", "subscription", s.sub.String())
		go func() {
			done <- s.sub.Receive(ctx, s.handle)
		}()
	}
	return s.done
}

func (s *Subscriber) handle(ctx context.Context, m *gcppubsub.Message) {
	env := envelope{msg: m, settled: make(chan struct{})}
	select {
	case s.msgs <- env:
	case <-ctx.Done():
		m.Nack()
		return
	}
	<-env.settled
}

func (s *Subscriber) toDelivery(env envelope) domain.Delivery {
	m := env.msg
	var once sync.Once
	settle := func(fn func()) {
		once.Do(func() {
			fn()
			close(env.settled)
		})
	}

	attempt := 0
	if m.DeliveryAttempt != nil {
		attempt = *m.DeliveryAttempt
	}

	return domain.Delivery{
		ID:          m.ID,
		Payload:     m.Data,
		Attributes:  m.Attributes,
		Source:      s.sub.ID(),
		PublishTime: m.PublishTime,
		Attempt:     attempt,
		Ack: func(context.Context) error {
			settle(m.Ack)
			return nil
		},
		Nack: func(context.Context) error {
			settle(m.Nack)
			return nil
		},
	}
}

// ParseSubscription splits a subscription reference into project and ID.
func ParseSubscription(subscription, defaultProject string) (project, id string, err error) {
	subscription = strings.TrimSpace(subscription)
	if rest, ok := strings.CutPrefix(subscription, "projects/"); ok {
		project, id, ok = strings.Cut(rest, "/subscriptions/")
		if !ok || project == "" || id == "" || strings.Contains(id, "/") {
			return "", "", fmt.Errorf("invalid subscription path %q", subscription)
		}
		return project, id, nil
	}
	if subscription == "" || strings.Contains(subscription, "/") {
		return "", "", fmt.Errorf("invalid subscription %q", subscription)
	}
	if defaultProject == "" {
		return "", "", fmt.Errorf("subscription %q needs a project: set GCP_PROJECT or use a full path", subscription)
	}
	return defaultProject, subscription, nil
}
