// Command ingest consumes "file uploaded" notifications, fetches the referenced
// weather observation CSV, and appends its rows to the analytical table.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	bqadapter "github.com/couchcryptid/weather-ingest/internal/adapter/bigquery"
	httpadapter "github.com/couchcryptid/weather-ingest/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/weather-ingest/internal/adapter/kafka"
	"github.com/couchcryptid/weather-ingest/internal/adapter/objectstore"
	pubsubadapter "github.com/couchcryptid/weather-ingest/internal/adapter/pubsub"
	"github.com/couchcryptid/weather-ingest/internal/config"
	"github.com/couchcryptid/weather-ingest/internal/domain"
	"github.com/couchcryptid/weather-ingest/internal/observability"
	"github.com/couchcryptid/weather-ingest/internal/pipeline"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

// closer releases a client on shutdown.
type closer struct {
	name  string
	close func() error
}

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	if err := run(cfg, logger, observability.NewMetrics()); err != nil {
		logger.Error("ingest failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].close(); err != nil {
				logger.Error("close error", "client", closers[i].name, "error", err)
			}
		}
		logger.Info("shutdown complete")
	}()

	var gcpOpts []option.ClientOption
	if cfg.GCPCredentialsFile != "" {
		gcpOpts = append(gcpOpts, option.WithCredentialsFile(cfg.GCPCredentialsFile))
	}

	fetcher, err := buildFetcher(ctx, cfg, gcpOpts, &closers)
	if err != nil {
		return fmt.Errorf("build object stores: %w", err)
	}
	logger.Info("object stores enabled", "schemes", fetcher.Schemes())

	sub, err := buildSubscriber(ctx, cfg, logger, gcpOpts, &closers)
	if err != nil {
		return fmt.Errorf("build %s subscriber: %w", cfg.Transport, err)
	}

	sink, err := buildSink(ctx, cfg, logger, gcpOpts, &closers)
	if err != nil {
		return fmt.Errorf("build %s sink: %w", cfg.Sink, err)
	}
	breaker := pipeline.NewBreakerSink(sink, cfg.BreakerFailures, cfg.BreakerOpenTimeout, logger)

	p := pipeline.New(sub, fetcher, breaker, pipeline.Settings{
		Target: domain.Target{
			Project: cfg.GCPProject,
			Dataset: cfg.BigQueryDataset,
			Table:   cfg.BigQueryTable,
		},
		Workers:          cfg.Workers,
		BatchSize:        cfg.BatchSize,
		MaxWriteAttempts: cfg.MaxWriteAttempts,
		DrainTimeout:     cfg.DrainTimeout,
		MaxLineBytes:     int(min(cfg.MaxObjectBytes+1, 1<<30)),
	}, logger, metrics)

	srv := httpadapter.NewServer(cfg.HTTPAddr, logger,
		httpadapter.Check{Name: "pipeline", Checker: p},
		httpadapter.Check{Name: "sink", Checker: breaker},
	)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start ingest pipeline. Run returns once in-flight deliveries are drained.
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", "drain_timeout", cfg.DrainTimeout)
	<-runDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	return nil
}

func buildFetcher(ctx context.Context, cfg *config.Config, gcpOpts []option.ClientOption, closers *[]closer) (*objectstore.Router, error) {
	router := objectstore.NewRouter()
	limit := func(s objectstore.Store) objectstore.Store {
		return objectstore.NewLimited(s, cfg.FetchRateLimit, cfg.FetchRateBurst, cfg.MaxObjectBytes)
	}

	if cfg.UsesStore(domain.SchemeGCS) {
		gcs, err := objectstore.NewGCS(ctx, gcpOpts...)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, closer{name: "gcs", close: gcs.Close})
		router.Register(domain.SchemeGCS, limit(gcs))
	}
	if cfg.UsesStore(domain.SchemeS3) {
		s3, err := objectstore.NewS3(ctx, objectstore.S3Options{
			Region:         cfg.S3Region,
			Endpoint:       cfg.S3Endpoint,
			ForcePathStyle: cfg.S3ForcePathStyle,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			MaxAttempts:    cfg.S3MaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		router.Register(domain.SchemeS3, limit(s3))
	}
	if cfg.UsesStore(domain.SchemeFile) {
		router.Register(domain.SchemeFile, limit(objectstore.File{}))
	}
	return router, nil
}

func buildSubscriber(ctx context.Context, cfg *config.Config, logger *slog.Logger, gcpOpts []option.ClientOption, closers *[]closer) (pipeline.Subscriber, error) {
	switch cfg.Transport {
	case config.TransportKafka:
		reader := kafkaadapter.NewReader(cfg, logger)
		*closers = append(*closers, closer{name: "kafka reader", close: reader.Close})
		return reader, nil
	case config.TransportPubSub:
		sub, err := pubsubadapter.NewSubscriber(ctx, cfg.InputSubscription, cfg.GCPProject, cfg.Workers, logger, gcpOpts...)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, closer{name: "pubsub", close: sub.Close})
		return sub, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func buildSink(ctx context.Context, cfg *config.Config, logger *slog.Logger, gcpOpts []option.ClientOption, closers *[]closer) (pipeline.Sink, error) {
	switch cfg.Sink {
	case config.SinkKafka:
		writer := kafkaadapter.NewWriter(cfg, logger)
		*closers = append(*closers, closer{name: "kafka writer", close: writer.Close})
		return writer, nil
	case config.SinkBigQuery:
		sink, err := bqadapter.NewSink(ctx, cfg.GCPProject, logger, gcpOpts...)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, closer{name: "bigquery", close: sink.Close})
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
}
