package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Transport and sink identifiers.
const (
	TransportPubSub = "pubsub"
	TransportKafka  = "kafka"
	SinkBigQuery    = "bigquery"
	SinkKafka       = "kafka"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	Transport         string
	InputSubscription string
	Sink              string

	GCPProject         string
	GCPCredentialsFile string
	BigQueryDataset    string
	BigQueryTable      string

	KafkaBrokers    []string
	KafkaGroupID    string
	KafkaRetryTopic string
	KafkaSinkTopic  string

	// Object store configuration.
	ObjectStores     []string
	S3Region         string
	S3Endpoint       string
	S3ForcePathStyle bool
	S3AccessKey      string
	S3SecretKey      string
	S3MaxAttempts    int
	FetchRateLimit   float64
	FetchRateBurst   int
	MaxObjectBytes   int64

	Workers            int
	BatchSize          int
	BatchFlushInterval time.Duration
	MaxWriteAttempts   int
	DrainTimeout       time.Duration

	BreakerFailures    int
	BreakerOpenTimeout time.Duration

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	drainTimeout, err := parsePositiveDuration("DRAIN_TIMEOUT", "30s")
	if err != nil {
		return nil, err
	}
	breakerOpenTimeout, err := parsePositiveDuration("BREAKER_OPEN_TIMEOUT", "30s")
	if err != nil {
		return nil, err
	}

	workers, err := parsePositiveInt("WORKERS", 8)
	if err != nil {
		return nil, err
	}
	maxWriteAttempts, err := parsePositiveInt("MAX_WRITE_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}
	breakerFailures, err := parsePositiveInt("BREAKER_FAILURES", 5)
	if err != nil {
		return nil, err
	}
	s3MaxAttempts, err := parsePositiveInt("S3_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	fetchRateBurst, err := parsePositiveInt("FETCH_RATE_BURST", 1)
	if err != nil {
		return nil, err
	}

	fetchRateLimit, err := strconv.ParseFloat(sharedcfg.EnvOrDefault("FETCH_RATE_LIMIT", "0"), 64)
	if err != nil || fetchRateLimit < 0 {
		return nil, errors.New("invalid FETCH_RATE_LIMIT")
	}

	maxObjectBytes, err := strconv.ParseInt(sharedcfg.EnvOrDefault("MAX_OBJECT_BYTES", "67108864"), 10, 64)
	if err != nil || maxObjectBytes <= 0 {
		return nil, errors.New("invalid MAX_OBJECT_BYTES")
	}

	subscription := strings.TrimSpace(os.Getenv("INPUT_SUBSCRIPTION"))

	cfg := &Config{
		Transport:         strings.ToLower(sharedcfg.EnvOrDefault("TRANSPORT", TransportPubSub)),
		InputSubscription: subscription,
		Sink:              strings.ToLower(sharedcfg.EnvOrDefault("SINK", SinkBigQuery)),

		GCPProject:         firstNonEmpty(os.Getenv("GCP_PROJECT"), os.Getenv("GOOGLE_CLOUD_PROJECT")),
		GCPCredentialsFile: os.Getenv("GCP_CREDENTIALS_FILE"),
		BigQueryDataset:    strings.TrimSpace(os.Getenv("BQ_DATASET")),
		BigQueryTable:      strings.TrimSpace(os.Getenv("BQ_TABLE")),

		KafkaBrokers:    sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaGroupID:    sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "weather-ingest"),
		KafkaRetryTopic: sharedcfg.EnvOrDefault("KAFKA_RETRY_TOPIC", subscription),
		KafkaSinkTopic:  sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "weather-observations"),

		ObjectStores:     parseList(sharedcfg.EnvOrDefault("OBJECT_STORES", "gs")),
		S3Region:         sharedcfg.EnvOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		S3ForcePathStyle: os.Getenv("S3_FORCE_PATH_STYLE") == "true",
		S3AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:      os.Getenv("S3_SECRET_KEY"),
		S3MaxAttempts:    s3MaxAttempts,
		FetchRateLimit:   fetchRateLimit,
		FetchRateBurst:   fetchRateBurst,
		MaxObjectBytes:   maxObjectBytes,

		Workers:            workers,
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,
		MaxWriteAttempts:   maxWriteAttempts,
		DrainTimeout:       drainTimeout,

		BreakerFailures:    breakerFailures,
		BreakerOpenTimeout: breakerOpenTimeout,

		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.InputSubscription == "" {
		return errors.New("INPUT_SUBSCRIPTION is required")
	}
	if c.BigQueryDataset == "" {
		return errors.New("BQ_DATASET is required")
	}
	if c.BigQueryTable == "" {
		return errors.New("BQ_TABLE is required")
	}
	switch c.Transport {
	case TransportPubSub, TransportKafka:
	default:
		return fmt.Errorf("TRANSPORT must be %q or %q", TransportPubSub, TransportKafka)
	}
	switch c.Sink {
	case SinkBigQuery, SinkKafka:
	default:
		return fmt.Errorf("SINK must be %q or %q", SinkBigQuery, SinkKafka)
	}
	if (c.Transport == TransportKafka || c.Sink == SinkKafka) && len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if c.Sink == SinkKafka && c.KafkaSinkTopic == "" {
		return errors.New("KAFKA_SINK_TOPIC is required")
	}
	if len(c.ObjectStores) == 0 {
		return errors.New("OBJECT_STORES is required")
	}
	for _, s := range c.ObjectStores {
		switch s {
		case "gs", "s3", "file":
		default:
			return fmt.Errorf("OBJECT_STORES: unknown store %q", s)
		}
	}
	if (c.S3AccessKey == "") != (c.S3SecretKey == "") {
		return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}
	return nil
}

// UsesStore reports whether the named object store is enabled.
func (c *Config) UsesStore(scheme string) bool {
	for _, s := range c.ObjectStores {
		if s == scheme {
			return true
		}
	}
	return false
}

func parsePositiveInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
