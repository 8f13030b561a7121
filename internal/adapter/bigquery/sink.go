// Package bigquery appends observation records to a BigQuery table, creating
// the table on first use.
package bigquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	bq "cloud.google.com/go/bigquery"
	"github.com/couchcryptid/weather-ingest/internal/domain"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Sink streams records into BigQuery with append semantics.
// It implements pipeline.Sink.
type Sink struct {
	client *bq.Client
	logger *slog.Logger

	mu    sync.Mutex
	ready map[string]bool // targets known to exist
}

// NewSink creates a BigQuery client billed to project.
func NewSink(ctx context.Context, project string, logger *slog.Logger, opts ...option.ClientOption) (*Sink, error) {
	client, err := bq.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	return &Sink{client: client, logger: logger, ready: make(map[string]bool)}, nil
}

// Append inserts records into target, creating the table if needed.
func (s *Sink) Append(ctx context.Context, target domain.Target, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	table := s.table(target)
	if err := s.ensureTable(ctx, target, table); err != nil {
		return err
	}

	rows := make([]*row, len(records))
	for i := range records {
		rows[i] = &row{rec: records[i]}
	}
	if err := table.Inserter().Put(ctx, rows); err != nil {
		return classifyError(fmt.Errorf("insert %d rows into %s: %w", len(rows), target, err))
	}
	return nil
}

// Close releases the client.
func (s *Sink) Close() error {
	return s.client.Close()
}

func (s *Sink) table(target domain.Target) *bq.Table {
	if target.Project != "" {
		return s.client.DatasetInProject(target.Project, target.Dataset).Table(target.Table)
	}
	return s.client.Dataset(target.Dataset).Table(target.Table)
}

// ensureTable creates the table with the observation schema if it does not
// exist. The check runs once per target; failures are retried on the next call.
func (s *Sink) ensureTable(ctx context.Context, target domain.Target, table *bq.Table) error {
	key := target.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready[key] {
		return nil
	}

	_, err := table.Metadata(ctx)
	switch {
	case err == nil:
	case httpStatus(err) == http.StatusNotFound:
		meta := &bq.TableMetadata{
			Schema:      TableSchema(domain.ObservationSchema),
			Description: "Weather observations ingested from CSV uploads.",
		}
		if err := table.Create(ctx, meta); err != nil && httpStatus(err) != http.StatusConflict {
			return classifyError(fmt.Errorf("create table %s: %w", target, err))
		}
		s.logger.Info("created table", "target", key, "schema", domain.ObservationSchema.String())
	default:
		return classifyError(fmt.Errorf("get table %s: %w", target, err))
	}

	s.ready[key] = true
	return nil
}

// TableSchema maps the domain schema onto BigQuery field types. All columns
// are nullable.
func TableSchema(schema domain.Schema) bq.Schema {
	out := make(bq.Schema, len(schema))
	for i, c := range schema {
		out[i] = &bq.FieldSchema{Name: c.Name, Type: fieldType(c.Type)}
	}
	return out
}

func fieldType(t domain.ColumnType) bq.FieldType {
	switch t {
	case domain.TypeInt64:
		return bq.IntegerFieldType
	case domain.TypeFloat64:
		return bq.FloatFieldType
	case domain.TypeTimestamp:
		return bq.TimestampFieldType
	default:
		return bq.StringFieldType
	}
}

// row adapts a Record to bq.ValueSaver. Rows carry no insert ID, so BigQuery
// does not deduplicate retried inserts.
type row struct {
	rec domain.Record
}

func (r *row) Save() (map[string]bq.Value, string, error) {
	values := r.rec.Values()
	out := make(map[string]bq.Value, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out, bq.NoDedupeID, nil
}

func httpStatus(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// classifyError marks transient failures retryable. Rejected rows, rows the
// client cannot encode and client errors are fatal.
func classifyError(err error) error {
	var multi bq.PutMultiError
	if errors.As(err, &multi) {
		return fmt.Errorf("%d rows rejected: %w", len(multi), err)
	}
	if isEncodeError(err) {
		return fmt.Errorf("encode rows: %w", err)
	}
	if status := httpStatus(err); status != 0 {
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			return domain.Retryable(err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.Retryable(err)
}

// isEncodeError reports whether the request body could not be marshalled.
// The client encodes insert requests with encoding/json before sending.
func isEncodeError(err error) bool {
	var (
		value     *json.UnsupportedValueError
		typ       *json.UnsupportedTypeError
		marshaler *json.MarshalerError
	)
	return errors.As(err, &value) || errors.As(err, &typ) || errors.As(err, &marshaler)
}
