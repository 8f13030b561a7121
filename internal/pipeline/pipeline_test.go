package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/weather-ingest/internal/domain"
	"github.com/couchcryptid/weather-ingest/internal/observability"
	"github.com/couchcryptid/weather-ingest/internal/pipeline"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	header = "capital,temperature,weather_description,wind_speed,pressure,precipitation,humidity,cloudcover,feelslike,uv_index,visibility,observation_time,timestamp"
	moscow = "Moscow,5,Clear,10,1012,0.0,80,20,3,4,10000,2024-01-01 12:00,2024-01-01 12:00:00"
	ottawa = "Ottawa,-3,Light snow,12,1020,0.4,90,100,-8,1,5,07:00 AM,2024-01-01 12:00:05"
)

var testTarget = domain.Target{Project: "demo", Dataset: "weather", Table: "observations"}

// --- mocks ---

type mockSubscriber struct {
	deliveries []domain.Delivery
	index      atomic.Int64
}

func (m *mockSubscriber) Next(ctx context.Context) (domain.Delivery, error) {
	i := int(m.index.Add(1) - 1)
	if i >= len(m.deliveries) {
		// block until context cancelled to simulate waiting for messages
		<-ctx.Done()
		return domain.Delivery{}, ctx.Err()
	}
	return m.deliveries[i], nil
}

type mockFetcher struct {
	files map[string]string
	err   error
	calls atomic.Int64
}

func (m *mockFetcher) Fetch(_ context.Context, loc domain.Locator) (io.ReadCloser, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	body, ok := m.files[loc.String()]
	if !ok {
		return nil, domain.ErrObjectNotFound
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type mockSink struct {
	mu      sync.Mutex
	batches [][]domain.Record
	errs    []error
	calls   int
	block   chan struct{}
	entered chan struct{}
}

func (m *mockSink) Append(ctx context.Context, _ domain.Target, records []domain.Record) error {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return err
		}
	}
	m.batches = append(m.batches, append([]domain.Record(nil), records...))
	return nil
}

func (m *mockSink) records() []domain.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Record
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

type settled struct {
	acks  atomic.Int64
	nacks atomic.Int64
}

func (s *settled) delivery(id, payload string) domain.Delivery {
	return domain.Delivery{
		ID:      id,
		Payload: []byte(payload),
		Source:  "test",
		Ack: func(context.Context) error {
			s.acks.Add(1)
			return nil
		},
		Nack: func(context.Context) error {
			s.nacks.Add(1)
			return nil
		},
	}
}

func newTestPipeline(sub pipeline.Subscriber, f pipeline.Fetcher, s pipeline.Sink, settings pipeline.Settings) *pipeline.Pipeline {
	settings.Target = testTarget
	if settings.InitialBackoff == 0 {
		settings.InitialBackoff = time.Millisecond
	}
	if settings.MaxBackoff == 0 {
		settings.MaxBackoff = 5 * time.Millisecond
	}
	return pipeline.New(sub, f, s, settings, slog.Default(), observability.NewMetricsForTesting())
}

func lines(ls ...string) string {
	return strings.Join(ls, "\n") + "\n"
}

// --- Process ---

func TestProcess_AppendsValidRows(t *testing.T) {
	fetcher := &mockFetcher{files: map[string]string{
		"gs://weather-bucket/2024-01-01/12.csv": lines(header, moscow, "Moscow,not-a-number", "", ottawa),
	}}
	sink := &mockSink{}
	p := newTestPipeline(&mockSubscriber{}, fetcher, sink, pipeline.Settings{})

	var s settled
	outcome := p.Process(context.Background(), s.delivery("1", `{"location":"gs://weather-bucket/2024-01-01/12.csv"}`))

	assert.Equal(t, pipeline.OutcomeAck, outcome)
	got := sink.records()
	require.Len(t, got, 2)
	assert.Equal(t, "Moscow", got[0].Capital)
	assert.Equal(t, "Ottawa", got[1].Capital)
	assert.Equal(t, int64(-3), got[1].Temperature)
}

func TestProcess_DropsNonFiniteRowsOnly(t *testing.T) {
	nan := "Moscow,5,Clear,10,1012,NaN,80,20,3,4,10000,12:00 PM,2024-01-01 12:00:00"
	fetcher := &mockFetcher{files: map[string]string{"gs://b/x.csv": lines(header, nan, ottawa)}}
	sink := &mockSink{}
	p := newTestPipeline(&mockSubscriber{}, fetcher, sink, pipeline.Settings{})

	var s settled
	outcome := p.Process(context.Background(), s.delivery("1", `{"location":"gs://b/x.csv"}`))

	assert.Equal(t, pipeline.OutcomeAck, outcome)
	got := sink.records()
	require.Len(t, got, 1)
	assert.Equal(t, "Ottawa", got[0].Capital)
}

func TestProcess_BucketAndFilenameNotification(t *testing.T) {
	fetcher := &mockFetcher{files: map[string]string{
		"gs://weather-bucket/obs.csv": lines(moscow),
	}}
	sink := &mockSink{}
	p := newTestPipeline(&mockSubscriber{}, fetcher, sink, pipeline.Settings{})

	var s settled
	outcome := p.Process(context.Background(), s.delivery("1", `{"bucket":"weather-bucket","filename":"obs.csv"}`))

	assert.Equal(t, pipeline.OutcomeAck, outcome)
	assert.Len(t, sink.records(), 1)
}

func TestProcess_FiltersWithoutFetching(t *testing.T) {
	for _, payload := range []string{`{}`, `null`, `not json`, `{"location":""}`, `[1,2]`, `{"location":"http://example.com/x.csv"}`} {
		t.Run(payload, func(t *testing.T) {
			fetcher := &mockFetcher{}
			sink := &mockSink{}
			p := newTestPipeline(&mockSubscriber{}, fetcher, sink, pipeline.Settings{})

			var s settled
			outcome := p.Process(context.Background(), s.delivery("1", payload))

			assert.Equal(t, pipeline.OutcomeFiltered, outcome)
			assert.Zero(t, fetcher.calls.Load())
			assert.Zero(t, sink.calls)
		})
	}
}

func TestProcess_HeaderOnlyFileAppendsNothing(t *testing.T) {
	fetcher := &mockFetcher{files: map[string]string{"gs://b/empty.csv": lines(header)}}
	sink := &mockSink{}
	p := newTestPipeline(&mockSubscriber{}, fetcher, sink, pipeline.Settings{})

	var s settled
	outcome := p.Process(context.Background(), s.delivery("1", `{"location":"gs://b/empty.csv"}`))

	assert.Equal(t, pipeline.OutcomeAck, outcome)
	assert.Zero(t, sink.calls)
}

func TestProcess_HeaderAfterBOMIsSkipped(t *testing.T) {
	fetcher := &mockFetcher{files: map[string]string{"gs://b/bom.csv": "\ufeff" + lines(header, moscow)}}
	sink := &mockSink{}
	p := newTestPipeline(&mockSubscriber{}, fetcher, sink, pipeline.Settings{})

	var s settled
	outcome := p.Process(context.Background(), s.delivery("1", `{"location":"gs://b/bom.csv"}`))

	assert.Equal(t, pipeline.OutcomeAck, outcome)
	require.Len(t, sink.records(), 1)
	assert.Equal(t, "Moscow", sink.records()[0].Capital)
}

func TestProcess_CRLFLineEndings(t *testing.T) {
	fetcher := &mockFetcher{files: map[string]string{"gs://b/crlf.csv": header + "\r\n" + moscow + "\r\n"}}
	sink := &mockSink{}
	p := newTestPipeline(&mockSubscriber{}, fetcher, sink, pipeline.Settings{})

	var s settled
	outcome := p.Process(context.Background(), s.delivery("1", `{"location":"gs://b/crlf.csv"}`))

	assert.Equal(t, pipeline.OutcomeAck, outcome)
	require.Len(t, sink.records(), 1)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), sink.records()[0].Timestamp)
}

func TestProcess_FetchFailureRetries(t *testing.T) {
	fetcher := &mockFetcher{err: errors.New("connection reset")}
	sink := &mockSink{}
	p := newTestPipeline(&mockSubscriber{}, fetcher, sink, pipeline.Settings{})

	var s settled
	outcome := p.Process(context.Background(), s.delivery("1", `{"location":"gs://b/x.csv"}`))

	assert.Equal(t, pipeline.OutcomeRetry, outcome)
	assert.Zero(t, sink.calls)
}

func TestProcess_MissingObjectRetries(t *testing.T) {
	p := newTestPipeline(&mockSubscriber{}, &mockFetcher{}, &mockSink{}, pipeline.Settings{})

	var s settled
	outcome := p.Process(context.Background(), s.delivery("1", `{"location":"gs://b/missing.csv"}`))

	assert.Equal(t, pipeline.OutcomeRetry, outcome)
}

func TestProcess_ChunksByBatchSize(t *testing.T) {
	body := lines(moscow, moscow, moscow, moscow, moscow)
	fetcher := &mockFetcher{files: map[string]string{"gs://b/x.csv": body}}
	sink := &mockSink{}
	p := newTestPipeline(&mockSubscriber{}, fetcher, sink, pipeline.Settings{BatchSize: 2})

	var s settled
	outcome := p.Process(context.Background(), s.delivery("1", `{"location":"gs://b/x.csv"}`))

	assert.Equal(t, pipeline.OutcomeAck, outcome)
	sizes := make([]int, 0, len(sink.batches))
	for _, b := range sink.batches {
		sizes = append(sizes, len(b))
	}
	if diff := cmp.Diff([]int{2, 2, 1}, sizes); diff != "" {
		t.Fatalf("batch sizes mismatch (-want +got):\n%s", diff)
	}
}

func TestProcess_SinkRetryableErrorIsRetried(t *testing.T) {
	fetcher := &mockFetcher{files: map[string]string{"gs://b/x.csv": lines(moscow)}}
	sink := &mockSink{errs: []error{domain.Retryable(errors.New("503 backend error")), nil}}
	p := newTestPipeline(&mockSubscriber{}, fetcher, sink, pipeline.Settings{})

	var s settled
	outcome := p.Process(context.Background(), s.delivery("1", `{"location":"gs://b/x.csv"}`))

	assert.Equal(t, pipeline.OutcomeAck, outcome)
	assert.Equal(t, 2, sink.calls)
	assert.Len(t, sink.records(), 1)
}

func TestProcess_SinkFatalErrorIsNotRetried(t *testing.T) {
	fetcher := &mockFetcher{files: map[string]string{"gs://b/x.csv": lines(moscow)}}
	sink := &mockSink{errs: []error{errors.New("schema mismatch")}}
	p := newTestPipeline(&mockSubscriber{}, fetcher, sink, pipeline.Settings{})

	var s settled
	outcome := p.Process(context.Background(), s.delivery("1", `{"location":"gs://b/x.csv"}`))

	assert.Equal(t, pipeline.OutcomeRetry, outcome)
	assert.Equal(t, 1, sink.calls)
}

func TestProcess_SinkGivesUpAfterMaxAttempts(t *testing.T) {
	transient := domain.Retryable(errors.New("rate limited"))
	fetcher := &mockFetcher{files: map[string]string{"gs://b/x.csv": lines(moscow)}}
	sink := &mockSink{errs: []error{transient, transient, transient, transient}}
	p := newTestPipeline(&mockSubscriber{}, fetcher, sink, pipeline.Settings{MaxWriteAttempts: 3})

	var s settled
	outcome := p.Process(context.Background(), s.delivery("1", `{"location":"gs://b/x.csv"}`))

	assert.Equal(t, pipeline.OutcomeRetry, outcome)
	assert.Equal(t, 3, sink.calls)
}

func TestProcess_RedeliveryAppendsAgain(t *testing.T) {
	fetcher := &mockFetcher{files: map[string]string{"gs://b/x.csv": lines(header, moscow, ottawa)}}
	sink := &mockSink{}
	p := newTestPipeline(&mockSubscriber{}, fetcher, sink, pipeline.Settings{})

	var s settled
	d := s.delivery("1", `{"location":"gs://b/x.csv"}`)
	assert.Equal(t, pipeline.OutcomeAck, p.Process(context.Background(), d))
	assert.Equal(t, pipeline.OutcomeAck, p.Process(context.Background(), d))

	assert.Len(t, sink.records(), 4)
	assert.Equal(t, int64(2), fetcher.calls.Load())
}

// --- Run ---

func TestRun_AcksIngestedAndFilteredDeliveries(t *testing.T) {
	fetcher := &mockFetcher{files: map[string]string{"gs://b/x.csv": lines(header, moscow)}}
	sink := &mockSink{}

	var s settled
	sub := &mockSubscriber{deliveries: []domain.Delivery{
		s.delivery("1", `{"location":"gs://b/x.csv"}`),
		s.delivery("2", `{}`),
	}}
	p := newTestPipeline(sub, fetcher, sink, pipeline.Settings{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return s.acks.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.CheckReadiness(ctx))

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, s.nacks.Load())
	assert.Len(t, sink.records(), 1)
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestRun_NacksFailedDeliveries(t *testing.T) {
	var s settled
	sub := &mockSubscriber{deliveries: []domain.Delivery{s.delivery("1", `{"location":"gs://b/x.csv"}`)}}
	p := newTestPipeline(sub, &mockFetcher{err: errors.New("boom")}, &mockSink{}, pipeline.Settings{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return s.nacks.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, s.acks.Load())
}

func TestRun_CountsEachOutcomeOnce(t *testing.T) {
	fetcher := &mockFetcher{files: map[string]string{"gs://b/x.csv": lines(header, moscow)}}
	metrics := observability.NewMetricsForTesting()

	var s settled
	sub := &mockSubscriber{deliveries: []domain.Delivery{
		s.delivery("1", `{"location":"gs://b/x.csv"}`),
		s.delivery("2", `{}`),
		s.delivery("3", `{"location":"gs://b/missing.csv"}`),
	}}
	p := pipeline.New(sub, fetcher, &mockSink{}, pipeline.Settings{Target: testTarget, Workers: 1}, slog.Default(), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return s.acks.Load() == 2 && s.nacks.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.DeliveriesAcked), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.DeliveriesFiltered), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.DeliveriesNacked), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.FetchErrors.WithLabelValues("not_found")), 0)
	assert.Equal(t, uint64(2), sampleCount(t, metrics.FileProcessingDuration), "fetch failures are timed too")
}

func TestProcess_LogsDeliveryAttempt(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	p := pipeline.New(&mockSubscriber{}, &mockFetcher{}, &mockSink{}, pipeline.Settings{Target: testTarget}, logger, observability.NewMetricsForTesting())

	var s settled
	d := s.delivery("1", `{"location":"gs://b/missing.csv"}`)
	d.Attempt = 3

	assert.Equal(t, pipeline.OutcomeRetry, p.Process(context.Background(), d))
	assert.Contains(t, buf.String(), `"attempt":3`)
	assert.Contains(t, buf.String(), `"msg":"fetch failed"`)
}

func sampleCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestRun_ContextCancellation(t *testing.T) {
	sink := &mockSink{}
	p := newTestPipeline(&mockSubscriber{}, &mockFetcher{}, sink, pipeline.Settings{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	err := p.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, sink.records())
}

func TestRun_DrainsInFlightOnShutdown(t *testing.T) {
	fetcher := &mockFetcher{files: map[string]string{"gs://b/x.csv": lines(moscow)}}
	sink := &mockSink{block: make(chan struct{}), entered: make(chan struct{}, 1)}

	var s settled
	sub := &mockSubscriber{deliveries: []domain.Delivery{s.delivery("1", `{"location":"gs://b/x.csv"}`)}}
	p := newTestPipeline(sub, fetcher, sink, pipeline.Settings{DrainTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-sink.entered
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned before in-flight delivery finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.block)
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), s.acks.Load())
	assert.Len(t, sink.records(), 1)
}

func TestRun_DrainTimeoutCancelsInFlight(t *testing.T) {
	fetcher := &mockFetcher{files: map[string]string{"gs://b/x.csv": lines(moscow)}}
	sink := &mockSink{block: make(chan struct{}), entered: make(chan struct{}, 1)}

	var s settled
	sub := &mockSubscriber{deliveries: []domain.Delivery{s.delivery("1", `{"location":"gs://b/x.csv"}`)}}
	p := newTestPipeline(sub, fetcher, sink, pipeline.Settings{DrainTimeout: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-sink.entered
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, int64(1), s.nacks.Load())
	assert.Zero(t, s.acks.Load())
}

func TestCheckReadiness_NotRunning(t *testing.T) {
	p := newTestPipeline(&mockSubscriber{}, &mockFetcher{}, &mockSink{}, pipeline.Settings{})
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "ack", pipeline.OutcomeAck.String())
	assert.Equal(t, "filtered", pipeline.OutcomeFiltered.String())
	assert.Equal(t, "retry", pipeline.OutcomeRetry.String())
}
