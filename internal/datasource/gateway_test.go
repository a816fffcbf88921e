package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"clinical-decision-agent/internal/clinical"
)

func payload(s string) FetchFunc {
	return func(ctx context.Context, patientID string) (json.RawMessage, error) {
		return json.RawMessage(s), nil
	}
}

func failing(err error) FetchFunc {
	return func(ctx context.Context, patientID string) (json.RawMessage, error) {
		return nil, err
	}
}

// stuck ignores ctx on purpose to prove the gateway enforces the deadline itself.
func stuck(d time.Duration) FetchFunc {
	return func(ctx context.Context, patientID string) (json.RawMessage, error) {
		time.Sleep(d)
		return json.RawMessage(`{}`), nil
	}
}

func TestGateway_Fetch(t *testing.T) {
	g := NewGateway(Static{
		clinical.SourceRecord: payload(`{"patient_id":"P1"}`),
		clinical.SourceLabs:   failing(errors.New("connection refused")),
		clinical.SourceMedications: func(ctx context.Context, id string) (json.RawMessage, error) {
			return nil, nil
		},
		clinical.SourceImaging: payload(`{not json`),
	}, WithTimeout(time.Second))

	obs := g.Fetch(context.Background(), clinical.SourceRecord, "P1")
	require.True(t, obs.OK())
	assert.JSONEq(t, `{"patient_id":"P1"}`, string(obs.Payload))
	assert.Equal(t, clinical.SourceRecord, obs.Source)

	obs = g.Fetch(context.Background(), clinical.SourceLabs, "P1")
	assert.False(t, obs.OK())
	var srcErr *clinical.SourceError
	require.ErrorAs(t, obs.Err, &srcErr)
	assert.Equal(t, clinical.SourceLabs, srcErr.Source)
	assert.Contains(t, obs.Error, "connection refused")
	assert.False(t, obs.TimedOut)

	obs = g.Fetch(context.Background(), clinical.SourceMedications, "P1")
	assert.ErrorIs(t, obs.Err, clinical.ErrNoData)

	obs = g.Fetch(context.Background(), clinical.SourceImaging, "P1")
	assert.False(t, obs.OK())

	obs = g.Fetch(context.Background(), clinical.SourceGuidelines, "P1")
	assert.False(t, obs.OK())
	assert.Contains(t, obs.Error, "no backend configured")
}

func TestGateway_TimeoutIsEnforced(t *testing.T) {
	g := NewGateway(Static{clinical.SourceLabs: stuck(2 * time.Second)}, WithTimeout(30*time.Millisecond))

	start := time.Now()
	obs := g.Fetch(context.Background(), clinical.SourceLabs, "P1")

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, obs.OK())
	assert.True(t, obs.TimedOut)
	assert.ErrorIs(t, obs.Err, context.DeadlineExceeded)
}

func TestGateway_CancelledCaseIsNotATimeout(t *testing.T) {
	g := NewGateway(Static{clinical.SourceLabs: payload(`{}`)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	obs := g.Fetch(ctx, clinical.SourceLabs, "P1")
	assert.False(t, obs.OK())
	assert.False(t, obs.TimedOut)
	assert.ErrorIs(t, obs.Err, context.Canceled)
}

func TestGateway_BackendPanicBecomesFailure(t *testing.T) {
	g := NewGateway(Static{clinical.SourceLabs: func(ctx context.Context, id string) (json.RawMessage, error) {
		panic("driver exploded")
	}})
	obs := g.Fetch(context.Background(), clinical.SourceLabs, "P1")
	assert.False(t, obs.OK())
	assert.Contains(t, obs.Error, "driver exploded")
}

func TestGateway_PatientNotFoundIsDetectable(t *testing.T) {
	g := NewGateway(Static{clinical.SourceRecord: failing(clinical.ErrPatientNotFound)})
	obs := g.Fetch(context.Background(), clinical.SourceRecord, "ghost")
	assert.ErrorIs(t, obs.Err, clinical.ErrPatientNotFound)
}

func TestGateway_Idempotent(t *testing.T) {
	g := NewGateway(Static{clinical.SourceLabs: payload(`{"results":[]}`)})
	first := g.Fetch(context.Background(), clinical.SourceLabs, "P1")
	second := g.Fetch(context.Background(), clinical.SourceLabs, "P1")
	assert.Equal(t, first.Payload, second.Payload)
}

func TestGateway_RateLimitHonoursDeadline(t *testing.T) {
	g := NewGateway(Static{clinical.SourceLabs: payload(`{}`)},
		WithRateLimit(0.5, 1), WithTimeout(50*time.Millisecond))

	assert.True(t, g.Fetch(context.Background(), clinical.SourceLabs, "P1").OK())
	// the bucket is empty and refills after two seconds
	obs := g.Fetch(context.Background(), clinical.SourceLabs, "P1")
	assert.False(t, obs.OK())
}

func TestGateway_Span(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	g := NewGateway(Static{clinical.SourceLabs: failing(errors.New("down"))})
	g.Fetch(context.Background(), clinical.SourceLabs, "P1")

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "datasource.Fetch", spans[0].Name)
	assert.Equal(t, "Error", spans[0].Status.Code.String())
}
