package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "clinical.agent"

	minOutputChars = 8
)

// Guarded bounds every call to the wrapped model: a per-call timeout, a span,
// metrics, and rejection of empty or degenerate output. All failures come
// back as *InferenceError.
type Guarded struct {
	next    Inferencer
	timeout time.Duration
	logger  zerolog.Logger
	tracer  trace.Tracer
}

func Guard(next Inferencer, timeout time.Duration, logger zerolog.Logger) *Guarded {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Guarded{
		next:    next,
		timeout: timeout,
		logger:  logger.With().Str("component", "inference").Logger(),
		tracer:  otel.Tracer(tracerName),
	}
}

func (g *Guarded) Infer(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "agent.Infer", trace.WithAttributes(
		attribute.String("task", string(req.Task)),
		attribute.String("case_id", req.CaseID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text, err := g.next.Infer(ctx, Prompts(req))
	if err == nil && degenerate(text) {
		err = ErrDegenerateOutput
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		g.logger.Warn().Err(err).Str("task", string(req.Task)).Str("case_id", req.CaseID).
			Dur("took", time.Since(start)).Msg("inference failed")
		recordInference(req.Task, outcome, time.Since(start))
		return "", &InferenceError{Task: req.Task, Err: err}
	}

	span.SetStatus(codes.Ok, "")
	g.logger.Debug().Str("task", string(req.Task)).Int("chars", len(text)).
		Dur("took", time.Since(start)).Msg("inference done")
	recordInference(req.Task, outcome, time.Since(start))
	return text, nil
}

func degenerate(text string) bool {
	return len(strings.TrimSpace(text)) < minOutputChars
}
