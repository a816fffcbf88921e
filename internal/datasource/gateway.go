package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"clinical-decision-agent/internal/clinical"
)

const tracerName = "clinical.datasource"

// FetchFunc is the boundary to one data source. The payload is opaque JSON.
type FetchFunc func(ctx context.Context, patientID string) (json.RawMessage, error)

// Backend serves some or all of the data sources.
type Backend interface {
	Funcs() map[clinical.Source]FetchFunc
}

// Static adapts a plain map to Backend.
type Static map[clinical.Source]FetchFunc

func (s Static) Funcs() map[clinical.Source]FetchFunc {
	return s
}

// Gateway gives every source the same fetch contract: bounded time, typed
// failure, never a panic or an abort. It holds no per-case state and is
// shared by concurrent cases.
type Gateway struct {
	sources map[clinical.Source]FetchFunc
	timeout time.Duration
	limiter *rate.Limiter
	logger  zerolog.Logger
	tracer  trace.Tracer
}

type Option func(*Gateway)

func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithRateLimit throttles fetches across all cases sharing the gateway.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(g *Gateway) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) {
		g.logger = l.With().Str("component", "datasource").Logger()
	}
}

func NewGateway(b Backend, opts ...Option) *Gateway {
	g := &Gateway{
		sources: b.Funcs(),
		timeout: 5 * time.Second,
		logger:  zerolog.Nop(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Has reports whether a backend is wired for src.
func (g *Gateway) Has(src clinical.Source) bool {
	_, ok := g.sources[src]
	return ok
}

// Fetch consults one source. Every failure comes back inside the
// Observation as a *clinical.SourceError.
func (g *Gateway) Fetch(ctx context.Context, src clinical.Source, patientID string) clinical.Observation {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "datasource.Fetch", trace.WithAttributes(
		attribute.String("source", string(src)),
		attribute.String("patient_id", patientID),
	))
	defer span.End()

	payload, err := g.fetch(ctx, src, patientID)
	obs := clinical.Observation{
		Source:    src,
		FetchedAt: start,
		Duration:  time.Since(start),
	}

	outcome := "ok"
	if err != nil {
		srcErr := &clinical.SourceError{Source: src, Err: err}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			srcErr.TimedOut = true
		}
		obs.Err = srcErr
		obs.Error = srcErr.Error()
		obs.TimedOut = srcErr.TimedOut
		outcome = "error"
		if srcErr.TimedOut {
			outcome = "timeout"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		g.logger.Warn().Err(err).Str("source", string(src)).Str("patient_id", patientID).
			Dur("took", obs.Duration).Msg("source fetch failed")
	} else {
		obs.Payload = payload
		span.SetStatus(codes.Ok, "")
		g.logger.Debug().Str("source", string(src)).Int("bytes", len(payload)).
			Dur("took", obs.Duration).Msg("source fetched")
	}
	recordFetch(string(src), outcome, obs.Duration)
	return obs
}

type fetchResult struct {
	payload json.RawMessage
	err     error
}

func (g *Gateway) fetch(ctx context.Context, src clinical.Source, patientID string) (json.RawMessage, error) {
	fn, ok := g.sources[src]
	if !ok {
		return nil, fmt.Errorf("no backend configured for %s", src)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(fetchCtx); err != nil {
			if fetchCtx.Err() != nil {
				return nil, fetchCtx.Err()
			}
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	// Backends that ignore ctx still cannot hold the case past the deadline.
	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: fmt.Errorf("backend panic: %v", r)}
			}
		}()
		payload, err := fn(fetchCtx, patientID)
		done <- fetchResult{payload: payload, err: err}
	}()

	select {
	case <-fetchCtx.Done():
		return nil, fetchCtx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if len(res.payload) == 0 {
			return nil, clinical.ErrNoData
		}
		if !json.Valid(res.payload) {
			return nil, fmt.Errorf("malformed %s payload", src)
		}
		return res.payload, nil
	}
}
