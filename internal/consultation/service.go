package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"clinical-decision-agent/internal/agent"
	"clinical-decision-agent/internal/clinical"
	"clinical-decision-agent/internal/correction"
	"clinical-decision-agent/internal/narrative"
	"clinical-decision-agent/internal/progress"
	"clinical-decision-agent/internal/reasoning"
	"clinical-decision-agent/internal/triage"
)

const tracerName = "clinical.consultation"

// Gateway is the data-source side of the orchestrator. *datasource.Gateway
// satisfies it.
type Gateway interface {
	Fetch(ctx context.Context, src clinical.Source, patientID string) clinical.Observation
}

// CaseRunner is what the HTTP layer and the CLI need from the orchestrator.
type CaseRunner interface {
	RunCase(ctx context.Context, patientID, complaint string, opts ...RunOption) (*clinical.CaseResult, error)
}

// Orchestrator decides per case how much reasoning to spend and drives it.
// It is stateless between cases and safe for concurrent use.
type Orchestrator struct {
	gateway    Gateway
	model      agent.Inferencer
	assessor   *triage.Assessor
	selector   *triage.Selector
	reasoning  reasoning.Config
	correction correction.Config
	sinks      []progress.Sink
	fanout     int
	timeout    time.Duration
	drain      time.Duration
	logger     zerolog.Logger
	tracer     trace.Tracer
}

type Option func(*Orchestrator)

func WithReasoning(cfg reasoning.Config) Option {
	return func(o *Orchestrator) { o.reasoning = cfg }
}

func WithCorrection(cfg correction.Config) Option {
	return func(o *Orchestrator) { o.correction = cfg }
}

// WithSinks registers observers that see the events of every case.
func WithSinks(sinks ...progress.Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sinks...) }
}

// WithFanout bounds concurrent fetches of one STANDARD case.
func WithFanout(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.fanout = n
		}
	}
}

// WithCaseTimeout bounds a whole case. When it fires the case returns its
// partial result.
func WithCaseTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l.With().Str("component", "orchestrator").Logger() }
}

func NewOrchestrator(gw Gateway, model agent.Inferencer, policy triage.Policy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gateway:    gw,
		model:      model,
		assessor:   triage.NewAssessor(policy),
		selector:   triage.NewSelector(policy),
		reasoning:  reasoning.DefaultConfig(),
		correction: correction.DefaultConfig(),
		fanout:     len(clinical.Sources),
		drain:      2 * time.Second,
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type runOptions struct {
	observers []progress.Sink
}

type RunOption func(*runOptions)

// WithObserver adds an observer for this case only.
func WithObserver(s progress.Sink) RunOption {
	return func(r *runOptions) { r.observers = append(r.observers, s) }
}

// run holds the state of one case. It is owned by a single goroutine except
// for fetchStatic, which joins its workers before touching it.
type run struct {
	*Orchestrator
	c      clinical.Case
	obs    *clinical.ObservationSet
	result *clinical.CaseResult
	events *progress.Dispatcher
}

// RunCase runs one case end to end. The only error it returns is a
// *clinical.ConfigurationError; every other failure is recorded in the
// result. A cancelled ctx yields the partial result gathered so far.
func (o *Orchestrator) RunCase(ctx context.Context, patientID, complaint string, opts ...RunOption) (*clinical.CaseResult, error) {
	c, err := clinical.NewCase(patientID, complaint, clinical.PatientAttributes{MedicationCount: -1})
	if err != nil {
		return nil, err
	}
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	ctx, span := o.tracer.Start(ctx, "consultation.RunCase", trace.WithAttributes(
		attribute.String("case_id", c.ID.String()),
		attribute.String("patient_id", c.PatientID),
	))
	defer span.End()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	sinks := append(append([]progress.Sink(nil), o.sinks...), ro.observers...)
	r := &run{
		Orchestrator: o,
		c:            c,
		obs:          clinical.NewObservationSet(),
		result: &clinical.CaseResult{
			CaseID:    c.ID,
			PatientID: c.PatientID,
			Complaint: c.Complaint,
			StartedAt: c.CreatedAt,
		},
		events: progress.NewDispatcher(128, o.logger, sinks...),
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), o.drain)
		defer cancel()
		if err := r.events.Close(drainCtx); err != nil {
			o.logger.Warn().Err(err).Str("case_id", c.ID.String()).Msg("progress events not fully delivered")
		}
	}()

	r.emit(progress.CaseStarted, fmt.Sprintf("patient %s: %s", c.PatientID, c.Complaint))

	// 1. Baseline record
	if ctx.Err() != nil {
		return r.finish(ctx), nil
	}
	record := r.fetch(ctx, clinical.SourceRecord)
	if errors.Is(record.Err, clinical.ErrPatientNotFound) {
		recordCase("none", "rejected", time.Since(c.CreatedAt))
		return nil, &clinical.ConfigurationError{Field: "patient_id", Reason: fmt.Sprintf("unknown patient %q", c.PatientID), Err: clinical.ErrPatientNotFound}
	}
	r.obs.Add(record)
	if rec, ok := r.baseline(); ok {
		r.c = r.c.WithAttributes(rec.Attributes())
	}

	// 2. Triage
	score := o.assessor.Assess(r.c.Complaint, r.c.Attributes)
	r.result.Tier = score.Tier
	r.result.Score = score
	r.result.Rationale = triage.Rationale(score, 5)
	r.result.Strategy = clinical.StrategyFor(score.Tier)
	span.SetAttributes(attribute.String("tier", string(score.Tier)))
	r.emit(progress.StrategyChosen, fmt.Sprintf("%s via %s; %s", score.Tier, r.result.Strategy, r.result.Rationale))

	sel := o.selector.Select(r.c.Complaint, r.c.Attributes)
	r.result.Selected = sel.Sources
	r.emit(progress.ToolsSelected, triage.Explain(r.c.Complaint, sel))

	// 3. Strategy
	switch score.Tier {
	case clinical.TierStandard:
		r.fetchStatic(ctx, sel.Sources)
		r.synthesize(ctx)
	case clinical.TierComplex:
		r.reason(ctx, sel.Sources)
		r.synthesize(ctx)
	case clinical.TierCritical:
		r.reason(ctx, sel.Sources)
		r.correct(ctx)
	}
	return r.finish(ctx), nil
}

func (r *run) emit(name progress.Name, detail string) {
	r.events.Emit(progress.NewEvent(r.c.ID.String(), name, detail))
}

func (r *run) baseline() (*clinical.PatientRecord, bool) {
	o, ok := r.obs.Get(clinical.SourceRecord)
	if !ok || !o.OK() {
		return nil, false
	}
	rec, err := clinical.ParseRecord(o.Payload)
	if err != nil {
		r.logger.Warn().Err(err).Str("case_id", r.c.ID.String()).Msg("patient record unreadable, baseline unknown")
		return nil, false
	}
	return rec, true
}

// fetch consults one source and reports it. It does not add the result to
// the observation set.
func (r *run) fetch(ctx context.Context, src clinical.Source) clinical.Observation {
	r.emit(progress.SourceFetchStarted, string(src))
	o := r.gateway.Fetch(ctx, src, r.c.PatientID)
	o.Source = src
	r.fetched(o)
	return o
}

func (r *run) fetched(o clinical.Observation) {
	if o.OK() {
		r.emit(progress.SourceFetchCompleted, fmt.Sprintf("%s in %s", o.Source, o.Duration.Round(time.Millisecond)))
		return
	}
	reason := o.Error
	if reason == "" && o.Err != nil {
		reason = o.Err.Error()
	}
	r.emit(progress.SourceFetchFailed, fmt.Sprintf("%s: %s", o.Source, reason))
}

// fetchStatic fetches every selected source not yet present, concurrently,
// and adds the results in priority order once all of them are back.
func (r *run) fetchStatic(ctx context.Context, sources []clinical.Source) {
	var pending []clinical.Source
	for _, src := range sources {
		if !r.obs.Has(src) {
			pending = append(pending, src)
		}
	}
	results := make([]*clinical.Observation, len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fanout)
	for i, src := range pending {
		i, src := i, src
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			o := r.fetch(gctx, src)
			results[i] = &o
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range results {
		if o != nil {
			r.obs.Add(*o)
		}
	}
}

func (r *run) reason(ctx context.Context, candidates []clinical.Source) {
	loop := reasoning.New(r.model, r.gateway, r.reasoning, r.logger)
	out := loop.Run(ctx, reasoning.Input{
		CaseID:       r.c.ID.String(),
		PatientID:    r.c.PatientID,
		Complaint:    r.c.Complaint,
		Tier:         r.result.Tier,
		Candidates:   candidates,
		Observations: r.obs,
	}, reasoning.Hooks{
		FetchStarted: func(src clinical.Source) { r.emit(progress.SourceFetchStarted, string(src)) },
		Fetched:      r.fetched,
		Step: func(s clinical.ReasoningStep) {
			detail := fmt.Sprintf("[%d] %s", s.Index, s.Action)
			if s.Observation != "" {
				detail += ": " + s.Observation
			}
			r.emit(progress.ReasoningIteration, detail)
		},
	})

	r.result.Trace = out.Trace
	r.result.ReasoningTruncated = out.Truncated
	r.result.ReasoningAborted = out.Aborted
	if out.Truncated {
		r.emit(progress.ReasoningTruncated, fmt.Sprintf("stopped after %d iterations", out.Iterations))
	}
}

func (r *run) input() narrative.Input {
	return narrative.Input{
		PatientID:    r.c.PatientID,
		Complaint:    r.c.Complaint,
		Tier:         r.result.Tier,
		Observations: r.obs.All(),
		Trace:        r.result.Trace,
	}
}

func (r *run) fallback() string {
	return narrative.Compose(r.input())
}

func (r *run) synthesize(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	in := r.input()
	text, err := r.model.Infer(ctx, agent.Request{
		Task:         agent.TaskSynthesize,
		CaseID:       r.c.ID.String(),
		PatientID:    in.PatientID,
		Complaint:    in.Complaint,
		Tier:         in.Tier,
		Observations: in.Observations,
		Trace:        in.Trace,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("case_id", r.c.ID.String()).Msg("synthesis failed, using template narrative")
		r.result.SynthesisFallback = true
		text = r.fallback()
	}
	r.result.Narrative = text
}

func (r *run) correct(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	in := r.input()
	loop := correction.New(r.model, r.correction, r.logger)
	out := loop.Run(ctx, correction.Input{
		CaseID:       r.c.ID.String(),
		PatientID:    in.PatientID,
		Complaint:    in.Complaint,
		Tier:         in.Tier,
		Observations: in.Observations,
		Trace:        in.Trace,
		Fallback:     r.fallback,
	}, func(d clinical.Draft) {
		r.emit(progress.CorrectionPass, fmt.Sprintf("draft v%d scored %.1f", d.Version, d.Score))
	})

	r.result.Drafts = out.Drafts
	r.result.SynthesisFallback = out.Fallback
	r.result.Narrative = out.Final().Narrative
}

// finish assembles the result. A case cut short before synthesis still gets
// a narrative built from whatever was observed.
func (r *run) finish(ctx context.Context) *clinical.CaseResult {
	res := r.result
	res.Observations = r.obs.All()
	res.SourceErrors = r.obs.Failures()
	res.Cancelled = ctx.Err() != nil
	if res.Narrative == "" {
		res.SynthesisFallback = true
		res.Narrative = r.fallback()
	}
	res.Duration = time.Since(res.StartedAt)

	res.CriticalSignals = r.obs.CriticalSignals()
	if res.Tier == clinical.TierCritical || len(res.CriticalSignals) > 0 {
		res.CriticalFindings = true
		detail := res.Rationale
		if len(res.CriticalSignals) > 0 {
			detail = strings.Join(res.CriticalSignals, "; ")
			if res.Tier == clinical.TierCritical {
				detail = res.Rationale + "; " + detail
			}
		}
		r.emit(progress.CriticalFindings, detail)
	}
	outcome := "completed"
	if res.Cancelled {
		outcome = "cancelled"
	}
	r.emit(progress.CaseCompleted, fmt.Sprintf("%s in %s, %d source(s) failed", outcome, res.Duration.Round(time.Millisecond), len(res.SourceErrors)))
	recordCase(res.Tier, outcome, res.Duration)

	r.logger.Info().
		Str("case_id", res.CaseID.String()).
		Str("patient_id", res.PatientID).
		Str("tier", string(res.Tier)).
		Str("strategy", string(res.Strategy)).
		Int("observations", len(res.Observations)).
		Int("failed_sources", len(res.SourceErrors)).
		Bool("truncated", res.ReasoningTruncated).
		Bool("cancelled", res.Cancelled).
		Dur("took", res.Duration).
		Msg("case finished")
	return res
}
