// Package reasoning runs the think/act/observe investigation used for
// COMPLEX and CRITICAL cases.
package reasoning

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"clinical-decision-agent/internal/agent"
	"clinical-decision-agent/internal/clinical"
)

type State string

const (
	StateThinking  State = "THINKING"
	StateActing    State = "ACTING"
	StateObserving State = "OBSERVING"
	StateConcluded State = "CONCLUDED"
	StateAborted   State = "ABORTED"
)

type Config struct {
	MaxIterations int           `mapstructure:"max_iterations" validate:"min=1"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

func DefaultConfig() Config {
	return Config{MaxIterations: 5, RetryBackoff: 500 * time.Millisecond}
}

// Fetcher is satisfied by *datasource.Gateway.
type Fetcher interface {
	Fetch(ctx context.Context, src clinical.Source, patientID string) clinical.Observation
}

// Hooks lets the caller observe the loop. Nil fields are skipped.
type Hooks struct {
	FetchStarted func(src clinical.Source)
	Fetched      func(obs clinical.Observation)
	Step         func(step clinical.ReasoningStep)
}

type Input struct {
	CaseID     string
	PatientID  string
	Complaint  string
	Tier       clinical.Tier
	Candidates []clinical.Source
	// Observations is seeded by the caller and grows as the loop fetches.
	Observations *clinical.ObservationSet
}

type Outcome struct {
	State      State
	Trace      []clinical.ReasoningStep
	Iterations int
	Truncated  bool
	Aborted    bool
	Cancelled  bool
	Err        error
}

type Loop struct {
	model   agent.Inferencer
	fetcher Fetcher
	cfg     Config
	logger  zerolog.Logger
}

func New(model agent.Inferencer, fetcher Fetcher, cfg Config, logger zerolog.Logger) *Loop {
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	return &Loop{
		model:   model,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With().Str("component", "reasoning").Logger(),
	}
}

// Run drives the state machine until CONCLUDED or ABORTED. It never returns
// an error: inference failure, cancellation and cap exhaustion are all
// reported in the Outcome.
func (l *Loop) Run(ctx context.Context, in Input, hooks Hooks) Outcome {
	out := Outcome{State: StateThinking}
	var (
		decision Decision
		fetched  clinical.Observation
	)

	for {
		switch out.State {
		case StateThinking:
			if out.Iterations >= l.cfg.MaxIterations {
				out.Truncated = true
				out.State = StateConcluded
				l.logger.Info().Str("case_id", in.CaseID).Int("iterations", out.Iterations).Msg("reasoning truncated at iteration cap")
				continue
			}
			if ctx.Err() != nil {
				out.Cancelled = true
				out.Err = ctx.Err()
				out.State = StateAborted
				continue
			}
			out.Iterations++

			d, err := l.think(ctx, in, out.Trace)
			if err != nil {
				out.Err = err
				if ctx.Err() != nil {
					out.Cancelled = true
				} else {
					out.Aborted = true
				}
				out.State = StateAborted
				l.logger.Warn().Err(err).Str("case_id", in.CaseID).Int("iteration", out.Iterations).Msg("reasoning aborted")
				continue
			}
			decision = d
			if d.Conclude {
				l.record(&out, hooks, d, "")
				out.State = StateConcluded
				continue
			}
			out.State = StateActing

		case StateActing:
			if in.Observations.Has(decision.Source) {
				l.record(&out, hooks, decision, fmt.Sprintf("%s already available, not fetched again", decision.Source))
				out.State = StateThinking
				continue
			}
			if !candidate(in.Candidates, decision.Source) {
				l.record(&out, hooks, decision, fmt.Sprintf("%s is not an available source", decision.Source))
				out.State = StateThinking
				continue
			}
			if ctx.Err() != nil {
				out.Cancelled = true
				out.Err = ctx.Err()
				out.State = StateAborted
				continue
			}
			if hooks.FetchStarted != nil {
				hooks.FetchStarted(decision.Source)
			}
			fetched = l.fetcher.Fetch(ctx, decision.Source, in.PatientID)
			fetched.Source = decision.Source
			out.State = StateObserving

		case StateObserving:
			in.Observations.Add(fetched)
			stored, _ := in.Observations.Get(fetched.Source)
			if hooks.Fetched != nil {
				hooks.Fetched(stored)
			}
			l.record(&out, hooks, decision, summarize(stored))
			out.State = StateThinking

		case StateConcluded, StateAborted:
			return out
		}
	}
}

// think asks for the next decision, retrying once after a backoff when the
// call fails or the output cannot be parsed.
func (l *Loop) think(ctx context.Context, in Input, trace []clinical.ReasoningStep) (Decision, error) {
	req := agent.Request{
		Task:         agent.TaskThink,
		CaseID:       in.CaseID,
		PatientID:    in.PatientID,
		Complaint:    in.Complaint,
		Tier:         in.Tier,
		Observations: in.Observations.All(),
		Trace:        trace,
		Candidates:   in.Candidates,
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, l.cfg.RetryBackoff); err != nil {
				return Decision{}, err
			}
		}
		text, err := l.model.Infer(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		d, err := ParseDecision(text)
		if err != nil {
			lastErr = &agent.InferenceError{Task: agent.TaskThink, Err: fmt.Errorf("%w: %v", agent.ErrDegenerateOutput, err)}
			continue
		}
		return d, nil
	}
	return Decision{}, lastErr
}

func (l *Loop) record(out *Outcome, hooks Hooks, d Decision, observation string) {
	step := clinical.ReasoningStep{
		Index:       len(out.Trace) + 1,
		Thought:     d.Thought,
		Action:      d.Action(),
		Source:      d.Source,
		Observation: observation,
	}
	out.Trace = append(out.Trace, step)
	if hooks.Step != nil {
		hooks.Step(step)
	}
}

func candidate(candidates []clinical.Source, src clinical.Source) bool {
	if len(candidates) == 0 {
		return true
	}
	for _, c := range candidates {
		if c == src {
			return true
		}
	}
	return false
}

func summarize(o clinical.Observation) string {
	if !o.OK() {
		return fmt.Sprintf("%s unavailable: %s", o.Source, o.Error)
	}
	return fmt.Sprintf("%s retrieved (%d bytes)", o.Source, len(o.Payload))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
