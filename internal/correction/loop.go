// Package correction implements the draft, critique and refine cycle used for
// CRITICAL cases.
package correction

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"clinical-decision-agent/internal/agent"
	"clinical-decision-agent/internal/clinical"
	"clinical-decision-agent/internal/rubric"
)

type Config struct {
	AcceptScore    float64 `mapstructure:"accept_score" validate:"gte=0,lte=10"`
	MaxRefinements int     `mapstructure:"max_refinements" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{AcceptScore: 8.5, MaxRefinements: 3}
}

type Input struct {
	CaseID       string
	PatientID    string
	Complaint    string
	Tier         clinical.Tier
	Observations []clinical.Observation
	Trace        []clinical.ReasoningStep
	// Fallback renders a narrative without inference. It is used when the
	// initial synthesis fails.
	Fallback func() string
}

type Outcome struct {
	Drafts         []clinical.Draft
	Refinements    int
	Accepted       bool
	Fallback       bool
	CritiqueFailed bool
	Cancelled      bool
	Err            error
}

// Final returns the draft marked final.
func (o Outcome) Final() clinical.Draft {
	for _, d := range o.Drafts {
		if d.Final {
			return d
		}
	}
	return clinical.Draft{}
}

type Loop struct {
	model  agent.Inferencer
	cfg    Config
	logger zerolog.Logger
}

func New(model agent.Inferencer, cfg Config, logger zerolog.Logger) *Loop {
	if cfg.MaxRefinements < 0 {
		cfg.MaxRefinements = 0
	}
	return &Loop{
		model:  model,
		cfg:    cfg,
		logger: logger.With().Str("component", "correction").Logger(),
	}
}

// Run produces at most MaxRefinements+1 drafts and always marks exactly one
// of them final: the highest scored, the later one on ties.
func (l *Loop) Run(ctx context.Context, in Input, pass func(clinical.Draft)) Outcome {
	var out Outcome
	req := agent.Request{
		CaseID:       in.CaseID,
		PatientID:    in.PatientID,
		Complaint:    in.Complaint,
		Tier:         in.Tier,
		Observations: in.Observations,
		Trace:        in.Trace,
	}

	req.Task = agent.TaskSynthesize
	text, err := l.model.Infer(ctx, req)
	if err != nil {
		l.logger.Warn().Err(err).Str("case_id", in.CaseID).Msg("initial synthesis failed, using fallback narrative")
		out.Fallback = true
		out.Err = err
		if in.Fallback != nil {
			text = in.Fallback()
		}
	}
	out.Drafts = append(out.Drafts, newDraft(1, text))

	for {
		if ctx.Err() != nil {
			out.Cancelled = true
			out.Err = ctx.Err()
			break
		}
		cur := &out.Drafts[len(out.Drafts)-1]

		req.Task = agent.TaskCritique
		req.Draft = cur.Narrative
		req.Findings = nil
		critique, err := l.model.Infer(ctx, req)
		var res rubric.Result
		if err == nil {
			res, err = rubric.Parse(critique)
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("case_id", in.CaseID).Int("draft", cur.Version).Msg("critique failed, keeping best draft")
			out.CritiqueFailed = true
			out.Err = err
			break
		}
		cur.Score = res.Score
		cur.Scored = true
		cur.Findings = res.Findings
		if pass != nil {
			pass(*cur)
		}
		l.logger.Debug().Str("case_id", in.CaseID).Int("draft", cur.Version).Float64("score", cur.Score).Msg("draft critiqued")

		if cur.Score >= l.cfg.AcceptScore {
			out.Accepted = true
			break
		}
		if out.Refinements >= l.cfg.MaxRefinements {
			break
		}
		if ctx.Err() != nil {
			out.Cancelled = true
			out.Err = ctx.Err()
			break
		}

		req.Task = agent.TaskRefine
		req.Findings = res.Findings
		refined, err := l.model.Infer(ctx, req)
		if err != nil {
			l.logger.Warn().Err(err).Str("case_id", in.CaseID).Msg("refinement failed, keeping best draft")
			out.Err = err
			break
		}
		out.Refinements++
		out.Drafts = append(out.Drafts, newDraft(len(out.Drafts)+1, refined))
	}

	out.Drafts[best(out.Drafts)].Final = true
	return out
}

func newDraft(version int, text string) clinical.Draft {
	return clinical.Draft{Version: version, Narrative: text, CreatedAt: time.Now()}
}

// best picks the highest scored draft, later on ties. With no scored drafts
// the latest one wins.
func best(drafts []clinical.Draft) int {
	idx := -1
	for i, d := range drafts {
		if !d.Scored {
			continue
		}
		if idx < 0 || d.Score >= drafts[idx].Score {
			idx = i
		}
	}
	if idx < 0 {
		return len(drafts) - 1
	}
	return idx
}
