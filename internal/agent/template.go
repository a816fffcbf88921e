package agent

import (
	"context"
	"fmt"
	"strings"

	"clinical-decision-agent/internal/clinical"
	"clinical-decision-agent/internal/narrative"
	"clinical-decision-agent/internal/rubric"
)

// TemplateModel is the deterministic stand-in for a real model. It produces
// structurally valid output for every task from the same inputs, so cases
// run end to end without an inference service.
type TemplateModel struct {
	rubric rubric.Rubric
}

func NewTemplateModel() *TemplateModel {
	return &TemplateModel{rubric: rubric.Default()}
}

func (m *TemplateModel) Infer(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch req.Task {
	case TaskThink:
		return m.think(req), nil
	case TaskSynthesize:
		return m.compose(req, nil), nil
	case TaskRefine:
		return m.compose(req, req.Findings), nil
	case TaskCritique:
		return rubric.Format(m.rubric.Evaluate(req.Draft, req.Observations)), nil
	default:
		return "", fmt.Errorf("template model: unsupported task %q", req.Task)
	}
}

func (m *TemplateModel) compose(req Request, findings []string) string {
	return narrative.Compose(narrative.Input{
		PatientID:    req.PatientID,
		Complaint:    req.Complaint,
		Tier:         req.Tier,
		Observations: req.Observations,
		Trace:        req.Trace,
		Findings:     findings,
	})
}

var thoughts = map[clinical.Source]string{
	clinical.SourceRecord:       "Start from the patient record to establish baseline conditions",
	clinical.SourceLabs:         "Objective lab values are needed to gauge severity",
	clinical.SourceMedications:  "The active medication list may explain or complicate the complaint",
	clinical.SourceInteractions: "Several active medications, check for drug interactions",
	clinical.SourceImaging:      "The complaint warrants a look at recent imaging",
	clinical.SourceGuidelines:   "Known conditions have guidance that should shape the plan",
}

// think walks the candidate sources in priority order and fetches the first
// one that is missing and still worth consulting.
func (m *TemplateModel) think(req Request) string {
	set := clinical.NewObservationSet(req.Observations...)
	candidates := req.Candidates
	if len(candidates) == 0 {
		candidates = clinical.Sources
	}

	var meds clinical.MedicationList
	set.Decode(clinical.SourceMedications, &meds)
	var conditions int
	if o, ok := set.Get(clinical.SourceRecord); ok && o.OK() {
		if rec, err := clinical.ParseRecord(o.Payload); err == nil {
			conditions = len(rec.Conditions)
		}
	}

	for _, src := range candidates {
		if set.Has(src) {
			continue
		}
		switch src {
		case clinical.SourceInteractions:
			if len(meds.Active) < 2 && conditions < 3 {
				continue
			}
		case clinical.SourceGuidelines:
			if conditions == 0 {
				continue
			}
		}
		return fmt.Sprintf("THOUGHT: %s.\nACTION: fetch %s", thoughts[src], src)
	}

	var failed []string
	for _, f := range set.Failures() {
		failed = append(failed, string(f.Source))
	}
	thought := fmt.Sprintf("Enough evidence gathered from %d source(s) to brief the physician", set.Len())
	if len(failed) > 0 {
		thought += fmt.Sprintf("; %s unavailable and will be reported as gaps", strings.Join(failed, ", "))
	}
	return fmt.Sprintf("THOUGHT: %s.\nACTION: conclude", thought)
}
