package clinical

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CaseResult is the terminal artifact of one case. It is handed to the caller
// and not retained.
type CaseResult struct {
	CaseID    uuid.UUID `json:"case_id"`
	PatientID string    `json:"patient_id"`
	Complaint string    `json:"complaint"`

	Tier      Tier            `json:"tier"`
	Score     ComplexityScore `json:"score"`
	Rationale string          `json:"rationale"`
	Strategy  Strategy        `json:"strategy"`
	Selected  []Source        `json:"selected_sources"`

	Narrative    string          `json:"narrative"`
	Observations []Observation   `json:"observations"`
	Trace        []ReasoningStep `json:"trace"`
	Drafts       []Draft         `json:"drafts,omitempty"`
	SourceErrors []SourceFailure `json:"source_errors"`

	ReasoningTruncated bool `json:"reasoning_truncated"`
	ReasoningAborted   bool `json:"reasoning_aborted"`
	SynthesisFallback  bool `json:"synthesis_fallback"`
	Cancelled          bool `json:"cancelled"`
	CriticalFindings   bool `json:"critical_findings"`

	CriticalSignals []string `json:"critical_signals,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

func (r *CaseResult) FinalDraft() (Draft, bool) {
	for _, d := range r.Drafts {
		if d.Final {
			return d, true
		}
	}
	return Draft{}, false
}

func (r *CaseResult) Failed(src Source) bool {
	for _, f := range r.SourceErrors {
		if f.Source == src {
			return true
		}
	}
	return false
}

// TraceText renders the reasoning trace and case annotations for audit logs.
func (r *CaseResult) TraceText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "case %s patient=%s tier=%s strategy=%s\n", r.CaseID, r.PatientID, r.Tier, r.Strategy)
	if r.Rationale != "" {
		fmt.Fprintf(&b, "why: %s\n", r.Rationale)
	}
	for _, step := range r.Trace {
		fmt.Fprintf(&b, "[%d] thought: %s\n", step.Index, step.Thought)
		fmt.Fprintf(&b, "    action: %s\n", step.Action)
		if step.Observation != "" {
			fmt.Fprintf(&b, "    observation: %s\n", step.Observation)
		}
	}
	if r.ReasoningTruncated {
		b.WriteString("reasoning truncated at iteration cap\n")
	}
	if r.ReasoningAborted {
		b.WriteString("reasoning aborted after inference failure\n")
	}
	for _, d := range r.Drafts {
		marker := ""
		if d.Final {
			marker = " (final)"
		}
		fmt.Fprintf(&b, "draft v%d score=%.1f%s\n", d.Version, d.Score, marker)
	}
	for _, sig := range r.CriticalSignals {
		fmt.Fprintf(&b, "critical: %s\n", sig)
	}
	for _, f := range r.SourceErrors {
		fmt.Fprintf(&b, "source %s failed: %s\n", f.Source, f.Reason)
	}
	if r.Cancelled {
		b.WriteString("case cancelled, result is partial\n")
	}
	return b.String()
}
