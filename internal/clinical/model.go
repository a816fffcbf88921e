package clinical

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source names one external data source a case can consult.
type Source string

const (
	SourceRecord       Source = "record"
	SourceLabs         Source = "labs"
	SourceMedications  Source = "medications"
	SourceInteractions Source = "interactions"
	SourceImaging      Source = "imaging"
	SourceGuidelines   Source = "guidelines"
)

// Sources lists every known source in priority order: safety-critical first.
var Sources = []Source{
	SourceRecord,
	SourceLabs,
	SourceMedications,
	SourceInteractions,
	SourceImaging,
	SourceGuidelines,
}

func ParseSource(s string) (Source, bool) {
	name := Source(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Sources {
		if known == name {
			return known, true
		}
	}
	return "", false
}

// Priority returns the rank of the source, lower is fetched first.
func (s Source) Priority() int {
	for i, known := range Sources {
		if known == s {
			return i
		}
	}
	return len(Sources)
}

// Tag is the citation marker used inside narratives, e.g. "[LABS]".
func (s Source) Tag() string {
	return "[" + strings.ToUpper(string(s)) + "]"
}

type Tier string

const (
	TierStandard Tier = "STANDARD"
	TierComplex  Tier = "COMPLEX"
	TierCritical Tier = "CRITICAL"
)

func (t Tier) Rank() int {
	switch t {
	case TierCritical:
		return 2
	case TierComplex:
		return 1
	default:
		return 0
	}
}

// Strategy is the execution path the orchestrator picked for a tier.
type Strategy string

const (
	StrategyDirect              Strategy = "direct_synthesis"
	StrategyReasoning           Strategy = "reasoning_loop"
	StrategyReasoningCorrection Strategy = "reasoning_loop+self_correction"
)

func StrategyFor(t Tier) Strategy {
	switch t {
	case TierCritical:
		return StrategyReasoningCorrection
	case TierComplex:
		return StrategyReasoning
	default:
		return StrategyDirect
	}
}

// PatientAttributes are the baseline facts derived from the patient record.
// MedicationCount is negative when the record carries no medication list.
type PatientAttributes struct {
	Conditions      []string `json:"conditions"`
	RiskFlags       []string `json:"risk_flags,omitempty"`
	MedicationCount int      `json:"medication_count"`
}

// Case is created once per request and never mutated afterwards.
type Case struct {
	ID         uuid.UUID         `json:"id"`
	PatientID  string            `json:"patient_id"`
	Complaint  string            `json:"complaint"`
	Attributes PatientAttributes `json:"attributes"`
	CreatedAt  time.Time         `json:"created_at"`
}

func NewCase(patientID, complaint string, attrs PatientAttributes) (Case, error) {
	if err := ValidateInput(patientID, complaint); err != nil {
		return Case{}, err
	}
	return Case{
		ID:         uuid.New(),
		PatientID:  strings.TrimSpace(patientID),
		Complaint:  strings.TrimSpace(complaint),
		Attributes: attrs,
		CreatedAt:  time.Now(),
	}, nil
}

// WithAttributes returns a copy of c carrying attrs.
func (c Case) WithAttributes(attrs PatientAttributes) Case {
	c.Attributes = attrs
	return c
}

// ValidateInput rejects requests that can never produce a result.
func ValidateInput(patientID, complaint string) error {
	if strings.TrimSpace(patientID) == "" {
		return &ConfigurationError{Field: "patient_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(complaint) == "" {
		return &ConfigurationError{Field: "complaint", Reason: "must not be empty"}
	}
	return nil
}

type ComplexityScore struct {
	Complexity int      `json:"complexity"`
	Risk       int      `json:"risk"`
	Tier       Tier     `json:"tier"`
	Reasons    []string `json:"reasons"`
}

func (s ComplexityScore) Total() int {
	return s.Complexity + s.Risk
}

// Observation is the outcome of consulting one source: a payload or an error.
type Observation struct {
	Source    Source          `json:"source"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Err       error           `json:"-"`
	Error     string          `json:"error,omitempty"`
	TimedOut  bool            `json:"timed_out,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
	Duration  time.Duration   `json:"duration"`
}

func (o Observation) OK() bool {
	return o.Err == nil && o.Error == ""
}

// ReasoningStep records one think/act/observe iteration. Index starts at 1.
type ReasoningStep struct {
	Index       int    `json:"index"`
	Thought     string `json:"thought"`
	Action      string `json:"action"`
	Source      Source `json:"source,omitempty"`
	Observation string `json:"observation"`
}

// Draft is one generated narrative. Refinements produce new drafts.
type Draft struct {
	Version   int       `json:"version"`
	Narrative string    `json:"narrative"`
	Score     float64   `json:"score"`
	Scored    bool      `json:"scored"`
	Findings  []string  `json:"findings,omitempty"`
	Final     bool      `json:"final"`
	CreatedAt time.Time `json:"created_at"`
}

type SourceFailure struct {
	Source   Source `json:"source"`
	Reason   string `json:"reason"`
	TimedOut bool   `json:"timed_out"`
}
