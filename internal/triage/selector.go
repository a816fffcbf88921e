package triage

import (
	"fmt"
	"sort"
	"strings"

	"clinical-decision-agent/internal/clinical"
)

type relevanceRule struct {
	category string
	terms    []string
	sources  []clinical.Source
}

// Terms match whole words; a trailing "*" marks a deliberate stem.
var relevance = []relevanceRule{
	{"labs", []string{"blood", "lab", "labs", "test", "tests", "results", "cbc", "bmp", "creatinine", "glucose", "hemoglobin", "a1c", "liver", "kidney", "electrolyte*"},
		[]clinical.Source{clinical.SourceLabs}},
	{"imaging", []string{"x-ray", "ct", "mri", "ultrasound", "scan", "scans", "imaging", "chest", "radiograph*", "echo"},
		[]clinical.Source{clinical.SourceImaging}},
	{"medication", []string{"medication*", "drug", "drugs", "pill", "pills", "prescription*", "taking", "dose", "side effect*", "adverse", "reaction*"},
		[]clinical.Source{clinical.SourceMedications}},
	{"interaction", []string{"interaction*", "multiple medications", "new medication", "changed medication"},
		[]clinical.Source{clinical.SourceInteractions, clinical.SourceMedications}},
	{"guideline", []string{"protocol*", "treatment*", "management", "guideline*", "standard", "recommendation*", "therapy"},
		[]clinical.Source{clinical.SourceGuidelines}},
	{"pain", []string{"pain", "painful", "ache", "aches", "aching", "discomfort"},
		[]clinical.Source{clinical.SourceLabs, clinical.SourceMedications, clinical.SourceGuidelines}},
	{"respiratory", []string{"shortness of breath", "breath*", "sob", "dyspnea", "cough*", "wheez*"},
		[]clinical.Source{clinical.SourceImaging, clinical.SourceMedications}},
	{"bleeding", []string{"bleed*", "bruis*", "clot*", "anticoagul*", "hemorrhag*"},
		[]clinical.Source{clinical.SourceInteractions, clinical.SourceLabs}},
	{"fatigue", []string{"dizz*", "fatigue*", "weakness", "tired"},
		[]clinical.Source{clinical.SourceLabs, clinical.SourceMedications}},
}

// DefaultSources is the conservative set used when nothing in the complaint maps.
var DefaultSources = []clinical.Source{clinical.SourceRecord, clinical.SourceLabs, clinical.SourceMedications}

type compiledRule struct {
	relevanceRule
	matchers []matcher
}

// Selector picks the data sources worth consulting for a complaint.
type Selector struct {
	rules                   []compiledRule
	conditionCountThreshold int
}

func NewSelector(p Policy) *Selector {
	rules := make([]compiledRule, 0, len(relevance))
	for _, r := range relevance {
		rules = append(rules, compiledRule{relevanceRule: r, matchers: compile(r.terms, termMatcher)})
	}
	return &Selector{rules: rules, conditionCountThreshold: p.ConditionCountThreshold}
}

// Selection is the ordered source list plus the categories that produced it.
type Selection struct {
	Sources    []clinical.Source `json:"sources"`
	Categories []string          `json:"categories"`
	Defaulted  bool              `json:"defaulted"`
}

// Select returns the sources to fetch, record first, ordered by priority.
// It never fails.
func (s *Selector) Select(complaint string, attrs clinical.PatientAttributes) Selection {
	set := map[clinical.Source]bool{clinical.SourceRecord: true}
	var sel Selection

	for _, rule := range s.rules {
		for _, m := range rule.matchers {
			if m.re.MatchString(complaint) {
				sel.Categories = append(sel.Categories, rule.category)
				for _, src := range rule.sources {
					set[src] = true
				}
				break
			}
		}
	}

	if len(set) == 1 {
		sel.Defaulted = true
		for _, src := range DefaultSources {
			set[src] = true
		}
	}

	if len(attrs.Conditions) >= s.conditionCountThreshold {
		set[clinical.SourceInteractions] = true
		set[clinical.SourceMedications] = true
	}
	if len(attrs.Conditions) > 0 {
		set[clinical.SourceGuidelines] = true
	}

	for src := range set {
		sel.Sources = append(sel.Sources, src)
	}
	sort.Slice(sel.Sources, func(i, j int) bool {
		return sel.Sources[i].Priority() < sel.Sources[j].Priority()
	})
	return sel
}

// Explain renders which sources were selected and which were skipped.
func Explain(complaint string, sel Selection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "complaint %q", truncate(complaint, 50))
	if sel.Defaulted {
		b.WriteString(" matched no category, using default set")
	} else if len(sel.Categories) > 0 {
		fmt.Fprintf(&b, " matched %s", strings.Join(sel.Categories, ", "))
	}
	b.WriteString("\nselected:")
	chosen := make(map[clinical.Source]bool, len(sel.Sources))
	for _, src := range sel.Sources {
		chosen[src] = true
		fmt.Fprintf(&b, " %s", src)
	}
	var skipped []string
	for _, src := range clinical.Sources {
		if !chosen[src] {
			skipped = append(skipped, string(src))
		}
	}
	if len(skipped) > 0 {
		fmt.Fprintf(&b, "\nskipped: %s", strings.Join(skipped, " "))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
