package triage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy holds the keyword lists, weights and tier thresholds used by the
// Assessor. The defaults are example values and can be overridden from YAML.
type Policy struct {
	ComplexityKeywords []string `yaml:"complexity_keywords"`
	CriticalKeywords   []string `yaml:"critical_keywords"`
	HighRiskConditions []string `yaml:"high_risk_conditions"`

	ComplexityKeywordWeight int `yaml:"complexity_keyword_weight"`
	CriticalKeywordWeight   int `yaml:"critical_keyword_weight"`
	ConditionCountWeight    int `yaml:"condition_count_weight"`
	HighRiskWeight          int `yaml:"high_risk_weight"`
	PolypharmacyWeight      int `yaml:"polypharmacy_weight"`

	ConditionCountThreshold int `yaml:"condition_count_threshold"`
	PolypharmacyThreshold   int `yaml:"polypharmacy_threshold"`

	CriticalRiskThreshold  int `yaml:"critical_risk_threshold"`
	CriticalTotalThreshold int `yaml:"critical_total_threshold"`
	ComplexTotalThreshold  int `yaml:"complex_total_threshold"`
}

func DefaultPolicy() Policy {
	return Policy{
		ComplexityKeywords: []string{
			"unclear", "uncertain", "confused", "multiple", "several",
			"worsening", "progressive", "new onset", "change in",
		},
		CriticalKeywords: []string{
			"chest pain", "difficulty breathing", "severe", "acute", "sudden",
			"unconscious", "bleeding", "seizure", "stroke", "mi",
			"heart attack", "anaphylaxis", "shock",
		},
		HighRiskConditions: []string{
			"ckd", "kidney", "dialysis", "transplant", "immunosuppressed",
			"chemotherapy", "heart failure", "liver failure",
		},

		ComplexityKeywordWeight: 1,
		CriticalKeywordWeight:   2,
		ConditionCountWeight:    2,
		HighRiskWeight:          1,
		PolypharmacyWeight:      1,

		ConditionCountThreshold: 3,
		PolypharmacyThreshold:   4,

		CriticalRiskThreshold:  4,
		CriticalTotalThreshold: 6,
		ComplexTotalThreshold:  3,
	}
}

// LoadPolicy reads a YAML policy file. Fields missing from the file keep
// their default values.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	if p.ComplexTotalThreshold <= 0 {
		return fmt.Errorf("complex_total_threshold must be positive")
	}
	if p.CriticalTotalThreshold <= p.ComplexTotalThreshold {
		return fmt.Errorf("critical_total_threshold (%d) must exceed complex_total_threshold (%d)",
			p.CriticalTotalThreshold, p.ComplexTotalThreshold)
	}
	if p.CriticalRiskThreshold <= 0 {
		return fmt.Errorf("critical_risk_threshold must be positive")
	}
	if len(p.CriticalKeywords) == 0 {
		return fmt.Errorf("critical_keywords must not be empty")
	}
	return nil
}
