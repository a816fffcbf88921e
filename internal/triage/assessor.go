package triage

import (
	"fmt"
	"regexp"
	"strings"

	"clinical-decision-agent/internal/clinical"
)

type matcher struct {
	keyword string
	re      *regexp.Regexp
}

// wordMatcher matches kw as whole words so short markers like "mi" do not
// fire inside "migraine".
func wordMatcher(kw string) matcher {
	kw = strings.ToLower(strings.TrimSpace(kw))
	return matcher{keyword: kw, re: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)}
}

// stemMatcher only anchors the start of kw, so "breath" also matches "breathing".
func stemMatcher(kw string) matcher {
	kw = strings.ToLower(strings.TrimSpace(kw))
	return matcher{keyword: kw, re: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw))}
}

// termMatcher reads a trailing "*" as a stem and anything else as a word.
func termMatcher(kw string) matcher {
	if stem, ok := strings.CutSuffix(strings.TrimSpace(kw), "*"); ok {
		return stemMatcher(stem)
	}
	return wordMatcher(kw)
}

func compile(keywords []string, build func(string) matcher) []matcher {
	out := make([]matcher, 0, len(keywords))
	for _, kw := range keywords {
		if strings.TrimSpace(kw) == "" {
			continue
		}
		out = append(out, build(kw))
	}
	return out
}

// Assessor scores a complaint and patient baseline into a tier. It is pure
// and safe for concurrent use.
type Assessor struct {
	policy     Policy
	complexity []matcher
	critical   []matcher
	highRisk   []matcher
}

func NewAssessor(p Policy) *Assessor {
	return &Assessor{
		policy:     p,
		complexity: compile(p.ComplexityKeywords, wordMatcher),
		critical:   compile(p.CriticalKeywords, wordMatcher),
		highRisk:   compile(p.HighRiskConditions, wordMatcher),
	}
}

func (a *Assessor) Policy() Policy {
	return a.policy
}

func (a *Assessor) Assess(complaint string, attrs clinical.PatientAttributes) clinical.ComplexityScore {
	var score clinical.ComplexityScore
	text := strings.ToLower(complaint)

	// 1. Complaint language
	for _, m := range a.critical {
		if m.re.MatchString(text) {
			score.Risk += a.policy.CriticalKeywordWeight
			score.Reasons = append(score.Reasons, fmt.Sprintf("critical keyword %q", m.keyword))
		}
	}
	for _, m := range a.complexity {
		if m.re.MatchString(text) {
			score.Complexity += a.policy.ComplexityKeywordWeight
			score.Reasons = append(score.Reasons, fmt.Sprintf("complexity keyword %q", m.keyword))
		}
	}

	// 2. Patient baseline
	if n := len(attrs.Conditions); n >= a.policy.ConditionCountThreshold {
		score.Complexity += a.policy.ConditionCountWeight
		score.Reasons = append(score.Reasons, fmt.Sprintf("%d active conditions", n))
	}
	if hit, ok := a.firstHighRisk(attrs); ok {
		score.Risk += a.policy.HighRiskWeight
		score.Reasons = append(score.Reasons, fmt.Sprintf("high-risk condition: %s", hit))
	}
	if meds := estimatedMedications(attrs); meds > a.policy.PolypharmacyThreshold {
		score.Complexity += a.policy.PolypharmacyWeight
		score.Reasons = append(score.Reasons, fmt.Sprintf("polypharmacy (%d medications)", meds))
	}

	score.Tier = a.tier(score)
	return score
}

// tier applies the threshold ladder from most to least severe. The first
// match wins, so ties always land on the higher tier.
func (a *Assessor) tier(s clinical.ComplexityScore) clinical.Tier {
	switch {
	case s.Risk >= a.policy.CriticalRiskThreshold:
		return clinical.TierCritical
	case s.Total() >= a.policy.CriticalTotalThreshold:
		return clinical.TierCritical
	case s.Total() >= a.policy.ComplexTotalThreshold:
		return clinical.TierComplex
	default:
		return clinical.TierStandard
	}
}

func (a *Assessor) firstHighRisk(attrs clinical.PatientAttributes) (string, bool) {
	candidates := append(append([]string(nil), attrs.Conditions...), attrs.RiskFlags...)
	for _, c := range candidates {
		for _, m := range a.highRisk {
			if m.re.MatchString(c) {
				return c, true
			}
		}
	}
	return "", false
}

// estimatedMedications falls back to one medication per active condition
// when the record carries no medication list.
func estimatedMedications(attrs clinical.PatientAttributes) int {
	if attrs.MedicationCount >= 0 {
		return attrs.MedicationCount
	}
	return len(attrs.Conditions)
}

// Rationale joins the strongest reasons for display.
func Rationale(s clinical.ComplexityScore, limit int) string {
	reasons := s.Reasons
	if limit > 0 && len(reasons) > limit {
		reasons = reasons[:limit]
	}
	if len(reasons) == 0 {
		return fmt.Sprintf("%s: no complexity or risk markers", s.Tier)
	}
	return fmt.Sprintf("%s (complexity=%d, risk=%d): %s", s.Tier, s.Complexity, s.Risk, strings.Join(reasons, "; "))
}
