// Package rubric scores a clinical narrative against the quality checks used
// by self-correction: cited evidence, internal consistency, length bounds,
// required sections and an actionable plan.
package rubric

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"clinical-decision-agent/internal/clinical"
)

type Rubric struct {
	MinWords int
	MaxWords int
	Sections []string

	MissingCitationPenalty float64
	LengthPenalty          float64
	MissingSectionPenalty  float64
	UnmentionedLabPenalty  float64
	InteractionPenalty     float64
	NoPlanPenalty          float64
	UnsupportedCitePenalty float64
}

func Default() Rubric {
	return Rubric{
		MinWords: 100,
		MaxWords: 300,
		Sections: []string{"ONE-LINE SUMMARY", "SNAPSHOT", "ATTENTION NEEDED", "PLAN"},

		MissingCitationPenalty: 0.5,
		LengthPenalty:          1.0,
		MissingSectionPenalty:  1.5,
		UnmentionedLabPenalty:  0.5,
		InteractionPenalty:     1.0,
		NoPlanPenalty:          1.0,
		UnsupportedCitePenalty: 1.0,
	}
}

type Result struct {
	Score     float64  `json:"score"`
	Findings  []string `json:"findings"`
	WordCount int      `json:"word_count"`
}

var numberedItem = regexp.MustCompile(`(?m)^\s*\d+\.\s`)

// Evaluate starts from 10 and deducts per finding. The score never drops below 0.
func (r Rubric) Evaluate(narrative string, observations []clinical.Observation) Result {
	res := Result{Score: 10}
	deduct := func(penalty float64, format string, args ...any) {
		res.Score -= penalty
		res.Findings = append(res.Findings, fmt.Sprintf(format, args...))
	}
	set := clinical.NewObservationSet(observations...)

	// 1. Every consulted source is cited, failed ones included.
	for _, o := range set.All() {
		if !strings.Contains(narrative, o.Source.Tag()) {
			deduct(r.MissingCitationPenalty, "missing citation for %s data", o.Source)
		}
	}

	// 2. Citations must be backed by data or flagged as unavailable.
	for _, line := range strings.Split(narrative, "\n") {
		for _, src := range clinical.Sources {
			if !strings.Contains(line, src.Tag()) {
				continue
			}
			o, ok := set.Get(src)
			if ok && o.OK() {
				continue
			}
			if strings.Contains(strings.ToLower(line), "unavailable") {
				continue
			}
			deduct(r.UnsupportedCitePenalty, "cites %s without retrieved %s data", src.Tag(), src)
		}
	}

	// 3. Length bounds
	res.WordCount = len(strings.Fields(narrative))
	switch {
	case res.WordCount > r.MaxWords:
		deduct(r.LengthPenalty, "too verbose (%d words, limit %d)", res.WordCount, r.MaxWords)
	case res.WordCount < r.MinWords:
		deduct(r.LengthPenalty, "too brief (%d words, minimum %d)", res.WordCount, r.MinWords)
	}

	// 4. Required sections
	upper := strings.ToUpper(narrative)
	for _, section := range r.Sections {
		if !strings.Contains(upper, section) {
			deduct(r.MissingSectionPenalty, "missing required section: %s", section)
		}
	}

	// 5. Abnormal lab values are quoted
	var labs clinical.LabPanel
	if set.Decode(clinical.SourceLabs, &labs) {
		for _, lab := range labs.Results {
			if lab.Abnormal() && !strings.Contains(narrative, FormatValue(lab.Value)) {
				deduct(r.UnmentionedLabPenalty, "abnormal %s value not mentioned", lab.Test)
			}
		}
	}

	// 6. Known interactions are addressed
	var interactions clinical.InteractionReport
	if set.Decode(clinical.SourceInteractions, &interactions) && len(interactions.Interactions) > 0 {
		if !strings.Contains(strings.ToLower(narrative), "interaction") {
			deduct(r.InteractionPenalty, "drug interactions not addressed")
		}
	}

	// 7. Actionable plan
	if !numberedItem.MatchString(narrative) {
		deduct(r.NoPlanPenalty, "no numbered action plan")
	}

	res.Score = math.Max(0, math.Round(res.Score*10)/10)
	return res
}

// FormatValue renders a lab value the way narratives quote it: 38, 1.7.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Format renders a Result in the critique wire format understood by Parse.
func Format(res Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SCORE: %.1f\n", res.Score)
	b.WriteString("FINDINGS:\n")
	if len(res.Findings) == 0 {
		b.WriteString("- none\n")
	}
	for _, f := range res.Findings {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return b.String()
}

var scoreLine = regexp.MustCompile(`(?im)^\s*\**\s*SCORE\s*\**\s*[:=]\s*([0-9]+(?:\.[0-9]+)?)`)

// Parse reads a critique. It accepts a plain "SCORE: x" / "- finding" text
// or a JSON object {"score": x, "findings": [...]}.
func Parse(text string) (Result, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var res Result
		if err := json.Unmarshal([]byte(trimmed), &res); err == nil {
			return clamp(res), nil
		}
	}

	m := scoreLine.FindStringSubmatch(trimmed)
	if m == nil {
		return Result{}, fmt.Errorf("critique has no score line")
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Result{}, fmt.Errorf("critique score %q: %w", m[1], err)
	}

	res := Result{Score: score}
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		f := strings.TrimSpace(strings.TrimPrefix(line, "- "))
		if f != "" && !strings.EqualFold(f, "none") {
			res.Findings = append(res.Findings, f)
		}
	}
	return clamp(res), nil
}

func clamp(res Result) Result {
	res.Score = math.Min(10, math.Max(0, res.Score))
	return res
}
