// Package safety reviews a doctor's prescriptions against the patient's
// record, labs, active medications and the drug interaction matrix.
package safety

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"clinical-decision-agent/internal/clinical"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

type Kind string

const (
	KindInteraction      Kind = "interaction"
	KindAllergy          Kind = "allergy"
	KindContraindication Kind = "contraindication"
	KindRenalDose        Kind = "renal_dose"
	KindDosing           Kind = "dosing"
	KindIncomplete       Kind = "incomplete_data"
)

type Prescription struct {
	Name      string `json:"name" validate:"required,max=200"`
	Dose      string `json:"dose,omitempty"`
	Frequency string `json:"frequency,omitempty"`
}

type Warning struct {
	Severity       Severity `json:"severity"`
	Kind           Kind     `json:"kind"`
	Drug           string   `json:"drug"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
	Alternatives   []string `json:"alternatives,omitempty"`
}

// Patient is the context a prescription is checked against. Record may be
// nil when only the medication list is known.
type Patient struct {
	Record *clinical.PatientRecord
	Labs   []clinical.LabResult
	Active []clinical.Medication
}

func (p Patient) lab(test string) (float64, bool) {
	for _, l := range p.Labs {
		if strings.EqualFold(strings.TrimSpace(l.Test), test) {
			return l.Value, true
		}
	}
	return 0, false
}

// Check runs every rule over rx and returns the warnings ranked from most to
// least severe. It is pure and safe for concurrent use.
func Check(p Patient, rx []Prescription, pairs []clinical.Interaction) []Warning {
	var out []Warning
	out = append(out, interactions(p, rx, pairs)...)
	for _, r := range rx {
		out = append(out, allergies(p, r)...)
		out = append(out, contraindicated(p, r)...)
		out = append(out, dosing(p, r)...)
	}
	Rank(out)
	return out
}

// Rank orders warnings by severity, keeping the input order among equals.
func Rank(ws []Warning) {
	sort.SliceStable(ws, func(i, j int) bool {
		return ws[i].Severity.rank() > ws[j].Severity.rank()
	})
}

func key(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func interactionSeverity(s string) Severity {
	switch key(s) {
	case "major", "contraindicated":
		return SeverityCritical
	case "moderate":
		return SeverityHigh
	case "minor":
		return SeverityMedium
	}
	return SeverityMedium
}

// interactions pairs each prescription with the active medications and with
// the other prescriptions. A pair of two new drugs is reported once.
func interactions(p Patient, rx []Prescription, pairs []clinical.Interaction) []Warning {
	var out []Warning
	seen := map[[2]string]bool{}
	for i, r := range rx {
		drug := key(r.Name)
		others := map[string]string{}
		for _, m := range p.Active {
			if k := key(m.Name); k != drug {
				others[k] = m.Name
			}
		}
		for j, o := range rx {
			if k := key(o.Name); j != i && k != drug {
				others[k] = o.Name
			}
		}

		for _, pair := range pairs {
			var other string
			switch drug {
			case key(pair.A):
				other = key(pair.B)
			case key(pair.B):
				other = key(pair.A)
			default:
				continue
			}
			name, ok := others[other]
			if !ok {
				continue
			}
			id := [2]string{drug, other}
			if other < drug {
				id = [2]string{other, drug}
			}
			if seen[id] {
				continue
			}
			seen[id] = true

			sev := interactionSeverity(pair.Severity)
			rec := "Monitor patient closely"
			if sev == SeverityCritical {
				rec = "Avoid the combination unless the benefit clearly outweighs the risk"
			}
			out = append(out, Warning{
				Severity:       sev,
				Kind:           KindInteraction,
				Drug:           r.Name,
				Message:        fmt.Sprintf("Interacts with %s (%s): %s", name, key(pair.Severity), pair.Description),
				Recommendation: rec,
				Alternatives:   interactionAlternatives[drug],
			})
		}
	}
	return out
}

// words normalises s to its lower-case words joined by single spaces, padded
// so that containment checks only match whole words.
func words(s string) string {
	f := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(f, " ") + " "
}

func containsWords(s, w string) bool {
	ww := words(w)
	return ww != "  " && strings.Contains(words(s), ww)
}

func allergies(p Patient, r Prescription) []Warning {
	if p.Record == nil {
		return nil
	}
	drug := key(r.Name)
	var out []Warning
	for _, a := range p.Record.Allergies {
		if strings.TrimSpace(a.Allergen) == "" {
			continue
		}
		matched := containsWords(r.Name, a.Allergen) || containsWords(a.Allergen, r.Name)
		var alts []string
		for class, members := range drugClasses {
			if !containsWords(a.Allergen, class) {
				continue
			}
			alts = allergyAlternatives[class]
			for _, m := range members {
				if m == drug {
					matched = true
				}
			}
		}
		if !matched {
			continue
		}

		sev := SeverityHigh
		reaction := key(a.Reaction)
		for _, s := range severeReactions {
			if strings.Contains(reaction, s) {
				sev = SeverityCritical
			}
		}
		msg := fmt.Sprintf("Patient is allergic to %s", a.Allergen)
		if a.Reaction != "" {
			msg += fmt.Sprintf(" (%s)", a.Reaction)
		}
		out = append(out, Warning{
			Severity:       sev,
			Kind:           KindAllergy,
			Drug:           r.Name,
			Message:        msg,
			Recommendation: "Do not prescribe; use an alternative medication",
			Alternatives:   alts,
		})
	}
	return out
}

func contraindicated(p Patient, r Prescription) []Warning {
	drug := key(r.Name)
	var out []Warning
	if p.Record != nil {
		for _, c := range contraindications[drug] {
			for _, cond := range p.Record.ConditionNames() {
				if !strings.Contains(key(cond), c.condition) {
					continue
				}
				rec := "Use with caution"
				if c.severity == SeverityCritical {
					rec = "Do not prescribe"
				}
				out = append(out, Warning{
					Severity:       c.severity,
					Kind:           KindContraindication,
					Drug:           r.Name,
					Message:        fmt.Sprintf("%s (%s)", c.message, cond),
					Recommendation: rec,
					Alternatives:   c.alternative,
				})
			}
		}
	}
	if drug == "metformin" {
		if egfr, ok := p.lab("egfr"); ok && egfr < metforminEGFRFloor {
			out = append(out, Warning{
				Severity:       SeverityCritical,
				Kind:           KindContraindication,
				Drug:           r.Name,
				Message:        fmt.Sprintf("Metformin is contraindicated with eGFR %g", egfr),
				Recommendation: "Use insulin therapy instead",
				Alternatives:   []string{"Insulin therapy"},
			})
		}
	}
	return out
}

var doseRe = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*(mg|g|mcg|µg)?\b`)

// doseMG reads the leading amount of dose in milligrams.
func doseMG(dose string) (float64, bool) {
	m := doseRe.FindStringSubmatch(dose)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(m[2]) {
	case "g":
		v *= 1000
	case "mcg", "µg":
		v /= 1000
	}
	return v, true
}

func dosing(p Patient, r Prescription) []Warning {
	drug := key(r.Name)
	var out []Warning

	if limit, ok := renalThresholds[drug]; ok {
		egfr, have := p.lab("egfr")
		covered := drug == "metformin" && egfr < metforminEGFRFloor
		if have && egfr < limit && !covered {
			out = append(out, Warning{
				Severity:       SeverityHigh,
				Kind:           KindRenalDose,
				Drug:           r.Name,
				Message:        fmt.Sprintf("Renal impairment (eGFR %g, adjust below %g): dose adjustment required", egfr, limit),
				Recommendation: "Reduce the dose by 50% or use an alternative",
				Alternatives:   renalAlternatives[drug],
			})
		}
	}

	if p.Record != nil && p.Record.Demographics.Age > elderlyAge {
		out = append(out, Warning{
			Severity:       SeverityMedium,
			Kind:           KindDosing,
			Drug:           r.Name,
			Message:        fmt.Sprintf("Patient is %d years old: consider a reduced starting dose", p.Record.Demographics.Age),
			Recommendation: "Start low and titrate while monitoring",
		})
	}

	if strings.TrimSpace(r.Dose) != "" {
		mg, ok := doseMG(r.Dose)
		switch {
		case !ok:
			out = append(out, Warning{
				Severity:       SeverityLow,
				Kind:           KindDosing,
				Drug:           r.Name,
				Message:        fmt.Sprintf("Dose %q could not be read", r.Dose),
				Recommendation: "Write the dose as an amount and unit, e.g. 500 mg",
			})
		default:
			if rng, known := doseRanges[drug]; known && (mg < rng[0] || mg > rng[1]) {
				out = append(out, Warning{
					Severity:       SeverityHigh,
					Kind:           KindDosing,
					Drug:           r.Name,
					Message:        fmt.Sprintf("Dose %g mg is outside the usual %g-%g mg range", mg, rng[0], rng[1]),
					Recommendation: "Confirm the dose before signing",
				})
			}
		}
	}

	if f := key(r.Frequency); f != "" && !knownFrequency(f) {
		out = append(out, Warning{
			Severity:       SeverityLow,
			Kind:           KindDosing,
			Drug:           r.Name,
			Message:        fmt.Sprintf("Frequency %q is not a recognised schedule", r.Frequency),
			Recommendation: "Use a standard schedule such as daily, BID or TID",
		})
	}
	return out
}

func knownFrequency(f string) bool {
	for _, v := range frequencies {
		if containsWords(f, v) {
			return true
		}
	}
	return false
}

// Summarize counts warnings by severity for a one-line verdict.
func Summarize(ws []Warning, prescriptions int) string {
	if len(ws) == 0 {
		return fmt.Sprintf("No safety issues found in %d prescription(s)", prescriptions)
	}
	counts := map[Severity]int{}
	for _, w := range ws {
		counts[w.Severity]++
	}
	var parts []string
	for _, s := range []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
		}
	}
	return fmt.Sprintf("%s issue(s) across %d prescription(s)", strings.Join(parts, ", "), prescriptions)
}
