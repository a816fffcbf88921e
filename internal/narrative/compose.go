// Package narrative builds the structured clinical summary from retrieved
// observations. Every statement is taken from a payload and cited with its
// source tag; sources that failed are reported as unavailable, never filled in.
package narrative

import (
	"fmt"
	"strconv"
	"strings"

	"clinical-decision-agent/internal/clinical"
	"clinical-decision-agent/internal/rubric"
)

// Input is everything a summary may draw on. Findings from a previous
// critique are acknowledged in the revision.
type Input struct {
	PatientID    string
	Complaint    string
	Tier         clinical.Tier
	Observations []clinical.Observation
	Trace        []clinical.ReasoningStep
	Findings     []string
}

type view struct {
	set        *clinical.ObservationSet
	record     *clinical.PatientRecord
	labs       *clinical.LabPanel
	meds       *clinical.MedicationList
	ddi        *clinical.InteractionReport
	imaging    *clinical.ImagingReport
	guides     *clinical.GuidelineReport
	conditions []string
}

func newView(obs []clinical.Observation) view {
	v := view{set: clinical.NewObservationSet(obs...)}
	if o, ok := v.set.Get(clinical.SourceRecord); ok && o.OK() {
		if rec, err := clinical.ParseRecord(o.Payload); err == nil {
			v.record = rec
			v.conditions = rec.ConditionNames()
		}
	}
	var labs clinical.LabPanel
	if v.set.Decode(clinical.SourceLabs, &labs) {
		v.labs = &labs
	}
	var meds clinical.MedicationList
	if v.set.Decode(clinical.SourceMedications, &meds) {
		v.meds = &meds
	}
	var ddi clinical.InteractionReport
	if v.set.Decode(clinical.SourceInteractions, &ddi) {
		v.ddi = &ddi
	}
	var img clinical.ImagingReport
	if v.set.Decode(clinical.SourceImaging, &img) {
		v.imaging = &img
	}
	var guides clinical.GuidelineReport
	if v.set.Decode(clinical.SourceGuidelines, &guides) {
		v.guides = &guides
	}
	return v
}

// failed reports whether src was consulted and did not return data.
func (v view) failed(src clinical.Source) bool {
	o, ok := v.set.Get(src)
	return ok && !o.OK()
}

func (v view) hasCondition(terms ...string) bool {
	for _, c := range v.conditions {
		lc := strings.ToLower(c)
		for _, t := range terms {
			if strings.Contains(lc, t) {
				return true
			}
		}
	}
	return false
}

func (v view) lab(test string) (clinical.LabResult, bool) {
	if v.labs == nil {
		return clinical.LabResult{}, false
	}
	for _, l := range v.labs.Results {
		if strings.EqualFold(l.Test, test) {
			return l, true
		}
	}
	return clinical.LabResult{}, false
}

func unavailable(src clinical.Source, what string) string {
	return fmt.Sprintf("- %s %s unavailable: %s not reported", label(src), src.Tag(), what)
}

func label(src clinical.Source) string {
	switch src {
	case clinical.SourceRecord:
		return "Patient record"
	case clinical.SourceLabs:
		return "Laboratory results"
	case clinical.SourceMedications:
		return "Medication list"
	case clinical.SourceInteractions:
		return "Drug interaction check"
	case clinical.SourceImaging:
		return "Imaging reports"
	case clinical.SourceGuidelines:
		return "Clinical guidelines"
	}
	return string(src)
}

// Compose renders the summary sections: ONE-LINE SUMMARY, PATIENT SNAPSHOT,
// ATTENTION NEEDED, MEDICATION CONCERNS, PLAN and DATA GAPS.
func Compose(in Input) string {
	v := newView(in.Observations)
	var b strings.Builder

	b.WriteString("## ONE-LINE SUMMARY\n")
	b.WriteString(oneLiner(v, in))
	b.WriteString("\n\n## PATIENT SNAPSHOT\n")
	b.WriteString(strings.Join(snapshot(v, in), "\n"))
	b.WriteString("\n\n## ATTENTION NEEDED\n")
	b.WriteString(strings.Join(attention(v), "\n"))
	if meds := medicationConcerns(v); len(meds) > 0 {
		b.WriteString("\n\n## MEDICATION CONCERNS\n")
		b.WriteString(strings.Join(meds, "\n"))
	}
	b.WriteString("\n\n## PLAN\n")
	b.WriteString(strings.Join(plan(v), "\n"))
	b.WriteString("\n\n## DATA GAPS\n")
	b.WriteString(strings.Join(gaps(v), "\n"))

	if n := len(in.Trace); n > 0 {
		last := in.Trace[n-1]
		fmt.Fprintf(&b, "\n\n## REASONING\n- %d investigation step(s); final thought: %s", n, clip(last.Thought, 160))
	}
	if len(in.Findings) > 0 {
		fmt.Fprintf(&b, "\n\n## REVIEW NOTES\n- Revised to address %d review finding(s): %s", len(in.Findings), clip(strings.Join(in.Findings, "; "), 200))
	}

	var cited []string
	for _, o := range v.set.All() {
		if o.OK() {
			cited = append(cited, o.Source.Tag())
		}
	}
	if len(cited) > 0 {
		fmt.Fprintf(&b, "\n\n---\nSources consulted: %s", strings.Join(cited, " "))
	}
	return b.String()
}

func oneLiner(v view, in Input) string {
	if v.record == nil {
		if v.failed(clinical.SourceRecord) {
			return fmt.Sprintf("Patient %s presenting with %s; patient record %s unavailable, demographics not reported.",
				in.PatientID, in.Complaint, clinical.SourceRecord.Tag())
		}
		return fmt.Sprintf("Patient %s presenting with %s.", in.PatientID, in.Complaint)
	}
	primary := "no documented conditions"
	if len(v.conditions) > 0 {
		primary = v.conditions[0]
	}
	return fmt.Sprintf("%s with %s presenting with %s %s", demographic(v.record), primary, in.Complaint, clinical.SourceRecord.Tag())
}

func demographic(r *clinical.PatientRecord) string {
	age := "age not recorded"
	if r.Demographics.Age > 0 {
		age = fmt.Sprintf("%d-year-old", r.Demographics.Age)
	}
	gender := r.Demographics.Gender
	if gender == "" {
		gender = "patient"
	}
	return age + " " + gender
}

func snapshot(v view, in Input) []string {
	lines := []string{fmt.Sprintf("- Chief complaint: %s", in.Complaint)}
	if in.Tier != "" {
		lines = append(lines, fmt.Sprintf("- Triage tier: %s", in.Tier))
	}
	if v.record == nil {
		if v.failed(clinical.SourceRecord) {
			lines = append(lines, unavailable(clinical.SourceRecord, "conditions, allergies and vitals"))
		}
		return lines
	}
	r := v.record
	tag := clinical.SourceRecord.Tag()

	conditions := "none documented"
	if len(v.conditions) > 0 {
		conditions = strings.Join(v.conditions, ", ")
	}
	allergies := "none documented"
	if len(r.Allergies) > 0 {
		names := make([]string, 0, len(r.Allergies))
		for _, a := range r.Allergies {
			names = append(names, a.Allergen)
		}
		allergies = strings.Join(names, ", ")
	}
	lines = append(lines,
		fmt.Sprintf("- Age/Gender: %s %s", demographic(r), tag),
		fmt.Sprintf("- Active conditions: %s %s", conditions, tag),
		fmt.Sprintf("- Allergies: %s %s", allergies, tag),
		fmt.Sprintf("- Vitals: %s %s", vitals(r.Vitals), tag),
	)
	if len(r.RiskFlags) > 0 {
		lines = append(lines, fmt.Sprintf("- Risk flags: %s %s", strings.Join(r.RiskFlags, ", "), tag))
	}
	return lines
}

func vitals(vt clinical.Vitals) string {
	var parts []string
	if vt.BP != "" {
		parts = append(parts, "BP "+vt.BP)
	}
	if vt.HR > 0 {
		parts = append(parts, "HR "+rubric.FormatValue(vt.HR))
	}
	if vt.Temp > 0 {
		parts = append(parts, "Temp "+rubric.FormatValue(vt.Temp)+"F")
	}
	if vt.SpO2 > 0 {
		parts = append(parts, "SpO2 "+rubric.FormatValue(vt.SpO2)+"%")
	}
	if len(parts) == 0 {
		return "not recorded"
	}
	return strings.Join(parts, ", ")
}

func attention(v view) []string {
	var items []string
	tag := clinical.SourceLabs.Tag()

	switch {
	case v.labs != nil:
		var critical, abnormal []string
		for _, l := range v.labs.Results {
			line := fmt.Sprintf("- %s: %s %s (%s) %s", l.Test, rubric.FormatValue(l.Value), l.Unit, l.Status, tag)
			if l.Critical() {
				critical = append(critical, line)
			} else if l.Abnormal() {
				abnormal = append(abnormal, line)
			}
		}
		items = append(items, critical...)
		items = append(items, abnormal...)
		items = append(items, trends(v)...)
		if len(critical)+len(abnormal) == 0 {
			items = append(items, "- All laboratory values within reference ranges "+tag)
		}
	case v.failed(clinical.SourceLabs):
		items = append(items, unavailable(clinical.SourceLabs, "laboratory values"))
	}

	switch {
	case v.imaging != nil:
		for _, s := range v.imaging.Studies {
			when := ""
			if s.Date != "" {
				when = " (" + s.Date + ")"
			}
			items = append(items, fmt.Sprintf("- %s%s: %s %s", s.Modality, when, s.Impression, clinical.SourceImaging.Tag()))
		}
	case v.failed(clinical.SourceImaging):
		items = append(items, unavailable(clinical.SourceImaging, "imaging findings"))
	}

	if len(items) == 0 {
		items = append(items, "- No flagged findings in the retrieved data")
	}
	return items
}

// trends compares current labs with the six-month values, e.g. egfr_6mo_ago.
func trends(v view) []string {
	if v.labs == nil || len(v.labs.Historical) == 0 {
		return nil
	}
	var out []string
	for _, l := range v.labs.Results {
		key := strings.ToLower(strings.ReplaceAll(l.Test, " ", "_")) + "_6mo_ago"
		past, ok := v.labs.Historical[key]
		if !ok || past == l.Value {
			continue
		}
		direction := "rising"
		if l.Value < past {
			direction = "falling"
		}
		out = append(out, fmt.Sprintf("- %s %s over 6 months: %s -> %s %s %s",
			l.Test, direction, rubric.FormatValue(past), rubric.FormatValue(l.Value), l.Unit, clinical.SourceLabs.Tag()))
		if len(out) == 2 {
			break
		}
	}
	return out
}

func medicationConcerns(v view) []string {
	var items []string
	switch {
	case v.meds != nil && len(v.meds.Active) > 0:
		items = append(items, fmt.Sprintf("- Active medications: %s %s", strings.Join(v.meds.Names(), ", "), clinical.SourceMedications.Tag()))
	case v.meds != nil:
		items = append(items, "- No active medications on file "+clinical.SourceMedications.Tag())
	case v.failed(clinical.SourceMedications):
		items = append(items, unavailable(clinical.SourceMedications, "current medications"))
	}

	switch {
	case v.ddi != nil && len(v.ddi.Interactions) > 0:
		for _, it := range v.ddi.Interactions {
			items = append(items, fmt.Sprintf("- Interaction %s + %s (%s): %s %s",
				it.A, it.B, it.Severity, it.Description, clinical.SourceInteractions.Tag()))
		}
	case v.ddi != nil:
		items = append(items, "- No significant drug interactions detected "+clinical.SourceInteractions.Tag())
	case v.failed(clinical.SourceInteractions):
		items = append(items, unavailable(clinical.SourceInteractions, "drug interactions"))
	}
	return items
}

func plan(v view) []string {
	var items []string
	add := func(format string, args ...any) {
		items = append(items, fmt.Sprintf("%d. ", len(items)+1)+fmt.Sprintf(format, args...))
	}
	guideTag := ""
	if v.guides != nil && len(v.guides.Guidelines) > 0 {
		guideTag = " " + clinical.SourceGuidelines.Tag()
	}
	labTag := clinical.SourceLabs.Tag()

	if v.labs != nil {
		for _, l := range v.labs.Results {
			if l.Critical() {
				add("Act on critical %s (%s %s) today %s", l.Test, rubric.FormatValue(l.Value), l.Unit, labTag)
			}
		}
	}
	ckd := v.hasCondition("ckd", "kidney")
	if egfr, ok := v.lab("eGFR"); ok && ckd {
		switch {
		case egfr.Value < 30:
			add("URGENT nephrology referral, eGFR %s %s%s", rubric.FormatValue(egfr.Value), labTag, guideTag)
		case egfr.Value < 45:
			add("Nephrology referral for CKD management, eGFR %s %s%s", rubric.FormatValue(egfr.Value), labTag, guideTag)
		}
	}
	if hgb, ok := v.lab("Hemoglobin"); ok && ckd && hgb.Value < 10 {
		add("Evaluate anemia of CKD, hemoglobin %s %s%s", rubric.FormatValue(hgb.Value), labTag, guideTag)
	}
	if k, ok := v.lab("Potassium"); ok && k.Value > 5.5 {
		add("Monitor potassium closely, K+ %s %s", rubric.FormatValue(k.Value), labTag)
	}
	if v.record != nil && v.record.Vitals.BP != "" {
		if sys, err := strconv.Atoi(strings.SplitN(v.record.Vitals.BP, "/", 2)[0]); err == nil && sys > 140 {
			target := "<140/90"
			if ckd {
				target = "<130/80"
			}
			add("Optimize blood pressure control (current %s, target %s) %s", v.record.Vitals.BP, target, clinical.SourceRecord.Tag())
		}
	}
	if v.ddi != nil && len(v.ddi.Interactions) > 0 {
		add("Review the medication list for %d drug interaction(s) %s", len(v.ddi.Interactions), clinical.SourceInteractions.Tag())
	}
	if guideTag != "" {
		titles := make([]string, 0, len(v.guides.Guidelines))
		for _, g := range v.guides.Guidelines {
			titles = append(titles, g.Title)
		}
		add("Apply %s guidance%s", strings.Join(titles, ", "), guideTag)
	}
	for _, f := range v.set.Failures() {
		add("Obtain the missing %s data (%s unavailable) before finalizing decisions", strings.ToLower(label(f.Source)), f.Source.Tag())
	}

	switch {
	case len(items) == 0:
		add("Continue current management")
		add("Routine follow-up in 3 months")
	case len(items) >= 3:
		add("Follow-up in 1-2 weeks to reassess")
	default:
		add("Follow-up in 4-8 weeks to reassess")
	}
	return items
}

func gaps(v view) []string {
	failures := v.set.Failures()
	if len(failures) == 0 {
		return []string{"- None: every consulted source responded"}
	}
	out := make([]string, 0, len(failures))
	for _, f := range failures {
		reason := "error"
		if f.TimedOut {
			reason = "timed out"
		}
		out = append(out, fmt.Sprintf("- %s %s unavailable (%s); no values were inferred", label(f.Source), f.Source.Tag(), reason))
	}
	return out
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
