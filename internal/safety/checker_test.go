package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-decision-agent/internal/clinical"
)

var matrix = []clinical.Interaction{
	{A: "Lisinopril", B: "Spironolactone", Severity: "major", Description: "Additive hyperkalemia risk."},
	{A: "Warfarin", B: "Aspirin", Severity: "major", Description: "Increased bleeding risk."},
	{A: "Metformin", B: "Furosemide", Severity: "moderate", Description: "Furosemide may raise metformin levels."},
}

func record(age int, conditions []string, allergies ...clinical.Allergy) *clinical.PatientRecord {
	rec := &clinical.PatientRecord{PatientID: "P1", Demographics: clinical.Demographics{Age: age}, Allergies: allergies}
	for _, c := range conditions {
		rec.Conditions = append(rec.Conditions, clinical.Condition{Name: c})
	}
	return rec
}

func egfr(v float64) []clinical.LabResult {
	return []clinical.LabResult{{Test: "eGFR", Value: v, Unit: "mL/min/1.73m2"}}
}

func only(ws []Warning, k Kind) []Warning {
	var out []Warning
	for _, w := range ws {
		if w.Kind == k {
			out = append(out, w)
		}
	}
	return out
}

func TestCheck_RanksBySeverity(t *testing.T) {
	p := Patient{
		Record: record(67, []string{"CKD Stage 3b"}, clinical.Allergy{Allergen: "Sulfa", Reaction: "rash"}),
		Labs:   egfr(38),
		Active: []clinical.Medication{{Name: "Lisinopril"}},
	}
	ws := Check(p, []Prescription{
		{Name: "Metformin", Dose: "3000 mg", Frequency: "BID"},
		{Name: "Sulfamethoxazole", Dose: "800 mg", Frequency: "twice daily"},
	}, matrix)

	require.NotEmpty(t, ws)
	for i := 1; i < len(ws); i++ {
		assert.GreaterOrEqual(t, ws[i-1].Severity.rank(), ws[i].Severity.rank(), "warning %d out of order", i)
	}
	assert.Len(t, only(ws, KindRenalDose), 1)
	allergy := only(ws, KindAllergy)
	require.Len(t, allergy, 1)
	assert.Equal(t, "Sulfamethoxazole", allergy[0].Drug)
	assert.Equal(t, SeverityHigh, allergy[0].Severity)
	assert.Len(t, only(ws, KindDosing), 3, "two age notes and one dose out of range")
}

func TestCheck_Interactions(t *testing.T) {
	p := Patient{Active: []clinical.Medication{{Name: "Lisinopril"}, {Name: "Furosemide"}}}

	ws := Check(p, []Prescription{{Name: "spironolactone"}}, matrix)
	require.Len(t, ws, 1)
	assert.Equal(t, SeverityCritical, ws[0].Severity)
	assert.Equal(t, KindInteraction, ws[0].Kind)
	assert.Contains(t, ws[0].Message, "Lisinopril")

	ws = Check(p, []Prescription{{Name: "Metformin"}}, matrix)
	require.Len(t, ws, 1)
	assert.Equal(t, SeverityHigh, ws[0].Severity)
	assert.NotEmpty(t, ws[0].Alternatives)

	// two new drugs that interact are reported once
	ws = Check(Patient{}, []Prescription{{Name: "Warfarin"}, {Name: "Aspirin"}}, matrix)
	require.Len(t, ws, 1)
	assert.Equal(t, "Warfarin", ws[0].Drug)
	assert.Equal(t, []string{"DOAC (apixaban)"}, ws[0].Alternatives)
}

func TestCheck_AllergiesMatchWholeWords(t *testing.T) {
	sulfa := Patient{Record: record(40, nil, clinical.Allergy{Allergen: "Sulfa", Reaction: "rash"})}
	assert.Empty(t, only(Check(sulfa, []Prescription{{Name: "Ferrous sulfate"}}, nil), KindAllergy))

	pcn := Patient{Record: record(40, nil, clinical.Allergy{Allergen: "Penicillin", Reaction: "Anaphylaxis"})}
	ws := only(Check(pcn, []Prescription{{Name: "Amoxicillin"}}, nil), KindAllergy)
	require.Len(t, ws, 1)
	assert.Equal(t, SeverityCritical, ws[0].Severity)
	assert.Contains(t, ws[0].Alternatives, "Cephalexin")

	direct := Patient{Record: record(40, nil, clinical.Allergy{Allergen: "codeine"})}
	ws = only(Check(direct, []Prescription{{Name: "Codeine phosphate"}}, nil), KindAllergy)
	require.Len(t, ws, 1)
	assert.Equal(t, SeverityHigh, ws[0].Severity)
}

func TestCheck_MetforminRenalFunction(t *testing.T) {
	rx := []Prescription{{Name: "Metformin"}}

	ws := Check(Patient{Labs: egfr(25)}, rx, nil)
	require.Len(t, ws, 1)
	assert.Equal(t, KindContraindication, ws[0].Kind)
	assert.Equal(t, SeverityCritical, ws[0].Severity)
	assert.Equal(t, []string{"Insulin therapy"}, ws[0].Alternatives)

	ws = Check(Patient{Labs: egfr(38)}, rx, nil)
	require.Len(t, ws, 1)
	assert.Equal(t, KindRenalDose, ws[0].Kind)
	assert.Equal(t, SeverityHigh, ws[0].Severity)

	assert.Empty(t, Check(Patient{Labs: egfr(70)}, rx, nil))
	assert.Empty(t, Check(Patient{}, rx, nil), "no eGFR on file")
}

func TestCheck_ContraindicatedConditions(t *testing.T) {
	p := Patient{Record: record(30, []string{"Pregnancy (second trimester)", "Asthma"})}
	ws := Check(p, []Prescription{{Name: "Lisinopril"}}, nil)
	require.Len(t, ws, 1)
	assert.Equal(t, SeverityCritical, ws[0].Severity)
	assert.Contains(t, ws[0].Message, "Pregnancy")
	assert.Contains(t, ws[0].Alternatives, "Methyldopa")

	p = Patient{Record: record(50, []string{"Severe thrombocytopenia"})}
	ws = Check(p, []Prescription{{Name: "Warfarin"}}, nil)
	require.Len(t, ws, 1)
	assert.Equal(t, SeverityHigh, ws[0].Severity)
}

func TestCheck_DoseAndFrequency(t *testing.T) {
	ws := Check(Patient{}, []Prescription{
		{Name: "Lisinopril", Dose: "10 mg", Frequency: "daily"},
		{Name: "Furosemide", Dose: "0.5 g", Frequency: "every other full moon"},
		{Name: "Atorvastatin", Dose: "a lot", Frequency: "QHS"},
	}, nil)
	require.Len(t, ws, 3)
	assert.Equal(t, SeverityHigh, ws[0].Severity)
	assert.Contains(t, ws[0].Message, "500 mg")
	assert.Equal(t, SeverityLow, ws[1].Severity)
	assert.Equal(t, SeverityLow, ws[2].Severity)
}

func TestDoseMG(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"500 mg", 500, true},
		{"500mg", 500, true},
		{"1 g", 1000, true},
		{"250 mcg", 0.25, true},
		{"2.5", 2.5, true},
		{"twice", 0, false},
	}
	for _, tc := range cases {
		got, ok := doseMG(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.InDelta(t, tc.want, got, 1e-9, tc.in)
	}
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "No safety issues found in 2 prescription(s)", Summarize(nil, 2))
	ws := []Warning{{Severity: SeverityCritical}, {Severity: SeverityMedium}, {Severity: SeverityMedium}}
	assert.Equal(t, "1 critical, 2 medium issue(s) across 1 prescription(s)", Summarize(ws, 1))
}
