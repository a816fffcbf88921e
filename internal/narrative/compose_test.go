package narrative

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-decision-agent/internal/clinical"
	"clinical-decision-agent/internal/rubric"
)

const (
	recordJSON = `{"patient_id":"P3","demographics":{"age":58,"gender":"female"},
		"conditions":[{"name":"Heart failure"},{"name":"Atrial fibrillation"}],
		"vitals":{"bp":"156/94","hr":104,"temp":98.9},
		"allergies":[{"allergen":"Penicillin"}]}`
	labsJSON = `{"results":[
		{"test":"Troponin I","value":0.9,"unit":"ng/mL","status":"CRITICAL_HIGH"},
		{"test":"BNP","value":880,"unit":"pg/mL","status":"HIGH"},
		{"test":"Sodium","value":139,"unit":"mmol/L","status":"NORMAL"}]}`
	medsJSON    = `{"active":[{"name":"Warfarin"},{"name":"Aspirin"},{"name":"Metoprolol"}]}`
	ddiJSON     = `{"checked":["Warfarin","Aspirin","Metoprolol"],"interactions":[{"a":"Warfarin","b":"Aspirin","severity":"major","description":"Increased bleeding risk."}]}`
	guidesJSON  = `{"keywords":["heart failure"],"guidelines":[{"title":"heart failure","snippet":"GDMT"}]}`
	imagingJSON = `{"studies":[{"modality":"Chest X-ray","date":"2026-09-30","impression":"Cardiomegaly."}]}`
)

func ok(src clinical.Source, payload string) clinical.Observation {
	return clinical.Observation{Source: src, Payload: json.RawMessage(payload)}
}

func fullObservations() []clinical.Observation {
	return []clinical.Observation{
		ok(clinical.SourceRecord, recordJSON),
		ok(clinical.SourceLabs, labsJSON),
		ok(clinical.SourceMedications, medsJSON),
		ok(clinical.SourceInteractions, ddiJSON),
		ok(clinical.SourceImaging, imagingJSON),
		ok(clinical.SourceGuidelines, guidesJSON),
	}
}

func TestCompose_FullDataPassesRubric(t *testing.T) {
	text := Compose(Input{
		PatientID:    "P3",
		Complaint:    "acute chest pain, severe, 2 hours",
		Tier:         clinical.TierCritical,
		Observations: fullObservations(),
		Trace:        []clinical.ReasoningStep{{Index: 1, Thought: "enough evidence", Action: "conclude"}},
	})

	for _, section := range []string{"ONE-LINE SUMMARY", "PATIENT SNAPSHOT", "ATTENTION NEEDED", "MEDICATION CONCERNS", "PLAN", "DATA GAPS"} {
		assert.Contains(t, text, "## "+section)
	}
	assert.Contains(t, text, "58-year-old female with Heart failure")
	assert.Contains(t, text, "Troponin I: 0.9 ng/mL (CRITICAL_HIGH) [LABS]")
	assert.Contains(t, text, "Interaction Warfarin + Aspirin (major)")
	assert.Contains(t, text, "1. Act on critical Troponin I")
	assert.Contains(t, text, "Optimize blood pressure control (current 156/94, target <140/90)")
	assert.NotContains(t, text, "Sodium")

	res := rubric.Default().Evaluate(text, fullObservations())
	assert.GreaterOrEqual(t, res.Score, 8.5, "findings: %v", res.Findings)
}

func TestCompose_FailedSourceIsNotFabricated(t *testing.T) {
	obs := []clinical.Observation{
		ok(clinical.SourceRecord, recordJSON),
		{Source: clinical.SourceLabs, Err: &clinical.SourceError{Source: clinical.SourceLabs, TimedOut: true, Err: context.DeadlineExceeded}},
		ok(clinical.SourceMedications, medsJSON),
	}
	text := Compose(Input{PatientID: "P3", Complaint: "fatigue", Observations: obs})

	assert.Contains(t, text, "Laboratory results [LABS] unavailable (timed out); no values were inferred")
	assert.Contains(t, text, "Obtain the missing laboratory results data ([LABS] unavailable)")
	assert.NotContains(t, text, "Troponin")
	assert.NotContains(t, text, "reference ranges")

	res := rubric.Default().Evaluate(text, obs)
	for _, f := range res.Findings {
		assert.NotContains(t, f, "without retrieved")
	}
}

func TestCompose_MissingRecord(t *testing.T) {
	obs := []clinical.Observation{{Source: clinical.SourceRecord, Error: "source record unavailable: boom"}}
	text := Compose(Input{PatientID: "P9", Complaint: "cough", Observations: obs})

	assert.Contains(t, text, "Patient P9 presenting with cough; patient record [RECORD] unavailable")
	assert.NotContains(t, text, "Sources consulted")
	assert.Contains(t, text, "1. Obtain the missing patient record data")
}

func TestCompose_Deterministic(t *testing.T) {
	in := Input{PatientID: "P3", Complaint: "cough", Observations: fullObservations()}
	assert.Equal(t, Compose(in), Compose(in))
}

func TestCompose_RevisionNotes(t *testing.T) {
	text := Compose(Input{PatientID: "P3", Complaint: "cough", Observations: fullObservations(),
		Findings: []string{"too brief (80 words, minimum 100)"}})
	require.Contains(t, text, "## REVIEW NOTES")
	assert.True(t, strings.Contains(text, "too brief"))
}
