package clinical

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservationSet_KeepsFirstEntryPerSource(t *testing.T) {
	set := NewObservationSet()

	first := Observation{Source: SourceLabs, Payload: json.RawMessage(`{"results":[]}`)}
	dup := Observation{Source: SourceLabs, Payload: json.RawMessage(`{"results":[{"test":"x"}]}`)}

	assert.True(t, set.Add(first))
	assert.False(t, set.Add(dup))
	assert.Equal(t, 1, set.Len())

	got, ok := set.Get(SourceLabs)
	require.True(t, ok)
	assert.JSONEq(t, `{"results":[]}`, string(got.Payload))
}

func TestObservationSet_Failures(t *testing.T) {
	set := NewObservationSet(
		Observation{Source: SourceRecord, Payload: json.RawMessage(`{}`)},
		Observation{Source: SourceLabs, Err: &SourceError{Source: SourceLabs, TimedOut: true, Err: errors.New("deadline")}},
		Observation{Source: SourceImaging, Err: errors.New("boom")},
	)

	failures := set.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, SourceLabs, failures[0].Source)
	assert.True(t, failures[0].TimedOut)
	assert.Equal(t, SourceImaging, failures[1].Source)
	assert.Equal(t, "boom", failures[1].Reason)

	assert.Equal(t, []Source{SourceRecord, SourceLabs, SourceImaging}, set.Sources())
}

func TestObservationSet_Decode(t *testing.T) {
	set := NewObservationSet(
		Observation{Source: SourceMedications, Payload: json.RawMessage(`{"active":[{"name":"Lisinopril"}]}`)},
		Observation{Source: SourceLabs, Err: errors.New("down")},
	)

	var meds MedicationList
	require.True(t, set.Decode(SourceMedications, &meds))
	assert.Equal(t, []string{"Lisinopril"}, meds.Names())

	var labs LabPanel
	assert.False(t, set.Decode(SourceLabs, &labs))
	assert.False(t, set.Decode(SourceImaging, &labs))
}

func TestRecordAttributes(t *testing.T) {
	raw := json.RawMessage(`{
		"patient_id": "P001",
		"conditions": [{"name": "Type 2 Diabetes"}, {"name": "CKD Stage 3"}, {"name": " "}],
		"risk_flags": ["immunosuppressed"]
	}`)
	rec, err := ParseRecord(raw)
	require.NoError(t, err)

	attrs := rec.Attributes()
	assert.Equal(t, []string{"Type 2 Diabetes", "CKD Stage 3"}, attrs.Conditions)
	assert.Equal(t, []string{"immunosuppressed"}, attrs.RiskFlags)
	assert.Equal(t, -1, attrs.MedicationCount)

	_, err = ParseRecord(json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestNewCase_RejectsEmptyInput(t *testing.T) {
	_, err := NewCase(" ", "cough", PatientAttributes{})
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))

	_, err = NewCase("P001", "", PatientAttributes{})
	assert.True(t, IsConfigurationError(err))

	c, err := NewCase(" P001 ", "cough ", PatientAttributes{})
	require.NoError(t, err)
	assert.Equal(t, "P001", c.PatientID)
	assert.Equal(t, "cough", c.Complaint)
}

func TestSourcePriority(t *testing.T) {
	assert.Less(t, SourceRecord.Priority(), SourceLabs.Priority())
	assert.Less(t, SourceInteractions.Priority(), SourceImaging.Priority())
	assert.Equal(t, "[LABS]", SourceLabs.Tag())

	src, ok := ParseSource(" Imaging ")
	assert.True(t, ok)
	assert.Equal(t, SourceImaging, src)
	_, ok = ParseSource("xray")
	assert.False(t, ok)
}

func TestTraceText(t *testing.T) {
	res := &CaseResult{
		PatientID: "P003",
		Tier:      TierCritical,
		Strategy:  StrategyFor(TierCritical),
		Rationale: "critical keyword: chest pain",
		Trace: []ReasoningStep{
			{Index: 1, Thought: "need labs", Action: "fetch labs", Source: SourceLabs, Observation: "troponin 0.9 HIGH"},
			{Index: 2, Thought: "enough", Action: "conclude"},
		},
		Drafts:             []Draft{{Version: 1, Score: 7.5}, {Version: 2, Score: 9, Final: true}},
		SourceErrors:       []SourceFailure{{Source: SourceImaging, Reason: "timeout"}},
		ReasoningTruncated: true,
	}

	text := res.TraceText()
	assert.Contains(t, text, "patient=P003 tier=CRITICAL")
	assert.Contains(t, text, "why: critical keyword: chest pain")
	assert.Contains(t, text, "[1] thought: need labs")
	assert.Contains(t, text, "observation: troponin 0.9 HIGH")
	assert.Contains(t, text, "reasoning truncated")
	assert.Contains(t, text, "draft v2 score=9.0 (final)")
	assert.Contains(t, text, "source imaging failed: timeout")
	assert.NotContains(t, text, "cancelled")

	d, ok := res.FinalDraft()
	require.True(t, ok)
	assert.Equal(t, 2, d.Version)
	assert.True(t, res.Failed(SourceImaging))
	assert.False(t, res.Failed(SourceLabs))
}

func TestObservationSet_CriticalSignals(t *testing.T) {
	set := NewObservationSet(
		Observation{Source: SourceLabs, Payload: json.RawMessage(`{"results":[
			{"test":"Troponin I","value":2.4,"unit":"ng/mL","status":"CRITICAL_HIGH"},
			{"test":"Sodium","value":121,"unit":"mmol/L","status":"critical_low"},
			{"test":"Potassium","value":5.9,"unit":"mmol/L","status":"HIGH"}]}`)},
		Observation{Source: SourceInteractions, Payload: json.RawMessage(`{"interactions":[
			{"a":"Warfarin","b":"Aspirin","severity":"major"},
			{"a":"Metformin","b":"Lisinopril","severity":"moderate"}]}`)},
	)
	assert.Equal(t, []string{
		"Troponin I 2.4 ng/mL CRITICAL_HIGH",
		"Sodium 121 mmol/L CRITICAL_LOW",
		"Warfarin + Aspirin major interaction",
	}, set.CriticalSignals())

	failed := NewObservationSet(Observation{Source: SourceLabs, Err: errors.New("down")})
	assert.Empty(t, failed.CriticalSignals())
}
