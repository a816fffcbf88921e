package clinical

import (
	"encoding/json"
	"fmt"
	"strings"
)

// The payload types below mirror the JSON documents the data sources serve.
// The orchestration core hands payloads to inference untouched; only the
// baseline record is parsed to derive PatientAttributes.

type Demographics struct {
	Age    int    `json:"age"`
	Gender string `json:"gender"`
}

type Condition struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
	Since  string `json:"since,omitempty"`
}

type Vitals struct {
	BP   string  `json:"bp,omitempty"`
	HR   float64 `json:"hr,omitempty"`
	Temp float64 `json:"temp,omitempty"`
	SpO2 float64 `json:"spo2,omitempty"`
}

type Allergy struct {
	Allergen string `json:"allergen"`
	Reaction string `json:"reaction,omitempty"`
}

type PatientRecord struct {
	PatientID    string       `json:"patient_id"`
	Name         string       `json:"name,omitempty"`
	Demographics Demographics `json:"demographics"`
	Conditions   []Condition  `json:"conditions"`
	Vitals       Vitals       `json:"vitals"`
	Allergies    []Allergy    `json:"allergies"`
	RiskFlags    []string     `json:"risk_flags,omitempty"`
	Medications  []Medication `json:"medications,omitempty"`
}

func ParseRecord(raw json.RawMessage) (*PatientRecord, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty patient record")
	}
	var rec PatientRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("malformed patient record: %w", err)
	}
	return &rec, nil
}

func (r *PatientRecord) ConditionNames() []string {
	names := make([]string, 0, len(r.Conditions))
	for _, c := range r.Conditions {
		if n := strings.TrimSpace(c.Name); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// Attributes derives the baseline used by complexity assessment.
func (r *PatientRecord) Attributes() PatientAttributes {
	attrs := PatientAttributes{
		Conditions:      r.ConditionNames(),
		RiskFlags:       append([]string(nil), r.RiskFlags...),
		MedicationCount: -1,
	}
	if r.Medications != nil {
		attrs.MedicationCount = len(r.Medications)
	}
	return attrs
}

type LabResult struct {
	Test   string  `json:"test"`
	Value  float64 `json:"value"`
	Unit   string  `json:"unit"`
	Status string  `json:"status"`
	Range  string  `json:"range,omitempty"`
}

// Abnormal reports whether the lab is flagged outside its reference range.
func (l LabResult) Abnormal() bool {
	switch strings.ToUpper(l.Status) {
	case "HIGH", "LOW", "CRITICAL_HIGH", "CRITICAL_LOW":
		return true
	}
	return false
}

func (l LabResult) Critical() bool {
	s := strings.ToUpper(l.Status)
	return s == "CRITICAL_HIGH" || s == "CRITICAL_LOW"
}

type LabPanel struct {
	Results    []LabResult        `json:"results"`
	Historical map[string]float64 `json:"historical_data,omitempty"`
}

type Medication struct {
	Name      string `json:"name"`
	Dose      string `json:"dose,omitempty"`
	Frequency string `json:"frequency,omitempty"`
}

type MedicationList struct {
	Active []Medication `json:"active"`
}

func (m MedicationList) Names() []string {
	names := make([]string, 0, len(m.Active))
	for _, med := range m.Active {
		names = append(names, med.Name)
	}
	return names
}

type Interaction struct {
	A           string `json:"a"`
	B           string `json:"b"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// InteractionReport is the interactions payload: pairs found among the
// patient's active medications.
type InteractionReport struct {
	Checked      []string      `json:"checked"`
	Interactions []Interaction `json:"interactions"`
}

type ImagingStudy struct {
	Modality   string `json:"modality"`
	Region     string `json:"region,omitempty"`
	Date       string `json:"date,omitempty"`
	Impression string `json:"impression"`
}

type ImagingReport struct {
	Studies []ImagingStudy `json:"studies"`
}

type Guideline struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Source  string `json:"source,omitempty"`
}

type GuidelineReport struct {
	Keywords   []string    `json:"keywords"`
	Guidelines []Guideline `json:"guidelines"`
}
