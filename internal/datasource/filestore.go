package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"clinical-decision-agent/internal/clinical"
)

// FileStore serves demo data from a directory laid out as
//
//	ehr/<id>_ehr.json  labs/<id>_labs.json  meds/<id>_meds.json
//	imaging/<id>_imaging.json  drugs/ddi_matrix.json  guidelines/*.txt
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Funcs() map[clinical.Source]FetchFunc {
	return map[clinical.Source]FetchFunc{
		clinical.SourceRecord:       s.Record,
		clinical.SourceLabs:         s.document("labs", "labs"),
		clinical.SourceMedications:  s.document("meds", "meds"),
		clinical.SourceImaging:      s.document("imaging", "imaging"),
		clinical.SourceInteractions: s.Interactions,
		clinical.SourceGuidelines:   s.Guidelines,
	}
}

func (s *FileStore) Record(ctx context.Context, patientID string) (json.RawMessage, error) {
	raw, err := s.readPatientFile(ctx, "ehr", "ehr", patientID)
	if errors.Is(err, clinical.ErrNoData) {
		return nil, fmt.Errorf("%w: %s", clinical.ErrPatientNotFound, patientID)
	}
	return raw, err
}

func (s *FileStore) document(subdir, suffix string) FetchFunc {
	return func(ctx context.Context, patientID string) (json.RawMessage, error) {
		return s.readPatientFile(ctx, subdir, suffix, patientID)
	}
}

func (s *FileStore) readPatientFile(ctx context.Context, subdir, suffix, patientID string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.ContainsAny(patientID, `/\`) || strings.Contains(patientID, "..") {
		return nil, fmt.Errorf("invalid patient id %q", patientID)
	}
	path := filepath.Join(s.dir, subdir, fmt.Sprintf("%s_%s.json", patientID, suffix))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s for %s: %w", subdir, patientID, clinical.ErrNoData)
		}
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("malformed %s data for patient %s", subdir, patientID)
	}
	return data, nil
}

type interactionMatrix struct {
	Pairs []clinical.Interaction `json:"pairs"`
}

// Interactions checks the patient's active medications against the
// interaction matrix.
func (s *FileStore) Interactions(ctx context.Context, patientID string) (json.RawMessage, error) {
	medsRaw, err := s.readPatientFile(ctx, "meds", "meds", patientID)
	if err != nil {
		return nil, err
	}
	var meds clinical.MedicationList
	if err := json.Unmarshal(medsRaw, &meds); err != nil {
		return nil, fmt.Errorf("malformed medication list: %w", err)
	}

	pairs, err := s.InteractionPairs(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(MatchInteractions(meds.Names(), pairs))
}

// InteractionPairs returns the whole interaction matrix.
func (s *FileStore) InteractionPairs(ctx context.Context) ([]clinical.Interaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, "drugs", "ddi_matrix.json"))
	if err != nil {
		return nil, fmt.Errorf("interaction matrix: %w", err)
	}
	var matrix interactionMatrix
	if err := json.Unmarshal(data, &matrix); err != nil {
		return nil, fmt.Errorf("malformed interaction matrix: %w", err)
	}
	return matrix.Pairs, nil
}

// MatchInteractions keeps the pairs whose both drugs are in names.
func MatchInteractions(names []string, pairs []clinical.Interaction) clinical.InteractionReport {
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[strings.ToLower(strings.TrimSpace(n))] = true
	}
	report := clinical.InteractionReport{Checked: names, Interactions: []clinical.Interaction{}}
	for _, p := range pairs {
		if have[strings.ToLower(p.A)] && have[strings.ToLower(p.B)] {
			report.Interactions = append(report.Interactions, p)
		}
	}
	return report
}

// Guidelines searches guideline texts for the patient's conditions.
func (s *FileStore) Guidelines(ctx context.Context, patientID string) (json.RawMessage, error) {
	recRaw, err := s.Record(ctx, patientID)
	if err != nil {
		return nil, err
	}
	rec, err := clinical.ParseRecord(recRaw)
	if err != nil {
		return nil, err
	}

	files, err := filepath.Glob(filepath.Join(s.dir, "guidelines", "*.txt"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	keywords := guidelineKeywords(rec.ConditionNames())
	report := clinical.GuidelineReport{Keywords: keywords, Guidelines: []clinical.Guideline{}}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		text := string(data)
		if !containsAny(strings.ToLower(text), keywords) {
			continue
		}
		name := strings.TrimSuffix(filepath.Base(path), ".txt")
		report.Guidelines = append(report.Guidelines, clinical.Guideline{
			Title:   strings.ReplaceAll(name, "_", " "),
			Snippet: snippet(text, 200),
			Source:  filepath.Base(path),
		})
	}
	return json.Marshal(report)
}

// guidelineKeywords reduces condition names to searchable terms, e.g.
// "CKD Stage 3" -> "ckd".
func guidelineKeywords(conditions []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, c := range conditions {
		kw := strings.ToLower(strings.TrimSpace(c))
		if i := strings.Index(kw, " stage"); i > 0 {
			kw = kw[:i]
		}
		if kw != "" && !seen[kw] {
			seen[kw] = true
			out = append(out, kw)
		}
	}
	return out
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func snippet(text string, n int) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}
