package datasource

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-decision-agent/internal/clinical"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func demoDir(t *testing.T) string {
	dir := t.TempDir()
	writeFile(t, dir, "ehr/P1_ehr.json", `{"patient_id":"P1","conditions":[{"name":"CKD Stage 3"},{"name":"Hypertension"}]}`)
	writeFile(t, dir, "labs/P1_labs.json", `{"results":[{"test":"eGFR","value":38,"unit":"mL/min","status":"LOW"}]}`)
	writeFile(t, dir, "meds/P1_meds.json", `{"active":[{"name":"Lisinopril"},{"name":"Spironolactone"},{"name":"Metformin"}]}`)
	writeFile(t, dir, "drugs/ddi_matrix.json", `{"pairs":[
		{"a":"Lisinopril","b":"Spironolactone","severity":"major","description":"hyperkalemia"},
		{"a":"Warfarin","b":"Aspirin","severity":"major","description":"bleeding"}
	]}`)
	writeFile(t, dir, "guidelines/ckd_management.txt", "CKD management: refer to nephrology when eGFR < 30.")
	writeFile(t, dir, "guidelines/asthma.txt", "Asthma: inhaled corticosteroids.")
	return dir
}

func TestFileStore_Documents(t *testing.T) {
	store := NewFileStore(demoDir(t))
	ctx := context.Background()

	raw, err := store.Record(ctx, "P1")
	require.NoError(t, err)
	rec, err := clinical.ParseRecord(raw)
	require.NoError(t, err)
	assert.Len(t, rec.Conditions, 2)

	_, err = store.Record(ctx, "P404")
	assert.ErrorIs(t, err, clinical.ErrPatientNotFound)

	_, err = store.Funcs()[clinical.SourceImaging](ctx, "P1")
	assert.ErrorIs(t, err, clinical.ErrNoData)

	_, err = store.Record(ctx, "../etc/passwd")
	assert.Error(t, err)
}

func TestFileStore_Interactions(t *testing.T) {
	store := NewFileStore(demoDir(t))

	raw, err := store.Interactions(context.Background(), "P1")
	require.NoError(t, err)

	var report clinical.InteractionReport
	require.NoError(t, json.Unmarshal(raw, &report))
	require.Len(t, report.Interactions, 1)
	assert.Equal(t, "Spironolactone", report.Interactions[0].B)
	assert.Len(t, report.Checked, 3)
}

func TestFileStore_InteractionPairs(t *testing.T) {
	store := NewFileStore(demoDir(t))

	pairs, err := store.InteractionPairs(context.Background())
	require.NoError(t, err)
	assert.Len(t, pairs, 2)

	_, err = NewFileStore(t.TempDir()).InteractionPairs(context.Background())
	assert.ErrorContains(t, err, "interaction matrix")
}

func TestFileStore_Guidelines(t *testing.T) {
	store := NewFileStore(demoDir(t))

	raw, err := store.Guidelines(context.Background(), "P1")
	require.NoError(t, err)

	var report clinical.GuidelineReport
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, []string{"ckd", "hypertension"}, report.Keywords)
	require.Len(t, report.Guidelines, 1)
	assert.Equal(t, "ckd management", report.Guidelines[0].Title)
}

func TestMatchInteractions_CaseInsensitive(t *testing.T) {
	report := MatchInteractions([]string{"warfarin", "ASPIRIN"}, []clinical.Interaction{
		{A: "Warfarin", B: "Aspirin", Severity: "major"},
		{A: "Warfarin", B: "Ibuprofen", Severity: "major"},
	})
	require.Len(t, report.Interactions, 1)
	assert.Equal(t, "Aspirin", report.Interactions[0].B)
}
