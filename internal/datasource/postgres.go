package datasource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lib/pq"

	"clinical-decision-agent/internal/clinical"
)

// PostgresStore serves patient documents from the patient_documents table
// and computes interactions and guidelines from their reference tables.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Funcs() map[clinical.Source]FetchFunc {
	return map[clinical.Source]FetchFunc{
		clinical.SourceRecord:       s.Record,
		clinical.SourceLabs:         s.document(clinical.SourceLabs),
		clinical.SourceMedications:  s.document(clinical.SourceMedications),
		clinical.SourceImaging:      s.document(clinical.SourceImaging),
		clinical.SourceInteractions: s.Interactions,
		clinical.SourceGuidelines:   s.Guidelines,
	}
}

func (s *PostgresStore) GetDocument(ctx context.Context, patientID string, src clinical.Source) (json.RawMessage, error) {
	query := `SELECT payload FROM patient_documents WHERE patient_id = $1 AND source = $2`

	var payload []byte
	err := s.db.QueryRowContext(ctx, query, patientID, string(src)).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s for %s: %w", src, patientID, clinical.ErrNoData)
		}
		return nil, err
	}
	return payload, nil
}

func (s *PostgresStore) SaveDocument(ctx context.Context, patientID string, src clinical.Source, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("invalid %s document for %s", src, patientID)
	}
	query := `
		INSERT INTO patient_documents (patient_id, source, payload, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (patient_id, source) DO UPDATE SET
			payload = $3,
			updated_at = now()
	`
	_, err := s.db.ExecContext(ctx, query, patientID, string(src), []byte(payload))
	return err
}

func (s *PostgresStore) Record(ctx context.Context, patientID string) (json.RawMessage, error) {
	raw, err := s.GetDocument(ctx, patientID, clinical.SourceRecord)
	if errors.Is(err, clinical.ErrNoData) {
		return nil, fmt.Errorf("%w: %s", clinical.ErrPatientNotFound, patientID)
	}
	return raw, err
}

func (s *PostgresStore) document(src clinical.Source) FetchFunc {
	return func(ctx context.Context, patientID string) (json.RawMessage, error) {
		return s.GetDocument(ctx, patientID, src)
	}
}

func (s *PostgresStore) Interactions(ctx context.Context, patientID string) (json.RawMessage, error) {
	medsRaw, err := s.GetDocument(ctx, patientID, clinical.SourceMedications)
	if err != nil {
		return nil, err
	}
	var meds clinical.MedicationList
	if err := json.Unmarshal(medsRaw, &meds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal medications: %w", err)
	}

	names := make([]string, 0, len(meds.Active))
	for _, n := range meds.Names() {
		names = append(names, strings.ToLower(n))
	}

	query := `
		SELECT drug_a, drug_b, severity, description FROM drug_interactions
		WHERE lower(drug_a) = ANY($1) AND lower(drug_b) = ANY($1)
		ORDER BY drug_a, drug_b
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	report := clinical.InteractionReport{Checked: meds.Names(), Interactions: []clinical.Interaction{}}
	for rows.Next() {
		var it clinical.Interaction
		if err := rows.Scan(&it.A, &it.B, &it.Severity, &it.Description); err != nil {
			return nil, err
		}
		report.Interactions = append(report.Interactions, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(report)
}

// InteractionPairs returns every row of the interaction reference table.
func (s *PostgresStore) InteractionPairs(ctx context.Context) ([]clinical.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT drug_a, drug_b, severity, description FROM drug_interactions
		ORDER BY drug_a, drug_b
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load interaction pairs: %w", err)
	}
	defer rows.Close()

	var pairs []clinical.Interaction
	for rows.Next() {
		var it clinical.Interaction
		if err := rows.Scan(&it.A, &it.B, &it.Severity, &it.Description); err != nil {
			return nil, err
		}
		pairs = append(pairs, it)
	}
	return pairs, rows.Err()
}

func (s *PostgresStore) Guidelines(ctx context.Context, patientID string) (json.RawMessage, error) {
	recRaw, err := s.Record(ctx, patientID)
	if err != nil {
		return nil, err
	}
	rec, err := clinical.ParseRecord(recRaw)
	if err != nil {
		return nil, err
	}

	keywords := guidelineKeywords(rec.ConditionNames())
	report := clinical.GuidelineReport{Keywords: keywords, Guidelines: []clinical.Guideline{}}
	if len(keywords) == 0 {
		return json.Marshal(report)
	}

	patterns := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		patterns = append(patterns, "%"+kw+"%")
	}
	query := `SELECT slug, title, body FROM guidelines WHERE body ILIKE ANY($1) ORDER BY slug`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(patterns))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var slug, title, body string
		if err := rows.Scan(&slug, &title, &body); err != nil {
			return nil, err
		}
		report.Guidelines = append(report.Guidelines, clinical.Guideline{
			Title:   title,
			Snippet: snippet(body, 200),
			Source:  slug,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(report)
}

func (s *PostgresStore) SaveInteraction(ctx context.Context, it clinical.Interaction) error {
	query := `
		INSERT INTO drug_interactions (drug_a, drug_b, severity, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (drug_a, drug_b) DO UPDATE SET
			severity = $3,
			description = $4
	`
	_, err := s.db.ExecContext(ctx, query, it.A, it.B, it.Severity, it.Description)
	return err
}

func (s *PostgresStore) SaveGuideline(ctx context.Context, slug, title, body string) error {
	query := `
		INSERT INTO guidelines (slug, title, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (slug) DO UPDATE SET
			title = $2,
			body = $3
	`
	_, err := s.db.ExecContext(ctx, query, slug, title, body)
	return err
}

// ImportDir loads a FileStore directory into the database. It returns the
// number of patients imported.
func (s *PostgresStore) ImportDir(ctx context.Context, dir string) (int, error) {
	files := NewFileStore(dir)
	records, err := filepath.Glob(filepath.Join(dir, "ehr", "*_ehr.json"))
	if err != nil {
		return 0, err
	}

	docs := map[clinical.Source]FetchFunc{
		clinical.SourceRecord:      files.Record,
		clinical.SourceLabs:        files.document("labs", "labs"),
		clinical.SourceMedications: files.document("meds", "meds"),
		clinical.SourceImaging:     files.document("imaging", "imaging"),
	}

	patients := 0
	for _, path := range records {
		patientID := strings.TrimSuffix(filepath.Base(path), "_ehr.json")
		for _, src := range clinical.Sources {
			fetch, ok := docs[src]
			if !ok {
				continue
			}
			payload, err := fetch(ctx, patientID)
			if errors.Is(err, clinical.ErrNoData) {
				continue
			}
			if err != nil {
				return patients, fmt.Errorf("import %s %s: %w", patientID, src, err)
			}
			if err := s.SaveDocument(ctx, patientID, src, payload); err != nil {
				return patients, fmt.Errorf("save %s %s: %w", patientID, src, err)
			}
		}
		patients++
	}

	if data, err := os.ReadFile(filepath.Join(dir, "drugs", "ddi_matrix.json")); err == nil {
		var matrix interactionMatrix
		if err := json.Unmarshal(data, &matrix); err != nil {
			return patients, fmt.Errorf("malformed interaction matrix: %w", err)
		}
		for _, it := range matrix.Pairs {
			if err := s.SaveInteraction(ctx, it); err != nil {
				return patients, err
			}
		}
	}

	guides, _ := filepath.Glob(filepath.Join(dir, "guidelines", "*.txt"))
	for _, path := range guides {
		body, err := os.ReadFile(path)
		if err != nil {
			return patients, err
		}
		slug := filepath.Base(path)
		title := strings.ReplaceAll(strings.TrimSuffix(slug, ".txt"), "_", " ")
		if err := s.SaveGuideline(ctx, slug, title, string(body)); err != nil {
			return patients, err
		}
	}
	return patients, nil
}
