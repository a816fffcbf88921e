package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"clinical-decision-agent/internal/clinical"
	"clinical-decision-agent/internal/progress"
)

const tracerName = "clinical.safety"

var warningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "clinical",
	Subsystem: "safety",
	Name:      "warnings_total",
	Help:      "Prescription safety warnings by severity and kind",
}, []string{"severity", "kind"})

// Fetcher reads one data source for a patient. *datasource.Gateway satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, src clinical.Source, patientID string) clinical.Observation
}

// PairSource serves the drug interaction matrix. Both data stores implement it.
type PairSource interface {
	InteractionPairs(ctx context.Context) ([]clinical.Interaction, error)
}

// Pairs is a fixed interaction matrix.
type Pairs []clinical.Interaction

func (p Pairs) InteractionPairs(context.Context) ([]clinical.Interaction, error) {
	return p, nil
}

// Report is the outcome of one review. Safe is false when any warning is
// critical or high.
type Report struct {
	ReviewID  uuid.UUID `json:"review_id"`
	PatientID string    `json:"patient_id"`
	Checked   []string  `json:"checked"`
	Warnings  []Warning `json:"warnings"`
	Summary   string    `json:"summary"`
	Safe      bool      `json:"safe"`
}

func (r *Report) Critical() []Warning {
	var out []Warning
	for _, w := range r.Warnings {
		if w.Severity == SeverityCritical {
			out = append(out, w)
		}
	}
	return out
}

// Monitor reviews prescriptions for one patient at a time. It keeps no state
// between reviews and is safe for concurrent use.
type Monitor struct {
	fetcher Fetcher
	pairs   PairSource
	sinks   []progress.Sink
	drain   time.Duration
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// NewMonitor builds a monitor. Every sink sees a safety_reviewed event per
// review and a critical_findings event when a warning is critical.
func NewMonitor(f Fetcher, pairs PairSource, logger zerolog.Logger, sinks ...progress.Sink) *Monitor {
	return &Monitor{
		fetcher: f,
		pairs:   pairs,
		sinks:   sinks,
		drain:   2 * time.Second,
		logger:  logger.With().Str("component", "safety").Logger(),
		tracer:  otel.Tracer(tracerName),
	}
}

// Review checks rx against the patient. Unknown patients and empty input are
// *clinical.ConfigurationError; missing data becomes an incomplete_data
// warning instead of an error.
func (m *Monitor) Review(ctx context.Context, patientID string, rx []Prescription) (*Report, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, &clinical.ConfigurationError{Field: "patient_id", Reason: "must not be empty"}
	}
	if len(rx) == 0 {
		return nil, &clinical.ConfigurationError{Field: "prescriptions", Reason: "nothing to review"}
	}
	for i, r := range rx {
		if strings.TrimSpace(r.Name) == "" {
			return nil, &clinical.ConfigurationError{Field: fmt.Sprintf("prescriptions[%d].name", i), Reason: "must not be empty"}
		}
	}

	report := &Report{ReviewID: uuid.New(), PatientID: patientID}
	ctx, span := m.tracer.Start(ctx, "safety.Review", trace.WithAttributes(
		attribute.String("review_id", report.ReviewID.String()),
		attribute.String("patient_id", patientID),
		attribute.Int("prescriptions", len(rx)),
	))
	defer span.End()

	patient, gaps, err := m.gather(ctx, patientID)
	if err != nil {
		return nil, err
	}

	for _, r := range rx {
		report.Checked = append(report.Checked, r.Name)
	}
	report.Warnings = append(Check(patient, rx, gaps.pairs), gaps.warnings...)
	Rank(report.Warnings)
	report.Summary = Summarize(report.Warnings, len(rx))
	report.Safe = true
	for _, w := range report.Warnings {
		warningsTotal.WithLabelValues(string(w.Severity), string(w.Kind)).Inc()
		if w.Severity.rank() >= SeverityHigh.rank() {
			report.Safe = false
		}
	}
	span.SetAttributes(attribute.Int("warnings", len(report.Warnings)), attribute.Bool("safe", report.Safe))

	m.publish(report)
	m.logger.Info().
		Str("review_id", report.ReviewID.String()).
		Str("patient_id", patientID).
		Int("prescriptions", len(rx)).
		Int("warnings", len(report.Warnings)).
		Bool("safe", report.Safe).
		Msg("safety review finished")
	return report, nil
}

type gathered struct {
	pairs    []clinical.Interaction
	warnings []Warning
}

// gather fetches the record, labs, medications and interaction matrix
// concurrently.
func (m *Monitor) gather(ctx context.Context, patientID string) (Patient, gathered, error) {
	srcs := []clinical.Source{clinical.SourceRecord, clinical.SourceLabs, clinical.SourceMedications}
	obs := make([]clinical.Observation, len(srcs))
	var pairs []clinical.Interaction
	var pairsErr error

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range srcs {
		i, src := i, src
		g.Go(func() error {
			obs[i] = m.fetcher.Fetch(gctx, src, patientID)
			return nil
		})
	}
	g.Go(func() error {
		pairs, pairsErr = m.pairs.InteractionPairs(gctx)
		return nil
	})
	_ = g.Wait()

	var (
		p   Patient
		out gathered
	)
	incomplete := func(sev Severity, what string, err error) {
		out.warnings = append(out.warnings, Warning{
			Severity:       sev,
			Kind:           KindIncomplete,
			Message:        fmt.Sprintf("%s unavailable, related checks skipped: %v", what, err),
			Recommendation: "Verify manually before prescribing",
		})
	}

	record := obs[0]
	switch {
	case errors.Is(record.Err, clinical.ErrPatientNotFound):
		return p, out, &clinical.ConfigurationError{Field: "patient_id", Reason: fmt.Sprintf("unknown patient %q", patientID), Err: clinical.ErrPatientNotFound}
	case !record.OK():
		incomplete(SeverityHigh, "patient record", record.Err)
	default:
		rec, err := clinical.ParseRecord(record.Payload)
		if err != nil {
			incomplete(SeverityHigh, "patient record", err)
		} else {
			p.Record = rec
		}
	}

	var labs clinical.LabPanel
	if err := decode(obs[1], &labs); err != nil {
		incomplete(SeverityMedium, "labs", err)
	}
	p.Labs = labs.Results

	var meds clinical.MedicationList
	if err := decode(obs[2], &meds); err != nil {
		incomplete(SeverityMedium, "medication list", err)
	}
	p.Active = meds.Active

	if pairsErr != nil {
		incomplete(SeverityMedium, "interaction matrix", pairsErr)
	}
	out.pairs = pairs
	return p, out, nil
}

// decode treats "nothing on file" as an empty document.
func decode(o clinical.Observation, v any) error {
	if !o.OK() {
		if errors.Is(o.Err, clinical.ErrNoData) {
			return nil
		}
		if o.Err != nil {
			return o.Err
		}
		return errors.New(o.Error)
	}
	if len(o.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(o.Payload, v); err != nil {
		return fmt.Errorf("malformed %s payload: %w", o.Source, err)
	}
	return nil
}

func (m *Monitor) publish(r *Report) {
	if len(m.sinks) == 0 {
		return
	}
	d := progress.NewDispatcher(4, m.logger, m.sinks...)
	id := r.ReviewID.String()
	d.Emit(progress.NewEvent(id, progress.SafetyReviewed, fmt.Sprintf("patient %s: %s", r.PatientID, r.Summary)))
	if crit := r.Critical(); len(crit) > 0 {
		details := make([]string, 0, len(crit))
		for _, w := range crit {
			details = append(details, fmt.Sprintf("%s: %s", w.Drug, w.Message))
		}
		d.Emit(progress.NewEvent(id, progress.CriticalFindings, fmt.Sprintf("patient %s: %s", r.PatientID, strings.Join(details, "; "))))
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.drain)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		m.logger.Warn().Err(err).Str("review_id", id).Msg("safety events not fully delivered")
	}
}
