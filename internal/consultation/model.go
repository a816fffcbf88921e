package consultation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"clinical-decision-agent/internal/clinical"
	"clinical-decision-agent/internal/safety"
)

type CaseRequest struct {
	PatientID string `json:"patient_id" validate:"required"`
	Complaint string `json:"complaint" validate:"required,max=2000"`
}

type ReportRequest struct {
	CaseRequest
	// Deliver also sends the PDF to the doctor's Telegram chat.
	Deliver bool `json:"deliver"`
}

type SafetyRequest struct {
	PatientID     string                `json:"patient_id" validate:"required"`
	Prescriptions []safety.Prescription `json:"prescriptions" validate:"required,min=1,max=20,dive"`
}

type AudioCaseResponse struct {
	Text   string               `json:"text"`
	Result *clinical.CaseResult `json:"result"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// StreamEvent is one SSE frame: a progress event, the final result or an error.
type StreamEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var (
	casesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinical",
		Subsystem: "cases",
		Name:      "total",
		Help:      "Completed cases by tier and outcome",
	}, []string{"tier", "outcome"})

	caseDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clinical",
		Subsystem: "cases",
		Name:      "duration_seconds",
		Help:      "End-to-end case latency",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"tier"})
)

func recordCase(tier clinical.Tier, outcome string, d time.Duration) {
	casesTotal.WithLabelValues(string(tier), outcome).Inc()
	caseDurationSeconds.WithLabelValues(string(tier)).Observe(d.Seconds())
}
