package consultation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"clinical-decision-agent/internal/agent"
	"clinical-decision-agent/internal/clinical"
	"clinical-decision-agent/internal/progress"
	"clinical-decision-agent/internal/safety"
)

const maxAudioBytes = 10 << 20

// ReportService renders and delivers doctor reports.
type ReportService interface {
	RenderPDF(res *clinical.CaseResult) ([]byte, error)
	SendCaseReport(ctx context.Context, res *clinical.CaseResult, pdf []byte) error
}

// SafetyReviewer checks prescriptions against a patient. *safety.Monitor
// satisfies it.
type SafetyReviewer interface {
	Review(ctx context.Context, patientID string, rx []safety.Prescription) (*safety.Report, error)
}

type Handler struct {
	runner   CaseRunner
	stt      agent.Transcriber
	reports  ReportService
	safety   SafetyReviewer
	validate *validator.Validate
	logger   zerolog.Logger
}

type HandlerOption func(*Handler)

// WithSafetyReviewer enables the prescription safety endpoint.
func WithSafetyReviewer(s SafetyReviewer) HandlerOption {
	return func(h *Handler) { h.safety = s }
}

// NewHandler wires the HTTP surface. stt and reports may be nil, as may the
// safety reviewer; their endpoints then answer 501.
func NewHandler(runner CaseRunner, stt agent.Transcriber, reports ReportService, logger zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		runner:   runner,
		stt:      stt,
		reports:  reports,
		validate: validator.New(),
		logger:   logger.With().Str("component", "http").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/cases", h.CreateCase)
	r.Post("/cases/stream", h.CreateCaseStream)
	r.Post("/cases/audio", h.HandleAudioUpload)
	r.Post("/cases/report", h.CreateReport)
	r.Post("/cases/safety", h.CheckSafety)
}

func (h *Handler) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &clinical.ConfigurationError{Field: "body", Reason: "invalid JSON", Err: err}
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &clinical.ConfigurationError{Field: verrs[0].Field(), Reason: fmt.Sprintf("failed %q", verrs[0].Tag())}
		}
		return &clinical.ConfigurationError{Field: "body", Reason: "invalid request", Err: err}
	}
	return nil
}

func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	var req CaseRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.runner.RunCase(r.Context(), req.PatientID, req.Complaint)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CreateCaseStream runs a case and streams its progress as server-sent
// events, ending with a "result" or "error" frame.
func (h *Handler) CreateCaseStream(w http.ResponseWriter, r *http.Request) {
	var req CaseRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	events := make(chan progress.Event, 64)
	observer := progress.SinkFunc(func(sctx context.Context, e progress.Event) error {
		select {
		case events <- e:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	type outcome struct {
		res *clinical.CaseResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.runner.RunCase(ctx, req.PatientID, req.Complaint, WithObserver(observer))
		done <- outcome{res, err}
	}()

	send := func(ev StreamEvent) {
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	for {
		select {
		case e := <-events:
			send(StreamEvent{Type: "progress", Data: e})
		case out := <-done:
			for len(events) > 0 {
				send(StreamEvent{Type: "progress", Data: <-events})
			}
			if out.err != nil {
				send(StreamEvent{Type: "error", Data: out.err.Error()})
				return
			}
			send(StreamEvent{Type: "result", Data: out.res})
			return
		}
	}
}

// HandleAudioUpload transcribes a dictated complaint and runs it as a case.
func (h *Handler) HandleAudioUpload(w http.ResponseWriter, r *http.Request) {
	if h.stt == nil {
		http.Error(w, "Transcription is not configured", http.StatusNotImplemented)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
		h.fail(w, &clinical.ConfigurationError{Field: "audio", Reason: "invalid multipart upload", Err: err})
		return
	}

	patientID := r.FormValue("patient_id")
	file, header, err := r.FormFile("audio")
	if err != nil {
		h.fail(w, &clinical.ConfigurationError{Field: "audio", Reason: "missing audio file", Err: err})
		return
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		http.Error(w, "Failed to read audio file", http.StatusInternalServerError)
		return
	}

	text, err := h.stt.Transcribe(r.Context(), buf.Bytes(), header.Filename)
	if err != nil {
		if errors.Is(err, agent.ErrEmptyTranscript) {
			h.fail(w, &clinical.ConfigurationError{Field: "complaint", Reason: "no speech detected", Err: err})
			return
		}
		h.logger.Error().Err(err).Msg("transcription failed")
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "transcription failed"})
		return
	}

	res, err := h.runner.RunCase(r.Context(), patientID, text)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AudioCaseResponse{Text: text, Result: res})
}

// CreateReport runs a case and answers with its PDF report, optionally
// delivering it to the doctor as well.
func (h *Handler) CreateReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		http.Error(w, "Reports are not configured", http.StatusNotImplemented)
		return
	}
	var req ReportRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.runner.RunCase(r.Context(), req.PatientID, req.Complaint)
	if err != nil {
		h.fail(w, err)
		return
	}
	pdf, err := h.reports.RenderPDF(res)
	if err != nil {
		h.fail(w, err)
		return
	}
	if req.Deliver {
		if err := h.reports.SendCaseReport(r.Context(), res, pdf); err != nil {
			h.logger.Error().Err(err).Str("case_id", res.CaseID.String()).Msg("report delivery failed")
			w.Header().Set("X-Report-Delivery", "failed")
		} else {
			w.Header().Set("X-Report-Delivery", "sent")
		}
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"report_%s.pdf\"", res.CaseID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

// CheckSafety reviews the doctor's prescriptions for a patient and answers
// with the ranked warnings.
func (h *Handler) CheckSafety(w http.ResponseWriter, r *http.Request) {
	if h.safety == nil {
		http.Error(w, "Safety review is not configured", http.StatusNotImplemented)
		return
	}
	var req SafetyRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	report, err := h.safety.Review(r.Context(), req.PatientID, req.Prescriptions)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// fail maps errors to status codes: unknown patients are 404, other
// configuration errors 400, anything else 500.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, clinical.ErrPatientNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case clinical.IsConfigurationError(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	default:
		h.logger.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
