package report

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-decision-agent/internal/clinical"
	"clinical-decision-agent/internal/progress"
)

type fakeTelegram struct {
	messages []string
	docs     []string
	captions []string
	err      error
}

func (f *fakeTelegram) SendMessage(ctx context.Context, chatID int64, text string) error {
	f.messages = append(f.messages, text)
	return f.err
}

func (f *fakeTelegram) SendDocument(ctx context.Context, chatID int64, data []byte, fileName, caption string) error {
	f.docs = append(f.docs, fileName)
	f.captions = append(f.captions, caption)
	return f.err
}

func criticalResult() *clinical.CaseResult {
	return &clinical.CaseResult{
		CaseID:           uuid.New(),
		PatientID:        "P003",
		Complaint:        "crushing chest pain radiating to the left arm",
		Tier:             clinical.TierCritical,
		Score:            clinical.ComplexityScore{Risk: 5, Complexity: 2},
		Rationale:        "critical keyword: chest pain",
		Narrative:        "## ONE-LINE SUMMARY\n**Suspected ACS**\n\n## PLAN\n1. ECG now\n2. Repeat troponin",
		SourceErrors:     []clinical.SourceFailure{{Source: clinical.SourceImaging, Reason: "timeout", TimedOut: true}},
		CriticalFindings: true,
		Drafts:           []clinical.Draft{{Version: 1, Score: 8.9, Scored: true, Final: true}},
	}
}

func availableFont(t *testing.T) string {
	t.Helper()
	for _, p := range DefaultFontPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	t.Skip("DejaVu font not installed")
	return ""
}

func TestRender(t *testing.T) {
	r := NewRenderer(availableFont(t))
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC) }

	pdf, err := r.Render(criticalResult())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF")))
}

func TestRender_LongNarrativeSpansPages(t *testing.T) {
	res := criticalResult()
	var b bytes.Buffer
	for i := 0; i < 200; i++ {
		b.WriteString("- monitor potassium and renal function closely\n")
	}
	res.Narrative = b.String()

	pdf, err := NewRenderer(availableFont(t)).Render(res)
	require.NoError(t, err)
	// one /Type /Pages tree plus more than one /Type /Page
	assert.Greater(t, bytes.Count(pdf, []byte("/Type /Page")), 2)
}

func TestRender_NoFont(t *testing.T) {
	_, err := NewRenderer("/nonexistent/font.ttf").Render(criticalResult())
	assert.ErrorIs(t, err, ErrNoFont)
}

func TestSendCaseReport(t *testing.T) {
	tg := &fakeTelegram{}
	svc := NewService(NewRenderer("/nonexistent/font.ttf"), tg, 99, zerolog.Nop())
	res := criticalResult()

	require.NoError(t, svc.SendCaseReport(context.Background(), res, []byte("%PDF-1.4")))
	require.Len(t, tg.docs, 1)
	assert.Equal(t, "report_"+res.CaseID.String()+".pdf", tg.docs[0])
	assert.Contains(t, tg.captions[0], "CRITICAL")

	tg.err = errors.New("telegram down")
	assert.Error(t, svc.SendCaseReport(context.Background(), res, []byte("%PDF-1.4")))

	// rendering happens on demand and surfaces font errors
	assert.ErrorIs(t, svc.SendCaseReport(context.Background(), res, nil), ErrNoFont)
}

func TestSendCaseReport_NoRecipient(t *testing.T) {
	svc := NewService(nil, nil, 0, zerolog.Nop())
	assert.ErrorIs(t, svc.SendCaseReport(context.Background(), criticalResult(), []byte("%PDF")), ErrNoRecipient)
}

func TestAlertSink(t *testing.T) {
	tg := &fakeTelegram{}
	sink := NewService(nil, tg, 7, zerolog.Nop()).AlertSink()

	require.NoError(t, sink.Handle(context.Background(), progress.NewEvent("c1", progress.CaseStarted, "")))
	require.NoError(t, sink.Handle(context.Background(), progress.NewEvent("c1", progress.CriticalFindings, "troponin 0.9")))

	require.Len(t, tg.messages, 1)
	assert.Contains(t, tg.messages[0], "c1")
	assert.Contains(t, tg.messages[0], "troponin 0.9")
}
