package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"clinical-decision-agent/internal/clinical"
	"clinical-decision-agent/internal/rubric"
)

func ok(src clinical.Source, payload string) clinical.Observation {
	return clinical.Observation{Source: src, Payload: json.RawMessage(payload)}
}

const record = `{"patient_id":"P1","demographics":{"age":67,"gender":"male"},
	"conditions":[{"name":"CKD Stage 3b"},{"name":"Type 2 Diabetes"},{"name":"Hypertension"}],
	"vitals":{"bp":"148/88","hr":82,"temp":98.4}}`

func TestTemplateModel_ThinkWalksCandidates(t *testing.T) {
	m := NewTemplateModel()
	ctx := context.Background()
	req := Request{
		Task:         TaskThink,
		Complaint:    "worsening fatigue",
		Observations: []clinical.Observation{ok(clinical.SourceRecord, record)},
		Candidates:   []clinical.Source{clinical.SourceRecord, clinical.SourceLabs, clinical.SourceMedications, clinical.SourceInteractions, clinical.SourceGuidelines},
	}

	out, err := m.Infer(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, out, "ACTION: fetch labs")

	req.Observations = append(req.Observations,
		ok(clinical.SourceLabs, `{"results":[]}`),
		ok(clinical.SourceMedications, `{"active":[{"name":"Metformin"}]}`),
	)
	out, err = m.Infer(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, out, "ACTION: fetch interactions", "three conditions justify an interaction check")

	req.Observations = append(req.Observations,
		clinical.Observation{Source: clinical.SourceInteractions, Error: "timeout"},
		ok(clinical.SourceGuidelines, `{"guidelines":[]}`),
	)
	out, err = m.Infer(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, out, "ACTION: conclude")
	assert.Contains(t, out, "interactions unavailable")
}

func TestTemplateModel_SkipsGuidelinesWithoutConditions(t *testing.T) {
	out, err := NewTemplateModel().Infer(context.Background(), Request{
		Task:         TaskThink,
		Observations: []clinical.Observation{ok(clinical.SourceRecord, `{"patient_id":"P2"}`)},
		Candidates:   []clinical.Source{clinical.SourceRecord, clinical.SourceGuidelines},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "ACTION: conclude")
}

func TestTemplateModel_CritiqueIsParseable(t *testing.T) {
	m := NewTemplateModel()
	obs := []clinical.Observation{ok(clinical.SourceRecord, record)}

	draft, err := m.Infer(context.Background(), Request{Task: TaskSynthesize, PatientID: "P1", Complaint: "fatigue", Observations: obs})
	require.NoError(t, err)
	assert.Contains(t, draft, "## PLAN")

	critique, err := m.Infer(context.Background(), Request{Task: TaskCritique, Draft: draft, Observations: obs})
	require.NoError(t, err)
	res, err := rubric.Parse(critique)
	require.NoError(t, err)
	assert.Equal(t, rubric.Default().Evaluate(draft, obs).Score, res.Score)
}

func TestTemplateModel_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTemplateModel().Infer(ctx, Request{Task: TaskThink})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewModel(t *testing.T) {
	m, err := NewModel(ModelConfig{Provider: ProviderMock})
	require.NoError(t, err)
	assert.IsType(t, &TemplateModel{}, m)

	_, err = NewModel(ModelConfig{Provider: "gpt-telepathy"})
	assert.True(t, clinical.IsConfigurationError(err))
}

func TestGuard_Degenerate(t *testing.T) {
	g := Guard(InferenceFunc(func(ctx context.Context, req Request) (string, error) {
		return "  ", nil
	}), time.Second, zerolog.Nop())

	_, err := g.Infer(context.Background(), Request{Task: TaskSynthesize})
	var infErr *InferenceError
	require.ErrorAs(t, err, &infErr)
	assert.Equal(t, TaskSynthesize, infErr.Task)
	assert.ErrorIs(t, err, ErrDegenerateOutput)
}

func TestGuard_Timeout(t *testing.T) {
	g := Guard(InferenceFunc(func(ctx context.Context, req Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), 20*time.Millisecond, zerolog.Nop())

	start := time.Now()
	_, err := g.Infer(context.Background(), Request{Task: TaskThink})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGuard_FillsPromptsAndTraces(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	var seen Request
	g := Guard(InferenceFunc(func(ctx context.Context, req Request) (string, error) {
		seen = req
		return "THOUGHT: fine.\nACTION: conclude", nil
	}), time.Second, zerolog.Nop())

	_, err := g.Infer(context.Background(), Request{
		Task:         TaskThink,
		CaseID:       "c-1",
		PatientID:    "P1",
		Observations: []clinical.Observation{{Source: clinical.SourceLabs, Error: "timeout"}},
	})
	require.NoError(t, err)
	assert.Contains(t, seen.System, "ACTION: fetch <source> | conclude")
	assert.Contains(t, seen.User, "[LABS] unavailable: timeout")
	assert.Contains(t, seen.User, "Some data sources had errors")

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "agent.Infer", spans[0].Name)
}

func TestPrompts_TruncatesOnRuneBoundary(t *testing.T) {
	// 2-byte runes put the byte cut in the middle of one
	note := strings.Repeat("é", maxPayloadChars+10)
	payload, err := json.Marshal(map[string]string{"note": note})
	require.NoError(t, err)

	req := Prompts(Request{
		Task:         TaskSynthesize,
		PatientID:    "P1",
		Observations: []clinical.Observation{{Source: clinical.SourceRecord, Payload: payload}},
	})
	assert.True(t, utf8.ValidString(req.User))
	assert.Contains(t, req.User, "...")

	short := truncatePayload("naïve", 10)
	assert.Equal(t, "naïve", short)
	assert.Equal(t, "na...", truncatePayload("naïve", 2))
}

type fakeLLM struct {
	messages []llms.MessageContent
	reply    string
	err      error
}

func (f *fakeLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLangChainModel(t *testing.T) {
	llm := &fakeLLM{reply: "SCORE: 9\nFINDINGS:\n- none"}
	m := NewLangChainModel(llm, ModelConfig{Temperature: 0.2})

	out, err := m.Infer(context.Background(), Request{Task: TaskCritique, Draft: "draft text"})
	require.NoError(t, err)
	assert.Equal(t, "SCORE: 9\nFINDINGS:\n- none", out)
	require.Len(t, llm.messages, 2)
	assert.Equal(t, schema.ChatMessageTypeSystem, llm.messages[0].Role)
	assert.Equal(t, schema.ChatMessageTypeHuman, llm.messages[1].Role)

	llm.err = errors.New("connection refused")
	_, err = m.Infer(context.Background(), Request{Task: TaskThink})
	assert.Error(t, err)
}

func TestWhisperClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)
		assert.Equal(t, "note.wav", header.Filename)
		assert.Equal(t, "RIFF", string(data))
		_ = json.NewEncoder(w).Encode(map[string]string{"text": " chest pain since morning ", "language": "en"})
	}))
	defer srv.Close()

	c := NewWhisperClient(srv.URL, time.Second, zerolog.Nop())
	text, err := c.Transcribe(context.Background(), []byte("RIFF"), "note.wav")
	require.NoError(t, err)
	assert.Equal(t, "chest pain since morning", text)
}

func TestWhisperClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			_, _ = w.Write([]byte(`{"text":""}`))
			return
		}
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewWhisperClient(srv.URL, time.Second, zerolog.Nop()).Transcribe(context.Background(), []byte("x"), "")
	assert.ErrorContains(t, err, "model not loaded")

	_, err = NewWhisperClient(srv.URL+"/empty", time.Second, zerolog.Nop()).Transcribe(context.Background(), []byte("x"), "")
	assert.ErrorIs(t, err, ErrEmptyTranscript)
}
