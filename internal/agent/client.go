package agent

import (
	"context"
	"errors"
	"fmt"

	"clinical-decision-agent/internal/clinical"
)

type Task string

const (
	TaskThink      Task = "think"
	TaskSynthesize Task = "synthesize"
	TaskCritique   Task = "critique"
	TaskRefine     Task = "refine"
)

// Request is everything one inference call may look at. System and User are
// the rendered prompts; the structured fields carry the same content for
// models that do not need text.
type Request struct {
	Task         Task
	System       string
	User         string
	CaseID       string
	PatientID    string
	Complaint    string
	Tier         clinical.Tier
	Observations []clinical.Observation
	Trace        []clinical.ReasoningStep
	Draft        string
	Findings     []string
	Candidates   []clinical.Source
}

// Inferencer is the shared, stateless inference capability. Implementations
// must be safe for concurrent use.
type Inferencer interface {
	Infer(ctx context.Context, req Request) (string, error)
}

// InferenceFunc adapts a function to Inferencer.
type InferenceFunc func(ctx context.Context, req Request) (string, error)

func (f InferenceFunc) Infer(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

var ErrDegenerateOutput = errors.New("degenerate inference output")

type InferenceError struct {
	Task Task
	Err  error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %s: %v", e.Task, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

type Provider string

const (
	ProviderMock   Provider = "mock"
	ProviderOllama Provider = "ollama"
	ProviderOpenAI Provider = "openai"
)

// ModelConfig selects and configures the backing model.
type ModelConfig struct {
	Provider    Provider
	Endpoint    string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
}

// NewModel builds the raw model for cfg. Callers normally wrap it with Guard.
func NewModel(cfg ModelConfig) (Inferencer, error) {
	switch cfg.Provider {
	case ProviderMock, "":
		return NewTemplateModel(), nil
	case ProviderOllama:
		return NewOllamaModel(cfg)
	case ProviderOpenAI:
		return NewOpenAIModel(cfg)
	default:
		return nil, &clinical.ConfigurationError{Field: "inference.provider", Reason: fmt.Sprintf("unknown provider %q", cfg.Provider)}
	}
}
