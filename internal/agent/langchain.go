package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

const defaultOllamaURL = "http://localhost:11434"

// LangChainModel sends rendered prompts to any langchaingo chat model.
type LangChainModel struct {
	client      llms.Model
	temperature float64
	maxTokens   int
}

func NewLangChainModel(client llms.Model, cfg ModelConfig) *LangChainModel {
	return &LangChainModel{client: client, temperature: cfg.Temperature, maxTokens: cfg.MaxTokens}
}

func NewOllamaModel(cfg ModelConfig) (*LangChainModel, error) {
	serverURL := cfg.Endpoint
	if serverURL == "" {
		serverURL = defaultOllamaURL
	}
	opts := []ollama.Option{ollama.WithServerURL(serverURL)}
	if cfg.Model != "" {
		opts = append(opts, ollama.WithModel(cfg.Model))
	}
	client, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("ollama client: %w", err)
	}
	return NewLangChainModel(client, cfg), nil
}

func NewOpenAIModel(cfg ModelConfig) (*LangChainModel, error) {
	var opts []openai.Option
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Endpoint))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}
	return NewLangChainModel(client, cfg), nil
}

func (m *LangChainModel) Infer(ctx context.Context, req Request) (string, error) {
	req = Prompts(req)
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, req.System),
		llms.TextParts(schema.ChatMessageTypeHuman, req.User),
	}

	var callOpts []llms.CallOption
	if m.temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(m.temperature))
	}
	if m.maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(m.maxTokens))
	}

	resp, err := m.client.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return resp.Choices[0].Content, nil
}
