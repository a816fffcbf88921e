package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-decision-agent/internal/agent"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// chdir changes the working directory for the rest of the test and restores it afterwards.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(wd)) })
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "file", cfg.Sources.Backend)
	assert.Equal(t, "mock", cfg.Inference.Provider)
	assert.Equal(t, 5, cfg.Reasoning.MaxIterations)
	assert.Equal(t, 8.5, cfg.Correction.AcceptScore)
	assert.Equal(t, 3, cfg.Correction.MaxRefinements)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "clinical.yaml", `
server:
  port: "9090"
sources:
  backend: postgres
  fetch_timeout: 2s
inference:
  provider: ollama
  model: llama3
reasoning:
  max_iterations: 7
logging:
  format: json
`)
	t.Setenv("CLINICAL_INFERENCE_API_KEY", "secret")
	t.Setenv("CLINICAL_TELEGRAM_TOKEN", "tg-token")
	t.Setenv("CLINICAL_TELEGRAM_DOCTOR_CHAT_ID", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Sources.Backend)
	assert.Equal(t, 2*time.Second, cfg.Sources.FetchTimeout)
	assert.Equal(t, 7, cfg.Reasoning.MaxIterations)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "secret", cfg.Inference.APIKey)
	assert.Equal(t, int64(42), cfg.Telegram.DoctorChatID)

	mc := cfg.ModelConfig()
	assert.Equal(t, agent.ProviderOllama, mc.Provider)
	assert.Equal(t, "llama3", mc.Model)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "sources:\n  backend: mongo\n"},
		{"model required for real provider", "inference:\n  provider: openai\n"},
		{"zero iteration cap", "reasoning:\n  max_iterations: 0\n"},
		{"accept score out of range", "correction:\n  accept_score: 11\n"},
		{"chat id required with token", "telegram:\n  token: abc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", tt.body)
			_, err := Load(path)
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestTriagePolicy(t *testing.T) {
	cfg := DefaultConfig()
	p, err := cfg.TriagePolicy()
	require.NoError(t, err)
	assert.Equal(t, 4, p.CriticalRiskThreshold)
	assert.Equal(t, 6, p.CriticalTotalThreshold)
	assert.Equal(t, 3, p.ComplexTotalThreshold)

	dir := t.TempDir()
	cfg.Policy.File = writeFile(t, dir, "policy.yaml", "critical_keywords: [\"crushing\"]\n")
	cfg.Policy.ComplexTotalThreshold = 2
	p, err = cfg.TriagePolicy()
	require.NoError(t, err)
	assert.Equal(t, []string{"crushing"}, p.CriticalKeywords)
	assert.Equal(t, 2, p.ComplexTotalThreshold)

	cfg.Policy.CriticalTotalThreshold = 2
	_, err = cfg.TriagePolicy()
	assert.Error(t, err)
}
