// Package config loads service configuration from YAML and CLINICAL_* env vars.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"clinical-decision-agent/internal/agent"
	"clinical-decision-agent/internal/correction"
	"clinical-decision-agent/internal/reasoning"
	"clinical-decision-agent/internal/triage"
)

const envPrefix = "CLINICAL"

type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Sources    SourcesConfig     `mapstructure:"sources"`
	Inference  InferenceConfig   `mapstructure:"inference"`
	Policy     PolicyConfig      `mapstructure:"policy"`
	Reasoning  reasoning.Config  `mapstructure:"reasoning"`
	Correction correction.Config `mapstructure:"correction"`
	Case       CaseConfig        `mapstructure:"case"`
	Telemetry  TelemetryConfig   `mapstructure:"telemetry"`
	Telegram   TelegramConfig    `mapstructure:"telegram"`
	STT        STTConfig         `mapstructure:"stt"`
	Report     ReportConfig      `mapstructure:"report"`
	Logging    LoggingConfig     `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
}

type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MigrationsPath string        `mapstructure:"migrations_path"`
	ConnectRetries int           `mapstructure:"connect_retries" validate:"gte=1"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// SourcesConfig picks the backend behind the data source gateway.
type SourcesConfig struct {
	Backend      string        `mapstructure:"backend" validate:"oneof=file postgres"`
	DataDir      string        `mapstructure:"data_dir" validate:"required_if=Backend file"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	RateLimit    float64       `mapstructure:"rate_limit" validate:"gte=0"`
	Burst        int           `mapstructure:"burst" validate:"gte=0"`
}

type InferenceConfig struct {
	Provider    string        `mapstructure:"provider" validate:"oneof=mock ollama openai"`
	Endpoint    string        `mapstructure:"endpoint"`
	Model       string        `mapstructure:"model" validate:"required_unless=Provider mock"`
	APIKey      string        `mapstructure:"api_key"`
	Temperature float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `mapstructure:"max_tokens" validate:"gte=0"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// PolicyConfig overrides triage thresholds. Zero values keep the policy
// file (or built-in) value.
type PolicyConfig struct {
	File                   string `mapstructure:"file"`
	CriticalRiskThreshold  int    `mapstructure:"critical_risk_threshold" validate:"gte=0"`
	CriticalTotalThreshold int    `mapstructure:"critical_total_threshold" validate:"gte=0"`
	ComplexTotalThreshold  int    `mapstructure:"complex_total_threshold" validate:"gte=0"`
	PolypharmacyThreshold  int    `mapstructure:"polypharmacy_threshold" validate:"gte=0"`
}

type CaseConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Fanout  int           `mapstructure:"fanout" validate:"gte=1"`
}

type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Exporter    string  `mapstructure:"exporter" validate:"oneof=stdout none"`
	SampleRate  float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

type TelegramConfig struct {
	Token        string        `mapstructure:"token"`
	DoctorChatID int64         `mapstructure:"doctor_chat_id" validate:"required_with=Token"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type STTConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ReportConfig struct {
	FontPaths []string `mapstructure:"font_paths"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigin:      "*",
		},
		Database: DatabaseConfig{
			MigrationsPath: "file://migrations",
			ConnectRetries: 10,
			RetryDelay:     2 * time.Second,
		},
		Sources: SourcesConfig{
			Backend:      "file",
			DataDir:      "demo_data",
			FetchTimeout: 5 * time.Second,
		},
		Inference: InferenceConfig{
			Provider:    "mock",
			Temperature: 0.2,
			MaxTokens:   1500,
			Timeout:     60 * time.Second,
		},
		Reasoning:  reasoning.DefaultConfig(),
		Correction: correction.DefaultConfig(),
		Case: CaseConfig{
			Fanout: 4,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "clinical-decision-agent",
			Exporter:    "stdout",
			SampleRate:  1,
		},
		Telegram: TelegramConfig{
			Timeout: 10 * time.Second,
		},
		STT: STTConfig{
			Timeout: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// setDefaults registers every key so that AutomaticEnv can override keys
// absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]any{
		"server.port":             cfg.Server.Port,
		"server.read_timeout":     cfg.Server.ReadTimeout,
		"server.shutdown_timeout": cfg.Server.ShutdownTimeout,
		"server.cors_origin":      cfg.Server.CORSOrigin,

		"database.url":             cfg.Database.URL,
		"database.migrations_path": cfg.Database.MigrationsPath,
		"database.connect_retries": cfg.Database.ConnectRetries,
		"database.retry_delay":     cfg.Database.RetryDelay,

		"sources.backend":       cfg.Sources.Backend,
		"sources.data_dir":      cfg.Sources.DataDir,
		"sources.fetch_timeout": cfg.Sources.FetchTimeout,
		"sources.rate_limit":    cfg.Sources.RateLimit,
		"sources.burst":         cfg.Sources.Burst,

		"inference.provider":    cfg.Inference.Provider,
		"inference.endpoint":    cfg.Inference.Endpoint,
		"inference.model":       cfg.Inference.Model,
		"inference.api_key":     cfg.Inference.APIKey,
		"inference.temperature": cfg.Inference.Temperature,
		"inference.max_tokens":  cfg.Inference.MaxTokens,
		"inference.timeout":     cfg.Inference.Timeout,

		"policy.file":                     cfg.Policy.File,
		"policy.critical_risk_threshold":  cfg.Policy.CriticalRiskThreshold,
		"policy.critical_total_threshold": cfg.Policy.CriticalTotalThreshold,
		"policy.complex_total_threshold":  cfg.Policy.ComplexTotalThreshold,
		"policy.polypharmacy_threshold":   cfg.Policy.PolypharmacyThreshold,

		"reasoning.max_iterations": cfg.Reasoning.MaxIterations,
		"reasoning.retry_backoff":  cfg.Reasoning.RetryBackoff,

		"correction.accept_score":    cfg.Correction.AcceptScore,
		"correction.max_refinements": cfg.Correction.MaxRefinements,

		"case.timeout": cfg.Case.Timeout,
		"case.fanout":  cfg.Case.Fanout,

		"telemetry.enabled":      cfg.Telemetry.Enabled,
		"telemetry.service_name": cfg.Telemetry.ServiceName,
		"telemetry.exporter":     cfg.Telemetry.Exporter,
		"telemetry.sample_rate":  cfg.Telemetry.SampleRate,

		"telegram.token":          cfg.Telegram.Token,
		"telegram.doctor_chat_id": cfg.Telegram.DoctorChatID,
		"telegram.base_url":       cfg.Telegram.BaseURL,
		"telegram.timeout":        cfg.Telegram.Timeout,

		"stt.url":     cfg.STT.URL,
		"stt.timeout": cfg.STT.Timeout,

		"report.font_paths": cfg.Report.FontPaths,

		"logging.level":  cfg.Logging.Level,
		"logging.format": cfg.Logging.Format,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads configuration from path, or from config.yaml in the working
// directory or ./configs when path is empty. A missing default file is not
// an error. CLINICAL_SECTION_KEY env vars override file values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// TriagePolicy loads the policy file, if any, and applies threshold overrides.
func (c *Config) TriagePolicy() (triage.Policy, error) {
	p := triage.DefaultPolicy()
	if c.Policy.File != "" {
		var err error
		if p, err = triage.LoadPolicy(c.Policy.File); err != nil {
			return p, err
		}
	}
	if c.Policy.CriticalRiskThreshold > 0 {
		p.CriticalRiskThreshold = c.Policy.CriticalRiskThreshold
	}
	if c.Policy.CriticalTotalThreshold > 0 {
		p.CriticalTotalThreshold = c.Policy.CriticalTotalThreshold
	}
	if c.Policy.ComplexTotalThreshold > 0 {
		p.ComplexTotalThreshold = c.Policy.ComplexTotalThreshold
	}
	if c.Policy.PolypharmacyThreshold > 0 {
		p.PolypharmacyThreshold = c.Policy.PolypharmacyThreshold
	}
	return p, p.Validate()
}

func (c *Config) ModelConfig() agent.ModelConfig {
	return agent.ModelConfig{
		Provider:    agent.Provider(c.Inference.Provider),
		Endpoint:    c.Inference.Endpoint,
		Model:       c.Inference.Model,
		APIKey:      c.Inference.APIKey,
		Temperature: c.Inference.Temperature,
		MaxTokens:   c.Inference.MaxTokens,
	}
}
