// Package config defines the orchestrator configuration, its YAML loader,
// and fail-fast validation. Invalid configuration is rejected before any
// worker, workspace, or container is created.
package config

import (
	"strings"

	"conductor/pkg/errs"
	"conductor/pkg/logx"
)

// Provider backend identifiers accepted in the llm section.
const (
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
	BackendGoogle    = "google"
	BackendOllama    = "ollama"
)

// Default model names per backend.
const (
	ModelClaudeSonnetLatest = "claude-sonnet-4-5"
	ModelGPT5               = "gpt-5"
	ModelGeminiFlash        = "gemini-2.5-flash"
	ModelOllamaDefault      = "qwen3-coder:30b"
)

// ModelPricing holds per-million-token prices used for cost accounting.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// KnownModels maps model names to pricing. Unknown models accumulate zero
// cost rather than failing the run.
var KnownModels = map[string]ModelPricing{
	ModelClaudeSonnetLatest: {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-opus-4-5":       {InputPerMTok: 5.00, OutputPerMTok: 25.00},
	ModelGPT5:               {InputPerMTok: 1.25, OutputPerMTok: 10.00},
	"gpt-5-mini":            {InputPerMTok: 0.25, OutputPerMTok: 2.00},
	ModelGeminiFlash:        {InputPerMTok: 0.30, OutputPerMTok: 2.50},
	"gemini-2.5-pro":        {InputPerMTok: 1.25, OutputPerMTok: 10.00},
}

// Config is the root configuration document.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	LLM          LLMConfig          `yaml:"llm"`
	Docker       DockerConfig       `yaml:"docker"`
	Workspace    WorkspaceConfig    `yaml:"workspace"`
	TaskStore    TaskStoreConfig    `yaml:"task_store"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      logx.Config        `yaml:"logging"`
}

// OrchestratorConfig bounds concurrent work.
type OrchestratorConfig struct {
	MaxWorkers       int `yaml:"max_workers"`
	MaxPerRepo       int `yaml:"max_per_repo"`
	MaxPerUser       int `yaml:"max_per_user"`
	MaxIterations    int `yaml:"max_iterations"`
	MaxTokensPerTurn int `yaml:"max_tokens_per_turn"`
}

// LLMConfig selects and configures the model backend.
type LLMConfig struct {
	Backend   string `yaml:"backend"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	OllamaURL string `yaml:"ollama_url"`
}

// DockerConfig configures the container runtime boundary.
type DockerConfig struct {
	Host            string  `yaml:"host"`
	APIVersion      string  `yaml:"api_version"`
	Image           string  `yaml:"image"`
	CPULimit        float64 `yaml:"cpu_limit"`
	MemoryLimitMB   int64   `yaml:"memory_limit_mb"`
	StopTimeoutSecs int     `yaml:"stop_timeout_secs"`
	NetworkMode     string  `yaml:"network_mode"`
}

// WorkspaceConfig configures staging directory allocation.
type WorkspaceConfig struct {
	Root        string `yaml:"root"`
	MaxAgeHours int    `yaml:"max_age_hours"`
}

// TaskStoreConfig locates the task database.
type TaskStoreConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig configures the metrics endpoint and optional Prometheus
// rollup queries.
type MetricsConfig struct {
	Addr          string `yaml:"addr"`
	PrometheusURL string `yaml:"prometheus_url"`
}

// Validate checks the configuration and returns a configuration error on the
// first problem found. Called once at startup, before any work begins.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxWorkers <= 0 {
		return errs.Configuration("orchestrator.max_workers must be positive, got %d", c.Orchestrator.MaxWorkers)
	}
	if c.Orchestrator.MaxIterations <= 0 {
		return errs.Configuration("orchestrator.max_iterations must be positive, got %d", c.Orchestrator.MaxIterations)
	}

	switch c.LLM.Backend {
	case BackendAnthropic, BackendOpenAI, BackendGoogle:
		if c.LLM.APIKey == "" {
			return errs.Configuration("llm.api_key is required for backend %q", c.LLM.Backend)
		}
	case BackendOllama:
		// Local runtime, no key required.
	case "":
		return errs.Configuration("llm.backend is required (one of: %s)", strings.Join(
			[]string{BackendAnthropic, BackendOpenAI, BackendGoogle, BackendOllama}, ", "))
	default:
		return errs.Configuration("unknown llm.backend %q", c.LLM.Backend)
	}

	if c.Docker.Image == "" {
		return errs.Configuration("docker.image is required")
	}
	if c.Docker.CPULimit < 0 {
		return errs.Configuration("docker.cpu_limit must not be negative")
	}
	if c.Docker.MemoryLimitMB < 0 {
		return errs.Configuration("docker.memory_limit_mb must not be negative")
	}
	if c.Workspace.Root == "" {
		return errs.Configuration("workspace.root is required")
	}
	return nil
}

// Model returns the configured model name, falling back to the backend
// default.
func (c *LLMConfig) ModelOrDefault() string {
	if c.Model != "" {
		return c.Model
	}
	switch c.Backend {
	case BackendAnthropic:
		return ModelClaudeSonnetLatest
	case BackendOpenAI:
		return ModelGPT5
	case BackendGoogle:
		return ModelGeminiFlash
	case BackendOllama:
		return ModelOllamaDefault
	}
	return ""
}
