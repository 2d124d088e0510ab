package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"conductor/pkg/errs"
)

// Environment variables consulted for secrets not present in the file.
const (
	envAPIKey     = "CONDUCTOR_LLM_API_KEY"
	envSecretsKey = "CONDUCTOR_SECRETS_KEY"
)

// Load reads, decrypts, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Configuration("reading config %s: %v", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errs.Configuration("parsing config %s: %v", path, err)
	}

	applyDefaults(&cfg)

	if err := resolveSecrets(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Orchestrator.MaxWorkers == 0 {
		cfg.Orchestrator.MaxWorkers = 4
	}
	if cfg.Orchestrator.MaxIterations == 0 {
		cfg.Orchestrator.MaxIterations = 25
	}
	if cfg.Orchestrator.MaxTokensPerTurn == 0 {
		cfg.Orchestrator.MaxTokensPerTurn = 8192
	}
	if cfg.Docker.Image == "" {
		cfg.Docker.Image = "ubuntu:24.04"
	}
	if cfg.Docker.StopTimeoutSecs == 0 {
		cfg.Docker.StopTimeoutSecs = 30
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = os.TempDir() + "/conductor-workspaces"
	}
	if cfg.Workspace.MaxAgeHours == 0 {
		cfg.Workspace.MaxAgeHours = 24
	}
	if cfg.TaskStore.Path == "" {
		cfg.TaskStore.Path = "conductor.db"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

// resolveSecrets fills secret-bearing fields from the environment and
// decrypts any enc: values using CONDUCTOR_SECRETS_KEY.
func resolveSecrets(cfg *Config) error {
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv(envAPIKey)
	}

	if strings.HasPrefix(cfg.LLM.APIKey, encPrefix) {
		passphrase := os.Getenv(envSecretsKey)
		if passphrase == "" {
			return errs.Configuration("llm.api_key is encrypted but %s is not set", envSecretsKey)
		}
		plain, err := DecryptValue(cfg.LLM.APIKey, passphrase)
		if err != nil {
			return errs.Configuration("decrypting llm.api_key: %v", err)
		}
		cfg.LLM.APIKey = plain
	}
	return nil
}

// Redacted returns a copy of the config safe for logging.
func (c *Config) Redacted() Config {
	out := *c
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = fmt.Sprintf("<redacted:%d chars>", len(c.LLM.APIKey))
	}
	return out
}
