package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  backend: ollama
workspace:
  root: /tmp/ws
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Orchestrator.MaxWorkers)
	assert.Equal(t, 25, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 30, cfg.Docker.StopTimeoutSecs)
	assert.Equal(t, "ubuntu:24.04", cfg.Docker.Image)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, `
llm:
  backend: mainframe
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mainframe")
}

func TestLoadRequiresAPIKeyForHostedBackends(t *testing.T) {
	t.Setenv("CONDUCTOR_LLM_API_KEY", "")
	path := writeConfig(t, `
llm:
  backend: anthropic
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestLoadReadsAPIKeyFromEnv(t *testing.T) {
	t.Setenv("CONDUCTOR_LLM_API_KEY", "sk-test-123")
	path := writeConfig(t, `
llm:
  backend: anthropic
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.LLM.APIKey)
}

func TestEncryptedAPIKeyRoundTrip(t *testing.T) {
	enc, err := EncryptValue("sk-super-secret", "passphrase")
	require.NoError(t, err)

	t.Setenv("CONDUCTOR_SECRETS_KEY", "passphrase")
	path := writeConfig(t, `
llm:
  backend: openai
  api_key: "`+enc+`"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-super-secret", cfg.LLM.APIKey)
}

func TestDecryptValueWrongPassphrase(t *testing.T) {
	enc, err := EncryptValue("value", "right")
	require.NoError(t, err)

	_, err = DecryptValue(enc, "wrong")
	assert.Error(t, err)
}

func TestRedactedHidesAPIKey(t *testing.T) {
	cfg := Config{LLM: LLMConfig{APIKey: "sk-visible"}}
	assert.NotContains(t, cfg.Redacted().LLM.APIKey, "sk-visible")
}

func TestModelOrDefault(t *testing.T) {
	assert.Equal(t, ModelClaudeSonnetLatest, (&LLMConfig{Backend: BackendAnthropic}).ModelOrDefault())
	assert.Equal(t, "custom", (&LLMConfig{Backend: BackendAnthropic, Model: "custom"}).ModelOrDefault())
}
