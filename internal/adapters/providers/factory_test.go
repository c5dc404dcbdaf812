package providers

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/scoutOS/internal/adapters/agent"
	"github.com/manthysbr/scoutOS/internal/adapters/docker"
	"github.com/manthysbr/scoutOS/internal/adapters/llm"
	"github.com/manthysbr/scoutOS/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestBuild(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "")

	cfg := domain.DefaultConfig()
	ext, err := Build(testLogger(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &agent.Client{}, ext)

	cfg.Extractor.Mode = "Docker"
	ext, err = Build(testLogger(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &docker.Extractor{}, ext)

	cfg.Extractor.Mode = "llm"
	ext, err = Build(testLogger(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &llm.Extractor{}, ext)

	cfg.Extractor.Mode = "playwright"
	_, err = Build(testLogger(), cfg)
	assert.ErrorContains(t, err, "unsupported extractor mode")
}

func TestBuild_AgentNeedsBaseURL(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.Extractor.Agent.BaseURL = "  "
	_, err := Build(testLogger(), cfg)
	assert.Error(t, err)
}

func TestBuildGenerator(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "")

	gen, err := buildGenerator(domain.LLMProviderConfig{Mode: "local", LocalURL: "http://ollama:11434/v1"})
	require.NoError(t, err)
	assert.IsType(t, &llm.OllamaProvider{}, gen)

	_, err = buildGenerator(domain.LLMProviderConfig{Mode: "remote"})
	assert.ErrorContains(t, err, "remote_url is required")

	gen, err = buildGenerator(domain.LLMProviderConfig{Mode: "REMOTE", RemoteURL: "https://api.openai.com/v1", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &llm.OpenAIProvider{}, gen)

	_, err = buildGenerator(domain.LLMProviderConfig{Mode: "cloud"})
	assert.Error(t, err)
}

func TestNormalizeOllamaBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:11434", normalizeOllamaBaseURL("http://localhost:11434/v1/"))
	assert.Equal(t, "http://localhost:11434", normalizeOllamaBaseURL(" http://localhost:11434 "))
}
