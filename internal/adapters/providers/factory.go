package providers

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/manthysbr/scoutOS/internal/adapters/agent"
	"github.com/manthysbr/scoutOS/internal/adapters/docker"
	"github.com/manthysbr/scoutOS/internal/adapters/llm"
	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
)

// Build creates the extraction backend selected by the app configuration.
// It hides agent/docker/llm selection from callers.
func Build(logger *slog.Logger, config *domain.AppConfig) (ports.Extractor, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}
	ext := config.Extractor

	mode := strings.ToLower(strings.TrimSpace(ext.Mode))
	switch mode {
	case "", "agent":
		client, err := agent.NewClient(logger, agent.Options{
			BaseURL:      strings.TrimSpace(ext.Agent.BaseURL),
			APIKey:       strings.TrimSpace(ext.Agent.APIKey),
			PollInterval: time.Duration(ext.Agent.PollIntervalMs) * time.Millisecond,
			Timeout:      time.Duration(ext.Agent.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "docker":
		extractor, err := docker.NewExtractor(logger, ext.Docker)
		if err != nil {
			return nil, err
		}
		return extractor, nil
	case "llm":
		gen, err := buildGenerator(ext.LLM)
		if err != nil {
			return nil, err
		}
		return llm.NewExtractor(logger, gen, nil), nil
	default:
		return nil, fmt.Errorf("unsupported extractor mode: %s", ext.Mode)
	}
}

func buildGenerator(cfg domain.LLMProviderConfig) (llm.Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "local":
		baseURL := strings.TrimSpace(os.Getenv("OLLAMA_HOST"))
		if baseURL == "" {
			baseURL = strings.TrimSpace(cfg.LocalURL)
		}
		baseURL = normalizeOllamaBaseURL(baseURL)
		return llm.NewOllamaProvider(baseURL, strings.TrimSpace(cfg.DefaultModel)), nil
	case "remote":
		if strings.TrimSpace(cfg.RemoteURL) == "" {
			return nil, fmt.Errorf("llm remote_url is required when mode=remote")
		}
		return llm.NewOpenAIProvider(
			strings.TrimSpace(cfg.RemoteURL),
			strings.TrimSpace(cfg.APIKey),
			strings.TrimSpace(cfg.DefaultModel),
		), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider mode: %s", cfg.Mode)
	}
}

func normalizeOllamaBaseURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return strings.TrimSuffix(trimmed, "/v1")
	}
	return trimmed
}
