package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/manthysbr/scoutOS/internal/core/domain"
)

const settingsKey = "app_config"

// SettingsRepository is the minimal DB interface for settings persistence.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// OnChangeFunc is called when settings are updated.
type OnChangeFunc func(cfg *domain.AppConfig)

// SettingsStore manages persistent settings with encrypted secrets.
// The whole AppConfig is stored as one JSON document; API keys are encrypted
// at rest and masked on read.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	secret   *SecretKey
	repo     SettingsRepository
	config   *domain.AppConfig
	onChange []OnChangeFunc
}

// NewSettingsStore loads saved settings, or persists seed (DefaultConfig when nil)
// when nothing has been saved yet.
func NewSettingsStore(ctx context.Context, logger *slog.Logger, repo SettingsRepository, secret *SecretKey, seed *domain.AppConfig) (*SettingsStore, error) {
	store := &SettingsStore{
		logger: logger,
		secret: secret,
		repo:   repo,
	}

	cfg, err := store.loadFromDB(ctx)
	if err != nil {
		logger.Warn("no saved settings found, seeding", "error", err)
		if seed == nil {
			seed = domain.DefaultConfig()
		}
		cp := *seed
		cfg = &cp
		if err := store.saveToDB(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to save initial config: %w", err)
		}
	}

	store.config = cfg
	return store, nil
}

// OnChange registers a callback for when settings are updated.
// Used by serve to hot-swap the extractor.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// GetConfig returns a copy of the current config with decrypted secrets.
func (s *SettingsStore) GetConfig() *domain.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := *s.config
	return &cp
}

// GetMaskedConfig returns config safe for API response (secrets masked).
func (s *SettingsStore) GetMaskedConfig() *domain.AppConfig {
	cp := s.GetConfig()
	cp.Extractor.Agent.APIKey = MaskSecret(cp.Extractor.Agent.APIKey)
	cp.Extractor.LLM.APIKey = MaskSecret(cp.Extractor.LLM.APIKey)
	return cp
}

// UpdateConfig validates, encrypts secrets, persists, and triggers onChange callbacks.
// An empty or masked API key in the update keeps the stored one.
func (s *SettingsStore) UpdateConfig(ctx context.Context, update *domain.AppConfig) error {
	s.mu.Lock()

	next := *update
	if next.Extractor.Agent.APIKey == "" || isMasked(next.Extractor.Agent.APIKey) {
		next.Extractor.Agent.APIKey = s.config.Extractor.Agent.APIKey
	}
	if next.Extractor.LLM.APIKey == "" || isMasked(next.Extractor.LLM.APIKey) {
		next.Extractor.LLM.APIKey = s.config.Extractor.LLM.APIKey
	}
	normalize(&next)

	if err := Validate(&next); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.saveToDB(ctx, &next); err != nil {
		s.mu.Unlock()
		return err
	}

	s.config = &next
	callbacks := append([]OnChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	s.logger.Info("settings updated",
		"extractor_mode", next.Extractor.Mode,
		"llm_mode", next.Extractor.LLM.Mode,
		"default_concurrency", next.Orchestrator.DefaultConcurrency,
	)

	for _, fn := range callbacks {
		cp := next
		fn(&cp)
	}
	return nil
}

func normalize(cfg *domain.AppConfig) {
	cfg.Extractor.Mode = strings.ToLower(strings.TrimSpace(cfg.Extractor.Mode))
	if cfg.Extractor.Mode == "" {
		cfg.Extractor.Mode = "agent"
	}
	cfg.Extractor.LLM.Mode = strings.ToLower(strings.TrimSpace(cfg.Extractor.LLM.Mode))
	if cfg.Extractor.LLM.Mode == "" {
		cfg.Extractor.LLM.Mode = "local"
	}
}

// Validate checks the cross-field rules of an AppConfig.
func Validate(cfg *domain.AppConfig) error {
	ext := cfg.Extractor
	switch ext.Mode {
	case "agent":
		if strings.TrimSpace(ext.Agent.BaseURL) == "" {
			return &domain.ValidationError{Field: "extractor.agent.base_url", Reason: "required when mode=agent"}
		}
	case "docker":
		if strings.TrimSpace(ext.Docker.Image) == "" {
			return &domain.ValidationError{Field: "extractor.docker.image", Reason: "required when mode=docker"}
		}
		if ext.Docker.ResourceCPU < 0 || ext.Docker.ResourceMem < 0 {
			return &domain.ValidationError{Field: "extractor.docker", Reason: "resource limits must not be negative"}
		}
	case "llm":
		switch ext.LLM.Mode {
		case "local":
		case "remote":
			if ext.LLM.RemoteURL == "" {
				return &domain.ValidationError{Field: "extractor.llm.remote_url", Reason: "required when mode=remote"}
			}
			if ext.LLM.APIKey == "" {
				return &domain.ValidationError{Field: "extractor.llm.api_key", Reason: "required when mode=remote"}
			}
		default:
			return &domain.ValidationError{Field: "extractor.llm.mode", Reason: fmt.Sprintf("unsupported mode %q", ext.LLM.Mode)}
		}
	default:
		return &domain.ValidationError{Field: "extractor.mode", Reason: fmt.Sprintf("unsupported mode %q", ext.Mode)}
	}

	orch := cfg.Orchestrator
	if orch.MaxConcurrency < 1 {
		return &domain.ValidationError{Field: "orchestrator.max_concurrency", Reason: "must be at least 1"}
	}
	if orch.DefaultConcurrency < 1 || orch.DefaultConcurrency > orch.MaxConcurrency {
		return &domain.ValidationError{Field: "orchestrator.default_concurrency", Reason: fmt.Sprintf("must be between 1 and %d", orch.MaxConcurrency)}
	}
	if orch.RetryAttempts < 1 {
		return &domain.ValidationError{Field: "orchestrator.retry_attempts", Reason: "must be at least 1"}
	}
	if orch.TestSampleSize < 0 || orch.EventBuffer < 0 {
		return &domain.ValidationError{Field: "orchestrator", Reason: "sizes must not be negative"}
	}
	return nil
}

func (s *SettingsStore) loadFromDB(ctx context.Context) (*domain.AppConfig, error) {
	raw, err := s.repo.GetSetting(ctx, settingsKey)
	if err != nil {
		return nil, err
	}

	var stored storedConfig
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	cfg := &domain.AppConfig{
		Extractor: domain.ExtractorConfig{
			Mode: stored.Extractor.Mode,
			Agent: domain.AgentExtractorConfig{
				BaseURL:        stored.Extractor.Agent.BaseURL,
				PollIntervalMs: stored.Extractor.Agent.PollIntervalMs,
				TimeoutSeconds: stored.Extractor.Agent.TimeoutSeconds,
			},
			Docker: stored.Extractor.Docker,
			LLM: domain.LLMProviderConfig{
				Mode:         stored.Extractor.LLM.Mode,
				LocalURL:     stored.Extractor.LLM.LocalURL,
				RemoteURL:    stored.Extractor.LLM.RemoteURL,
				DefaultModel: stored.Extractor.LLM.DefaultModel,
			},
		},
		Orchestrator: stored.Orchestrator,
	}

	// Decrypt secrets
	if stored.Extractor.Agent.EncryptedAPIKey != "" {
		key, err := s.secret.Decrypt(stored.Extractor.Agent.EncryptedAPIKey)
		if err != nil {
			s.logger.Warn("failed to decrypt agent API key", "error", err)
		} else {
			cfg.Extractor.Agent.APIKey = key
		}
	}
	if stored.Extractor.LLM.EncryptedAPIKey != "" {
		key, err := s.secret.Decrypt(stored.Extractor.LLM.EncryptedAPIKey)
		if err != nil {
			s.logger.Warn("failed to decrypt LLM API key", "error", err)
		} else {
			cfg.Extractor.LLM.APIKey = key
		}
	}

	return cfg, nil
}

func (s *SettingsStore) saveToDB(ctx context.Context, cfg *domain.AppConfig) error {
	stored := storedConfig{
		Extractor: storedExtractorConfig{
			Mode: cfg.Extractor.Mode,
			Agent: storedAgentConfig{
				BaseURL:        cfg.Extractor.Agent.BaseURL,
				PollIntervalMs: cfg.Extractor.Agent.PollIntervalMs,
				TimeoutSeconds: cfg.Extractor.Agent.TimeoutSeconds,
			},
			Docker: cfg.Extractor.Docker,
			LLM: storedProviderConfig{
				Mode:         cfg.Extractor.LLM.Mode,
				LocalURL:     cfg.Extractor.LLM.LocalURL,
				RemoteURL:    cfg.Extractor.LLM.RemoteURL,
				DefaultModel: cfg.Extractor.LLM.DefaultModel,
			},
		},
		Orchestrator: cfg.Orchestrator,
	}

	if cfg.Extractor.Agent.APIKey != "" {
		enc, err := s.secret.Encrypt(cfg.Extractor.Agent.APIKey)
		if err != nil {
			return fmt.Errorf("encrypt agent API key: %w", err)
		}
		stored.Extractor.Agent.EncryptedAPIKey = enc
	}
	if cfg.Extractor.LLM.APIKey != "" {
		enc, err := s.secret.Encrypt(cfg.Extractor.LLM.APIKey)
		if err != nil {
			return fmt.Errorf("encrypt LLM API key: %w", err)
		}
		stored.Extractor.LLM.EncryptedAPIKey = enc
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	return s.repo.SaveSetting(ctx, settingsKey, string(raw))
}

// storedConfig is the DB representation with encrypted fields
type storedConfig struct {
	Extractor    storedExtractorConfig     `json:"extractor"`
	Orchestrator domain.OrchestratorConfig `json:"orchestrator"`
}

type storedExtractorConfig struct {
	Mode   string                       `json:"mode"`
	Agent  storedAgentConfig            `json:"agent"`
	Docker domain.DockerExtractorConfig `json:"docker"`
	LLM    storedProviderConfig         `json:"llm"`
}

type storedAgentConfig struct {
	BaseURL         string `json:"base_url"`
	EncryptedAPIKey string `json:"encrypted_api_key,omitempty"`
	PollIntervalMs  int    `json:"poll_interval_ms"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
}

type storedProviderConfig struct {
	Mode            string `json:"mode"`
	LocalURL        string `json:"local_url"`
	RemoteURL       string `json:"remote_url"`
	EncryptedAPIKey string `json:"encrypted_api_key,omitempty"`
	DefaultModel    string `json:"default_model"`
}

func isMasked(s string) bool {
	return strings.HasPrefix(s, "****")
}
