package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/manthysbr/scoutOS/internal/core/domain"
)

// ServerConfig holds process-level settings that are fixed for the life of the process.
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	DBPath      string   `yaml:"db_path"` // empty runs DuckDB in memory
	LogLevel    string   `yaml:"log_level"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// FileConfig is the shape of scout.yaml. The AppConfig part only seeds the
// settings store on first start; after that the stored settings win.
type FileConfig struct {
	Server ServerConfig     `yaml:"server"`
	App    domain.AppConfig `yaml:",inline"`
}

func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		Server: ServerConfig{
			Addr:        ":8080",
			DBPath:      "scout.db",
			LogLevel:    "info",
			CORSOrigins: []string{"*"},
		},
		App: *domain.DefaultConfig(),
	}
}

// SlogLevel parses LogLevel, falling back to info.
func (s ServerConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// LoadYAML loads a YAML file into the provided struct.
func LoadYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse YAML from %s: %w", path, err)
	}
	return nil
}

// SaveYAML saves a struct to a YAML file.
func SaveYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}
	return nil
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// LoadYAMLOrDefault decodes the file over the defaults, so keys the file
// leaves out keep their default values. A missing file yields the defaults.
func LoadYAMLOrDefault[T any](path string, defaultFn func() *T) (*T, error) {
	v := defaultFn()
	if path == "" || !FileExists(path) {
		return v, nil
	}
	if err := LoadYAML(path, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Load reads the YAML file (if any), overlays SCOUT_* environment variables and validates.
func Load(path string) (*FileConfig, error) {
	cfg, err := LoadYAMLOrDefault(path, DefaultFileConfig)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	normalize(&cfg.App)
	if err := Validate(&cfg.App); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays SCOUT_* variables onto cfg. lookup is os.LookupEnv outside tests.
func ApplyEnv(cfg *FileConfig, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return &domain.ValidationError{Field: name, Reason: "must be an integer"}
		}
		*dst = n
		return nil
	}

	str("SCOUT_ADDR", &cfg.Server.Addr)
	str("SCOUT_DB_PATH", &cfg.Server.DBPath)
	str("SCOUT_LOG_LEVEL", &cfg.Server.LogLevel)
	if v, ok := lookup("SCOUT_CORS_ORIGINS"); ok {
		cfg.Server.CORSOrigins = splitList(v)
	}

	ext := &cfg.App.Extractor
	str("SCOUT_EXTRACTOR_MODE", &ext.Mode)
	str("SCOUT_AGENT_URL", &ext.Agent.BaseURL)
	str("SCOUT_AGENT_API_KEY", &ext.Agent.APIKey)
	str("SCOUT_DOCKER_IMAGE", &ext.Docker.Image)
	str("SCOUT_LLM_MODE", &ext.LLM.Mode)
	str("SCOUT_LLM_REMOTE_URL", &ext.LLM.RemoteURL)
	str("SCOUT_LLM_API_KEY", &ext.LLM.APIKey)
	str("SCOUT_LLM_MODEL", &ext.LLM.DefaultModel)

	orch := &cfg.App.Orchestrator
	for name, dst := range map[string]*int{
		"SCOUT_AGENT_TIMEOUT_SECONDS":  &ext.Agent.TimeoutSeconds,
		"SCOUT_DOCKER_TIMEOUT_SECONDS": &ext.Docker.TimeoutSeconds,
		"SCOUT_DEFAULT_CONCURRENCY":    &orch.DefaultConcurrency,
		"SCOUT_MAX_CONCURRENCY":        &orch.MaxConcurrency,
		"SCOUT_TEST_SAMPLE_SIZE":       &orch.TestSampleSize,
		"SCOUT_RETRY_ATTEMPTS":         &orch.RetryAttempts,
		"SCOUT_EVENT_BUFFER":           &orch.EventBuffer,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
