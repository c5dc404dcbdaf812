package domain

// ExtractorConfig selects and configures the extraction backend.
type ExtractorConfig struct {
	Mode string `json:"mode" yaml:"mode"` // "agent", "docker" or "llm"

	Agent  AgentExtractorConfig  `json:"agent" yaml:"agent"`
	Docker DockerExtractorConfig `json:"docker" yaml:"docker"`
	LLM    LLMProviderConfig     `json:"llm" yaml:"llm"`
}

// AgentExtractorConfig configures a remote browser-agent HTTP API.
type AgentExtractorConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	APIKey         string `json:"api_key" yaml:"api_key"` // Encrypted in storage
	PollIntervalMs int    `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// DockerExtractorConfig configures the one-container-per-attempt agent.
type DockerExtractorConfig struct {
	Image          string  `json:"image" yaml:"image"`
	ResourceCPU    float64 `json:"resource_cpu" yaml:"resource_cpu"` // 0.5 = 50% core
	ResourceMem    int64   `json:"resource_mem" yaml:"resource_mem"` // in bytes
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// LLMProviderConfig configures the LLM provider
type LLMProviderConfig struct {
	Mode         string `json:"mode" yaml:"mode"`                   // "local" or "remote"
	LocalURL     string `json:"local_url" yaml:"local_url"`         // "http://localhost:11434/v1"
	RemoteURL    string `json:"remote_url" yaml:"remote_url"`       // "https://api.openai.com/v1"
	APIKey       string `json:"api_key" yaml:"api_key"`             // Encrypted in storage
	DefaultModel string `json:"default_model" yaml:"default_model"` // "gemma3:12b" or "gpt-4o-mini"
}

// OrchestratorConfig holds execution defaults.
type OrchestratorConfig struct {
	DefaultConcurrency int `json:"default_concurrency" yaml:"default_concurrency"`
	MaxConcurrency     int `json:"max_concurrency" yaml:"max_concurrency"`
	TestSampleSize     int `json:"test_sample_size" yaml:"test_sample_size"`
	RetryAttempts      int `json:"retry_attempts" yaml:"retry_attempts"`
	EventBuffer        int `json:"event_buffer" yaml:"event_buffer"`
}

// AppConfig is the runtime-editable configuration persisted by the settings store.
type AppConfig struct {
	Extractor    ExtractorConfig    `json:"extractor" yaml:"extractor"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Extractor: ExtractorConfig{
			Mode: "agent",
			Agent: AgentExtractorConfig{
				BaseURL:        "http://localhost:8090",
				PollIntervalMs: 2000,
				TimeoutSeconds: 300,
			},
			Docker: DockerExtractorConfig{
				Image:          "scoutos/browser-agent:latest",
				ResourceCPU:    1,
				ResourceMem:    1 << 30,
				TimeoutSeconds: 300,
			},
			LLM: LLMProviderConfig{
				Mode:         "local",
				LocalURL:     "http://localhost:11434/v1",
				DefaultModel: "gemma3:12b",
			},
		},
		Orchestrator: OrchestratorConfig{
			DefaultConcurrency: 5,
			MaxConcurrency:     50,
			TestSampleSize:     10,
			RetryAttempts:      3,
			EventBuffer:        256,
		},
	}
}
