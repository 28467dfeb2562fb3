package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// BackendConfig holds model-backend selection and failover settings.
type BackendConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai".
	Provider string `yaml:"provider"`

	// Model is the model name for the configured provider.
	Model string `yaml:"model"`

	// FallbackProviders is the ordered list of providers to try when the
	// primary fails.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the number of consecutive failures before a
	// provider's circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is the duration before a tripped breaker
	// resets. Default 300 (5 minutes).
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`

	// InvokeTimeoutSeconds bounds a single backend invocation. A timed-out
	// call is a retryable failure. Default 120.
	InvokeTimeoutSeconds int `yaml:"invoke_timeout_seconds"`
}

// QueueConfig controls submission limits and dispatch concurrency.
type QueueConfig struct {
	// Capacity is the maximum number of concurrently running tasks.
	Capacity int `yaml:"capacity"`

	// MaxContentBytes bounds the size of a submitted request. Oversized
	// submissions are rejected synchronously.
	MaxContentBytes int `yaml:"max_content_bytes"`

	// MaxPending bounds the number of queued tasks. 0 = unlimited.
	MaxPending int `yaml:"max_pending"`

	// DispatchTickMS is the fallback poll interval of the dispatch loop.
	// Slot releases wake the loop immediately; the ticker only covers
	// clock-driven conditions like retry availability.
	DispatchTickMS int `yaml:"dispatch_tick_ms"`
}

// CoordinatorConfig controls the draft/review repair loop.
type CoordinatorConfig struct {
	// MaxRepairAttempts bounds review-driven revision rounds per task.
	MaxRepairAttempts int `yaml:"max_repair_attempts"`

	// RetryMaxAttempts bounds backend invocation retries per call site.
	RetryMaxAttempts int `yaml:"retry_max_attempts"`

	// RetryBaseDelayMS and RetryMaxDelayMS bound the backoff between retries.
	RetryBaseDelayMS int `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMS  int `yaml:"retry_max_delay_ms"`

	// TaskTimeoutSeconds bounds a whole task execution.
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
}

// MemoryConfig holds context assembly and summarization thresholds.
// These are tunables, not contracts; defaults match typical chat traffic.
type MemoryConfig struct {
	RecentTurns         int `yaml:"recent_turns"`          // raw turns injected (default 12)
	BudgetTokens        int `yaml:"budget_tokens"`         // context budget (default 8000)
	SummaryTriggerTurns int `yaml:"summary_trigger_turns"` // summarize after N turns (default 20)
	SummaryTriggerBytes int `yaml:"summary_trigger_bytes"` // or after M bytes (default 16384)
	RetrievalTopK       int `yaml:"retrieval_top_k"`       // memory entries injected (default 4)
	RetrievalMinTurns   int `yaml:"retrieval_min_turns"`   // gate: session length threshold (default 6)
}

// RoleConfig declares an agent role the router can select.
type RoleConfig struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Instructions string   `yaml:"instructions"`
	Keywords     []string `yaml:"keywords"` // classifier hints; empty = fallback role
}

// CapabilityConfig declares a callable tool exposed to the backend.
type CapabilityConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	InputSchema string `yaml:"input_schema"` // JSON Schema document
}

// MaintenanceConfig holds cron-driven housekeeping schedules (5-field cron).
// Empty schedule disables the job.
type MaintenanceConfig struct {
	SessionRetentionCron string `yaml:"session_retention_cron"`
	SessionRetentionDays int    `yaml:"session_retention_days"`
	TurnArchiveCron      string `yaml:"turn_archive_cron"`
}

// OtelConfig mirrors the telemetry exporter settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	LogLevel  string `yaml:"log_level"`

	// Providers holds per-provider API keys and endpoints.
	Providers map[string]ProviderConfig `yaml:"providers"`

	Backend     BackendConfig      `yaml:"backend"`
	Queue       QueueConfig        `yaml:"queue"`
	Coordinator CoordinatorConfig  `yaml:"coordinator"`
	Memory      MemoryConfig       `yaml:"memory"`
	Roles       []RoleConfig       `yaml:"roles"`
	Reviewer    RoleConfig         `yaml:"reviewer"`
	Capability  []CapabilityConfig `yaml:"capabilities"`
	Maintenance MaintenanceConfig  `yaml:"maintenance"`
	Otel        OtelConfig         `yaml:"otel"`
}

// ProviderAPIKey returns the API key for the named LLM provider.
// Env vars take precedence: ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":    "GOOGLE_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	return ""
}

// BackendFingerprint returns a stable hash of the active backend identity.
// The kernel compares fingerprints across refreshes to detect backend drift.
func (c Config) BackendFingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "provider=%s|model=%s|fallbacks=%v|timeout=%d",
		c.Backend.Provider, c.Backend.Model, c.Backend.FallbackProviders,
		c.Backend.InvokeTimeoutSeconds)
	// Key presence (not the key itself) is part of identity: a key appearing
	// or disappearing changes which providers are usable.
	for _, p := range append([]string{c.Backend.Provider}, c.Backend.FallbackProviders...) {
		fmt.Fprintf(h, "|key:%s=%t", p, c.ProviderAPIKey(p) != "")
	}
	return fmt.Sprintf("be-%x", h.Sum64())
}

// CapabilityFingerprint returns a stable hash of the declared tool set.
func (c Config) CapabilityFingerprint() string {
	caps := make([]CapabilityConfig, len(c.Capability))
	copy(caps, c.Capability)
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	h := fnv.New64a()
	for _, cap := range caps {
		fmt.Fprintf(h, "%s|%s|%s;", cap.Name, cap.Description, cap.InputSchema)
	}
	return fmt.Sprintf("cap-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18990",
		LogLevel: "info",
		Backend: BackendConfig{
			Provider:                "anthropic",
			FailoverThreshold:       5,
			FailoverCooldownSeconds: int((5 * time.Minute).Seconds()),
			InvokeTimeoutSeconds:    120,
		},
		Queue: QueueConfig{
			Capacity:        4,
			MaxContentBytes: 64 * 1024,
			MaxPending:      200,
			DispatchTickMS:  100,
		},
		Coordinator: CoordinatorConfig{
			MaxRepairAttempts:  2,
			RetryMaxAttempts:   3,
			RetryBaseDelayMS:   1000,
			RetryMaxDelayMS:    30000,
			TaskTimeoutSeconds: int((10 * time.Minute).Seconds()),
		},
		Memory: MemoryConfig{
			RecentTurns:         12,
			BudgetTokens:        8000,
			SummaryTriggerTurns: 20,
			SummaryTriggerBytes: 16 * 1024,
			RetrievalTopK:       4,
			RetrievalMinTurns:   6,
		},
		Maintenance: MaintenanceConfig{
			SessionRetentionDays: 30,
		},
	}
}

// HomeDir resolves the engine home, honoring the LOOM_HOME override.
func HomeDir() string {
	if override := os.Getenv("LOOM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".loom")
}

// Load reads config.yaml from the engine home, applying defaults for any
// missing field. A missing file is not an error; a malformed one is.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads configuration out of an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create loom home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOOM_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("LOOM_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Backend.Provider == "" {
		cfg.Backend.Provider = "anthropic"
	}
	if cfg.Backend.FailoverThreshold <= 0 {
		cfg.Backend.FailoverThreshold = 5
	}
	if cfg.Backend.FailoverCooldownSeconds <= 0 {
		cfg.Backend.FailoverCooldownSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.Backend.InvokeTimeoutSeconds <= 0 {
		cfg.Backend.InvokeTimeoutSeconds = 120
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 4
	}
	if cfg.Queue.MaxContentBytes <= 0 {
		cfg.Queue.MaxContentBytes = 64 * 1024
	}
	if cfg.Queue.DispatchTickMS <= 0 {
		cfg.Queue.DispatchTickMS = 100
	}
	if cfg.Coordinator.MaxRepairAttempts < 0 {
		cfg.Coordinator.MaxRepairAttempts = 0
	}
	if cfg.Coordinator.MaxRepairAttempts == 0 {
		cfg.Coordinator.MaxRepairAttempts = 2
	}
	if cfg.Coordinator.RetryMaxAttempts <= 0 {
		cfg.Coordinator.RetryMaxAttempts = 3
	}
	if cfg.Coordinator.RetryBaseDelayMS <= 0 {
		cfg.Coordinator.RetryBaseDelayMS = 1000
	}
	if cfg.Coordinator.RetryMaxDelayMS <= 0 {
		cfg.Coordinator.RetryMaxDelayMS = 30000
	}
	if cfg.Coordinator.TaskTimeoutSeconds <= 0 {
		cfg.Coordinator.TaskTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	m := &cfg.Memory
	if m.RecentTurns <= 0 {
		m.RecentTurns = 12
	}
	if m.BudgetTokens <= 0 {
		m.BudgetTokens = 8000
	}
	if m.SummaryTriggerTurns <= 0 {
		m.SummaryTriggerTurns = 20
	}
	if m.SummaryTriggerBytes <= 0 {
		m.SummaryTriggerBytes = 16 * 1024
	}
	if m.RetrievalTopK <= 0 {
		m.RetrievalTopK = 4
	}
	if m.RetrievalMinTurns <= 0 {
		m.RetrievalMinTurns = 6
	}
	if cfg.Maintenance.SessionRetentionDays <= 0 {
		cfg.Maintenance.SessionRetentionDays = 30
	}
	if len(cfg.Roles) == 0 {
		cfg.Roles = starterRoles()
	}
}

// starterRoles seeds a usable role set when config.yaml declares none.
// The first role is the router's fallback.
func starterRoles() []RoleConfig {
	return []RoleConfig{
		{
			Name:         "assistant",
			Description:  "General-purpose responder",
			Instructions: "You are a concise, helpful assistant. Answer directly.",
		},
		{
			Name:         "coder",
			Description:  "Writes and explains code",
			Instructions: "You are a careful software engineer. Produce working code with brief explanations.",
			Keywords:     []string{"code", "function", "bug", "compile", "implement", "refactor", "test"},
		},
		{
			Name:         "researcher",
			Description:  "Summarizes and investigates",
			Instructions: "You research and summarize. Cite what you rely on and flag uncertainty.",
			Keywords:     []string{"research", "summarize", "compare", "investigate", "explain"},
		},
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool)
	for _, role := range cfg.Roles {
		name := strings.TrimSpace(role.Name)
		if name == "" {
			return fmt.Errorf("role with empty name in config")
		}
		if seen[name] {
			return fmt.Errorf("duplicate role %q in config", name)
		}
		seen[name] = true
	}
	for _, cap := range cfg.Capability {
		if strings.TrimSpace(cap.Name) == "" {
			return fmt.Errorf("capability with empty name in config")
		}
	}
	switch cfg.Backend.Provider {
	case "google", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown backend provider %q", cfg.Backend.Provider)
	}
	return nil
}
