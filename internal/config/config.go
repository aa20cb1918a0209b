// Package config holds the immutable Peer configuration. It is loaded once
// at startup and passed explicitly to every component; nothing reads the
// environment mid-pipeline.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Default values applied when neither config file nor environment provide one.
const (
	DefaultServerAddr       = ":8080"
	DefaultWebhookBodyLimit = 1 << 20

	DefaultAnalyzeWorkers = 2
	DefaultAutofixWorkers = 4
	DefaultApplyWorkers   = 1
	DefaultJobAttempts    = 3
	DefaultRetryBase      = 2 * time.Second

	DefaultLLMTimeout        = 20 * time.Second
	DefaultGeminiTimeout     = 30 * time.Second
	DefaultMaxPatchesPerFile = 5
	DefaultCacheTTL          = 24 * time.Hour
	DefaultMaxAIFiles        = 10
	DefaultAIParallelism     = 4

	DefaultPreviewTimeBudget      = 30 * time.Second
	DefaultPreviewInitialMaxFiles = 30
	DefaultPreviewSaveEvery       = 5

	DefaultMaxFilesPerRun = 50
	DefaultMergeMethod    = "merge"
)

// LLM fix strategies.
const (
	StrategyMinimal = "minimal"
	StrategyFull    = "full"
)

// LLM assist modes for preview generation.
const (
	AssistAlways        = "always"
	AssistAuto          = "auto"
	AssistUnchangedOnly = "unchanged_only"
)

// ErrInvalidStrategy is returned when llm.strategy is not minimal or full.
var ErrInvalidStrategy = errors.New("config: invalid llm strategy")

// ErrInvalidAssistMode is returned when llm.assist_mode is unknown.
var ErrInvalidAssistMode = errors.New("config: invalid llm assist mode")

// ErrInvalidWorkerCount is returned when a queue worker count is below one.
var ErrInvalidWorkerCount = errors.New("config: worker count must be at least 1")

// ErrMissingWebhookSecret is returned in serve mode when no webhook secret
// is configured.
var ErrMissingWebhookSecret = errors.New("config: webhook secret is required")

// Config is the root configuration value.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Preview   PreviewConfig   `mapstructure:"preview"`
	Git       GitConfig       `mapstructure:"git"`
	Host      HostConfig      `mapstructure:"host"`
	Analyze   AnalyzeConfig   `mapstructure:"analyze"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	// Addr is the listen address for the HTTP server.
	Addr string `mapstructure:"addr"`

	// WebhookSecret keys the HMAC-SHA256 webhook signature check.
	WebhookSecret string `mapstructure:"webhook_secret"`

	// WebhookBodyLimit caps the accepted webhook body size in bytes.
	WebhookBodyLimit int64 `mapstructure:"webhook_body_limit"`
}

// RedisConfig configures the Redis K/V store. An empty Addr selects the
// in-memory store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig configures per-queue worker concurrency and retry policy.
type QueueConfig struct {
	AnalyzeWorkers int `mapstructure:"analyze_workers"`
	AutofixWorkers int `mapstructure:"autofix_workers"`
	ApplyWorkers   int `mapstructure:"apply_workers"`

	// JobAttempts bounds retries for retryable job failures.
	JobAttempts int `mapstructure:"job_attempts"`

	// RetryBase is the exponential backoff base between attempts.
	RetryBase time.Duration `mapstructure:"retry_base"`
}

// LLMConfig configures the provider router and fix strategies.
type LLMConfig struct {
	// Provider forces a specific provider, bypassing complexity routing.
	Provider string `mapstructure:"provider"`

	// Strategy selects minimal line patches or full-file rewrites.
	Strategy string `mapstructure:"strategy"`

	// Timeout bounds a single provider call.
	Timeout time.Duration `mapstructure:"timeout"`

	// GeminiTimeout bounds Gemini calls, which run longer in practice.
	GeminiTimeout time.Duration `mapstructure:"gemini_timeout"`

	// MaxPatchesPerFile caps minimal patches applied to one file.
	MaxPatchesPerFile int `mapstructure:"max_patches_per_file"`

	// AllowMultiLine permits LLM patches flagged multi_line.
	AllowMultiLine bool `mapstructure:"allow_multi_line"`

	// AssistMode controls when the LLM augments deterministic fixes:
	// always, auto, or unchanged_only.
	AssistMode string `mapstructure:"assist_mode"`

	// CacheEnabled toggles the content-addressed response cache.
	CacheEnabled bool `mapstructure:"cache_enabled"`

	// CacheTTL is the response cache expiry.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// EnableComplexity turns on the simple/complex routing classifier.
	EnableComplexity bool `mapstructure:"enable_complexity"`

	// Keys are the platform provider credentials, by provider name.
	Keys ProviderKeys `mapstructure:"keys"`
}

// ProviderKeys holds one API key per supported provider.
type ProviderKeys struct {
	OpenAI     string `mapstructure:"openai"`
	Groq       string `mapstructure:"groq"`
	DeepSeek   string `mapstructure:"deepseek"`
	OpenRouter string `mapstructure:"openrouter"`
	Gemini     string `mapstructure:"gemini"`
}

// PreviewConfig configures progressive preview persistence.
type PreviewConfig struct {
	// TimeBudget is the soft budget before the first partial save.
	TimeBudget time.Duration `mapstructure:"time_budget"`

	// InitialMaxFiles is the file count triggering the first partial save.
	InitialMaxFiles int `mapstructure:"initial_max_files"`

	// SaveEvery is the file interval between partial saves after the first.
	SaveEvery int `mapstructure:"save_every"`
}

// GitConfig configures workspace materialization.
type GitConfig struct {
	// BaseDir is the parent directory for ephemeral checkouts.
	// Empty uses the system temp directory.
	BaseDir string `mapstructure:"base_dir"`
}

// HostConfig configures the outbound source-control host client.
type HostConfig struct {
	// AppID is the host application id for installation-token auth.
	AppID int64 `mapstructure:"app_id"`

	// PrivateKeyPath points at the application PEM key.
	PrivateKeyPath string `mapstructure:"private_key_path"`

	// Token is a personal access token, used by the CLI and tests in
	// place of installation auth.
	Token string `mapstructure:"token"`

	// MergeMethod is the auto-merge method: merge, squash, or rebase.
	MergeMethod string `mapstructure:"merge_method"`
}

// AnalyzeConfig configures the analyzer orchestration.
type AnalyzeConfig struct {
	// MaxFilesPerRun caps the changed files fed to analyzers per run.
	MaxFilesPerRun int `mapstructure:"max_files_per_run"`

	// MaxAIFiles caps the files sent to the AI analyzer per run.
	MaxAIFiles int `mapstructure:"max_ai_files"`

	// AIParallelism bounds concurrent AI analyzer provider calls.
	AIParallelism int `mapstructure:"ai_parallelism"`
}

// CryptoConfig configures at-rest encryption of user API keys.
type CryptoConfig struct {
	// EncryptionKey is the hex-encoded 32-byte AES-256 key. Required when
	// user records are read; missing key is fatal at startup.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// TelemetryConfig configures OTel export.
type TelemetryConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	Environment  string  `mapstructure:"environment"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	LogJSON      bool    `mapstructure:"log_json"`
}

// Validate checks cross-field consistency. Serve-only requirements are
// checked by ValidateServe.
func (c *Config) Validate() error {
	if c.LLM.Strategy != StrategyMinimal && c.LLM.Strategy != StrategyFull {
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, c.LLM.Strategy)
	}

	switch c.LLM.AssistMode {
	case AssistAlways, AssistAuto, AssistUnchangedOnly:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAssistMode, c.LLM.AssistMode)
	}

	if c.Queue.AnalyzeWorkers < 1 || c.Queue.AutofixWorkers < 1 || c.Queue.ApplyWorkers < 1 {
		return ErrInvalidWorkerCount
	}

	if c.Analyze.MaxFilesPerRun < 1 {
		return fmt.Errorf("config: max_files_per_run must be at least 1, got %d", c.Analyze.MaxFilesPerRun)
	}

	return nil
}

// ValidateServe checks the additional requirements of serve mode.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.WebhookSecret == "" {
		return ErrMissingWebhookSecret
	}

	return nil
}

// ProviderTimeout returns the call timeout for the named provider.
func (c *LLMConfig) ProviderTimeout(provider string) time.Duration {
	if provider == "gemini" {
		return c.GeminiTimeout
	}

	return c.Timeout
}

// Key returns the platform credential for the named provider.
func (k ProviderKeys) Key(provider string) string {
	switch provider {
	case "openai":
		return k.OpenAI
	case "groq":
		return k.Groq
	case "deepseek":
		return k.DeepSeek
	case "openrouter":
		return k.OpenRouter
	case "gemini":
		return k.Gemini
	default:
		return ""
	}
}
