package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".peer"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for peer settings.
const envPrefix = "PEER"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Load reads configuration from file, environment, and defaults.
// If configPath is non-empty, it is used as the explicit config file path;
// otherwise the config file is searched in CWD and $HOME. A missing config
// file is not an error.
func Load(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	bindLegacyEnv(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	applyLegacyDurations(viperCfg, &cfg)

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

// applyLegacyDurations converts the historical millisecond-valued variables
// into their duration fields. They are bound to dedicated *_ms keys because
// bare integers do not parse as durations.
func applyLegacyDurations(viperCfg *viper.Viper, cfg *Config) {
	if ms := viperCfg.GetInt64("llm.timeout_ms"); ms > 0 {
		cfg.LLM.Timeout = time.Duration(ms) * time.Millisecond
	}

	if ms := viperCfg.GetInt64("preview.time_budget_ms"); ms > 0 {
		cfg.Preview.TimeBudget = time.Duration(ms) * time.Millisecond
	}
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("server.addr", DefaultServerAddr)
	viperCfg.SetDefault("server.webhook_body_limit", DefaultWebhookBodyLimit)

	viperCfg.SetDefault("queue.analyze_workers", DefaultAnalyzeWorkers)
	viperCfg.SetDefault("queue.autofix_workers", DefaultAutofixWorkers)
	viperCfg.SetDefault("queue.apply_workers", DefaultApplyWorkers)
	viperCfg.SetDefault("queue.job_attempts", DefaultJobAttempts)
	viperCfg.SetDefault("queue.retry_base", DefaultRetryBase)

	viperCfg.SetDefault("llm.strategy", StrategyMinimal)
	viperCfg.SetDefault("llm.timeout", DefaultLLMTimeout)
	viperCfg.SetDefault("llm.gemini_timeout", DefaultGeminiTimeout)
	viperCfg.SetDefault("llm.max_patches_per_file", DefaultMaxPatchesPerFile)
	viperCfg.SetDefault("llm.allow_multi_line", false)
	viperCfg.SetDefault("llm.assist_mode", AssistAuto)
	viperCfg.SetDefault("llm.cache_enabled", true)
	viperCfg.SetDefault("llm.cache_ttl", DefaultCacheTTL)
	viperCfg.SetDefault("llm.enable_complexity", true)

	viperCfg.SetDefault("preview.time_budget", DefaultPreviewTimeBudget)
	viperCfg.SetDefault("preview.initial_max_files", DefaultPreviewInitialMaxFiles)
	viperCfg.SetDefault("preview.save_every", DefaultPreviewSaveEvery)

	viperCfg.SetDefault("host.merge_method", DefaultMergeMethod)

	viperCfg.SetDefault("analyze.max_files_per_run", DefaultMaxFilesPerRun)
	viperCfg.SetDefault("analyze.max_ai_files", DefaultMaxAIFiles)
	viperCfg.SetDefault("analyze.ai_parallelism", DefaultAIParallelism)
}

// bindLegacyEnv maps the historical unprefixed environment names onto their
// config keys so existing deployments keep working.
func bindLegacyEnv(viperCfg *viper.Viper) {
	aliases := map[string][]string{
		"llm.provider":              {"LLM_PROVIDER"},
		"llm.strategy":              {"LLM_STRATEGY"},
		"llm.timeout_ms":            {"LLM_TIMEOUT_MS"},
		"llm.max_patches_per_file":  {"LLM_MAX_PATCHES_PER_FILE"},
		"llm.cache_ttl":             {"LLM_CACHE_TTL"},
		"llm.cache_enabled":         {"LLM_CACHE_ENABLED"},
		"llm.enable_complexity":     {"PEER_ENABLE_COMPLEXITY"},
		"preview.time_budget_ms":    {"PREVIEW_TIME_BUDGET_MS"},
		"preview.initial_max_files": {"PREVIEW_INITIAL_MAX_FILES"},
		"llm.keys.openai":           {"OPENAI_API_KEY"},
		"llm.keys.groq":             {"GROQ_API_KEY"},
		"llm.keys.deepseek":         {"DEEPSEEK_API_KEY"},
		"llm.keys.openrouter":       {"OPENROUTER_API_KEY"},
		"llm.keys.gemini":           {"GEMINI_API_KEY"},
		"host.token":                {"GITHUB_TOKEN"},
		"server.webhook_secret":     {"WEBHOOK_SECRET"},
	}

	for key, envs := range aliases {
		args := append([]string{key}, envs...)
		_ = viperCfg.BindEnv(args...)
	}
}
