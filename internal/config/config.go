// Package config loads engine configuration from the environment and an
// optional stackvm.yaml file. Environment variables take precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ModelConfig overrides provider settings for a single logical model.
type ModelConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// Config carries every recognized option.
type Config struct {
	LLMProvider string
	LLMModel    string

	ReasonLLMProvider string
	ReasonLLMModel    string

	EvaluationLLMProvider string
	EvaluationLLMModel    string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OllamaBaseURL string

	AutoflowAPIKey  string
	AutoflowBaseURL string
	KBID            string

	DatabaseURI string
	CORSOrigins []string

	// ModelConfigs is a JSON override map keyed by model name.
	ModelConfigs map[string]ModelConfig

	MaxRecoveryAttempts  int
	MaxValidationRetries int
	ToolCallTimeout      time.Duration

	// StoreRoot is the base directory of the filesystem commit store.
	StoreRoot string
}

const (
	defaultMaxRecoveryAttempts  = 3
	defaultMaxValidationRetries = 2
	defaultToolCallTimeout      = 300 * time.Second
)

// Load reads configuration. A missing config file is not an error; malformed
// MODEL_CONFIGS JSON is.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("LLM_PROVIDER", "openai")
	v.SetDefault("LLM_MODEL", "gpt-4o")
	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("OLLAMA_BASE_URL", "http://localhost:11434")
	v.SetDefault("MAX_RECOVERY_ATTEMPTS", defaultMaxRecoveryAttempts)
	v.SetDefault("MAX_VALIDATION_RETRIES", defaultMaxValidationRetries)
	v.SetDefault("TOOL_CALL_TIMEOUT_SECONDS", int(defaultToolCallTimeout/time.Second))
	v.SetDefault("STORE_ROOT", "~/.stackvm/tasks")

	v.SetConfigName("stackvm")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.stackvm")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	v.AutomaticEnv()

	cfg := &Config{
		LLMProvider:           v.GetString("LLM_PROVIDER"),
		LLMModel:              v.GetString("LLM_MODEL"),
		ReasonLLMProvider:     v.GetString("REASON_LLM_PROVIDER"),
		ReasonLLMModel:        v.GetString("REASON_LLM_MODEL"),
		EvaluationLLMProvider: v.GetString("EVALUATION_LLM_PROVIDER"),
		EvaluationLLMModel:    v.GetString("EVALUATION_LLM_MODEL"),
		OpenAIAPIKey:          v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL:         v.GetString("OPENAI_BASE_URL"),
		OllamaBaseURL:         v.GetString("OLLAMA_BASE_URL"),
		AutoflowAPIKey:        v.GetString("AUTOFLOW_API_KEY"),
		AutoflowBaseURL:       v.GetString("AUTOFLOW_BASE_URL"),
		KBID:                  v.GetString("KB_ID"),
		DatabaseURI:           v.GetString("DATABASE_URI"),
		MaxRecoveryAttempts:   v.GetInt("MAX_RECOVERY_ATTEMPTS"),
		MaxValidationRetries:  v.GetInt("MAX_VALIDATION_RETRIES"),
		ToolCallTimeout:       time.Duration(v.GetInt("TOOL_CALL_TIMEOUT_SECONDS")) * time.Second,
		StoreRoot:             v.GetString("STORE_ROOT"),
	}

	if origins := v.GetString("BACKEND_CORS_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, trimmed)
			}
		}
	}

	if raw := v.GetString("MODEL_CONFIGS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.ModelConfigs); err != nil {
			return nil, fmt.Errorf("parse MODEL_CONFIGS: %w", err)
		}
	}

	if cfg.MaxRecoveryAttempts < 0 {
		return nil, fmt.Errorf("MAX_RECOVERY_ATTEMPTS must be non-negative")
	}
	if cfg.MaxValidationRetries < 0 {
		return nil, fmt.Errorf("MAX_VALIDATION_RETRIES must be non-negative")
	}
	if cfg.ToolCallTimeout <= 0 {
		return nil, fmt.Errorf("TOOL_CALL_TIMEOUT_SECONDS must be positive")
	}

	return cfg, nil
}

// ModelOverride returns the override entry for model, if configured.
func (c *Config) ModelOverride(model string) (ModelConfig, bool) {
	mc, ok := c.ModelConfigs[model]
	return mc, ok
}
