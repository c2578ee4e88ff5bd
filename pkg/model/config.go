package model

import (
	"fmt"
	"os"
	"time"
)

// Provider names accepted by NewClient.
const (
	ProviderGroq      = "groq"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderEcho      = "echo"
)

// GroqBaseURL is Groq's OpenAI-compatible endpoint.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// Config selects and configures a provider
type Config struct {
	Provider     string        `json:"provider" mapstructure:"provider"`
	Model        string        `json:"model" mapstructure:"model"`
	APIKey       string        `json:"api_key" mapstructure:"api_key"`
	BaseURL      string        `json:"base_url" mapstructure:"base_url"`
	SystemPrompt string        `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTokens    int           `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64       `json:"temperature" mapstructure:"temperature"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
}

var defaultModels = map[string]string{
	ProviderGroq:      "llama-3.3-70b-versatile",
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-latest",
	ProviderGemini:    "gemini-2.0-flash",
	ProviderEcho:      "echo",
}

var apiKeyEnv = map[string]string{
	ProviderGroq:      "GROQ_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderGemini:    "GEMINI_API_KEY",
}

// DefaultModel returns the model used when Config.Model is empty
func DefaultModel(provider string) string {
	return defaultModels[provider]
}

// APIKeyEnv returns the environment variable consulted for a provider's key
func APIKeyEnv(provider string) string {
	return apiKeyEnv[provider]
}

// withDefaults fills empty fields from provider defaults and the environment
func (c Config) withDefaults() (Config, error) {
	if c.Provider == "" {
		c.Provider = ProviderGroq
	}
	if _, ok := defaultModels[c.Provider]; !ok {
		return c, fmt.Errorf("unsupported provider: %s", c.Provider)
	}
	if c.Model == "" {
		c.Model = defaultModels[c.Provider]
	}
	if c.APIKey == "" {
		if env := apiKeyEnv[c.Provider]; env != "" {
			c.APIKey = os.Getenv(env)
		}
	}
	if c.Provider != ProviderEcho && c.APIKey == "" {
		return c, fmt.Errorf("%w for %s: set %s", ErrMissingAPIKey, c.Provider, apiKeyEnv[c.Provider])
	}
	if c.Provider == ProviderGroq && c.BaseURL == "" {
		c.BaseURL = GroqBaseURL
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	return c, nil
}
