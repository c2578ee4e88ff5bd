package model

import (
	"context"
	"fmt"
	"time"
)

// DefaultTimeout bounds a model call when Config.Timeout is unset.
const DefaultTimeout = 60 * time.Second

// NewClient builds the configured provider wrapped with a timeout and metrics
func NewClient(ctx context.Context, cfg Config) (Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	var base Client
	switch cfg.Provider {
	case ProviderGroq, ProviderOpenAI:
		base = NewOpenAIClient(cfg.Provider, cfg)
	case ProviderAnthropic:
		base = NewAnthropicClient(cfg)
	case ProviderGemini:
		gc, err := NewGeminiClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		base = gc
	case ProviderEcho:
		base = NewEchoClient(0)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Instrument(WithTimeout(base, timeout)), nil
}
