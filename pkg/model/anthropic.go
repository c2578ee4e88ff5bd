package model

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/convo/pkg/session"
)

// AnthropicClient implements Client for Anthropic Claude
type AnthropicClient struct {
	client anthropic.Client
	cfg    Config
}

// NewAnthropicClient creates a new Anthropic client
func NewAnthropicClient(cfg Config) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
	}
}

func (c *AnthropicClient) Name() string { return ProviderAnthropic }

func (c *AnthropicClient) params(history []session.Message) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case session.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case session.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: int64(c.cfg.MaxTokens),
		Messages:  messages,
	}
	if c.cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.cfg.SystemPrompt}}
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(c.cfg.Temperature)
	}
	return params
}

func (c *AnthropicClient) Generate(ctx context.Context, history []session.Message) (string, error) {
	message, err := c.client.Messages.New(ctx, c.params(history))
	if err != nil {
		return "", classify(ProviderAnthropic, err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", emptyReply(ProviderAnthropic)
	}
	return sb.String(), nil
}

func (c *AnthropicClient) Stream(ctx context.Context, history []session.Message) (Stream, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.params(history))
	return newSSEStream(ProviderAnthropic, stream, func(event anthropic.MessageStreamEventUnion) string {
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			return ""
		}
		if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok {
			return text.Text
		}
		return ""
	}), nil
}
