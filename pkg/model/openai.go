package model

import (
	"context"

	"github.com/harun/convo/pkg/session"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient talks to OpenAI or any OpenAI-compatible endpoint such as Groq
type OpenAIClient struct {
	client openai.Client
	name   string
	cfg    Config
}

// NewOpenAIClient creates a client; cfg.BaseURL selects a compatible endpoint
func NewOpenAIClient(name string, cfg Config) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	// Failed calls surface to the caller; no automatic retry.
	opts = append(opts, option.WithMaxRetries(0))

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		name:   name,
		cfg:    cfg,
	}
}

func (c *OpenAIClient) Name() string { return c.name }

func (c *OpenAIClient) params(history []session.Message) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if c.cfg.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(c.cfg.SystemPrompt))
	}
	for _, msg := range history {
		switch msg.Role {
		case session.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case session.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.cfg.Model),
		Messages: messages,
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.cfg.MaxTokens))
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = openai.Float(c.cfg.Temperature)
	}
	return params
}

func (c *OpenAIClient) Generate(ctx context.Context, history []session.Message) (string, error) {
	response, err := c.client.Chat.Completions.New(ctx, c.params(history))
	if err != nil {
		return "", classify(c.name, err)
	}
	if len(response.Choices) == 0 || response.Choices[0].Message.Content == "" {
		return "", emptyReply(c.name)
	}
	return response.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, history []session.Message) (Stream, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(history))
	return newSSEStream(c.name, stream, func(chunk openai.ChatCompletionChunk) string {
		if len(chunk.Choices) == 0 {
			return ""
		}
		return chunk.Choices[0].Delta.Content
	}), nil
}
