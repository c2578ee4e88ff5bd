package model

import (
	"context"
	"fmt"
	"iter"

	"github.com/harun/convo/pkg/session"
	"google.golang.org/genai"
)

// GeminiClient implements Client for Google Gemini
type GeminiClient struct {
	client *genai.Client
	cfg    Config
}

// NewGeminiClient creates a Gemini API client
func NewGeminiClient(ctx context.Context, cfg Config) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClient{client: client, cfg: cfg}, nil
}

func (c *GeminiClient) Name() string { return ProviderGemini }

func (c *GeminiClient) contents(history []session.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case session.RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case session.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		}
	}
	return contents
}

func (c *GeminiClient) config() *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if c.cfg.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(c.cfg.SystemPrompt, genai.RoleUser)
	}
	if c.cfg.MaxTokens > 0 {
		config.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}
	if c.cfg.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(c.cfg.Temperature))
	}
	return config
}

func (c *GeminiClient) Generate(ctx context.Context, history []session.Message) (string, error) {
	result, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, c.contents(history), c.config())
	if err != nil {
		return "", classify(ProviderGemini, err)
	}
	text := result.Text()
	if text == "" {
		return "", emptyReply(ProviderGemini)
	}
	return text, nil
}

func (c *GeminiClient) Stream(ctx context.Context, history []session.Message) (Stream, error) {
	seq := c.client.Models.GenerateContentStream(ctx, c.cfg.Model, c.contents(history), c.config())
	next, stop := iter.Pull2(seq)
	return &geminiStream{next: next, stop: stop}, nil
}

// geminiStream pulls responses from the SDK's range-over-func iterator
type geminiStream struct {
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	current string
	err     error
	done    bool
}

func (s *geminiStream) Next() bool {
	for !s.done {
		resp, err, ok := s.next()
		if !ok {
			s.done = true
			break
		}
		if err != nil {
			s.err = classify(ProviderGemini, err)
			s.done = true
			s.stop()
			break
		}
		if resp == nil {
			continue
		}
		if text := resp.Text(); text != "" {
			s.current = text
			return true
		}
	}
	s.current = ""
	return false
}

func (s *geminiStream) Current() string { return s.current }

func (s *geminiStream) Err() error { return s.err }

func (s *geminiStream) Close() error {
	s.done = true
	s.stop()
	return nil
}
