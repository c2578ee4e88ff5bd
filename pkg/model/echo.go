package model

import (
	"context"
	"strings"
	"time"

	"github.com/harun/convo/pkg/session"
)

// EchoClient replies by echoing the latest user message. It needs no network
// and is used for local development and tests.
type EchoClient struct {
	// Delay is slept before each fragment.
	Delay time.Duration
}

// NewEchoClient creates an offline echo provider
func NewEchoClient(delay time.Duration) *EchoClient {
	return &EchoClient{Delay: delay}
}

func (c *EchoClient) Name() string { return ProviderEcho }

// Reply is the deterministic answer for history
func (c *EchoClient) Reply(history []session.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == session.RoleUser {
			return "Echo: " + history[i].Content
		}
	}
	return "Echo: (nothing to echo)"
}

func (c *EchoClient) Generate(ctx context.Context, history []session.Message) (string, error) {
	return Collect(c.stream(ctx, history))
}

func (c *EchoClient) Stream(ctx context.Context, history []session.Message) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(ProviderEcho, err)
	}
	return c.stream(ctx, history), nil
}

func (c *EchoClient) stream(ctx context.Context, history []session.Message) *SliceStream {
	return &SliceStream{
		ctx:       ctx,
		fragments: strings.SplitAfter(c.Reply(history), " "),
		delay:     c.Delay,
		provider:  ProviderEcho,
	}
}

// SliceStream yields a fixed list of fragments, honoring context cancellation.
type SliceStream struct {
	ctx       context.Context
	fragments []string
	delay     time.Duration
	provider  string
	pos       int
	current   string
	err       error
	closed    bool
}

// NewSliceStream returns a stream over fragments
func NewSliceStream(ctx context.Context, fragments []string) *SliceStream {
	return &SliceStream{ctx: ctx, fragments: fragments, provider: ProviderEcho}
}

func (s *SliceStream) Next() bool {
	if s.closed || s.err != nil {
		return false
	}
	for s.pos < len(s.fragments) {
		if s.delay > 0 {
			timer := time.NewTimer(s.delay)
			select {
			case <-s.ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		if err := s.ctx.Err(); err != nil {
			s.err = classify(s.provider, err)
			return false
		}
		frag := s.fragments[s.pos]
		s.pos++
		if frag != "" {
			s.current = frag
			return true
		}
	}
	s.current = ""
	return false
}

func (s *SliceStream) Current() string { return s.current }

func (s *SliceStream) Err() error { return s.err }

func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}
