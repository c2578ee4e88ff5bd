package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/convo/pkg/session"
)

type timeoutClient struct {
	Client
	timeout time.Duration
}

// WithTimeout bounds every call made through c by d. Expiry surfaces as
// ErrModelTimeout. For streams the deadline covers the whole reply.
func WithTimeout(c Client, d time.Duration) Client {
	if d <= 0 {
		return c
	}
	return &timeoutClient{Client: c, timeout: d}
}

func (c *timeoutClient) Generate(ctx context.Context, history []session.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.Client.Generate(ctx, history)
	if err != nil {
		return "", c.deadline(ctx, err)
	}
	return reply, nil
}

func (c *timeoutClient) Stream(ctx context.Context, history []session.Message) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	s, err := c.Client.Stream(ctx, history)
	if err != nil {
		cancel()
		return nil, c.deadline(ctx, err)
	}
	return &timeoutStream{Stream: s, ctx: ctx, cancel: cancel, client: c}, nil
}

// deadline reports err as a timeout when our own deadline fired
func (c *timeoutClient) deadline(ctx context.Context, err error) error {
	if errors.Is(err, ErrModelTimeout) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: no reply within %s", ErrModelTimeout, c.Name(), c.timeout)
	}
	return err
}

type timeoutStream struct {
	Stream
	ctx    context.Context
	cancel context.CancelFunc
	client *timeoutClient
	err    error
	done   bool
}

func (s *timeoutStream) Next() bool {
	if s.done {
		return false
	}
	if s.Stream.Next() {
		return true
	}
	s.done = true
	if err := s.Stream.Err(); err != nil {
		s.err = s.client.deadline(s.ctx, err)
	}
	s.cancel()
	return false
}

func (s *timeoutStream) Err() error { return s.err }

func (s *timeoutStream) Close() error {
	s.cancel()
	return s.Stream.Close()
}
