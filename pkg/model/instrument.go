package model

import (
	"context"
	"time"

	"github.com/harun/convo/internal/observability"
	"github.com/harun/convo/internal/tracing"
	"github.com/harun/convo/pkg/session"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type instrumentedClient struct {
	Client
}

// Instrument records a span, call metrics and fragment counts for c.
func Instrument(c Client) Client {
	observability.EnsureRegistered()
	return &instrumentedClient{Client: c}
}

func (c *instrumentedClient) Generate(ctx context.Context, history []session.Message) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "convo.model", "model.generate",
		attribute.String("provider", c.Name()),
		attribute.Int("history_len", len(history)),
	)
	defer span.End()
	start := time.Now()

	reply, err := c.Client.Generate(ctx, history)
	observability.RecordModelCall(c.Name(), time.Since(start), err == nil)
	if err != nil {
		tracing.Fail(span, err)
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Str("provider", c.Name()).Msg("Model call failed")
		return "", err
	}
	return reply, nil
}

func (c *instrumentedClient) Stream(ctx context.Context, history []session.Message) (Stream, error) {
	ctx, span := tracing.StartSpan(ctx, "convo.model", "model.stream",
		attribute.String("provider", c.Name()),
		attribute.Int("history_len", len(history)),
	)
	start := time.Now()

	s, err := c.Client.Stream(ctx, history)
	if err != nil {
		observability.RecordModelCall(c.Name(), time.Since(start), false)
		tracing.Fail(span, err)
		span.End()
		return nil, err
	}
	return &instrumentedStream{Stream: s, ctx: ctx, span: span, provider: c.Name(), start: start}, nil
}

type instrumentedStream struct {
	Stream
	ctx       context.Context
	span      trace.Span
	provider  string
	start     time.Time
	fragments int
	finished  bool
}

func (s *instrumentedStream) Next() bool {
	if s.Stream.Next() {
		s.fragments++
		observability.RecordStreamFragment(s.provider)
		return true
	}
	s.finish(s.Stream.Err())
	return false
}

func (s *instrumentedStream) Close() error {
	s.finish(context.Canceled)
	return s.Stream.Close()
}

// finish records the call once, at end-of-stream or on an early Close.
func (s *instrumentedStream) finish(err error) {
	if s.finished {
		return
	}
	s.finished = true

	observability.RecordModelCall(s.provider, time.Since(s.start), err == nil)
	s.span.SetAttributes(attribute.Int("fragments", s.fragments))
	if err != nil {
		tracing.Fail(s.span, err)
		logger := tracing.LoggerFromContext(s.ctx, log.Logger)
		logger.Debug().
			Err(err).
			Str("provider", s.provider).
			Int("fragments", s.fragments).
			Msg("Model stream ended with error")
	}
	s.span.End()
}
