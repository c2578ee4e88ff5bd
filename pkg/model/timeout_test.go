package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/convo/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingClient streams one fragment then waits for its context to end
type blockingClient struct{}

func (blockingClient) Name() string { return "blocking" }

func (c blockingClient) Generate(ctx context.Context, history []session.Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (blockingClient) Stream(ctx context.Context, history []session.Message) (Stream, error) {
	return &blockingStream{ctx: ctx}, nil
}

type blockingStream struct {
	ctx  context.Context
	sent bool
	err  error
}

func (s *blockingStream) Next() bool {
	if !s.sent {
		s.sent = true
		return true
	}
	<-s.ctx.Done()
	s.err = s.ctx.Err()
	return false
}

func (s *blockingStream) Current() string { return "partial" }
func (s *blockingStream) Err() error      { return s.err }
func (s *blockingStream) Close() error    { return nil }

func TestWithTimeoutGenerate(t *testing.T) {
	c := WithTimeout(blockingClient{}, 20*time.Millisecond)

	_, err := c.Generate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrModelTimeout)
}

func TestWithTimeoutStream(t *testing.T) {
	c := WithTimeout(blockingClient{}, 20*time.Millisecond)

	s, err := c.Stream(context.Background(), nil)
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.Next())
	assert.Equal(t, "partial", s.Current())
	assert.False(t, s.Next())
	assert.ErrorIs(t, s.Err(), ErrModelTimeout)
}

func TestWithTimeoutCallerCancelIsNotTimeout(t *testing.T) {
	c := WithTimeout(blockingClient{}, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	s, err := c.Stream(ctx, nil)
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.Next())
	cancel()
	assert.False(t, s.Next())
	assert.True(t, errors.Is(s.Err(), context.Canceled))
	assert.False(t, errors.Is(s.Err(), ErrModelTimeout))
}

func TestWithTimeoutZeroIsNoop(t *testing.T) {
	c := NewEchoClient(0)
	assert.Same(t, c, WithTimeout(c, 0))
}

func TestInstrumentPassesThrough(t *testing.T) {
	c := Instrument(NewEchoClient(0))
	assert.Equal(t, ProviderEcho, c.Name())

	s, err := c.Stream(context.Background(), history("a b"))
	require.NoError(t, err)
	reply, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "Echo: a b", reply)
}
