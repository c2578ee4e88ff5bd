package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/convo/pkg/session"
)

var (
	// ErrModelUnavailable covers network, auth, quota and provider failures.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrModelTimeout is returned when a call exceeds its deadline.
	ErrModelTimeout = errors.New("model timeout")
	// ErrMissingAPIKey is returned by NewClient when a hosted provider has no credentials.
	ErrMissingAPIKey = errors.New("missing api key")
)

// Client produces an assistant reply for a conversation history.
type Client interface {
	// Generate blocks until the complete reply is available.
	Generate(ctx context.Context, history []session.Message) (string, error)
	// Stream starts the call and returns the reply as fragments.
	Stream(ctx context.Context, history []session.Message) (Stream, error)
	// Name identifies the provider, e.g. "groq".
	Name() string
}

// Stream is a finite, non-restartable sequence of reply fragments.
//
//	for s.Next() {
//		fmt.Print(s.Current())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream interface {
	Next() bool
	Current() string
	Err() error
	Close() error
}

// Collect drains s and returns the concatenated reply. s is closed.
func Collect(s Stream) (string, error) {
	defer s.Close()

	var sb strings.Builder
	for s.Next() {
		sb.WriteString(s.Current())
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// classify maps a provider error onto the package sentinels. Cancellation
// by the caller is passed through unchanged.
func classify(provider string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrModelUnavailable), errors.Is(err, ErrModelTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", ErrModelTimeout, provider, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", ErrModelUnavailable, provider, err)
	}
}

func emptyReply(provider string) error {
	return fmt.Errorf("%w: %s returned an empty reply", ErrModelUnavailable, provider)
}
