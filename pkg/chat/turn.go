package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/convo/internal/observability"
	"github.com/harun/convo/internal/tracing"
	"github.com/harun/convo/pkg/model"
	"github.com/harun/convo/pkg/session"
)

// Turn is one in-flight model reply. Fragments are handed to the caller as
// they arrive and accumulated; when the stream ends cleanly the full reply is
// recorded as the assistant message. A Turn belongs to one goroutine; to
// abort it from elsewhere, cancel the context passed to SubmitTurn.
type Turn struct {
	manager   *Manager
	ctx       context.Context
	cancel    context.CancelFunc
	sessionID string
	user      session.Message
	stream    model.Stream
	start     time.Time

	buf      strings.Builder
	fragment string

	once  sync.Once
	mu    sync.Mutex
	done  bool
	err   error
	reply session.Message
}

// SessionID returns the session the turn belongs to
func (t *Turn) SessionID() string { return t.sessionID }

// UserMessage returns the user message being answered
func (t *Turn) UserMessage() session.Message { return t.user }

// Next advances to the next reply fragment. It returns false when the reply
// is complete or failed; check Err afterwards.
func (t *Turn) Next() bool {
	if t.isDone() {
		return false
	}
	if t.stream.Next() {
		t.fragment = t.stream.Current()
		t.buf.WriteString(t.fragment)
		return true
	}
	t.fragment = ""
	t.finish(t.stream.Err())
	return false
}

// Fragment returns the fragment produced by the last call to Next
func (t *Turn) Fragment() string { return t.fragment }

// Err returns the error that ended the turn, if any
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Reply returns the recorded assistant message once the turn completed
func (t *Turn) Reply() (session.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reply, t.done && t.err == nil
}

// Wait drains the remaining fragments and returns the complete reply.
func (t *Turn) Wait() (string, error) {
	for t.Next() {
	}
	if err := t.Err(); err != nil {
		return "", err
	}
	reply, _ := t.Reply()
	return reply.Content, nil
}

// Close abandons the turn if it has not finished: the model call is
// cancelled and nothing is recorded. Calling Close after completion is a no-op.
func (t *Turn) Close() error {
	t.cancel()
	t.finish(context.Canceled)
	return nil
}

func (t *Turn) isDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// finish runs once: it records the reply on a clean end, then releases the
// session slot.
func (t *Turn) finish(streamErr error) {
	t.once.Do(func() {
		m := t.manager
		logger := m.loggerFor(t.ctx)

		err := streamErr
		if err == nil {
			// A cancelled context can end a stream without an error.
			err = t.ctx.Err()
		}
		if err == nil && t.buf.Len() == 0 {
			err = fmt.Errorf("%w: %s returned an empty reply", model.ErrModelUnavailable, m.model.Name())
		}

		var reply session.Message
		if err == nil {
			// The append must complete even if the caller leaves now.
			reply, err = m.store.Append(tracing.Detach(t.ctx), t.sessionID, session.Message{
				Role:      session.RoleAssistant,
				Content:   t.buf.String(),
				Timestamp: m.now(),
			})
			if err != nil {
				err = fmt.Errorf("record reply: %w", err)
			}
		}

		_ = t.stream.Close()
		t.cancel()
		m.release(t.sessionID)

		t.mu.Lock()
		t.done = true
		t.err = err
		t.reply = reply
		t.mu.Unlock()

		observability.RecordTurn(turnStatus(err), time.Since(t.start))
		if err != nil {
			logger.Warn().Err(err).Int("partial_len", t.buf.Len()).Msg("Turn ended without a reply")
			return
		}
		logger.Info().
			Int("reply_len", len(reply.Content)).
			Dur("duration", time.Since(t.start)).
			Msg("Turn completed")
	})
}
