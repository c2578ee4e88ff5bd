package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/convo/pkg/chat"
	"github.com/harun/convo/pkg/model"
	"github.com/harun/convo/pkg/model/modeltest"
	"github.com/harun/convo/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, client model.Client) *chat.Manager {
	t.Helper()
	m, err := chat.New(chat.Config{
		Store:  session.NewMemoryStore(),
		Model:  client,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	return m
}

func runREPL(t *testing.T, m *chat.Manager, initial, input string) string {
	t.Helper()
	out := &bytes.Buffer{}
	r := newREPL(m, strings.NewReader(input), out)
	require.NoError(t, r.selectInitial(context.Background(), initial))
	require.NoError(t, r.run(context.Background()))
	return out.String()
}

func TestChatContinuesNewestSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "first conversation\n/quit\n", "chat")
	require.NoError(t, err)

	out, err := env.run(t, "/quit\n", "chat")
	require.NoError(t, err)
	assert.NotContains(t, out, "Started session")
	assert.Contains(t, out, "first conversation")
	assert.Len(t, env.sessionIDs(t), 1)
}

func TestChatUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "", "chat", "--session", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrUnknownSession)
}

func TestChatEndsOnEOF(t *testing.T) {
	m := newTestManager(t, modeltest.NewStub("ok"))
	out := runREPL(t, m, "", "hi\n")
	assert.Contains(t, out, "Assistant: ok")
}

func TestChatCommands(t *testing.T) {
	m := newTestManager(t, model.NewEchoClient(0))
	ctx := context.Background()

	older, err := m.NewSession(ctx)
	require.NoError(t, err)
	_, err = m.Ask(ctx, older, "recipes for dinner")
	require.NoError(t, err)

	t.Run("new session and list", func(t *testing.T) {
		out := runREPL(t, m, older, "/new\nweather today\n/sessions\n/quit\n")
		assert.Contains(t, out, "Started session")
		assert.Contains(t, out, "Echo: weather today")
		assert.Contains(t, out, "weather today")
		assert.Contains(t, out, "recipes for dinner")
		assert.Contains(t, out, " 1. ")
		assert.Contains(t, out, " 2. ")
	})

	t.Run("search then switch by number", func(t *testing.T) {
		out := runREPL(t, m, "", "/search recipes\n/switch 1\n/quit\n")
		assert.Contains(t, out, "recipes for dinner ("+older+")")
	})

	t.Run("switch by id prefix", func(t *testing.T) {
		out := runREPL(t, m, "", "/switch "+older[:13]+"\n/quit\n")
		assert.Contains(t, out, "recipes for dinner ("+older+")")
	})

	t.Run("switch errors", func(t *testing.T) {
		out := runREPL(t, m, older, "/switch 99\n/switch zzzz\n/switch\n/quit\n")
		assert.Contains(t, out, "no session #99")
		assert.Contains(t, out, "unknown session")
		assert.Contains(t, out, "usage: /switch")
	})

	t.Run("history", func(t *testing.T) {
		out := runREPL(t, m, older, "/history\n/quit\n")
		assert.Equal(t, 2, strings.Count(out, "Echo: recipes for dinner"), "shown on switch and on /history")
	})

	t.Run("export", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "transcript.txt")
		out := runREPL(t, m, older, "/export "+path+"\n/quit\n")
		assert.Contains(t, out, "Transcript written to "+path)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "] User: recipes for dinner\n")
	})

	t.Run("unknown command and help", func(t *testing.T) {
		out := runREPL(t, m, older, "/bogus\n/help\n/exit\n")
		assert.Contains(t, out, "Error: unknown command /bogus")
		assert.Contains(t, out, "/resume")
	})
}

func TestChatResumeAfterModelFailure(t *testing.T) {
	stub := modeltest.NewStub("answer")
	stub.Err = errors.New("upstream down")
	stub.FailAfter = 0
	m := newTestManager(t, errorAsUnavailable{stub})

	id, err := m.NewSession(context.Background())
	require.NoError(t, err)

	out := runREPL(t, m, id, "question\n/quit\n")
	assert.Contains(t, out, "type /resume to try again")

	h, err := m.GetHistory(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, h.Messages, 1, "user message is kept")

	stub.Err = nil
	out = runREPL(t, m, id, "/resume\n/quit\n")
	assert.Contains(t, out, "The last message has no reply yet")
	assert.Contains(t, out, "Assistant: answer")

	h, err = m.GetHistory(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, h.Messages, 2)
	assert.Equal(t, "answer", h.Messages[1].Content)
}

func TestChatRejectsNewTextWhileReplyPending(t *testing.T) {
	stub := modeltest.NewStub("answer")
	stub.Err = errors.New("upstream down")
	m := newTestManager(t, errorAsUnavailable{stub})

	id, err := m.NewSession(context.Background())
	require.NoError(t, err)

	runREPL(t, m, id, "question\n/quit\n")

	stub.Err = nil
	out := runREPL(t, m, id, "something else\n/quit\n")
	assert.Contains(t, out, "type /resume or resend the same message")

	h, err := m.GetHistory(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, h.Messages, 1, "new text is not recorded after the unanswered one")

	out = runREPL(t, m, id, "question\n/quit\n")
	assert.Contains(t, out, "Assistant: answer")

	h, err = m.GetHistory(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, h.Messages, 2)
	assert.Equal(t, "question", h.Messages[0].Content)
	assert.Equal(t, "answer", h.Messages[1].Content)
}

func TestChatResumeWithNothingPending(t *testing.T) {
	m := newTestManager(t, modeltest.NewStub("x"))
	out := runREPL(t, m, "", "/resume\n/quit\n")
	assert.Contains(t, out, "nothing to resume")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "12345678", shortID("1234567890"))
	assert.Equal(t, "abc", shortID("abc"))
}

// errorAsUnavailable reports stub failures the way real providers do.
type errorAsUnavailable struct {
	*modeltest.Stub
}

func (e errorAsUnavailable) Stream(ctx context.Context, history []session.Message) (model.Stream, error) {
	stream, err := e.Stub.Stream(ctx, history)
	if err != nil {
		return nil, errors.Join(model.ErrModelUnavailable, err)
	}
	return stream, nil
}
