package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/convo/pkg/model"
	"github.com/harun/convo/pkg/model/modeltest"
	"github.com/harun/convo/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, store session.Store, client model.Client) *Manager {
	t.Helper()
	m, err := New(Config{Store: store, Model: client, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return m
}

func newMemoryManager(t *testing.T, client model.Client) (*Manager, session.Store) {
	t.Helper()
	store := session.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return newManager(t, store, client), store
}

func drain(t *testing.T, turn *Turn) []string {
	t.Helper()
	var fragments []string
	for turn.Next() {
		fragments = append(fragments, turn.Fragment())
	}
	return fragments
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{Model: modeltest.NewStub("x")})
	assert.Error(t, err)

	_, err = New(Config{Store: session.NewMemoryStore()})
	assert.Error(t, err)
}

func TestSubmitTurnStreamsAndRecords(t *testing.T) {
	stub := modeltest.NewStub("Hel", "lo ", "there")
	m, store := newMemoryManager(t, stub)
	ctx := context.Background()

	id, err := m.NewSession(ctx)
	require.NoError(t, err)

	turn, err := m.SubmitTurn(ctx, id, "Hi")
	require.NoError(t, err)
	assert.Equal(t, id, turn.SessionID())
	assert.Equal(t, "Hi", turn.UserMessage().Content)

	fragments := drain(t, turn)
	require.NoError(t, turn.Err())
	assert.Equal(t, []string{"Hel", "lo ", "there"}, fragments)

	reply, ok := turn.Reply()
	require.True(t, ok)
	assert.Equal(t, session.RoleAssistant, reply.Role)
	assert.Equal(t, "Hello there", reply.Content)

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, session.RoleUser, messages[0].Role)
	assert.Equal(t, "Hi", messages[0].Content)
	assert.Equal(t, "Hello there", messages[1].Content)
	assert.False(t, messages[1].Timestamp.Before(messages[0].Timestamp))

	// the model saw the full history ending with the new user message
	calls := stub.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 1)
	assert.Equal(t, "Hi", calls[0][0].Content)
}

func TestSubmitTurnPassesFullHistory(t *testing.T) {
	stub := modeltest.NewStub("ok")
	m, _ := newMemoryManager(t, stub)
	ctx := context.Background()

	id, err := m.NewSession(ctx)
	require.NoError(t, err)

	_, err = m.Ask(ctx, id, "first")
	require.NoError(t, err)
	_, err = m.Ask(ctx, id, "second")
	require.NoError(t, err)

	calls := stub.Calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[1], 3)
	assert.Equal(t, []string{"first", "ok", "second"}, []string{calls[1][0].Content, calls[1][1].Content, calls[1][2].Content})
}

func TestSubmitTurnModelFailureKeepsOnlyUserMessage(t *testing.T) {
	stub := modeltest.NewStub("partial ", "reply")
	stub.FailAfter = 1
	stub.Err = model.ErrModelUnavailable
	m, store := newMemoryManager(t, stub)
	ctx := context.Background()

	id, err := m.NewSession(ctx)
	require.NoError(t, err)

	turn, err := m.SubmitTurn(ctx, id, "Hello")
	require.NoError(t, err)
	fragments := drain(t, turn)

	assert.Equal(t, []string{"partial "}, fragments)
	assert.ErrorIs(t, turn.Err(), ErrModelUnavailable)
	_, ok := turn.Reply()
	assert.False(t, ok)

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, session.RoleUser, messages[0].Role)

	assert.False(t, m.Busy(id), "slot released after failure")
}

func TestSubmitTurnStreamStartFailure(t *testing.T) {
	stub := modeltest.NewStub()
	stub.Err = model.ErrModelUnavailable
	m, store := newMemoryManager(t, stub)
	ctx := context.Background()

	id, err := m.NewSession(ctx)
	require.NoError(t, err)

	_, err = m.SubmitTurn(ctx, id, "Hello")
	assert.ErrorIs(t, err, ErrModelUnavailable)

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
	assert.False(t, m.Busy(id))
}

func TestSubmitTurnEmptyReplyIsFailure(t *testing.T) {
	m, store := newMemoryManager(t, modeltest.NewStub())
	ctx := context.Background()
	id, err := m.NewSession(ctx)
	require.NoError(t, err)

	_, err = m.Ask(ctx, id, "anyone?")
	assert.ErrorIs(t, err, ErrModelUnavailable)

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestSubmitTurnUnknownSession(t *testing.T) {
	stub := modeltest.NewStub("never")
	m, store := newMemoryManager(t, stub)
	ctx := context.Background()

	_, err := m.SubmitTurn(ctx, "does-not-exist", "Hi")
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Equal(t, 0, stub.CallCount(), "model must not be called")

	ids, err := store.ListSessionIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "no session created as a side effect")
	assert.False(t, m.Busy("does-not-exist"))
}

func TestSubmitTurnRejectsEmptyText(t *testing.T) {
	stub := modeltest.NewStub("x")
	m, store := newMemoryManager(t, stub)
	ctx := context.Background()
	id, err := m.NewSession(ctx)
	require.NoError(t, err)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := m.SubmitTurn(ctx, id, text)
		assert.ErrorIs(t, err, ErrEmptyMessage)
	}

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.Equal(t, 0, stub.CallCount())
}

func TestSubmitTurnBusySession(t *testing.T) {
	stub := modeltest.NewStub("slow ", "reply")
	stub.Gate = make(chan struct{})
	m, store := newMemoryManager(t, stub)
	ctx := context.Background()

	id, err := m.NewSession(ctx)
	require.NoError(t, err)

	first, err := m.SubmitTurn(ctx, id, "one")
	require.NoError(t, err)
	assert.True(t, m.Busy(id))

	_, err = m.SubmitTurn(ctx, id, "two")
	assert.ErrorIs(t, err, ErrSessionBusy)
	_, err = m.ResumeTurn(ctx, id)
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.ErrorIs(t, m.DeleteSession(ctx, id), ErrSessionBusy)

	go func() {
		stub.Gate <- struct{}{}
		stub.Gate <- struct{}{}
	}()
	reply, err := first.Wait()
	require.NoError(t, err)
	assert.Equal(t, "slow reply", reply)
	assert.False(t, m.Busy(id))

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 2, "the rejected turn recorded nothing")
	assert.Equal(t, "one", messages[0].Content)
}

func TestConcurrentTurnsOnDifferentSessions(t *testing.T) {
	stub := modeltest.NewStub("a", "b", "c")
	m, store := newMemoryManager(t, stub)
	ctx := context.Background()

	const sessions = 6
	ids := make([]string, sessions)
	for i := range ids {
		id, err := m.NewSession(ctx)
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	errs := make([]error, sessions)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = m.Ask(ctx, id, "question "+id)
		}(i, id)
	}
	wg.Wait()

	for i, id := range ids {
		require.NoError(t, errs[i])
		messages, err := store.Read(ctx, id)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "question "+id, messages[0].Content)
		assert.Equal(t, "abc", messages[1].Content)
	}
}

func TestTurnCloseBeforeCompletionDiscards(t *testing.T) {
	stub := modeltest.NewStub("one ", "two ", "three")
	m, store := newMemoryManager(t, stub)
	ctx := context.Background()
	id, err := m.NewSession(ctx)
	require.NoError(t, err)

	turn, err := m.SubmitTurn(ctx, id, "count")
	require.NoError(t, err)
	require.True(t, turn.Next())

	require.NoError(t, turn.Close())
	assert.ErrorIs(t, turn.Err(), context.Canceled)
	assert.False(t, turn.Next())
	assert.False(t, m.Busy(id))

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, session.RoleUser, messages[0].Role)

	// Close after completion is harmless
	require.NoError(t, turn.Close())
}

func TestTurnCloseAfterCompletionKeepsReply(t *testing.T) {
	m, store := newMemoryManager(t, modeltest.NewStub("done"))
	ctx := context.Background()
	id, err := m.NewSession(ctx)
	require.NoError(t, err)

	turn, err := m.SubmitTurn(ctx, id, "go")
	require.NoError(t, err)
	drain(t, turn)
	require.NoError(t, turn.Close())
	require.NoError(t, turn.Err())

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestCallerCancellationDiscards(t *testing.T) {
	stub := modeltest.NewStub("never ", "arrives")
	stub.Gate = make(chan struct{})
	m, store := newMemoryManager(t, stub)
	id, err := m.NewSession(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := m.SubmitTurn(ctx, id, "wait")
	require.NoError(t, err)

	time.AfterFunc(10*time.Millisecond, cancel)
	assert.False(t, turn.Next())
	assert.ErrorIs(t, turn.Err(), context.Canceled)

	messages, err := store.Read(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
	assert.False(t, m.Busy(id))
}

func TestModelTimeout(t *testing.T) {
	stub := modeltest.NewStub("too ", "slow")
	stub.Gate = make(chan struct{})
	m, store := newMemoryManager(t, model.WithTimeout(stub, 20*time.Millisecond))
	ctx := context.Background()
	id, err := m.NewSession(ctx)
	require.NoError(t, err)

	_, err = m.Ask(ctx, id, "hello?")
	assert.ErrorIs(t, err, ErrModelTimeout)

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
	assert.False(t, m.Busy(id))
}

func TestResumeTurn(t *testing.T) {
	stub := modeltest.NewStub("recovered")
	stub.Err = model.ErrModelUnavailable
	m, store := newMemoryManager(t, stub)
	ctx := context.Background()
	id, err := m.NewSession(ctx)
	require.NoError(t, err)

	_, err = m.SubmitTurn(ctx, id, "are you there?")
	require.ErrorIs(t, err, ErrModelUnavailable)

	stub.Err = nil
	turn, err := m.ResumeTurn(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "are you there?", turn.UserMessage().Content)
	reply, err := turn.Wait()
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 2, "user message is not recorded twice")

	_, err = m.ResumeTurn(ctx, id)
	assert.ErrorIs(t, err, ErrNothingToResume)
	assert.False(t, m.Busy(id))
}

func TestSubmitTurnWhileReplyPending(t *testing.T) {
	stub := modeltest.NewStub("late answer")
	stub.Err = model.ErrModelUnavailable
	m, store := newMemoryManager(t, stub)
	ctx := context.Background()
	id, err := m.NewSession(ctx)
	require.NoError(t, err)

	_, err = m.SubmitTurn(ctx, id, "X")
	require.ErrorIs(t, err, ErrModelUnavailable)

	stub.Err = nil
	_, err = m.SubmitTurn(ctx, id, "something new")
	assert.ErrorIs(t, err, ErrPendingReply)
	assert.False(t, m.Busy(id), "slot released after rejection")

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 1, "rejected text is not recorded")

	reply, err := m.Ask(ctx, id, "X")
	require.NoError(t, err)
	assert.Equal(t, "late answer", reply)

	messages, err = store.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 2, "same text resumes instead of duplicating")
	assert.Equal(t, session.RoleUser, messages[0].Role)
	assert.Equal(t, "X", messages[0].Content)
	assert.Equal(t, session.RoleAssistant, messages[1].Role)
}

func TestResumeTurnUnknownSession(t *testing.T) {
	m, _ := newMemoryManager(t, modeltest.NewStub("x"))
	_, err := m.ResumeTurn(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestGetHistorySummary(t *testing.T) {
	m, _ := newMemoryManager(t, modeltest.NewStub("fine thanks"))
	ctx := context.Background()
	id, err := m.NewSession(ctx)
	require.NoError(t, err)

	h, err := m.GetHistory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "New Chat", h.Summary)
	assert.Empty(t, h.Messages)

	long := "Explain the difference between goroutines and OS threads in detail"
	_, err = m.Ask(ctx, id, long)
	require.NoError(t, err)

	h, err = m.GetHistory(ctx, id)
	require.NoError(t, err)
	want := string([]rune(long)[:40]) + "..."
	assert.Equal(t, want, h.Summary)

	_, err = m.Ask(ctx, id, "something else entirely")
	require.NoError(t, err)

	again, err := m.GetHistory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, want, again.Summary, "summary never changes once set")
	assert.Len(t, again.Messages, 4)
}

func TestGetHistoryUnknownSession(t *testing.T) {
	m, _ := newMemoryManager(t, modeltest.NewStub("x"))
	_, err := m.GetHistory(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestNewSessionRetriesDuplicate(t *testing.T) {
	store := session.NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), "taken"))

	ids := []string{"taken", "fresh"}
	m, err := New(Config{
		Store:  store,
		Model:  modeltest.NewStub("x"),
		Logger: zerolog.Nop(),
		NewID: func() string {
			id := ids[0]
			ids = ids[1:]
			return id
		},
	})
	require.NoError(t, err)

	id, err := m.NewSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", id)
}

func TestNewSessionGivesUpAfterSecondDuplicate(t *testing.T) {
	store := session.NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), "taken"))

	m, err := New(Config{
		Store:  store,
		Model:  modeltest.NewStub("x"),
		Logger: zerolog.Nop(),
		NewID:  func() string { return "taken" },
	})
	require.NoError(t, err)

	_, err = m.NewSession(context.Background())
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestNewSessionIDsAreUUIDs(t *testing.T) {
	m, _ := newMemoryManager(t, modeltest.NewStub("x"))
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		id, err := m.NewSession(ctx)
		require.NoError(t, err)
		assert.Len(t, id, 36)
		assert.False(t, seen[id])
		seen[id] = true
	}

	ids, err := m.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 20)
}

func TestDeleteSession(t *testing.T) {
	m, _ := newMemoryManager(t, modeltest.NewStub("x"))
	ctx := context.Background()
	id, err := m.NewSession(ctx)
	require.NoError(t, err)
	_, err = m.Ask(ctx, id, "hello")
	require.NoError(t, err)

	require.NoError(t, m.DeleteSession(ctx, id))
	_, err = m.GetHistory(ctx, id)
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, m.DeleteSession(ctx, id), ErrUnknownSession)
}

func TestOverviewNewestFirst(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	store := session.NewMemoryStore()
	m, err := New(Config{
		Store:  store,
		Model:  modeltest.NewStub("ok"),
		Logger: zerolog.Nop(),
		Now: func() time.Time {
			now = now.Add(time.Minute)
			return now
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	older, err := m.NewSession(ctx)
	require.NoError(t, err)
	_, err = m.Ask(ctx, older, "older chat")
	require.NoError(t, err)

	newer, err := m.NewSession(ctx)
	require.NoError(t, err)
	_, err = m.Ask(ctx, newer, "newer chat")
	require.NoError(t, err)

	empty, err := m.NewSession(ctx)
	require.NoError(t, err)

	infos, err := m.Overview(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, empty, infos[0].ID)
	assert.Equal(t, "New Chat", infos[0].Summary)
	assert.Equal(t, newer, infos[1].ID)
	assert.Equal(t, older, infos[2].ID)
	assert.Equal(t, 2, infos[2].MessageCount)
}

func TestDurableAcrossManagers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convo.db")
	ctx := context.Background()

	store, err := session.NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	m := newManager(t, store, modeltest.NewStub("Hi there"))

	id, err := m.NewSession(ctx)
	require.NoError(t, err)
	_, err = m.Ask(ctx, id, "Hello")
	require.NoError(t, err)
	second, err := m.NewSession(ctx)
	require.NoError(t, err)
	third, err := m.NewSession(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := session.NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()
	m2 := newManager(t, reopened, modeltest.NewStub("unused"))

	ids, err := m2.ListSessions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{id, second, third}, ids)

	h, err := m2.GetHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, h.Messages, 2)
	assert.Equal(t, "Hello", h.Messages[0].Content)
	assert.Equal(t, "Hi there", h.Messages[1].Content)
	assert.Equal(t, "Hello", h.Summary)
}

// mockClient is a testify mock of model.Client
type mockClient struct {
	mock.Mock
}

func (c *mockClient) Name() string { return "mock" }

func (c *mockClient) Generate(ctx context.Context, history []session.Message) (string, error) {
	args := c.Called(ctx, history)
	return args.String(0), args.Error(1)
}

func (c *mockClient) Stream(ctx context.Context, history []session.Message) (model.Stream, error) {
	args := c.Called(ctx, history)
	s, _ := args.Get(0).(model.Stream)
	return s, args.Error(1)
}

func TestSubmitTurnWithMockedClient(t *testing.T) {
	client := &mockClient{}
	m, _ := newMemoryManager(t, client)
	ctx := context.Background()
	id, err := m.NewSession(ctx)
	require.NoError(t, err)

	client.On("Stream", mock.Anything, mock.MatchedBy(func(h []session.Message) bool {
		return len(h) == 1 && h[0].Content == "ping"
	})).Return(model.NewSliceStream(ctx, []string{"po", "ng"}), nil).Once()

	reply, err := m.Ask(ctx, id, "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)

	client.On("Stream", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection refused")).Once()

	_, err = m.Ask(ctx, id, "again")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "connection refused"))

	client.AssertExpectations(t)
}
