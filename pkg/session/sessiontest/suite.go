// Package sessiontest is a conformance suite every session.Store backend must pass.
package sessiontest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/harun/convo/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opener opens a handle on the backend's storage location. Calling it again
// must open a new handle over the same data, as a process restart would.
type Opener func(t *testing.T) session.Store

// Factory prepares a fresh, empty storage location for one test.
type Factory func(t *testing.T) Opener

// Run executes the conformance suite against the backend produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, open Opener)
	}{
		{"create then read is empty", testCreateEmpty},
		{"create twice is a duplicate", testDuplicate},
		{"append to unknown session fails", testAppendUnknown},
		{"read unknown session fails", testReadUnknown},
		{"messages read back in append order", testRoundTrip},
		{"append assigns timestamps", testAssignsTimestamp},
		{"timestamps never go backwards", testMonotonicTimestamps},
		{"invalid messages are rejected", testInvalidMessage},
		{"returned messages are copies", testCopies},
		{"list returns every created session", testEnumeration},
		{"sessions are isolated", testIsolation},
		{"concurrent appends are all kept", testConcurrentAppends},
		{"delete removes a session", testDelete},
		{"data survives reopen", testDurability},
		{"list after reopen is exact", testEnumerationAfterReopen},
		{"large message round trips", testLargeMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

func newID() string {
	return uuid.New().String()
}

func openStore(t *testing.T, open Opener) session.Store {
	t.Helper()
	store := open(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testCreateEmpty(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)
	id := newID()

	require.NoError(t, store.Create(ctx, id))

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func testDuplicate(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)
	id := newID()

	require.NoError(t, store.Create(ctx, id))
	_, err := store.Append(ctx, id, session.NewMessage(session.RoleUser, "keep me"))
	require.NoError(t, err)

	err = store.Create(ctx, id)
	assert.ErrorIs(t, err, session.ErrDuplicateSession)

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	assert.Len(t, messages, 1, "duplicate create must not reset the session")
}

func testAppendUnknown(t *testing.T, open Opener) {
	store := openStore(t, open)
	_, err := store.Append(context.Background(), newID(), session.NewMessage(session.RoleUser, "hi"))
	assert.ErrorIs(t, err, session.ErrUnknownSession)
}

func testReadUnknown(t *testing.T, open Opener) {
	store := openStore(t, open)
	_, err := store.Read(context.Background(), newID())
	assert.ErrorIs(t, err, session.ErrUnknownSession)
}

func testRoundTrip(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)
	id := newID()
	require.NoError(t, store.Create(ctx, id))

	contents := []string{"first", "second, with unicode ✓", "third\nmultiline", "fourth"}
	var stored []session.Message
	for i, content := range contents {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		msg, err := store.Append(ctx, id, session.NewMessage(role, content))
		require.NoError(t, err)
		stored = append(stored, msg)
	}

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, len(contents))
	for i := range contents {
		assert.Equal(t, stored[i].Role, messages[i].Role)
		assert.Equal(t, contents[i], messages[i].Content)
		assert.True(t, stored[i].Timestamp.Equal(messages[i].Timestamp),
			"timestamp %d: stored %s, read %s", i, stored[i].Timestamp, messages[i].Timestamp)
	}
}

func testAssignsTimestamp(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)
	id := newID()
	require.NoError(t, store.Create(ctx, id))

	before := time.Now().Add(-time.Second)
	msg, err := store.Append(ctx, id, session.Message{Role: session.RoleUser, Content: "no time"})
	require.NoError(t, err)

	assert.False(t, msg.Timestamp.IsZero())
	assert.True(t, msg.Timestamp.After(before))
}

func testMonotonicTimestamps(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)
	id := newID()
	require.NoError(t, store.Create(ctx, id))

	now := time.Now()
	first, err := store.Append(ctx, id, session.Message{Role: session.RoleUser, Content: "now", Timestamp: now})
	require.NoError(t, err)

	second, err := store.Append(ctx, id, session.Message{
		Role:      session.RoleAssistant,
		Content:   "from the past",
		Timestamp: now.Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, second.Timestamp.Before(first.Timestamp))

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.False(t, messages[1].Timestamp.Before(messages[0].Timestamp))
}

func testInvalidMessage(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)
	id := newID()
	require.NoError(t, store.Create(ctx, id))

	_, err := store.Append(ctx, id, session.Message{Role: session.RoleUser})
	assert.ErrorIs(t, err, session.ErrInvalidMessage)

	_, err = store.Append(ctx, id, session.Message{Role: "system", Content: "x"})
	assert.ErrorIs(t, err, session.ErrInvalidMessage)

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func testCopies(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)
	id := newID()
	require.NoError(t, store.Create(ctx, id))
	_, err := store.Append(ctx, id, session.NewMessage(session.RoleUser, "original"))
	require.NoError(t, err)

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	messages[0].Content = "mutated"
	_ = append(messages[:1], session.NewMessage(session.RoleAssistant, "sneaky"))

	again, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "original", again[0].Content)
}

func testEnumeration(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)

	want := make([]string, 5)
	for i := range want {
		want[i] = newID()
		require.NoError(t, store.Create(ctx, want[i]))
	}

	ids, err := store.ListSessionIDs(ctx)
	require.NoError(t, err)
	assert.Subset(t, ids, want)
}

func testIsolation(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)
	a, b := newID(), newID()
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	_, err := store.Append(ctx, a, session.NewMessage(session.RoleUser, "only in a"))
	require.NoError(t, err)

	messages, err := store.Read(ctx, b)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func testConcurrentAppends(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)
	id := newID()
	require.NoError(t, store.Create(ctx, id))

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				content := fmt.Sprintf("writer %d message %d", w, i)
				if _, err := store.Append(ctx, id, session.NewMessage(session.RoleUser, content)); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, writers*perWriter)

	seen := make(map[string]bool)
	for i, msg := range messages {
		seen[msg.Content] = true
		if i > 0 {
			assert.False(t, msg.Timestamp.Before(messages[i-1].Timestamp))
		}
	}
	assert.Len(t, seen, writers*perWriter)
}

func testDelete(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)
	id := newID()
	require.NoError(t, store.Create(ctx, id))

	require.NoError(t, store.Delete(ctx, id))

	_, err := store.Read(ctx, id)
	assert.ErrorIs(t, err, session.ErrUnknownSession)

	ids, err := store.ListSessionIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, id)

	assert.ErrorIs(t, store.Delete(ctx, id), session.ErrUnknownSession)
}

func testDurability(t *testing.T, open Opener) {
	ctx := context.Background()
	store := open(t)
	if !store.Durable() {
		_ = store.Close()
		t.Skip("backend is volatile")
	}

	id := newID()
	require.NoError(t, store.Create(ctx, id))
	_, err := store.Append(ctx, id, session.NewMessage(session.RoleUser, "Hello"))
	require.NoError(t, err)
	_, err = store.Append(ctx, id, session.NewMessage(session.RoleAssistant, "Hi there"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := openStore(t, open)
	messages, err := reopened.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "Hello", messages[0].Content)
	assert.Equal(t, session.RoleAssistant, messages[1].Role)

	ids, err := reopened.ListSessionIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, id)
}

func testEnumerationAfterReopen(t *testing.T, open Opener) {
	ctx := context.Background()
	store := open(t)
	if !store.Durable() {
		_ = store.Close()
		t.Skip("backend is volatile")
	}

	want := []string{newID(), newID(), newID()}
	for _, id := range want {
		require.NoError(t, store.Create(ctx, id))
	}
	require.NoError(t, store.Close())

	reopened := openStore(t, open)
	ids, err := reopened.ListSessionIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, want, ids)
}

func testLargeMessage(t *testing.T, open Opener) {
	ctx := context.Background()
	store := openStore(t, open)
	id := newID()
	require.NoError(t, store.Create(ctx, id))

	big := strings.Repeat("x", 17*1024*1024)
	_, err := store.Append(ctx, id, session.NewMessage(session.RoleUser, "hi"))
	require.NoError(t, err)
	_, err = store.Append(ctx, id, session.NewMessage(session.RoleAssistant, big))
	require.NoError(t, err)

	messages, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, len(big), len(messages[1].Content))
	assert.True(t, messages[1].Content == big)
}
