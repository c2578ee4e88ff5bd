package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupJSONLStore(t *testing.T) (*JSONLStore, string) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func TestJSONLStore_FileLayout(t *testing.T) {
	store, dir := setupJSONLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "abc"))
	_, err := store.Append(ctx, "abc", NewMessage(RoleUser, "Hello"))
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "abc.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(filepath.Join(dir, "abc.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sessionId":"abc"`)
	assert.Contains(t, string(data), `"content":"Hello"`)
}

func TestJSONLStore_SkipsCorruptedLines(t *testing.T) {
	store, dir := setupJSONLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "corrupt"))
	_, err := store.Append(ctx, "corrupt", NewMessage(RoleUser, "valid 1"))
	require.NoError(t, err)

	f, err := os.OpenFile(filepath.Join(dir, "corrupt.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n{\"sessionId\":\"corrupt\",\"message\":{\"role\":\"user\",\"content\":\"\"}}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = store.Append(ctx, "corrupt", NewMessage(RoleAssistant, "valid 2"))
	require.NoError(t, err)

	messages, err := store.Read(ctx, "corrupt")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "valid 1", messages[0].Content)
	assert.Equal(t, "valid 2", messages[1].Content)
}

func TestJSONLStore_MessageLongerThanReadBuffer(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewJSONLStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, "big"))
	_, err = store.Append(ctx, "big", NewMessage(RoleUser, "hi"))
	require.NoError(t, err)

	big := strings.Repeat("x", 17*1024*1024)
	_, err = store.Append(ctx, "big", NewMessage(RoleAssistant, big))
	require.NoError(t, err)
	_, err = store.Append(ctx, "big", NewMessage(RoleUser, "after"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewJSONLStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	messages, err := reopened.Read(ctx, "big")
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, len(big), len(messages[1].Content))
	assert.Equal(t, "after", messages[2].Content)
}

func TestJSONLStore_SkipsTornFinalLine(t *testing.T) {
	store, dir := setupJSONLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "torn"))
	_, err := store.Append(ctx, "torn", NewMessage(RoleUser, "whole"))
	require.NoError(t, err)

	f, err := os.OpenFile(filepath.Join(dir, "torn.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"sessionId":"torn","message":{"role":"assist`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	messages, err := store.Read(ctx, "torn")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "whole", messages[0].Content)
}

func TestJSONLStore_Repair(t *testing.T) {
	store, dir := setupJSONLStore(t)
	ctx := context.Background()
	path := filepath.Join(dir, "repair.jsonl")

	require.NoError(t, store.Create(ctx, "repair"))
	_, err := store.Append(ctx, "repair", NewMessage(RoleUser, "keep"))
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("garbage line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	kept, err := store.Repair(ctx, "repair")
	require.NoError(t, err)
	assert.Equal(t, 1, kept)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "garbage")

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestJSONLStore_RepairUnknown(t *testing.T) {
	store, _ := setupJSONLStore(t)
	_, err := store.Repair(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestJSONLStore_ListIgnoresOtherFiles(t *testing.T) {
	store, dir := setupJSONLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "one"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jsonl"), 0700))

	ids, err := store.ListSessionIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, ids)
}

func TestJSONLStore_RejectsUnsafeIDs(t *testing.T) {
	store, _ := setupJSONLStore(t)
	err := store.Create(context.Background(), "../escape")
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestJSONLStore_ClampsAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewJSONLStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Create(ctx, "s"))
	stored, err := first.Append(ctx, "s", NewMessage(RoleUser, "now"))
	require.NoError(t, err)

	second, err := NewJSONLStore(dir)
	require.NoError(t, err)
	back, err := second.Append(ctx, "s", Message{Role: RoleAssistant, Content: "old", Timestamp: stored.Timestamp.AddDate(-1, 0, 0)})
	require.NoError(t, err)
	assert.True(t, back.Timestamp.Equal(stored.Timestamp))
}
