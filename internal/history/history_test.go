package history

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Andyyyy64/openTiger/internal/stream"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	return store, dir
}

func runID(i int) string {
	return fmt.Sprintf("run-%03d", i)
}

func TestStore_SaveAndGet(t *testing.T) {
	t.Parallel()
	store, dir := newStore(t)

	exit := 0
	entry := &Entry{
		RunID:           "run-123",
		State:           "succeeded",
		Backend:         "claude_code",
		Model:           "sonnet",
		Prompt:          "Fix the bug in auth.go",
		StartedAt:       time.Now().Add(-time.Minute),
		CompletedAt:     time.Now(),
		DurationSeconds: 60.0,
		ExitCode:        &exit,
		RetryCount:      1,
		Output:          "I've fixed the bug in auth.go",
		TokenUsage:      stream.NewTokenUsage(100, 50, 0, nil, nil),
	}
	require.NoError(t, store.Save(entry))

	_, err := os.Stat(filepath.Join(dir, "run-123.json"))
	require.NoError(t, err)

	got, err := store.Get("run-123")
	require.NoError(t, err)
	assert.Equal(t, "claude_code", got.Backend)
	assert.Equal(t, entry.Prompt, got.PromptPreview)
	assert.Equal(t, 150, got.TokenUsage.TotalTokens)
	assert.Equal(t, 1, got.RetryCount)
}

func TestStore_SaveRejectsEmptyID(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)
	assert.Error(t, store.Save(&Entry{}))
}

func TestStore_PreviewTruncation(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)

	long := strings.Repeat("a", 300)
	require.NoError(t, store.Save(&Entry{RunID: "run-long", Prompt: long, Output: long, CompletedAt: time.Now()}))

	got, err := store.Get("run-long")
	require.NoError(t, err)
	assert.Len(t, got.PromptPreview, PreviewLength+3)
	assert.Len(t, got.OutputPreview, PreviewLength+3)
	assert.Equal(t, long, got.Output)
}

func TestStore_DebugLog(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)

	require.NoError(t, store.Save(&Entry{RunID: "run-debug", CompletedAt: time.Now()}))

	raw := []byte(`{"type":"result","result":"done"}`)
	require.NoError(t, store.SaveDebugLog("run-debug", raw))

	got, err := store.Get("run-debug")
	require.NoError(t, err)
	assert.True(t, got.HasDebugLog)

	retrieved, err := store.GetDebugLog("run-debug")
	require.NoError(t, err)
	assert.Equal(t, raw, retrieved)
}

func TestStore_List(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)

	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(&Entry{
			RunID:       runID(i),
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	result := store.List(ListOptions{})
	assert.Equal(t, 5, result.Total)
	require.Len(t, result.Entries, 5)
	assert.Equal(t, runID(4), result.Entries[0].RunID)

	result = store.List(ListOptions{Page: 1, Limit: 2})
	assert.Equal(t, 3, result.TotalPages)
	require.Len(t, result.Entries, 2)
	assert.Equal(t, runID(4), result.Entries[0].RunID)
	assert.Equal(t, runID(3), result.Entries[1].RunID)

	result = store.List(ListOptions{Page: 3, Limit: 2})
	require.Len(t, result.Entries, 1)
	assert.Equal(t, runID(0), result.Entries[0].RunID)

	result = store.List(ListOptions{Page: 9, Limit: 2})
	assert.Empty(t, result.Entries)
	assert.NotNil(t, result.Entries)

	result = store.List(ListOptions{Limit: 500})
	assert.Equal(t, 100, result.Limit)
}

func TestStore_Pruning(t *testing.T) {
	t.Parallel()
	store, dir := newStore(t)

	base := time.Now()
	for i := 0; i < MaxOutlineEntries+5; i++ {
		require.NoError(t, store.Save(&Entry{
			RunID:       runID(i),
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	assert.Equal(t, MaxOutlineEntries, store.List(ListOptions{Limit: 100}).Total)

	for i := 0; i < 5; i++ {
		_, err := store.Get(runID(i))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = os.Stat(filepath.Join(dir, runID(i)+".json"))
		assert.True(t, os.IsNotExist(err))
	}
	_, err := store.Get(runID(MaxOutlineEntries + 4))
	assert.NoError(t, err)
}

func TestStore_DebugPruning(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)

	base := time.Now()
	total := MaxDebugEntries + 5
	for i := 0; i < total; i++ {
		require.NoError(t, store.Save(&Entry{
			RunID:       runID(i),
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		}))
		require.NoError(t, store.SaveDebugLog(runID(i), []byte("raw transcript")))
	}

	for i := 0; i < 5; i++ {
		entry, err := store.Get(runID(i))
		require.NoError(t, err)
		assert.False(t, entry.HasDebugLog, runID(i))
		_, err = store.GetDebugLog(runID(i))
		assert.ErrorIs(t, err, ErrNotFound)
	}
	for i := 5; i < total; i++ {
		entry, err := store.Get(runID(i))
		require.NoError(t, err)
		assert.True(t, entry.HasDebugLog, runID(i))
	}
}

func TestStore_Load(t *testing.T) {
	t.Parallel()
	store1, dir := newStore(t)

	require.NoError(t, store1.Save(&Entry{RunID: "run-persist", Prompt: "Test persistence", CompletedAt: time.Now()}))
	require.NoError(t, store1.SaveDebugLog("run-persist", []byte("debug")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("{not json"), 0o644))

	store2, err := NewStore(dir)
	require.NoError(t, err)

	got, err := store2.Get("run-persist")
	require.NoError(t, err)
	assert.Equal(t, "Test persistence", got.Prompt)
	assert.True(t, got.HasDebugLog)
	assert.Equal(t, 1, store2.List(ListOptions{}).Total)
}

func TestStore_NotFound(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)

	_, err := store.Get("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetDebugLog("../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(&Entry{RunID: "run-nolog", CompletedAt: time.Now()}))
	_, err = store.GetDebugLog("run-nolog")
	assert.ErrorIs(t, err, ErrNotFound)
}
