package conversations_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jingkaihe/kodelet-memcore/pkg/conversations"
	"github.com/jingkaihe/kodelet-memcore/pkg/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "memcore-conversations-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := setupTestDir(t)
	ctx := context.Background()

	store, err := conversations.NewJSONStore(ctx, dir)
	require.NoError(t, err)
	defer store.Close()

	record := conversations.New("test-save-load")
	record.Summary = "Hello conversation"
	record.FirstUserPrompt = "Hello"
	record.Messages = []vm.Message{
		{Role: vm.RoleUser, Content: "Hello"},
		{Role: vm.RoleAssistant, Content: "Hi there"},
	}

	require.NoError(t, store.Save(record))

	filePath := filepath.Join(dir, "test-save-load.json")
	_, err = os.Stat(filePath)
	assert.NoError(t, err, "file should exist")

	loaded, err := store.Load("test-save-load")
	require.NoError(t, err)
	assert.Equal(t, record.ID, loaded.ID)
	assert.Equal(t, "Hello conversation", loaded.Summary)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "Hi there", loaded.Messages[1].Content)
}

func TestLoadUnknownIDReturnsError(t *testing.T) {
	dir := setupTestDir(t)
	ctx := context.Background()

	store, err := conversations.NewJSONStore(ctx, dir)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Load("does-not-exist")
	assert.Error(t, err)
}

func TestDeleteRemovesFileAndCacheEntry(t *testing.T) {
	dir := setupTestDir(t)
	ctx := context.Background()

	store, err := conversations.NewJSONStore(ctx, dir)
	require.NoError(t, err)
	defer store.Close()

	record := conversations.New("to-delete")
	require.NoError(t, store.Save(record))
	require.NoError(t, store.Delete("to-delete"))

	_, err = store.Load("to-delete")
	assert.Error(t, err)
}

func TestListReturnsAllSessionsMostRecentFirst(t *testing.T) {
	dir := setupTestDir(t)
	ctx := context.Background()

	store, err := conversations.NewJSONStore(ctx, dir)
	require.NoError(t, err)
	defer store.Close()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Save(conversations.New(id)))
	}

	summaries, err := store.List()
	require.NoError(t, err)
	assert.Len(t, summaries, 3)
}

func TestQuerySearchTermMatchesMessageContent(t *testing.T) {
	dir := setupTestDir(t)
	ctx := context.Background()

	store, err := conversations.NewJSONStore(ctx, dir)
	require.NoError(t, err)
	defer store.Close()

	r1 := conversations.New("r1")
	r1.Messages = []vm.Message{{Role: vm.RoleUser, Content: "tell me about token estimation"}}
	r2 := conversations.New("r2")
	r2.Messages = []vm.Message{{Role: vm.RoleUser, Content: "unrelated content"}}
	require.NoError(t, store.Save(r1))
	require.NoError(t, store.Save(r2))

	results, err := store.Query(conversations.QueryOptions{SearchTerm: "token"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "r1", results[0].ID)
}

func TestQueryLimitAndOffset(t *testing.T) {
	dir := setupTestDir(t)
	ctx := context.Background()

	store, err := conversations.NewJSONStore(ctx, dir)
	require.NoError(t, err)
	defer store.Close()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.Save(conversations.New(id)))
	}

	results, err := store.Query(conversations.QueryOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestGenerateIDIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := conversations.GenerateID()
		assert.False(t, seen[id], "GenerateID produced a duplicate")
		seen[id] = true
	}
}
