package conversation

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilkit/engine/internal/corekit"
)

func testStores(t *testing.T) []Store {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "conversations"))
	require.NoError(t, err)
	return []Store{NewMemoryStore(), fs}
}

func TestCreateGetListLifecycle(t *testing.T) {
	for _, s := range testStores(t) {
		ctx := context.Background()

		_, err := s.CreateConversation(ctx, "acct1", "conv1")
		require.NoError(t, err)

		got, err := s.GetConversation(ctx, "acct1", "conv1")
		require.NoError(t, err)
		assert.Equal(t, "conv1", got.ID)

		list, err := s.ListConversations(ctx, "acct1")
		require.NoError(t, err)
		assert.Len(t, list, 1)

		listOther, err := s.ListConversations(ctx, "acct2")
		require.NoError(t, err)
		assert.Empty(t, listOther)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	for _, s := range testStores(t) {
		_, err := s.GetConversation(context.Background(), "acct1", "missing")
		assert.ErrorIs(t, err, corekit.ErrConversationNotFound)
	}
}

func TestAddMessagesAndTitle(t *testing.T) {
	for _, s := range testStores(t) {
		ctx := context.Background()
		_, err := s.CreateConversation(ctx, "acct1", "conv1")
		require.NoError(t, err)

		require.NoError(t, s.AddUserMessage(ctx, "acct1", "conv1", "hello"))

		stage3, _ := json.Marshal(map[string]string{"response": "hi"})
		require.NoError(t, s.AddAssistantMessage(ctx, "acct1", "conv1", nil, nil, stage3))

		require.NoError(t, s.UpdateConversationTitle(ctx, "acct1", "conv1", "Greeting"))

		got, err := s.GetConversation(ctx, "acct1", "conv1")
		require.NoError(t, err)
		assert.Equal(t, "Greeting", got.Title)
		require.Len(t, got.Messages, 2)
		assert.Equal(t, "user", got.Messages[0].Role)
		assert.Equal(t, "assistant", got.Messages[1].Role)
	}
}

func TestAddUserMessageUnknownConversation(t *testing.T) {
	for _, s := range testStores(t) {
		err := s.AddUserMessage(context.Background(), "acct1", "missing", "hi")
		assert.ErrorIs(t, err, corekit.ErrConversationNotFound)
	}
}

func TestAccountScopingIsolatesConversationsWithSameID(t *testing.T) {
	for _, s := range testStores(t) {
		ctx := context.Background()
		_, err := s.CreateConversation(ctx, "acct1", "conv1")
		require.NoError(t, err)

		_, err = s.GetConversation(ctx, "acct2", "conv1")
		assert.ErrorIs(t, err, corekit.ErrConversationNotFound)
	}
}
