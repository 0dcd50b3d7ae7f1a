// ABOUTME: Tests for message reads and appends on SQLStore
// ABOUTME: Ordering, newest-N limits and duplicate message ids

package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_ListMessages_Order(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	conv := seedConversation(t, store)

	// Save messages in order
	for i, body := range []string{"first", "second", "third"} {
		msg := &Message{
			ID:             fmt.Sprintf("msg-%d", i),
			ConversationID: conv.ID,
			Role:           RoleUser,
			Sender:         conv.CustomerID,
			Body:           body,
			CreatedAt:      time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second),
		}
		require.NoError(t, store.AppendMessage(ctx, msg))
	}

	messages, err := store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	// Should be in chronological order
	assert.Equal(t, "first", messages[0].Body)
	assert.Equal(t, "second", messages[1].Body)
	assert.Equal(t, "third", messages[2].Body)
}

func TestStore_ListMessages_LimitKeepsNewest(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	conv := seedConversation(t, store)

	for i := range 5 {
		require.NoError(t, store.AppendMessage(ctx, &Message{
			ConversationID: conv.ID,
			Role:           RoleUser,
			Sender:         conv.CustomerID,
			Body:           fmt.Sprintf("m%d", i),
		}))
	}

	messages, err := store.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "m3", messages[0].Body)
	assert.Equal(t, "m4", messages[1].Body)
	assert.Equal(t, int64(5), messages[1].Seq)
}

func TestStore_AppendMessage_DuplicateID(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	conv := seedConversation(t, store)

	msg := &Message{ID: "msg-1", ConversationID: conv.ID, Role: RoleUser, Sender: conv.CustomerID, Body: "hi"}
	require.NoError(t, store.AppendMessage(ctx, msg))

	// Second insert with the same id should fail and not consume a sequence number
	dup := &Message{ID: "msg-1", ConversationID: conv.ID, Role: RoleUser, Sender: conv.CustomerID, Body: "hi again"}
	assert.ErrorIs(t, store.AppendMessage(ctx, dup), ErrDuplicateMessage)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.LastSeq)
}

func TestStore_ListMessages_Empty(t *testing.T) {
	store := newTestStore(t)
	conv := seedConversation(t, store)

	messages, err := store.ListMessages(t.Context(), conv.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestStore_GetMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	conv := seedConversation(t, store)

	msg := &Message{ID: "msg-1", ConversationID: conv.ID, Role: RoleUser, Sender: conv.CustomerID, Body: "hi", MediaRef: "s3://b/k"}
	require.NoError(t, store.AppendMessage(ctx, msg))

	got, err := store.GetMessage(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ConversationID)
	assert.Equal(t, int64(1), got.Seq)
	assert.Equal(t, "s3://b/k", got.MediaRef)

	_, err = store.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
