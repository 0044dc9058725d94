package taskstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

func TestLiveDetailsLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	live, err := store.GetLiveDetails(ctx, "octo-webapp-7")
	require.NoError(t, err)
	assert.Empty(t, live.Todos)
	assert.Empty(t, live.Events)

	require.NoError(t, store.UpdateTodos(ctx, "octo-webapp-7", []v1.Todo{
		{ID: "1", Status: v1.TodoStatusInProgress, Content: "reproduce the bug"},
		{ID: "2", Status: v1.TodoStatusPending, Content: "write a fix"},
	}))
	require.NoError(t, store.SetCurrentActivity(ctx, "octo-webapp-7", "reading handler.go"))
	require.NoError(t, store.AppendLiveEvent(ctx, "octo-webapp-7", v1.LiveEvent{
		Type: "tool_use", ToolName: "read_file",
	}))

	live, err = store.GetLiveDetails(ctx, "octo-webapp-7")
	require.NoError(t, err)
	require.Len(t, live.Todos, 2)
	assert.Equal(t, "reading handler.go", live.CurrentTask)
	require.Len(t, live.Events, 1)
	assert.Equal(t, "read_file", live.Events[0].ToolName)
	assert.False(t, live.UpdatedAt.IsZero())
}

func TestUpdateTodosReplacesWholesale(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpdateTodos(ctx, "octo-webapp-7", []v1.Todo{
		{ID: "1", Status: v1.TodoStatusPending, Content: "old item"},
		{ID: "2", Status: v1.TodoStatusPending, Content: "another old item"},
	}))
	require.NoError(t, store.UpdateTodos(ctx, "octo-webapp-7", []v1.Todo{
		{ID: "3", Status: v1.TodoStatusInProgress, Content: "new item"},
	}))

	live, err := store.GetLiveDetails(ctx, "octo-webapp-7")
	require.NoError(t, err)
	require.Len(t, live.Todos, 1)
	assert.Equal(t, "3", live.Todos[0].ID)
}

func TestAppendLiveEventCapsRing(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < maxLiveEvents+5; i++ {
		require.NoError(t, store.AppendLiveEvent(ctx, "octo-webapp-7", v1.LiveEvent{
			Type:    "thought",
			Content: fmt.Sprintf("event %d", i),
		}))
	}

	live, err := store.GetLiveDetails(ctx, "octo-webapp-7")
	require.NoError(t, err)
	require.Len(t, live.Events, maxLiveEvents)
	assert.Equal(t, "event 5", live.Events[0].Content)
	assert.Equal(t, fmt.Sprintf("event %d", maxLiveEvents+4), live.Events[len(live.Events)-1].Content)
}

func TestClearLive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetCurrentActivity(ctx, "octo-webapp-7", "working"))
	require.NoError(t, store.ClearLive(ctx, "octo-webapp-7"))

	live, err := store.GetLiveDetails(ctx, "octo-webapp-7")
	require.NoError(t, err)
	assert.Empty(t, live.CurrentTask)
}
