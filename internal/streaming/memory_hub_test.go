package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func assertNothing(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected event %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	idx := 1
	require.NoError(t, hub.Publish(ctx, StreamEvent{
		ExecutionID: "exec-1",
		StepIndex:   &idx,
		EventType:   "step_completed",
		Payload:     map[string]any{"agent_ref": "pm-copilot"},
	}))

	got := recv(t, ch)
	assert.Equal(t, "exec-1", got.ExecutionID)
	require.NotNil(t, got.StepIndex)
	assert.Equal(t, 1, *got.StepIndex)
}

func TestMemoryHub_Filters(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	byExec, c1, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer c1()
	bySubject, c2, err := hub.Subscribe(ctx, EventFilter{Subject: "work_order/wo-1"})
	require.NoError(t, err)
	defer c2()
	byType, c3, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"execution_completed"}})
	require.NoError(t, err)
	defer c3()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-2", EventType: "step_started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", Subject: "work_order/wo-1", EventType: "execution_completed"}))

	assert.Equal(t, "exec-1", recv(t, byExec).ExecutionID)
	assert.Equal(t, "work_order/wo-1", recv(t, bySubject).Subject)
	assert.Equal(t, "execution_completed", recv(t, byType).EventType)
	assertNothing(t, byExec)
}

func TestMemoryHub_CancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())
	_, open := <-ch
	assert.False(t, open)

	require.NoError(t, hub.Publish(ctx, StreamEvent{EventType: "x"}))
}

func TestMemoryHub_SlowSubscriberDrops(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for range defaultChannelBuffer + 10 {
		require.NoError(t, hub.Publish(ctx, StreamEvent{EventType: "x"}))
	}
	assert.EqualValues(t, 10, hub.Dropped())
}

func TestMemoryHub_CancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Publish(ctx, StreamEvent{}))
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}

func TestMemoryHub_ConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = hub.Publish(ctx, StreamEvent{EventType: "x"})
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 20)
}
