package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "queue.json"))
}

func TestGetTopNoneWhenEmpty(t *testing.T) {
	q := newTestQueue(t)
	assert.Nil(t, q.GetTop())
}

func TestGetTopReturnsMinimalPriority(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Append(100, KindInventory, nil, "a")
	require.NoError(t, err)
	_, err = q.Append(20, KindExplore, nil, "b")
	require.NoError(t, err)
	_, err = q.Append(100, KindInventory, nil, "c")
	require.NoError(t, err)

	top := q.GetTop()
	require.NotNil(t, top)
	assert.Equal(t, 20, top.Priority)
}

func TestGetTopSkipsFailedItems(t *testing.T) {
	q := newTestQueue(t)
	low, err := q.Append(1, KindPrepare, nil, "failed one")
	require.NoError(t, err)
	_, err = q.Requeue(low.ShortID())
	require.NoError(t, err)
	low.mu.Lock()
	low.ErrorMsg = "boom"
	low.mu.Unlock()

	healthy, err := q.Append(50, KindPrepare, nil, "healthy")
	require.NoError(t, err)

	top := q.GetTop()
	require.NotNil(t, top)
	assert.Equal(t, healthy.ShortID(), top.ShortID())
}

func TestCrashRestartRehydration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q1 := New(path)
	_, err := q1.Append(100, KindInventory, []string{"/a"}, "one")
	require.NoError(t, err)
	_, err = q1.Append(20, KindExplore, []string{"TAPE01"}, "two")
	require.NoError(t, err)
	_, err = q1.Append(100, KindRestore, []string{"/b"}, "three")
	require.NoError(t, err)

	q2 := New(path)
	all := q2.All()
	require.Len(t, all, 3)
	for _, it := range all {
		assert.False(t, it.IsRunning())
	}
	top := q2.GetTop()
	require.NotNil(t, top)
	assert.Equal(t, 20, top.Priority)
}

func TestRequeueClearsErrorMsg(t *testing.T) {
	q := newTestQueue(t)
	item, err := q.Append(1, KindPrepare, nil, "x")
	require.NoError(t, err)
	item.mu.Lock()
	item.ErrorMsg = "boom"
	item.mu.Unlock()
	assert.Nil(t, q.GetTop())

	ok, err := q.Requeue(item.ShortID())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, q.GetTop())
}

func TestWorkerClearsRunningEvenOnPanic(t *testing.T) {
	q := newTestQueue(t)
	q.RegisterHandler(KindPrepare, func(ctx context.Context, item *Item) error {
		panic("boom")
	})
	item, err := q.Append(1, KindPrepare, nil, "panics")
	require.NoError(t, err)

	q.runOne(context.Background(), item)

	assert.False(t, item.IsRunning())
	assert.Contains(t, item.ErrorMsg, "boom")
}

func TestWorkerRemovesOnSuccess(t *testing.T) {
	q := newTestQueue(t)
	q.RegisterHandler(KindPrepare, func(ctx context.Context, item *Item) error { return nil })
	item, err := q.Append(1, KindPrepare, nil, "ok")
	require.NoError(t, err)

	q.runOne(context.Background(), item)

	_, found := q.Find(item.ShortID())
	assert.False(t, found)
}

func TestWorkerQuarantinesFailure(t *testing.T) {
	q := newTestQueue(t)
	boom := errors.New("disk full")
	q.RegisterHandler(KindPrepare, func(ctx context.Context, item *Item) error { return boom })
	item, err := q.Append(1, KindPrepare, nil, "fails")
	require.NoError(t, err)

	q.runOne(context.Background(), item)

	found, ok := q.Find(item.ShortID())
	require.True(t, ok)
	assert.Contains(t, found.ErrorMsg, "disk full")
	assert.Nil(t, q.GetTop())
}

func TestRequestAbortSetsAborted(t *testing.T) {
	item := newItem(1, KindExplore, nil, "x")
	assert.False(t, item.Aborted())
	item.RequestAbort()
	assert.True(t, item.Aborted())
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Worker(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}
