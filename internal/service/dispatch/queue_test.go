package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/tavern-irc/internal/model/chat"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestQueueRunsJobsInOrderPerKey(t *testing.T) {
	q := NewQueue(16, time.Second, zaptest.NewLogger(t), nil)
	key := chat.NewKey("#tavern", "alice")

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		_, err := q.Submit(key, "step", func(context.Context) {
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	require.NoError(t, q.Close(5*time.Second))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestQueueRunsKeysConcurrently(t *testing.T) {
	q := NewQueue(4, time.Second, nil, nil)
	release := make(chan struct{})
	started := make(chan string, 2)

	for _, nick := range []string{"alice", "bob"} {
		nick := nick
		_, err := q.Submit(chat.NewKey("#tavern", nick), "block", func(context.Context) {
			started <- nick
			<-release
		})
		require.NoError(t, err)
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case nick := <-started:
			got[nick] = true
		case <-time.After(2 * time.Second):
			t.Fatal("lanes did not run concurrently")
		}
	}
	assert.Len(t, got, 2)
	assert.Equal(t, 2, q.Busy())

	close(release)
	require.NoError(t, q.Close(time.Second))
	assert.Zero(t, q.Busy())
}

func TestQueueDropsBeyondDepth(t *testing.T) {
	q := NewQueue(1, time.Second, nil, nil)
	key := chat.NewKey("#tavern", "alice")
	release := make(chan struct{})
	running := make(chan struct{})

	_, err := q.Submit(key, "first", func(context.Context) {
		close(running)
		<-release
	})
	require.NoError(t, err)
	<-running

	_, err = q.Submit(key, "second", func(context.Context) {})
	require.NoError(t, err)

	_, err = q.Submit(key, "third", func(context.Context) {})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	require.NoError(t, q.Close(time.Second))
}

func TestQueueRecoversFromPanic(t *testing.T) {
	q := NewQueue(4, time.Second, zaptest.NewLogger(t), nil)
	key := chat.NewKey("#tavern", "alice")

	var ran atomic.Bool
	_, err := q.Submit(key, "boom", func(context.Context) { panic("bad job") })
	require.NoError(t, err)
	_, err = q.Submit(key, "after", func(context.Context) { ran.Store(true) })
	require.NoError(t, err)

	require.NoError(t, q.Close(time.Second))
	assert.True(t, ran.Load())
}

func TestQueueJobTimeout(t *testing.T) {
	q := NewQueue(4, 20*time.Millisecond, nil, nil)

	var gotErr atomic.Value
	_, err := q.Submit(chat.NewKey("#tavern", "alice"), "slow", func(ctx context.Context) {
		<-ctx.Done()
		gotErr.Store(ctx.Err())
	})
	require.NoError(t, err)

	require.NoError(t, q.Close(time.Second))
	assert.Equal(t, context.DeadlineExceeded, gotErr.Load())
}

func TestQueueCloseRejectsAndCancels(t *testing.T) {
	q := NewQueue(4, time.Hour, nil, nil)
	key := chat.NewKey("#tavern", "alice")

	_, err := q.Submit(key, "stuck", func(ctx context.Context) { <-ctx.Done() })
	require.NoError(t, err)

	err = q.Close(20 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = q.Submit(key, "late", func(context.Context) {})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueTaskIDsAreUnique(t *testing.T) {
	q := NewQueue(8, time.Second, nil, nil)
	key := chat.NewKey(chat.PrivateScope, "alice")

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		id, err := q.Submit(key, "noop", func(context.Context) {})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
	require.NoError(t, q.Close(time.Second))
}
