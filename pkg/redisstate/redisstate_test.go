package redisstate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewWithClient(rdb)
}

func TestConnCount_AbsentIsZero(t *testing.T) {
	c := newTestClient(t)
	n, err := c.ConnCount(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestIncrDecrConn(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.IncrConn(ctx, "ws-1"))
	require.NoError(t, c.IncrConn(ctx, "ws-1"))
	n, err := c.ConnCount(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, c.DecrConn(ctx, "ws-1"))
	require.NoError(t, c.DecrConn(ctx, "ws-1"))
	require.NoError(t, c.DecrConn(ctx, "ws-1")) // would go negative; clamps to 0
	n, err = c.ConnCount(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestIdleTimer(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	present, err := c.IdleTimerPresent(ctx, "ws-1")
	require.NoError(t, err)
	assert.False(t, present)

	require.NoError(t, c.ResetIdleTimer(ctx, "ws-1"))
	present, err = c.IdleTimerPresent(ctx, "ws-1")
	require.NoError(t, err)
	assert.True(t, present)

	require.NoError(t, c.ClearIdleTimer(ctx, "ws-1"))
	present, err = c.IdleTimerPresent(ctx, "ws-1")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestOrphanTracking_FirstSightingThenHold(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	path := "archives/ws-1/op-1/home.tar.zst"

	_, seen, err := c.OrphanSince(ctx, path)
	require.NoError(t, err)
	assert.False(t, seen)

	first := time.Unix(1000, 0)
	require.NoError(t, c.MarkOrphanSeen(ctx, path, first))

	// a later sweep's sighting does not reset the clock
	later := first.Add(time.Hour)
	require.NoError(t, c.MarkOrphanSeen(ctx, path, later))

	since, seen, err := c.OrphanSince(ctx, path)
	require.NoError(t, err)
	require.True(t, seen)
	assert.Equal(t, first.Unix(), since.Unix())

	require.NoError(t, c.ClearOrphan(ctx, path))
	_, seen, err = c.OrphanSince(ctx, path)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMonitorTriggerPubSub(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, closeSub := c.SubscribeMonitorTrigger(ctx)
	defer closeSub()

	// miniredis pub/sub delivery is synchronous with Publish, but give the
	// subscription goroutine a moment to register.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.PublishMonitorTrigger(ctx, "ws-1"))

	select {
	case id := <-ch:
		assert.Equal(t, "ws-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for monitor trigger")
	}
}
