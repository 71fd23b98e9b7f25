// Package redisstate wraps the advisory Redis state the TTL Controller and
// Archive GC read (§5 "Shared-resource policy": Redis holds ws_conn,
// idle_timer, orphan:*, monitor:trigger — its loss degrades latency and
// precision, never correctness, since the reconciler still converges from
// the database and Actuator probes alone).
package redisstate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// MonitorTriggerChannel is the pub/sub channel the OperationController
// publishes to at operation start/finish, and the ResourceObserver subscribes
// to for its opportunistic immediate re-probe (§4.2).
const MonitorTriggerChannel = "monitor:trigger"

// idleTimerTTL is the five-minute idle window from §4.4: reset on every
// disconnect, and its natural expiry is itself the TTL Controller's signal.
const idleTimerTTL = 5 * time.Minute

// Client wraps a go-redis connection with the workspace-scoped key helpers.
type Client struct {
	rdb *redis.Client
}

// New dials Redis and verifies connectivity with a PING.
func New(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// NewWithClient wraps an existing client, for tests (miniredis) and
// dependency injection.
func NewWithClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func (c *Client) Close() error { return c.rdb.Close() }

func wsConnKey(workspaceID string) string    { return "ws_conn:" + workspaceID }
func idleTimerKey(workspaceID string) string { return "idle_timer:" + workspaceID }
func orphanKey(path string) string           { return "orphan:" + path }

// ConnCount returns the live websocket connection count maintained by the
// proxy for workspaceID. Absent means 0, not an error.
func (c *Client) ConnCount(ctx context.Context, workspaceID string) (int64, error) {
	v, err := c.rdb.Get(ctx, wsConnKey(workspaceID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading ws_conn for %s: %w", workspaceID, err)
	}
	return v, nil
}

// IncrConn and DecrConn are the proxy-side counters; the control plane only
// reads them, but both sides of the contract live here so the key shape is
// defined in one place.
func (c *Client) IncrConn(ctx context.Context, workspaceID string) error {
	if err := c.rdb.Incr(ctx, wsConnKey(workspaceID)).Err(); err != nil {
		return fmt.Errorf("incrementing ws_conn for %s: %w", workspaceID, err)
	}
	return nil
}

func (c *Client) DecrConn(ctx context.Context, workspaceID string) error {
	v, err := c.rdb.Decr(ctx, wsConnKey(workspaceID)).Result()
	if err != nil {
		return fmt.Errorf("decrementing ws_conn for %s: %w", workspaceID, err)
	}
	if v <= 0 {
		// clamp at zero rather than let a double-disconnect race go negative
		if err := c.rdb.Set(ctx, wsConnKey(workspaceID), 0, 0).Err(); err != nil {
			return fmt.Errorf("clamping ws_conn for %s: %w", workspaceID, err)
		}
	}
	return nil
}

// IdleTimerPresent reports whether the five-minute idle window is still
// ticking. Its absence (never set, or naturally expired) is the TTL
// Controller's RUNNING->STANDBY signal (§4.4).
func (c *Client) IdleTimerPresent(ctx context.Context, workspaceID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, idleTimerKey(workspaceID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking idle_timer for %s: %w", workspaceID, err)
	}
	return n > 0, nil
}

// ResetIdleTimer is called by the proxy on every disconnect to arm the
// five-minute window.
func (c *Client) ResetIdleTimer(ctx context.Context, workspaceID string) error {
	if err := c.rdb.Set(ctx, idleTimerKey(workspaceID), "1", idleTimerTTL).Err(); err != nil {
		return fmt.Errorf("resetting idle_timer for %s: %w", workspaceID, err)
	}
	return nil
}

// ClearIdleTimer is called by the proxy on a new connection.
func (c *Client) ClearIdleTimer(ctx context.Context, workspaceID string) error {
	if err := c.rdb.Del(ctx, idleTimerKey(workspaceID)).Err(); err != nil {
		return fmt.Errorf("clearing idle_timer for %s: %w", workspaceID, err)
	}
	return nil
}

// MarkOrphanSeen records the first sighting of an orphaned archive path
// (§4.5): the timestamp is set only if absent, so repeated sweeps don't reset
// the two-hour hold clock.
func (c *Client) MarkOrphanSeen(ctx context.Context, path string, now time.Time) error {
	ok, err := c.rdb.SetNX(ctx, orphanKey(path), now.Unix(), 0).Result()
	if err != nil {
		return fmt.Errorf("marking orphan %s: %w", path, err)
	}
	_ = ok // false just means it was already marked; not an error
	return nil
}

// OrphanSince returns when path was first seen orphaned, and whether it has
// been seen at all.
func (c *Client) OrphanSince(ctx context.Context, path string) (time.Time, bool, error) {
	s, err := c.rdb.Get(ctx, orphanKey(path)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading orphan timestamp for %s: %w", path, err)
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing orphan timestamp for %s: %w", path, err)
	}
	return time.Unix(sec, 0), true, nil
}

// ClearOrphan removes the orphan-since marker, called once the path is
// either reclaimed by a fresh write or deleted by the GC.
func (c *Client) ClearOrphan(ctx context.Context, path string) error {
	if err := c.rdb.Del(ctx, orphanKey(path)).Err(); err != nil {
		return fmt.Errorf("clearing orphan marker for %s: %w", path, err)
	}
	return nil
}

// PublishMonitorTrigger notifies the ResourceObserver to re-probe workspaceID
// immediately, bypassing its normal cadence (§4.2, §4.3's claim/complete
// hooks).
func (c *Client) PublishMonitorTrigger(ctx context.Context, workspaceID string) error {
	if err := c.rdb.Publish(ctx, MonitorTriggerChannel, workspaceID).Err(); err != nil {
		return fmt.Errorf("publishing monitor trigger for %s: %w", workspaceID, err)
	}
	return nil
}

// SubscribeMonitorTrigger returns a channel of workspace ids published to
// MonitorTriggerChannel. The caller must call the returned close function.
func (c *Client) SubscribeMonitorTrigger(ctx context.Context) (<-chan string, func() error) {
	sub := c.rdb.Subscribe(ctx, MonitorTriggerChannel)
	out := make(chan string, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- msg.Payload
		}
	}()
	return out, sub.Close
}
