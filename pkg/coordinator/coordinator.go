// Package coordinator implements leader election and the top-level loop
// supervision described in §4.6: exactly one process at a time runs the
// ResourceObserver, OperationController, TTL Controller, Archive GC, and CDC
// Bridge, gated on a Postgres advisory lock. Grounded on cuemby-warren's
// pkg/manager.Manager leadership role, generalized from Raft's IsLeader to a
// single advisory-lock holder since this control plane has no replicated log.
package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cagojeiger/codehub-controlplane/pkg/events"
	"github.com/cagojeiger/codehub-controlplane/pkg/gc"
	"github.com/cagojeiger/codehub-controlplane/pkg/log"
	"github.com/cagojeiger/codehub-controlplane/pkg/metrics"
	"github.com/cagojeiger/codehub-controlplane/pkg/observer"
	"github.com/cagojeiger/codehub-controlplane/pkg/operation"
	"github.com/cagojeiger/codehub-controlplane/pkg/storage"
	"github.com/cagojeiger/codehub-controlplane/pkg/ttl"
)

// LockKey is the fixed advisory lock identifying "the leader of this control
// plane." One key, one lock: there is only ever one of these clusters.
const LockKey = 0x636f64656875625f // "codehub_" as an int64

// loop is the narrow Start/Stop shape shared by every controller this
// package supervises.
type loop interface {
	Start(ctx context.Context)
	Stop()
}

// Coordinator holds the advisory lock election and, while leading, runs every
// other control-plane loop plus the CDC bridge.
type Coordinator struct {
	store storage.Store

	operationCtrl *operation.Controller
	observerCtrl  *observer.Observer
	ttlCtrl       *ttl.Controller
	gcCtrl        *gc.Collector
	bridge        *events.Bridge

	electionInterval time.Duration
	logger           zerolog.Logger
	stopCh           chan struct{}
	leading          atomic.Bool
}

// IsLeading reports whether this process currently holds leadership. Safe to
// call from an HTTP readiness handler.
func (c *Coordinator) IsLeading() bool { return c.leading.Load() }

// New builds a Coordinator. Any of the controller arguments may be nil in
// tests that only want to exercise election itself.
func New(
	store storage.Store,
	operationCtrl *operation.Controller,
	observerCtrl *observer.Observer,
	ttlCtrl *ttl.Controller,
	gcCtrl *gc.Collector,
	bridge *events.Bridge,
	electionInterval time.Duration,
) *Coordinator {
	return &Coordinator{
		store:            store,
		operationCtrl:    operationCtrl,
		observerCtrl:     observerCtrl,
		ttlCtrl:          ttlCtrl,
		gcCtrl:           gcCtrl,
		bridge:           bridge,
		electionInterval: electionInterval,
		logger:           log.WithComponent("coordinator"),
		stopCh:           make(chan struct{}),
	}
}

// Start begins the election loop in the background.
func (c *Coordinator) Start(ctx context.Context) { go c.run(ctx) }

// Stop halts the election loop and, if leading, steps down.
func (c *Coordinator) Stop() { close(c.stopCh) }

func (c *Coordinator) run(ctx context.Context) {
	ticker := time.NewTicker(c.electionInterval)
	defer ticker.Stop()

	leading := false
	var stepDown context.CancelFunc

	stopLeading := func() {
		if leading {
			stepDown()
			c.stopLoops()
			metrics.IsLeader.Set(0)
			leading = false
			c.leading.Store(false)
		}
	}
	defer stopLeading()

	for {
		select {
		case <-ticker.C:
			metrics.LeaderElectionAttemptsTotal.Inc()

			if leading {
				alive, err := c.store.LeaderLockAlive(ctx, LockKey)
				if err != nil || !alive {
					log.Warn("coordinator: lost the advisory lock connection, stepping down")
					stopLeading()
					continue
				}
				continue
			}

			acquired, err := c.store.TryAcquireLeaderLock(ctx, LockKey)
			if err != nil {
				log.Errorf("coordinator: acquiring leader lock", err)
				continue
			}
			if !acquired {
				continue
			}

			var leaderCtx context.Context
			leaderCtx, stepDown = context.WithCancel(ctx)
			c.startLoops(leaderCtx)
			metrics.IsLeader.Set(1)
			leading = true
			c.leading.Store(true)
			log.Info("coordinator: acquired leadership, starting control loops")

		case <-c.stopCh:
			if leading {
				_ = c.store.ReleaseLeaderLock(context.Background(), LockKey)
			}
			return
		case <-ctx.Done():
			if leading {
				_ = c.store.ReleaseLeaderLock(context.Background(), LockKey)
			}
			return
		}
	}
}

// startLoops launches every supervised loop with its own panic guard: a
// crash in one controller must never bring down the others or the election
// loop itself.
func (c *Coordinator) startLoops(ctx context.Context) {
	for _, l := range c.loops() {
		c.guard(ctx, l)
	}
	if c.bridge != nil {
		go c.guardFunc(ctx, c.bridge.Run)
	}
}

func (c *Coordinator) stopLoops() {
	for _, l := range c.loops() {
		l.Stop()
	}
}

func (c *Coordinator) loops() []loop {
	var ls []loop
	if c.observerCtrl != nil {
		ls = append(ls, c.observerCtrl)
	}
	if c.operationCtrl != nil {
		ls = append(ls, c.operationCtrl)
	}
	if c.ttlCtrl != nil {
		ls = append(ls, c.ttlCtrl)
	}
	if c.gcCtrl != nil {
		ls = append(ls, c.gcCtrl)
	}
	return ls
}

// guard starts l.Start under a recover so a panic inside one controller's
// loop goroutine is logged and contained rather than crashing the process.
func (c *Coordinator) guard(ctx context.Context, l loop) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("coordinator: loop panicked during startup", nil)
		}
	}()
	l.Start(ctx)
}

// guardFunc runs fn (the CDC bridge's blocking Run) with the same isolation,
// restarting it once if it returns early while still leading.
func (c *Coordinator) guardFunc(ctx context.Context, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("coordinator: CDC bridge panicked", nil)
		}
	}()
	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Errorf("coordinator: CDC bridge exited, restarting", err)
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}
