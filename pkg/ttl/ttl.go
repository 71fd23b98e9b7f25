// Package ttl implements the TTL Controller (§4.4): a 1-minute cadence loop
// that requests desired_state transitions on idle expiry. It never writes
// phase or operation itself — only the service layer's desired_state funnel.
package ttl

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cagojeiger/codehub-controlplane/pkg/log"
	"github.com/cagojeiger/codehub-controlplane/pkg/redisstate"
	"github.com/cagojeiger/codehub-controlplane/pkg/service"
	"github.com/cagojeiger/codehub-controlplane/pkg/storage"
	"github.com/cagojeiger/codehub-controlplane/pkg/types"
)

// Controller is the TTL Controller. Grounded on cuemby-warren's
// pkg/scheduler.Scheduler Start/Stop/ticker-loop shape.
type Controller struct {
	store    storage.Store
	svc      *service.Service
	redis    *redisstate.Client
	interval time.Duration

	logger zerolog.Logger
	stopCh chan struct{}
}

// New builds a TTL Controller. redis is required — without it ws_conn/
// idle_timer are unreadable and the RUNNING->STANDBY rule never fires, but
// the STANDBY->ARCHIVED rule (last_access_at only) still works without Redis.
func New(store storage.Store, svc *service.Service, redis *redisstate.Client, interval time.Duration) *Controller {
	return &Controller{
		store:    store,
		svc:      svc,
		redis:    redis,
		interval: interval,
		logger:   log.WithComponent("ttl"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the loop in the background.
func (c *Controller) Start(ctx context.Context) { go c.run(ctx) }

// Stop halts the loop.
func (c *Controller) Stop() { close(c.stopCh) }

func (c *Controller) run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep implements §4.4's two rules over every RUNNING/STANDBY workspace with
// no operation in flight. A request failure for one workspace is logged and
// does not interrupt the sweep.
func (c *Controller) sweep(ctx context.Context) {
	running, err := c.store.ListWorkspaces(ctx, storage.Filter{Phase: types.PhaseRunning})
	if err != nil {
		log.Errorf("ttl: listing running workspaces", err)
	} else {
		for _, w := range running {
			c.checkRunningToStandby(ctx, w)
		}
	}

	standby, err := c.store.ListWorkspaces(ctx, storage.Filter{Phase: types.PhaseStandby})
	if err != nil {
		log.Errorf("ttl: listing standby workspaces", err)
		return
	}
	for _, w := range standby {
		c.checkStandbyToArchived(ctx, w)
	}
}

// checkRunningToStandby applies "ws_conn=0, idle_timer absent -> STANDBY".
func (c *Controller) checkRunningToStandby(ctx context.Context, w *types.Workspace) {
	if w.OperationField != types.OperationNone {
		return
	}
	if c.redis == nil {
		return
	}

	count, err := c.redis.ConnCount(ctx, w.ID)
	if err != nil {
		log.Errorf("ttl: reading conn count for "+w.ID, err)
		return
	}
	if count > 0 {
		return
	}

	present, err := c.redis.IdleTimerPresent(ctx, w.ID)
	if err != nil {
		log.Errorf("ttl: reading idle timer for "+w.ID, err)
		return
	}
	if present {
		return
	}

	if err := c.svc.RequestDesiredState(ctx, w.ID, types.DesiredStandby); err != nil {
		log.Errorf("ttl: requesting STANDBY for "+w.ID, err)
	}
}

// checkStandbyToArchived applies "now - last_access_at > archive_ttl_seconds -> ARCHIVED".
func (c *Controller) checkStandbyToArchived(ctx context.Context, w *types.Workspace) {
	if w.OperationField != types.OperationNone {
		return
	}
	if w.ArchiveTTLSec <= 0 {
		return
	}
	idleFor := time.Since(w.LastAccessAt)
	if idleFor <= time.Duration(w.ArchiveTTLSec)*time.Second {
		return
	}

	if err := c.svc.RequestDesiredState(ctx, w.ID, types.DesiredArchived); err != nil {
		log.Errorf("ttl: requesting ARCHIVED for "+w.ID, err)
	}
}
