// Package observer implements the ResourceObserver (§4.2): the loop that
// turns Actuator reality into rows. It never mutates operation or desired
// fields — only conditions, phase, and observed_at.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cagojeiger/codehub-controlplane/pkg/log"
	"github.com/cagojeiger/codehub-controlplane/pkg/metrics"
	"github.com/cagojeiger/codehub-controlplane/pkg/operation"
	"github.com/cagojeiger/codehub-controlplane/pkg/redisstate"
	"github.com/cagojeiger/codehub-controlplane/pkg/runtime"
	"github.com/cagojeiger/codehub-controlplane/pkg/storage"
	"github.com/cagojeiger/codehub-controlplane/pkg/types"
)

// Observer is the ResourceObserver. Grounded on cuemby-warren's
// pkg/scheduler.Scheduler loop shape (Start/Stop/run with a ticker and a
// stop channel), generalized to the two-speed cadence of §4.2/§5.
type Observer struct {
	store               storage.Store
	instanceControllers map[string]runtime.InstanceController
	storageProviders    map[string]operation.StorageProvider
	redis               *redisstate.Client // optional: nil disables monitor:trigger
	fanout              int

	baseInterval        time.Duration
	acceleratedInterval time.Duration

	logger zerolog.Logger
	stopCh chan struct{}
}

// New builds an Observer. redis may be nil; its absence only costs
// opportunistic immediate re-probes, never correctness (§5).
func New(
	store storage.Store,
	instanceControllers map[string]runtime.InstanceController,
	storageProviders map[string]operation.StorageProvider,
	redis *redisstate.Client,
	baseInterval, acceleratedInterval time.Duration,
	fanout int,
) *Observer {
	if fanout <= 0 {
		fanout = 10
	}
	return &Observer{
		store:               store,
		instanceControllers: instanceControllers,
		storageProviders:    storageProviders,
		redis:               redis,
		fanout:              fanout,
		baseInterval:        baseInterval,
		acceleratedInterval: acceleratedInterval,
		logger:              log.WithComponent("observer"),
		stopCh:              make(chan struct{}),
	}
}

// Start begins the observer loop in the background.
func (o *Observer) Start(ctx context.Context) {
	go o.run(ctx)
	if o.redis != nil {
		go o.watchMonitorTriggers(ctx)
	}
}

// Stop halts the loop.
func (o *Observer) Stop() { close(o.stopCh) }

func (o *Observer) run(ctx context.Context) {
	timer := time.NewTimer(o.baseInterval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			accelerate := o.tick(ctx)
			timer.Reset(o.interval(accelerate))
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (o *Observer) interval(accelerate bool) time.Duration {
	if accelerate {
		return o.acceleratedInterval
	}
	return o.baseInterval
}

// watchMonitorTriggers forces an immediate re-probe of a single workspace
// whenever the OperationController publishes to monitor:trigger (§4.2).
func (o *Observer) watchMonitorTriggers(ctx context.Context) {
	ch, closeSub := o.redis.SubscribeMonitorTrigger(ctx)
	defer closeSub()
	for {
		select {
		case id, ok := <-ch:
			if !ok {
				return
			}
			w, err := o.store.GetWorkspace(ctx, id)
			if err != nil {
				continue
			}
			o.probeOne(ctx, w)
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one sweep across every non-terminal workspace, bounded by
// fanout, and reports whether the next tick should run at the accelerated
// cadence (any workspace has an operation in flight).
func (o *Observer) tick(ctx context.Context) bool {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ObserveCycleDuration)
	defer metrics.ObserveCyclesTotal.Inc()

	workspaces, err := o.store.ListWorkspaces(ctx, storage.Filter{})
	if err != nil {
		log.Errorf("observer: listing workspaces", err)
		return false
	}

	accelerate := false
	sem := make(chan struct{}, o.fanout)
	var wg sync.WaitGroup
	for _, w := range workspaces {
		if w.Phase == types.PhaseDeleted {
			continue
		}
		if w.OperationField != types.OperationNone {
			accelerate = true
		}
		w := w
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() { recover() }() // a probe panic must not poison siblings
			o.probeOne(ctx, w)
		}()
	}
	wg.Wait()
	return accelerate
}
