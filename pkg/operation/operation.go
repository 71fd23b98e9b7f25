// Package operation implements the OperationController (§4.3): the
// reconciler that drives phase toward desired_state by selecting, claiming,
// executing, and concluding exactly one operation at a time per workspace.
package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cagojeiger/codehub-controlplane/pkg/controlerror"
	"github.com/cagojeiger/codehub-controlplane/pkg/log"
	"github.com/cagojeiger/codehub-controlplane/pkg/metrics"
	"github.com/cagojeiger/codehub-controlplane/pkg/runtime"
	"github.com/cagojeiger/codehub-controlplane/pkg/storage"
	"github.com/cagojeiger/codehub-controlplane/pkg/types"
	"github.com/google/uuid"
)

// MaxAttempts bounds retries within a single operation invocation (§4.3: "at
// most 3 attempts per operation invocation, 30s between attempts").
const MaxAttempts = 3

// AttemptBackoff is the fixed M2 interval between attempts; exponential
// backoff is left for a later milestone (§4.3).
const AttemptBackoff = 30 * time.Second

// Controller is the OperationController. One instance runs per leader
// process; multiple may coexist transiently during leader handover, which is
// why every mutation goes through Store's CAS primitives. Grounded on
// cuemby-warren's pkg/scheduler.Scheduler loop shape, generalized to the
// two-speed cadence of §4.3/§5 (the same shape pkg/observer reuses).
type Controller struct {
	store               storage.Store
	instanceControllers map[string]runtime.InstanceController
	storageProviders    map[string]StorageProvider
	fanout              int

	baseInterval        time.Duration
	acceleratedInterval time.Duration
	stopCh              chan struct{}

	mu       sync.Mutex
	attempts map[string]int // keyed by op_id, reset whenever op_id changes
}

// New builds a Controller with per-backend Actuators pre-resolved (they hold
// live connections — containerd sockets, k8s clientsets — so they are built
// once, not per tick).
func New(store storage.Store, instanceControllers map[string]runtime.InstanceController, storageProviders map[string]StorageProvider, fanout int) *Controller {
	return NewWithIntervals(store, instanceControllers, storageProviders, fanout, 30*time.Second, 2*time.Second)
}

// NewWithIntervals is New with explicit base/accelerated cadences (§5's
// 30s/2-5s OperationController row); the coordinator wires these from config.
func NewWithIntervals(store storage.Store, instanceControllers map[string]runtime.InstanceController, storageProviders map[string]StorageProvider, fanout int, baseInterval, acceleratedInterval time.Duration) *Controller {
	if fanout <= 0 {
		fanout = 10
	}
	return &Controller{
		store:               store,
		instanceControllers: instanceControllers,
		storageProviders:    storageProviders,
		fanout:              fanout,
		baseInterval:        baseInterval,
		acceleratedInterval: acceleratedInterval,
		stopCh:              make(chan struct{}),
		attempts:            make(map[string]int),
	}
}

// Start begins the controller's loop in the background.
func (c *Controller) Start(ctx context.Context) { go c.run(ctx) }

// Stop halts the loop.
func (c *Controller) Stop() { close(c.stopCh) }

func (c *Controller) run(ctx context.Context) {
	timer := time.NewTimer(c.baseInterval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			accelerate, err := c.Tick(ctx)
			if err != nil {
				log.Errorf("operation: tick failed", err)
			}
			timer.Reset(c.interval(accelerate))
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) interval(accelerate bool) time.Duration {
	if accelerate {
		return c.acceleratedInterval
	}
	return c.baseInterval
}

func (c *Controller) instanceControllerFor(w *types.Workspace) (runtime.InstanceController, error) {
	ic, ok := c.instanceControllers[w.InstanceBackend]
	if !ok {
		return nil, controlerror.New(types.ReasonActionFailed, "no instance controller for backend "+w.InstanceBackend, nil)
	}
	return ic, nil
}

func (c *Controller) storageProviderFor(w *types.Workspace) (StorageProvider, error) {
	sp, ok := c.storageProviders[w.StorageBackend]
	if !ok {
		return nil, controlerror.New(types.ReasonActionFailed, "no storage provider for backend "+w.StorageBackend, nil)
	}
	return sp, nil
}

// Tick runs one reconciliation pass over every workspace that might need
// attention: anything with an in-flight operation, plus anything whose phase
// and desired_state disagree. Work fans out up to c.fanout at a time.
func (c *Controller) Tick(ctx context.Context) (bool, error) {
	candidates, err := c.store.ListWorkspaces(ctx, storage.Filter{})
	if err != nil {
		return false, err
	}

	accelerate := false
	sem := make(chan struct{}, c.fanout)
	var wg sync.WaitGroup
	for _, w := range candidates {
		if !c.needsAttention(w) {
			continue
		}
		accelerate = true
		w := w
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					log.Errorf(fmt.Sprintf("operation: reconcile panicked for workspace %s: %v", w.ID, r), nil)
				}
			}()
			c.reconcileOne(ctx, w)
		}()
	}
	wg.Wait()
	return accelerate, nil
}

func (c *Controller) needsAttention(w *types.Workspace) bool {
	if w.Phase == types.PhaseDeleting {
		return true
	}
	if w.Phase == types.PhaseDeleted {
		return false
	}
	if w.OperationField != types.OperationNone {
		return true
	}
	if w.Phase == types.PhaseError {
		return w.DesiredState == types.DesiredDeleted
	}
	return string(w.Phase) != string(w.DesiredState)
}

func (c *Controller) reconcileOne(ctx context.Context, w *types.Workspace) {
	switch {
	case w.Phase == types.PhaseDeleting:
		c.advanceDeleting(ctx, w)
	case w.Phase == types.PhaseDeleted:
		// nothing left to do; GC owns archive cleanup from here.
	case w.Phase == types.PhaseError:
		if w.DesiredState == types.DesiredDeleted {
			c.claimAndRun(ctx, w, types.OperationDeleting)
		}
	case w.OperationField != types.OperationNone:
		c.advance(ctx, w)
	case string(w.Phase) == string(w.DesiredState):
		// converged
	default:
		c.plan(ctx, w)
	}
}

// plan selects and claims the next single-step operation, per the §4.3 table.
func (c *Controller) plan(ctx context.Context, w *types.Workspace) {
	if w.Phase == types.PhaseDeleted || w.Phase == types.PhaseDeleting {
		return
	}
	if w.DesiredState == types.DesiredDeleted {
		c.claimAndRun(ctx, w, types.OperationDeleting)
		return
	}
	op, archivedToPending, ok := selectOperation(w.Phase, w.DesiredState)
	if archivedToPending {
		c.archiveToPendingDirect(ctx, w)
		return
	}
	if !ok {
		log.Debug("operation: no selection table entry for phase=" + string(w.Phase) + " desired=" + string(w.DesiredState))
		return
	}
	c.claimAndRun(ctx, w, op)
}

// archiveToPendingDirect handles ARCHIVED->PENDING, which the table marks
// with no Actuator-driven operation: delete the archive object, clear
// archive_key. Idempotent; safe for more than one reconciler to race on.
func (c *Controller) archiveToPendingDirect(ctx context.Context, w *types.Workspace) {
	sp, err := c.storageProviderFor(w)
	if err != nil {
		log.Errorf("operation: resolving storage provider for "+w.ID, err)
		return
	}
	if err := sp.DeleteArchive(ctx, w.ArchiveKey); err != nil {
		log.Errorf("operation: deleting archive for "+w.ID, err)
		return
	}
	if err := c.store.UpdateOperationProgress(ctx, w.ID, w.OpID, "", w.HomeCtx); err != nil {
		log.Errorf("operation: clearing archive_key for "+w.ID, err)
	}
}

func (c *Controller) claimAndRun(ctx context.Context, w *types.Workspace, op types.Operation) {
	opID := uuid.NewString()
	claimed, err := c.store.ClaimOperation(ctx, w.ID, op, opID)
	if err != nil {
		if err == storage.ErrCASFailed {
			return // another reconciler won the race
		}
		log.Errorf("operation: claiming "+string(op)+" for "+w.ID, err)
		return
	}
	metrics.OperationsClaimedTotal.WithLabelValues(string(op)).Inc()
	c.runAttempt(ctx, claimed)
}

// advance drives an in-flight operation: check timeout, check the completion
// predicate against last-observed conditions, otherwise run one more
// idempotent Actuator attempt.
func (c *Controller) advance(ctx context.Context, w *types.Workspace) {
	spec, ok := opSpecs[w.OperationField]
	if !ok {
		log.Errorf("operation: unknown in-flight operation "+string(w.OperationField)+" for "+w.ID, nil)
		return
	}

	if w.OpStartedAt != nil && time.Since(*w.OpStartedAt) > spec.timeout {
		metrics.OperationTimeoutsTotal.WithLabelValues(string(w.OperationField)).Inc()
		c.terminalFail(ctx, w, controlerror.New(types.ReasonTimeout, "operation exceeded its deadline", nil))
		return
	}

	if spec.done(w) {
		c.complete(ctx, w)
		return
	}

	c.runAttempt(ctx, w)
}

// runAttempt executes one Actuator-sequence attempt for w's current
// operation, honoring the fixed per-operation-invocation retry budget.
func (c *Controller) runAttempt(ctx context.Context, w *types.Workspace) {
	spec, ok := opSpecs[w.OperationField]
	if !ok {
		return
	}

	attempt := c.bumpAttempt(w.OpID)
	if attempt > MaxAttempts {
		c.terminalFail(ctx, w, controlerror.New(types.ReasonRetryExceeded, "exceeded max attempts for operation", nil))
		return
	}
	if attempt > 1 {
		time.Sleep(AttemptBackoff)
	}

	if err := spec.run(ctx, c, w); err != nil {
		log.Errorf(fmt.Sprintf("operation: attempt %d of %s failed for %s", attempt, w.OperationField, w.ID), err)

		var classified *controlerror.Classified
		if errors.As(err, &classified) && classified.TerminalImmediately() {
			// §7: Timeout/RetryExceeded/DataLost go terminal on the first
			// occurrence, bypassing the attempt counter entirely.
			c.terminalFail(ctx, w, classified)
			return
		}
		// Retryable (or unclassified): leave operation in flight; next tick
		// retries, or bumpAttempt's own exhaustion check above goes terminal
		// with ReasonRetryExceeded.
		return
	}

	fresh, err := c.store.GetWorkspace(ctx, w.ID)
	if err != nil {
		log.Errorf("operation: re-reading workspace after actuator run for "+w.ID, err)
		return
	}
	if spec.done(fresh) {
		c.complete(ctx, fresh)
	}
}

func (c *Controller) bumpAttempt(opID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[opID]++
	return c.attempts[opID]
}

func (c *Controller) clearAttempts(opID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, opID)
}

func (c *Controller) complete(ctx context.Context, w *types.Workspace) {
	if err := c.store.CompleteOperation(ctx, w.ID, w.OpID, storage.OperationResult{Success: true}); err != nil {
		log.Errorf("operation: completing "+string(w.OperationField)+" for "+w.ID, err)
		return
	}
	metrics.OperationsCompletedTotal.WithLabelValues(string(w.OperationField), "success").Inc()
	c.observeDuration(w)
	c.clearAttempts(w.OpID)

	if w.OperationField == types.OperationDeleting {
		if err := c.store.HardDeleteWorkspace(ctx, w.ID); err != nil {
			log.Errorf("operation: hard-deleting "+w.ID, err)
		}
	}
}

func (c *Controller) terminalFail(ctx context.Context, w *types.Workspace, classified *controlerror.Classified) {
	info := classified.ToInfo(w.OperationField, w.ErrorCount+1, time.Now())
	if err := c.store.CompleteOperation(ctx, w.ID, w.OpID, storage.OperationResult{Success: false, Error: info}); err != nil {
		log.Errorf("operation: recording terminal error for "+w.ID, err)
		return
	}
	metrics.OperationsCompletedTotal.WithLabelValues(string(w.OperationField), "terminal").Inc()
	c.observeDuration(w)
	c.clearAttempts(w.OpID)
}

func (c *Controller) observeDuration(w *types.Workspace) {
	if w.OpStartedAt == nil {
		return
	}
	metrics.OperationDuration.WithLabelValues(string(w.OperationField)).Observe(time.Since(*w.OpStartedAt).Seconds())
}

// advanceDeleting handles phase=DELETING the same as any other in-flight
// operation would be, since DELETING both is a phase and (once claimed) an
// operation (§4.3 item 1 folds into the generic in-flight advance).
func (c *Controller) advanceDeleting(ctx context.Context, w *types.Workspace) {
	if w.OperationField == types.OperationDeleting {
		c.advance(ctx, w)
		return
	}
	c.claimAndRun(ctx, w, types.OperationDeleting)
}
