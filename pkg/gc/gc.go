// Package gc implements the Archive Garbage Collector (§4.5): an hourly sweep
// that deletes object-storage archives orphaned by op_id churn or workspace
// deletion, never acting on a single observation.
package gc

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cagojeiger/codehub-controlplane/pkg/log"
	"github.com/cagojeiger/codehub-controlplane/pkg/objectstore"
	"github.com/cagojeiger/codehub-controlplane/pkg/redisstate"
	"github.com/cagojeiger/codehub-controlplane/pkg/storage"
	"github.com/cagojeiger/codehub-controlplane/pkg/types"
)

const archivesPrefix = "archives/"

// Collector is the Archive Garbage Collector. Grounded on cuemby-warren's
// pkg/scheduler.Scheduler loop shape, reused a fourth time across this repo's
// four cooperating controllers.
type Collector struct {
	store   storage.Store
	objects map[string]objectstore.Store // keyed by storage_backend
	redis   *redisstate.Client
	hold    time.Duration

	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New builds a Collector. hold is the minimum time an object must sit
// orphaned before deletion (§4.5: 2 hours, config.GCOrphanHold).
func New(store storage.Store, objects map[string]objectstore.Store, redis *redisstate.Client, interval, hold time.Duration) *Collector {
	return &Collector{
		store:    store,
		objects:  objects,
		redis:    redis,
		hold:     hold,
		interval: interval,
		logger:   log.WithComponent("gc"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the loop in the background.
func (c *Collector) Start(ctx context.Context) { go c.run(ctx) }

// Stop halts the loop.
func (c *Collector) Stop() { close(c.stopCh) }

func (c *Collector) run(ctx context.Context) {
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

// protectionSet is built from a single read-consistent workspace listing
// (§4.5's three priorities). objectKeys holds individually-protected archive
// objects (archive_key + its .meta sidecar); prefixes holds whole
// archives/{id}/{op_id}/ directories that must survive regardless of which
// object inside them is being examined.
type protectionSet struct {
	objectKeys map[string]bool
	prefixes   []string
}

func (p protectionSet) protects(key string) bool {
	if p.objectKeys[key] {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func buildProtectionSet(workspaces []*types.Workspace) protectionSet {
	set := protectionSet{objectKeys: map[string]bool{}}
	for _, w := range workspaces {
		// Priority 1: deleted_at != nil protects the archive object (until
		// hard-deleted) but explicitly drops op_id prefix protection.
		if w.DeletedAt != nil {
			if w.ArchiveKey != "" {
				set.objectKeys[w.ArchiveKey] = true
				set.objectKeys[objectstore.MetaKey(w.ArchiveKey)] = true
			}
			continue
		}

		healthy := w.Conditions[types.ConditionPolicyHealthy].Status
		if !healthy {
			// Priority 2: unhealthy rows protect both the committed archive
			// and any in-flight op_id prefix.
			if w.ArchiveKey != "" {
				set.objectKeys[w.ArchiveKey] = true
				set.objectKeys[objectstore.MetaKey(w.ArchiveKey)] = true
			}
			if w.OpID != "" {
				set.prefixes = append(set.prefixes, archivesPrefix+w.ID+"/"+w.OpID+"/")
			}
			continue
		}

		// Priority 3: op_id != "" protects only the archives/{id}/{op_id}/
		// prefix, not the archive_key object directly — op_id is never
		// cleared on completion (§4.3), so this prefix already covers the
		// currently-referenced archive once one exists.
		if w.OpID != "" {
			set.prefixes = append(set.prefixes, archivesPrefix+w.ID+"/"+w.OpID+"/")
		}
	}
	return set
}

// sweep lists every archive object across every configured storage backend,
// protects anything the current workspace snapshot still needs, and deletes
// whatever has sat orphaned past the hold window.
func (c *Collector) sweep(ctx context.Context) {
	workspaces, err := c.store.ListWorkspaces(ctx, storage.Filter{})
	if err != nil {
		log.Errorf("gc: listing workspaces", err)
		return
	}
	protected := buildProtectionSet(workspaces)

	for backend, store := range c.objects {
		keys, err := store.List(ctx, archivesPrefix)
		if err != nil {
			log.Errorf("gc: listing archives for backend "+backend, err)
			continue
		}
		for _, key := range keys {
			if protected.protects(key) {
				c.clearOrphan(ctx, key)
				continue
			}
			c.handleOrphan(ctx, store, key)
		}
	}
}

func (c *Collector) handleOrphan(ctx context.Context, store objectstore.Store, key string) {
	if c.redis == nil {
		// Without Redis there's nowhere durable to remember "first sighting,"
		// so GC degrades to never deleting rather than risk a same-sweep
		// delete on a single observation (§4.5's core safety rule).
		return
	}

	since, found, err := c.redis.OrphanSince(ctx, key)
	if err != nil {
		log.Errorf("gc: reading orphan timestamp for "+key, err)
		return
	}
	if !found {
		if err := c.redis.MarkOrphanSeen(ctx, key, time.Now()); err != nil {
			log.Errorf("gc: marking orphan seen for "+key, err)
		}
		return
	}

	if time.Since(since) < c.hold {
		return
	}

	if err := store.Delete(ctx, key); err != nil {
		log.Errorf("gc: deleting orphaned archive "+key, err)
		return
	}
	if err := c.redis.ClearOrphan(ctx, key); err != nil {
		log.Errorf("gc: clearing orphan marker for "+key, err)
	}
}

func (c *Collector) clearOrphan(ctx context.Context, key string) {
	if c.redis == nil {
		return
	}
	if _, found, err := c.redis.OrphanSince(ctx, key); err == nil && found {
		if err := c.redis.ClearOrphan(ctx, key); err != nil {
			log.Errorf("gc: clearing stale orphan marker for "+key, err)
		}
	}
}
