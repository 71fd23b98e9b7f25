package events

import (
	"context"

	"github.com/cagojeiger/codehub-controlplane/pkg/log"
	"github.com/cagojeiger/codehub-controlplane/pkg/metrics"
	"github.com/cagojeiger/codehub-controlplane/pkg/storage"
)

// listener is the narrow slice of storage.Store the bridge depends on.
type listener interface {
	ListenWorkspaceChanges(ctx context.Context, ch chan<- string) error
}

// Bridge is the per-leader subscriber to the database's workspace_changes
// NOTIFY channel (§4.7). It republishes each notification onto the Broker's
// per-workspace topic.
type Bridge struct {
	store  listener
	broker *Broker
}

// NewBridge wires a Store's LISTEN relay to a Broker.
func NewBridge(store storage.Store, broker *Broker) *Bridge {
	return &Bridge{store: store, broker: broker}
}

// Run blocks relaying notifications until ctx is done. On a dropped LISTEN
// connection it logs and returns — the Coordinator is responsible for
// restarting it (or for giving up leadership, per §4.6, if the DB connection
// itself is gone).
func (b *Bridge) Run(ctx context.Context) error {
	ch := make(chan string, 256)
	errCh := make(chan error, 1)
	go func() { errCh <- b.store.ListenWorkspaceChanges(ctx, ch) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case id, ok := <-ch:
			if !ok {
				return nil
			}
			metrics.NotifyEventsTotal.Inc()
			b.broker.Publish(&Event{WorkspaceID: id})
			log.Debug("events: relayed change notification for workspace " + id)
		}
	}
}
