package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ListenWorkspaceChanges opens a dedicated pgx connection (LISTEN/NOTIFY needs
// one outside the pooled database/sql handle) and relays workspace ids from
// the workspace_changes channel until ctx is canceled. The trigger that emits
// NOTIFY lives in the schema migration, fired on any workspaces row change.
func (p *Postgres) ListenWorkspaceChanges(ctx context.Context, ch chan<- string) error {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return fmt.Errorf("opening listen connection: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN workspace_changes"); err != nil {
		return fmt.Errorf("issuing LISTEN: %w", err)
	}

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("waiting for notification: %w", err)
		}
		select {
		case ch <- notification.Payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
