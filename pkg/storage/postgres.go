package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cagojeiger/codehub-controlplane/pkg/types"
)

const uniqueViolation = "23505"

// Postgres is the production Store implementation, backed by database/sql
// over the pgx/v5 stdlib driver.
type Postgres struct {
	db      *sql.DB
	dsn     string
	builder sq.StatementBuilderType

	leaderMu   sync.Mutex
	leaderConn map[int64]*sql.Conn
}

// Open connects to Postgres and returns a ready Store.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &Postgres{
		db:         db,
		dsn:        dsn,
		builder:    sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		leaderConn: map[int64]*sql.Conn{},
	}, nil
}

// NewWithDB wraps an already-opened *sql.DB, used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Postgres {
	return &Postgres{db: db, builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar), leaderConn: map[int64]*sql.Conn{}}
}

func (p *Postgres) Close() error { return p.db.Close() }

// row mirrors the workspaces table; conditions/error_info/home_ctx are JSONB.
type row struct {
	ID              string
	OwnerUserID     string
	Name            string
	Description     string
	Memo            string
	ImageRef        string
	InstanceBackend string
	StorageBackend  string
	DesiredState    string
	DeletedAt       sql.NullTime
	StandbyTTLSec   int64
	ArchiveTTLSec   int64
	LastAccessAt    time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time

	ConditionsJSON []byte
	Phase          string
	ObservedAt     time.Time

	Operation      string
	OpStartedAt    sql.NullTime
	OpID           string
	ArchiveKey     string
	HomeCtxJSON    []byte
	ErrorJSON      []byte
	ErrorCount     int
}

func scanRow(scanner interface {
	Scan(dest ...any) error
}) (*row, error) {
	var r row
	err := scanner.Scan(
		&r.ID, &r.OwnerUserID, &r.Name, &r.Description, &r.Memo, &r.ImageRef,
		&r.InstanceBackend, &r.StorageBackend, &r.DesiredState, &r.DeletedAt,
		&r.StandbyTTLSec, &r.ArchiveTTLSec, &r.LastAccessAt, &r.CreatedAt, &r.UpdatedAt,
		&r.ConditionsJSON, &r.Phase, &r.ObservedAt,
		&r.Operation, &r.OpStartedAt, &r.OpID, &r.ArchiveKey, &r.HomeCtxJSON,
		&r.ErrorJSON, &r.ErrorCount,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *row) toWorkspace() (*types.Workspace, error) {
	w := &types.Workspace{
		ID:              r.ID,
		OwnerUserID:     r.OwnerUserID,
		Name:            r.Name,
		Description:     r.Description,
		Memo:            r.Memo,
		ImageRef:        r.ImageRef,
		InstanceBackend: r.InstanceBackend,
		StorageBackend:  r.StorageBackend,
		DesiredState:    types.DesiredState(r.DesiredState),
		StandbyTTLSec:   r.StandbyTTLSec,
		ArchiveTTLSec:   r.ArchiveTTLSec,
		LastAccessAt:    r.LastAccessAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Phase:           types.Phase(r.Phase),
		ObservedAt:      r.ObservedAt,
		OperationField:  types.Operation(r.Operation),
		OpID:            r.OpID,
		ArchiveKey:      r.ArchiveKey,
		ErrorCount:      r.ErrorCount,
	}
	if r.DeletedAt.Valid {
		t := r.DeletedAt.Time
		w.DeletedAt = &t
	}
	if r.OpStartedAt.Valid {
		t := r.OpStartedAt.Time
		w.OpStartedAt = &t
	}
	if len(r.ConditionsJSON) > 0 {
		var c types.Conditions
		if err := json.Unmarshal(r.ConditionsJSON, &c); err != nil {
			return nil, fmt.Errorf("unmarshaling conditions: %w", err)
		}
		w.Conditions = c
	} else {
		w.Conditions = types.Conditions{}
	}
	if len(r.HomeCtxJSON) > 0 {
		if err := json.Unmarshal(r.HomeCtxJSON, &w.HomeCtx); err != nil {
			return nil, fmt.Errorf("unmarshaling home_ctx: %w", err)
		}
	}
	if len(r.ErrorJSON) > 0 && string(r.ErrorJSON) != "null" {
		var e types.ErrorInfo
		if err := json.Unmarshal(r.ErrorJSON, &e); err != nil {
			return nil, fmt.Errorf("unmarshaling error_info: %w", err)
		}
		w.Error = &e
	}
	return w, nil
}

const workspaceColumns = `id, owner_user_id, name, description, memo, image_ref,
	instance_backend, storage_backend, desired_state, deleted_at,
	standby_ttl_sec, archive_ttl_sec, last_access_at, created_at, updated_at,
	conditions, phase, observed_at,
	operation, op_started_at, op_id, archive_key, home_ctx, error_info, error_count`

func (p *Postgres) CreateWorkspace(ctx context.Context, w *types.Workspace) error {
	now := w.CreatedAt
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO workspaces (
			id, owner_user_id, name, description, memo, image_ref,
			instance_backend, storage_backend, desired_state,
			standby_ttl_sec, archive_ttl_sec, last_access_at, created_at, updated_at,
			conditions, phase, observed_at,
			operation, op_id, archive_key, home_ctx, error_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,'{}',$15,$16,$17,'','','{}',0)`,
		w.ID, w.OwnerUserID, w.Name, w.Description, w.Memo, w.ImageRef,
		w.InstanceBackend, w.StorageBackend, string(w.DesiredState),
		w.StandbyTTLSec, w.ArchiveTTLSec, w.LastAccessAt, now, now,
		string(types.PhasePending), now, string(types.OperationNone),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting workspace: %w", err)
	}
	return nil
}

func (p *Postgres) GetWorkspace(ctx context.Context, id string) (*types.Workspace, error) {
	r, err := scanRow(p.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying workspace %s: %w", id, err)
	}
	return r.toWorkspace()
}

func (p *Postgres) ListWorkspaces(ctx context.Context, filter Filter) ([]*types.Workspace, error) {
	q := p.builder.Select(strings.Split(workspaceColumns, ", ")...).From("workspaces")
	if filter.OwnerUserID != "" {
		q = q.Where(sq.Eq{"owner_user_id": filter.OwnerUserID})
	}
	if filter.Phase != "" {
		q = q.Where(sq.Eq{"phase": string(filter.Phase)})
	}
	if filter.Operation != "" {
		q = q.Where(sq.Eq{"operation": string(filter.Operation)})
	}
	if filter.Deleted != nil {
		if *filter.Deleted {
			q = q.Where(sq.NotEq{"deleted_at": nil})
		} else {
			q = q.Where(sq.Eq{"deleted_at": nil})
		}
	}
	q = q.OrderBy("id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list query: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	defer rows.Close()

	var out []*types.Workspace
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workspace row: %w", err)
		}
		w, err := r.toWorkspace()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateDesired(ctx context.Context, w *types.Workspace) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE workspaces SET
			name = $2, description = $3, memo = $4, image_ref = $5,
			instance_backend = $6, storage_backend = $7, desired_state = $8,
			deleted_at = $9, standby_ttl_sec = $10, archive_ttl_sec = $11,
			last_access_at = $12, updated_at = $13
		WHERE id = $1`,
		w.ID, w.Name, w.Description, w.Memo, w.ImageRef,
		w.InstanceBackend, w.StorageBackend, string(w.DesiredState),
		w.DeletedAt, w.StandbyTTLSec, w.ArchiveTTLSec, w.LastAccessAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating desired state for %s: %w", w.ID, err)
	}
	return checkOneRow(res, w.ID)
}

func (p *Postgres) UpdateObserved(ctx context.Context, id string, conditions types.Conditions, phase types.Phase, observedAt time.Time) error {
	condJSON, err := json.Marshal(conditions)
	if err != nil {
		return fmt.Errorf("marshaling conditions: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE workspaces SET conditions = $2, phase = $3, observed_at = $4
		WHERE id = $1`, id, condJSON, string(phase), observedAt)
	if err != nil {
		return fmt.Errorf("updating observed state for %s: %w", id, err)
	}
	return checkOneRow(res, id)
}

// ClaimOperation is invariant I2's CAS claim: it only succeeds while
// operation = 'NONE', so at most one reconciler ever wins the race.
func (p *Postgres) ClaimOperation(ctx context.Context, id string, op types.Operation, opID string) (*types.Workspace, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE workspaces SET operation = $2, op_id = $3, op_started_at = $4
		WHERE id = $1 AND operation = $5`,
		id, string(op), opID, time.Now(), string(types.OperationNone))
	if err != nil {
		return nil, fmt.Errorf("claiming operation for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking claim result for %s: %w", id, err)
	}
	if n == 0 {
		return nil, ErrCASFailed
	}
	return p.GetWorkspace(ctx, id)
}

func (p *Postgres) CompleteOperation(ctx context.Context, id, opID string, result OperationResult) error {
	if result.Success {
		// op_id is NOT cleared on completion — it stays as GC protection for
		// the archives/{id}/{op_id}/ prefix until reused or intentionally
		// garbaged (§4.5).
		res, err := p.db.ExecContext(ctx, `
			UPDATE workspaces SET operation = $3, op_started_at = NULL,
				error_info = NULL, error_count = 0
			WHERE id = $1 AND op_id = $2`, id, opID, string(types.OperationNone))
		if err != nil {
			return fmt.Errorf("completing operation for %s: %w", id, err)
		}
		return checkOneRow(res, id)
	}

	errJSON, err := json.Marshal(result.Error)
	if err != nil {
		return fmt.Errorf("marshaling error info: %w", err)
	}
	// A terminal error clears the operation slot but keeps op_id (§4.5 GC
	// protection).
	res, err := p.db.ExecContext(ctx, `
		UPDATE workspaces SET operation = $3, op_started_at = NULL,
			error_info = $4, error_count = error_count + 1
		WHERE id = $1 AND op_id = $2`, id, opID, string(types.OperationNone), errJSON)
	if err != nil {
		return fmt.Errorf("completing failed operation for %s: %w", id, err)
	}
	return checkOneRow(res, id)
}

func (p *Postgres) UpdateOperationProgress(ctx context.Context, id, opID string, archiveKey string, homeCtx types.HomeContext) error {
	homeJSON, err := json.Marshal(homeCtx)
	if err != nil {
		return fmt.Errorf("marshaling home context: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE workspaces SET archive_key = $3, home_ctx = $4
		WHERE id = $1 AND op_id = $2`, id, opID, archiveKey, homeJSON)
	if err != nil {
		return fmt.Errorf("updating operation progress for %s: %w", id, err)
	}
	return checkOneRow(res, id)
}

func (p *Postgres) ResetError(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE workspaces SET error_info = NULL, error_count = 0 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("resetting error for %s: %w", id, err)
	}
	return checkOneRow(res, id)
}

func (p *Postgres) CountRunning(ctx context.Context, ownerUserID string) (int, int, error) {
	var global int
	if err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workspaces
		WHERE (phase = $1 OR operation = $2) AND deleted_at IS NULL`,
		string(types.PhaseRunning), string(types.OperationStarting)).Scan(&global); err != nil {
		return 0, 0, fmt.Errorf("counting global running workspaces: %w", err)
	}

	if ownerUserID == "" {
		return 0, global, nil
	}

	var perOwner int
	if err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workspaces
		WHERE owner_user_id = $1 AND (phase = $2 OR operation = $3) AND deleted_at IS NULL`,
		ownerUserID, string(types.PhaseRunning), string(types.OperationStarting)).Scan(&perOwner); err != nil {
		return 0, 0, fmt.Errorf("counting running workspaces for owner %s: %w", ownerUserID, err)
	}
	return perOwner, global, nil
}

// TryAcquireLeaderLock uses pg_try_advisory_lock: non-blocking, session-scoped
// to the *connection* that holds it. A dedicated connection is pulled out of
// the pool and held for the lifetime of leadership so the lock can never be
// silently returned to the pool and reused by an unrelated query.
func (p *Postgres) TryAcquireLeaderLock(ctx context.Context, key int64) (bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("opening dedicated connection for advisory lock %d: %w", key, err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("acquiring advisory lock %d: %w", key, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	p.leaderMu.Lock()
	p.leaderConn[key] = conn
	p.leaderMu.Unlock()
	return true, nil
}

// ReleaseLeaderLock releases the advisory lock and closes the dedicated
// connection that held it. A lost connection already dropped the lock on the
// server side; closing here is then a no-op beyond freeing the handle.
func (p *Postgres) ReleaseLeaderLock(ctx context.Context, key int64) error {
	p.leaderMu.Lock()
	conn, ok := p.leaderConn[key]
	delete(p.leaderConn, key)
	p.leaderMu.Unlock()
	if !ok {
		return nil
	}
	defer conn.Close()

	var released bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released); err != nil {
		return fmt.Errorf("releasing advisory lock %d: %w", key, err)
	}
	return nil
}

// LeaderLockAlive pings the connection backing a held lock. A coordinator
// must treat both false and a non-nil error as "leadership may be gone."
func (p *Postgres) LeaderLockAlive(ctx context.Context, key int64) (bool, error) {
	p.leaderMu.Lock()
	conn, ok := p.leaderConn[key]
	p.leaderMu.Unlock()
	if !ok {
		return false, nil
	}
	if err := conn.PingContext(ctx); err != nil {
		p.leaderMu.Lock()
		delete(p.leaderConn, key)
		p.leaderMu.Unlock()
		conn.Close()
		return false, nil
	}
	return true, nil
}

func (p *Postgres) HardDeleteWorkspace(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("hard-deleting workspace %s: %w", id, err)
	}
	return checkOneRow(res, id)
}

func checkOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return pgErrCode(err) == uniqueViolation
}

func pgErrCode(err error) string {
	for err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok {
			return pgErr.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ""
}
