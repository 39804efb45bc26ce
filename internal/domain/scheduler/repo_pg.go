package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/traineehub/notify/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type triggerRepoPG struct{ pool *pgxpool.Pool }

// NewTriggerRepoPG creates a PostgreSQL-backed trigger repository.
func NewTriggerRepoPG(pool *pgxpool.Pool) TriggerRepository {
	return &triggerRepoPG{pool: pool}
}

func (r *triggerRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const triggerCols = `job_id, fire_at, payload, attempt, lock_owner, lock_until`

func scanTrigger(row pgx.Row) (*Trigger, error) {
	var t Trigger
	err := row.Scan(&t.JobID, &t.FireAt, &t.Payload, &t.Attempt, &t.LockOwner, &t.LockUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *triggerRepoPG) Upsert(ctx context.Context, t *Trigger) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO triggers (job_id, fire_at, payload, attempt)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE
		SET fire_at = EXCLUDED.fire_at, payload = EXCLUDED.payload,
			attempt = EXCLUDED.attempt, updated_at = NOW()`,
		t.JobID, t.FireAt, t.Payload, t.Attempt)
	return err
}

func (r *triggerRepoPG) Get(ctx context.Context, jobID string) (*Trigger, error) {
	return scanTrigger(r.conn(ctx).QueryRow(ctx,
		`SELECT `+triggerCols+` FROM triggers WHERE job_id = $1`, jobID))
}

func (r *triggerRepoPG) Delete(ctx context.Context, jobID string, now time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM triggers
		WHERE job_id = $1 AND (lock_until IS NULL OR lock_until < $2)`,
		jobID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *triggerRepoPG) Claim(ctx context.Context, owner string, limit int, ttl time.Duration, now time.Time) ([]*Trigger, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE triggers SET lock_owner = $1, lock_until = $2, updated_at = NOW()
		WHERE job_id IN (
			SELECT job_id FROM triggers
			WHERE fire_at <= $3 AND (lock_until IS NULL OR lock_until < $3)
			ORDER BY fire_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+triggerCols,
		owner, now.Add(ttl), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, t)
	}
	return claimed, rows.Err()
}

func (r *triggerRepoPG) Complete(ctx context.Context, jobID, owner string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM triggers WHERE job_id = $1 AND lock_owner = $2`, jobID, owner)
	return err
}

func (r *triggerRepoPG) Reschedule(ctx context.Context, jobID, owner string, fireAt time.Time, attempt int) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE triggers
		SET fire_at = $3, attempt = $4, lock_owner = NULL, lock_until = NULL, updated_at = NOW()
		WHERE job_id = $1 AND lock_owner = $2`,
		jobID, owner, fireAt, attempt)
	return err
}

type processLockRepoPG struct{ pool *pgxpool.Pool }

// NewProcessLockRepoPG creates the lock repository over the shared store.
func NewProcessLockRepoPG(pool *pgxpool.Pool) ProcessLockRepository {
	return &processLockRepoPG{pool: pool}
}

func (r *processLockRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *processLockRepoPG) Acquire(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO process_locks (name, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE process_locks.owner = EXCLUDED.owner OR process_locks.expires_at < $4`,
		name, owner, now.Add(ttl), now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *processLockRepoPG) Release(ctx context.Context, name, owner string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM process_locks WHERE name = $1 AND owner = $2`, name, owner)
	return err
}
