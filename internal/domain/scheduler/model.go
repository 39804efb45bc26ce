// Package scheduler persists durable triggers with absolute fire times and
// runs them at-most-once across replicas. Triggers live in the same Postgres
// store as history so a trigger and its SCHEDULED history row commit
// together.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/traineehub/notify/internal/domain/history"
)

// Payload is the fully resolved job content stored with a trigger, enough to
// dispatch without re-planning.
type Payload struct {
	TraineeID string                   `json:"traineeId"`
	Type      history.NotificationType `json:"type"`
	Ref       *history.Reference       `json:"reference,omitempty"`
	Recipient history.Recipient        `json:"recipient"`
	Template  history.TemplateBinding  `json:"template"`
}

// Trigger is one durable scheduled job. At most one active trigger exists
// per job id; rescheduling replaces.
type Trigger struct {
	JobID     string
	FireAt    time.Time
	Payload   Payload
	Attempt   int
	LockOwner *string
	LockUntil *time.Time
}

// ErrNotFound is returned when no trigger matches the job id.
var ErrNotFound = errors.New("trigger not found")

// TriggerRepository is the persistence contract for triggers. Claim uses a
// lease predicate so a job in flight on another replica is never picked up.
type TriggerRepository interface {
	Upsert(ctx context.Context, t *Trigger) error
	Get(ctx context.Context, jobID string) (*Trigger, error)
	// Delete removes a trigger unless it is currently leased; the bool
	// reports whether a row was removed.
	Delete(ctx context.Context, jobID string, now time.Time) (bool, error)
	// Claim leases up to limit due triggers for owner.
	Claim(ctx context.Context, owner string, limit int, ttl time.Duration, now time.Time) ([]*Trigger, error)
	// Complete removes a trigger the owner finished dispatching.
	Complete(ctx context.Context, jobID, owner string) error
	// Reschedule releases the lease and re-arms the trigger for a retry.
	Reschedule(ctx context.Context, jobID, owner string, fireAt time.Time, attempt int) error
}

// ProcessLockRepository coordinates replicas through a named lease in the
// shared store.
type ProcessLockRepository interface {
	// Acquire takes or renews the named lock for owner; false means another
	// live owner holds it.
	Acquire(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error)
	Release(ctx context.Context, name, owner string) error
}
