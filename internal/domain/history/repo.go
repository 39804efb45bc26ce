package history

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no history record matches the id.
	ErrNotFound = errors.New("notification not found")
	// ErrVersionConflict is returned when an optimistic status update lost a
	// race with a concurrent writer.
	ErrVersionConflict = errors.New("notification was modified concurrently")
)

// Repository is the persistence contract for notification history records.
type Repository interface {
	Insert(ctx context.Context, h *History) error
	GetByID(ctx context.Context, id string) (*History, error)
	ListByTrainee(ctx context.Context, traineeID string) ([]*History, error)
	ListFailed(ctx context.Context, traineeID string) ([]*History, error)
	ListByRef(ctx context.Context, traineeID string, ref Reference) ([]*History, error)
	// ListInApp returns in-app records for the trainee/type pair in any of
	// the given statuses. Used for the in-app uniqueness check.
	ListInApp(ctx context.Context, traineeID string, t NotificationType, statuses []NotificationStatus) ([]*History, error)
	// UpdateStatus persists a status change guarded by h.Version; on success
	// h.Version is incremented.
	UpdateStatus(ctx context.Context, h *History) error
}
