package history

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Event is the lifecycle message published after every successful state
// change. Subject is only populated for in-app records so clients can render
// a list entry without fetching the template.
type Event struct {
	Record  *History
	Subject string
}

// Publisher broadcasts lifecycle events. Implementations must not fail the
// calling operation; delivery problems are logged and swallowed. Deletions
// broadcast only the id and terminal status.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	PublishDeleted(ctx context.Context, historyID string)
}

// SubjectFunc renders the display subject for an in-app record.
type SubjectFunc func(h *History) string

// Service owns writes to the history store. Every state change is persisted
// first and broadcast exactly once after the write succeeds.
type Service struct {
	repo      Repository
	publisher Publisher
	subject   SubjectFunc
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, publisher Publisher, subject SubjectFunc, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		subject:   subject,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) broadcast(ctx context.Context, h *History) {
	if s.publisher == nil {
		return
	}
	if h.Status == StatusDeleted {
		s.publisher.PublishDeleted(ctx, h.ID)
		return
	}
	ev := Event{Record: h}
	if h.Recipient.Kind == KindInApp && s.subject != nil {
		ev.Subject = s.subject(h)
	}
	s.publisher.Publish(ctx, ev)
}

// Save validates and persists a new history record and broadcasts it. The id
// is assigned when empty; scheduled rows arrive with the deterministic job id
// already set.
func (s *Service) Save(ctx context.Context, h *History) error {
	if !h.Type.Known() {
		return fmt.Errorf("unknown notification type %q", h.Type)
	}
	if h.TraineeID == "" {
		return fmt.Errorf("trainee id is required")
	}
	if err := validStatusForKind(h.Recipient.Kind, h.Status); err != nil {
		return err
	}
	if h.ID == "" {
		h.ID = NewID()
	}
	if h.SentAt.IsZero() {
		h.SentAt = s.now()
	}
	if h.Version == 0 {
		h.Version = 1
	}
	h.Recipient.ID = h.TraineeID

	if err := s.repo.Insert(ctx, h); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	s.broadcast(ctx, h)
	return nil
}

func validStatusForKind(kind MessageKind, status NotificationStatus) error {
	switch kind {
	case KindEmail:
		switch status {
		case StatusArchived, StatusRead, StatusUnread:
			return fmt.Errorf("%w: email cannot take status %s", ErrInvalidTransition, status)
		}
	case KindInApp:
		switch status {
		case StatusFailed, StatusSent:
			return fmt.Errorf("%w: in-app cannot take status %s", ErrInvalidTransition, status)
		}
	default:
		return fmt.Errorf("unknown message kind %q", kind)
	}
	return nil
}

// UpdateStatus moves a record through its lifecycle. READ stamps readAt,
// moving back to UNREAD clears it. The write is guarded by the record's
// version; a lost race surfaces as ErrVersionConflict.
func (s *Service) UpdateStatus(ctx context.Context, id string, to NotificationStatus, detail string) (*History, error) {
	h, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(h.Recipient.Kind, h.Status, to); err != nil {
		return nil, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, h.Status, to, h.Recipient.Kind)
	}

	h.Status = to
	if detail != "" {
		h.StatusDetail = detail
	}
	switch to {
	case StatusRead:
		now := s.now()
		h.ReadAt = &now
	case StatusUnread:
		h.ReadAt = nil
	}

	if err := s.repo.UpdateStatus(ctx, h); err != nil {
		return nil, err
	}
	s.broadcast(ctx, h)
	return h, nil
}

// MarkSent records a successful dispatch.
func (s *Service) MarkSent(ctx context.Context, h *History) error {
	h.Status = StatusSent
	h.StatusDetail = ""
	if err := s.repo.UpdateStatus(ctx, h); err != nil {
		return err
	}
	s.broadcast(ctx, h)
	return nil
}

// MarkFailed records an exhausted or permanent dispatch failure.
func (s *Service) MarkFailed(ctx context.Context, h *History, detail string) error {
	h.Status = StatusFailed
	h.StatusDetail = detail
	now := s.now()
	h.LastRetryAt = &now
	if err := s.repo.UpdateStatus(ctx, h); err != nil {
		return err
	}
	s.broadcast(ctx, h)
	return nil
}

// MarkRetry stamps the retry time on a record that stays SCHEDULED while the
// scheduler backs off. The status does not change so nothing is broadcast.
func (s *Service) MarkRetry(ctx context.Context, h *History) error {
	now := s.now()
	h.LastRetryAt = &now
	return s.repo.UpdateStatus(ctx, h)
}

// Delete soft-deletes a single record.
func (s *Service) Delete(ctx context.Context, id string) error {
	_, err := s.UpdateStatus(ctx, id, StatusDeleted, "")
	return err
}

// DeleteByRef cascades deletion to every non-deleted record tied to the
// reference. Each successful transition broadcasts individually; records a
// concurrent writer already deleted are skipped.
func (s *Service) DeleteByRef(ctx context.Context, traineeID string, ref Reference) error {
	items, err := s.repo.ListByRef(ctx, traineeID, ref)
	if err != nil {
		return err
	}
	for _, h := range items {
		if h.Status == StatusDeleted {
			continue
		}
		if _, err := s.UpdateStatus(ctx, h.ID, StatusDeleted, ""); err != nil {
			if err == ErrVersionConflict || err == ErrNotFound {
				continue
			}
			s.logger.Error().Err(err).Str("historyId", h.ID).Msg("cascade delete failed")
			return err
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*History, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByTrainee(ctx context.Context, traineeID string) ([]*History, error) {
	return s.repo.ListByTrainee(ctx, traineeID)
}

func (s *Service) ListFailed(ctx context.Context, traineeID string) ([]*History, error) {
	return s.repo.ListFailed(ctx, traineeID)
}

// ListByRef returns every record tied to the reference, deleted ones
// included.
func (s *Service) ListByRef(ctx context.Context, traineeID string, ref Reference) ([]*History, error) {
	return s.repo.ListByRef(ctx, traineeID, ref)
}

// HasInApp reports whether the trainee already has an in-app record of the
// given type in any of the statuses. A non-nil ref narrows the check to
// records about that domain object.
func (s *Service) HasInApp(ctx context.Context, traineeID string, ref *Reference, t NotificationType, statuses []NotificationStatus) (bool, error) {
	items, err := s.repo.ListInApp(ctx, traineeID, t, statuses)
	if err != nil {
		return false, err
	}
	for _, h := range items {
		if ref == nil || (h.Ref != nil && *h.Ref == *ref) {
			return true, nil
		}
	}
	return false, nil
}
