// Package inapp creates the in-app notification records shown inside the
// trainee self-service. Creation is idempotent per (trainee, reference, type):
// a record the trainee can still see is never duplicated, while a deleted one
// may be recreated.
package inapp

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/traineehub/notify/internal/domain/history"
)

// liveStatuses are the states in which a record still exists for the trainee.
var liveStatuses = []history.NotificationStatus{
	history.StatusUnread, history.StatusRead, history.StatusArchived,
}

// Notifier writes in-app records through the history store.
type Notifier struct {
	hist   *history.Service
	logger zerolog.Logger
	now    func() time.Time
}

func NewNotifier(hist *history.Service, logger zerolog.Logger) *Notifier {
	return &Notifier{hist: hist, logger: logger, now: time.Now}
}

// Create inserts an UNREAD record unless the trainee already has a live one
// for the same reference and type. The subject is re-derived from the template
// at read time, so only the variables are stored.
func (n *Notifier) Create(ctx context.Context, traineeID string, ref *history.Reference, t history.NotificationType, version string, variables map[string]interface{}, justLog bool) error {
	if t.Kind() != history.KindInApp {
		return fmt.Errorf("notification type %s is not an in-app type", t)
	}

	exists, err := n.hist.HasInApp(ctx, traineeID, ref, t, liveStatuses)
	if err != nil {
		return fmt.Errorf("check existing in-app notification: %w", err)
	}
	if exists {
		n.logger.Debug().
			Str("traineeId", traineeID).
			Str("type", string(t)).
			Msg("in-app notification already present, skipping")
		return nil
	}

	detail := ""
	if justLog {
		detail = "just logged"
	}
	return n.hist.Save(ctx, &history.History{
		TraineeID: traineeID,
		Ref:       ref,
		Type:      t,
		Recipient: history.Recipient{ID: traineeID, Kind: history.KindInApp, Contact: traineeID},
		Template: history.TemplateBinding{
			Name:      t.TemplateName(),
			Version:   version,
			Variables: variables,
		},
		SentAt:       n.now(),
		Status:       history.StatusUnread,
		StatusDetail: detail,
	})
}
