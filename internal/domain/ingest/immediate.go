package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/traineehub/notify/internal/domain/dispatch"
	"github.com/traineehub/notify/internal/domain/history"
	"github.com/traineehub/notify/internal/domain/recipient"
	"github.com/traineehub/notify/internal/domain/rules"
	"github.com/traineehub/notify/internal/platform/template"
)

// sendNow runs the immediate dispatch path: render, send, record. Transient
// transport failures propagate before any history is written so the event is
// redelivered; permanent ones are recorded as FAILED and the event is done.
func (o *Orchestrator) sendNow(ctx context.Context, traineeID string, ref *history.Reference, t history.NotificationType, address string, vars map[string]interface{}, justLog bool) error {
	version, err := o.registry.Version(template.KindEmail, t.TemplateName())
	if err != nil {
		return fmt.Errorf("immediate %s: %w", t, err)
	}
	rendered, err := o.renderer.Render(template.KindEmail, t.TemplateName(), version, vars)
	if err != nil {
		return fmt.Errorf("render %s: %w", t, err)
	}

	if address == "" {
		justLog = true
	}

	sendErr := o.transport.Send(ctx, dispatch.Message{
		TraineeID:       traineeID,
		Address:         address,
		Type:            t,
		TemplateName:    t.TemplateName(),
		TemplateVersion: version,
		Subject:         rendered.Subject,
		Body:            rendered.Body,
		Variables:       vars,
		Ref:             ref,
		JustLog:         justLog,
	})

	var transientErr *dispatch.TransientError
	if errors.As(sendErr, &transientErr) {
		return sendErr
	}

	rec := &history.History{
		TraineeID: traineeID,
		Ref:       ref,
		Type:      t,
		Recipient: history.Recipient{ID: traineeID, Kind: history.KindEmail, Contact: address},
		Template:  history.TemplateBinding{Name: t.TemplateName(), Version: version, Variables: vars},
		SentAt:    o.now(),
		Status:    history.StatusSent,
	}
	switch {
	case sendErr != nil:
		rec.Status = history.StatusFailed
		rec.StatusDetail = sendErr.Error()
	case justLog:
		rec.StatusDetail = "just logged"
	}

	if err := o.hist.Save(ctx, rec); err != nil {
		return &dispatch.TransientError{Op: "record " + string(t), Err: err}
	}
	return nil
}

// justLog computes the suppression flag for an immediate or in-app delivery.
// Eligibility lookup failures suppress rather than send blind.
func (o *Orchestrator) justLog(ctx context.Context, traineeID string, details *recipient.UserDetails, kind history.MessageKind, contactResolved bool) bool {
	flags := rules.Flags{
		Whitelisted:     o.whitelist[traineeID],
		ContactResolved: contactResolved,
	}
	if details != nil {
		flags.DummyRole = recipient.HasDummyRole(details, o.dummyRoles)
		flags.ValidRecipient = o.checkFlag(ctx, "valid recipient", func() (bool, error) {
			return o.eligibility.IsValidRecipient(ctx, traineeID, string(kind))
		})
		flags.MessagingEnabled = o.checkFlag(ctx, "messaging enabled", func() (bool, error) {
			return o.eligibility.IsMessagingEnabled(ctx, traineeID)
		})
	}
	return rules.JustLog(flags)
}

func (o *Orchestrator) checkFlag(ctx context.Context, name string, fn func() (bool, error)) bool {
	ok, err := fn()
	if err != nil {
		o.logger.Warn().Err(err).Str("check", name).Msg("eligibility lookup failed, suppressing delivery")
		return false
	}
	return ok
}
