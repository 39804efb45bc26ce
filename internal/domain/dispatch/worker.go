package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/traineehub/notify/internal/domain/contacts"
	"github.com/traineehub/notify/internal/domain/history"
	"github.com/traineehub/notify/internal/domain/recipient"
	"github.com/traineehub/notify/internal/domain/rules"
	"github.com/traineehub/notify/internal/domain/scheduler"
	"github.com/traineehub/notify/internal/platform/template"
)

// Status details recorded alongside a SENT row when the real delivery was
// suppressed or degraded.
const (
	detailCriteriaNotMet    = "criteria not met"
	detailJustLogged        = "just logged"
	detailRecipientNotFound = "recipient not found"
)

// JobScheduler is the slice of the scheduler a resend needs.
type JobScheduler interface {
	Schedule(ctx context.Context, jobID string, fireAt time.Time, payload scheduler.Payload, jitterBound time.Duration) error
}

// Options carries the dispatch-time suppression lists.
type Options struct {
	WhitelistedIDs []string
	DummyRoles     []string
}

// Worker executes fired triggers: refresh the recipient, re-check the rules,
// render and send, then record the outcome. It implements the scheduler's
// dispatcher contract and the resend endpoint behind the admin API.
type Worker struct {
	hist        *history.Service
	resolver    *recipient.Resolver
	eligibility recipient.EligibilityClient
	directory   contacts.Directory
	registry    *template.Registry
	renderer    template.Renderer
	transport   Sender
	sched       JobScheduler

	whitelist  map[string]bool
	dummyRoles []string
	logger     zerolog.Logger
	now        func() time.Time
}

func NewWorker(hist *history.Service, resolver *recipient.Resolver, eligibility recipient.EligibilityClient, directory contacts.Directory, registry *template.Registry, renderer template.Renderer, transport Sender, opts Options, logger zerolog.Logger) *Worker {
	whitelist := make(map[string]bool, len(opts.WhitelistedIDs))
	for _, id := range opts.WhitelistedIDs {
		whitelist[id] = true
	}
	return &Worker{
		hist:        hist,
		resolver:    resolver,
		eligibility: eligibility,
		directory:   directory,
		registry:    registry,
		renderer:    renderer,
		transport:   transport,
		whitelist:   whitelist,
		dummyRoles:  opts.DummyRoles,
		logger:      logger,
		now:         time.Now,
	}
}

// Bind attaches the scheduler after construction; the scheduler itself is
// built around this worker, so the dependency closes here.
func (w *Worker) Bind(sched JobScheduler) { w.sched = sched }

// Dispatch runs the full pipeline for a fired trigger. A transient error
// return asks the scheduler to retry; any other error is terminal and the
// scheduler follows up with Abandon.
func (w *Worker) Dispatch(ctx context.Context, trig *scheduler.Trigger) error {
	rec, err := w.hist.Get(ctx, trig.JobID)
	if errors.Is(err, history.ErrNotFound) {
		// cancelled between claim and fire
		w.logger.Warn().Str("jobId", trig.JobID).Msg("no history row for fired trigger")
		return nil
	}
	if err != nil {
		return &TransientError{Op: "load history", Err: err}
	}
	if rec.Status != history.StatusScheduled {
		w.logger.Info().Str("jobId", trig.JobID).Str("status", string(rec.Status)).Msg("trigger already dispatched")
		return nil
	}

	payload := trig.Payload
	kind := payload.Type.Kind()

	details, err := w.resolver.Resolve(ctx, payload.TraineeID)
	if err != nil {
		return &TransientError{Op: "resolve recipient", Err: err}
	}

	detail := ""
	contact := payload.Recipient.Contact
	if kind == history.KindEmail {
		if details.CanReceiveEmail() {
			contact = *details.Email
		}
	} else {
		contact = ""
	}

	flags := rules.Flags{
		Whitelisted:     w.whitelist[payload.TraineeID],
		ContactResolved: kind != history.KindEmail || contact != "",
	}
	if details == nil {
		detail = detailRecipientNotFound
	} else {
		flags.DummyRole = recipient.HasDummyRole(details, w.dummyRoles)
		flags.ValidRecipient = w.checkFlag(ctx, "valid recipient", func() (bool, error) {
			return w.eligibility.IsValidRecipient(ctx, payload.TraineeID, string(kind))
		})
		flags.MessagingEnabled = w.checkFlag(ctx, "messaging enabled", func() (bool, error) {
			return w.eligibility.IsMessagingEnabled(ctx, payload.TraineeID)
		})
	}

	if !w.stillApplicable(ctx, &payload) {
		detail = detailCriteriaNotMet
	}

	justLog := detail != "" || rules.JustLog(flags)
	if justLog && detail == "" {
		detail = detailJustLogged
	}

	vars := w.templateVars(ctx, &payload, details)

	version, err := w.registry.Version(string(kind), payload.Template.Name)
	if err != nil {
		return fmt.Errorf("pin template version: %w", err)
	}
	rendered, err := w.renderer.Render(string(kind), payload.Template.Name, version, vars)
	if err != nil {
		return fmt.Errorf("render %s: %w", template.Path(string(kind), payload.Template.Name, version), err)
	}

	err = w.transport.Send(ctx, Message{
		TraineeID:       payload.TraineeID,
		Address:         contact,
		Type:            payload.Type,
		TemplateName:    payload.Template.Name,
		TemplateVersion: version,
		Subject:         rendered.Subject,
		Body:            rendered.Body,
		Variables:       vars,
		Ref:             payload.Ref,
		JustLog:         justLog,
	})
	if err != nil {
		var transientErr *TransientError
		if errors.As(err, &transientErr) {
			if retryErr := w.hist.MarkRetry(ctx, rec); retryErr != nil {
				w.logger.Warn().Err(retryErr).Str("jobId", trig.JobID).Msg("retry stamp failed")
			}
		}
		return err
	}

	if _, err := w.hist.UpdateStatus(ctx, rec.ID, history.StatusSent, detail); err != nil {
		if errors.Is(err, history.ErrVersionConflict) {
			w.logger.Warn().Str("jobId", trig.JobID).Msg("lost sent-update race, assuming another replica finished")
			return nil
		}
		return &TransientError{Op: "record sent", Err: err}
	}
	w.logger.Info().
		Str("jobId", trig.JobID).
		Str("type", string(payload.Type)).
		Bool("justLog", justLog).
		Msg("notification dispatched")
	return nil
}

// Abandon records the terminal failure after the scheduler gives up.
func (w *Worker) Abandon(ctx context.Context, trig *scheduler.Trigger, cause error) {
	rec, err := w.hist.Get(ctx, trig.JobID)
	if err != nil {
		w.logger.Error().Err(err).Str("jobId", trig.JobID).Msg("abandon: history lookup failed")
		return
	}
	if rec.Status != history.StatusScheduled {
		return
	}
	if err := w.hist.MarkFailed(ctx, rec, cause.Error()); err != nil {
		w.logger.Error().Err(err).Str("jobId", trig.JobID).Msg("abandon: failure record failed")
	}
}

// Resend re-runs a notification under a fresh job id, leaving the original
// record untouched.
func (w *Worker) Resend(ctx context.Context, historyID string) error {
	rec, err := w.hist.Get(ctx, historyID)
	if err != nil {
		return err
	}
	if rec.Status == history.StatusScheduled {
		return fmt.Errorf("notification %s is still scheduled", historyID)
	}
	if w.sched == nil {
		return fmt.Errorf("no scheduler bound")
	}

	jobID := string(rec.Type) + "-resend-" + history.NewID()
	return w.sched.Schedule(ctx, jobID, w.now(), scheduler.Payload{
		TraineeID: rec.TraineeID,
		Type:      rec.Type,
		Ref:       rec.Ref,
		Recipient: rec.Recipient,
		Template:  rec.Template,
	}, 0)
}

// checkFlag degrades an eligibility lookup failure to false: delivery is
// suppressed rather than sent against an unknown kill switch.
func (w *Worker) checkFlag(ctx context.Context, name string, fn func() (bool, error)) bool {
	ok, err := fn()
	if err != nil {
		w.logger.Warn().Err(err).Str("check", name).Msg("eligibility lookup failed, suppressing delivery")
		return false
	}
	return ok
}

// stillApplicable re-checks the rollout criteria just before sending.
// Lookup failures degrade open so a reference-service blip cannot silently
// drop a milestone.
func (w *Worker) stillApplicable(ctx context.Context, payload *scheduler.Payload) bool {
	if payload.Ref == nil {
		return true
	}
	refID := payload.Ref.ID

	check := func(name string, fn func(ctx context.Context, traineeID, refID string) (bool, error)) (bool, bool) {
		ok, err := fn(ctx, payload.TraineeID, refID)
		if err != nil {
			w.logger.Warn().Err(err).Str("check", name).Str("refId", refID).Msg("applicability lookup failed, assuming applicable")
			return true, false
		}
		return ok, true
	}

	switch payload.Type.Family() {
	case history.FamilyProgramme:
		newStarter, ok1 := check("new starter", w.eligibility.IsNewStarter)
		rollout, ok2 := check("rollout 2024", w.eligibility.IsRollout2024)
		if !ok1 || !ok2 {
			return true
		}
		return newStarter || rollout
	case history.FamilyPlacement:
		// The one-off correction run goes to everyone, not just the
		// pilot/rollout cohorts.
		if payload.Type == history.PlacementRollout2024Correction {
			return true
		}
		pilot, ok1 := check("pilot 2024", w.eligibility.IsPilot2024)
		rollout, ok2 := check("rollout 2024", w.eligibility.IsRollout2024)
		if !ok1 || !ok2 {
			return true
		}
		return pilot || rollout
	}
	return true
}

// contactTypeFor maps a notification type to the local-office contact type
// its template links to.
func contactTypeFor(t history.NotificationType) string {
	switch t {
	case history.GmcUpdated, history.GmcRejectedLo, history.GmcRejectedTrainee:
		return contacts.TypeGmcUpdate
	case history.Deferral:
		return contacts.TypeDeferral
	case history.Sponsorship:
		return contacts.TypeSponsorship
	case history.LtftInApp, history.LtftApproved, history.LtftSubmitted,
		history.LtftUnsubmitted, history.LtftWithdrawn, history.LtftUpdated,
		history.LtftApprovedTpd, history.LtftSubmittedTpd:
		return contacts.TypeLtft
	}
	return contacts.TypeTssSupport
}

// templateVars builds the standard variable set on top of the caller's.
func (w *Worker) templateVars(ctx context.Context, payload *scheduler.Payload, details *recipient.UserDetails) map[string]interface{} {
	vars := make(map[string]interface{}, len(payload.Template.Variables)+8)
	for k, v := range payload.Template.Variables {
		vars[k] = v
	}
	vars["personId"] = payload.TraineeID
	if payload.Ref != nil {
		vars["tisId"] = payload.Ref.ID
	}

	if details == nil {
		vars["isValidGmc"] = false
		return vars
	}

	vars["isValidGmc"] = recipient.IsValidGmc(details.GmcNumber)
	if details.GmcNumber != nil {
		vars["gmcNumber"] = *details.GmcNumber
	}
	if details.GivenName != nil {
		vars["givenName"] = *details.GivenName
	}
	if details.FamilyName != nil {
		vars["familyName"] = *details.FamilyName
	}

	owner := ""
	if details.LocalOffice != nil {
		owner = *details.LocalOffice
	}
	vars["owner"] = owner
	contact := contacts.Resolve(w.directory.ListContacts(ctx, owner), contactTypeFor(payload.Type), contacts.TypeTssSupport)
	vars["ownerContact"] = contact
	vars["contactHref"] = contacts.Classify(contact)
	return vars
}
