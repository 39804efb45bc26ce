package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/traineehub/notify/internal/domain/contacts"
	"github.com/traineehub/notify/internal/domain/dispatch"
	"github.com/traineehub/notify/internal/domain/history"
	"github.com/traineehub/notify/internal/domain/inapp"
	"github.com/traineehub/notify/internal/domain/recipient"
	"github.com/traineehub/notify/internal/domain/rules"
	"github.com/traineehub/notify/internal/domain/scheduler"
	"github.com/traineehub/notify/internal/platform/events"
	"github.com/traineehub/notify/internal/platform/template"
)

// JobScheduler is the slice of the scheduler the ingest handlers use.
type JobScheduler interface {
	Schedule(ctx context.Context, jobID string, fireAt time.Time, payload scheduler.Payload, jitterBound time.Duration) error
	Cancel(ctx context.Context, jobID string) error
}

// programmeEmailTypes are the scheduled email types a programme membership
// can owe, used to cancel everything on deletion.
var programmeEmailTypes = []history.NotificationType{
	history.ProgrammeCreated, history.ProgrammeDayOne,
	history.ProgrammeUpdatedWeek12, history.ProgrammeUpdatedWeek8,
	history.ProgrammeUpdatedWeek4, history.ProgrammeUpdatedWeek2,
	history.ProgrammeUpdatedWeek1, history.ProgrammeUpdatedWeek0,
	history.ProgrammePogMonth12, history.ProgrammePogMonth6,
}

// Options carries the ingest-time tunables.
type Options struct {
	WhitelistedIDs []string
	DummyRoles     []string
	// DayOfJitter spreads day-of milestone sends across the working day.
	DayOfJitter time.Duration
}

// Orchestrator owns one handler per domain-event kind.
type Orchestrator struct {
	engine      *rules.Engine
	sched       JobScheduler
	hist        *history.Service
	notifier    *inapp.Notifier
	resolver    *recipient.Resolver
	eligibility recipient.EligibilityClient
	directory   contacts.Directory
	offices     contacts.CurriculumOffices
	registry    *template.Registry
	renderer    template.Renderer
	transport   dispatch.Sender

	whitelist   map[string]bool
	dummyRoles  []string
	dayOfJitter time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

func NewOrchestrator(engine *rules.Engine, sched JobScheduler, hist *history.Service, notifier *inapp.Notifier, resolver *recipient.Resolver, eligibility recipient.EligibilityClient, directory contacts.Directory, offices contacts.CurriculumOffices, registry *template.Registry, renderer template.Renderer, transport dispatch.Sender, opts Options, logger zerolog.Logger) *Orchestrator {
	whitelist := make(map[string]bool, len(opts.WhitelistedIDs))
	for _, id := range opts.WhitelistedIDs {
		whitelist[id] = true
	}
	return &Orchestrator{
		engine:      engine,
		sched:       sched,
		hist:        hist,
		notifier:    notifier,
		resolver:    resolver,
		eligibility: eligibility,
		directory:   directory,
		offices:     offices,
		registry:    registry,
		renderer:    renderer,
		transport:   transport,
		whitelist:   whitelist,
		dummyRoles:  opts.DummyRoles,
		dayOfJitter: opts.DayOfJitter,
		logger:      logger,
		now:         time.Now,
	}
}

// RecipientOffices derives a trainee's local offices from the merged profile.
type RecipientOffices struct {
	Resolver *recipient.Resolver
}

func (r RecipientOffices) LocalOffices(ctx context.Context, traineeID string) ([]string, error) {
	details, err := r.Resolver.Resolve(ctx, traineeID)
	if err != nil {
		return nil, err
	}
	if details == nil || details.LocalOffice == nil {
		return nil, nil
	}
	return []string{*details.LocalOffice}, nil
}

// schedulePlan arms a trigger unless its history row shows the job already
// ran, which makes redelivered events harmless.
func (o *Orchestrator) schedulePlan(ctx context.Context, jobID string, fireAt time.Time, payload scheduler.Payload, jitter time.Duration) error {
	rec, err := o.hist.Get(ctx, jobID)
	if err == nil && rec.Status != history.StatusScheduled {
		return nil
	}
	if err != nil && !errors.Is(err, history.ErrNotFound) {
		return &dispatch.TransientError{Op: "check prior history", Err: err}
	}
	if err := o.sched.Schedule(ctx, jobID, fireAt, payload, jitter); err != nil {
		return &dispatch.TransientError{Op: "schedule " + jobID, Err: err}
	}
	return nil
}

func (o *Orchestrator) emailPayload(traineeID string, ref *history.Reference, t history.NotificationType, address string, vars map[string]interface{}) (scheduler.Payload, error) {
	version, err := o.registry.Version(template.KindEmail, t.TemplateName())
	if err != nil {
		return scheduler.Payload{}, err
	}
	return scheduler.Payload{
		TraineeID: traineeID,
		Type:      t,
		Ref:       ref,
		Recipient: history.Recipient{ID: traineeID, Kind: history.KindEmail, Contact: address},
		Template:  history.TemplateBinding{Name: t.TemplateName(), Version: version, Variables: vars},
	}, nil
}

// ProgrammeMembershipUpdated plans the full notification set for a programme
// membership and reconciles it against what was already sent or scheduled.
func (o *Orchestrator) ProgrammeMembershipUpdated() events.HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		var ev ProgrammeMembershipEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode programme membership event: %w", err)
		}
		if ev.PersonID == "" || ev.TisID == "" {
			return fmt.Errorf("programme membership event missing person or tis id")
		}

		pm := ev.toModel()
		now := o.now()
		plans := o.engine.PlanProgramme(pm, now)
		if len(plans) == 0 {
			o.logger.Debug().Str("tisId", ev.TisID).Msg("programme membership excluded from notifications")
			return nil
		}

		details, err := o.resolver.Resolve(ctx, ev.PersonID)
		if err != nil {
			return &dispatch.TransientError{Op: "resolve recipient", Err: err}
		}
		address := ""
		if details.CanReceiveEmail() {
			address = *details.Email
		}

		ref := &history.Reference{Kind: history.RefProgrammeMembership, ID: ev.TisID}
		prior, err := o.hist.ListByRef(ctx, ev.PersonID, *ref)
		if err != nil {
			return &dispatch.TransientError{Op: "load prior history", Err: err}
		}
		priorByType := map[history.NotificationType]*history.History{}
		for _, h := range prior {
			if h.Status != history.StatusDeleted {
				priorByType[h.Type] = h
			}
		}

		vars := o.programmeVars(&ev, pm)
		for _, plan := range plans {
			jobID := plan.JobID
			fireAt := plan.FireAt
			if sent, ok := priorByType[plan.Type]; ok && sent.Status == history.StatusSent {
				jobID, fireAt, ok = o.reconcileSent(plan, sent, pm, now)
				if !ok {
					continue
				}
			}

			payload, err := o.emailPayload(ev.PersonID, ref, plan.Type, address, vars)
			if err != nil {
				return fmt.Errorf("programme plan %s: %w", plan.Type, err)
			}
			jitter := o.dayOfJitter
			if plan.Immediate {
				jitter = 0
			}
			if err := o.schedulePlan(ctx, jobID, fireAt, payload, jitter); err != nil {
				return err
			}
		}

		return o.createProgrammeInApp(ctx, &ev, pm, ref, details, now)
	}
}

// reconcileSent decides what a plan owes when its notification was already
// sent: nothing for ordinary reminders, a fresh job under a date-suffixed id
// for a deferral or a period-of-grace extension.
func (o *Orchestrator) reconcileSent(plan rules.Plan, sent *history.History, pm *rules.ProgrammeMembership, now time.Time) (jobID string, fireAt time.Time, reschedule bool) {
	switch plan.Type {
	case history.ProgrammeCreated:
		oldStart, ok := varDate(sent.Template.Variables, "startDate")
		if !ok || pm.StartDate == nil || !o.engine.IsDeferral(oldStart, *pm.StartDate) {
			return "", time.Time{}, false
		}
		fireAt = rules.DeferralFireTime(oldStart, sent.SentAt, *pm.StartDate)
		return plan.JobID + "-" + pm.StartDate.Format(dateLayout), fireAt, true
	case history.ProgrammePogMonth12, history.ProgrammePogMonth6:
		oldCct, ok := varDate(sent.Template.Variables, "cctDate")
		newCct := rules.CctDate(pm)
		if !ok || newCct == nil || !o.engine.IsPogExtension(oldCct, *newCct) {
			return "", time.Time{}, false
		}
		return plan.JobID + "-" + newCct.Format(dateLayout), plan.FireAt, true
	}
	return "", time.Time{}, false
}

func varDate(vars map[string]interface{}, key string) (time.Time, bool) {
	s, ok := vars[key].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (o *Orchestrator) programmeVars(ev *ProgrammeMembershipEvent, pm *rules.ProgrammeMembership) map[string]interface{} {
	vars := map[string]interface{}{
		"programmeName": ev.ProgrammeName,
	}
	if pm.StartDate != nil {
		vars["startDate"] = pm.StartDate.Format(dateLayout)
	}
	if cct := rules.CctDate(pm); cct != nil {
		vars["cctDate"] = cct.Format(dateLayout)
	}
	if ev.ResponsibleOfficer != "" {
		vars["responsibleOfficer"] = ev.ResponsibleOfficer
	}
	if ev.DesignatedBody != "" {
		vars["designatedBody"] = ev.DesignatedBody
	}
	if pm.CojSyncedAt != nil {
		vars["cojSyncedAt"] = pm.CojSyncedAt.Format(time.RFC3339)
	}
	return vars
}

func (o *Orchestrator) createProgrammeInApp(ctx context.Context, ev *ProgrammeMembershipEvent, pm *rules.ProgrammeMembership, ref *history.Reference, details *recipient.UserDetails, now time.Time) error {
	officeContacts := o.directory.ListContacts(ctx, ev.ManagingDeanery)
	inPlans := o.engine.PlanInApp(pm, officeContacts, now)
	if len(inPlans) == 0 {
		return nil
	}

	justLog := o.justLog(ctx, ev.PersonID, details, history.KindInApp, true)
	for _, plan := range inPlans {
		version, err := o.registry.Version(template.KindInApp, plan.Type.TemplateName())
		if err != nil {
			return fmt.Errorf("in-app plan %s: %w", plan.Type, err)
		}
		if err := o.notifier.Create(ctx, ev.PersonID, ref, plan.Type, version, plan.Variables, justLog); err != nil {
			return &dispatch.TransientError{Op: "create in-app " + string(plan.Type), Err: err}
		}
	}
	return nil
}

// ProgrammeMembershipDeleted cancels every outstanding job for the membership
// and cascades deletion through its history.
func (o *Orchestrator) ProgrammeMembershipDeleted() events.HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		var ev ProgrammeMembershipEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode programme membership event: %w", err)
		}

		for _, t := range programmeEmailTypes {
			if err := o.sched.Cancel(ctx, rules.JobID(t, ev.TisID)); err != nil {
				return &dispatch.TransientError{Op: "cancel " + string(t), Err: err}
			}
		}
		ref := history.Reference{Kind: history.RefProgrammeMembership, ID: ev.TisID}
		if err := o.hist.DeleteByRef(ctx, ev.PersonID, ref); err != nil {
			return &dispatch.TransientError{Op: "cascade delete", Err: err}
		}
		return nil
	}
}

// PlacementUpdated schedules the placement reminder.
func (o *Orchestrator) PlacementUpdated() events.HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		var ev PlacementEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode placement event: %w", err)
		}
		if ev.PersonID == "" || ev.TisID == "" {
			return fmt.Errorf("placement event missing person or tis id")
		}

		plans := o.engine.PlanPlacement(ev.toModel(), o.now())
		if len(plans) == 0 {
			return nil
		}

		details, err := o.resolver.Resolve(ctx, ev.PersonID)
		if err != nil {
			return &dispatch.TransientError{Op: "resolve recipient", Err: err}
		}
		address := ""
		if details.CanReceiveEmail() {
			address = *details.Email
		}

		ref := &history.Reference{Kind: history.RefPlacement, ID: ev.TisID}
		vars := map[string]interface{}{
			"site":      ev.Type,
			"specialty": ev.Specialty,
		}
		if ev.StartDate != nil && !ev.StartDate.IsZero() {
			vars["startDate"] = ev.StartDate.Format(dateLayout)
		}

		for _, plan := range plans {
			payload, err := o.emailPayload(ev.PersonID, ref, plan.Type, address, vars)
			if err != nil {
				return fmt.Errorf("placement plan %s: %w", plan.Type, err)
			}
			if err := o.schedulePlan(ctx, plan.JobID, plan.FireAt, payload, o.dayOfJitter); err != nil {
				return err
			}
		}
		return nil
	}
}

// PlacementRolloutCorrection handles the one-off correction run for the 2024
// rollout: each event owes the corrected-details email immediately, to every
// affected placement regardless of pilot or rollout cohort.
func (o *Orchestrator) PlacementRolloutCorrection() events.HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		var ev PlacementEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode placement event: %w", err)
		}
		if ev.PersonID == "" || ev.TisID == "" {
			return fmt.Errorf("placement event missing person or tis id")
		}

		details, err := o.resolver.Resolve(ctx, ev.PersonID)
		if err != nil {
			return &dispatch.TransientError{Op: "resolve recipient", Err: err}
		}
		address := ""
		if details.CanReceiveEmail() {
			address = *details.Email
		}

		ref := &history.Reference{Kind: history.RefPlacement, ID: ev.TisID}
		vars := map[string]interface{}{
			"site":      ev.Type,
			"specialty": ev.Specialty,
		}
		if ev.StartDate != nil && !ev.StartDate.IsZero() {
			vars["startDate"] = ev.StartDate.Format(dateLayout)
		}

		t := history.PlacementRollout2024Correction
		payload, err := o.emailPayload(ev.PersonID, ref, t, address, vars)
		if err != nil {
			return fmt.Errorf("placement correction: %w", err)
		}
		return o.schedulePlan(ctx, rules.JobID(t, ev.TisID), o.now(), payload, 0)
	}
}

// PlacementDeleted cancels the placement reminder and cascades deletion.
func (o *Orchestrator) PlacementDeleted() events.HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		var ev PlacementEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode placement event: %w", err)
		}

		for _, t := range []history.NotificationType{history.PlacementUpdatedWeek12, history.PlacementRollout2024Correction} {
			if err := o.sched.Cancel(ctx, rules.JobID(t, ev.TisID)); err != nil {
				return &dispatch.TransientError{Op: "cancel " + string(t), Err: err}
			}
		}
		ref := history.Reference{Kind: history.RefPlacement, ID: ev.TisID}
		if err := o.hist.DeleteByRef(ctx, ev.PersonID, ref); err != nil {
			return &dispatch.TransientError{Op: "cascade delete", Err: err}
		}
		return nil
	}
}

// CojSigned removes any still-pending programme-created job: once the
// conditions of joining are signed the welcome email is obsolete.
func (o *Orchestrator) CojSigned() events.HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		var ev CojSignedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode coj signed event: %w", err)
		}
		if err := o.sched.Cancel(ctx, rules.JobID(history.ProgrammeCreated, ev.TisID)); err != nil {
			return &dispatch.TransientError{Op: "cancel programme created", Err: err}
		}
		return nil
	}
}

// FormDeleted cascades deletion of every notification about the form.
func (o *Orchestrator) FormDeleted() events.HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		var ev FormDeletedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode form deleted event: %w", err)
		}
		ref := history.Reference{Kind: history.RefLtft, ID: ev.FormRef}
		if err := o.hist.DeleteByRef(ctx, ev.TraineeID, ref); err != nil {
			return &dispatch.TransientError{Op: "cascade delete", Err: err}
		}
		return nil
	}
}

// GmcUpdated emails each distinct local-office GMC contact about the change.
// Contacts that are not email addresses cannot be messaged and are skipped.
func (o *Orchestrator) GmcUpdated() events.HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		var ev GmcEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode gmc event: %w", err)
		}

		details, err := o.resolver.Resolve(ctx, ev.TraineeID)
		if err != nil {
			return &dispatch.TransientError{Op: "resolve recipient", Err: err}
		}
		justLog := o.justLog(ctx, ev.TraineeID, details, history.KindEmail, true)

		addresses, err := o.gmcContacts(ctx, ev.TraineeID)
		if err != nil {
			return err
		}
		vars := map[string]interface{}{
			"gmcNumber": ev.GmcNumber,
			"gmcStatus": ev.GmcStatus,
			"tisId":     ev.TraineeID,
		}
		for _, address := range addresses {
			if err := o.sendNow(ctx, ev.TraineeID, nil, history.GmcUpdated, address, vars, justLog); err != nil {
				return err
			}
		}
		return nil
	}
}

// GmcRejected notifies each distinct local-office contact and the trainee,
// with the trainee copy carrying the list of offices that were told.
func (o *Orchestrator) GmcRejected() events.HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		var ev GmcEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode gmc event: %w", err)
		}

		details, err := o.resolver.Resolve(ctx, ev.TraineeID)
		if err != nil {
			return &dispatch.TransientError{Op: "resolve recipient", Err: err}
		}
		justLog := o.justLog(ctx, ev.TraineeID, details, history.KindEmail, true)

		addresses, err := o.gmcContacts(ctx, ev.TraineeID)
		if err != nil {
			return err
		}
		vars := map[string]interface{}{
			"gmcNumber": ev.GmcNumber,
			"gmcStatus": ev.GmcStatus,
			"reason":    ev.Trigger,
			"tisId":     ev.TraineeID,
		}
		for _, address := range addresses {
			if err := o.sendNow(ctx, ev.TraineeID, nil, history.GmcRejectedLo, address, vars, justLog); err != nil {
				return err
			}
		}

		traineeAddress := ""
		if details.CanReceiveEmail() {
			traineeAddress = *details.Email
		}
		traineeVars := map[string]interface{}{
			"gmcNumber": ev.GmcNumber,
			"gmcStatus": ev.GmcStatus,
			"reason":    ev.Trigger,
			"cc_of":     strings.Join(addresses, ", "),
		}
		return o.sendNow(ctx, ev.TraineeID, nil, history.GmcRejectedTrainee, traineeAddress, traineeVars, justLog)
	}
}

// gmcContacts returns the distinct emailable GMC_UPDATE contacts across the
// trainee's local offices.
func (o *Orchestrator) gmcContacts(ctx context.Context, traineeID string) ([]string, error) {
	locs, err := contacts.ListTraineeContacts(ctx, o.directory, o.offices, traineeID, contacts.TypeGmcUpdate)
	if err != nil {
		return nil, &dispatch.TransientError{Op: "list gmc contacts", Err: err}
	}
	seen := map[string]bool{}
	var out []string
	for _, loc := range locs {
		if contacts.Classify(loc.Contact) != contacts.HrefEmail || seen[loc.Contact] {
			continue
		}
		seen[loc.Contact] = true
		out = append(out, loc.Contact)
	}
	return out, nil
}

// ltftContactTypes are the local-office contact entries every LTFT email
// carries, keyed by contact type.
var ltftContactTypes = []string{
	contacts.TypeLtft, contacts.TypeLtftSupport,
	contacts.TypeSupportedReturnToTraining, contacts.TypeTssSupport,
}

// LtftUpdated handles the trainee channel when tpd is false and the
// training-programme-director channel when true.
func (o *Orchestrator) LtftUpdated(tpd bool) events.HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		var ev LtftEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode ltft event: %w", err)
		}

		state := ev.Status.Current.State
		t, ok := rules.LtftType(state, tpd)
		if !ok {
			o.logger.Debug().Str("state", state).Bool("tpd", tpd).Msg("ltft state does not notify on this channel")
			return nil
		}

		contactList := o.directory.ListContacts(ctx, ev.ProgrammeMembership.ManagingDeanery)
		contactVars := map[string]interface{}{}
		for _, ct := range ltftContactTypes {
			c := contacts.Resolve(contactList, ct, "")
			contactVars[ct] = map[string]interface{}{
				"contact":  c,
				"hrefType": contacts.Classify(c),
			}
		}
		vars := map[string]interface{}{
			"formRef":  ev.FormRef,
			"formName": ev.FormName,
			"state":    state,
			"tisId":    ev.TraineeID,
			"contacts": contactVars,
		}
		if ev.Status.Current.Detail != "" {
			vars["stateDetail"] = ev.Status.Current.Detail
		}

		details, err := o.resolver.Resolve(ctx, ev.TraineeID)
		if err != nil {
			return &dispatch.TransientError{Op: "resolve recipient", Err: err}
		}

		address := ""
		if tpd {
			if ev.Discussions == nil || ev.Discussions.TpdEmail == "" {
				o.logger.Warn().Str("formRef", ev.FormRef).Msg("ltft tpd notification has no tpd email, skipping")
				return nil
			}
			address = ev.Discussions.TpdEmail
			vars["tpdName"] = ev.Discussions.TpdName
		} else if details.CanReceiveEmail() {
			address = *details.Email
		}

		justLog := o.justLog(ctx, ev.TraineeID, details, history.KindEmail, address != "")
		ref := &history.Reference{Kind: history.RefLtft, ID: ev.FormRef}
		return o.sendNow(ctx, ev.TraineeID, ref, t, address, vars, justLog)
	}
}
