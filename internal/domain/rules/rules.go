// Package rules decides which notifications a domain event owes, to whom and
// when. Planning is pure: callers pass the clock and any resolved reference
// data in, so every rule is directly testable.
package rules

import (
	"strings"
	"time"

	"github.com/traineehub/notify/internal/domain/contacts"
	"github.com/traineehub/notify/internal/domain/history"
)

// Config carries the tunable rule parameters.
type Config struct {
	Location               *time.Location
	IncludedSubtypes       []string
	ExcludedSpecialties    []string
	DeferralMoreThanDays   int
	PogCutoffWeeks         int
	Pog12MonthCutoffMonths int
}

// Curriculum is one curriculum attached to a programme membership.
type Curriculum struct {
	SubType                  string
	Specialty                string
	BlockIndemnity           bool
	EndDate                  *time.Time
	EligibleForPeriodOfGrace bool
}

// ProgrammeMembership is the canonical snapshot of a programme event.
type ProgrammeMembership struct {
	TisID              string
	PersonID           string
	ProgrammeName      string
	ManagingDeanery    string
	StartDate          *time.Time
	CojSyncedAt        *time.Time
	Curricula          []Curriculum
	ResponsibleOfficer string
	DesignatedBody     string
}

// Placement is the canonical snapshot of a placement event.
type Placement struct {
	TisID           string
	PersonID        string
	StartDate       *time.Time
	Type            string
	Specialty       string
	ManagingDeanery string
}

// Plan is one scheduled email the rules owe: fire the given type at FireAt
// under the deterministic job id.
type Plan struct {
	Type   history.NotificationType
	JobID  string
	FireAt time.Time
	// Immediate plans fire as soon as the scheduler's minimum delay allows.
	Immediate bool
}

// InAppPlan is one in-app record owed at programme-create time.
type InAppPlan struct {
	Type      history.NotificationType
	Variables map[string]interface{}
}

// JobID builds the deterministic scheduler key for a type/reference pair.
func JobID(t history.NotificationType, refID string) string {
	return string(t) + "-" + refID
}

// Engine evaluates the planning rules.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) dayStart(t time.Time) time.Time {
	local := t.In(e.cfg.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.cfg.Location)
}

// IsProgrammeExcluded applies the programme-membership exclusion rules: a
// missing or past start date, no curricula, no included subtype, or any
// excluded specialty.
func (e *Engine) IsProgrammeExcluded(pm *ProgrammeMembership, now time.Time) bool {
	if pm.StartDate == nil {
		return true
	}
	if pm.StartDate.Before(e.dayStart(now)) {
		return true
	}
	if len(pm.Curricula) == 0 {
		return true
	}

	hasIncluded := false
	for _, cur := range pm.Curricula {
		for _, sub := range e.cfg.IncludedSubtypes {
			if strings.EqualFold(cur.SubType, sub) {
				hasIncluded = true
				break
			}
		}
		for _, excluded := range e.cfg.ExcludedSpecialties {
			if strings.EqualFold(cur.Specialty, excluded) {
				return true
			}
		}
	}
	return !hasIncluded
}

// CctDate is the expected completion date: the latest curriculum end date
// among those eligible for a period of grace.
func CctDate(pm *ProgrammeMembership) *time.Time {
	var cct *time.Time
	for _, cur := range pm.Curricula {
		if !cur.EligibleForPeriodOfGrace || cur.EndDate == nil {
			continue
		}
		if cct == nil || cur.EndDate.After(*cct) {
			cct = cur.EndDate
		}
	}
	return cct
}

// PlanProgramme returns the scheduled emails owed by a non-excluded
// programme membership. Reminders whose deadline has already passed are
// skipped, never sent late.
func (e *Engine) PlanProgramme(pm *ProgrammeMembership, now time.Time) []Plan {
	if e.IsProgrammeExcluded(pm, now) {
		return nil
	}

	start := e.dayStart(*pm.StartDate)
	plans := []Plan{
		{Type: history.ProgrammeCreated, JobID: JobID(history.ProgrammeCreated, pm.TisID), FireAt: now, Immediate: true},
		{Type: history.ProgrammeDayOne, JobID: JobID(history.ProgrammeDayOne, pm.TisID), FireAt: start},
	}

	for _, weeks := range history.ReminderWeeks {
		if weeks == 0 {
			continue
		}
		fireAt := start.AddDate(0, 0, -7*weeks)
		if !fireAt.After(now) {
			continue
		}
		t := history.ProgrammeWeekType(weeks)
		plans = append(plans, Plan{Type: t, JobID: JobID(t, pm.TisID), FireAt: fireAt})
	}
	// week 0 coincides with day one but is a separate reminder type
	if start.After(now) {
		t := history.ProgrammeWeekType(0)
		plans = append(plans, Plan{Type: t, JobID: JobID(t, pm.TisID), FireAt: start})
	}

	plans = append(plans, e.planPog(pm, now)...)
	return plans
}

// planPog picks at most one period-of-grace notification: the 12-month
// notice when the CCT is at least the long cutoff away, the 6-month notice
// when it falls between the two cutoffs, nothing when it is inside the short
// window.
func (e *Engine) planPog(pm *ProgrammeMembership, now time.Time) []Plan {
	cct := CctDate(pm)
	if cct == nil {
		return nil
	}

	shortCutoff := now.AddDate(0, 0, 7*e.cfg.PogCutoffWeeks)
	longCutoff := now.AddDate(0, e.cfg.Pog12MonthCutoffMonths, 0)

	switch {
	case !cct.Before(longCutoff):
		return []Plan{{
			Type:   history.ProgrammePogMonth12,
			JobID:  JobID(history.ProgrammePogMonth12, pm.TisID),
			FireAt: e.dayStart(cct.AddDate(0, 0, -365)),
		}}
	case !cct.Before(shortCutoff):
		return []Plan{{
			Type:   history.ProgrammePogMonth6,
			JobID:  JobID(history.ProgrammePogMonth6, pm.TisID),
			FireAt: e.dayStart(cct.AddDate(0, 0, -182)),
		}}
	}
	return nil
}

// inAppContactType maps the in-app notifications that carry a local-office
// contact to the contact type they prefer.
var inAppContactType = map[history.NotificationType]string{
	history.LtftInApp:   contacts.TypeLtft,
	history.Deferral:    contacts.TypeDeferral,
	history.Sponsorship: contacts.TypeSponsorship,
}

// PlanInApp returns the in-app records owed at programme-create time.
// officeContacts is the contact list of the managing deanery; an empty list
// degrades to the default contact text.
func (e *Engine) PlanInApp(pm *ProgrammeMembership, officeContacts []contacts.Contact, now time.Time) []InAppPlan {
	if e.IsProgrammeExcluded(pm, now) {
		return nil
	}

	base := map[string]interface{}{
		"programmeName": pm.ProgrammeName,
	}
	if pm.StartDate != nil {
		base["startDate"] = pm.StartDate.In(e.cfg.Location).Format("2006-01-02")
	}

	blockIndemnity := false
	for _, cur := range pm.Curricula {
		if cur.BlockIndemnity {
			blockIndemnity = true
			break
		}
	}

	types := []history.NotificationType{
		history.EPortfolio, history.IndemnityInsurance,
		history.LtftInApp, history.Deferral, history.Sponsorship,
	}

	plans := make([]InAppPlan, 0, len(types))
	for _, t := range types {
		vars := map[string]interface{}{}
		for k, v := range base {
			vars[k] = v
		}
		if t == history.IndemnityInsurance {
			vars["blockIndemnity"] = blockIndemnity
		}
		if contactType, ok := inAppContactType[t]; ok {
			contact := contacts.Resolve(officeContacts, contactType, contacts.TypeTssSupport)
			vars["localOfficeContact"] = contact
			vars["localOfficeContactType"] = contacts.Classify(contact)
		}
		plans = append(plans, InAppPlan{Type: t, Variables: vars})
	}
	return plans
}

// PlanPlacement returns the scheduled placement reminder, or nothing when
// its deadline has passed.
func (e *Engine) PlanPlacement(p *Placement, now time.Time) []Plan {
	if p.StartDate == nil {
		return nil
	}
	fireAt := e.dayStart(*p.StartDate).AddDate(0, 0, -84)
	if !fireAt.After(now) {
		return nil
	}
	return []Plan{{
		Type:   history.PlacementUpdatedWeek12,
		JobID:  JobID(history.PlacementUpdatedWeek12, p.TisID),
		FireAt: fireAt,
	}}
}

// IsDeferral reports whether a start-date move postpones by more than the
// configured threshold.
func (e *Engine) IsDeferral(oldStart, newStart time.Time) bool {
	threshold := oldStart.AddDate(0, 0, e.cfg.DeferralMoreThanDays)
	return newStart.After(threshold)
}

// DeferralFireTime keeps the original lead time: the gap between the old
// send and the old start, re-anchored on the new start date.
func DeferralFireTime(oldStart, oldSentAt, newStart time.Time) time.Time {
	leadDays := int(oldStart.Sub(oldSentAt).Hours() / 24)
	if leadDays < 0 {
		leadDays = 0
	}
	return newStart.AddDate(0, 0, -leadDays)
}

// IsPogExtension reports whether a CCT move warrants rescheduling the POG
// notification.
func (e *Engine) IsPogExtension(oldCct, newCct time.Time) bool {
	return !newCct.Before(oldCct.AddDate(0, 0, e.cfg.DeferralMoreThanDays))
}

// LtftType maps an LTFT form state to its notification type. On the TPD
// channel only approvals and submissions notify; ok is false otherwise.
func LtftType(state string, tpd bool) (t history.NotificationType, ok bool) {
	if tpd {
		switch strings.ToUpper(state) {
		case "APPROVED":
			return history.LtftApprovedTpd, true
		case "SUBMITTED":
			return history.LtftSubmittedTpd, true
		}
		return "", false
	}
	switch strings.ToUpper(state) {
	case "APPROVED":
		return history.LtftApproved, true
	case "SUBMITTED":
		return history.LtftSubmitted, true
	case "UNSUBMITTED":
		return history.LtftUnsubmitted, true
	case "WITHDRAWN":
		return history.LtftWithdrawn, true
	}
	return history.LtftUpdated, true
}

// Flags are the dispatch-time eligibility signals that decide suppression.
type Flags struct {
	ValidRecipient   bool
	DummyRole        bool
	MessagingEnabled bool
	ContactResolved  bool
	Whitelisted      bool
}

// JustLog decides whether a dispatch runs the full pipeline but suppresses
// real delivery. A dummy role always suppresses; the whitelist overrides
// every other suppression reason.
func JustLog(f Flags) bool {
	if f.DummyRole {
		return true
	}
	if f.Whitelisted {
		return false
	}
	return !f.ValidRecipient || !f.MessagingEnabled || !f.ContactResolved
}
