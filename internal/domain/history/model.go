// Package history implements the durable notification record store: every
// dispatch attempt, scheduled or immediate, email or in-app, is persisted here
// and every state change is broadcast to downstream consumers.
package history

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// MessageKind is the delivery channel of a notification.
type MessageKind string

const (
	KindEmail MessageKind = "EMAIL"
	KindInApp MessageKind = "IN_APP"
)

// Family groups notification types for rule dispatch.
type Family string

const (
	FamilyProgramme Family = "PROGRAMME"
	FamilyPlacement Family = "PLACEMENT"
	FamilyInApp     Family = "IN_APP"
	FamilyGmc       Family = "GMC"
	FamilyLtft      Family = "LTFT"
)

// NotificationType is the closed set of notifications the service can owe.
type NotificationType string

const (
	ProgrammeCreated NotificationType = "PROGRAMME_CREATED"
	ProgrammeDayOne  NotificationType = "PROGRAMME_DAY_ONE"

	ProgrammeUpdatedWeek12 NotificationType = "PROGRAMME_UPDATED_WEEK_12"
	ProgrammeUpdatedWeek8  NotificationType = "PROGRAMME_UPDATED_WEEK_8"
	ProgrammeUpdatedWeek4  NotificationType = "PROGRAMME_UPDATED_WEEK_4"
	ProgrammeUpdatedWeek2  NotificationType = "PROGRAMME_UPDATED_WEEK_2"
	ProgrammeUpdatedWeek1  NotificationType = "PROGRAMME_UPDATED_WEEK_1"
	ProgrammeUpdatedWeek0  NotificationType = "PROGRAMME_UPDATED_WEEK_0"

	ProgrammePogMonth12 NotificationType = "PROGRAMME_POG_MONTH_12"
	ProgrammePogMonth6  NotificationType = "PROGRAMME_POG_MONTH_6"

	PlacementUpdatedWeek12         NotificationType = "PLACEMENT_UPDATED_WEEK_12"
	PlacementRollout2024Correction NotificationType = "PLACEMENT_ROLLOUT_2024_CORRECTION"

	EPortfolio         NotificationType = "E_PORTFOLIO"
	IndemnityInsurance NotificationType = "INDEMNITY_INSURANCE"
	LtftInApp          NotificationType = "LTFT"
	Deferral           NotificationType = "DEFERRAL"
	Sponsorship        NotificationType = "SPONSORSHIP"

	GmcUpdated         NotificationType = "GMC_UPDATED"
	GmcRejectedLo      NotificationType = "GMC_REJECTED_LO"
	GmcRejectedTrainee NotificationType = "GMC_REJECTED_TRAINEE"

	LtftApproved     NotificationType = "LTFT_APPROVED"
	LtftSubmitted    NotificationType = "LTFT_SUBMITTED"
	LtftUnsubmitted  NotificationType = "LTFT_UNSUBMITTED"
	LtftWithdrawn    NotificationType = "LTFT_WITHDRAWN"
	LtftUpdated      NotificationType = "LTFT_UPDATED"
	LtftApprovedTpd  NotificationType = "LTFT_APPROVED_TPD"
	LtftSubmittedTpd NotificationType = "LTFT_SUBMITTED_TPD"
)

type typeInfo struct {
	template string
	kind     MessageKind
	family   Family
}

var typeTable = map[NotificationType]typeInfo{
	ProgrammeCreated:       {"programme-created", KindEmail, FamilyProgramme},
	ProgrammeDayOne:        {"programme-day-one", KindEmail, FamilyProgramme},
	ProgrammeUpdatedWeek12: {"programme-updated-week-12", KindEmail, FamilyProgramme},
	ProgrammeUpdatedWeek8:  {"programme-updated-week-8", KindEmail, FamilyProgramme},
	ProgrammeUpdatedWeek4:  {"programme-updated-week-4", KindEmail, FamilyProgramme},
	ProgrammeUpdatedWeek2:  {"programme-updated-week-2", KindEmail, FamilyProgramme},
	ProgrammeUpdatedWeek1:  {"programme-updated-week-1", KindEmail, FamilyProgramme},
	ProgrammeUpdatedWeek0:  {"programme-updated-week-0", KindEmail, FamilyProgramme},
	ProgrammePogMonth12:    {"programme-pog-month-12", KindEmail, FamilyProgramme},
	ProgrammePogMonth6:     {"programme-pog-month-6", KindEmail, FamilyProgramme},

	PlacementUpdatedWeek12:         {"placement-updated-week-12", KindEmail, FamilyPlacement},
	PlacementRollout2024Correction: {"placement-rollout-2024-correction", KindEmail, FamilyPlacement},

	EPortfolio:         {"e-portfolio", KindInApp, FamilyInApp},
	IndemnityInsurance: {"indemnity-insurance", KindInApp, FamilyInApp},
	LtftInApp:          {"ltft", KindInApp, FamilyInApp},
	Deferral:           {"deferral", KindInApp, FamilyInApp},
	Sponsorship:        {"sponsorship", KindInApp, FamilyInApp},

	GmcUpdated:         {"gmc-updated", KindEmail, FamilyGmc},
	GmcRejectedLo:      {"gmc-rejected-lo", KindEmail, FamilyGmc},
	GmcRejectedTrainee: {"gmc-rejected-trainee", KindEmail, FamilyGmc},

	LtftApproved:     {"ltft-approved", KindEmail, FamilyLtft},
	LtftSubmitted:    {"ltft-submitted", KindEmail, FamilyLtft},
	LtftUnsubmitted:  {"ltft-unsubmitted", KindEmail, FamilyLtft},
	LtftWithdrawn:    {"ltft-withdrawn", KindEmail, FamilyLtft},
	LtftUpdated:      {"ltft-updated", KindEmail, FamilyLtft},
	LtftApprovedTpd:  {"ltft-approved-tpd", KindEmail, FamilyLtft},
	LtftSubmittedTpd: {"ltft-submitted-tpd", KindEmail, FamilyLtft},
}

// Known reports whether t is a member of the closed notification-type set.
func (t NotificationType) Known() bool {
	_, ok := typeTable[t]
	return ok
}

// TemplateName returns the template bound to this notification type.
func (t NotificationType) TemplateName() string { return typeTable[t].template }

// Kind returns the delivery channel for this notification type.
func (t NotificationType) Kind() MessageKind { return typeTable[t].kind }

// Family returns the rule family for this notification type.
func (t NotificationType) Family() Family { return typeTable[t].family }

// ProgrammeWeekType maps a reminder week count to its notification type.
// Returns "" for weeks outside the reminder schedule.
func ProgrammeWeekType(weeks int) NotificationType {
	switch weeks {
	case 12:
		return ProgrammeUpdatedWeek12
	case 8:
		return ProgrammeUpdatedWeek8
	case 4:
		return ProgrammeUpdatedWeek4
	case 2:
		return ProgrammeUpdatedWeek2
	case 1:
		return ProgrammeUpdatedWeek1
	case 0:
		return ProgrammeUpdatedWeek0
	}
	return ""
}

// ReminderWeeks is the schedule of week-K programme reminders, furthest first.
var ReminderWeeks = []int{12, 8, 4, 2, 1, 0}

// NotificationStatus is the lifecycle state of a history record.
type NotificationStatus string

const (
	StatusScheduled NotificationStatus = "SCHEDULED"
	StatusSent      NotificationStatus = "SENT"
	StatusFailed    NotificationStatus = "FAILED"
	StatusUnread    NotificationStatus = "UNREAD"
	StatusRead      NotificationStatus = "READ"
	StatusArchived  NotificationStatus = "ARCHIVED"
	StatusDeleted   NotificationStatus = "DELETED"
)

// ErrInvalidTransition is returned when a status update names a target the
// record's channel or current state does not permit.
var ErrInvalidTransition = errors.New("invalid status transition")

var emailTransitions = map[NotificationStatus][]NotificationStatus{
	StatusScheduled: {StatusSent, StatusFailed, StatusDeleted},
	StatusSent:      {StatusDeleted},
	StatusFailed:    {StatusDeleted},
}

var inAppTransitions = map[NotificationStatus][]NotificationStatus{
	StatusScheduled: {StatusUnread, StatusDeleted},
	StatusUnread:    {StatusRead, StatusArchived, StatusDeleted},
	StatusRead:      {StatusUnread, StatusArchived, StatusDeleted},
	StatusArchived:  {StatusUnread, StatusRead, StatusDeleted},
}

// ValidateTransition reports whether a record on the given channel may move
// from one status to another. Email records never take in-app statuses and
// in-app records skip SENT/FAILED entirely.
func ValidateTransition(kind MessageKind, from, to NotificationStatus) error {
	var table map[NotificationStatus][]NotificationStatus
	switch kind {
	case KindEmail:
		table = emailTransitions
	case KindInApp:
		table = inAppTransitions
	default:
		return ErrInvalidTransition
	}
	for _, allowed := range table[from] {
		if allowed == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// RefKind identifies which domain object a notification is about.
type RefKind string

const (
	RefProgrammeMembership RefKind = "PROGRAMME_MEMBERSHIP"
	RefPlacement           RefKind = "PLACEMENT"
	RefLtft                RefKind = "LTFT"
)

// Reference ties a notification to its domain subject; it drives
// de-duplication and deletion cascades.
type Reference struct {
	Kind RefKind `json:"type"`
	ID   string  `json:"id"`
}

// Recipient is who a notification goes to: an email address for email, the
// trainee id itself for in-app.
type Recipient struct {
	ID      string      `json:"id"`
	Kind    MessageKind `json:"type"`
	Contact string      `json:"contact,omitempty"`
}

// TemplateBinding pins a template name and version together with the
// variables the renderer substitutes.
type TemplateBinding struct {
	Name      string                 `json:"name"`
	Version   string                 `json:"version"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// History is the durable record of a single notification attempt.
type History struct {
	ID           string
	TraineeID    string
	Ref          *Reference
	Type         NotificationType
	Recipient    Recipient
	Template     TemplateBinding
	SentAt       time.Time
	ReadAt       *time.Time
	Status       NotificationStatus
	StatusDetail string
	LastRetryAt  *time.Time
	Attachments  []string
	Version      int
}

// Terminal reports whether the record can no longer change except by
// deletion cascade.
func (h *History) Terminal() bool {
	return h.Status == StatusFailed || h.Status == StatusDeleted
}

// NewID returns a globally unique, time-ordered history id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		return uuid.New().String()
	}
	return id.String()
}
