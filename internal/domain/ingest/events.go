// Package ingest consumes the domain-event queues and turns each event into
// scheduled emails, immediate sends or in-app records. Handlers are thin
// pipelines: decode the wire payload, build the canonical model, let the
// rules engine plan, then hand the plans to the scheduler or notifier. Every
// handler is safe under at-least-once redelivery.
package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/traineehub/notify/internal/domain/rules"
)

const dateLayout = "2006-01-02"

// Date unmarshals the calendar dates the upstream services emit, either bare
// "2006-01-02" or a full timestamp.
type Date struct {
	time.Time
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("parse date %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// CurriculumPayload is one curriculum inside a programme-membership event.
type CurriculumPayload struct {
	SubType                  string `json:"subType"`
	Specialty                string `json:"specialty"`
	BlockIndemnity           bool   `json:"blockIndemnity"`
	EndDate                  *Date  `json:"endDate"`
	EligibleForPeriodOfGrace bool   `json:"eligibleForPeriodOfGrace"`
}

// ProgrammeMembershipEvent is the wire snapshot of a programme membership.
type ProgrammeMembershipEvent struct {
	TisID               string `json:"tisId"`
	PersonID            string `json:"personId"`
	ProgrammeName       string `json:"programmeName"`
	ManagingDeanery     string `json:"managingDeanery"`
	StartDate           *Date  `json:"startDate"`
	ConditionsOfJoining *struct {
		SyncedAt *time.Time `json:"syncedAt"`
	} `json:"conditionsOfJoining,omitempty"`
	Curricula          []CurriculumPayload `json:"curricula"`
	ResponsibleOfficer string              `json:"responsibleOfficer,omitempty"`
	DesignatedBody     string              `json:"designatedBody,omitempty"`
}

func (ev *ProgrammeMembershipEvent) toModel() *rules.ProgrammeMembership {
	pm := &rules.ProgrammeMembership{
		TisID:              ev.TisID,
		PersonID:           ev.PersonID,
		ProgrammeName:      ev.ProgrammeName,
		ManagingDeanery:    ev.ManagingDeanery,
		ResponsibleOfficer: ev.ResponsibleOfficer,
		DesignatedBody:     ev.DesignatedBody,
	}
	if ev.StartDate != nil && !ev.StartDate.IsZero() {
		start := ev.StartDate.Time
		pm.StartDate = &start
	}
	if ev.ConditionsOfJoining != nil {
		pm.CojSyncedAt = ev.ConditionsOfJoining.SyncedAt
	}
	for _, c := range ev.Curricula {
		cur := rules.Curriculum{
			SubType:                  c.SubType,
			Specialty:                c.Specialty,
			BlockIndemnity:           c.BlockIndemnity,
			EligibleForPeriodOfGrace: c.EligibleForPeriodOfGrace,
		}
		if c.EndDate != nil && !c.EndDate.IsZero() {
			end := c.EndDate.Time
			cur.EndDate = &end
		}
		pm.Curricula = append(pm.Curricula, cur)
	}
	return pm
}

// PlacementEvent is the wire snapshot of a placement.
type PlacementEvent struct {
	TisID           string `json:"tisId"`
	PersonID        string `json:"personId"`
	StartDate       *Date  `json:"startDate"`
	Type            string `json:"type"`
	Specialty       string `json:"specialty"`
	ManagingDeanery string `json:"managingDeanery"`
}

func (ev *PlacementEvent) toModel() *rules.Placement {
	p := &rules.Placement{
		TisID:           ev.TisID,
		PersonID:        ev.PersonID,
		Type:            ev.Type,
		Specialty:       ev.Specialty,
		ManagingDeanery: ev.ManagingDeanery,
	}
	if ev.StartDate != nil && !ev.StartDate.IsZero() {
		start := ev.StartDate.Time
		p.StartDate = &start
	}
	return p
}

// GmcEvent covers both GMC update and rejection messages.
type GmcEvent struct {
	TraineeID string `json:"traineeId"`
	GmcNumber string `json:"gmcNumber"`
	GmcStatus string `json:"gmcStatus"`
	Trigger   string `json:"trigger,omitempty"`
}

// LtftEvent is the wire snapshot of a less-than-full-time application change.
type LtftEvent struct {
	TraineeID           string     `json:"traineeId"`
	FormRef             string     `json:"formRef"`
	FormName            string     `json:"formName"`
	Timestamp           *time.Time `json:"timestamp,omitempty"`
	ProgrammeMembership struct {
		ManagingDeanery string `json:"managingDeanery"`
	} `json:"programmeMembership"`
	Status struct {
		Current struct {
			State  string `json:"state"`
			Detail string `json:"detail,omitempty"`
		} `json:"current"`
	} `json:"status"`
	Discussions *struct {
		TpdName  string `json:"tpdName"`
		TpdEmail string `json:"tpdEmail"`
	} `json:"discussions,omitempty"`
}

// CojSignedEvent marks conditions of joining as signed for a membership.
type CojSignedEvent struct {
	TisID               string `json:"tisId"`
	PersonID            string `json:"personId"`
	ConditionsOfJoining *struct {
		SyncedAt *time.Time `json:"syncedAt"`
	} `json:"conditionsOfJoining,omitempty"`
}

// FormDeletedEvent asks for the cascade removal of a form's notifications.
type FormDeletedEvent struct {
	TraineeID string `json:"traineeId"`
	FormRef   string `json:"formRef"`
}
