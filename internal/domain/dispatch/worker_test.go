package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/traineehub/notify/internal/domain/contacts"
	"github.com/traineehub/notify/internal/domain/history"
	"github.com/traineehub/notify/internal/domain/recipient"
	"github.com/traineehub/notify/internal/domain/scheduler"
	"github.com/traineehub/notify/internal/platform/template"
)

type fakeHistRepo struct{ records map[string]*history.History }

func newFakeHistRepo() *fakeHistRepo {
	return &fakeHistRepo{records: map[string]*history.History{}}
}

func (r *fakeHistRepo) Insert(ctx context.Context, h *history.History) error {
	cp := *h
	r.records[h.ID] = &cp
	return nil
}

func (r *fakeHistRepo) GetByID(ctx context.Context, id string) (*history.History, error) {
	h, ok := r.records[id]
	if !ok {
		return nil, history.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (r *fakeHistRepo) ListByTrainee(ctx context.Context, traineeID string) ([]*history.History, error) {
	return nil, nil
}

func (r *fakeHistRepo) ListFailed(ctx context.Context, traineeID string) ([]*history.History, error) {
	return nil, nil
}

func (r *fakeHistRepo) ListByRef(ctx context.Context, traineeID string, ref history.Reference) ([]*history.History, error) {
	return nil, nil
}

func (r *fakeHistRepo) ListInApp(ctx context.Context, traineeID string, t history.NotificationType, statuses []history.NotificationStatus) ([]*history.History, error) {
	return nil, nil
}

func (r *fakeHistRepo) UpdateStatus(ctx context.Context, h *history.History) error {
	cur, ok := r.records[h.ID]
	if !ok {
		return history.ErrNotFound
	}
	if cur.Version != h.Version {
		return history.ErrVersionConflict
	}
	cp := *h
	cp.Version++
	r.records[h.ID] = &cp
	h.Version++
	return nil
}

type stubProfile struct {
	details *recipient.UserDetails
	err     error
}

func (s *stubProfile) GetProfile(ctx context.Context, traineeID string) (*recipient.UserDetails, error) {
	return s.details, s.err
}

type stubEligibility struct {
	validRecipient   bool
	messagingEnabled bool
	newStarter       bool
	pilot2024        bool
	rollout2024      bool
	err              error
}

func (s *stubEligibility) IsValidRecipient(ctx context.Context, traineeID, kind string) (bool, error) {
	return s.validRecipient, s.err
}

func (s *stubEligibility) IsMessagingEnabled(ctx context.Context, traineeID string) (bool, error) {
	return s.messagingEnabled, s.err
}

func (s *stubEligibility) IsNewStarter(ctx context.Context, traineeID, refID string) (bool, error) {
	return s.newStarter, s.err
}

func (s *stubEligibility) IsPilot2024(ctx context.Context, traineeID, refID string) (bool, error) {
	return s.pilot2024, s.err
}

func (s *stubEligibility) IsRollout2024(ctx context.Context, traineeID, refID string) (bool, error) {
	return s.rollout2024, s.err
}

type stubDirectory struct{ contacts []contacts.Contact }

func (s *stubDirectory) ListContacts(ctx context.Context, localOffice string) []contacts.Contact {
	return s.contacts
}

type fakeSender struct {
	err  error
	sent []Message
}

func (f *fakeSender) Send(ctx context.Context, msg Message) error {
	f.sent = append(f.sent, msg)
	return f.err
}

type fakeJobScheduler struct {
	jobIDs   []string
	payloads []scheduler.Payload
}

func (f *fakeJobScheduler) Schedule(ctx context.Context, jobID string, fireAt time.Time, payload scheduler.Payload, jitterBound time.Duration) error {
	f.jobIDs = append(f.jobIDs, jobID)
	f.payloads = append(f.payloads, payload)
	return nil
}

func str(s string) *string { return &s }

func traineeDetails() *recipient.UserDetails {
	return &recipient.UserDetails{
		Registered:  true,
		Email:       str("doc@example.com"),
		GivenName:   str("Jo"),
		FamilyName:  str("Bloggs"),
		GmcNumber:   str("1234567"),
		LocalOffice: str("London"),
	}
}

func allowAll() *stubEligibility {
	return &stubEligibility{validRecipient: true, messagingEnabled: true, newStarter: true}
}

type env struct {
	repo        *fakeHistRepo
	hist        *history.Service
	sender      *fakeSender
	eligibility *stubEligibility
	worker      *Worker
}

func newEnv(t *testing.T, profile *recipient.UserDetails, eligibility *stubEligibility, opts Options) *env {
	t.Helper()
	repo := newFakeHistRepo()
	hist := history.NewService(repo, nil, nil, zerolog.Nop())
	sender := &fakeSender{}
	registry := template.NewRegistry(map[string]template.Versions{
		"programme-created":                 {Email: "v1.0.0"},
		"placement-rollout-2024-correction": {Email: "v1.0.0"},
	})
	resolver := recipient.NewResolver(&stubProfile{details: profile}, nil, zerolog.Nop())
	directory := &stubDirectory{contacts: []contacts.Contact{
		{Contact: "london@support.example.com", Type: contacts.TypeTssSupport},
	}}
	w := NewWorker(hist, resolver, eligibility, directory, registry, template.BuiltinRenderer{}, sender, opts, zerolog.Nop())
	return &env{repo: repo, hist: hist, sender: sender, eligibility: eligibility, worker: w}
}

func scheduledTrigger(e *env, t *testing.T) *scheduler.Trigger {
	t.Helper()
	payload := scheduler.Payload{
		TraineeID: "tr-1",
		Type:      history.ProgrammeCreated,
		Ref:       &history.Reference{Kind: history.RefProgrammeMembership, ID: "pm-1"},
		Recipient: history.Recipient{ID: "tr-1", Kind: history.KindEmail, Contact: "stale@example.com"},
		Template: history.TemplateBinding{
			Name:      "programme-created",
			Variables: map[string]interface{}{"startDate": "2029-01-15"},
		},
	}
	jobID := "PROGRAMME_CREATED-pm-1"
	rec := &history.History{
		ID:        jobID,
		TraineeID: payload.TraineeID,
		Ref:       payload.Ref,
		Type:      payload.Type,
		Recipient: payload.Recipient,
		Template:  payload.Template,
		Status:    history.StatusScheduled,
	}
	if err := e.hist.Save(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return &scheduler.Trigger{JobID: jobID, Payload: payload}
}

func TestDispatch_SendsAndMarksSent(t *testing.T) {
	e := newEnv(t, traineeDetails(), allowAll(), Options{})
	trig := scheduledTrigger(e, t)

	if err := e.worker.Dispatch(context.Background(), trig); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	if len(e.sender.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(e.sender.sent))
	}
	msg := e.sender.sent[0]
	if msg.Address != "doc@example.com" {
		t.Errorf("address %q, want refreshed identity email", msg.Address)
	}
	if msg.JustLog {
		t.Error("fully eligible dispatch must not just-log")
	}
	if msg.TemplateVersion != "v1.0.0" {
		t.Errorf("template version %q", msg.TemplateVersion)
	}
	if msg.Subject == "" || msg.Body == "" {
		t.Error("rendered subject and body must be populated")
	}
	if msg.Variables["ownerContact"] != "london@support.example.com" {
		t.Errorf("ownerContact %v", msg.Variables["ownerContact"])
	}
	if msg.Variables["contactHref"] != contacts.HrefEmail {
		t.Errorf("contactHref %v", msg.Variables["contactHref"])
	}
	if msg.Variables["isValidGmc"] != true {
		t.Errorf("isValidGmc %v", msg.Variables["isValidGmc"])
	}

	rec := e.repo.records[trig.JobID]
	if rec.Status != history.StatusSent {
		t.Errorf("history status %s, want SENT", rec.Status)
	}
	if rec.StatusDetail != "" {
		t.Errorf("unexpected status detail %q", rec.StatusDetail)
	}
}

func TestDispatch_MissingRowIsNoOp(t *testing.T) {
	e := newEnv(t, traineeDetails(), allowAll(), Options{})
	trig := &scheduler.Trigger{JobID: "gone", Payload: scheduler.Payload{TraineeID: "tr-1", Type: history.ProgrammeCreated}}

	if err := e.worker.Dispatch(context.Background(), trig); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if len(e.sender.sent) != 0 {
		t.Error("cancelled job must not send")
	}
}

func TestDispatch_AlreadySentIsNoOp(t *testing.T) {
	e := newEnv(t, traineeDetails(), allowAll(), Options{})
	trig := scheduledTrigger(e, t)
	e.repo.records[trig.JobID].Status = history.StatusSent

	if err := e.worker.Dispatch(context.Background(), trig); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if len(e.sender.sent) != 0 {
		t.Error("already-dispatched job must not send again")
	}
}

func TestDispatch_RecipientNotFoundJustLogs(t *testing.T) {
	e := newEnv(t, nil, allowAll(), Options{})
	trig := scheduledTrigger(e, t)

	if err := e.worker.Dispatch(context.Background(), trig); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	if len(e.sender.sent) != 1 || !e.sender.sent[0].JustLog {
		t.Fatal("missing recipient must run the pipeline with justLog")
	}
	rec := e.repo.records[trig.JobID]
	if rec.Status != history.StatusSent || rec.StatusDetail != detailRecipientNotFound {
		t.Errorf("got %s/%q, want SENT with recipient-not-found detail", rec.Status, rec.StatusDetail)
	}
}

func TestDispatch_CriteriaNoLongerMet(t *testing.T) {
	eligibility := allowAll()
	eligibility.newStarter, eligibility.rollout2024 = false, false
	e := newEnv(t, traineeDetails(), eligibility, Options{})
	trig := scheduledTrigger(e, t)

	if err := e.worker.Dispatch(context.Background(), trig); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	if len(e.sender.sent) != 1 || !e.sender.sent[0].JustLog {
		t.Fatal("inapplicable job must still run with justLog")
	}
	rec := e.repo.records[trig.JobID]
	if rec.StatusDetail != detailCriteriaNotMet {
		t.Errorf("status detail %q, want %q", rec.StatusDetail, detailCriteriaNotMet)
	}
}

func TestDispatch_RolloutCorrectionIgnoresCohortGate(t *testing.T) {
	eligibility := allowAll()
	eligibility.newStarter, eligibility.pilot2024, eligibility.rollout2024 = false, false, false
	e := newEnv(t, traineeDetails(), eligibility, Options{})

	payload := scheduler.Payload{
		TraineeID: "tr-1",
		Type:      history.PlacementRollout2024Correction,
		Ref:       &history.Reference{Kind: history.RefPlacement, ID: "pl-1"},
		Recipient: history.Recipient{ID: "tr-1", Kind: history.KindEmail, Contact: "doc@example.com"},
		Template:  history.TemplateBinding{Name: "placement-rollout-2024-correction"},
	}
	jobID := "PLACEMENT_ROLLOUT_2024_CORRECTION-pl-1"
	rec := &history.History{
		ID:        jobID,
		TraineeID: payload.TraineeID,
		Ref:       payload.Ref,
		Type:      payload.Type,
		Recipient: payload.Recipient,
		Template:  payload.Template,
		Status:    history.StatusScheduled,
	}
	if err := e.hist.Save(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	if err := e.worker.Dispatch(context.Background(), &scheduler.Trigger{JobID: jobID, Payload: payload}); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	if len(e.sender.sent) != 1 || e.sender.sent[0].JustLog {
		t.Fatal("correction must really send outside the pilot/rollout cohorts")
	}
	stored := e.repo.records[jobID]
	if stored.Status != history.StatusSent || stored.StatusDetail != "" {
		t.Errorf("got %s/%q, want clean SENT", stored.Status, stored.StatusDetail)
	}
}

func TestDispatch_DummyRoleAlwaysSuppresses(t *testing.T) {
	details := traineeDetails()
	details.Roles = []string{"Placeholder"}
	e := newEnv(t, details, allowAll(), Options{
		WhitelistedIDs: []string{"tr-1"},
		DummyRoles:     []string{"placeholder"},
	})
	trig := scheduledTrigger(e, t)

	if err := e.worker.Dispatch(context.Background(), trig); err != nil {
		t.Fatal(err)
	}
	if !e.sender.sent[0].JustLog {
		t.Error("dummy role must suppress even a whitelisted trainee")
	}
	if e.repo.records[trig.JobID].StatusDetail != detailJustLogged {
		t.Errorf("status detail %q", e.repo.records[trig.JobID].StatusDetail)
	}
}

func TestDispatch_WhitelistOverridesKillSwitch(t *testing.T) {
	eligibility := allowAll()
	eligibility.messagingEnabled = false
	e := newEnv(t, traineeDetails(), eligibility, Options{WhitelistedIDs: []string{"tr-1"}})
	trig := scheduledTrigger(e, t)

	if err := e.worker.Dispatch(context.Background(), trig); err != nil {
		t.Fatal(err)
	}
	if e.sender.sent[0].JustLog {
		t.Error("whitelisted trainee must receive real delivery despite kill switch")
	}
}

func TestDispatch_MissingTemplateVersionFailsPermanently(t *testing.T) {
	e := newEnv(t, traineeDetails(), allowAll(), Options{})
	trig := scheduledTrigger(e, t)
	trig.Payload.Template.Name = "programme-day-one" // not in the registry
	e.repo.records[trig.JobID].Template.Name = "programme-day-one"

	err := e.worker.Dispatch(context.Background(), trig)
	if err == nil {
		t.Fatal("expected config error")
	}
	if !errors.Is(err, template.ErrMissingVersion) {
		t.Errorf("error %v, want missing-version", err)
	}
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		t.Error("config error must not be transient")
	}
	if len(e.sender.sent) != 0 {
		t.Error("must not send without a pinned version")
	}
}

func TestDispatch_TransientTransportStampsRetry(t *testing.T) {
	e := newEnv(t, traineeDetails(), allowAll(), Options{})
	trig := scheduledTrigger(e, t)
	e.sender.err = &TransientError{Op: "transport send", Err: errors.New("status 503")}

	err := e.worker.Dispatch(context.Background(), trig)
	var transientErr *TransientError
	if !errors.As(err, &transientErr) {
		t.Fatalf("error %v, want transient", err)
	}

	rec := e.repo.records[trig.JobID]
	if rec.Status != history.StatusScheduled {
		t.Errorf("status %s, row must stay SCHEDULED for the retry", rec.Status)
	}
	if rec.LastRetryAt == nil {
		t.Error("lastRetryAt not stamped")
	}
}

func TestDispatch_PermanentTransportError(t *testing.T) {
	e := newEnv(t, traineeDetails(), allowAll(), Options{})
	trig := scheduledTrigger(e, t)
	e.sender.err = errors.New("transport send: rejected with status 400")

	err := e.worker.Dispatch(context.Background(), trig)
	if err == nil {
		t.Fatal("expected error")
	}
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		t.Error("4xx rejection must not be transient")
	}
}

func TestAbandon_MarksFailed(t *testing.T) {
	e := newEnv(t, traineeDetails(), allowAll(), Options{})
	trig := scheduledTrigger(e, t)

	e.worker.Abandon(context.Background(), trig, errors.New("status 503"))

	rec := e.repo.records[trig.JobID]
	if rec.Status != history.StatusFailed {
		t.Errorf("status %s, want FAILED", rec.Status)
	}
	if rec.StatusDetail != "status 503" {
		t.Errorf("status detail %q", rec.StatusDetail)
	}
	if rec.LastRetryAt == nil {
		t.Error("failure must stamp lastRetryAt")
	}
}

func TestAbandon_LeavesNonScheduledAlone(t *testing.T) {
	e := newEnv(t, traineeDetails(), allowAll(), Options{})
	trig := scheduledTrigger(e, t)
	e.repo.records[trig.JobID].Status = history.StatusSent

	e.worker.Abandon(context.Background(), trig, errors.New("late failure"))
	if e.repo.records[trig.JobID].Status != history.StatusSent {
		t.Error("abandon must not overwrite a completed record")
	}
}

func TestResend_SchedulesFreshJob(t *testing.T) {
	e := newEnv(t, traineeDetails(), allowAll(), Options{})
	trig := scheduledTrigger(e, t)
	e.repo.records[trig.JobID].Status = history.StatusFailed

	sched := &fakeJobScheduler{}
	e.worker.Bind(sched)

	if err := e.worker.Resend(context.Background(), trig.JobID); err != nil {
		t.Fatalf("Resend() error: %v", err)
	}

	if len(sched.jobIDs) != 1 {
		t.Fatal("no job scheduled")
	}
	if !strings.HasPrefix(sched.jobIDs[0], "PROGRAMME_CREATED-resend-") {
		t.Errorf("jobId %q, want fresh resend id", sched.jobIDs[0])
	}
	if sched.jobIDs[0] == trig.JobID {
		t.Error("resend must not reuse the original job id")
	}
	if sched.payloads[0].TraineeID != "tr-1" {
		t.Errorf("payload trainee %q", sched.payloads[0].TraineeID)
	}
}

func TestResend_RejectsScheduledRecord(t *testing.T) {
	e := newEnv(t, traineeDetails(), allowAll(), Options{})
	trig := scheduledTrigger(e, t)
	e.worker.Bind(&fakeJobScheduler{})

	if err := e.worker.Resend(context.Background(), trig.JobID); err == nil {
		t.Fatal("resend of a pending record must be rejected")
	}
}
