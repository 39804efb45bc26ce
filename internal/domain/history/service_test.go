package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeRepo struct {
	records map[string]*History
	failOn  string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: map[string]*History{}}
}

func (r *fakeRepo) Insert(ctx context.Context, h *History) error {
	if r.failOn == "insert" {
		return errors.New("boom")
	}
	cp := *h
	r.records[h.ID] = &cp
	return nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id string) (*History, error) {
	h, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (r *fakeRepo) ListByTrainee(ctx context.Context, traineeID string) ([]*History, error) {
	var out []*History
	for _, h := range r.records {
		if h.TraineeID == traineeID && h.Status != StatusDeleted {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListFailed(ctx context.Context, traineeID string) ([]*History, error) {
	var out []*History
	for _, h := range r.records {
		if h.TraineeID == traineeID && h.Status == StatusFailed {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListByRef(ctx context.Context, traineeID string, ref Reference) ([]*History, error) {
	var out []*History
	for _, h := range r.records {
		if h.TraineeID == traineeID && h.Ref != nil && *h.Ref == ref {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListInApp(ctx context.Context, traineeID string, t NotificationType, statuses []NotificationStatus) ([]*History, error) {
	var out []*History
	for _, h := range r.records {
		if h.TraineeID != traineeID || h.Type != t || h.Recipient.Kind != KindInApp {
			continue
		}
		for _, st := range statuses {
			if h.Status == st {
				out = append(out, h)
				break
			}
		}
	}
	return out, nil
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, h *History) error {
	if r.failOn == "update" {
		return errors.New("boom")
	}
	cur, ok := r.records[h.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != h.Version {
		return ErrVersionConflict
	}
	cp := *h
	cp.Version++
	r.records[h.ID] = &cp
	h.Version++
	return nil
}

type fakePublisher struct {
	events  []Event
	deleted []string
}

func (p *fakePublisher) Publish(ctx context.Context, ev Event) {
	p.events = append(p.events, ev)
}

func (p *fakePublisher) PublishDeleted(ctx context.Context, historyID string) {
	p.deleted = append(p.deleted, historyID)
}

func newTestService(repo Repository, pub Publisher) *Service {
	s := NewService(repo, pub, func(h *History) string { return "subject:" + string(h.Type) }, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func emailRecord() *History {
	return &History{
		TraineeID: "tr-1",
		Type:      ProgrammeCreated,
		Recipient: Recipient{Kind: KindEmail, Contact: "doc@example.com"},
		Template:  TemplateBinding{Name: "programme-created", Version: "v1.0.0"},
		Status:    StatusScheduled,
	}
}

func TestSave_AssignsIDAndBroadcastsOnce(t *testing.T) {
	repo, pub := newFakeRepo(), &fakePublisher{}
	svc := newTestService(repo, pub)

	h := emailRecord()
	if err := svc.Save(context.Background(), h); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if h.ID == "" {
		t.Error("expected id to be assigned")
	}
	if h.SentAt.IsZero() {
		t.Error("expected sentAt to be stamped")
	}
	if h.Version != 1 {
		t.Errorf("expected version 1, got %d", h.Version)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", len(pub.events))
	}
	if pub.events[0].Subject != "" {
		t.Error("email broadcast should not carry a subject")
	}
}

func TestSave_KeepsPresetID(t *testing.T) {
	repo, pub := newFakeRepo(), &fakePublisher{}
	svc := newTestService(repo, pub)

	h := emailRecord()
	h.ID = "PROGRAMME_UPDATED_WEEK_12-pm1"
	if err := svc.Save(context.Background(), h); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if h.ID != "PROGRAMME_UPDATED_WEEK_12-pm1" {
		t.Errorf("preset id replaced: %s", h.ID)
	}
}

func TestSave_RejectsWrongStatusForKind(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakePublisher{})

	h := emailRecord()
	h.Status = StatusUnread
	if err := svc.Save(context.Background(), h); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for email UNREAD, got %v", err)
	}

	inApp := &History{
		TraineeID: "tr-1",
		Type:      EPortfolio,
		Recipient: Recipient{Kind: KindInApp},
		Status:    StatusSent,
	}
	if err := svc.Save(context.Background(), inApp); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for in-app SENT, got %v", err)
	}
}

func TestSave_NoBroadcastOnInsertFailure(t *testing.T) {
	repo, pub := newFakeRepo(), &fakePublisher{}
	repo.failOn = "insert"
	svc := newTestService(repo, pub)

	if err := svc.Save(context.Background(), emailRecord()); err == nil {
		t.Fatal("expected error")
	}
	if len(pub.events) != 0 {
		t.Errorf("broadcast on failed insert: %d events", len(pub.events))
	}
}

func TestUpdateStatus_ReadStampsReadAt(t *testing.T) {
	repo, pub := newFakeRepo(), &fakePublisher{}
	svc := newTestService(repo, pub)

	h := &History{
		TraineeID: "tr-1",
		Type:      EPortfolio,
		Recipient: Recipient{Kind: KindInApp},
		Status:    StatusUnread,
	}
	if err := svc.Save(context.Background(), h); err != nil {
		t.Fatal(err)
	}

	updated, err := svc.UpdateStatus(context.Background(), h.ID, StatusRead, "")
	if err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}
	if updated.ReadAt == nil {
		t.Fatal("expected readAt to be stamped on READ")
	}
	if updated.Version != 2 {
		t.Errorf("expected version bump to 2, got %d", updated.Version)
	}

	updated, err = svc.UpdateStatus(context.Background(), h.ID, StatusUnread, "")
	if err != nil {
		t.Fatalf("UpdateStatus() back to UNREAD error: %v", err)
	}
	if updated.ReadAt != nil {
		t.Error("expected readAt to be cleared on UNREAD")
	}

	// save + read + unread
	if len(pub.events) != 3 {
		t.Errorf("expected 3 broadcasts, got %d", len(pub.events))
	}
	if pub.events[1].Subject == "" {
		t.Error("in-app broadcast should carry a rendered subject")
	}
}

func TestUpdateStatus_InvalidTransition(t *testing.T) {
	repo, pub := newFakeRepo(), &fakePublisher{}
	svc := newTestService(repo, pub)

	h := emailRecord()
	if err := svc.Save(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	pub.events = nil

	if _, err := svc.UpdateStatus(context.Background(), h.ID, StatusRead, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if len(pub.events) != 0 {
		t.Error("broadcast on rejected transition")
	}
}

func TestUpdateStatus_VersionConflict(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakePublisher{})

	h := emailRecord()
	if err := svc.Save(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	// concurrent writer bumps the stored version
	repo.records[h.ID].Version = 5

	if _, err := svc.UpdateStatus(context.Background(), h.ID, StatusSent, ""); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestDeleteByRef_CascadesAndSkipsDeleted(t *testing.T) {
	repo, pub := newFakeRepo(), &fakePublisher{}
	svc := newTestService(repo, pub)

	ref := Reference{Kind: RefProgrammeMembership, ID: "pm-1"}
	for _, status := range []NotificationStatus{StatusScheduled, StatusSent, StatusDeleted} {
		h := emailRecord()
		h.ID = NewID()
		h.Ref = &ref
		h.Status = status
		h.Version = 1
		repo.records[h.ID] = h
	}

	if err := svc.DeleteByRef(context.Background(), "tr-1", ref); err != nil {
		t.Fatalf("DeleteByRef() error: %v", err)
	}
	for _, h := range repo.records {
		if h.Status != StatusDeleted {
			t.Errorf("record %s not deleted: %s", h.ID, h.Status)
		}
	}
	// only the two live records broadcast, via the delete variant
	if len(pub.deleted) != 2 {
		t.Errorf("expected 2 deletion broadcasts, got %d", len(pub.deleted))
	}
	if len(pub.events) != 0 {
		t.Errorf("deletions must not use the full-record broadcast, got %d", len(pub.events))
	}
}

func TestMarkSentAndFailed(t *testing.T) {
	repo, pub := newFakeRepo(), &fakePublisher{}
	svc := newTestService(repo, pub)

	h := emailRecord()
	if err := svc.Save(context.Background(), h); err != nil {
		t.Fatal(err)
	}

	if err := svc.MarkSent(context.Background(), h); err != nil {
		t.Fatalf("MarkSent() error: %v", err)
	}
	if repo.records[h.ID].Status != StatusSent {
		t.Errorf("expected SENT, got %s", repo.records[h.ID].Status)
	}

	h2 := emailRecord()
	if err := svc.Save(context.Background(), h2); err != nil {
		t.Fatal(err)
	}
	if err := svc.MarkFailed(context.Background(), h2, "smtp timeout"); err != nil {
		t.Fatalf("MarkFailed() error: %v", err)
	}
	stored := repo.records[h2.ID]
	if stored.Status != StatusFailed || stored.StatusDetail != "smtp timeout" {
		t.Errorf("unexpected failed record: %+v", stored)
	}
	if stored.LastRetryAt == nil {
		t.Error("expected lastRetryAt to be stamped")
	}
}

func TestHasInApp(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakePublisher{})

	ref := Reference{Kind: RefProgrammeMembership, ID: "pm-1"}
	h := &History{
		ID:        NewID(),
		TraineeID: "tr-1",
		Ref:       &ref,
		Type:      EPortfolio,
		Recipient: Recipient{ID: "tr-1", Kind: KindInApp},
		Status:    StatusRead,
		Version:   1,
	}
	repo.records[h.ID] = h

	live := []NotificationStatus{StatusUnread, StatusRead, StatusArchived}
	got, err := svc.HasInApp(context.Background(), "tr-1", &ref, EPortfolio, live)
	if err != nil || !got {
		t.Errorf("HasInApp() = %v, %v; want true", got, err)
	}
	got, err = svc.HasInApp(context.Background(), "tr-1", &ref, IndemnityInsurance, live)
	if err != nil || got {
		t.Errorf("HasInApp() other type = %v, %v; want false", got, err)
	}
	other := Reference{Kind: RefProgrammeMembership, ID: "pm-2"}
	got, err = svc.HasInApp(context.Background(), "tr-1", &other, EPortfolio, live)
	if err != nil || got {
		t.Errorf("HasInApp() other ref = %v, %v; want false", got, err)
	}
}
