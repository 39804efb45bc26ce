package history

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakeResender struct {
	ids []string
	err error
}

func (r *fakeResender) Resend(ctx context.Context, historyID string) error {
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, historyID)
	return nil
}

func newHandlerEnv(t *testing.T) (*Handler, *fakeRepo, *fakeResender) {
	t.Helper()
	repo := newFakeRepo()
	resender := &fakeResender{}
	return NewHandler(newTestService(repo, &fakePublisher{}), resender), repo, resender
}

func request(method, target string, body string) (*http.Request, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return req, httptest.NewRecorder()
}

func seedSent(t *testing.T, repo *fakeRepo, id string) *History {
	t.Helper()
	rec := emailRecord()
	rec.ID = id
	rec.Status = StatusSent
	if err := repo.Insert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestHandlerList(t *testing.T) {
	h, repo, _ := newHandlerEnv(t)
	seedSent(t, repo, "n-1")
	seedSent(t, repo, "n-2")

	e := echo.New()
	req, rec := request(http.MethodGet, "/notifications?trainee=tr-1", "")
	c := e.NewContext(req, rec)

	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []historyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].TraineeID != "tr-1" {
		t.Errorf("traineeId %s", got[0].TraineeID)
	}
}

func TestHandlerList_RequiresTrainee(t *testing.T) {
	h, _, _ := newHandlerEnv(t)

	e := echo.New()
	req, rec := request(http.MethodGet, "/notifications", "")
	c := e.NewContext(req, rec)

	err := h.List(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandlerGet(t *testing.T) {
	h, repo, _ := newHandlerEnv(t)
	seedSent(t, repo, "n-1")

	e := echo.New()
	req, rec := request(http.MethodGet, "/", "")
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("n-1")

	if err := h.Get(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got historyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "n-1" || got.Status != StatusSent {
		t.Errorf("got %s/%s", got.ID, got.Status)
	}
}

func TestHandlerGet_NotFound(t *testing.T) {
	h, _, _ := newHandlerEnv(t)

	e := echo.New()
	req, rec := request(http.MethodGet, "/", "")
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")

	err := h.Get(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHandlerResend(t *testing.T) {
	h, repo, resender := newHandlerEnv(t)
	seedSent(t, repo, "n-1")

	e := echo.New()
	req, rec := request(http.MethodPost, "/", "")
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("n-1")

	if err := h.Resend(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("status %d", rec.Code)
	}
	if len(resender.ids) != 1 || resender.ids[0] != "n-1" {
		t.Errorf("resent %v", resender.ids)
	}
}

func TestHandlerResend_NotFound(t *testing.T) {
	h, _, resender := newHandlerEnv(t)
	resender.err = ErrNotFound

	e := echo.New()
	req, rec := request(http.MethodPost, "/", "")
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")

	err := h.Resend(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHandlerUpdateStatus(t *testing.T) {
	h, repo, _ := newHandlerEnv(t)
	rec0 := emailRecord()
	rec0.ID = "n-1"
	rec0.Recipient.Kind = KindInApp
	rec0.Status = StatusUnread
	if err := repo.Insert(context.Background(), rec0); err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	req, rec := request(http.MethodPut, "/", `{"status":"READ"}`)
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("n-1")

	if err := h.UpdateStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got historyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRead {
		t.Errorf("status %s", got.Status)
	}
	if got.ReadAt == nil {
		t.Error("expected readAt to be stamped")
	}
}

func TestHandlerUpdateStatus_InvalidTransition(t *testing.T) {
	h, repo, _ := newHandlerEnv(t)
	seedSent(t, repo, "n-1")

	e := echo.New()
	req, rec := request(http.MethodPut, "/", `{"status":"SCHEDULED"}`)
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("n-1")

	err := h.UpdateStatus(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestHandlerDelete(t *testing.T) {
	h, repo, _ := newHandlerEnv(t)
	seedSent(t, repo, "n-1")

	e := echo.New()
	req, rec := request(http.MethodDelete, "/?trainee=tr-1", "")
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("n-1")

	if err := h.Delete(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status %d", rec.Code)
	}
	stored, err := repo.GetByID(context.Background(), "n-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusDeleted {
		t.Errorf("status %s", stored.Status)
	}
}

func TestHandlerDelete_WrongTraineeIsNotFound(t *testing.T) {
	h, repo, _ := newHandlerEnv(t)
	seedSent(t, repo, "n-1")

	e := echo.New()
	req, rec := request(http.MethodDelete, "/?trainee=tr-other", "")
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("n-1")

	err := h.Delete(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHandlerResend_Unavailable(t *testing.T) {
	repo := newFakeRepo()
	h := NewHandler(newTestService(repo, &fakePublisher{}), nil)

	e := echo.New()
	req, rec := request(http.MethodPost, "/", "")
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("n-1")

	err := h.Resend(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", err)
	}
	var target *echo.HTTPError
	if !errors.As(err, &target) {
		t.Fatal("expected echo.HTTPError")
	}
}
