package history

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Resender re-runs the dispatch path for an existing record under a fresh
// attempt. Implemented by the dispatch worker.
type Resender interface {
	Resend(ctx context.Context, historyID string) error
}

// Handler exposes the admin/read API over the history store.
type Handler struct {
	service  *Service
	resender Resender
}

func NewHandler(service *Service, resender Resender) *Handler {
	return &Handler{service: service, resender: resender}
}

// RegisterRoutes mounts the notification admin API on the group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.List)
	g.GET("/notifications/failed", h.ListFailed)
	g.GET("/notifications/:id", h.Get)
	g.POST("/notifications/:id/resend", h.Resend)
	g.PUT("/notifications/:id/status", h.UpdateStatus)
	g.DELETE("/notifications/:id", h.Delete)
}

type historyResponse struct {
	ID           string             `json:"id"`
	TraineeID    string             `json:"traineeId"`
	Ref          *Reference         `json:"reference,omitempty"`
	Type         NotificationType   `json:"type"`
	Recipient    Recipient          `json:"recipient"`
	Template     TemplateBinding    `json:"template"`
	SentAt       string             `json:"sentAt"`
	ReadAt       *string            `json:"readAt,omitempty"`
	Status       NotificationStatus `json:"status"`
	StatusDetail string             `json:"statusDetail,omitempty"`
	Attachments  []string           `json:"attachments,omitempty"`
}

func toResponse(rec *History) historyResponse {
	resp := historyResponse{
		ID:           rec.ID,
		TraineeID:    rec.TraineeID,
		Ref:          rec.Ref,
		Type:         rec.Type,
		Recipient:    rec.Recipient,
		Template:     rec.Template,
		SentAt:       rec.SentAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Status:       rec.Status,
		StatusDetail: rec.StatusDetail,
		Attachments:  rec.Attachments,
	}
	if rec.ReadAt != nil {
		t := rec.ReadAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.ReadAt = &t
	}
	return resp
}

func toResponses(items []*History) []historyResponse {
	out := make([]historyResponse, 0, len(items))
	for _, rec := range items {
		out = append(out, toResponse(rec))
	}
	return out
}

func traineeParam(c echo.Context) (string, error) {
	trainee := c.QueryParam("trainee")
	if trainee == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "trainee query parameter is required")
	}
	return trainee, nil
}

func (h *Handler) List(c echo.Context) error {
	trainee, err := traineeParam(c)
	if err != nil {
		return err
	}
	items, err := h.service.ListByTrainee(c.Request().Context(), trainee)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list notifications")
	}
	return c.JSON(http.StatusOK, toResponses(items))
}

func (h *Handler) ListFailed(c echo.Context) error {
	trainee, err := traineeParam(c)
	if err != nil {
		return err
	}
	items, err := h.service.ListFailed(c.Request().Context(), trainee)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list notifications")
	}
	return c.JSON(http.StatusOK, toResponses(items))
}

func (h *Handler) Get(c echo.Context) error {
	rec, err := h.service.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load notification")
	}
	return c.JSON(http.StatusOK, toResponse(rec))
}

func (h *Handler) Resend(c echo.Context) error {
	if h.resender == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "resend is not available")
	}
	err := h.resender.Resend(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "resend failed")
	}
	return c.NoContent(http.StatusAccepted)
}

type statusRequest struct {
	Status NotificationStatus `json:"status"`
	Detail string             `json:"detail,omitempty"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.service.UpdateStatus(c.Request().Context(), c.Param("id"), req.Status, req.Detail)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, "notification was modified concurrently")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update status")
	}
	return c.JSON(http.StatusOK, toResponse(rec))
}

func (h *Handler) Delete(c echo.Context) error {
	trainee, err := traineeParam(c)
	if err != nil {
		return err
	}
	rec, err := h.service.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load notification")
	}
	if rec.TraineeID != trainee {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	if err := h.service.Delete(c.Request().Context(), rec.ID); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete notification")
	}
	return c.NoContent(http.StatusNoContent)
}
