package queue

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/triage/internal/domain/triage"
	"github.com/ehr/triage/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients", h.ListPatients)
	api.POST("/patients", h.AddPatient)
	api.PUT("/patients", h.ReplacePatients)
	api.POST("/patients/recover", h.Recover)
	api.GET("/patients/status", h.Status)
	api.PATCH("/patients/:id/status", h.UpdateStatus)
	api.PATCH("/patients/:id/esi", h.SetESI)
	api.GET("/queue", h.Queue)
}

// httpError maps repository errors onto HTTP status codes.
func httpError(err error, fallback string) error {
	var ve *ValidationError
	var re *RecoveryError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.As(err, &re):
		return echo.NewHTTPError(http.StatusInternalServerError, "Backup recovery failed").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, fallback).SetInternal(err)
	}
}

func (h *Handler) ListPatients(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.LoadAll(c.Request().Context()))
}

func (h *Handler) AddPatient(c echo.Context) error {
	var d PatientDraft
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient data")
	}
	p, err := h.svc.Append(c.Request().Context(), d)
	if err != nil {
		return httpError(err, "Failed to save patient")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"patient": p,
	})
}

type replaceRequest struct {
	Patients *[]Patient `json:"patients"`
	LastID   *int       `json:"lastId"`
}

func (h *Handler) ReplacePatients(c echo.Context) error {
	var req replaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patients data")
	}
	if req.Patients == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patients data")
	}
	if req.LastID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid lastId")
	}
	if err := h.svc.ReplaceAll(c.Request().Context(), *req.Patients, *req.LastID); err != nil {
		return httpError(err, "Failed to update patients")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) Recover(c echo.Context) error {
	if _, err := h.svc.RecoverFromBackup(c.Request().Context()); err != nil {
		return httpError(err, "Backup recovery failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Data recovered from backup",
	})
}

func (h *Handler) Status(c echo.Context) error {
	report, err := h.svc.Status(c.Request().Context())
	if err != nil {
		return httpError(err, "Failed to check status")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":      true,
		"patientCount": report.PatientCount,
		"lastId":       report.LastID,
		"backupExists": report.BackupExists,
		"dataFile":     report.DataFile,
		"quarantined":  report.Quarantined,
	})
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	var body struct {
		Status Status `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.UpdateStatus(c.Request().Context(), c.Param("id"), body.Status)
	if err != nil {
		return httpError(err, "Failed to update patient")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "patient": p})
}

func (h *Handler) SetESI(c echo.Context) error {
	var body struct {
		ESI triage.ESI `json:"esi"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.SetESI(c.Request().Context(), c.Param("id"), body.ESI)
	if err != nil {
		return httpError(err, "Failed to update patient")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "patient": p})
}

// Queue serves the urgency-ordered queue with its header stats. Stats always
// describe the whole queue, not the requested page.
func (h *Handler) Queue(c echo.Context) error {
	pg := pagination.FromContext(c)
	view := NewView(h.svc.LoadAll(c.Request().Context()))

	entries := view.SortedByUrgency()
	lo, hi := pg.Bounds(len(entries))

	resp := pagination.NewResponse(entries[lo:hi], len(entries), pg)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"queue":    resp,
		"stats":    view.Stats(),
		"byStatus": view.ByStatus(),
	})
}
