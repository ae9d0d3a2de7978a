package intake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/triage/internal/domain/queue"
	"github.com/ehr/triage/internal/domain/triage"
)

var tracer = otel.Tracer("github.com/ehr/triage/internal/domain/intake")

// Enqueuer admits a completed assessment to the department queue.
type Enqueuer interface {
	Append(ctx context.Context, d queue.PatientDraft) (queue.Patient, error)
}

type Handler struct {
	store  *SessionStore
	queue  Enqueuer
	logger zerolog.Logger
}

func NewHandler(store *SessionStore, q Enqueuer, logger zerolog.Logger) *Handler {
	return &Handler{store: store, queue: q, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/questions", h.Questions)
	api.POST("/triage/classify", h.Classify)

	api.POST("/assessments", h.CreateAssessment)
	api.GET("/assessments/:id", h.GetAssessment)
	api.PUT("/assessments/:id/answer", h.AnswerQuestion)
	api.POST("/assessments/:id/advance", h.Advance)
	api.POST("/assessments/:id/retreat", h.Retreat)
	api.POST("/assessments/:id/reset", h.Reset)
	api.POST("/assessments/:id/enqueue", h.Enqueue)
}

func sessionError(err error) error {
	var ve *triage.ValidationError
	var qe *queue.ValidationError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.As(err, &qe):
		return echo.NewHTTPError(http.StatusBadRequest, qe.Error())
	case errors.Is(err, ErrUnanswered):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrComplete), errors.Is(err, ErrNotCurrent), errors.Is(err, ErrSessionBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to save patient").SetInternal(err)
	}
}

func (h *Handler) Questions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"policy":  h.store.Policy().Name(),
		"catalog": h.store.Catalog(),
	})
}

// Classify scores a complete answer set in one call, without a session.
func (h *Handler) Classify(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "intake.Classify")
	defer span.End()

	var raw map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&raw); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "answers must be a JSON object")
	}
	catalog := h.store.Catalog()
	answers, err := catalog.Bind(raw)
	if err != nil {
		return sessionError(err)
	}
	if err := catalog.RequireComplete(answers); err != nil {
		return sessionError(err)
	}

	policy := h.store.Policy()
	esi := policy.Classify(answers)
	span.SetAttributes(attribute.String("triage.policy", policy.Name()), attribute.Int("triage.esi", int(esi)))
	h.logger.Debug().Ctx(ctx).Str("policy", policy.Name()).Int("esi", int(esi)).Msg("answers classified")
	return c.JSON(http.StatusOK, NewResult(policy.Name(), esi))
}

func (h *Handler) CreateAssessment(c echo.Context) error {
	return c.JSON(http.StatusCreated, h.store.Create())
}

func (h *Handler) GetAssessment(c echo.Context) error {
	v, err := h.store.Get(c.Param("id"))
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, v)
}

type answerRequest struct {
	// Index defaults to the current question when omitted.
	Index *int          `json:"index"`
	Value triage.Answer `json:"value"`
}

func (h *Handler) AnswerQuestion(c echo.Context) error {
	var req answerRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	v, err := h.store.Update(c.Param("id"), func(s *Session) error {
		i := s.Index()
		if req.Index != nil {
			i = *req.Index
		}
		return s.Answer(i, req.Value)
	})
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Advance(c echo.Context) error {
	v, err := h.store.Update(c.Param("id"), (*Session).Advance)
	if err != nil {
		return sessionError(err)
	}
	if v.Result != nil {
		h.logger.Info().Str("assessment_id", v.ID).Int("esi", int(v.Result.ESI)).Msg("assessment complete")
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Retreat(c echo.Context) error {
	v, err := h.store.Update(c.Param("id"), (*Session).Retreat)
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Reset(c echo.Context) error {
	v, err := h.store.Update(c.Param("id"), func(s *Session) error {
		s.Reset()
		return nil
	})
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// Enqueue admits a completed assessment to the queue and discards the
// session. The session survives a failed write so the client can retry.
func (h *Handler) Enqueue(c echo.Context) error {
	var body struct {
		WaitTime int `json:"waitTime"`
	}
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var patient queue.Patient
	err := h.store.Take(c.Param("id"), func(s *Session) error {
		esi, ok := s.ESI()
		if !ok {
			return ErrUnanswered
		}
		answers := s.Answers()
		p, err := h.queue.Append(c.Request().Context(), queue.PatientDraft{
			ESI:            esi,
			ChiefComplaint: answers.Text(triage.FieldChiefComplaint),
			WaitTime:       body.WaitTime,
			Answers:        answers,
		})
		if err != nil {
			return err
		}
		patient = p
		return nil
	})
	if errors.Is(err, ErrUnanswered) {
		return echo.NewHTTPError(http.StatusConflict, "assessment is not complete")
	}
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"patient": patient,
	})
}
