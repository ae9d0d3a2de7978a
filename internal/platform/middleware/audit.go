package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AuditEntry records one change to the patient queue.
type AuditEntry struct {
	Action    string
	PatientID string
	Method    string
	Route     string
	Path      string
	RemoteIP  string
	UserAgent string
	Status    int
	RequestID string
	Timestamp time.Time
}

// Audit logs every request that can change the queue: writes under
// /api/patients and assessment hand-offs. Reads are not audited.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditable(req.Method, req.URL.Path) {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Action:    auditAction(req.Method, req.URL.Path),
				PatientID: c.Param("id"),
				Method:    req.Method,
				Route:     c.Path(),
				Path:      req.URL.Path,
				RemoteIP:  c.RealIP(),
				UserAgent: req.UserAgent(),
				Status:    responseStatus(c, err),
				RequestID: requestID(c),
				Timestamp: time.Now().UTC(),
			}
			if strings.HasPrefix(entry.Path, "/api/assessments/") {
				// the id there is a session, not a patient
				entry.PatientID = ""
			}

			evt := logger.Info()
			if entry.Status >= 400 {
				evt = logger.Warn()
			}
			evt.
				Str("type", "queue_audit").
				Str("action", entry.Action).
				Str("patient_id", entry.PatientID).
				Str("method", entry.Method).
				Str("route", entry.Route).
				Str("remote_ip", entry.RemoteIP).
				Str("user_agent", entry.UserAgent).
				Int("status", entry.Status).
				Str("request_id", entry.RequestID).
				Time("at", entry.Timestamp).
				Msg("queue change")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return false
	}
	if path == "/api/patients" || strings.HasPrefix(path, "/api/patients/") {
		return true
	}
	return strings.HasPrefix(path, "/api/assessments/") && strings.HasSuffix(path, "/enqueue")
}

// auditAction names the change a request makes.
func auditAction(method, path string) string {
	switch {
	case strings.HasSuffix(path, "/enqueue"):
		return "admit"
	case strings.HasSuffix(path, "/recover"):
		return "recover"
	case strings.HasSuffix(path, "/status"):
		return "update_status"
	case strings.HasSuffix(path, "/esi"):
		return "set_esi"
	case method == http.MethodPost:
		return "append"
	case method == http.MethodPut:
		return "replace"
	default:
		return strings.ToLower(method)
	}
}

func responseStatus(c echo.Context, err error) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	if err != nil {
		return http.StatusInternalServerError
	}
	return c.Response().Status
}
